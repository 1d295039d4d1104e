//go:build linux

package hook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sliverarmory/plthook/elfgot"
	"github.com/sliverarmory/plthook/memmod"
	"github.com/sliverarmory/plthook/procmaps"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// record tracks one GOT page that has been swapped for an anonymous copy.
// backup.File holds the original file-backed mapping.
type record struct {
	backup *memmod.PageBackup
	path   string

	// originals holds each patched slot's value before its first patch.
	originals map[uintptr]uintptr
}

// Commit applies every pending hook. A failing hook is marked Failed, its
// backup slot is zeroed, and the remaining hooks are still applied; the
// returned error wraps ErrCommit and each individual failure.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	var pending []*intent
	for _, key := range e.order {
		if in := e.intents[key]; in.state == Pending {
			pending = append(pending, in)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	entries, err := e.scan()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}

	var (
		errs    error
		failed  int
		touched = make(map[uintptr]struct{})
	)
	for _, in := range pending {
		prev, slots, err := e.apply(entries, in, touched)
		if err != nil {
			failed++
			in.state, in.err, in.slots = Failed, err, nil
			if in.backup != nil {
				*in.backup = 0
			}
			e.logger.Warn("hook failed", zap.Stringer("key", in.key), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", in.key, err))
			continue
		}

		in.state, in.err, in.slots = Committed, nil, slots
		if in.backup != nil {
			*in.backup = FuncPtr(prev)
		}
		e.logger.Info("hook committed",
			zap.Stringer("key", in.key),
			zap.Int("slots", len(slots)),
			zap.Uintptr("backup", prev))
	}

	for page := range touched {
		memmod.FlushInstructionCache(page, page+memmod.PageSize())
	}

	if errs != nil {
		return fmt.Errorf("%w: %d of %d hooks failed: %w", ErrCommit, failed, len(pending), errs)
	}
	return nil
}

// apply resolves and patches one intent. It returns the value the first
// slot held before patching and the patched slots.
func (e *Engine) apply(entries []procmaps.Entry, in *intent, touched map[uintptr]struct{}) (uintptr, []uintptr, error) {
	slots, err := e.resolve(entries, in.key)
	if err != nil {
		return 0, nil, err
	}

	type write struct {
		slot, prev uintptr
		prot       int
	}
	var done []write
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = memmod.WriteWord(done[i].slot, done[i].prev, done[i].prot)
		}
	}

	for _, slot := range slots {
		rec, err := e.recordFor(entries, slot)
		if err != nil {
			rollback()
			return 0, nil, err
		}
		touched[rec.backup.Page] = struct{}{}

		prev := memmod.ReadWord(slot)
		if err := memmod.WriteWord(slot, uintptr(in.callback), rec.backup.Prot); err != nil {
			rollback()
			return 0, nil, err
		}
		if _, ok := rec.originals[slot]; !ok {
			rec.originals[slot] = prev
		}
		done = append(done, write{slot: slot, prev: prev, prot: rec.backup.Prot})
	}
	return done[0].prev, slots, nil
}

// Slots returns the GOT slots of symbol in the object (dev, inode) as
// currently mapped, without patching anything.
func (e *Engine) Slots(dev, inode uint64, symbol string) ([]uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	entries, err := e.scan()
	if err != nil {
		return nil, err
	}
	return e.resolve(entries, Key{Dev: dev, Inode: inode, Symbol: symbol})
}

// resolve finds the GOT slots of key in every mapping of its object that
// holds an ELF header.
func (e *Engine) resolve(entries []procmaps.Entry, key Key) ([]uintptr, error) {
	mapped := e.identityMappings(entries, key.Dev, key.Inode)
	regions := make([]memmod.Region, 0, len(mapped))
	for _, m := range mapped {
		if m.Perms&procmaps.PermRead != 0 {
			regions = append(regions, memmod.Region{Start: m.Start, End: m.End})
		}
	}
	mem := memmod.NewProcessMemory(regions...)

	var (
		slots   []uintptr
		seen    = make(map[uintptr]struct{})
		lastErr error
		bases   int
	)
	for _, m := range mapped {
		if m.Perms&procmaps.PermRead == 0 || m.Offset != key.Offset {
			continue
		}
		bases++
		lib := elfgot.Library{Dev: key.Dev, Inode: key.Inode, Base: m.Start, Window: key.window()}
		found, err := e.resolver.Resolve(mem, lib, key.Symbol)
		if err != nil {
			e.logger.Debug("resolve failed", zap.Stringer("library", lib), zap.Error(err))
			lastErr = err
			continue
		}
		for _, slot := range found {
			if _, ok := seen[slot]; !ok {
				seen[slot] = struct{}{}
				slots = append(slots, slot)
			}
		}
	}
	if bases == 0 {
		return nil, fmt.Errorf("%w: no readable mapping of %d:%d at file offset 0x%x", ErrNotMapped, key.Dev, key.Inode, key.Offset)
	}
	if len(slots) == 0 {
		return nil, lastErr
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}

// identityMappings returns the mappings backed by (dev, inode). Pages
// already swapped for anonymous copies no longer show the file identity in
// the mapping table, so they are added back from their records.
func (e *Engine) identityMappings(entries []procmaps.Entry, dev, inode uint64) []procmaps.Entry {
	mapped := procmaps.FindByIdentity(entries, dev, inode)
	for page, rec := range e.records {
		file := rec.backup.File
		if file.Dev != dev || file.Inode != inode {
			continue
		}
		mapped = append(mapped, procmaps.Entry{
			Start:   page,
			End:     page + memmod.PageSize(),
			Perms:   procmaps.Perm(rec.backup.Prot),
			Private: true,
			Offset:  file.Offset,
			Dev:     file.Dev,
			Inode:   file.Inode,
			Path:    rec.path,
		})
	}
	return mapped
}

// recordFor returns the record of the page holding slot, swapping the
// page for an anonymous copy if it has not been already.
func (e *Engine) recordFor(entries []procmaps.Entry, slot uintptr) (*record, error) {
	page := memmod.PageDown(slot)
	if rec, ok := e.records[page]; ok {
		return rec, nil
	}

	var owner *procmaps.Entry
	for i := range entries {
		if entries[i].Contains(page) {
			owner = &entries[i]
			break
		}
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: GOT slot 0x%x is not mapped", ErrPatch, slot)
	}

	if owner.Anonymous() {
		return nil, fmt.Errorf("%w: GOT page 0x%x is not file backed", ErrPatch, page)
	}
	file := memmod.FileMapping{
		Path:   mappedPath(owner.Path),
		Dev:    owner.Dev,
		Inode:  owner.Inode,
		Offset: owner.Offset + (page - owner.Start),
	}
	backup, err := memmod.BackupPage(page, owner.Perms.Prot(), file)
	if err != nil {
		return nil, err
	}
	rec := &record{
		backup:    backup,
		path:      owner.Path,
		originals: make(map[uintptr]uintptr),
	}
	e.records[page] = rec
	e.logger.Debug("page backed up",
		zap.Uintptr("page", page),
		zap.String("perms", owner.Perms.String()),
		zap.String("path", owner.Path),
		zap.Uintptr("fileOffset", file.Offset))
	return rec, nil
}

// mappedPath strips the marker the kernel appends to unlinked files. The
// backing file is then reopened by name, and a replaced file is caught by
// the identity check.
func mappedPath(path string) string {
	return strings.TrimSuffix(path, " (deleted)")
}
