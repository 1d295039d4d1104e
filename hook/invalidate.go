//go:build linux

package hook

import (
	"fmt"
	"sort"

	"github.com/sliverarmory/plthook/memmod"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Invalidate maps the original file-backed pages back in place of every
// anonymous copy, carrying over the copy's current contents. Hooks stay in
// effect. Pages that fail are reported and kept.
func (e *Engine) Invalidate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	return e.invalidateLocked()
}

func (e *Engine) invalidateLocked() error {
	pages := make([]uintptr, 0, len(e.records))
	for page := range e.records {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	var (
		errs   error
		failed int
	)
	for _, page := range pages {
		if err := e.restore(e.records[page]); err != nil {
			failed++
			e.logger.Warn("restore page failed", zap.Uintptr("page", page), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		memmod.FlushInstructionCache(page, page+memmod.PageSize())
	}
	if errs != nil {
		return fmt.Errorf("%w: %d of %d pages: %w", ErrInvalidate, failed, len(pages), errs)
	}
	return nil
}

// restore maps the original file page back in place of the copy. The
// page keeps its current contents, so active hooks and any other writes
// made since the backup stay in effect.
func (e *Engine) restore(rec *record) error {
	if err := rec.backup.Restore(); err != nil {
		return err
	}
	delete(e.records, rec.backup.Page)

	file := rec.backup.File
	e.logger.Debug("page restored",
		zap.Uintptr("page", rec.backup.Page),
		zap.String("path", rec.path),
		zap.Uint64("dev", file.Dev),
		zap.Uint64("inode", file.Inode),
		zap.Uintptr("fileOffset", file.Offset),
		zap.Int("slots", len(rec.originals)))
	return nil
}
