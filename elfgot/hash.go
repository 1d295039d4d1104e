package elfgot

import (
	"bytes"
	"fmt"
)

// maxLinearSymbols bounds the fallback linear scan of the symbol table.
const maxLinearSymbols = 1 << 20

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		h ^= g >> 24
		h &^= g
	}
	return h
}

// lookup returns the dynamic symbol table index of name.
func (d *dynamic) lookup(img *image, name string) (uint32, error) {
	if d.gnuHash != 0 {
		idx, ok, err := d.gnuLookup(img, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return idx, nil
		}
	}
	if d.hash != 0 {
		idx, ok, err := d.sysvLookup(img, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return idx, nil
		}
		// the SysV table covers every symbol, defined or not
		return 0, ErrSymbolNotFound
	}

	// GNU hash tables leave out undefined symbols, which are exactly the
	// imports we want; scan the table for them.
	count, err := d.symbolCount(img)
	if err != nil {
		return 0, err
	}
	for i := uint32(1); i < count; i++ {
		ok, err := d.symbolNameIs(img, i, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return i, nil
		}
	}
	return 0, ErrSymbolNotFound
}

func (d *dynamic) symEntSize(img *image) uintptr {
	if d.syment != 0 {
		return d.syment
	}
	if img.arch.wordSize() == 8 {
		return 24
	}
	return 16
}

func (d *dynamic) symbolNameIs(img *image, idx uint32, name string) (bool, error) {
	off, err := img.u32(d.symtab + uintptr(idx)*d.symEntSize(img))
	if err != nil {
		return false, fmt.Errorf("symbol %d: %w", idx, err)
	}
	if d.strsz != 0 && uintptr(off)+uintptr(len(name)) >= d.strsz {
		return false, nil
	}
	b, err := img.read(d.strtab+uintptr(off), len(name)+1)
	if err != nil {
		return false, fmt.Errorf("symbol %d name: %w", idx, err)
	}
	return b[len(name)] == 0 && bytes.Equal(b[:len(name)], []byte(name)), nil
}

type gnuHashHeader struct {
	nbuckets   uint32
	symoffset  uint32
	bloomSize  uint32
	bloomShift uint32
	bloom      uintptr
	buckets    uintptr
	chain      uintptr
}

func (d *dynamic) gnuHeader(img *image) (gnuHashHeader, error) {
	var h gnuHashHeader
	raw, err := img.read(d.gnuHash, 16)
	if err != nil {
		return h, fmt.Errorf("DT_GNU_HASH: %w", err)
	}
	bo := img.arch.ByteOrder
	h.nbuckets = bo.Uint32(raw)
	h.symoffset = bo.Uint32(raw[4:])
	h.bloomSize = bo.Uint32(raw[8:])
	h.bloomShift = bo.Uint32(raw[12:])
	if h.nbuckets == 0 {
		return h, fmt.Errorf("%w: DT_GNU_HASH has no buckets", ErrFormat)
	}
	ws := uintptr(img.arch.wordSize())
	h.bloom = d.gnuHash + 16
	h.buckets = h.bloom + uintptr(h.bloomSize)*ws
	h.chain = h.buckets + uintptr(h.nbuckets)*4
	return h, nil
}

func (d *dynamic) gnuLookup(img *image, name string) (uint32, bool, error) {
	h, err := d.gnuHeader(img)
	if err != nil {
		return 0, false, err
	}
	hash := gnuHash(name)

	if h.bloomSize != 0 {
		ws := uintptr(img.arch.wordSize())
		bits := uint32(ws * 8)
		wordAddr := h.bloom + uintptr((hash/bits)%h.bloomSize)*ws
		raw, err := img.read(wordAddr, int(ws))
		if err != nil {
			return 0, false, fmt.Errorf("DT_GNU_HASH bloom: %w", err)
		}
		word := uint64(img.word(raw))
		mask := uint64(1)<<(hash%bits) | uint64(1)<<((hash>>h.bloomShift)%bits)
		if word&mask != mask {
			return 0, false, nil
		}
	}

	idx, err := img.u32(h.buckets + uintptr(hash%h.nbuckets)*4)
	if err != nil {
		return 0, false, fmt.Errorf("DT_GNU_HASH bucket: %w", err)
	}
	if idx < h.symoffset {
		return 0, false, nil
	}
	for {
		chainHash, err := img.u32(h.chain + uintptr(idx-h.symoffset)*4)
		if err != nil {
			return 0, false, fmt.Errorf("DT_GNU_HASH chain: %w", err)
		}
		if chainHash|1 == hash|1 {
			ok, err := d.symbolNameIs(img, idx, name)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return idx, true, nil
			}
		}
		if chainHash&1 != 0 {
			return 0, false, nil
		}
		idx++
	}
}

func (d *dynamic) sysvLookup(img *image, name string) (uint32, bool, error) {
	raw, err := img.read(d.hash, 8)
	if err != nil {
		return 0, false, fmt.Errorf("DT_HASH: %w", err)
	}
	nbucket := img.arch.ByteOrder.Uint32(raw)
	nchain := img.arch.ByteOrder.Uint32(raw[4:])
	if nbucket == 0 {
		return 0, false, fmt.Errorf("%w: DT_HASH has no buckets", ErrFormat)
	}
	buckets := d.hash + 8
	chains := buckets + uintptr(nbucket)*4

	idx, err := img.u32(buckets + uintptr(sysvHash(name)%nbucket)*4)
	if err != nil {
		return 0, false, fmt.Errorf("DT_HASH bucket: %w", err)
	}
	for steps := uint32(0); idx != 0; steps++ {
		if idx >= nchain || steps > nchain {
			return 0, false, fmt.Errorf("%w: DT_HASH chain out of range", ErrFormat)
		}
		ok, err := d.symbolNameIs(img, idx, name)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return idx, true, nil
		}
		if idx, err = img.u32(chains + uintptr(idx)*4); err != nil {
			return 0, false, fmt.Errorf("DT_HASH chain: %w", err)
		}
	}
	return 0, false, nil
}

// symbolCount returns the number of dynamic symbols. With only a GNU hash
// table the count is one past the last chain entry of the highest bucket;
// without any hash table the symbol table is assumed to end where the
// string table begins, which is how linkers lay them out.
func (d *dynamic) symbolCount(img *image) (uint32, error) {
	if d.gnuHash == 0 {
		if d.strtab <= d.symtab {
			return 0, fmt.Errorf("%w: cannot size symbol table without a hash table", ErrFormat)
		}
		return boundCount(uint32((d.strtab - d.symtab) / d.symEntSize(img)))
	}

	h, err := d.gnuHeader(img)
	if err != nil {
		return 0, err
	}
	raw, err := img.read(h.buckets, int(h.nbuckets)*4)
	if err != nil {
		return 0, fmt.Errorf("DT_GNU_HASH buckets: %w", err)
	}
	last := uint32(0)
	for i := uint32(0); i < h.nbuckets; i++ {
		if b := img.arch.ByteOrder.Uint32(raw[i*4:]); b > last {
			last = b
		}
	}
	if last < h.symoffset {
		return boundCount(h.symoffset)
	}
	for {
		v, err := img.u32(h.chain + uintptr(last-h.symoffset)*4)
		if err != nil {
			return 0, fmt.Errorf("DT_GNU_HASH chain: %w", err)
		}
		last++
		if v&1 != 0 {
			return boundCount(last)
		}
		if last >= maxLinearSymbols {
			return 0, fmt.Errorf("%w: unterminated DT_GNU_HASH chain", ErrFormat)
		}
	}
}

func boundCount(n uint32) (uint32, error) {
	if n > maxLinearSymbols {
		return 0, fmt.Errorf("%w: %d dynamic symbols", ErrFormat, n)
	}
	return n, nil
}
