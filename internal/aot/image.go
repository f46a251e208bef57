package aot

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// Image is a mapped AOT image. It is read-only after Open and may be shared
// by any number of goroutines.
type Image struct {
	path   string
	header *Header
	data   []byte
	unmap  func() error
	// executable is false when the platform could not map the code section
	// for execution; lookups still work but no handles are issued.
	executable bool

	memoMu sync.Mutex
	memo   map[uint64]memoEntry

	byCodeOnce sync.Once
	byCode     []Entry // sorted by CodeOff

	refMu  sync.Mutex
	refs   int
	closed bool
}

type memoEntry struct {
	entry Entry
	found bool
}

// Open maps the image at path and validates its header, layout and checksum.
func Open(path string) (*Image, error) {
	data, unmap, executable, err := mapImage(path)
	if err != nil {
		return nil, err
	}
	h, err := parseHeader(data)
	if err != nil {
		_ = unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img := &Image{
		path:       path,
		header:     h,
		data:       data,
		unmap:      unmap,
		executable: executable,
		memo:       make(map[uint64]memoEntry),
		refs:       1,
	}
	if err := img.validateTable(); err != nil {
		_ = unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (img *Image) Path() string     { return img.path }
func (img *Image) Header() *Header  { return img.header }
func (img *Image) Executable() bool { return img.executable }
func (img *Image) MethodCount() int { return int(img.header.MethodCount) }

func (img *Image) table() []byte {
	h := img.header
	return img.data[h.tableOff : h.tableOff+h.tableSize]
}

// EntryAt decodes the i'th row of the method table.
func (img *Image) EntryAt(i int) Entry {
	return decodeEntry(img.table()[i*entrySize:])
}

func (img *Image) validateTable() error {
	var prev uint64
	for i := 0; i < img.MethodCount(); i++ {
		e := img.EntryAt(i)
		if i > 0 && e.Key <= prev {
			return corrupt("method table not sorted at row %d", i)
		}
		prev = e.Key
		if e.CodeSize == 0 || e.CodeOff > img.header.codeSize || e.CodeSize > img.header.codeSize-e.CodeOff {
			return corrupt("method %d code [%d,+%d) outside code section", i, e.CodeOff, e.CodeSize)
		}
	}
	return nil
}

// Find returns the table entry for key.
func (img *Image) Find(key uint64) (Entry, bool) {
	img.memoMu.Lock()
	if m, ok := img.memo[key]; ok {
		img.memoMu.Unlock()
		return m.entry, m.found
	}
	img.memoMu.Unlock()

	n := img.MethodCount()
	i := sort.Search(n, func(i int) bool { return img.EntryAt(i).Key >= key })
	var res memoEntry
	if i < n {
		if e := img.EntryAt(i); e.Key == key {
			res = memoEntry{entry: e, found: true}
		}
	}

	img.memoMu.Lock()
	img.memo[key] = res
	img.memoMu.Unlock()
	return res.entry, res.found
}

// MethodAt returns the entry whose code contains addr.
func (img *Image) MethodAt(addr uintptr) (Entry, bool) {
	h := img.header
	if h.codeSize == 0 {
		return Entry{}, false
	}
	base := uintptr(unsafe.Pointer(&img.data[h.codeOff]))
	if addr < base || addr >= base+uintptr(h.codeSize) {
		return Entry{}, false
	}
	off := uint64(addr - base)

	img.byCodeOnce.Do(func() {
		img.byCode = make([]Entry, img.MethodCount())
		for i := range img.byCode {
			img.byCode[i] = img.EntryAt(i)
		}
		sort.Slice(img.byCode, func(i, j int) bool { return img.byCode[i].CodeOff < img.byCode[j].CodeOff })
	})
	i := sort.Search(len(img.byCode), func(i int) bool { return img.byCode[i].CodeOff > off })
	if i == 0 {
		return Entry{}, false
	}
	e := img.byCode[i-1]
	if off >= e.CodeOff+e.CodeSize {
		return Entry{}, false
	}
	return e, true
}

// Code returns the bytes of e inside the mapping.
func (img *Image) Code(e Entry) []byte {
	start := img.header.codeOff + e.CodeOff
	return img.data[start : start+e.CodeSize]
}

// Address is the executable address of e.
func (img *Image) Address(e Entry) uintptr {
	code := img.Code(e)
	return uintptr(unsafe.Pointer(&code[0]))
}

// acquire takes a reference for an issued handle.
func (img *Image) acquire() bool {
	img.refMu.Lock()
	defer img.refMu.Unlock()
	if img.closed {
		return false
	}
	img.refs++
	return true
}

// Release drops one reference. The mapping is removed when the image is
// closed and the last handle is released.
func (img *Image) Release() {
	img.refMu.Lock()
	img.refs--
	done := img.refs == 0
	img.refMu.Unlock()
	if done {
		_ = img.unmap()
	}
}

// Close drops the reference Open returned. Issued handles stay valid until
// they are released.
func (img *Image) Close() {
	img.refMu.Lock()
	if img.closed {
		img.refMu.Unlock()
		return
	}
	img.closed = true
	img.refMu.Unlock()
	img.Release()
}

// Refs reports the outstanding references, including the one held until
// Close.
func (img *Image) Refs() int {
	img.refMu.Lock()
	defer img.refMu.Unlock()
	return img.refs
}
