// Package codeheap provides append-only executable memory for generated code.
//
// Pages are mapped read-write, filled, and then switched to read-execute.
// A page is never writable and executable at the same time, and installed
// code is never moved or freed until the heap is closed.
package codeheap

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrClosed      = errors.New("codeheap: heap is closed")
	ErrEmpty       = errors.New("codeheap: empty code")
	ErrUnsupported = errors.New("codeheap: executable memory is not supported on this platform")
)

// DefaultChunkSize is the size of each mapping the heap carves blocks from.
const DefaultChunkSize = 256 << 10

// Block is one installed piece of code. Key is the method key it was
// installed for.
type Block struct {
	Addr uintptr
	Size int
	Key  uint64
}

func (b Block) contains(addr uintptr) bool {
	return addr >= b.Addr && addr < b.Addr+uintptr(b.Size)
}

// Stats summarizes a heap's mappings.
type Stats struct {
	Chunks   int
	Mapped   int
	Used     int
	Installs int
}

type Option func(*Heap)

func WithChunkSize(size int) Option {
	return func(h *Heap) {
		if size > 0 {
			h.chunkSize = size
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Heap) {
		if l != nil {
			h.logger = l
		}
	}
}

// Heap is safe for concurrent use.
type Heap struct {
	name      string
	chunkSize int
	logger    *slog.Logger

	mu       sync.Mutex
	chunks   []*chunk
	blocks   []Block // sorted by Addr
	installs int
	closed   bool
}

// New creates an empty heap. No memory is mapped until the first Install.
func New(name string, opts ...Option) *Heap {
	h := &Heap{
		name:      name,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heap) Name() string { return h.name }

// Install copies code into executable memory and returns its location.
func (h *Heap) Install(code []byte, key uint64) (Block, error) {
	if len(code) == 0 {
		return Block{}, ErrEmpty
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Block{}, ErrClosed
	}

	var target *chunk
	if n := len(h.chunks); n > 0 && h.chunks[n-1].fits(len(code)) {
		target = h.chunks[n-1]
	} else {
		c, err := mapChunk(h.chunkSize, len(code))
		if err != nil {
			return Block{}, err
		}
		h.chunks = append(h.chunks, c)
		h.logger.Debug("code heap mapped chunk", "heap", h.name, "size", c.size())
		target = c
	}

	addr, err := target.install(code)
	if err != nil {
		return Block{}, err
	}
	h.installs++
	blk := Block{Addr: addr, Size: len(code), Key: key}
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].Addr > addr })
	h.blocks = append(h.blocks, Block{})
	copy(h.blocks[i+1:], h.blocks[i:])
	h.blocks[i] = blk
	return blk, nil
}

// Find returns the block containing addr.
func (h *Heap) Find(addr uintptr) (Block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].Addr > addr })
	if i == 0 || !h.blocks[i-1].contains(addr) {
		return Block{}, false
	}
	return h.blocks[i-1], true
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{Chunks: len(h.chunks), Installs: h.installs}
	for _, c := range h.chunks {
		s.Mapped += c.size()
		s.Used += c.used
	}
	return s
}

// Close unmaps every chunk. Code installed in the heap must not run after
// Close returns.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, c := range h.chunks {
		if err := c.release(); err != nil {
			errs = append(errs, err)
		}
	}
	h.chunks = nil
	h.blocks = nil
	return errors.Join(errs...)
}
