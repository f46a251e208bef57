//go:build linux

package codeheap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

type chunk struct {
	mem  []byte
	used int
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

func mapChunk(chunkSize, need int) (*chunk, error) {
	pageSize := unix.Getpagesize()
	size := roundUp(max(chunkSize, need), pageSize)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codeheap: mmap %d bytes: %w", size, err)
	}
	return &chunk{mem: mem}, nil
}

func (c *chunk) size() int { return len(c.mem) }

func (c *chunk) fits(n int) bool {
	return c.used+roundUp(n, unix.Getpagesize()) <= len(c.mem)
}

// install writes code at the next free page and seals those pages RX.
func (c *chunk) install(code []byte) (uintptr, error) {
	span := roundUp(len(code), unix.Getpagesize())
	region := c.mem[c.used : c.used+span]
	copy(region, code)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		clear(region)
		return 0, fmt.Errorf("codeheap: mprotect: %w", err)
	}
	addr := uintptr(unsafe.Pointer(&region[0]))
	c.used += span
	return addr, nil
}

func (c *chunk) release() error {
	if err := unix.Munmap(c.mem); err != nil {
		return fmt.Errorf("codeheap: munmap: %w", err)
	}
	c.mem = nil
	return nil
}
