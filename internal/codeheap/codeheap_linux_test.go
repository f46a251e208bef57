//go:build linux

package codeheap

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestInstallCopiesCode(t *testing.T) {
	h := New("test")
	defer h.Close()

	code := []byte{0xde, 0xad, 0xbe, 0xef}
	blk, err := h.Install(code, 1)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if blk.Addr == 0 || blk.Size != len(code) {
		t.Fatalf("unexpected block %+v", blk)
	}
	if blk.Addr%uintptr(unix.Getpagesize()) != 0 {
		t.Fatalf("block %#x not page aligned", blk.Addr)
	}
	got := unsafe.Slice((*byte)(unsafe.Pointer(blk.Addr)), blk.Size)
	for i := range code {
		if got[i] != code[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], code[i])
		}
	}
}

func TestBlocksDoNotShareChunkPages(t *testing.T) {
	h := New("test", WithChunkSize(4*unix.Getpagesize()))
	defer h.Close()

	var addrs []uintptr
	for i := 0; i < 6; i++ {
		blk, err := h.Install([]byte{byte(i)}, uint64(i))
		if err != nil {
			t.Fatalf("install %d: %v", i, err)
		}
		addrs = append(addrs, blk.Addr)
	}
	seen := make(map[uintptr]bool)
	for _, a := range addrs {
		if seen[a] {
			t.Fatalf("address %#x handed out twice", a)
		}
		seen[a] = true
	}
	s := h.Stats()
	if s.Chunks != 2 || s.Installs != 6 {
		t.Fatalf("stats = %+v, want 2 chunks and 6 installs", s)
	}
	if s.Used != 6*unix.Getpagesize() {
		t.Fatalf("used = %d, want %d", s.Used, 6*unix.Getpagesize())
	}
}

func TestLargeInstallGetsOwnChunk(t *testing.T) {
	page := unix.Getpagesize()
	h := New("test", WithChunkSize(page))
	defer h.Close()

	big := make([]byte, 3*page+1)
	if _, err := h.Install(big, 0); err != nil {
		t.Fatalf("install: %v", err)
	}
	if s := h.Stats(); s.Mapped != 4*page {
		t.Fatalf("mapped = %d, want %d", s.Mapped, 4*page)
	}
}

func TestEmptyAndClosed(t *testing.T) {
	h := New("test")
	if _, err := h.Install(nil, 0); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := h.Install([]byte{0xc3}, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentInstall(t *testing.T) {
	h := New("test")
	defer h.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.Install([]byte{byte(i), 0xc3}, uint64(i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("install: %v", err)
	}
	if got := h.Stats().Installs; got != 32 {
		t.Fatalf("installs = %d, want 32", got)
	}
}

func TestFindByAddress(t *testing.T) {
	h := New("test", WithChunkSize(2*unix.Getpagesize()))

	var blocks []Block
	for i := 0; i < 5; i++ {
		blk, err := h.Install([]byte{0x90, 0x90, 0xc3}, uint64(100+i))
		if err != nil {
			t.Fatalf("install %d: %v", i, err)
		}
		blocks = append(blocks, blk)
	}
	for _, want := range blocks {
		for _, addr := range []uintptr{want.Addr, want.Addr + 2} {
			got, ok := h.Find(addr)
			if !ok || got != want {
				t.Fatalf("Find(%#x) = %+v, %t; want %+v", addr, got, ok, want)
			}
		}
		if got, ok := h.Find(want.Addr + 3); ok {
			t.Fatalf("Find past the end of %+v returned %+v", want, got)
		}
	}
	if _, ok := h.Find(0); ok {
		t.Fatalf("Find(0) succeeded")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := h.Find(blocks[0].Addr); ok {
		t.Fatalf("Find succeeded after Close")
	}
}
