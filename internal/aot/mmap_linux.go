//go:build linux

package aot

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapImage maps path for reading and execution. On mounts that forbid
// executable mappings the file is copied into anonymous memory that is then
// sealed read-execute.
func mapImage(path string) ([]byte, func() error, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, false, fmt.Errorf("aot: stat image: %w", err)
	}
	size := int(st.Size())
	if size < headerSize {
		return nil, nil, false, corrupt("%s is %d bytes, shorter than the header", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE)
	if err == nil {
		return data, func() error { return unix.Munmap(data) }, true, nil
	}
	if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
		return nil, nil, false, fmt.Errorf("aot: mmap image: %w", err)
	}

	anon, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, false, fmt.Errorf("aot: mmap image copy: %w", err)
	}
	if _, err := f.ReadAt(anon, 0); err != nil {
		_ = unix.Munmap(anon)
		return nil, nil, false, fmt.Errorf("aot: read image: %w", err)
	}
	if err := unix.Mprotect(anon, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(anon)
		return nil, nil, false, fmt.Errorf("aot: seal image copy: %w", err)
	}
	return anon, func() error { return unix.Munmap(anon) }, true, nil
}
