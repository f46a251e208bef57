package aot

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/codegen"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

// BuildOptions control how an image is produced.
type BuildOptions struct {
	Arch arch.Arch
	// Debug builds unoptimized code and marks the image as debuggable.
	Debug bool
	// Shared marks the image as domain neutral. Otherwise Owner names the
	// only domain that may use it.
	Shared bool
	Owner  compiler.DomainID
	// Progress is called after each method is processed.
	Progress func(done, total int)
}

// Skip describes a method that was left out of an image.
type Skip struct {
	Method *metadata.Method
	Reason string
}

// Writer accumulates compiled methods for one assembly.
type Writer struct {
	asm     *metadata.Assembly
	opts    BuildOptions
	entries []Entry
	code    []byte
	skipped []Skip
}

func NewWriter(a *metadata.Assembly, opts BuildOptions) (*Writer, error) {
	if a == nil {
		return nil, fmt.Errorf("aot: assembly must be non-nil")
	}
	if opts.Arch == arch.Invalid {
		opts.Arch = arch.Native
	}
	if _, err := codegen.Lookup(opts.Arch); err != nil {
		return nil, fmt.Errorf("aot: %w", err)
	}
	return &Writer{asm: a, opts: opts}, nil
}

// AddAll compiles every method of the assembly that has a body. Methods that
// cannot be compiled are recorded and left to the JIT at run time.
func (w *Writer) AddAll() error {
	methods := w.asm.Methods()
	for i, m := range methods {
		if err := w.Add(m); err != nil {
			w.skipped = append(w.skipped, Skip{Method: m, Reason: err.Error()})
		}
		if w.opts.Progress != nil {
			w.opts.Progress(i+1, len(methods))
		}
	}
	return nil
}

// Add compiles m into the image.
func (w *Writer) Add(m *metadata.Method) error {
	if m.Assembly() != w.asm {
		return fmt.Errorf("aot: method %s does not belong to %s", m.FullName(), w.asm.Name)
	}
	if !m.HasBody() {
		return fmt.Errorf("aot: method %s has no IL body", m.FullName())
	}
	key := m.Key()
	for _, e := range w.entries {
		if e.Key == key {
			return fmt.Errorf("aot: method %s added twice", m.FullName())
		}
	}
	body := m.Body
	if !w.opts.Debug {
		body = il.Optimize(body)
	}
	out, err := codegen.Lower(w.opts.Arch, m.Frame(), body, codegen.Options{
		DebugInfo:  w.opts.Debug,
		ZeroLocals: true,
	})
	if err != nil {
		return err
	}

	for len(w.code)%methodAlign != 0 {
		w.code = append(w.code, 0)
	}
	off := len(w.code)
	w.code = append(w.code, out.Program.Bytes()...)
	w.entries = append(w.entries, Entry{
		Key:      key,
		Token:    m.Token,
		SigHash:  m.Signature.Hash(),
		BodyHash: il.Hash(m.Body),
		CodeOff:  uint64(off),
		CodeSize: uint64(out.Program.Len()),
	})
	return nil
}

func (w *Writer) Skipped() []Skip { return w.skipped }

func (w *Writer) Len() int { return len(w.entries) }

func (w *Writer) flags() ImageFlags {
	var f ImageFlags
	if w.opts.Shared {
		f |= ImageShared
	}
	if w.opts.Debug {
		f |= ImageDebug
	} else {
		f |= ImageOptimized
	}
	return f
}

// Bytes serializes the image.
func (w *Writer) Bytes() ([]byte, error) {
	var strs stringTable
	h := &Header{
		Arch:        w.opts.Arch,
		Flags:       w.flags(),
		MethodCount: uint32(len(w.entries)),
		MVID:        w.asm.MVID,
	}
	if !w.opts.Shared {
		h.Owner = uint32(w.opts.Owner)
	}
	var err error
	if h.versionRef, err = strs.add(FormatVersion); err != nil {
		return nil, err
	}
	if h.nameRef, err = strs.add(w.asm.Name); err != nil {
		return nil, err
	}
	if h.asmVersionRef, err = strs.add(w.asm.Version); err != nil {
		return nil, err
	}

	entries := append([]Entry(nil), w.entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	h.stringsOff = headerSize
	h.stringsSize = uint64(len(strs.data))
	h.tableOff = alignUp(h.stringsOff+h.stringsSize, 8)
	h.tableSize = uint64(len(entries)) * entrySize
	h.codeOff = alignUp(h.tableOff+h.tableSize, CodeAlign)
	h.codeSize = uint64(len(w.code))

	out := make([]byte, h.codeOff+h.codeSize)
	copy(out[h.stringsOff:], strs.data)
	for i, e := range entries {
		e.encode(out[h.tableOff+uint64(i)*entrySize:])
	}
	copy(out[h.codeOff:], w.code)
	h.checksum = crc32.Checksum(out[headerSize:], castagnoli)
	h.encode(out[:headerSize])
	return out, nil
}

// WriteTo writes the serialized image to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	data, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(data)
	return int64(n), err
}

// WriteFile writes the image atomically to path.
func (w *Writer) WriteFile(path string) error {
	data, err := w.Bytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("aot: create image directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("aot: create image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("aot: write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("aot: write image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("aot: install image: %w", err)
	}
	return nil
}

func alignUp(v, to uint64) uint64 {
	return (v + to - 1) / to * to
}

// ImagePath is where the strategy first looks for an image of a built for
// target: next to the assembly file.
func ImagePath(a *metadata.Assembly, target arch.Arch) string {
	if a.Path == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(a.Path), a.FileName()+"."+target.String()+".aot")
}

// CachePath is the fallback location of an image inside a cache directory.
func CachePath(cacheDir string, a *metadata.Assembly, target arch.Arch) string {
	if cacheDir == "" {
		return ""
	}
	return filepath.Join(cacheDir, target.String(), a.FileName()+".aot")
}
