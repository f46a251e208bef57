package aot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/jitseam/internal/arch"
)

// FormatVersion is the image layout this package reads and writes. Readers
// accept images with the same major version and an equal or older minor.
const FormatVersion = "v1.0.0"

const (
	headerSize = 112
	entrySize  = 40

	// CodeAlign is the alignment of the code section within the file, large
	// enough for 4K and 16K page systems.
	CodeAlign = 16 << 10
	// methodAlign is the alignment of every method inside the code section.
	methodAlign = 16
)

var magic = [8]byte{'J', 'S', 'A', 'O', 'T', 'I', 'M', 'G'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrCorruptImage       = errors.New("aot: corrupt image")
	ErrUnsupportedVersion = errors.New("aot: unsupported image format version")
	ErrStaleImage         = errors.New("aot: stale image")
)

// ImageFlags describe how an image was built.
type ImageFlags uint32

const (
	// ImageShared marks code usable from every domain.
	ImageShared ImageFlags = 1 << iota
	// ImageDebug marks code built without optimization for debugging.
	ImageDebug
	// ImageOptimized marks code built from optimized IL.
	ImageOptimized
)

func (f ImageFlags) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f&ImageShared != 0 {
		add("shared")
	}
	if f&ImageDebug != 0 {
		add("debug")
	}
	if f&ImageOptimized != 0 {
		add("optimized")
	}
	if s == "" {
		return "none"
	}
	return s
}

// Header is the decoded fixed-size image header.
type Header struct {
	Version         string
	Arch            arch.Arch
	Flags           ImageFlags
	Owner           uint32
	MethodCount     uint32
	AssemblyName    string
	AssemblyVersion string
	MVID            [16]byte

	stringsOff, stringsSize uint64
	tableOff, tableSize     uint64
	codeOff, codeSize       uint64
	versionRef, nameRef     uint32
	asmVersionRef           uint32
	checksum                uint32
}

func (h *Header) Shared() bool { return h.Flags&ImageShared != 0 }
func (h *Header) Debug() bool  { return h.Flags&ImageDebug != 0 }

// Entry is one row of the method table.
type Entry struct {
	Key      uint64
	Token    uint32
	SigHash  uint32
	BodyHash uint32
	Flags    uint32
	CodeOff  uint64
	CodeSize uint64
}

func (e Entry) encode(out []byte) {
	binary.LittleEndian.PutUint64(out[0:], e.Key)
	binary.LittleEndian.PutUint32(out[8:], e.Token)
	binary.LittleEndian.PutUint32(out[12:], e.SigHash)
	binary.LittleEndian.PutUint32(out[16:], e.BodyHash)
	binary.LittleEndian.PutUint32(out[20:], e.Flags)
	binary.LittleEndian.PutUint64(out[24:], e.CodeOff)
	binary.LittleEndian.PutUint64(out[32:], e.CodeSize)
}

func decodeEntry(in []byte) Entry {
	return Entry{
		Key:      binary.LittleEndian.Uint64(in[0:]),
		Token:    binary.LittleEndian.Uint32(in[8:]),
		SigHash:  binary.LittleEndian.Uint32(in[12:]),
		BodyHash: binary.LittleEndian.Uint32(in[16:]),
		Flags:    binary.LittleEndian.Uint32(in[20:]),
		CodeOff:  binary.LittleEndian.Uint64(in[24:]),
		CodeSize: binary.LittleEndian.Uint64(in[32:]),
	}
}

func (h *Header) encode(out []byte) {
	copy(out[0:8], magic[:])
	binary.LittleEndian.PutUint32(out[8:], headerSize)
	binary.LittleEndian.PutUint32(out[12:], h.versionRef)
	binary.LittleEndian.PutUint32(out[16:], h.Arch.Encode())
	binary.LittleEndian.PutUint32(out[20:], uint32(h.Flags))
	binary.LittleEndian.PutUint32(out[24:], h.Owner)
	binary.LittleEndian.PutUint32(out[28:], h.MethodCount)
	binary.LittleEndian.PutUint32(out[32:], h.nameRef)
	binary.LittleEndian.PutUint32(out[36:], h.asmVersionRef)
	copy(out[40:56], h.MVID[:])
	binary.LittleEndian.PutUint64(out[56:], h.stringsOff)
	binary.LittleEndian.PutUint64(out[64:], h.stringsSize)
	binary.LittleEndian.PutUint64(out[72:], h.tableOff)
	binary.LittleEndian.PutUint64(out[80:], h.tableSize)
	binary.LittleEndian.PutUint64(out[88:], h.codeOff)
	binary.LittleEndian.PutUint64(out[96:], h.codeSize)
	binary.LittleEndian.PutUint32(out[104:], h.checksum)
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptImage, fmt.Sprintf(format, args...))
}

// parseHeader decodes and validates the header and section layout of data.
// It does not look at the method table contents.
func parseHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, corrupt("file is %d bytes, shorter than the header", len(data))
	}
	if [8]byte(data[0:8]) != magic {
		return nil, corrupt("bad magic %q", data[0:8])
	}
	if size := binary.LittleEndian.Uint32(data[8:]); size != headerSize {
		return nil, corrupt("header size %d", size)
	}
	h := &Header{
		versionRef:    binary.LittleEndian.Uint32(data[12:]),
		Arch:          arch.Decode(binary.LittleEndian.Uint32(data[16:])),
		Flags:         ImageFlags(binary.LittleEndian.Uint32(data[20:])),
		Owner:         binary.LittleEndian.Uint32(data[24:]),
		MethodCount:   binary.LittleEndian.Uint32(data[28:]),
		nameRef:       binary.LittleEndian.Uint32(data[32:]),
		asmVersionRef: binary.LittleEndian.Uint32(data[36:]),
		stringsOff:    binary.LittleEndian.Uint64(data[56:]),
		stringsSize:   binary.LittleEndian.Uint64(data[64:]),
		tableOff:      binary.LittleEndian.Uint64(data[72:]),
		tableSize:     binary.LittleEndian.Uint64(data[80:]),
		codeOff:       binary.LittleEndian.Uint64(data[88:]),
		codeSize:      binary.LittleEndian.Uint64(data[96:]),
		checksum:      binary.LittleEndian.Uint32(data[104:]),
	}
	copy(h.MVID[:], data[40:56])

	size := uint64(len(data))
	for _, sec := range []struct {
		name      string
		off, size uint64
	}{
		{"string", h.stringsOff, h.stringsSize},
		{"method table", h.tableOff, h.tableSize},
		{"code", h.codeOff, h.codeSize},
	} {
		if sec.off < headerSize || sec.off > size || sec.size > size-sec.off {
			return nil, corrupt("%s section [%d,+%d) outside %d byte file", sec.name, sec.off, sec.size, size)
		}
	}
	if h.tableSize != uint64(h.MethodCount)*entrySize {
		return nil, corrupt("method table is %d bytes for %d methods", h.tableSize, h.MethodCount)
	}
	if sum := crc32.Checksum(data[headerSize:], castagnoli); sum != h.checksum {
		return nil, corrupt("checksum %08x, header says %08x", sum, h.checksum)
	}

	strs := data[h.stringsOff : h.stringsOff+h.stringsSize]
	var err error
	if h.Version, err = readString(strs, h.versionRef); err != nil {
		return nil, err
	}
	if h.AssemblyName, err = readString(strs, h.nameRef); err != nil {
		return nil, err
	}
	if h.AssemblyVersion, err = readString(strs, h.asmVersionRef); err != nil {
		return nil, err
	}
	return h, nil
}

// checkVersion accepts images written by this or an older minor revision of
// the current major format.
func checkVersion(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	if semver.Major(v) != semver.Major(FormatVersion) || semver.Compare(v, FormatVersion) > 0 {
		return fmt.Errorf("%w: %s (reader supports %s)", ErrUnsupportedVersion, v, FormatVersion)
	}
	return nil
}

// String table entries are a little-endian u16 length followed by bytes.
func readString(strs []byte, off uint32) (string, error) {
	if uint64(off)+2 > uint64(len(strs)) {
		return "", corrupt("string offset %d out of range", off)
	}
	n := uint32(binary.LittleEndian.Uint16(strs[off:]))
	if uint64(off)+2+uint64(n) > uint64(len(strs)) {
		return "", corrupt("string at %d overruns table", off)
	}
	return string(strs[off+2 : off+2+n]), nil
}

type stringTable struct {
	data  []byte
	index map[string]uint32
}

func (t *stringTable) add(s string) (uint32, error) {
	if off, ok := t.index[s]; ok {
		return off, nil
	}
	if len(s) > 0xffff {
		return 0, fmt.Errorf("aot: string of %d bytes too long for image", len(s))
	}
	if t.index == nil {
		t.index = make(map[string]uint32)
	}
	off := uint32(len(t.data))
	t.data = binary.LittleEndian.AppendUint16(t.data, uint16(len(s)))
	t.data = append(t.data, s...)
	t.index[s] = off
	return off, nil
}
