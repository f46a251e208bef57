package arch

import (
	"fmt"
	"runtime"
	"strings"
)

// Arch identifies the instruction set a block of native code targets.
type Arch string

// The zero value is Invalid.
const (
	Invalid Arch = ""
	X86_64  Arch = "x86_64"
	ARM64   Arch = "arm64"
)

// Native is the architecture of the running process, or Invalid when the
// process runs on an architecture no backend exists for.
var Native = fromGOARCH(runtime.GOARCH)

func fromGOARCH(goarch string) Arch {
	switch goarch {
	case "amd64":
		return X86_64
	case "arm64":
		return ARM64
	default:
		return Invalid
	}
}

// Parse accepts the names used in configuration files and on the command
// line. "native" and the empty string resolve to Native.
func Parse(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		if Native == Invalid {
			return Invalid, fmt.Errorf("arch: unsupported host architecture %q", runtime.GOARCH)
		}
		return Native, nil
	case "x86_64", "amd64", "x64":
		return X86_64, nil
	case "arm64", "aarch64":
		return ARM64, nil
	default:
		return Invalid, fmt.Errorf("arch: unknown architecture %q", s)
	}
}

// GOARCH returns the Go toolchain name for the architecture.
func (a Arch) GOARCH() string {
	switch a {
	case X86_64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return ""
	}
}

func (a Arch) String() string {
	if a == Invalid {
		return "invalid"
	}
	return string(a)
}

// Architecture encoding for image files.
const (
	imageArchInvalid uint32 = 0
	imageArchX86_64  uint32 = 1
	imageArchARM64   uint32 = 2
)

// Encode converts the architecture to its image file encoding.
func (a Arch) Encode() uint32 {
	switch a {
	case X86_64:
		return imageArchX86_64
	case ARM64:
		return imageArchARM64
	default:
		return imageArchInvalid
	}
}

// Decode converts an image file architecture encoding back to an Arch.
func Decode(v uint32) Arch {
	switch v {
	case imageArchX86_64:
		return X86_64
	case imageArchARM64:
		return ARM64
	default:
		return Invalid
	}
}
