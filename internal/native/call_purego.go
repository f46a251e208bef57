//go:build linux && (amd64 || arm64)

package native

import (
	"github.com/ebitengine/purego"
)

// Supported reports whether Call can run code on this platform.
const Supported = true

func call(entry uintptr, args []uintptr) (uintptr, error) {
	r1, _, _ := purego.SyscallN(entry, args...)
	return r1, nil
}
