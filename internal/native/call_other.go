//go:build !(linux && (amd64 || arm64))

package native

const Supported = false

func call(entry uintptr, args []uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}
