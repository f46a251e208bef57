//go:build !linux

package codeheap

type chunk struct {
	used int
}

func mapChunk(chunkSize, need int) (*chunk, error) {
	return nil, ErrUnsupported
}

func (c *chunk) size() int                            { return 0 }
func (c *chunk) fits(n int) bool                      { return false }
func (c *chunk) install(code []byte) (uintptr, error) { return 0, ErrUnsupported }
func (c *chunk) release() error                       { return nil }
