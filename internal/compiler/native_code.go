package compiler

import (
	"sync"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/il"
)

// Owner is whatever keeps the memory behind a NativeCode alive.
type Owner interface {
	// Release drops one reference taken when the handle was issued.
	Release()
}

// NativeCode is a handle to executable code. The memory is owned by a code
// heap or a mapped image; holders never free it.
type NativeCode struct {
	Entry    uintptr
	Size     int
	Arch     arch.Arch
	Strategy string
	// DebugMap relates IL instruction indexes to native offsets. It is only
	// populated for debug compiles.
	DebugMap []il.OffsetMapping

	owner Owner
	once  *sync.Once
}

// Valid reports whether the handle refers to code.
func (c NativeCode) Valid() bool {
	return c.Entry != 0 && c.Size > 0
}

// WithOwner returns a copy of c that releases owner once when Release is
// called.
func (c NativeCode) WithOwner(owner Owner) NativeCode {
	c.owner = owner
	c.once = new(sync.Once)
	return c
}

// Release drops the handle's reference to its owner. It is safe to call more
// than once and on handles without an owner.
func (c NativeCode) Release() {
	if c.owner == nil || c.once == nil {
		return
	}
	c.once.Do(c.owner.Release)
}
