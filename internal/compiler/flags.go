package compiler

import "strings"

// Flags adjusts how a method is compiled. Strategies ignore bits they do not
// recognize.
type Flags uint32

const (
	// FlagDebug requests debugger friendly code: no optimization and a map
	// from IL instructions to native offsets.
	FlagDebug Flags = 1 << iota
	// FlagSynchronous asks for the compile to complete on the calling
	// goroutine. Every strategy in this module is synchronous.
	FlagSynchronous
	// FlagNoOptimize disables IL optimization.
	FlagNoOptimize
	// FlagNoAOT makes the ahead-of-time strategy decline.
	FlagNoAOT

	knownFlags = FlagDebug | FlagSynchronous | FlagNoOptimize | FlagNoAOT
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagDebug, "debug"},
	{FlagSynchronous, "synchronous"},
	{FlagNoOptimize, "no-optimize"},
	{FlagNoAOT, "no-aot"},
}

// Known clears every unrecognized bit.
func (f Flags) Known() Flags { return f & knownFlags }

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if f&^knownFlags != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}
