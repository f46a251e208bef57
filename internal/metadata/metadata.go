package metadata

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"

	"github.com/tinyrange/jitseam/internal/il"
)

// MethodDefTable is the table number in the upper byte of a method token.
const MethodDefTable = 0x06

// MethodAttributes are the flags of a method definition that decide whether
// it has an IL body at all.
type MethodAttributes uint32

const (
	AttrAbstract MethodAttributes = 1 << iota
	AttrPInvoke
	AttrRuntime
)

// NoBody is the set of attributes describing methods without IL.
const NoBody = AttrAbstract | AttrPInvoke | AttrRuntime

var attributeNames = map[string]MethodAttributes{
	"abstract": AttrAbstract,
	"pinvoke":  AttrPInvoke,
	"runtime":  AttrRuntime,
}

// Assembly is a loaded unit of managed code.
type Assembly struct {
	Name    string
	Version string
	// MVID identifies this exact build of the assembly.
	MVID  [16]byte
	Path  string
	Types []*Type
}

// FileName returns the base name of the file the assembly was loaded from,
// or its simple name when it was built in memory.
func (a *Assembly) FileName() string {
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return a.Name
}

// Type is a named container of methods.
type Type struct {
	Assembly *Assembly
	Name     string
	Methods  []*Method
}

// Signature describes a method's calling convention in terms of the IL types
// of its arguments and return value.
type Signature struct {
	HasThis bool
	Params  []il.Type
	Return  il.Type
}

// Args returns the types of every argument the native code receives,
// including the receiver for instance methods.
func (s Signature) Args() []il.Type {
	if !s.HasThis {
		return append([]il.Type(nil), s.Params...)
	}
	return append([]il.Type{il.TypePtr}, s.Params...)
}

// String renders the signature as "(i32,i32):i32".
func (s Signature) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for idx, p := range s.Params {
		if idx > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	sb.WriteString("):")
	sb.WriteString(s.Return.String())
	if s.HasThis {
		return "instance " + sb.String()
	}
	return sb.String()
}

// Hash returns a stable digest of the signature.
func (s Signature) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.String()))
	return h.Sum32()
}

// Method is the identity and definition of one managed method. Strategies
// borrow it for the duration of a compile call and never mutate it.
type Method struct {
	Type       *Type
	Name       string
	Token      uint32
	Signature  Signature
	Locals     []il.Type
	Attributes MethodAttributes
	Body       *il.Body
}

// Assembly returns the assembly that defines the method.
func (m *Method) Assembly() *Assembly {
	if m.Type == nil {
		return nil
	}
	return m.Type.Assembly
}

// FullName returns "Type::Name(params):return", the identity string keys are
// derived from.
func (m *Method) FullName() string {
	typeName := ""
	if m.Type != nil {
		typeName = m.Type.Name
	}
	return typeName + "::" + m.Name + m.Signature.String()
}

func (m *Method) String() string { return m.FullName() }

// Key is the content-addressed identity of the method inside its assembly.
func (m *Method) Key() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.FullName()))
	return h.Sum64()
}

// TokenIndex returns the one-based row of the method in the method table.
func (m *Method) TokenIndex() uint32 {
	return m.Token & 0x00ffffff
}

// HasBody reports whether the method is defined in IL.
func (m *Method) HasBody() bool {
	return m.Attributes&NoBody == 0 && m.Body != nil
}

// Frame returns the IL frame of the method.
func (m *Method) Frame() il.Frame {
	return il.Frame{
		Params: m.Signature.Args(),
		Locals: append([]il.Type(nil), m.Locals...),
		Return: m.Signature.Return,
	}
}

// Methods returns every method of the assembly in token order.
func (a *Assembly) Methods() []*Method {
	var out []*Method
	for _, t := range a.Types {
		out = append(out, t.Methods...)
	}
	return out
}

// FindMethod resolves "Type::Name". When the name is overloaded the first
// definition wins; include the signature ("Type::Name(i32):i32") to pick
// another one.
func (a *Assembly) FindMethod(ref string) (*Method, error) {
	sep := strings.Index(ref, "::")
	if sep < 0 {
		return nil, fmt.Errorf("metadata: method reference %q must have the form Type::Name", ref)
	}
	typeName, rest := ref[:sep], ref[sep+2:]
	name, sig := rest, ""
	if paren := strings.IndexByte(rest, '('); paren >= 0 {
		name, sig = rest[:paren], rest[paren:]
	}
	for _, t := range a.Types {
		if t.Name != typeName {
			continue
		}
		for _, m := range t.Methods {
			if m.Name != name {
				continue
			}
			if sig == "" || m.Signature.String() == sig || strings.TrimPrefix(m.Signature.String(), "instance ") == sig {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("metadata: method %s not found in %s", ref, a.Name)
}

// MethodByToken resolves a method token.
func (a *Assembly) MethodByToken(token uint32) (*Method, error) {
	for _, m := range a.Methods() {
		if m.Token == token {
			return m, nil
		}
	}
	return nil, fmt.Errorf("metadata: no method with token 0x%08x in %s", token, a.Name)
}
