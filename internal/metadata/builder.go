package metadata

import (
	"crypto/sha256"

	"github.com/tinyrange/jitseam/internal/il"
)

// NewAssembly creates an empty in-memory assembly. The MVID is derived from
// the name and version; use SetBuild to give two builds distinct identities.
func NewAssembly(name, version string) *Assembly {
	a := &Assembly{Name: name, Version: version}
	a.SetBuild(name + "@" + version)
	return a
}

// SetBuild derives the MVID from an arbitrary build label.
func (a *Assembly) SetBuild(label string) {
	sum := sha256.Sum256([]byte(label))
	copy(a.MVID[:], sum[:16])
}

// DefineType adds a type to the assembly.
func (a *Assembly) DefineType(name string) *Type {
	t := &Type{Assembly: a, Name: name}
	a.Types = append(a.Types, t)
	return t
}

// DefineMethod adds a method with the next free token.
func (t *Type) DefineMethod(name string, sig Signature, locals []il.Type, body *il.Body) *Method {
	m := &Method{
		Type:      t,
		Name:      name,
		Signature: sig,
		Locals:    locals,
		Body:      body,
		Token:     MethodDefTable<<24 | uint32(len(t.Assembly.Methods())+1),
	}
	t.Methods = append(t.Methods, m)
	return m
}

// Static builds the signature of a static method.
func Static(ret il.Type, params ...il.Type) Signature {
	return Signature{Params: params, Return: ret}
}

// Instance builds the signature of an instance method.
func Instance(ret il.Type, params ...il.Type) Signature {
	return Signature{HasThis: true, Params: params, Return: ret}
}
