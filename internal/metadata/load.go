package metadata

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/jitseam/internal/il"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// File is the on-disk description of an assembly.
type File struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Types   []TypeFile `yaml:"types"`
}

type TypeFile struct {
	Name    string       `yaml:"name"`
	Methods []MethodFile `yaml:"methods"`
}

type MethodFile struct {
	Name       string   `yaml:"name"`
	Token      uint32   `yaml:"token,omitempty"`
	Static     bool     `yaml:"static"`
	Params     []string `yaml:"params,omitempty"`
	Returns    string   `yaml:"returns,omitempty"`
	Locals     []string `yaml:"locals,omitempty"`
	Attributes []string `yaml:"attributes,omitempty"`
	Body       string   `yaml:"body,omitempty"`
}

func (f *File) normalize() {
	if f.Version == "" {
		f.Version = "0.0.0"
	}
	for ti := range f.Types {
		for mi := range f.Types[ti].Methods {
			if f.Types[ti].Methods[mi].Returns == "" {
				f.Types[ti].Methods[mi].Returns = "void"
			}
		}
	}
}

// ValidVersion reports whether v is a semantic version, with or without the
// leading "v".
func ValidVersion(v string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}

// LoadFile reads an assembly description from path.
func LoadFile(path string) (*Assembly, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse builds an assembly from its YAML description. The MVID is derived from
// the description's bytes, so any edit produces a new build identity.
func Parse(data []byte, path string) (*Assembly, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("metadata: parse %s: %w", path, err)
	}
	f.normalize()

	sum := sha256.Sum256(data)
	var mvid [16]byte
	copy(mvid[:], sum[:16])

	asm, err := Build(&f, mvid)
	if err != nil {
		return nil, err
	}
	asm.Path = path
	return asm, nil
}

// Build converts a parsed description into an Assembly.
func Build(f *File, mvid [16]byte) (*Assembly, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("metadata: assembly name must be non-empty")
	}
	if !ValidVersion(f.Version) {
		return nil, fmt.Errorf("metadata: assembly %s: invalid version %q", f.Name, f.Version)
	}

	asm := &Assembly{Name: f.Name, Version: f.Version, MVID: mvid}
	used := make(map[uint32]bool)
	next := uint32(1)

	for _, tf := range f.Types {
		if tf.Name == "" {
			return nil, fmt.Errorf("metadata: assembly %s: type name must be non-empty", f.Name)
		}
		t := &Type{Assembly: asm, Name: tf.Name}
		for _, mf := range tf.Methods {
			m, err := buildMethod(t, mf)
			if err != nil {
				return nil, fmt.Errorf("metadata: %s::%s: %w", tf.Name, mf.Name, err)
			}
			if mf.Token != 0 {
				if mf.Token>>24 != MethodDefTable {
					return nil, fmt.Errorf("metadata: %s: token 0x%08x is not a method definition", m.FullName(), mf.Token)
				}
				m.Token = mf.Token
			} else {
				for used[MethodDefTable<<24|next] {
					next++
				}
				m.Token = MethodDefTable<<24 | next
			}
			if used[m.Token] {
				return nil, fmt.Errorf("metadata: %s: duplicate token 0x%08x", m.FullName(), m.Token)
			}
			used[m.Token] = true
			t.Methods = append(t.Methods, m)
		}
		asm.Types = append(asm.Types, t)
	}
	return asm, nil
}

func buildMethod(t *Type, mf MethodFile) (*Method, error) {
	if mf.Name == "" {
		return nil, fmt.Errorf("method name must be non-empty")
	}
	m := &Method{Type: t, Name: mf.Name}
	m.Signature.HasThis = !mf.Static

	for _, p := range mf.Params {
		pt, err := il.ParseType(p)
		if err != nil {
			return nil, err
		}
		if pt == il.TypeVoid {
			return nil, fmt.Errorf("parameter of type void")
		}
		m.Signature.Params = append(m.Signature.Params, pt)
	}
	ret, err := il.ParseType(mf.Returns)
	if err != nil {
		return nil, err
	}
	m.Signature.Return = ret

	for _, l := range mf.Locals {
		lt, err := il.ParseType(l)
		if err != nil {
			return nil, err
		}
		m.Locals = append(m.Locals, lt)
	}

	for _, a := range mf.Attributes {
		attr, ok := attributeNames[strings.ToLower(a)]
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", a)
		}
		m.Attributes |= attr
	}

	if m.Attributes&NoBody != 0 {
		if strings.TrimSpace(mf.Body) != "" {
			return nil, fmt.Errorf("method with attributes %v cannot have a body", mf.Attributes)
		}
		return m, nil
	}
	body, err := il.Parse(mf.Body)
	if err != nil {
		return nil, err
	}
	m.Body = body
	return m, nil
}
