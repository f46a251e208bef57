// Package domain implements isolation domains: units of code ownership that
// load assemblies, own a code heap, and answer the runtime questions a
// compile strategy asks.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
)

// RootID is the identity of the domain every manager starts with.
const RootID compiler.DomainID = 1

var (
	ErrUnloaded  = errors.New("domain: domain has been unloaded")
	ErrNotLoaded = errors.New("domain: assembly is not visible in this domain")
)

type Option func(*Manager)

func WithArch(a arch.Arch) Option {
	return func(m *Manager) {
		if a != arch.Invalid {
			m.arch = a
		}
	}
}

// WithSharing allows code owned by one domain to be used from another.
func WithSharing(allowed bool) Option {
	return func(m *Manager) { m.sharing = allowed }
}

func WithHeapOptions(opts ...codeheap.Option) Option {
	return func(m *Manager) { m.heapOpts = append(m.heapOpts, opts...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager creates domains and tracks which domain owns each assembly.
type Manager struct {
	arch     arch.Arch
	sharing  bool
	heapOpts []codeheap.Option
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	nextID  compiler.DomainID
	domains map[compiler.DomainID]*Domain
	root    *Domain
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		arch:    arch.Native,
		logger:  slog.Default(),
		nextID:  RootID,
		domains: make(map[compiler.DomainID]*Domain),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.root = m.create("root")
	return m
}

func (m *Manager) Arch() arch.Arch { return m.arch }

func (m *Manager) Root() *Domain { return m.root }

// Create adds a new domain with the next identity.
func (m *Manager) Create(name string) *Domain {
	return m.create(name)
}

func (m *Manager) create(name string) *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	heapName := fmt.Sprintf("domain-%d", id)
	opts := append([]codeheap.Option{codeheap.WithLogger(m.logger)}, m.heapOpts...)
	d := &Domain{
		id:         id,
		name:       name,
		mgr:        m,
		heap:       codeheap.New(heapName, opts...),
		assemblies: make(map[*metadata.Assembly]bool),
	}
	m.domains[id] = d
	m.metrics.TrackHeap(d.heap)
	m.logger.Debug("domain created", "id", id, "name", name)
	return d
}

// Get returns the live domain with id.
func (m *Manager) Get(id compiler.DomainID) (*Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	return d, ok
}

// Domains returns the live domains ordered by identity.
func (m *Manager) Domains() []*Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// owner finds the domain that loaded a, other than skip.
func (m *Manager) owner(a *metadata.Assembly, skip *Domain) (compiler.DomainID, bool, bool) {
	for _, d := range m.Domains() {
		if d == skip {
			continue
		}
		if neutral, ok := d.loaded(a); ok {
			if neutral {
				return compiler.SharedDomain, true, true
			}
			return d.id, false, true
		}
	}
	return 0, false, false
}

// Close unloads every domain.
func (m *Manager) Close() error {
	var errs []error
	for _, d := range m.Domains() {
		if err := d.Unload(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Domain is an isolation domain. It implements compiler.Runtime.
type Domain struct {
	id   compiler.DomainID
	name string
	mgr  *Manager
	heap *codeheap.Heap

	mu         sync.RWMutex
	assemblies map[*metadata.Assembly]bool
	unloaded   bool
}

var _ compiler.Runtime = (*Domain)(nil)

func (d *Domain) ID() compiler.DomainID { return d.id }
func (d *Domain) Name() string          { return d.name }

// Load makes a visible in the domain. Neutral assemblies are owned by
// compiler.SharedDomain and visible from every domain.
func (d *Domain) Load(a *metadata.Assembly, neutral bool) error {
	if a == nil {
		return fmt.Errorf("domain: assembly must be non-nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unloaded {
		return ErrUnloaded
	}
	if prev, ok := d.assemblies[a]; ok && prev != neutral {
		return fmt.Errorf("domain: assembly %s already loaded with neutral=%t", a.Name, prev)
	}
	d.assemblies[a] = neutral
	d.mgr.logger.Debug("assembly loaded", "domain", d.id, "assembly", a.Name, "neutral", neutral)
	return nil
}

func (d *Domain) loaded(a *metadata.Assembly) (neutral bool, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	neutral, ok = d.assemblies[a]
	return neutral, ok
}

// Assemblies lists the assemblies loaded into the domain, by name.
func (d *Domain) Assemblies() []*metadata.Assembly {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*metadata.Assembly, 0, len(d.assemblies))
	for a := range d.assemblies {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unload releases the domain's code heap. Code compiled for the domain must
// not run afterwards.
func (d *Domain) Unload() error {
	d.mu.Lock()
	if d.unloaded {
		d.mu.Unlock()
		return nil
	}
	d.unloaded = true
	d.assemblies = make(map[*metadata.Assembly]bool)
	d.mu.Unlock()

	d.mgr.mu.Lock()
	delete(d.mgr.domains, d.id)
	d.mgr.mu.Unlock()

	d.mgr.metrics.UntrackHeap(d.heap)
	d.mgr.logger.Debug("domain unloaded", "id", d.id, "name", d.name)
	return d.heap.Close()
}

func (d *Domain) Unloaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unloaded
}

func (d *Domain) Domain() compiler.DomainID { return d.id }

func (d *Domain) Arch() arch.Arch { return d.mgr.arch }

func (d *Domain) CodeHeap() compiler.CodeHeap { return d.heap }

// Heap exposes the concrete heap for statistics.
func (d *Domain) Heap() *codeheap.Heap { return d.heap }

func (d *Domain) SharingAllowed() bool { return d.mgr.sharing }

// AssemblyOwner reports who owns code for a. An assembly this domain never
// loaded is attributed to the domain that did; failing that, to this one.
func (d *Domain) AssemblyOwner(a *metadata.Assembly) (compiler.DomainID, bool) {
	if neutral, ok := d.loaded(a); ok {
		if neutral {
			return compiler.SharedDomain, true
		}
		return d.id, false
	}
	if owner, neutral, ok := d.mgr.owner(a, d); ok {
		return owner, neutral
	}
	return d.id, false
}

// ResolveBody returns the IL of m if its assembly is visible here.
func (d *Domain) ResolveBody(m *metadata.Method) (*il.Body, error) {
	if d.Unloaded() {
		return nil, ErrUnloaded
	}
	a := m.Assembly()
	if a == nil {
		return nil, fmt.Errorf("domain: method %s has no assembly", m.FullName())
	}
	if !d.visible(a) {
		return nil, fmt.Errorf("%w: %s in domain %d", ErrNotLoaded, a.Name, d.id)
	}
	if !m.HasBody() {
		return nil, fmt.Errorf("domain: method %s has no IL body", m.FullName())
	}
	return m.Body, nil
}

func (d *Domain) visible(a *metadata.Assembly) bool {
	if _, ok := d.loaded(a); ok {
		return true
	}
	owner, neutral, ok := d.mgr.owner(a, d)
	return ok && neutral && owner == compiler.SharedDomain
}
