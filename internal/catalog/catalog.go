// Package catalog holds the registry of classes, methods, and definitions
// that application code builds up via side-effectful registration, and that
// update() later compiles into dispatch tables.
package catalog

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Key is a stable, opaque type identity. Keys are unique per class; the
// dispatch pipeline never interprets their bit pattern beyond treating them
// as machine words for the perfect-hash search.
type Key uintptr

// Wrapper is the function stored in a definition or a method's fallback
// slots. The engine never inspects argument types past the virtual
// parameters used to pick a Wrapper: by the time one is invoked, dispatch
// has already happened.
type Wrapper func(args ...any) any

// ParamSpec describes one formal parameter of a method declaration.
type ParamSpec struct {
	Virtual bool
	Class   Key // meaningful only when Virtual is true
}

// ClassRecord is the merged, de-duplicated view of a class across however
// many registration records declared it (see RegisterClass for why the same
// key may be registered more than once).
type ClassRecord struct {
	Key      Key
	Bases    []Key
	Abstract bool
}

// MethodRecord is a declared method signature together with its fallback
// handlers and the slots/strides vector the slot allocator and
// dispatch-table builder populate.
type MethodRecord struct {
	id     uint64
	Name   string
	Params []ParamSpec
	Arity  int

	NotImplemented Wrapper
	Ambiguous      Wrapper

	// SlotsStrides has length 1 for uni-methods, 2*Arity-1 otherwise.
	// Index 0 (or 2*i-1 for i>0) holds a slot offset; index 2*i holds the
	// stride for dimension i+1. Populated by internal/slots and
	// internal/dispatch during update().
	SlotsStrides []int
}

func (m *MethodRecord) ID() uint64 { return m.id }

// VirtualParams returns the indices of Params that are virtual, in
// declaration order — the order dispatch dimensions are numbered in.
func (m *MethodRecord) VirtualParams() []int {
	idx := make([]int, 0, m.Arity)
	for i, p := range m.Params {
		if p.Virtual {
			idx = append(idx, i)
		}
	}
	return idx
}

// DefinitionRecord is one concrete override: a specialization tuple (one
// class key per virtual parameter, in the same order VirtualParams
// returns) plus the wrapper it dispatches to.
type DefinitionRecord struct {
	Method *MethodRecord
	Spec   []Key
	Body   Wrapper
	// Next is filled in by the definition selector: the best
	// strictly-more-general definition reachable from this one, the
	// method's Ambiguous handler if more than one tie for "next", or its
	// NotImplemented handler if there is none.
	Next Wrapper
}

// Handle is returned by the Register* calls. Closing it removes the
// registration, mirroring a C++ static registration record's destructor.
type Handle struct {
	close func()
}

// Close removes the registration. It is safe to call more than once.
func (h Handle) Close() {
	if h.close != nil {
		h.close()
	}
}

type classReg struct {
	key      Key
	bases    []Key
	abstract bool
}

// Catalog is the process-wide registry of raw registrations. It is safe
// for concurrent Register/Remove calls (they only ever run at startup or
// library load/unload, never concurrently with a call site, but nothing
// stops an application from doing both from several goroutines).
type Catalog struct {
	mu sync.Mutex

	classRegs map[uint64]*classReg
	nextRegID uint64

	methods   map[uint64]*MethodRecord
	nextMeth  uint64
	defs      map[uint64]*DefinitionRecord
	nextDefID uint64
}

// New returns an empty catalog. Applications normally keep one process-wide
// instance; tests construct private ones to avoid cross-test contamination.
func New() *Catalog {
	return &Catalog{
		classRegs: make(map[uint64]*classReg),
		methods:   make(map[uint64]*MethodRecord),
		defs:      make(map[uint64]*DefinitionRecord),
	}
}

// RegisterClass appends a class registration. The same Key may be
// registered more than once (e.g. from different shared libraries);
// Snapshot folds duplicates by unioning their base lists.
func (c *Catalog) RegisterClass(key Key, bases []Key, abstract bool) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextRegID
	c.nextRegID++
	r := &classReg{key: key, bases: append([]Key(nil), bases...), abstract: abstract}
	c.classRegs[id] = r

	return Handle{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.classRegs, id)
	}}
}

// RegisterMethod declares a method signature. The returned *MethodRecord is
// the handle definitions attach to and the slot/stride vector they read
// after update().
func (c *Catalog) RegisterMethod(name string, params []ParamSpec, notImpl, ambiguous Wrapper) (*MethodRecord, Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arity := 0
	for _, p := range params {
		if p.Virtual {
			arity++
		}
	}
	strideLen := 1
	if arity > 1 {
		strideLen = 2*arity - 1
	}

	id := c.nextMeth
	c.nextMeth++
	m := &MethodRecord{
		id:             id,
		Name:           name,
		Params:         append([]ParamSpec(nil), params...),
		Arity:          arity,
		NotImplemented: notImpl,
		Ambiguous:      ambiguous,
		SlotsStrides:   make([]int, strideLen),
	}
	c.methods[id] = m

	return m, Handle{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.methods, id)
	}}
}

// RegisterDefinition adds a concrete override. spec must have exactly
// method.Arity entries, one concrete class key per virtual parameter in
// declaration order.
func (c *Catalog) RegisterDefinition(method *MethodRecord, spec []Key, body Wrapper) (*DefinitionRecord, Handle, error) {
	if len(spec) != method.Arity {
		return nil, Handle{}, errors.Errorf("mmdispatch: definition for %q has %d specialization keys, want %d", method.Name, len(spec), method.Arity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextDefID
	c.nextDefID++
	d := &DefinitionRecord{Method: method, Spec: append([]Key(nil), spec...), Body: body}
	c.defs[id] = d

	return d, Handle{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.defs, id)
	}}, nil
}

// Snapshot is an immutable copy of the catalog's current contents, taken at
// the start of update(). Classes with the same Key across multiple
// registrations are folded into one ClassRecord (bases unioned, abstract
// true only if every registration agreed it was abstract).
type Snapshot struct {
	Classes []*ClassRecord
	Methods []*MethodRecord
	Defs    []*DefinitionRecord
}

// Snapshot copies out the catalog's current state for the pipeline to
// consume. It does not mutate the catalog.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	regIDs := make([]uint64, 0, len(c.classRegs))
	for id := range c.classRegs {
		regIDs = append(regIDs, id)
	}
	sort.Slice(regIDs, func(i, j int) bool { return regIDs[i] < regIDs[j] })

	merged := make(map[Key]*ClassRecord)
	order := make([]Key, 0, len(regIDs))
	for _, id := range regIDs {
		r := c.classRegs[id]
		cr, ok := merged[r.key]
		if !ok {
			cr = &ClassRecord{Key: r.key, Abstract: true}
			merged[r.key] = cr
			order = append(order, r.key)
		}
		cr.Bases = unionKeys(cr.Bases, r.bases)
		if !r.abstract {
			cr.Abstract = false
		}
	}

	classes := make([]*ClassRecord, 0, len(order))
	for _, k := range order {
		classes = append(classes, merged[k])
	}

	methIDs := make([]uint64, 0, len(c.methods))
	for id := range c.methods {
		methIDs = append(methIDs, id)
	}
	sort.Slice(methIDs, func(i, j int) bool { return methIDs[i] < methIDs[j] })
	methods := make([]*MethodRecord, 0, len(methIDs))
	for _, id := range methIDs {
		methods = append(methods, c.methods[id])
	}

	defIDs := make([]uint64, 0, len(c.defs))
	for id := range c.defs {
		defIDs = append(defIDs, id)
	}
	sort.Slice(defIDs, func(i, j int) bool { return defIDs[i] < defIDs[j] })
	defs := make([]*DefinitionRecord, 0, len(defIDs))
	for _, id := range defIDs {
		defs = append(defs, c.defs[id])
	}

	return Snapshot{Classes: classes, Methods: methods, Defs: defs}
}

func unionKeys(a, b []Key) []Key {
	seen := make(map[Key]bool, len(a)+len(b))
	out := make([]Key, 0, len(a)+len(b))
	for _, k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
