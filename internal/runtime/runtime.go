// Package runtime is the call-site side of the engine: given virtual
// arguments, it resolves a Wrapper in O(arity) loads, whatever mode
// (intrusive holder, fat pointer, or runtime-type-identity lookup) each
// argument carries its class key in. Holder and fat-pointer arguments
// resolve without locks; a runtime-type-identity argument takes a read
// lock on the type registry.
package runtime

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/emit"
	"github.com/mmdispatch/mmdispatch/internal/events"
)

// IntrusiveHolder is the first key-carrying variant: an object that embeds
// its own table reference next to the value. The holder's layout is the
// application's business; dispatch only needs this accessor.
type IntrusiveHolder interface {
	MethodTable() emit.TableRef
}

// FatPointer is the second variant: a value/table-reference pair carried
// alongside the referenced value rather than embedded in it.
type FatPointer struct {
	Value any
	Table emit.TableRef
}

// IndirectPointer is the fat pointer's indirect-mode counterpart: it
// carries a per-class cell rather than a table reference, so the same
// holder keeps dispatching correctly across update() calls.
type IndirectPointer struct {
	Value any
	Cell  *emit.IndirectCell
}

// Runtime holds the published dispatch state plus the Go-type → class-key
// registry the third variant (runtime type identity) needs. Publish swaps a
// pointer and Call only reads it; the type registry is guarded by an
// RWMutex, so KeyOf (and therefore a call with a type-identity argument)
// takes a read lock.
type Runtime struct {
	artifacts atomic.Pointer[emit.Artifacts]

	mu       sync.RWMutex
	typeKeys map[reflect.Type]catalog.Key

	handler atomic.Pointer[events.Handler]
}

// New returns a Runtime with no published state; calls made before the
// first Publish resolve nothing.
func New() *Runtime {
	return &Runtime{typeKeys: make(map[reflect.Type]catalog.Key)}
}

// Publish installs newly emitted dispatch state. Called once per
// successful update(); the caller keeps it from overlapping Call.
func (rt *Runtime) Publish(a *emit.Artifacts) { rt.artifacts.Store(a) }

// SetHandler installs the process-global error handler.
func (rt *Runtime) SetHandler(h events.Handler) { rt.handler.Store(&h) }

func (rt *Runtime) Report(ev events.Event) {
	if h := rt.handler.Load(); h != nil {
		(*h)(ev)
	}
}

// RegisterType associates v's dynamic Go type with a class key for the
// runtime-type-identity variant. Safe to call concurrently with Call.
func (rt *Runtime) RegisterType(v any, key catalog.Key) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.typeKeys[reflect.TypeOf(v)] = key
}

// KeyOf returns the class key registered for v's dynamic type.
func (rt *Runtime) KeyOf(v any) (catalog.Key, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	k, ok := rt.typeKeys[reflect.TypeOf(v)]
	return k, ok
}

// Lookup resolves a class key to its current TableRef via the published
// perfect hash.
func (rt *Runtime) Lookup(key catalog.Key) (emit.TableRef, bool) {
	a := rt.artifacts.Load()
	if a == nil {
		return emit.TableRef{}, false
	}
	return a.Lookup(key)
}

// resolveArg dispatches on which of the key-carrying variants v implements.
// An IndirectPointer re-reads its cell on every call: the cell outlives
// update(), which is what makes indirect mode safe under live holders.
func (rt *Runtime) resolveArg(v any) (emit.TableRef, catalog.Key, bool) {
	switch h := v.(type) {
	case IntrusiveHolder:
		return h.MethodTable(), 0, true
	case FatPointer:
		return h.Table, 0, true
	case IndirectPointer:
		if h.Cell == nil {
			return emit.TableRef{}, 0, false
		}
		return h.Cell.Load(), 0, true
	default:
		key, ok := rt.KeyOf(v)
		if !ok {
			return emit.TableRef{}, 0, false
		}
		t, ok := rt.Lookup(key)
		return t, key, ok
	}
}

// Call resolves and invokes the Wrapper for m given len(args) == m.Arity
// virtual arguments: one table read for the first dimension, one
// multiply-add per remaining dimension, one final load. It returns a Go
// error only for failures the call site itself can detect: a wrong number
// of arguments, an unresolvable class key, an invalid table reference, and
// a dispatch cell outside the pool.
// NoDefinition/Ambiguous are not errors here: the cell already holds the
// method's fallback handler, and invoking it is what reports them.
func (rt *Runtime) Call(m *catalog.MethodRecord, args ...any) (any, error) {
	if len(args) != m.Arity {
		return nil, fmt.Errorf("mmdispatch: %s takes %d virtual arguments, got %d", m.Name, m.Arity, len(args))
	}

	table0, key0, ok := rt.resolveArg(args[0])
	if !ok {
		rt.Report(events.Event{Kind: events.UnknownClassCall, Method: m.Name, Arity: m.Arity, Key: key0})
		return nil, fmt.Errorf("mmdispatch: %s: unresolvable virtual argument 0", m.Name)
	}
	if !table0.Valid() {
		rt.Report(events.Event{Kind: events.MethodTableError, Method: m.Name, Key: key0})
		return nil, fmt.Errorf("mmdispatch: %s: invalid method table for argument 0", m.Name)
	}

	s1 := m.SlotsStrides[0]
	cell0 := table0.Cell(s1)

	if m.Arity == 1 {
		fn := cell0.Fn
		if fn == nil {
			fn = m.NotImplemented
		}
		return fn(args...), nil
	}

	rowBase := cell0.Ptr
	offset := 0
	for d := 2; d <= m.Arity; d++ {
		tableD, keyD, ok := rt.resolveArg(args[d-1])
		if !ok {
			rt.Report(events.Event{Kind: events.UnknownClassCall, Method: m.Name, Arity: m.Arity, Key: keyD})
			return nil, fmt.Errorf("mmdispatch: %s: unresolvable virtual argument %d", m.Name, d-1)
		}
		if !tableD.Valid() {
			rt.Report(events.Event{Kind: events.MethodTableError, Method: m.Name, Key: keyD})
			return nil, fmt.Errorf("mmdispatch: %s: invalid method table for argument %d", m.Name, d-1)
		}
		sD := m.SlotsStrides[2*(d-1)-1]
		strideD := m.SlotsStrides[2*(d-1)]
		offset += int(tableD.Cell(sD).Group) * strideD
	}

	pool := table0.Pool
	idx := rowBase + offset
	if idx < 0 || idx >= len(pool.Words) {
		rt.Report(events.Event{Kind: events.MethodTableError, Method: m.Name})
		return nil, fmt.Errorf("mmdispatch: %s: dispatch cell out of bounds", m.Name)
	}

	fn := pool.Words[idx].Fn
	if fn == nil {
		fn = m.NotImplemented
	}
	return fn(args...), nil
}
