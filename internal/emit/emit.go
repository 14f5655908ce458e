// Package emit lays out the global word pool, wires method-table and
// dispatch-table cells, runs the perfect-hash search, and (in indirect
// mode) publishes the per-class indirection cells.
package emit

import (
	"sort"
	"sync/atomic"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/dispatch"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
	"github.com/mmdispatch/mmdispatch/internal/polyhash"
	"github.com/mmdispatch/mmdispatch/internal/resolve"
)

// Word is one cell of the global pool. Exactly one field is meaningful for
// any given cell; the slot/stride layout determines which. The Go analogue
// of a union of function pointer, table pointer, and index.
type Word struct {
	Fn    catalog.Wrapper // a method-table cell holding a resolved function
	Ptr   int             // a method-table cell holding a pointer into Pool.Words (dimension-1 row base)
	Group int32           // a method-table cell holding a group index (dimension d>=2)
}

// Pool is the single flat backing array for every method table and
// dispatch table emitted by one update() pass.
type Pool struct {
	Words []Word
}

// TableRef is a (pool, base-offset) pair: the direct-mode equivalent of a
// raw method-table pointer. It is only valid for the Pool it was taken
// from — once update() swaps in a new Pool, old TableRefs are stale by
// construction, which is exactly direct mode's invalidation contract.
type TableRef struct {
	Pool *Pool
	Base int
}

// Cell returns the word at the given slot offset within the table.
func (t TableRef) Cell(offset int) *Word { return &t.Pool.Words[t.Base+offset] }

// Valid reports whether Base lies within Pool's bounds.
func (t TableRef) Valid() bool {
	return t.Pool != nil && t.Base >= 0 && t.Base < len(t.Pool.Words)
}

// IndirectCell is a stable, long-lived per-class location a holder can
// keep a pointer to across many update() calls. Its *contents* — which
// TableRef it currently points at — are swapped atomically by the last
// step of Emit, so update() is safe to run while indirect-mode holders are
// live.
type IndirectCell struct {
	ref atomic.Pointer[TableRef]
}

// Load returns the cell's current TableRef. Safe to call concurrently with
// Emit publishing a new one.
func (c *IndirectCell) Load() TableRef {
	p := c.ref.Load()
	if p == nil {
		return TableRef{}
	}
	return *p
}

func (c *IndirectCell) store(t TableRef) { c.ref.Store(&t) }

// Artifacts is everything update() publishes for internal/runtime to read.
type Artifacts struct {
	Pool *Pool

	// TableBase[key] is the base offset of class key's method table in
	// Pool.Words.
	TableBase map[catalog.Key]int

	Hash *polyhash.Result
	// ControlKeys[bucket] is the class key that hashed to that bucket, for
	// enable_runtime_checks validation; nil when runtime checks are off.
	ControlKeys []catalog.Key

	// Indirect holds one IndirectCell per live class, reused in place
	// across Emit calls when the caller passes the same map back in (the
	// engine owns this map's lifetime, not Emit).
	Indirect map[catalog.Key]*IndirectCell
}

// Lookup resolves a class key to its TableRef via the perfect hash,
// validating against ControlKeys when present.
func (a *Artifacts) Lookup(key catalog.Key) (TableRef, bool) {
	if a.Hash == nil {
		return TableRef{}, false
	}
	h := a.Hash.Index(key)
	if h < 0 || h >= len(a.Hash.Bucket) {
		return TableRef{}, false
	}
	idx := a.Hash.Bucket[h]
	if idx < 0 {
		return TableRef{}, false
	}
	if a.ControlKeys != nil && a.ControlKeys[h] != key {
		return TableRef{}, false
	}
	classKey := a.Hash.Order[idx]
	base, ok := a.TableBase[classKey]
	if !ok {
		return TableRef{}, false
	}
	return TableRef{Pool: a.Pool, Base: base}, true
}

// Resolved is everything the resolve/dispatch stages produced for one
// method, handed to Emit so it never has to re-derive conforming sets.
type Resolved struct {
	Method     *catalog.MethodRecord
	Conforming [][]catalog.Key
	Result     *resolve.Result // always present
	Table      *dispatch.Table // non-nil only when Method.Arity >= 2
}

// Options controls runtime-check and indirection wiring.
type Options struct {
	EnableRuntimeChecks bool
	UseIndirectPointers bool
	HashBudget          polyhash.Budget
}

// Emit builds the pool, wires every method's cells, runs the perfect-hash
// search, and (if requested) publishes the indirection cells. indirect is
// the engine-owned, cross-update cell map; Emit creates missing entries
// and updates existing ones in place but never removes stale entries
// itself (the engine prunes those when a class is deregistered).
func Emit(graph *inherit.Graph, widths map[catalog.Key]int, methods []Resolved, indirect map[catalog.Key]*IndirectCell, opts Options) (*Artifacts, error) {
	liveKeys := make([]catalog.Key, 0, len(graph.Order))
	for _, k := range graph.Order {
		if !graph.Classes[k].Abstract {
			liveKeys = append(liveKeys, k)
		}
	}
	sort.Slice(liveKeys, func(i, j int) bool { return liveKeys[i] < liveKeys[j] })

	tableBase := make(map[catalog.Key]int, len(liveKeys))
	total := 0
	for _, k := range liveKeys {
		tableBase[k] = total
		total += widths[k]
	}

	type rowPlacement struct {
		methodID uint64
		class    catalog.Key
		base     int
	}
	var rows []rowPlacement
	for _, m := range methods {
		if m.Table == nil {
			continue
		}
		for _, c1 := range m.Conforming[0] {
			rows = append(rows, rowPlacement{methodID: m.Method.ID(), class: c1, base: total})
			total += m.Table.BlockSize
		}
	}

	pool := &Pool{Words: make([]Word, total)}

	rowBase := make(map[uint64]map[catalog.Key]int, len(methods))
	for _, rp := range rows {
		if rowBase[rp.methodID] == nil {
			rowBase[rp.methodID] = make(map[catalog.Key]int)
		}
		rowBase[rp.methodID][rp.class] = rp.base
	}

	for _, m := range methods {
		writeMethodTables(pool, tableBase, m)
		if m.Table != nil {
			writeDispatchRows(pool, tableBase, rowBase[m.Method.ID()], m)
		}
	}

	hash, err := polyhash.Search(liveKeys, opts.HashBudget)
	if err != nil {
		return nil, err
	}

	var control []catalog.Key
	if opts.EnableRuntimeChecks {
		control = make([]catalog.Key, hash.Buckets)
		for i, idx := range hash.Bucket {
			if idx >= 0 {
				control[i] = hash.Order[idx]
			}
		}
	}

	if opts.UseIndirectPointers {
		if indirect == nil {
			indirect = make(map[catalog.Key]*IndirectCell)
		}
		for _, k := range liveKeys {
			cell, ok := indirect[k]
			if !ok {
				cell = &IndirectCell{}
				indirect[k] = cell
			}
			cell.store(TableRef{Pool: pool, Base: tableBase[k]})
		}
	}

	return &Artifacts{
		Pool:        pool,
		TableBase:   tableBase,
		Hash:        hash,
		ControlKeys: control,
		Indirect:    indirect,
	}, nil
}

func resultWrapper(m *catalog.MethodRecord, tr resolve.TupleResult) catalog.Wrapper {
	switch tr.Outcome {
	case resolve.Unique:
		return tr.Def.Body
	case resolve.Ambiguous:
		return m.Ambiguous
	default:
		return m.NotImplemented
	}
}

func writeMethodTables(pool *Pool, tableBase map[catalog.Key]int, m Resolved) {
	method := m.Method
	if method.Arity == 1 {
		s1 := method.SlotsStrides[0]
		for _, c := range m.Conforming[0] {
			base, ok := tableBase[c]
			if !ok {
				continue
			}
			pool.Words[base+s1].Fn = resultWrapper(method, m.Result.ByKey[resolve.KeyOf([]catalog.Key{c})])
		}
		return
	}

	for d := 2; d <= method.Arity; d++ {
		sD := method.SlotsStrides[2*(d-1)-1]
		groupOf := m.Table.GroupOf[d-2]
		for _, c := range m.Conforming[d-1] {
			base, ok := tableBase[c]
			if !ok {
				continue
			}
			pool.Words[base+sD].Group = int32(groupOf[c])
		}
	}
}

func writeDispatchRows(pool *Pool, tableBase map[catalog.Key]int, rowBase map[catalog.Key]int, m Resolved) {
	method := m.Method
	s1 := method.SlotsStrides[0]
	for _, c1 := range m.Conforming[0] {
		base := rowBase[c1]
		block := m.Table.Row[c1]
		for i, tr := range block {
			pool.Words[base+i].Fn = resultWrapper(method, tr)
		}
		if tb, ok := tableBase[c1]; ok {
			pool.Words[tb+s1].Ptr = base
		}
	}
}
