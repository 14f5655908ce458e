// Package dispatch compresses per-tuple resolution results into the dense
// multi-dimensional tables multi-methods read at call time.
// Uni-methods (arity 1) need no table of their own: their single result
// lives directly in the method-table cell the emitter writes.
package dispatch

import (
	"fmt"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
	"github.com/mmdispatch/mmdispatch/internal/resolve"
)

// Table is the compressed dispatch array for one multi-method (arity>=2).
type Table struct {
	Method *catalog.MethodRecord

	// GroupOf[i] maps a conforming class key at dimension i+2 (1-indexed
	// dimension d = i+2) to its group index; length Arity-1.
	GroupOf []map[catalog.Key]int
	// GroupSize[i] is the number of distinct groups at dimension i+2.
	GroupSize []int
	// Stride[i] is the stride for dimension i+2, in words.
	Stride []int
	// BlockSize is the number of cells in one first-dimension row
	// (product of GroupSize).
	BlockSize int

	// Row[c] is the flat, BlockSize-length array of results for
	// first-dimension class c, indexed by sum(groupIndex_d * Stride[d])
	// over d = 2..Arity.
	Row map[catalog.Key][]resolve.TupleResult
}

// Build computes the class groups, strides, and per-row cell arrays for a
// multi-method from its already-resolved per-tuple results.
func Build(graph *inherit.Graph, m *catalog.MethodRecord, conforming [][]catalog.Key, res *resolve.Result) *Table {
	if m.Arity < 2 {
		return nil
	}
	k := m.Arity

	groupOf := make([]map[catalog.Key]int, k-1)
	sizes := make([]int, k-1)
	for d := 2; d <= k; d++ {
		gOf, n := groupsAt(conforming, res.ByKey, d-1)
		groupOf[d-2] = gOf
		sizes[d-2] = n
	}

	strides := make([]int, k-1)
	prod := 1
	for d := 2; d <= k; d++ {
		strides[d-2] = prod
		prod *= sizes[d-2]
	}
	blockSize := prod

	rows := make(map[catalog.Key][]resolve.TupleResult, len(conforming[0]))
	for _, c1 := range conforming[0] {
		block := make([]resolve.TupleResult, blockSize)
		fillBlock(conforming, groupOf, strides, res.ByKey, c1, block)
		rows[c1] = block
	}

	return &Table{
		Method:    m,
		GroupOf:   groupOf,
		GroupSize: sizes,
		Stride:    strides,
		BlockSize: blockSize,
		Row:       rows,
	}
}

// WriteStrides writes the stride half of m's slots_strides vector (the slot
// half is written by internal/slots.Assignment.Write).
func (t *Table) WriteStrides(m *catalog.MethodRecord) {
	for i := 1; i < m.Arity; i++ {
		m.SlotsStrides[2*i] = t.Stride[i-1]
	}
}

// groupsAt partitions conforming[dim] into equivalence classes that yield
// identical columns when every other dimension is held symbolic. Column
// equality is decided by walking every combination of the other dimensions
// in a fixed order and comparing the resolved outcome at each point.
func groupsAt(conforming [][]catalog.Key, byKey map[resolve.TupleKey]resolve.TupleResult, dim int) (map[catalog.Key]int, int) {
	otherDims := make([]int, 0, len(conforming)-1)
	others := make([][]catalog.Key, 0, len(conforming)-1)
	for i, cs := range conforming {
		if i == dim {
			continue
		}
		otherDims = append(otherDims, i)
		others = append(others, cs)
	}

	var combos [][]catalog.Key
	tmp := make([]catalog.Key, len(others))
	var rec func(int)
	rec = func(d int) {
		if d == len(others) {
			combos = append(combos, append([]catalog.Key(nil), tmp...))
			return
		}
		for _, k := range others[d] {
			tmp[d] = k
			rec(d + 1)
		}
	}
	rec(0)

	groupOf := make(map[catalog.Key]int)
	sigToGroup := make(map[string]int)
	full := make([]catalog.Key, len(conforming))
	for _, c := range conforming[dim] {
		full[dim] = c
		sig := make([]byte, 0, len(combos)*8)
		for _, combo := range combos {
			for j, dimIdx := range otherDims {
				full[dimIdx] = combo[j]
			}
			r := byKey[resolve.KeyOf(full)]
			sig = append(sig, []byte(outcomeSig(r))...)
			sig = append(sig, '|')
		}
		key := string(sig)
		g, ok := sigToGroup[key]
		if !ok {
			g = len(sigToGroup)
			sigToGroup[key] = g
		}
		groupOf[c] = g
	}
	return groupOf, len(sigToGroup)
}

func fillBlock(conforming [][]catalog.Key, groupOf []map[catalog.Key]int, stride []int, byKey map[resolve.TupleKey]resolve.TupleResult, c1 catalog.Key, block []resolve.TupleResult) {
	full := make([]catalog.Key, len(conforming))
	full[0] = c1
	others := conforming[1:]
	tmp := make([]catalog.Key, len(others))
	var rec func(int)
	rec = func(d int) {
		if d == len(others) {
			offset := 0
			for i, k := range tmp {
				full[i+1] = k
				offset += groupOf[i][k] * stride[i]
			}
			block[offset] = byKey[resolve.KeyOf(full)]
			return
		}
		for _, k := range others[d] {
			tmp[d] = k
			rec(d + 1)
		}
	}
	rec(0)
}

func outcomeSig(r resolve.TupleResult) string {
	if r.Outcome != resolve.Unique {
		return fmt.Sprintf("o%d", r.Outcome)
	}
	return fmt.Sprintf("d%p", r.Def)
}
