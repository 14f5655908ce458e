// Package slots assigns per-method, per-virtual-parameter offsets into
// per-class method tables, reusing offsets across methods whose conforming
// sets never overlap.
package slots

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
)

// Assignment is the slot allocator's output for one update() pass.
type Assignment struct {
	// Offset[method.ID()][i] is the slot offset for the method's i-th
	// virtual parameter (0-indexed, declaration order).
	Offset map[uint64][]int
	// Width[key] is the method-table width (claimed-offset high-water mark
	// + 1) for class key. Classes that claim nothing still get width 0.
	Width map[catalog.Key]int
}

// Allocate runs the greedy-with-reuse algorithm over methods in catalog
// order (the order they appear in snapshot.Methods), which keeps the
// result reproducible across runs of update() with an unchanged catalog.
func Allocate(graph *inherit.Graph, methods []*catalog.MethodRecord) *Assignment {
	claimed := make(map[catalog.Key]mapset.Set[int], len(graph.Classes))
	width := make(map[catalog.Key]int, len(graph.Classes))
	for k := range graph.Classes {
		claimed[k] = mapset.NewThreadUnsafeSet[int]()
	}

	offsets := make(map[uint64][]int, len(methods))
	for _, m := range methods {
		vparams := m.VirtualParams()
		assigned := make([]int, len(vparams))
		for i, paramIdx := range vparams {
			classKey := m.Params[paramIdx].Class
			class, ok := graph.Classes[classKey]
			var conforming []catalog.Key
			if ok {
				conforming = inherit.SortedKeys(class.Conforming)
			}

			s := 0
			for {
				free := true
				for _, ck := range conforming {
					if claimed[ck].Contains(s) {
						free = false
						break
					}
				}
				if free {
					break
				}
				s++
			}

			for _, ck := range conforming {
				claimed[ck].Add(s)
				if s+1 > width[ck] {
					width[ck] = s + 1
				}
			}
			assigned[i] = s
		}
		offsets[m.ID()] = assigned
	}

	return &Assignment{Offset: offsets, Width: width}
}

// Write populates a method's SlotsStrides slot entries (not stride entries —
// see internal/dispatch.WriteStrides for those) from the assignment.
//
// Layout (see internal/dispatch for the paired stride half): index 0 always
// holds the first dimension's slot. For virtual-parameter position i >= 1
// (dimension d = i+1), index 2i-1 holds the slot and index 2i the stride
// for dimension d, so the call-time read of slots_strides[2*(d-1)] lands
// exactly on the stride entry.
func (a *Assignment) Write(m *catalog.MethodRecord) {
	offs := a.Offset[m.ID()]
	if m.Arity == 1 {
		m.SlotsStrides[0] = offs[0]
		return
	}
	m.SlotsStrides[0] = offs[0]
	for i := 1; i < len(offs); i++ {
		m.SlotsStrides[2*i-1] = offs[i]
	}
}
