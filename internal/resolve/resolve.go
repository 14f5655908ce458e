// Package resolve computes, for every reachable class-tuple of a method,
// the winning definition, or the ambiguous/not-implemented outcome when no
// single definition dominates.
package resolve

import (
	"fmt"
	"strings"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
)

// Outcome tags a tuple's resolution.
type Outcome int

const (
	Unique Outcome = iota
	NotImplemented
	Ambiguous
)

// TupleResult is the winning outcome for one class-tuple.
type TupleResult struct {
	Outcome Outcome
	Def     *catalog.DefinitionRecord // non-nil only when Outcome == Unique
}

// TupleKey is a canonical, comparable encoding of a class-tuple, usable as
// a map key regardless of the method's arity.
type TupleKey string

// Tuple re-derives the class keys a TupleKey was built from; callers that
// already have the slice should avoid the round trip and keep it handy
// instead. The pipeline itself never calls it.
func (t TupleKey) Tuple() []catalog.Key {
	parts := strings.Split(string(t), ",")
	out := make([]catalog.Key, len(parts))
	for i, p := range parts {
		var v uint64
		fmt.Sscanf(p, "%x", &v)
		out[i] = catalog.Key(v)
	}
	return out
}

// KeyOf builds the TupleKey for a concrete class-tuple. Exported for the
// dispatch-table builder, which needs to probe Result.ByKey with tuples it
// assembles itself while computing class groups.
func KeyOf(tuple []catalog.Key) TupleKey { return keyOf(tuple) }

func keyOf(tuple []catalog.Key) TupleKey {
	parts := make([]string, len(tuple))
	for i, k := range tuple {
		parts[i] = fmt.Sprintf("%x", uint64(k))
	}
	return TupleKey(strings.Join(parts, ","))
}

// Result is the full per-tuple result table for one method, plus the
// tuples enumerated in a stable order (conforming-set iteration order,
// nested by virtual-parameter position).
type Result struct {
	Method *catalog.MethodRecord
	Tuples []TupleKey
	ByKey  map[TupleKey]TupleResult
}

// Method resolves every compatible tuple for m, given the definitions
// registered against it, and fills each definition's Next field, the
// upward chain a wrapper can invoke explicitly.
func Method(graph *inherit.Graph, m *catalog.MethodRecord, defs []*catalog.DefinitionRecord) *Result {
	conforming := ConformingSets(graph, m)

	res := &Result{Method: m, ByKey: make(map[TupleKey]TupleResult)}
	tuple := make([]catalog.Key, m.Arity)
	enumerate(conforming, 0, tuple, func(t []catalog.Key) {
		key := keyOf(t)
		res.Tuples = append(res.Tuples, key)
		res.ByKey[key] = resolveTuple(graph, defs, append([]catalog.Key(nil), t...))
	})

	computeNext(graph, m, defs)
	return res
}

// ConformingSets returns, in virtual-parameter declaration order, the
// sorted conforming-class list for each of m's virtual parameters. Shared
// by the definition selector and the dispatch-table builder so both
// enumerate tuples identically.
func ConformingSets(graph *inherit.Graph, m *catalog.MethodRecord) [][]catalog.Key {
	conforming := make([][]catalog.Key, m.Arity)
	for i, paramIdx := range m.VirtualParams() {
		classKey := m.Params[paramIdx].Class
		if class, ok := graph.Classes[classKey]; ok {
			conforming[i] = inherit.SortedKeys(class.Conforming)
		}
	}
	return conforming
}

func enumerate(conforming [][]catalog.Key, dim int, tuple []catalog.Key, emit func([]catalog.Key)) {
	if dim == len(conforming) {
		emit(tuple)
		return
	}
	for _, k := range conforming[dim] {
		tuple[dim] = k
		enumerate(conforming, dim+1, tuple, emit)
	}
}

// applicable returns the definitions whose specialization tuple is a
// component-wise ancestor-or-self of tuple.
func applicable(graph *inherit.Graph, defs []*catalog.DefinitionRecord, tuple []catalog.Key) []*catalog.DefinitionRecord {
	var out []*catalog.DefinitionRecord
	for _, d := range defs {
		ok := true
		for i, specKey := range d.Spec {
			class, known := graph.Classes[tuple[i]]
			if !known || !class.Ancestors.Contains(specKey) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, d)
		}
	}
	return out
}

// moreSpecific reports whether a is at least as specific as b on every
// dimension and strictly more specific on at least one, i.e. a dominates b
// under component-wise base-of ordering.
func moreSpecific(graph *inherit.Graph, a, b *catalog.DefinitionRecord) bool {
	strictlyOnOne := false
	for i := range a.Spec {
		ca, ok := graph.Classes[a.Spec[i]]
		if !ok || !ca.Ancestors.Contains(b.Spec[i]) {
			return false // a.Spec[i] not an ancestor-or-self of b.Spec[i]
		}
		if a.Spec[i] != b.Spec[i] {
			strictlyOnOne = true
		}
	}
	return strictlyOnOne
}

// paretoMinimal returns the subset of candidates not dominated by any
// other candidate.
func paretoMinimal(graph *inherit.Graph, candidates []*catalog.DefinitionRecord) []*catalog.DefinitionRecord {
	var out []*catalog.DefinitionRecord
	for _, d := range candidates {
		dominated := false
		for _, other := range candidates {
			if other == d {
				continue
			}
			if moreSpecific(graph, other, d) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, d)
		}
	}
	return out
}

func resolveTuple(graph *inherit.Graph, defs []*catalog.DefinitionRecord, tuple []catalog.Key) TupleResult {
	a := applicable(graph, defs, tuple)
	if len(a) == 0 {
		return TupleResult{Outcome: NotImplemented}
	}
	b := paretoMinimal(graph, a)
	if len(b) == 1 {
		return TupleResult{Outcome: Unique, Def: b[0]}
	}
	return TupleResult{Outcome: Ambiguous}
}

// computeNext fills Next on every definition of m: the best
// strictly-more-general definition reachable from it. Abstract classes
// participate in this ordering search even though they never appear in an
// enumerated tuple.
func computeNext(graph *inherit.Graph, m *catalog.MethodRecord, defs []*catalog.DefinitionRecord) {
	for _, d := range defs {
		var rest []*catalog.DefinitionRecord
		for _, other := range defs {
			if other == d {
				continue
			}
			rest = append(rest, other)
		}

		// A tuple equal to d's own specialization is always applicable to
		// every definition whose spec is an ancestor-or-self of d's, which
		// is exactly the candidate pool next() should search.
		var candidates []*catalog.DefinitionRecord
		for _, other := range rest {
			ok := true
			for i, specKey := range other.Spec {
				class, known := graph.Classes[d.Spec[i]]
				if !known || !class.Ancestors.Contains(specKey) {
					ok = false
					break
				}
			}
			if ok {
				candidates = append(candidates, other)
			}
		}

		if len(candidates) == 0 {
			d.Next = m.NotImplemented
			continue
		}
		winners := paretoMinimal(graph, candidates)
		if len(winners) == 1 {
			d.Next = winners[0].Body
		} else {
			d.Next = m.Ambiguous
		}
	}
}
