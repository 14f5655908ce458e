// Package inherit resolves the catalog's raw (class, bases...) edges into
// a canonical DAG with transitive closures.
package inherit

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
)

// UnknownClassError is returned when a base key was never registered.
type UnknownClassError struct {
	Key catalog.Key
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("mmdispatch: unknown class %v referenced as a base", e.Key)
}

// InheritanceCycleError is returned when a class appears in its own proper
// ancestor set.
type InheritanceCycleError struct {
	Key catalog.Key
}

func (e *InheritanceCycleError) Error() string {
	return fmt.Sprintf("mmdispatch: inheritance cycle through class %v", e.Key)
}

// Class is the resolved, closure-complete view of one registered class.
type Class struct {
	Key         catalog.Key
	Bases       []catalog.Key
	Abstract    bool
	Ancestors   mapset.Set[catalog.Key] // includes Key
	Descendants mapset.Set[catalog.Key] // includes Key
	Conforming  mapset.Set[catalog.Key] // Descendants minus abstract classes
}

// Graph is the resolved DAG for one update() pass.
type Graph struct {
	Classes map[catalog.Key]*Class
	// Order preserves catalog registration order, for the slot allocator's
	// stability requirement and for deterministic iteration elsewhere.
	Order []catalog.Key
}

// Resolve builds the DAG from a catalog snapshot. It fails closed: on any
// error the returned Graph is nil and no partial state is visible.
func Resolve(classes []*catalog.ClassRecord) (*Graph, error) {
	byKey := make(map[catalog.Key]*catalog.ClassRecord, len(classes))
	order := make([]catalog.Key, 0, len(classes))
	for _, c := range classes {
		if _, ok := byKey[c.Key]; !ok {
			order = append(order, c.Key)
		}
		byKey[c.Key] = c
	}

	for _, c := range classes {
		for _, b := range c.Bases {
			if _, ok := byKey[b]; !ok {
				return nil, errors.WithStack(&UnknownClassError{Key: b})
			}
		}
	}

	g := &Graph{Classes: make(map[catalog.Key]*Class, len(order)), Order: order}
	for _, k := range order {
		c := byKey[k]
		g.Classes[k] = &Class{Key: k, Bases: append([]catalog.Key(nil), c.Bases...), Abstract: c.Abstract}
	}

	for _, k := range order {
		anc := mapset.NewThreadUnsafeSet[catalog.Key]()
		if err := ancestorsOf(g, k, anc, mapset.NewThreadUnsafeSet[catalog.Key]()); err != nil {
			return nil, err
		}
		g.Classes[k].Ancestors = anc
	}

	desc := make(map[catalog.Key]mapset.Set[catalog.Key], len(order))
	for _, k := range order {
		desc[k] = mapset.NewThreadUnsafeSet[catalog.Key](k)
	}
	for _, k := range order {
		for _, a := range g.Classes[k].Ancestors.ToSlice() {
			if a != k {
				desc[a].Add(k)
			}
		}
	}
	for _, k := range order {
		g.Classes[k].Descendants = desc[k]
		conforming := mapset.NewThreadUnsafeSet[catalog.Key]()
		for _, d := range desc[k].ToSlice() {
			if !g.Classes[d].Abstract {
				conforming.Add(d)
			}
		}
		g.Classes[k].Conforming = conforming
	}

	return g, nil
}

// ancestorsOf computes class k's ancestor closure (including k itself),
// detecting cycles via the in-progress `visiting` set.
func ancestorsOf(g *Graph, k catalog.Key, out, visiting mapset.Set[catalog.Key]) error {
	if visiting.Contains(k) {
		return errors.WithStack(&InheritanceCycleError{Key: k})
	}
	if out.Contains(k) {
		return nil
	}
	visiting.Add(k)
	out.Add(k)
	for _, b := range g.Classes[k].Bases {
		if err := ancestorsOf(g, b, out, visiting); err != nil {
			return err
		}
	}
	visiting.Remove(k)
	return nil
}

// SortedKeys is a small helper used wherever a deterministic iteration over
// a key set is needed (hashing, table emission) independent of the set
// implementation's own iteration order.
func SortedKeys(s mapset.Set[catalog.Key]) []catalog.Key {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
