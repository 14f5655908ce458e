package mmdispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmdispatch "github.com/mmdispatch/mmdispatch"
	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/polyhash"
)

type animalT struct{}
type dogT struct{}
type catT struct{}

func stub(label string) catalog.Wrapper {
	return func(args ...any) any { return label }
}

// A single-argument kick method overridden on Dog only; Cat falls
// back to not-implemented.
func TestKickUniMethod(t *testing.T) {
	e := mmdispatch.New(mmdispatch.DefaultPolicy())

	const animal catalog.Key = 1
	const dog catalog.Key = 2
	const cat catalog.Key = 3
	e.RegisterClass(animal, nil, true)
	e.RegisterClass(dog, []catalog.Key{animal}, false)
	e.RegisterClass(cat, []catalog.Key{animal}, false)
	e.RegisterType(dogT{}, dog)
	e.RegisterType(catT{}, cat)

	kick, _ := e.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, stub("ni"), stub("amb"))
	e.RegisterDefinition(kick, []catalog.Key{dog}, stub("dog-kicked"))

	require.NoError(t, e.Update())
	assert.Equal(t, mmdispatch.Ready, e.State())

	out, err := e.Call(kick, dogT{})
	require.NoError(t, err)
	assert.Equal(t, "dog-kicked", out)

	out, err = e.Call(kick, catT{})
	require.NoError(t, err)
	assert.Equal(t, "ni", out)
}

// A two-argument meet method with (Dog,Dog), (Dog,Cat), and
// (Cat,Dog) definitions; (Cat,Cat) has no applicable definition.
func TestMeetMultiMethod(t *testing.T) {
	e := mmdispatch.New(mmdispatch.DefaultPolicy())

	const animal catalog.Key = 1
	const dog catalog.Key = 2
	const cat catalog.Key = 3
	e.RegisterClass(animal, nil, true)
	e.RegisterClass(dog, []catalog.Key{animal}, false)
	e.RegisterClass(cat, []catalog.Key{animal}, false)
	e.RegisterType(dogT{}, dog)
	e.RegisterType(catT{}, cat)

	meet, _ := e.RegisterMethod("meet", []catalog.ParamSpec{
		{Virtual: true, Class: animal},
		{Virtual: true, Class: animal},
	}, stub("ni"), stub("amb"))
	e.RegisterDefinition(meet, []catalog.Key{dog, dog}, stub("dog-dog"))
	e.RegisterDefinition(meet, []catalog.Key{dog, cat}, stub("dog-cat"))
	e.RegisterDefinition(meet, []catalog.Key{cat, dog}, stub("cat-dog"))

	require.NoError(t, e.Update())

	out, err := e.Call(meet, dogT{}, dogT{})
	require.NoError(t, err)
	assert.Equal(t, "dog-dog", out)

	out, err = e.Call(meet, dogT{}, catT{})
	require.NoError(t, err)
	assert.Equal(t, "dog-cat", out)

	out, err = e.Call(meet, catT{}, dogT{})
	require.NoError(t, err)
	assert.Equal(t, "cat-dog", out)

	out, err = e.Call(meet, catT{}, catT{})
	require.NoError(t, err)
	assert.Equal(t, "ni", out)
}

// A diamond hierarchy (Shape <- Rect, Ellipse <- RoundRect) with
// sibling definitions on Rect and Ellipse produces an ambiguous call on
// RoundRect, the join of both.
func TestDiamondAmbiguity(t *testing.T) {
	e := mmdispatch.New(mmdispatch.DefaultPolicy())

	const shape catalog.Key = 1
	const rect catalog.Key = 2
	const ellipse catalog.Key = 3
	const roundRect catalog.Key = 4
	e.RegisterClass(shape, nil, true)
	e.RegisterClass(rect, []catalog.Key{shape}, false)
	e.RegisterClass(ellipse, []catalog.Key{shape}, false)
	e.RegisterClass(roundRect, []catalog.Key{rect, ellipse}, false)

	var ambiguousHit bool
	e.SetErrorHandler(func(ev mmdispatch.Event) {
		if ev.Kind == mmdispatch.ResolutionAmbiguous {
			ambiguousHit = true
		}
	})

	type roundRectT struct{}
	e.RegisterType(roundRectT{}, roundRect)

	draw, _ := e.RegisterMethod("draw", []catalog.ParamSpec{{Virtual: true, Class: shape}}, stub("ni"), nil)
	e.RegisterDefinition(draw, []catalog.Key{rect}, stub("rect"))
	e.RegisterDefinition(draw, []catalog.Key{ellipse}, stub("ellipse"))

	require.NoError(t, e.Update())

	assert.Panics(t, func() {
		_, _ = e.Call(draw, roundRectT{})
	})
	assert.True(t, ambiguousHit)
}

// A large, flat class hierarchy stresses the perfect-hash search
// with many keys and confirms every class still resolves correctly.
func TestLargeHierarchyHashStress(t *testing.T) {
	e := mmdispatch.New(mmdispatch.DefaultPolicy())

	const base catalog.Key = 1
	e.RegisterClass(base, nil, true)

	const n = 500
	keys := make([]catalog.Key, n)
	for i := 0; i < n; i++ {
		k := catalog.Key(1000 + i*3)
		keys[i] = k
		e.RegisterClass(k, []catalog.Key{base}, false)
	}

	kick, _ := e.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: base}}, stub("ni"), stub("amb"))
	e.RegisterDefinition(kick, []catalog.Key{keys[0]}, stub("first"))

	require.NoError(t, e.Update())

	// Every key must resolve through the perfect hash to a valid table.
	for _, k := range keys {
		ref, ok := e.MethodTableOf(k)
		require.True(t, ok)
		require.True(t, ref.Valid())
	}

	first, _ := e.MethodTableOf(keys[0])
	out, err := e.Call(kick, mmdispatch.FatPointer{Table: first})
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	last, _ := e.MethodTableOf(keys[n-1])
	out, err = e.Call(kick, mmdispatch.FatPointer{Table: last})
	require.NoError(t, err)
	assert.Equal(t, "ni", out)
}

// Indirect-mode holders taken before an update() keep resolving
// correctly (to the newly-published state) after that update() runs.
func TestIndirectModeSurvivesUpdate(t *testing.T) {
	policy := mmdispatch.DefaultPolicy()
	policy.UseIndirectMethodPointers = true
	e := mmdispatch.New(policy)

	const animal catalog.Key = 1
	const dog catalog.Key = 2
	e.RegisterClass(animal, nil, true)
	e.RegisterClass(dog, []catalog.Key{animal}, false)
	e.RegisterType(dogT{}, dog)

	kick, _ := e.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, stub("ni"), stub("amb"))
	_, hV1, err := e.RegisterDefinition(kick, []catalog.Key{dog}, stub("v1"))
	require.NoError(t, err)
	require.NoError(t, e.Update())

	// A holder created against the first published state.
	cell := e.IndirectCellOf(dog)
	require.NotNil(t, cell)
	holder := mmdispatch.IndirectPointer{Value: dogT{}, Cell: cell}

	out, err := e.Call(kick, holder)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	hV1.Close()
	e.RegisterDefinition(kick, []catalog.Key{dog}, stub("v2"))
	require.NoError(t, e.Update())

	// Same holder, not rebuilt: it must observe the new tables.
	out, err = e.Call(kick, holder)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

// An exhausted hash-search budget is reported through the
// installed handler and update() leaves prior published state intact.
func TestHashSearchBudgetExceeded(t *testing.T) {
	policy := mmdispatch.DefaultPolicy()
	policy.HashBudget = polyhash.Budget{AttemptsPerShift: 1, Deadline: time.Nanosecond}
	e := mmdispatch.New(policy)

	const animal catalog.Key = 1
	const dog catalog.Key = 2
	e.RegisterClass(animal, nil, true)
	e.RegisterClass(dog, []catalog.Key{animal}, false)

	kick, _ := e.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, stub("ni"), stub("amb"))
	e.RegisterDefinition(kick, []catalog.Key{dog}, stub("dog-kicked"))

	var gotHashFailed bool
	e.SetErrorHandler(func(ev mmdispatch.Event) {
		if ev.Kind == mmdispatch.HashSearchFailed {
			gotHashFailed = true
		}
	})

	err := e.Update()
	assert.Error(t, err)
	assert.True(t, gotHashFailed)
	assert.Equal(t, mmdispatch.Idle, e.State())
}

func TestUnknownBaseClassReportedOnUpdate(t *testing.T) {
	e := mmdispatch.New(mmdispatch.DefaultPolicy())
	const dog catalog.Key = 2
	const animal catalog.Key = 1
	e.RegisterClass(dog, []catalog.Key{animal}, false) // animal never registered

	var gotUnknown bool
	e.SetErrorHandler(func(ev mmdispatch.Event) {
		if ev.Kind == mmdispatch.UnknownClassUpdate {
			gotUnknown = true
		}
	})

	err := e.Update()
	assert.Error(t, err)
	assert.True(t, gotUnknown)
}
