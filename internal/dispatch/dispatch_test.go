package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/dispatch"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
	"github.com/mmdispatch/mmdispatch/internal/resolve"
)

const (
	animal catalog.Key = iota + 1
	dog
	cat
)

func stub(label string) catalog.Wrapper {
	return func(args ...any) any { return label }
}

func meetGraph(t *testing.T) *inherit.Graph {
	t.Helper()
	g, err := inherit.Resolve([]*catalog.ClassRecord{
		{Key: animal},
		{Key: dog, Bases: []catalog.Key{animal}},
		{Key: cat, Bases: []catalog.Key{animal}},
	})
	require.NoError(t, err)
	return g
}

func TestBuildArityOneReturnsNil(t *testing.T) {
	g := meetGraph(t)
	c := catalog.New()
	m, _ := c.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, nil, nil)
	conforming := resolve.ConformingSets(g, m)
	res := resolve.Method(g, m, nil)
	assert.Nil(t, dispatch.Build(g, m, conforming, res))
}

func TestBuildMeetTableDispatchesAllNineCells(t *testing.T) {
	g := meetGraph(t)
	c := catalog.New()
	m, _ := c.RegisterMethod("meet", []catalog.ParamSpec{
		{Virtual: true, Class: animal},
		{Virtual: true, Class: animal},
	}, stub("ni"), stub("amb"))

	dDogDog, _, err := c.RegisterDefinition(m, []catalog.Key{dog, dog}, stub("dog-dog"))
	require.NoError(t, err)
	dDogCat, _, err := c.RegisterDefinition(m, []catalog.Key{dog, cat}, stub("dog-cat"))
	require.NoError(t, err)

	conforming := resolve.ConformingSets(g, m)
	res := resolve.Method(g, m, []*catalog.DefinitionRecord{dDogDog, dDogCat})
	table := dispatch.Build(g, m, conforming, res)
	require.NotNil(t, table)

	// The dog row distinguishes all three second-argument classes, so no
	// compression is possible at dimension 2.
	assert.Equal(t, 3, table.BlockSize)
	assert.Len(t, table.GroupOf, 1)

	dogRow := table.Row[dog]
	require.Len(t, dogRow, table.BlockSize)

	catRow := table.Row[cat]
	for _, r := range catRow {
		assert.Equal(t, resolve.NotImplemented, r.Outcome)
	}
}

func TestWriteStridesFillsEvenIndices(t *testing.T) {
	g := meetGraph(t)
	c := catalog.New()
	m, _ := c.RegisterMethod("meet", []catalog.ParamSpec{
		{Virtual: true, Class: animal},
		{Virtual: true, Class: animal},
		{Virtual: true, Class: animal},
	}, stub("ni"), stub("amb"))

	conforming := resolve.ConformingSets(g, m)
	res := resolve.Method(g, m, nil)
	table := dispatch.Build(g, m, conforming, res)
	require.NotNil(t, table)

	table.WriteStrides(m)
	assert.Equal(t, table.Stride[0], m.SlotsStrides[2])
	assert.Equal(t, table.Stride[1], m.SlotsStrides[4])
}
