package slots_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
	"github.com/mmdispatch/mmdispatch/internal/slots"
)

const (
	animal catalog.Key = iota + 1
	dog
	cat
	rock
)

func buildGraph(t *testing.T) *inherit.Graph {
	t.Helper()
	g, err := inherit.Resolve([]*catalog.ClassRecord{
		{Key: animal},
		{Key: dog, Bases: []catalog.Key{animal}},
		{Key: cat, Bases: []catalog.Key{animal}},
		{Key: rock},
	})
	require.NoError(t, err)
	return g
}

func TestAllocateReusesSlotsAcrossDisjointMethods(t *testing.T) {
	g := buildGraph(t)
	cat1 := catalog.New()
	mKick, _ := cat1.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, nil, nil)
	mBounce, _ := cat1.RegisterMethod("bounce", []catalog.ParamSpec{{Virtual: true, Class: rock}}, nil, nil)

	asg := slots.Allocate(g, []*catalog.MethodRecord{mKick, mBounce})

	// animal's conforming set {animal, dog, cat} never overlaps rock's {rock},
	// so both methods should claim slot 0.
	assert.Equal(t, 0, asg.Offset[mKick.ID()][0])
	assert.Equal(t, 0, asg.Offset[mBounce.ID()][0])
}

func TestAllocateSeparatesOverlappingMethods(t *testing.T) {
	g := buildGraph(t)
	cat1 := catalog.New()
	mKick, _ := cat1.RegisterMethod("kick", []catalog.ParamSpec{{Virtual: true, Class: animal}}, nil, nil)
	mBark, _ := cat1.RegisterMethod("bark", []catalog.ParamSpec{{Virtual: true, Class: dog}}, nil, nil)

	asg := slots.Allocate(g, []*catalog.MethodRecord{mKick, mBark})

	// dog conforms to both animal and dog's conforming sets, so the two
	// methods must not collide on the same slot for class dog.
	assert.NotEqual(t, asg.Offset[mKick.ID()][0], asg.Offset[mBark.ID()][0])
	assert.GreaterOrEqual(t, asg.Width[dog], 2)
}

func TestWritePopulatesSlotsStrides(t *testing.T) {
	g := buildGraph(t)
	cat1 := catalog.New()
	m, _ := cat1.RegisterMethod("meet", []catalog.ParamSpec{
		{Virtual: true, Class: animal},
		{Virtual: true, Class: animal},
	}, nil, nil)

	asg := slots.Allocate(g, []*catalog.MethodRecord{m})
	asg.Write(m)

	require.Len(t, m.SlotsStrides, 3)
	assert.Equal(t, asg.Offset[m.ID()][0], m.SlotsStrides[0])
	assert.Equal(t, asg.Offset[m.ID()][1], m.SlotsStrides[1])
}
