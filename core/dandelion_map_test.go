package core

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func makeIDs(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestDandelionMapInitialSelection(t *testing.T) {
	outs := makeIDs(8)
	m := NewDandelionMap(outs, 2)
	require.Equal(t, 2, m.Size())

	all := mapset.NewThreadUnsafeSet(outs...)
	for i := 0; i < 2; i++ {
		require.True(t, all.Contains(m.OutSlot(i)), "stem must come from the candidate set")
	}
	require.NotEqual(t, m.OutSlot(0), m.OutSlot(1), "stems must be distinct")
}

func TestDandelionMapFewerConnectionsThanStems(t *testing.T) {
	outs := makeIDs(1)
	m := NewDandelionMap(outs, 3)
	require.Equal(t, 1, m.Size())
	require.Equal(t, outs[0], m.GetStem(uuid.New()))
}

func TestDandelionMapStemStability(t *testing.T) {
	outs := makeIDs(6)
	m := NewDandelionMap(outs, 3)
	source := uuid.New()

	first := m.GetStem(source)
	require.NotEqual(t, uuid.Nil, first)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, m.GetStem(source), "stem must be stable within an epoch")
	}
}

func TestDandelionMapCardinality(t *testing.T) {
	outs := makeIDs(10)
	m := NewDandelionMap(outs, 2)

	used := mapset.NewThreadUnsafeSet[uuid.UUID]()
	for i := 0; i < 100; i++ {
		stem := m.GetStem(uuid.New())
		require.NotEqual(t, uuid.Nil, stem)
		used.Add(stem)
	}
	require.LessOrEqual(t, used.Cardinality(), 2)
}

func TestDandelionMapLoadBalancing(t *testing.T) {
	outs := makeIDs(4)
	m := NewDandelionMap(outs, 4)

	counts := make(map[uuid.UUID]int)
	for i := 0; i < 40; i++ {
		counts[m.GetStem(uuid.New())]++
	}
	for id, n := range counts {
		require.Equal(t, 10, n, "least-loaded selection should spread sources evenly, %s got %d", id, n)
	}
}

func TestDandelionMapRemapOnDisconnect(t *testing.T) {
	outs := makeIDs(2)
	m := NewDandelionMap(outs, 2)
	source := uuid.New()

	first := m.GetStem(source)
	require.NotEqual(t, uuid.Nil, first)

	// Drop the chosen stem from the connection set.
	var survivor uuid.UUID
	for _, id := range outs {
		if id != first {
			survivor = id
		}
	}
	require.True(t, m.Update([]uuid.UUID{survivor}))

	second := m.GetStem(source)
	require.Equal(t, survivor, second, "source must remap to a live stem")
	require.Equal(t, second, m.GetStem(source))
}

func TestDandelionMapUpdateRefills(t *testing.T) {
	outs := makeIDs(2)
	m := NewDandelionMap(outs, 2)

	replacement := uuid.New()
	require.True(t, m.Update([]uuid.UUID{outs[0], replacement}))
	require.Equal(t, 2, m.Size())

	live := mapset.NewThreadUnsafeSet(m.OutSlot(0), m.OutSlot(1))
	require.True(t, live.Contains(outs[0]))
	require.True(t, live.Contains(replacement))

	// Steady state: nothing to change.
	require.False(t, m.Update([]uuid.UUID{outs[0], replacement}))
}

func TestDandelionMapNoStemsLeft(t *testing.T) {
	m := NewDandelionMap(makeIDs(2), 2)
	source := uuid.New()
	require.NotEqual(t, uuid.Nil, m.GetStem(source))

	m.Update(nil)
	require.Equal(t, uuid.Nil, m.GetStem(source))
	require.Equal(t, uuid.Nil, m.GetStem(uuid.New()))
	require.Zero(t, m.Size())
}
