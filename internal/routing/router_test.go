package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAssignsIndicesInFirstSeenOrder(t *testing.T) {
	r := NewRouter()
	r.Register("A")

	idx, added, err := r.Resolve("A", 7)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.True(t, added)

	idx, added, err = r.Resolve("A", 9)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.True(t, added)

	idx, added, err = r.Resolve("A", 7)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.False(t, added)

	assert.Equal(t, []uint16{7, 9}, r.Streams("A"))
}

func TestResolveIsStableAcrossManyCalls(t *testing.T) {
	r := NewRouter()
	r.Register("mixed")

	seen := map[uint16]int{}
	sequence := []uint16{3, 1, 3, 4, 1, 1, 4, 9, 3}
	next := 0
	for _, sid := range sequence {
		idx, _, err := r.Resolve("mixed", sid)
		require.NoError(t, err)
		if want, ok := seen[sid]; ok {
			assert.Equal(t, want, idx, "stream %d moved", sid)
			continue
		}
		assert.Equal(t, next, idx)
		seen[sid] = idx
		next++
	}
}

func TestUseCasesAreIndependent(t *testing.T) {
	r := NewRouter()
	r.Register("A")
	r.Register("B")

	_, _, err := r.Resolve("A", 5)
	require.NoError(t, err)
	idx, _, err := r.Resolve("B", 6)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestResolveUnknownUseCaseDoesNotMutate(t *testing.T) {
	r := NewRouter()
	r.Register("A")

	_, added, err := r.Resolve("UNKNOWN", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownUseCase))
	assert.False(t, added)
	assert.False(t, r.Registered("UNKNOWN"))
	assert.ElementsMatch(t, []string{"A"}, r.UseCases())
}

func TestRegisterKeepsExistingRoute(t *testing.T) {
	r := NewRouter()
	r.Register("A")
	_, _, err := r.Resolve("A", 2)
	require.NoError(t, err)

	r.Register("A")
	assert.Equal(t, []uint16{2}, r.Streams("A"))
}
