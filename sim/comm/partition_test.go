package comm

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placement struct {
	color     int
	groupID   string
	localRank int
	localSize int
	worldRank int
}

func partitionAll(t *testing.T, size int, colorOf ColorFunc, keyOf KeyFunc) ([]placement, []error) {
	t.Helper()
	w := newTestWorld(t, size)
	out := make([]placement, size)
	errs := make([]error, size)
	var mu sync.Mutex

	_ = w.Run(testContext(t), func(ctx context.Context, g Group) error {
		local, localRank, err := Partition(ctx, g, colorOf, keyOf)
		mu.Lock()
		defer mu.Unlock()
		errs[g.Rank()] = err
		if err != nil {
			return nil
		}
		out[g.Rank()] = placement{
			color:     colorOf(g.Rank(), g.Size()),
			groupID:   local.ID(),
			localRank: localRank,
			localSize: local.Size(),
			worldRank: local.WorldRank(),
		}
		return local.Free()
	})
	assert.Equal(t, int64(0), w.LiveDerived(), "every derived handle freed")
	return out, errs
}

// TestPartition_ParityMirrored verifies the two-way split by rank parity with
// mirrored ordering for the odd partition.
func TestPartition_ParityMirrored(t *testing.T) {
	got, errs := partitionAll(t, 4, ParityColor, MirroredKey)
	for _, err := range errs {
		require.NoError(t, err)
	}

	wantLocal := map[int]int{0: 0, 2: 1, 3: 0, 1: 1}
	for rank, p := range got {
		assert.Equal(t, rank%2, p.color)
		assert.Equal(t, 2, p.localSize)
		assert.Equal(t, wantLocal[rank], p.localRank, "world rank %d", rank)
		assert.Equal(t, rank, p.worldRank)
	}
	assert.Equal(t, got[0].groupID, got[2].groupID)
	assert.Equal(t, got[1].groupID, got[3].groupID)
	assert.NotEqual(t, got[0].groupID, got[1].groupID)
}

func TestPartition_TiesKeepOriginalOrder(t *testing.T) {
	constKey := func(int, int) int { return 7 }
	got, errs := partitionAll(t, 5, func(int, int) int { return 0 }, constKey)
	for rank, p := range got {
		require.NoError(t, errs[rank])
		assert.Equal(t, rank, p.localRank)
		assert.Equal(t, 5, p.localSize)
	}
}

// TestPartition_DisjointAndExhaustive checks random colorings: every world
// rank lands in exactly one sub-group, and each sub-group's local ranks are a
// dense 0..n-1 range.
func TestPartition_DisjointAndExhaustive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		size := 1 + rng.Intn(8)
		colors := make([]int, size)
		keys := make([]int, size)
		for i := range colors {
			colors[i] = rng.Intn(3)
			keys[i] = rng.Intn(4)
		}
		colorOf := func(rank, _ int) int { return colors[rank] }
		keyOf := func(rank, _ int) int { return keys[rank] }

		got, errs := partitionAll(t, size, colorOf, keyOf)

		members := make(map[string][]placement)
		for rank, p := range got {
			require.NoError(t, errs[rank])
			members[p.groupID] = append(members[p.groupID], p)
		}

		seen := make(map[int]bool)
		for id, ps := range members {
			localSeen := make(map[int]bool)
			for _, p := range ps {
				assert.Equal(t, len(ps), p.localSize, "group %s", id)
				assert.Equal(t, ps[0].color, p.color, "group %s mixes colors", id)
				assert.False(t, localSeen[p.localRank], "duplicate local rank in %s", id)
				localSeen[p.localRank] = true
				assert.False(t, seen[p.worldRank], "world rank %d in two groups", p.worldRank)
				seen[p.worldRank] = true
			}
			for r := 0; r < len(ps); r++ {
				assert.True(t, localSeen[r], "group %s missing local rank %d", id, r)
			}
		}
		assert.Len(t, seen, size, "trial %d", trial)

		distinctColors := make(map[int]bool)
		for _, c := range colors {
			distinctColors[c] = true
		}
		assert.Len(t, members, len(distinctColors))
	}
}

func TestPartition_UndefinedColorFailsEverywhere(t *testing.T) {
	colorOf := func(rank, _ int) int {
		if rank == 2 {
			return Undefined
		}
		return 0
	}
	_, errs := partitionAll(t, 3, colorOf, IdentityKey)
	for rank, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidPartitionRequest, "rank %d", rank)
	}
}

func TestPartition_InvalidInputs(t *testing.T) {
	ctx := context.Background()

	_, _, err := Partition(ctx, nil, ParityColor, IdentityKey)
	assert.ErrorIs(t, err, ErrInvalidPartitionRequest)

	_, _, err = Partition(ctx, Self(), nil, IdentityKey)
	assert.ErrorIs(t, err, ErrInvalidPartitionRequest)

	aborted := Self()
	aborted.Abort(nil)
	_, _, err = Partition(ctx, aborted, ParityColor, IdentityKey)
	assert.ErrorIs(t, err, ErrInvalidPartitionRequest)

	w := newTestWorld(t, 1)
	child, err := w.Group(0).Split(ctx, 0, 0)
	require.NoError(t, err)
	require.NoError(t, child.Free())
	_, _, err = Partition(ctx, child, ParityColor, IdentityKey)
	assert.ErrorIs(t, err, ErrInvalidPartitionRequest)
	assert.ErrorIs(t, err, ErrGroupFreed)
}

func TestPartition_Nested(t *testing.T) {
	w := newTestWorld(t, 4)
	var mu sync.Mutex
	worldRanks := make(map[string][]int)

	err := w.Run(testContext(t), func(ctx context.Context, g Group) error {
		half, _, err := Partition(ctx, g, BlockColor(2), IdentityKey)
		if err != nil {
			return err
		}
		defer half.Free()
		single, _, err := Partition(ctx, half, BlockColor(2), IdentityKey)
		if err != nil {
			return err
		}
		defer single.Free()

		mu.Lock()
		worldRanks[single.ID()] = append(worldRanks[single.ID()], single.WorldRank())
		mu.Unlock()
		assert.Equal(t, 1, single.Size())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, worldRanks, 4)
	assert.Equal(t, int64(0), w.LiveDerived())
}

func TestBlockColor_Indivisible(t *testing.T) {
	assert.Equal(t, Undefined, BlockColor(3)(0, 4))
	assert.Equal(t, 1, BlockColor(2)(2, 4))
}
