package comm

import (
	"context"
	"fmt"
)

// ColorFunc classifies a rank into a partition. A negative result means the
// rank has no partition, which Partition rejects.
type ColorFunc func(rank, size int) int

// KeyFunc orders ranks inside their partition; ties keep the original rank order.
type KeyFunc func(rank, size int) int

// ParityColor puts even ranks in partition 0 and odd ranks in partition 1.
func ParityColor(rank, _ int) int {
	return rank % 2
}

// MirroredKey keeps even ranks in their original order and reverses odd ranks
// (key = size - rank), so local ranking is visibly a caller policy.
func MirroredKey(rank, size int) int {
	if rank%2 == 0 {
		return rank
	}
	return size - rank
}

// BlockColor returns a ColorFunc that cuts the group into parts contiguous
// blocks of equal size. size must be divisible by parts.
func BlockColor(parts int) ColorFunc {
	return func(rank, size int) int {
		if parts < 1 || size%parts != 0 {
			return Undefined
		}
		return rank / (size / parts)
	}
}

// IdentityKey orders members by their original rank.
func IdentityKey(rank, _ int) int {
	return rank
}

// Partition splits g into disjoint sub-groups. Every member must call it.
// It returns the caller's sub-group handle and its rank within it.
//
// The colors of all members are exchanged first, so a rank without a defined
// color makes every member fail with ErrInvalidPartitionRequest rather than
// leaving some members split and others not.
func Partition(ctx context.Context, g Group, colorOf ColorFunc, keyOf KeyFunc) (Group, int, error) {
	if g == nil || colorOf == nil || keyOf == nil {
		return nil, 0, fmt.Errorf("%w: nil group or classification function", ErrInvalidPartitionRequest)
	}
	if err := g.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidPartitionRequest, err)
	}
	rank, size := g.Rank(), g.Size()
	color := colorOf(rank, size)
	key := keyOf(rank, size)

	colors, err := g.AllgatherInt(ctx, int64(color))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidPartitionRequest, err)
	}
	for r, c := range colors {
		if c < 0 {
			return nil, 0, fmt.Errorf("%w: no color defined for rank %d of group %s", ErrInvalidPartitionRequest, r, g.ID())
		}
	}

	local, err := g.Split(ctx, color, key)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidPartitionRequest, err)
	}
	return local, local.Rank(), nil
}
