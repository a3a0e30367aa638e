package comm

import (
	"context"
	"errors"
	"fmt"
)

// Undefined is the color a member passes to Split to opt out of every
// sub-group. Partition treats it as an invalid classification.
const Undefined = -1

var (
	// ErrInvalidPartitionRequest indicates a split that cannot be honored:
	// an undefined color for some member, or an unusable parent group.
	ErrInvalidPartitionRequest = errors.New("comm: invalid partition request")

	// ErrCollectiveMismatch indicates members of a group issued divergent
	// collectives (different operation, payload size or root).
	ErrCollectiveMismatch = errors.New("comm: collective mismatch")

	// ErrAborted indicates the group was aborted; no further collective can
	// complete on it.
	ErrAborted = errors.New("comm: group aborted")

	// ErrGroupFreed indicates use of a handle after Free, or a second Free.
	ErrGroupFreed = errors.New("comm: group handle freed")

	// ErrInvalidGroup indicates a nil handle or an operation the handle
	// does not support (such as freeing a world group).
	ErrInvalidGroup = errors.New("comm: invalid group")
)

// Group is one member's handle on a set of cooperating ranks.
//
// All collective methods block until every member of the group has made the
// matching call. Handles are not safe for concurrent use by multiple
// goroutines; each rank owns its handle.
type Group interface {
	// ID identifies the group; all members see the same ID.
	ID() string
	// Rank is this member's rank in [0, Size()).
	Rank() int
	// Size is the number of members.
	Size() int
	// WorldRank is this member's rank in the world the group derives from.
	WorldRank() int

	Barrier(ctx context.Context) error
	// AllreduceSum replaces buf with the element-wise sum over all members.
	// Every member must pass a buffer of the same length.
	AllreduceSum(ctx context.Context, buf []float64) error
	// AllgatherInt returns every member's value indexed by rank.
	AllgatherInt(ctx context.Context, v int64) ([]int64, error)
	// Bcast copies root's buf into every member's buf.
	Bcast(ctx context.Context, buf []float64, root int) error
	// Split creates one sub-group per distinct color. Members passing
	// Undefined receive a nil Group and no error.
	Split(ctx context.Context, color, key int) (Group, error)

	// Abort fails every pending and future collective on the group.
	Abort(cause error)
	// Err reports the abort cause, or nil while the group is healthy.
	Err() error
	// Free releases a derived handle. World handles cannot be freed.
	Free() error
}

// MismatchError describes divergent collective participation.
type MismatchError struct {
	GroupID  string
	Sequence uint64
	Want     string
	Got      string
	Rank     int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("comm: collective mismatch on group %s (call %d): rank %d issued %s, peers issued %s",
		e.GroupID, e.Sequence, e.Rank, e.Got, e.Want)
}

func (e *MismatchError) Unwrap() error {
	return ErrCollectiveMismatch
}
