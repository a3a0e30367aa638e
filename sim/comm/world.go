package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// World is an in-process group of Size() ranks. Each rank is driven by its
// own goroutine, usually through Run.
type World struct {
	st      *groupState
	members []*member
	live    atomic.Int64 // derived handles not yet freed
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) (*World, error) {
	if size < 1 {
		return nil, fmt.Errorf("comm: world size must be >= 1, got %d", size)
	}
	w := &World{}
	worldRanks := make([]int, size)
	for i := range worldRanks {
		worldRanks[i] = i
	}
	w.st = newGroupState("world", worldRanks, false, w)
	w.members = make([]*member, size)
	for i := range w.members {
		w.members[i] = &member{st: w.st, rank: i}
	}
	return w, nil
}

// Self returns the only member of a fresh single-rank world.
func Self() Group {
	w, _ := NewWorld(1)
	return w.Group(0)
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return len(w.members)
}

// Group returns the world handle of the given rank.
// Panics if rank is out of range.
func (w *World) Group(rank int) Group {
	if rank < 0 || rank >= len(w.members) {
		panic(fmt.Sprintf("comm: world rank %d out of range [0,%d)", rank, len(w.members)))
	}
	return w.members[rank]
}

// LiveDerived returns how many derived group handles are still unfreed.
func (w *World) LiveDerived() int64 {
	return w.live.Load()
}

// Run calls fn once per rank, each on its own goroutine, and waits for all of
// them. The first rank to fail cancels the context passed to the others, so
// any peer blocked in a collective aborts instead of waiting forever.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, g Group) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for rank := range w.members {
		rank := rank
		eg.Go(func() error {
			if err := fn(egCtx, w.members[rank]); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

type opKind int

const (
	opBarrier opKind = iota
	opAllreduce
	opAllgather
	opBcast
	opSplit
)

// callSig is what every member of a round must agree on.
type callSig struct {
	kind opKind
	n    int
	root int
}

func (s callSig) String() string {
	switch s.kind {
	case opBarrier:
		return "barrier"
	case opAllreduce:
		return fmt.Sprintf("allreduce(len=%d)", s.n)
	case opAllgather:
		return "allgather"
	case opBcast:
		return fmt.Sprintf("bcast(len=%d,root=%d)", s.n, s.root)
	case opSplit:
		return "split"
	}
	return "unknown"
}

type splitReq struct {
	color int
	key   int
}

// round is the rendezvous for one collective call sequence number.
type round struct {
	sig     callSig
	arrived int
	done    chan struct{}

	vecs   [][]float64
	ints   []int64
	splits []splitReq

	sum      []float64
	children []Group
}

type groupState struct {
	id         string
	size       int
	worldRanks []int
	derived    bool
	world      *World

	mu         sync.Mutex
	rounds     map[uint64]*round
	splitCount int
	abortCh    chan struct{}
	abortErr   error
}

func newGroupState(id string, worldRanks []int, derived bool, w *World) *groupState {
	return &groupState{
		id:         id,
		size:       len(worldRanks),
		worldRanks: worldRanks,
		derived:    derived,
		world:      w,
		rounds:     make(map[uint64]*round),
		abortCh:    make(chan struct{}),
	}
}

func (st *groupState) abort(cause error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.abortLocked(cause)
}

func (st *groupState) abortLocked(cause error) {
	if st.abortErr != nil {
		return
	}
	if cause == nil {
		cause = errors.New("abort requested")
	}
	st.abortErr = fmt.Errorf("%w: group %s: %w", ErrAborted, st.id, cause)
	close(st.abortCh)
}

func (st *groupState) err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.abortErr
}

// member is one rank's handle on a groupState.
type member struct {
	st    *groupState
	rank  int
	seq   uint64
	freed bool
}

func (m *member) ID() string     { return m.st.id }
func (m *member) Rank() int      { return m.rank }
func (m *member) Size() int      { return m.st.size }
func (m *member) WorldRank() int { return m.st.worldRanks[m.rank] }

func (m *member) usable() error {
	if m == nil || m.st == nil {
		return ErrInvalidGroup
	}
	if m.freed {
		return fmt.Errorf("%w: group %s rank %d", ErrGroupFreed, m.st.id, m.rank)
	}
	return nil
}

// collective deposits this member's contribution into the round for its next
// sequence number and waits for the rest of the group. complete runs exactly
// once, under the group lock, on the last member to arrive.
func (m *member) collective(ctx context.Context, sig callSig, deposit, complete func(r *round)) (*round, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	st := m.st

	st.mu.Lock()
	if st.abortErr != nil {
		err := st.abortErr
		st.mu.Unlock()
		return nil, err
	}
	seq := m.seq
	m.seq++
	r, ok := st.rounds[seq]
	if !ok {
		r = &round{sig: sig, done: make(chan struct{})}
		st.rounds[seq] = r
	} else if r.sig != sig {
		err := &MismatchError{GroupID: st.id, Sequence: seq, Want: r.sig.String(), Got: sig.String(), Rank: m.rank}
		st.abortLocked(err)
		st.mu.Unlock()
		return nil, err
	}
	if deposit != nil {
		deposit(r)
	}
	r.arrived++
	if r.arrived == st.size {
		if complete != nil {
			complete(r)
		}
		delete(st.rounds, seq)
		close(r.done)
	}
	st.mu.Unlock()

	select {
	case <-r.done:
		return r, nil
	default:
	}
	select {
	case <-r.done:
		return r, nil
	case <-st.abortCh:
		return nil, st.err()
	case <-ctx.Done():
		st.abort(fmt.Errorf("%s canceled on rank %d: %w", sig, m.rank, ctx.Err()))
		return nil, st.err()
	}
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.collective(ctx, callSig{kind: opBarrier}, nil, nil)
	return err
}

func (m *member) AllreduceSum(ctx context.Context, buf []float64) error {
	n := len(buf)
	r, err := m.collective(ctx, callSig{kind: opAllreduce, n: n},
		func(r *round) {
			if r.vecs == nil {
				r.vecs = make([][]float64, m.st.size)
			}
			r.vecs[m.rank] = append([]float64(nil), buf...)
		},
		func(r *round) {
			// rank order keeps the sum reproducible for a fixed group size
			sum := make([]float64, n)
			for _, v := range r.vecs {
				for i, x := range v {
					sum[i] += x
				}
			}
			r.sum = sum
		})
	if err != nil {
		return err
	}
	copy(buf, r.sum)
	return nil
}

func (m *member) AllgatherInt(ctx context.Context, v int64) ([]int64, error) {
	r, err := m.collective(ctx, callSig{kind: opAllgather},
		func(r *round) {
			if r.ints == nil {
				r.ints = make([]int64, m.st.size)
			}
			r.ints[m.rank] = v
		}, nil)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), r.ints...), nil
}

func (m *member) Bcast(ctx context.Context, buf []float64, root int) error {
	if err := m.usable(); err != nil {
		return err
	}
	// root joins the call signature, so a member naming a different root
	// mismatches its peers instead of leaving them blocked.
	r, err := m.collective(ctx, callSig{kind: opBcast, n: len(buf), root: root},
		func(r *round) {
			if m.rank == root {
				r.sum = append([]float64(nil), buf...)
			}
		}, nil)
	if err != nil {
		return err
	}
	if root < 0 || root >= m.st.size {
		return fmt.Errorf("%w: bcast root %d out of range [0,%d)", ErrInvalidGroup, root, m.st.size)
	}
	copy(buf, r.sum)
	return nil
}

func (m *member) Split(ctx context.Context, color, key int) (Group, error) {
	if color < 0 {
		color = Undefined
	}
	r, err := m.collective(ctx, callSig{kind: opSplit},
		func(r *round) {
			if r.splits == nil {
				r.splits = make([]splitReq, m.st.size)
			}
			r.splits[m.rank] = splitReq{color: color, key: key}
		},
		func(r *round) {
			r.children = m.st.buildChildren(r.splits)
		})
	if err != nil {
		return nil, err
	}
	return r.children[m.rank], nil
}

// buildChildren must be called with st.mu held.
func (st *groupState) buildChildren(reqs []splitReq) []Group {
	splitNo := st.splitCount
	st.splitCount++

	byColor := make(map[int][]int)
	for rank, req := range reqs {
		if req.color == Undefined {
			continue
		}
		byColor[req.color] = append(byColor[req.color], rank)
	}

	children := make([]Group, len(reqs))
	for color, ranks := range byColor {
		sort.SliceStable(ranks, func(a, b int) bool {
			ka, kb := reqs[ranks[a]].key, reqs[ranks[b]].key
			if ka != kb {
				return ka < kb
			}
			return ranks[a] < ranks[b]
		})
		worldRanks := make([]int, len(ranks))
		for i, parentRank := range ranks {
			worldRanks[i] = st.worldRanks[parentRank]
		}
		child := newGroupState(fmt.Sprintf("%s/%d.%d", st.id, splitNo, color), worldRanks, true, st.world)
		for i, parentRank := range ranks {
			children[parentRank] = &member{st: child, rank: i}
		}
		if st.world != nil {
			st.world.live.Add(int64(len(ranks)))
		}
	}
	return children
}

func (m *member) Abort(cause error) {
	if m == nil || m.st == nil {
		return
	}
	m.st.abort(cause)
}

func (m *member) Err() error {
	if m == nil || m.st == nil {
		return ErrInvalidGroup
	}
	return m.st.err()
}

func (m *member) Free() error {
	if m == nil || m.st == nil {
		return ErrInvalidGroup
	}
	if !m.st.derived {
		return fmt.Errorf("%w: world group %s cannot be freed", ErrInvalidGroup, m.st.id)
	}
	if m.freed {
		return fmt.Errorf("%w: group %s rank %d freed twice", ErrGroupFreed, m.st.id, m.rank)
	}
	m.freed = true
	if m.st.world != nil {
		m.st.world.live.Add(-1)
	}
	return nil
}
