package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

// Context returns a context canceled at the end of the test or after a
// generous timeout, so a deadlocked collective fails the test instead of
// hanging it.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// RunRanks runs fn on every rank of a fresh world of the given size. Each
// rank gets its own runtime, initialized before fn and finalized after it.
func RunRanks(t *testing.T, size int, fn func(ctx context.Context, rt *sim.Runtime, g comm.Group) error, opts ...sim.RuntimeOption) error {
	t.Helper()
	w, err := comm.NewWorld(size)
	require.NoError(t, err)
	return w.Run(Context(t), func(ctx context.Context, g comm.Group) error {
		rt := sim.NewRuntime(append([]sim.RuntimeOption{sim.WithThreads(2)}, opts...)...)
		if err := rt.Init(ctx, g); err != nil {
			return err
		}
		if err := fn(ctx, rt, g); err != nil {
			return err
		}
		return rt.Finalize(ctx)
	})
}

// Collector gathers one value per world rank from concurrent rank goroutines.
type Collector[T any] struct {
	mu     sync.Mutex
	values map[int]T
}

func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{values: make(map[int]T)}
}

func (c *Collector[T]) Put(rank int, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[rank] = v
}

func (c *Collector[T]) Get(rank int) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[rank]
}

func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}
