package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

// Cluster runs independent jobs side by side on one in-process world.
// The world is partitioned once per run, one partition per job, and each
// partition solves its job with a simulation context bound to its sub-group.
type Cluster struct {
	config  DeploymentConfig
	jobs    []Job
	hasRun  bool
	mu      sync.Mutex
	results []Result
}

// NewCluster creates a Cluster for the given jobs.
// Panics if config.Ranks < 1 or jobs is empty.
func NewCluster(config DeploymentConfig, jobs []Job) *Cluster {
	if config.Ranks < 1 {
		panic("Cluster: Ranks must be >= 1")
	}
	if len(jobs) == 0 {
		panic("Cluster: no jobs")
	}
	if config.Layout == "" {
		config.Layout = LayoutBlocks
	}
	return &Cluster{
		config: config,
		jobs:   jobs,
	}
}

// Run brings up the world, initializes a runtime on every rank, partitions
// the world by the configured layout and runs each job on its partition.
//
// A job that fails is reported in its Result. Run itself only returns an
// error when the world cannot be set up or torn down: an invalid layout, a
// failed partition, or a runtime bracket violation.
// Panics if called more than once.
func (c *Cluster) Run(ctx context.Context) error {
	if c.hasRun {
		panic("Cluster.Run() called more than once")
	}
	c.hasRun = true

	colorOf, keyOf, err := c.config.Layout.Functions(c.config.Ranks, len(c.jobs))
	if err != nil {
		return err
	}
	world, err := comm.NewWorld(c.config.Ranks)
	if err != nil {
		return err
	}
	c.results = make([]Result, len(c.jobs))
	logrus.Infof("cluster: %d ranks, %d jobs, layout %s", c.config.Ranks, len(c.jobs), c.config.Layout)

	err = world.Run(ctx, func(ctx context.Context, g comm.Group) error {
		rt := sim.NewRuntime(c.config.runtimeOptions()...)
		if err := rt.Init(ctx, g); err != nil {
			return err
		}

		local, _, err := comm.Partition(ctx, g, colorOf, keyOf)
		if err != nil {
			return err
		}
		part := colorOf(g.Rank(), g.Size())
		res := Result{Partition: part, GroupID: local.ID(), GroupSize: local.Size()}
		c.jobs[part].run(ctx, rt, local, &res)
		if res.Err != nil {
			logrus.Warnf("cluster: job %s failed on rank %d: %v", res.Job, g.Rank(), res.Err)
		}
		if local.Rank() == 0 {
			c.record(part, res)
		}
		if err := local.Free(); err != nil {
			return err
		}
		return rt.Finalize(ctx)
	})
	if err != nil {
		return fmt.Errorf("cluster run: %w", err)
	}
	c.logSummary()
	return nil
}

func (c *Cluster) record(part int, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[part] = res
}

func (c *Cluster) logSummary() {
	for _, res := range c.results {
		if res.Failed() {
			logrus.Infof("cluster: partition %d (%s, %d ranks) failed: %v", res.Partition, res.Job, res.GroupSize, res.Err)
			continue
		}
		last := res.Energies[len(res.Energies)-1]
		logrus.Infof("cluster: partition %d (%s, %d ranks) free energy %.10f after %d solves",
			res.Partition, res.Job, res.GroupSize, last, len(res.Energies))
	}
}

// Jobs returns the jobs in partition order.
func (c *Cluster) Jobs() []Job {
	return c.jobs
}

// Results returns one result per job, indexed by partition.
// Panics if called before Run().
func (c *Cluster) Results() []Result {
	if !c.hasRun {
		panic("Cluster.Results() called before Run()")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

// Failed returns the number of jobs that ended with an error.
// Panics if called before Run().
func (c *Cluster) Failed() int {
	n := 0
	for _, res := range c.Results() {
		if res.Failed() {
			n++
		}
	}
	return n
}
