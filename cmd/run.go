package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/cluster"
	_ "github.com/groundstate-sim/groundstate-sim/sim/engine"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

// runCmd partitions a world and runs one system per partition.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run systems side by side, one per partition of the rank world",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSystems(ctx, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().Int("ranks", 2, "Number of ranks in the world")
	runCmd.Flags().String("systems", "", "Path to a systems YAML file")
	runCmd.Flags().StringSlice("preset", nil, "Built-in systems to run, one per partition (see 'presets')")
	runCmd.Flags().String("layout", string(cluster.LayoutBlocks), "How ranks are split into partitions: "+strings.Join(cluster.ValidLayoutNames(), ", "))
	runCmd.Flags().Int("threads", 0, "Worker threads per rank (0 = number of CPUs)")
	runCmd.Flags().Bool("forces", false, "Compute forces for preset systems")
	runCmd.Flags().Bool("stress", false, "Compute stress for preset systems")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9090)")
	runCmd.Flags().String("trace", string(trace.TraceLevelNone), "Lifecycle trace level (none, lifecycle)")
}

// loadJobs builds the jobs from either a systems file or preset names.
func loadJobs() ([]cluster.Job, error) {
	path := cfg.GetString("systems")
	presets := cfg.GetStringSlice("preset")
	switch {
	case path != "" && len(presets) > 0:
		return nil, errors.New("use --systems or --preset, not both")
	case path != "":
		f, err := loadSystemsFile(path)
		if err != nil {
			return nil, err
		}
		return f.Jobs()
	case len(presets) > 0:
		return presetJobs(presets, cfg.GetBool("forces"), cfg.GetBool("stress"))
	}
	return nil, errors.New("no systems given; use --systems FILE or --preset NAME[,NAME]")
}

func runSystems(ctx context.Context, out io.Writer) error {
	ranks := cfg.GetInt("ranks")
	layout := cfg.GetString("layout")
	if !cluster.IsValidLayout(layout) {
		return fmt.Errorf("unknown layout %q; valid layouts: %s", layout, strings.Join(cluster.ValidLayoutNames(), ", "))
	}
	traceLevel := cfg.GetString("trace")
	if !trace.IsValidTraceLevel(traceLevel) {
		return fmt.Errorf("unknown trace level %q; valid levels: none, lifecycle", traceLevel)
	}

	jobs, err := loadJobs()
	if err != nil {
		return err
	}
	sizes, err := cluster.Layout(layout).PartitionSizes(ranks, len(jobs))
	if err != nil {
		return err
	}
	if err := validateJobs(jobs, sizes); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := sim.NewMetrics(reg)
	if addr := cfg.GetString("metrics-addr"); addr != "" {
		srv := serveMetrics(addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var lt *trace.LifecycleTrace
	if trace.TraceLevel(traceLevel) != trace.TraceLevelNone {
		lt = trace.NewLifecycleTrace(trace.TraceLevel(traceLevel))
	}

	c := cluster.NewCluster(cluster.DeploymentConfig{
		Ranks:   ranks,
		Layout:  cluster.Layout(layout),
		Threads: cfg.GetInt("threads"),
		Metrics: metrics,
		Trace:   lt,
	}, jobs)

	startTime := time.Now()
	if err := c.Run(ctx); err != nil {
		return err
	}
	printResults(out, c.Results(), time.Since(startTime))
	if lt != nil {
		printTraceSummary(out, trace.Summarize(lt))
	}
	if n := c.Failed(); n > 0 {
		return fmt.Errorf("%d of %d systems failed", n, len(jobs))
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("metrics endpoint %s: %v", addr, err)
		}
	}()
	logrus.Infof("serving metrics on %s/metrics", addr)
	return srv
}
