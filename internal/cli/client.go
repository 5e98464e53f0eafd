package cli

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ricardo3319/Microsec/internal/client"
	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/workload"
)

// clientFlags is the client binary's full flag surface.
type clientFlags struct {
	ConfigFile string

	ID        uint8         `yaml:"id"`
	LBAddr    string        `yaml:"lb"`
	Threads   int           `yaml:"threads"`
	TargetRPS uint64        `yaml:"target_rps"`
	Duration  time.Duration `yaml:"duration"`
	Warmup    time.Duration `yaml:"warmup"`

	ParetoAlpha        float64 `yaml:"pareto_alpha"`
	ServiceMinUS       float64 `yaml:"service_min"`
	Distribution       string  `yaml:"distribution"`
	DeadlineMultiplier float64 `yaml:"deadline_multiplier"`

	// SlowProb is the analysis-side expectation of how often the policy
	// under test routes to a slow worker; recorded with the run.
	SlowProb float64 `yaml:"slow_prob"`

	MaxInflight int    `yaml:"max_inflight"`
	Output      string `yaml:"output"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// BuildClientCommand constructs the client binary's root command.
func BuildClientCommand() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "dispatch-client",
		Short: "Deadline-carrying workload client",
		Long: `dispatch-client paces deadline-carrying requests toward the load
balancer at a configured aggregate rate and measures end-to-end latency
and deadline misses in its own clock domain.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadYAML(f.ConfigFile, &f); err != nil {
				return err
			}
			if f.LBAddr == "" {
				return configErr("--lb is required")
			}
			if f.Threads < 1 {
				f.Threads = 1
			}
			return runClient(&f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.ConfigFile, "config", "c", "", "YAML config file")
	fl.Uint8Var(&f.ID, "id", 0, "client id")
	fl.StringVar(&f.LBAddr, "lb", "", "load balancer address (ip:port)")
	fl.IntVar(&f.Threads, "threads", 1, "sender threads, each with its own generator")
	fl.Uint64Var(&f.TargetRPS, "target_rps", 10000, "aggregate request rate")
	fl.DurationVar(&f.Duration, "duration", 60*time.Second, "measurement duration")
	fl.DurationVar(&f.Warmup, "warmup", 30*time.Second, "warm-up before measurement")
	fl.Float64Var(&f.ParetoAlpha, "pareto_alpha", 1.2, "Pareto shape (alpha <= 2 gives infinite variance)")
	fl.Float64Var(&f.ServiceMinUS, "service_min", 10, "minimum service time (us)")
	fl.StringVar(&f.Distribution, "distribution", string(workload.Pareto), "service-time distribution (pareto|lognormal|bimodal|uniform)")
	fl.Float64Var(&f.DeadlineMultiplier, "deadline_multiplier", 5.0, "deadline = service time x multiplier")
	fl.Float64Var(&f.SlowProb, "slow_prob", 0, "expected slow-worker routing probability (recorded only)")
	fl.IntVar(&f.MaxInflight, "max_inflight", client.DefaultMaxInflight, "hard in-flight cap per thread")
	fl.StringVar(&f.Output, "output", "", "metrics output directory")
	fl.StringVar(&f.MetricsAddr, "metrics_addr", "", "Prometheus scrape address (host:port)")
	fl.BoolVar(&f.Verbose, "verbose", false, "debug logging")

	return cmd
}

func runClient(f *clientFlags) error {
	log := newLogger(f.Verbose)
	if f.SlowProb > 0 {
		log.Info().Float64("slow_prob", f.SlowProb).Msg("expected slow-worker routing probability")
	}

	dist, err := workload.ParseDistribution(f.Distribution)
	if err != nil {
		return configErr("%v", err)
	}
	wl := workload.DefaultConfig()
	wl.Distribution = dist
	wl.ParetoAlpha = f.ParetoAlpha
	wl.ServiceTimeMinUS = f.ServiceMinUS
	wl.DeadlineMultiplier = f.DeadlineMultiplier

	// One context per sender thread: each gets its own endpoint (the
	// transport is single-threaded per endpoint) and a generator seeded
	// with base + thread index so no two threads draw correlated samples.
	contexts := make([]*client.Context, f.Threads)
	perThreadRPS := f.TargetRPS / uint64(f.Threads)
	for i := 0; i < f.Threads; i++ {
		cfg := client.Config{
			ClientID:      f.ID,
			ListenURI:     "127.0.0.1:0",
			LBAddr:        f.LBAddr,
			TargetRPS:     perThreadRPS,
			Duration:      f.Duration,
			Warmup:        f.Warmup,
			MaxInflight:   f.MaxInflight,
			Workload:      wl,
			GeneratorSeed: uint64(f.ID)*1000 + uint64(i),
		}
		if i == 0 {
			cfg.OutputDir = f.Output
		}
		ctx, err := client.New(cfg, log.With().Int("thread", i).Logger())
		if err != nil {
			return transportErr(err)
		}
		contexts[i] = ctx
	}

	prom := metrics.NewProm("client")
	for _, ctx := range contexts {
		ctx.Metrics().SetProm(prom)
	}
	serveMetrics(f.MetricsAddr, prom.Handler(), log)
	go func() {
		for range time.Tick(time.Second) {
			var inflight int64
			for _, ctx := range contexts {
				inflight += ctx.Inflight()
			}
			prom.Inflight.Set(float64(inflight))
			prom.CurrentRPS.Set(contexts[0].Snapshot().ActualRPS)
		}
	}()

	var g errgroup.Group
	for _, ctx := range contexts {
		if err := ctx.Connect(); err != nil {
			return transportErr(err)
		}
		ctx := ctx
		g.Go(func() error {
			ctx.Run()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	sigDone := make(chan struct{})
	go func() {
		waitForSignal()
		close(sigDone)
	}()
	select {
	case <-done:
	case <-sigDone:
		for _, ctx := range contexts {
			ctx.Stop()
		}
		g.Wait()
	}
	for _, ctx := range contexts {
		ctx.Close()
	}
	return nil
}
