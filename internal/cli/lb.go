package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ricardo3319/Microsec/internal/lb"
	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/transport"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// lbFlags is the load-balancer binary's flag surface.
type lbFlags struct {
	ConfigFile string

	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	Subnet    string `yaml:"subnet"`
	Workers   string `yaml:"workers"`
	Algorithm string `yaml:"algorithm"`
	Model     string `yaml:"model"`
	Threads   int    `yaml:"threads"`

	Capacities  string `yaml:"capacities"`
	Output      string `yaml:"output"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// BuildLBCommand constructs the load-balancer binary's root command.
func BuildLBCommand() *cobra.Command {
	var f lbFlags

	cmd := &cobra.Command{
		Use:   "dispatch-lb",
		Short: "Per-request dispatching load balancer",
		Long: `dispatch-lb receives deadline-carrying requests, selects a target
worker per request using the configured dispatch policy, and fans worker
responses back to the originating clients.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadYAML(f.ConfigFile, &f); err != nil {
				return err
			}
			if f.Workers == "" {
				return configErr("--workers is required")
			}
			return runLB(&f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.ConfigFile, "config", "c", "", "YAML config file")
	fl.IntVar(&f.Port, "port", 31860, "listen port")
	fl.StringVar(&f.Host, "host", "", "bind address (default: auto-select on subnet)")
	fl.StringVar(&f.Subnet, "subnet", transport.DefaultSubnetPrefix, "experiment subnet prefix for IP auto-selection")
	fl.StringVar(&f.Workers, "workers", "", "comma-separated worker addresses")
	fl.StringVar(&f.Algorithm, "algorithm", string(types.PolicyPo2), "dispatch policy (po2|malcolm|malcolm_strict)")
	fl.StringVar(&f.Model, "model", "", "scoring model path for malcolm_strict")
	fl.IntVar(&f.Threads, "threads", 1, "accepted for symmetry; the event loop is single-threaded")
	fl.StringVar(&f.Capacities, "capacities", "", "comma-separated per-worker capacity factors")
	fl.StringVar(&f.Output, "output", "", "metrics output directory")
	fl.StringVar(&f.MetricsAddr, "metrics_addr", "", "Prometheus scrape address (host:port)")
	fl.BoolVar(&f.Verbose, "verbose", false, "debug logging")

	return cmd
}

func runLB(f *lbFlags) error {
	log := newLogger(f.Verbose)

	algo, err := types.ParsePolicyKind(f.Algorithm)
	if err != nil {
		return configErr("%v", err)
	}
	workers := splitNonEmpty(f.Workers)
	if len(workers) == 0 {
		return configErr("--workers must name at least one worker")
	}
	capacities, err := parseCapacities(f.Capacities, len(workers))
	if err != nil {
		return err
	}

	listenURI, err := resolveListenURI(f.Host, f.Subnet, f.Port)
	if err != nil {
		return err
	}

	ctx, err := lb.New(lb.Config{
		ListenURI:        listenURI,
		Workers:          workers,
		Algorithm:        algo,
		ModelPath:        f.Model,
		WorkerCapacities: capacities,
		OutputDir:        f.Output,
	}, log)
	if err != nil {
		return transportErr(err)
	}
	if err := ctx.Connect(); err != nil {
		return transportErr(err)
	}

	prom := metrics.NewProm("lb")
	ctx.Metrics().SetProm(prom)
	serveMetrics(f.MetricsAddr, prom.Handler(), log)
	go func() {
		for range time.Tick(time.Second) {
			prom.QueueLength.Set(float64(ctx.PendingCount()))
		}
	}()

	go func() {
		waitForSignal()
		ctx.Stop()
	}()
	ctx.Run()
	ctx.Stop()
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCapacities(s string, n int) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := splitNonEmpty(s)
	if len(parts) != n {
		return nil, configErr("--capacities names %d factors for %d workers", len(parts), n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v <= 0 || v > 1 {
			return nil, configErr("--capacities entry %q is not in (0, 1]", p)
		}
		out[i] = v
	}
	return out, nil
}
