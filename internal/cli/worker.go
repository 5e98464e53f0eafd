package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/transport"
	"github.com/Ricardo3319/Microsec/internal/worker"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Slow-mode defaults: the heterogeneity knob the experiment turns.
const (
	slowModeCapacity = 0.2
	slowModeDelay    = 500 * time.Microsecond
)

// workerFlags is the worker binary's flag surface.
type workerFlags struct {
	ConfigFile string

	ID      uint8  `yaml:"id"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
	Subnet  string `yaml:"subnet"`
	Threads int    `yaml:"threads"`

	Mode      string        `yaml:"mode"`
	Scheduler string        `yaml:"scheduler"`
	Capacity  float64       `yaml:"capacity"`
	Delay     time.Duration `yaml:"delay"`

	Output      string `yaml:"output"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// BuildWorkerCommand constructs the worker binary's root command.
func BuildWorkerCommand() *cobra.Command {
	var f workerFlags

	cmd := &cobra.Command{
		Use:   "dispatch-worker",
		Short: "Request-executing worker node",
		Long: `dispatch-worker executes forwarded requests under a local scheduling
discipline, simulating service time on a pool of compute threads while a
dedicated I/O thread keeps the transport pump running.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadYAML(f.ConfigFile, &f); err != nil {
				return err
			}
			return runWorker(&f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.ConfigFile, "config", "c", "", "YAML config file")
	fl.Uint8Var(&f.ID, "id", 0, "worker id")
	fl.IntVar(&f.Port, "port", 31850, "listen port")
	fl.StringVar(&f.Host, "host", "", "bind address (default: auto-select on subnet)")
	fl.StringVar(&f.Subnet, "subnet", transport.DefaultSubnetPrefix, "experiment subnet prefix for IP auto-selection")
	fl.IntVar(&f.Threads, "threads", 4, "compute threads")
	fl.StringVar(&f.Mode, "mode", "fast", "worker speed class (fast|slow)")
	fl.StringVar(&f.Scheduler, "scheduler", string(types.SchedFCFS), "local queue discipline (fcfs|edf)")
	fl.Float64Var(&f.Capacity, "capacity", 0, "capacity factor in (0, 1]; 0 takes the mode default")
	fl.DurationVar(&f.Delay, "delay", 0, "artificial post-service delay; 0 takes the mode default")
	fl.StringVar(&f.Output, "output", "", "metrics output directory")
	fl.StringVar(&f.MetricsAddr, "metrics_addr", "", "Prometheus scrape address (host:port)")
	fl.BoolVar(&f.Verbose, "verbose", false, "debug logging")

	return cmd
}

func runWorker(f *workerFlags) error {
	log := newLogger(f.Verbose)

	sched, err := types.ParseLocalScheduler(f.Scheduler)
	if err != nil {
		return configErr("%v", err)
	}

	capacity := f.Capacity
	delay := f.Delay
	switch f.Mode {
	case "fast":
		if capacity == 0 {
			capacity = 1.0
		}
	case "slow":
		if capacity == 0 {
			capacity = slowModeCapacity
		}
		if delay == 0 {
			delay = slowModeDelay
		}
	default:
		return configErr("unknown worker mode %q", f.Mode)
	}
	if capacity <= 0 || capacity > 1 {
		return configErr("--capacity %g is not in (0, 1]", capacity)
	}

	listenURI, err := resolveListenURI(f.Host, f.Subnet, f.Port)
	if err != nil {
		return err
	}

	ctx, err := worker.New(worker.Config{
		WorkerID:        f.ID,
		ListenURI:       listenURI,
		NumCompute:      f.Threads,
		Scheduler:       sched,
		CapacityFactor:  capacity,
		ArtificialDelay: delay,
		OutputDir:       f.Output,
	}, log)
	if err != nil {
		return transportErr(err)
	}

	prom := metrics.NewProm("worker")
	ctx.Metrics().SetProm(prom)
	serveMetrics(f.MetricsAddr, prom.Handler(), log)
	go func() {
		for range time.Tick(time.Second) {
			prom.QueueLength.Set(float64(ctx.QueueLength()))
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
