// Package workload produces the request stream the experiment is driven
// by: service times drawn from a parametrised heavy-tailed distribution,
// request types by piecewise-uniform choice, and deadlines derived from the
// drawn service time.
//
// Generators are deterministic: the same seed and config yield the exact
// same sequence of (type, service_us, deadline offset, payload size). Each
// sender thread owns its own generator with a disjoint seed so no two
// threads ever draw correlated samples.
package workload

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Distribution names the service-time law.
type Distribution string

const (
	Pareto    Distribution = "pareto"
	Lognormal Distribution = "lognormal"
	Bimodal   Distribution = "bimodal"
	Uniform   Distribution = "uniform"
)

// ParseDistribution validates a distribution name.
func ParseDistribution(s string) (Distribution, error) {
	switch Distribution(s) {
	case Pareto, Lognormal, Bimodal, Uniform:
		return Distribution(s), nil
	}
	return "", fmt.Errorf("unknown workload distribution %q", s)
}

// Config parametrises a Generator.
type Config struct {
	Distribution Distribution `yaml:"distribution"`

	// Pareto shape and scale. Alpha <= 2 gives infinite population
	// variance; that regime is the point of the experiment.
	ParetoAlpha      float64 `yaml:"pareto_alpha"`
	ServiceTimeMinUS float64 `yaml:"service_time_min_us"`

	// Lognormal parameters.
	LognormalMu    float64 `yaml:"lognormal_mu"`
	LognormalSigma float64 `yaml:"lognormal_sigma"`

	// Bimodal: p_light of a tight normal around LightMeanUS, else a
	// normal around HeavyMeanUS.
	BimodalPLight      float64 `yaml:"bimodal_p_light"`
	BimodalLightMeanUS float64 `yaml:"bimodal_light_mean_us"`
	BimodalHeavyMeanUS float64 `yaml:"bimodal_heavy_mean_us"`

	// Deadline: sendTime + service*DeadlineMultiplier, unless
	// FixedDeadlineUS is non-zero.
	DeadlineMultiplier float64 `yaml:"deadline_multiplier"`
	FixedDeadlineUS    uint64  `yaml:"fixed_deadline_us"`

	// Request-type mix; the residual probability is Compute.
	PGet  float64 `yaml:"p_get"`
	PPut  float64 `yaml:"p_put"`
	PScan float64 `yaml:"p_scan"`
}

// DefaultConfig matches the reference experiment setup.
func DefaultConfig() Config {
	return Config{
		Distribution:       Pareto,
		ParetoAlpha:        1.2,
		ServiceTimeMinUS:   10,
		LognormalMu:        2.3,
		LognormalSigma:     1.0,
		BimodalPLight:      0.9,
		BimodalLightMeanUS: 10,
		BimodalHeavyMeanUS: 1000,
		DeadlineMultiplier: 5.0,
		PGet:               0.7,
		PPut:               0.2,
		PScan:              0.05,
	}
}

// Generator emits a lazy infinite request sequence. Not safe for
// concurrent use; give each thread its own instance with
// seed = base + threadIndex.
type Generator struct {
	cfg      Config
	clientID uint8
	rng      *rand.Rand

	lognormal distuv.LogNormal
	light     distuv.Normal
	heavy     distuv.Normal

	nextID uint64
}

// New builds a generator. All distribution state is allocated here; Next
// does not allocate.
func New(cfg Config, clientID uint8, seed uint64) *Generator {
	src := rand.NewSource(seed)
	rng := rand.New(src)
	return &Generator{
		cfg:      cfg,
		clientID: clientID,
		rng:      rng,
		lognormal: distuv.LogNormal{
			Mu:    cfg.LognormalMu,
			Sigma: cfg.LognormalSigma,
			Src:   src,
		},
		light: distuv.Normal{
			Mu:    cfg.BimodalLightMeanUS,
			Sigma: cfg.BimodalLightMeanUS * 0.1,
			Src:   src,
		},
		heavy: distuv.Normal{
			Mu:    cfg.BimodalHeavyMeanUS,
			Sigma: cfg.BimodalHeavyMeanUS * 0.2,
			Src:   src,
		},
	}
}

// Next draws one request stamped with sendTime. Request ids are monotonic
// per generator.
func (g *Generator) Next(sendTime types.Timestamp) types.Request {
	id := g.nextID
	g.nextID++

	reqType := g.drawType()
	serviceUS := g.drawServiceUS()
	payload := uint16(64 + g.rng.Intn(256))

	var deadline types.Timestamp
	if g.cfg.FixedDeadlineUS > 0 {
		deadline = sendTime + types.USToNS(g.cfg.FixedDeadlineUS)
	} else {
		deadline = sendTime + types.USToNS(uint64(serviceUS*g.cfg.DeadlineMultiplier))
	}

	return types.Request{
		RequestID:         id,
		ClientSendTime:    sendTime,
		Deadline:          deadline,
		ServiceTimeHintUS: uint32(serviceUS),
		Type:              reqType,
		ClientID:          g.clientID,
		PayloadSize:       payload,
	}
}

func (g *Generator) drawType() types.RequestType {
	r := g.rng.Float64()
	switch {
	case r < g.cfg.PGet:
		return types.Get
	case r < g.cfg.PGet+g.cfg.PPut:
		return types.Put
	case r < g.cfg.PGet+g.cfg.PPut+g.cfg.PScan:
		return types.Scan
	}
	return types.Compute
}

// drawServiceUS samples the service time in microseconds, clamped below at
// the configured minimum.
func (g *Generator) drawServiceUS() float64 {
	var v float64
	switch g.cfg.Distribution {
	case Pareto:
		// Inverse-CDF sampling: x = x_min / u^(1/alpha).
		u := g.rng.Float64()
		for u == 0 {
			u = g.rng.Float64()
		}
		v = g.cfg.ServiceTimeMinUS / math.Pow(u, 1.0/g.cfg.ParetoAlpha)
	case Lognormal:
		v = g.lognormal.Rand()
	case Bimodal:
		if g.rng.Float64() < g.cfg.BimodalPLight {
			v = g.light.Rand()
		} else {
			v = g.heavy.Rand()
		}
	case Uniform:
		v = g.cfg.ServiceTimeMinUS * (1.0 + g.rng.Float64())
	default:
		v = g.cfg.ServiceTimeMinUS
	}
	if v < g.cfg.ServiceTimeMinUS {
		v = g.cfg.ServiceTimeMinUS
	}
	return v
}

// TheoreticalMean is the population mean of the configured Pareto law.
func (g *Generator) TheoreticalMean() float64 {
	return types.ParetoTheoreticalMean(g.cfg.ParetoAlpha, g.cfg.ServiceTimeMinUS)
}

// TheoreticalVariance is the population variance of the configured Pareto
// law; +Inf when alpha <= 2.
func (g *Generator) TheoreticalVariance() float64 {
	return types.ParetoTheoreticalVariance(g.cfg.ParetoAlpha, g.cfg.ServiceTimeMinUS)
}
