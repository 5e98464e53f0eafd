// Package client implements the workload client: a single-threaded main
// loop that drives the transport pump and paces request emission toward a
// fixed per-request interval, under a hard in-flight cap.
//
// Deadline accounting is client-clock-authoritative: every sent request's
// slot stores the deadline the generator produced, and on response the
// receive time is compared against that record, never against anything the
// LB echoed, so cross-node clock skew cannot manufacture or hide misses.
package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ricardo3319/Microsec/internal/hist"
	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/transport"
	"github.com/Ricardo3319/Microsec/internal/wire"
	"github.com/Ricardo3319/Microsec/internal/workload"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// DefaultMaxInflight is the hard cap on in-flight requests.
const DefaultMaxInflight = 64

// progressInterval spaces the progress log lines.
const progressInterval = 5 * time.Second

// Config parametrises one client node.
type Config struct {
	ClientID  uint8  `yaml:"client_id"`
	ListenURI string `yaml:"listen_uri"`
	LBAddr    string `yaml:"lb_addr"`

	TargetRPS   uint64        `yaml:"target_rps"`
	Duration    time.Duration `yaml:"duration"`
	Warmup      time.Duration `yaml:"warmup"`
	MaxInflight int           `yaml:"max_inflight"`
	BufferPool  int           `yaml:"buffer_pool_size"`

	Workload workload.Config `yaml:"workload"`

	// GeneratorSeed keeps per-thread request streams disjoint:
	// base + thread_index by convention.
	GeneratorSeed uint64 `yaml:"generator_seed"`

	OutputDir string `yaml:"output_dir"`
}

// slot is the per-request bookkeeping for one buffer-pool slot.
type slot struct {
	reqBuf   *transport.MsgBuffer
	respBuf  *transport.MsgBuffer
	deadline types.Timestamp // client clock domain
	sendTime types.Timestamp
}

// Stats is a point-in-time digest of the client's run.
type Stats struct {
	TotalSent      uint64
	Completed      uint64
	DeadlineMisses uint64
	ActualRPS      float64
	P50LatencyUS   float64
	P99LatencyUS   float64
	P999LatencyUS  float64
}

// Context is the client runtime.
type Context struct {
	cfg Config
	log zerolog.Logger

	ep        *transport.Endpoint
	lbSession int

	gen   *workload.Generator
	slots []slot

	metrics    *metrics.Collector
	throughput *hist.ThroughputCounter

	running   atomic.Bool
	inWarmup  atomic.Bool
	inflight  atomic.Int64
	sent      atomic.Uint64
	completed atomic.Uint64

	startTime types.Timestamp
}

// New builds the client context, binds its endpoint and allocates the
// buffer pool slots.
func New(cfg Config, log zerolog.Logger) (*Context, error) {
	if cfg.MaxInflight < 0 {
		cfg.MaxInflight = 0
	}
	if cfg.MaxInflight == 0 && cfg.BufferPool == 0 {
		cfg.BufferPool = 1 // still need slots for the zero-cap boundary case
	}
	if cfg.BufferPool <= 0 {
		cfg.BufferPool = 1024
	}

	ep, err := transport.NewEndpoint(cfg.ListenURI)
	if err != nil {
		return nil, err
	}
	c := &Context{
		cfg:        cfg,
		log:        log.With().Str("node", "client").Uint8("client_id", cfg.ClientID).Logger(),
		ep:         ep,
		gen:        workload.New(cfg.Workload, cfg.ClientID, cfg.GeneratorSeed),
		slots:      make([]slot, cfg.BufferPool),
		metrics:    metrics.NewCollector(),
		throughput: hist.NewThroughputCounter(),
	}
	for i := range c.slots {
		c.slots[i].reqBuf = ep.Pool().Alloc(wire.ClientRequestSize)
		c.slots[i].respBuf = ep.Pool().Alloc(wire.ClientResponseSize)
	}
	return c, nil
}

// Metrics exposes the client's collector.
func (c *Context) Metrics() *metrics.Collector { return c.metrics }

// Connect dials the LB and pumps until the session is up.
func (c *Context) Connect() error {
	c.lbSession = c.ep.CreateSession(c.cfg.LBAddr)
	for !c.ep.IsConnected(c.lbSession) {
		if c.ep.SessionFailed(c.lbSession) {
			return fmt.Errorf("client %d: connect to lb %s failed", c.cfg.ClientID, c.cfg.LBAddr)
		}
		c.ep.PumpOnce()
		time.Sleep(100 * time.Microsecond)
	}
	c.log.Info().Str("lb", c.cfg.LBAddr).Msg("connected")
	return nil
}

// Run drives the pump-and-send loop until the experiment duration elapses
// or Stop is called. The calling goroutine is the I/O thread.
func (c *Context) Run() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.inWarmup.Store(c.cfg.Warmup > 0)
	c.startTime = types.NowNS()
	warmupEnd := c.startTime + types.Timestamp(c.cfg.Warmup.Nanoseconds())
	endTime := c.startTime + types.Timestamp((c.cfg.Warmup + c.cfg.Duration).Nanoseconds())

	interval := c.interval()
	nextSend := types.NowNS()
	lastReport := c.startTime

	c.log.Info().
		Uint64("target_rps", c.cfg.TargetRPS).
		Dur("warmup", c.cfg.Warmup).
		Dur("duration", c.cfg.Duration).
		Msg("client running")

	for c.running.Load() {
		now := types.NowNS()
		if c.cfg.Duration > 0 && now >= endTime {
			break
		}

		c.ep.PumpOnce()

		if c.inWarmup.Load() && now >= warmupEnd {
			c.inWarmup.Store(false)
			c.metrics.Reset()
			c.log.Info().Msg("warmup complete; measurement started")
		}

		if now-lastReport >= types.Timestamp(progressInterval.Nanoseconds()) {
			s := c.Snapshot()
			c.log.Info().
				Uint64("sent", s.TotalSent).
				Uint64("completed", s.Completed).
				Int64("inflight", c.inflight.Load()).
				Float64("rps", s.ActualRPS).
				Float64("p99_us", s.P99LatencyUS).
				Msg("progress")
			lastReport = now
		}

		// Admission control: the hard cap and the buffer pool both gate
		// the send; a blocked send is deferred, never dropped.
		if now >= nextSend &&
			c.inflight.Load() < int64(c.cfg.MaxInflight) &&
			c.inflight.Load() < int64(len(c.slots)) {
			c.sendOne(now)
			nextSend += interval
			if nextSend < now {
				nextSend = now // no accumulated backlog
			}
		}
	}
	c.running.Store(false)

	s := c.Snapshot()
	c.log.Info().
		Uint64("total", s.TotalSent).
		Uint64("completed", s.Completed).
		Uint64("deadline_misses", s.DeadlineMisses).
		Float64("rps", s.ActualRPS).
		Float64("p50_us", s.P50LatencyUS).
		Float64("p99_us", s.P99LatencyUS).
		Float64("p999_us", s.P999LatencyUS).
		Msg("experiment complete")

	if c.cfg.OutputDir != "" {
		if err := c.metrics.ExportAll(c.cfg.OutputDir); err != nil {
			c.log.Error().Err(err).Msg("metrics export failed")
		}
	}
}

// Stop ends the run loop. Late responses are dropped with the endpoint.
func (c *Context) Stop() {
	c.running.Store(false)
}

// Close releases the endpoint. Call after Run returns.
func (c *Context) Close() {
	for i := range c.slots {
		c.ep.Pool().Free(c.slots[i].reqBuf)
		c.ep.Pool().Free(c.slots[i].respBuf)
		c.slots[i].reqBuf, c.slots[i].respBuf = nil, nil
	}
	c.ep.Close()
}

// interval converts the RPS target into the pacing interval. A zero target
// saturates to one request per millisecond.
func (c *Context) interval() types.Timestamp {
	if c.cfg.TargetRPS == 0 {
		return types.Timestamp(time.Millisecond.Nanoseconds())
	}
	return types.Timestamp(uint64(time.Second.Nanoseconds()) / c.cfg.TargetRPS)
}

func (c *Context) sendOne(now types.Timestamp) {
	req := c.gen.Next(now)
	idx := int(req.RequestID) % len(c.slots)

	s := &c.slots[idx]
	s.deadline = req.Deadline
	s.sendTime = req.ClientSendTime

	creq := wire.ClientRequest{
		RequestID:         req.RequestID,
		ClientSendTime:    req.ClientSendTime,
		Deadline:          req.Deadline,
		ServiceTimeHintUS: req.ServiceTimeHintUS,
		ClientID:          req.ClientID,
		RequestType:       uint8(req.Type),
		PayloadSize:       req.PayloadSize,
	}
	s.reqBuf.Resize(wire.ClientRequestSize)
	if err := creq.Encode(s.reqBuf.Bytes()); err != nil {
		c.log.Error().Err(err).Uint64("request_id", req.RequestID).Msg("request encode failed")
		return
	}

	c.inflight.Add(1)
	if err := c.ep.EnqueueRequest(c.lbSession, wire.ReqClientToLB, s.reqBuf, s.respBuf, c.onResponse, idx); err != nil {
		c.inflight.Add(-1)
		c.log.Error().Err(err).Uint64("request_id", req.RequestID).Msg("send failed")
		return
	}
	c.sent.Add(1)
}

// onResponse fires on the pump thread for each LB reply.
func (c *Context) onResponse(tag any) {
	recvTime := types.NowNS()
	idx := tag.(int)
	s := &c.slots[idx]

	c.inflight.Add(-1)
	c.completed.Add(1)
	c.throughput.Record()

	var resp wire.ClientResponse
	if err := resp.Decode(s.respBuf.Bytes()); err != nil {
		// Zero-length replies mark requests the LB had to drop.
		c.log.Debug().Int("slot", idx).Msg("empty or undecodable reply")
		return
	}

	if !c.inWarmup.Load() {
		c.metrics.RecordLatency(int64(recvTime - s.sendTime))
		// The client's own recorded deadline decides the miss, in the
		// client clock domain; resp.DeadlineMet is advisory only.
		if recvTime > s.deadline {
			c.metrics.RecordDeadlineMiss()
		}
	}
}

// Snapshot builds the running Stats digest.
func (c *Context) Snapshot() Stats {
	elapsed := types.NowNS() - c.startTime
	rps := 0.0
	if elapsed > 0 {
		rps = float64(c.completed.Load()) * 1e9 / float64(elapsed)
	}
	return Stats{
		TotalSent:      c.sent.Load(),
		Completed:      c.completed.Load(),
		DeadlineMisses: c.metrics.DeadlineMisses(),
		ActualRPS:      rps,
		P50LatencyUS:   float64(c.metrics.Percentile(50)) / 1000.0,
		P99LatencyUS:   float64(c.metrics.Percentile(99)) / 1000.0,
		P999LatencyUS:  float64(c.metrics.Percentile(99.9)) / 1000.0,
	}
}

// Sent returns the number of requests sent.
func (c *Context) Sent() uint64 { return c.sent.Load() }

// Completed returns the number of responses received.
func (c *Context) Completed() uint64 { return c.completed.Load() }

// Inflight returns the current in-flight count.
func (c *Context) Inflight() int64 { return c.inflight.Load() }
