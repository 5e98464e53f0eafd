// Package worker implements the worker node: a transport-pumping I/O
// thread, a local admission queue, a pool of compute threads that simulate
// service time, and a completion queue handing finished tasks back to the
// I/O thread for response emission.
//
// The split exists because the transport endpoint is single-threaded:
// compute stalls must never stall network I/O, and no compute thread ever
// touches the endpoint. The handler constructs a Task and pushes it onto
// the admission queue; compute threads pop per the local discipline, burn
// the adjusted service time, and push the completed Task onto the
// completion queue; the I/O thread drains a bounded batch of completions
// per pump iteration and issues the responses.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ricardo3319/Microsec/internal/hist"
	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/queue"
	"github.com/Ricardo3319/Microsec/internal/transport"
	"github.com/Ricardo3319/Microsec/internal/wire"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// completionBatch bounds how many responses one pump iteration emits.
const completionBatch = 32

// idleSleep is the compute thread's poll interval on an empty queue; it
// bounds wake latency without spinning a core.
const idleSleep = time.Microsecond

// Config parametrises one worker node.
type Config struct {
	WorkerID   uint8  `yaml:"worker_id"`
	ListenURI  string `yaml:"listen_uri"`
	NumCompute int    `yaml:"num_compute_threads"`

	Scheduler types.LocalScheduler `yaml:"scheduler"`

	// Heterogeneity knobs: CapacityFactor < 1 stretches service times and
	// ArtificialDelay adds a fixed post-service stall.
	CapacityFactor  float64       `yaml:"capacity_factor"`
	ArtificialDelay time.Duration `yaml:"artificial_delay"`

	OutputDir string `yaml:"output_dir"`
}

// Context is the worker runtime.
type Context struct {
	cfg Config
	log zerolog.Logger

	ep        *transport.Endpoint
	taskQueue queue.Local
	completed chan *types.Task

	sim *Simulator

	metrics    *metrics.Collector
	throughput *hist.ThroughputCounter

	running        atomic.Bool
	active         atomic.Int64
	completedCount atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds the worker context and binds its endpoint. Transport binding
// failures are fatal for the node.
func New(cfg Config, log zerolog.Logger) (*Context, error) {
	if cfg.NumCompute <= 0 {
		cfg.NumCompute = 1
	}
	if cfg.CapacityFactor <= 0 || cfg.CapacityFactor > 1 {
		cfg.CapacityFactor = 1
	}
	ep, err := transport.NewEndpoint(cfg.ListenURI)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", cfg.WorkerID, err)
	}
	w := &Context{
		cfg:        cfg,
		log:        log.With().Str("node", "worker").Uint8("worker_id", cfg.WorkerID).Logger(),
		ep:         ep,
		taskQueue:  queue.ForScheduler(cfg.Scheduler),
		completed:  make(chan *types.Task, 4096),
		sim:        NewSimulator(cfg.CapacityFactor, cfg.ArtificialDelay),
		metrics:    metrics.NewCollector(),
		throughput: hist.NewThroughputCounter(),
	}
	ep.RegisterHandler(wire.ReqLBToWorker, w.handleRequest)
	ep.RegisterHandler(wire.ReqStateUpdate, w.handleStateQuery)
	return w, nil
}

// Metrics exposes the worker's collector.
func (w *Context) Metrics() *metrics.Collector { return w.metrics }

// QueueLength returns the admission queue depth.
func (w *Context) QueueLength() int { return w.taskQueue.Len() }

// ListenURI returns the bound transport address.
func (w *Context) ListenURI() string { return w.ep.LocalURI() }

// Run starts the compute pool and pumps the transport until Stop. The
// calling goroutine is the I/O thread; nothing else touches the endpoint.
func (w *Context) Run() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.log.Info().
		Int("compute_threads", w.cfg.NumCompute).
		Str("scheduler", string(w.cfg.Scheduler)).
		Float64("capacity_factor", w.cfg.CapacityFactor).
		Msg("worker running")

	for i := 0; i < w.cfg.NumCompute; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.computeLoop(id)
		}(i)
	}

	for w.running.Load() {
		if w.ep.PumpOnce() == 0 {
			time.Sleep(10 * time.Microsecond)
		}
		w.drainCompletions()
	}
}

// Stop halts all loops, joins the compute pool and exports metrics.
// Idempotent.
func (w *Context) Stop() {
	w.stopOnce.Do(func() {
		w.running.Store(false)
		w.wg.Wait()
		w.ep.Close()
		if w.cfg.OutputDir != "" {
			if err := w.metrics.ExportAll(w.cfg.OutputDir); err != nil {
				w.log.Error().Err(err).Msg("metrics export failed")
			}
		}
		w.log.Info().Uint64("completed", w.completedCount.Load()).Msg("worker stopped")
	})
}

// handleRequest runs on the I/O thread: decode, build the Task, enqueue.
func (w *Context) handleRequest(h *transport.ReqHandle) {
	now := types.NowNS()
	var req wire.WorkerRequest
	if err := req.Decode(h.Req.Bytes()); err != nil {
		w.log.Error().Err(err).Msg("dropping undecodable request")
		h.PreResp.Resize(0)
		w.ep.EnqueueResponse(h, h.PreResp)
		return
	}
	task := &types.Task{
		RequestID:         req.RequestID,
		ClientSendTime:    req.ClientSendTime,
		Deadline:          req.Deadline,
		ServiceTimeHintUS: req.ServiceTimeHintUS,
		Type:              types.RequestType(req.RequestType),
		PayloadSize:       req.PayloadSize,
		ArrivalTime:       now,
		RequestHandle:     h,
	}
	w.taskQueue.Push(task)
	w.active.Add(1)
}

// handleStateQuery serves the optional Worker->LB state snapshot.
func (w *Context) handleStateQuery(h *transport.ReqHandle) {
	upd := w.StateSnapshot()
	h.PreResp.Resize(wire.StateUpdateSize)
	if err := upd.Encode(h.PreResp.Bytes()); err != nil {
		w.log.Error().Err(err).Msg("state snapshot encode failed")
		h.PreResp.Resize(0)
	}
	w.ep.EnqueueResponse(h, h.PreResp)
}

// StateSnapshot captures the wire-format state update for this worker.
func (w *Context) StateSnapshot() wire.StateUpdate {
	upd := wire.StateUpdate{
		QueueLength:       uint16(min(w.taskQueue.Len(), 1<<16-1)),
		ActiveRequests:    uint16(min(int(w.active.Load()), 1<<16-1)),
		CompletedRequests: uint32(w.completedCount.Load()),
		WorkerID:          w.cfg.WorkerID,
		IsHealthy:         1,
	}
	if sh, ok := w.taskQueue.(queue.SlackHistogrammer); ok {
		upd.SlackHistogram = sh.SlackHistogram(types.NowNS())
	}
	return upd
}

// computeLoop is one compute thread: pop, simulate, record, hand back.
func (w *Context) computeLoop(id int) {
	for w.running.Load() {
		task, ok := w.taskQueue.TryPop()
		if !ok {
			time.Sleep(idleSleep)
			continue
		}

		start := types.NowNS()
		task.QueueTime = start - task.ArrivalTime

		hint := task.ServiceTimeHintUS
		if hint == 0 {
			hint = 10
		}
		task.ActualServiceTime = w.sim.Process(task.Type, hint)
		task.WorkerDoneTime = types.NowNS()

		w.metrics.RecordLatency(int64(task.WorkerDoneTime - task.ArrivalTime))
		if task.WorkerDoneTime > task.Deadline {
			w.metrics.RecordDeadlineMiss()
		}
		w.throughput.Record()

		w.handOff(task)
		w.active.Add(-1)
		w.completedCount.Add(1)
	}
}

// handOff queues a finished task for the I/O thread. On a full completion
// queue it waits while the worker is running; at shutdown the task is
// dropped rather than deadlocking the join (late responses are dropped by
// contract anyway).
func (w *Context) handOff(task *types.Task) {
	for {
		select {
		case w.completed <- task:
			return
		default:
		}
		if !w.running.Load() {
			return
		}
		time.Sleep(idleSleep)
	}
}

// BufferOutstanding reports the transport pool's alloc/free imbalance;
// zero once all traffic has drained.
func (w *Context) BufferOutstanding() int64 {
	return w.ep.Pool().Outstanding()
}

// drainCompletions runs on the I/O thread and issues up to
// completionBatch responses per call.
func (w *Context) drainCompletions() {
	for i := 0; i < completionBatch; i++ {
		select {
		case task := <-w.completed:
			w.respond(task)
		default:
			return
		}
	}
}

func (w *Context) respond(task *types.Task) {
	h, ok := task.RequestHandle.(*transport.ReqHandle)
	if !ok || h == nil {
		return
	}
	resp := wire.WorkerResponse{
		RequestID:      task.RequestID,
		WorkerRecvTime: task.ArrivalTime,
		WorkerDoneTime: task.WorkerDoneTime,
		QueueTimeNS:    uint64(task.QueueTime),
		ServiceTimeUS:  uint32(types.NSToUS(task.ActualServiceTime)),
		QueueLength:    uint16(min(w.taskQueue.Len(), 1<<16-1)),
		WorkerID:       w.cfg.WorkerID,
		Success:        1,
	}
	h.PreResp.Resize(wire.WorkerResponseSize)
	if err := resp.Encode(h.PreResp.Bytes()); err != nil {
		w.log.Error().Err(err).Uint64("request_id", task.RequestID).Msg("response encode failed")
		h.PreResp.Resize(0)
	}
	w.ep.EnqueueResponse(h, h.PreResp)
}
