// Package lb implements the load balancer: it receives client requests on
// its transport pump, consults the configured dispatch policy over a
// consistent worker-state snapshot, forwards to the chosen worker with a
// per-request continuation, and on the worker's response updates state and
// metrics and replies to the originating client.
//
// The worker-state vector is owned here: dispatch policies read a snapshot
// taken under the state lock; the dispatch path, the response path, the
// state-update ticker and ApplyStateUpdate write it, all under that lock.
// The pending table has its own lock. All transport
// calls stay on the pump goroutine.
package lb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ricardo3319/Microsec/internal/hist"
	"github.com/Ricardo3319/Microsec/internal/metrics"
	"github.com/Ricardo3319/Microsec/internal/policy"
	"github.com/Ricardo3319/Microsec/internal/transport"
	"github.com/Ricardo3319/Microsec/internal/wire"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// loadDecayFactor shrinks idle workers' load EMA each state tick so a
// skewed traffic pattern lets them regain low load scores.
const loadDecayFactor = 0.99

// DefaultStateUpdateInterval is the state-ticker period.
const DefaultStateUpdateInterval = 100 * time.Microsecond

// Config parametrises the load balancer.
type Config struct {
	ListenURI string   `yaml:"listen_uri"`
	Workers   []string `yaml:"workers"`

	Algorithm types.PolicyKind `yaml:"algorithm"`
	ModelPath string           `yaml:"model_path"`

	StateUpdateInterval time.Duration `yaml:"state_update_interval"`

	// WorkerCapacities optionally seeds per-worker capacity factors for
	// heterogeneity-aware policies; defaults to 1.0 each.
	WorkerCapacities []float64 `yaml:"worker_capacities"`

	OutputDir string `yaml:"output_dir"`
}

// continuation carries one forwarded request across the worker round trip.
type continuation struct {
	clientHandle *transport.ReqHandle
	reqBuf       *transport.MsgBuffer
	respBuf      *transport.MsgBuffer
	lbRecvTime   types.Timestamp
	dispatchTime types.Timestamp
}

// Context is the LB runtime.
type Context struct {
	cfg Config
	log zerolog.Logger

	ep       *transport.Endpoint
	sessions []int

	pol policy.Policy

	stateMu sync.Mutex
	states  []types.WorkerState

	pendingMu sync.Mutex
	pending   map[uint64]types.PendingRequest

	metrics      *metrics.Collector
	schedLatency *hist.Histogram
	schedMu      sync.Mutex

	running  atomic.Bool
	ticker   sync.WaitGroup
	stopOnce sync.Once
}

// New builds the LB, binds its endpoint and constructs the policy.
func New(cfg Config, log zerolog.Logger) (*Context, error) {
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("lb: no workers configured")
	}
	if len(cfg.Workers) > types.MaxWorkers {
		return nil, fmt.Errorf("lb: %d workers exceeds the %d-worker fleet bound", len(cfg.Workers), types.MaxWorkers)
	}
	if cfg.StateUpdateInterval <= 0 {
		cfg.StateUpdateInterval = DefaultStateUpdateInterval
	}

	pol, err := policy.New(cfg.Algorithm, policy.Options{ModelPath: cfg.ModelPath, Seed: uint64(time.Now().UnixNano())})
	if err != nil {
		return nil, err
	}

	ep, err := transport.NewEndpoint(cfg.ListenURI)
	if err != nil {
		return nil, err
	}

	states := make([]types.WorkerState, len(cfg.Workers))
	for i := range states {
		capacity := 1.0
		if i < len(cfg.WorkerCapacities) && cfg.WorkerCapacities[i] > 0 {
			capacity = cfg.WorkerCapacities[i]
		}
		states[i] = types.WorkerState{
			WorkerID:       uint8(i),
			Address:        cfg.Workers[i],
			IsHealthy:      true,
			CapacityFactor: capacity,
		}
	}

	lb := &Context{
		cfg:          cfg,
		log:          log.With().Str("node", "lb").Logger(),
		ep:           ep,
		pol:          pol,
		states:       states,
		pending:      make(map[uint64]types.PendingRequest),
		metrics:      metrics.NewCollector(),
		schedLatency: hist.New(),
	}
	ep.RegisterHandler(wire.ReqClientToLB, lb.handleClientRequest)
	return lb, nil
}

// Metrics exposes the LB's collector.
func (lb *Context) Metrics() *metrics.Collector { return lb.metrics }

// PolicyName names the active dispatch policy.
func (lb *Context) PolicyName() string { return lb.pol.Name() }

// ListenURI returns the bound transport address.
func (lb *Context) ListenURI() string { return lb.ep.LocalURI() }

// PendingCount returns the size of the pending table.
func (lb *Context) PendingCount() int {
	lb.pendingMu.Lock()
	defer lb.pendingMu.Unlock()
	return len(lb.pending)
}

// Connect opens one session per worker and pumps until every session
// reports connected. A session that fails to dial marks that worker slot
// unhealthy; it is fatal for the slot only.
func (lb *Context) Connect() error {
	lb.sessions = make([]int, len(lb.cfg.Workers))
	for i, addr := range lb.cfg.Workers {
		lb.sessions[i] = lb.ep.CreateSession(addr)
	}
	for {
		allSettled := true
		for i := range lb.sessions {
			if lb.ep.SessionFailed(lb.sessions[i]) {
				lb.stateMu.Lock()
				if lb.states[i].IsHealthy {
					lb.states[i].IsHealthy = false
					lb.log.Error().Str("worker", lb.cfg.Workers[i]).Msg("worker session failed; slot marked unhealthy")
				}
				lb.stateMu.Unlock()
				continue
			}
			if !lb.ep.IsConnected(lb.sessions[i]) {
				allSettled = false
			}
		}
		if allSettled {
			break
		}
		lb.ep.PumpOnce()
		time.Sleep(100 * time.Microsecond)
	}

	healthy := 0
	lb.stateMu.Lock()
	for i := range lb.states {
		if lb.states[i].IsHealthy {
			healthy++
		}
	}
	lb.stateMu.Unlock()
	if healthy == 0 {
		return fmt.Errorf("lb: no worker session could be established")
	}
	lb.log.Info().Int("workers", healthy).Str("policy", lb.pol.Name()).Msg("all worker sessions settled")
	return nil
}

// Run starts the state ticker and pumps the transport until Stop. The
// calling goroutine is the I/O thread.
func (lb *Context) Run() {
	if !lb.running.CompareAndSwap(false, true) {
		return
	}
	lb.ticker.Add(1)
	go func() {
		defer lb.ticker.Done()
		lb.stateTickerLoop()
	}()

	for lb.running.Load() {
		if lb.ep.PumpOnce() == 0 {
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// Stop halts the loops, joins the ticker and exports metrics. Idempotent.
func (lb *Context) Stop() {
	lb.stopOnce.Do(func() {
		lb.running.Store(false)
		lb.ticker.Wait()
		lb.ep.Close()
		if lb.cfg.OutputDir != "" {
			if err := lb.metrics.ExportAll(lb.cfg.OutputDir); err != nil {
				lb.log.Error().Err(err).Msg("metrics export failed")
			}
			lb.schedMu.Lock()
			err := metrics.ExportNamedHist(lb.schedLatency, "Scheduling Latency", lb.cfg.OutputDir+"/scheduling_latency.hdr")
			lb.schedMu.Unlock()
			if err != nil {
				lb.log.Error().Err(err).Msg("scheduling latency export failed")
			}
		}
		lb.log.Info().Msg("lb stopped")
	})
}

// handleClientRequest is the dispatch path, on the pump thread.
func (lb *Context) handleClientRequest(h *transport.ReqHandle) {
	recvTime := types.NowNS()

	var creq wire.ClientRequest
	if err := creq.Decode(h.Req.Bytes()); err != nil {
		lb.log.Error().Err(err).Msg("dropping undecodable client request")
		h.PreResp.Resize(0)
		lb.ep.EnqueueResponse(h, h.PreResp)
		return
	}
	req := creq.ToRequest()

	// A request already past its deadline is still dispatched; the miss
	// is accounted on completion.
	lb.stateMu.Lock()
	snapshot := make([]types.WorkerState, len(lb.states))
	copy(snapshot, lb.states)
	decision := lb.pol.Schedule(&req, snapshot)
	target := int(decision.TargetWorkerID)
	if target < len(lb.states) {
		lb.states[target].QueueLength++
		lb.states[target].UpdateLoadEMA(float64(lb.states[target].QueueLength))
	}
	lb.stateMu.Unlock()

	lb.schedMu.Lock()
	lb.schedLatency.Record(int64(decision.DecisionTime))
	lb.schedMu.Unlock()

	if target >= len(lb.sessions) || !lb.ep.IsConnected(lb.sessions[target]) {
		lb.log.Error().
			Uint64("request_id", req.RequestID).
			Int("worker", target).
			Msg("no session for dispatch target; dropping request")
		lb.undoDispatchEstimate(target)
		h.PreResp.Resize(0)
		lb.ep.EnqueueResponse(h, h.PreResp)
		return
	}

	lb.pendingMu.Lock()
	lb.pending[req.RequestID] = types.PendingRequest{
		RequestID:    req.RequestID,
		SendTime:     req.ClientSendTime,
		Deadline:     req.Deadline,
		TargetWorker: decision.TargetWorkerID,
		ClientID:     req.ClientID,
		ReplyHandle:  h,
	}
	lb.pendingMu.Unlock()

	dispatchTime := types.NowNS()
	cont := &continuation{
		clientHandle: h,
		reqBuf:       lb.ep.Pool().Alloc(wire.WorkerRequestSize),
		respBuf:      lb.ep.Pool().Alloc(wire.WorkerResponseSize),
		lbRecvTime:   recvTime,
		dispatchTime: dispatchTime,
	}
	wreq := wire.WorkerRequest{
		RequestID:         req.RequestID,
		ClientSendTime:    req.ClientSendTime,
		Deadline:          req.Deadline,
		LBForwardTime:     dispatchTime,
		ServiceTimeHintUS: req.ServiceTimeHintUS,
		WorkerID:          decision.TargetWorkerID,
		RequestType:       uint8(req.Type),
		PayloadSize:       req.PayloadSize,
	}
	if err := wreq.Encode(cont.reqBuf.Bytes()); err != nil {
		lb.log.Error().Err(err).Uint64("request_id", req.RequestID).Msg("forward encode failed")
		lb.abortContinuation(req.RequestID, cont)
		return
	}
	if err := lb.ep.EnqueueRequest(lb.sessions[target], wire.ReqLBToWorker, cont.reqBuf, cont.respBuf, lb.onWorkerResponse, cont); err != nil {
		lb.log.Error().Err(err).Uint64("request_id", req.RequestID).Msg("forward failed")
		lb.abortContinuation(req.RequestID, cont)
	}
}

// onWorkerResponse is the fan-in path, on the pump thread.
func (lb *Context) onWorkerResponse(tag any) {
	cont := tag.(*continuation)
	respTime := types.NowNS()

	var wresp wire.WorkerResponse
	if err := wresp.Decode(cont.respBuf.Bytes()); err != nil {
		lb.log.Error().Err(err).Msg("dropping undecodable worker response")
		lb.freeContinuation(cont)
		return
	}

	pending, ok := lb.takePending(wresp.RequestID)
	if !ok {
		// The pending record was already erased by an earlier duplicate.
		lb.log.Warn().Uint64("request_id", wresp.RequestID).Msg("orphan worker response")
		lb.metrics.RecordOrphan()
		lb.freeContinuation(cont)
		return
	}

	lb.stateMu.Lock()
	if int(wresp.WorkerID) < len(lb.states) {
		ws := &lb.states[wresp.WorkerID]
		if ws.QueueLength > 0 {
			ws.QueueLength--
		}
		ws.UpdateLoadEMA(float64(ws.QueueLength))
		ws.UpdateAvgServiceTime(types.USToNS(uint64(wresp.ServiceTimeUS)))
	}
	lb.stateMu.Unlock()

	trace := types.Trace{
		RequestID:    wresp.RequestID,
		Deadline:     pending.Deadline,
		WorkerID:     wresp.WorkerID,
		QueueTime:    types.Timestamp(wresp.QueueTimeNS),
		T1ClientSend: pending.SendTime,
		T2LBReceive:  cont.lbRecvTime,
		T3LBDispatch: cont.dispatchTime,
		T4WorkerRecv: wresp.WorkerRecvTime,
		T5WorkerDone: wresp.WorkerDoneTime,
		T6LBResponse: respTime,
		T7ClientRecv: respTime, // closed at the client; LB view ends here
	}
	lb.metrics.RecordTrace(&trace)
	lb.pol.OnRequestComplete(&trace)

	deadlineMet := uint8(0)
	if respTime <= pending.Deadline {
		deadlineMet = 1
	}
	cresp := wire.ClientResponse{
		RequestID:      wresp.RequestID,
		ClientSendTime: pending.SendTime,
		E2ELatencyNS:   uint64(respTime - pending.SendTime),
		ServiceTimeUS:  wresp.ServiceTimeUS,
		WorkerID:       wresp.WorkerID,
		DeadlineMet:    deadlineMet, // advisory; the client re-decides in its own clock domain
		Success:        wresp.Success,
	}
	clientHandle := pending.ReplyHandle.(*transport.ReqHandle)
	clientHandle.PreResp.Resize(wire.ClientResponseSize)
	if err := cresp.Encode(clientHandle.PreResp.Bytes()); err != nil {
		lb.log.Error().Err(err).Uint64("request_id", wresp.RequestID).Msg("reply encode failed")
		clientHandle.PreResp.Resize(0)
	}
	lb.ep.EnqueueResponse(clientHandle, clientHandle.PreResp)
	lb.freeContinuation(cont)
}

// ApplyStateUpdate folds a Worker->LB state snapshot into the state
// vector. Plumbed for the state-update wire path; the default experiment
// relies on local estimation.
func (lb *Context) ApplyStateUpdate(upd *wire.StateUpdate) {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	if int(upd.WorkerID) >= len(lb.states) {
		return
	}
	ws := &lb.states[upd.WorkerID]
	ws.QueueLength = uint32(upd.QueueLength)
	ws.LoadEMA = float64(upd.LoadEMA)
	ws.IsHealthy = upd.IsHealthy != 0
	ws.SlackHistogram = upd.SlackHistogram
}

// WorkerStatesSnapshot copies the live state vector.
func (lb *Context) WorkerStatesSnapshot() []types.WorkerState {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	out := make([]types.WorkerState, len(lb.states))
	copy(out, lb.states)
	return out
}

// takePending removes and returns the pending record for id. A second
// take for the same id fails: the table holds at most one entry per id
// and each is removed exactly once.
func (lb *Context) takePending(id uint64) (types.PendingRequest, bool) {
	lb.pendingMu.Lock()
	defer lb.pendingMu.Unlock()
	pending, ok := lb.pending[id]
	if ok {
		delete(lb.pending, id)
	}
	return pending, ok
}

func (lb *Context) stateTickerLoop() {
	for lb.running.Load() {
		lb.stateMu.Lock()
		for i := range lb.states {
			lb.states[i].LoadEMA *= loadDecayFactor
		}
		lb.stateMu.Unlock()
		time.Sleep(lb.cfg.StateUpdateInterval)
	}
}

func (lb *Context) undoDispatchEstimate(target int) {
	lb.stateMu.Lock()
	if target < len(lb.states) && lb.states[target].QueueLength > 0 {
		lb.states[target].QueueLength--
	}
	lb.stateMu.Unlock()
}

// abortContinuation unwinds a failed forward: the pending record is
// removed (it was never really in flight) and the client gets an empty
// failure response.
func (lb *Context) abortContinuation(requestID uint64, cont *continuation) {
	lb.pendingMu.Lock()
	delete(lb.pending, requestID)
	lb.pendingMu.Unlock()
	h := cont.clientHandle
	lb.freeContinuation(cont)
	h.PreResp.Resize(0)
	lb.ep.EnqueueResponse(h, h.PreResp)
}

func (lb *Context) freeContinuation(cont *continuation) {
	lb.ep.Pool().Free(cont.reqBuf)
	lb.ep.Pool().Free(cont.respBuf)
	cont.reqBuf, cont.respBuf = nil, nil
}
