// Package wire implements the fixed, packed, little-endian message layouts
// exchanged between client, load balancer and workers.
//
// Every layout is read and written through explicit byte accessors
// (encoding/binary) rather than by reinterpreting transport buffers, so the
// format is portable across endian and alignment regimes. Offsets are part
// of the protocol and covered by fixture tests.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Transport request-type ids.
const (
	ReqClientToLB  uint8 = 1
	ReqLBToWorker  uint8 = 2
	ReqStateUpdate uint8 = 3
)

// Fixed message sizes in bytes (headers only; the client request and the
// LB->worker request may be followed by up to MaxPayloadSize payload bytes).
const (
	ClientRequestSize  = 32
	WorkerRequestSize  = 40
	WorkerResponseSize = 40
	ClientResponseSize = 32
	StateUpdateSize    = 16 + 4*types.SlackBins

	MaxRequestSize = ClientRequestSize + types.MaxPayloadSize
)

var le = binary.LittleEndian

// ClientRequest is the Client -> LB header.
//
//	u64 request_id | u64 client_send_time | u64 deadline |
//	u32 service_time_hint_us | u8 client_id | u8 request_type | u16 payload_size
type ClientRequest struct {
	RequestID         uint64
	ClientSendTime    types.Timestamp
	Deadline          types.Timestamp
	ServiceTimeHintUS uint32
	ClientID          uint8
	RequestType       uint8
	PayloadSize       uint16
}

func (m *ClientRequest) Encode(b []byte) error {
	if len(b) < ClientRequestSize {
		return fmt.Errorf("wire: client request needs %d bytes, have %d", ClientRequestSize, len(b))
	}
	le.PutUint64(b[0:8], m.RequestID)
	le.PutUint64(b[8:16], uint64(m.ClientSendTime))
	le.PutUint64(b[16:24], uint64(m.Deadline))
	le.PutUint32(b[24:28], m.ServiceTimeHintUS)
	b[28] = m.ClientID
	b[29] = m.RequestType
	le.PutUint16(b[30:32], m.PayloadSize)
	return nil
}

func (m *ClientRequest) Decode(b []byte) error {
	if len(b) < ClientRequestSize {
		return fmt.Errorf("wire: client request truncated: %d bytes", len(b))
	}
	m.RequestID = le.Uint64(b[0:8])
	m.ClientSendTime = types.Timestamp(le.Uint64(b[8:16]))
	m.Deadline = types.Timestamp(le.Uint64(b[16:24]))
	m.ServiceTimeHintUS = le.Uint32(b[24:28])
	m.ClientID = b[28]
	m.RequestType = b[29]
	m.PayloadSize = le.Uint16(b[30:32])
	return nil
}

// ToRequest converts the wire header into the domain request.
func (m *ClientRequest) ToRequest() types.Request {
	return types.Request{
		RequestID:         m.RequestID,
		ClientSendTime:    m.ClientSendTime,
		Deadline:          m.Deadline,
		ServiceTimeHintUS: m.ServiceTimeHintUS,
		Type:              types.RequestType(m.RequestType),
		ClientID:          m.ClientID,
		PayloadSize:       m.PayloadSize,
	}
}

// WorkerRequest is the LB -> Worker header: the client request fields plus
// the LB forward timestamp and the chosen worker id.
//
//	u64 request_id | u64 client_send_time | u64 deadline | u64 lb_forward_time |
//	u32 service_time_hint_us | u8 worker_id | u8 request_type | u16 payload_size
type WorkerRequest struct {
	RequestID         uint64
	ClientSendTime    types.Timestamp
	Deadline          types.Timestamp
	LBForwardTime     types.Timestamp
	ServiceTimeHintUS uint32
	WorkerID          uint8
	RequestType       uint8
	PayloadSize       uint16
}

func (m *WorkerRequest) Encode(b []byte) error {
	if len(b) < WorkerRequestSize {
		return fmt.Errorf("wire: worker request needs %d bytes, have %d", WorkerRequestSize, len(b))
	}
	le.PutUint64(b[0:8], m.RequestID)
	le.PutUint64(b[8:16], uint64(m.ClientSendTime))
	le.PutUint64(b[16:24], uint64(m.Deadline))
	le.PutUint64(b[24:32], uint64(m.LBForwardTime))
	le.PutUint32(b[32:36], m.ServiceTimeHintUS)
	b[36] = m.WorkerID
	b[37] = m.RequestType
	le.PutUint16(b[38:40], m.PayloadSize)
	return nil
}

func (m *WorkerRequest) Decode(b []byte) error {
	if len(b) < WorkerRequestSize {
		return fmt.Errorf("wire: worker request truncated: %d bytes", len(b))
	}
	m.RequestID = le.Uint64(b[0:8])
	m.ClientSendTime = types.Timestamp(le.Uint64(b[8:16]))
	m.Deadline = types.Timestamp(le.Uint64(b[16:24]))
	m.LBForwardTime = types.Timestamp(le.Uint64(b[24:32]))
	m.ServiceTimeHintUS = le.Uint32(b[32:36])
	m.WorkerID = b[36]
	m.RequestType = b[37]
	m.PayloadSize = le.Uint16(b[38:40])
	return nil
}

// WorkerResponse is the Worker -> LB completion header.
//
//	u64 request_id | u64 worker_recv_time | u64 worker_done_time |
//	u64 queue_time_ns | u32 service_time_us | u16 queue_length |
//	u8 worker_id | u8 success
type WorkerResponse struct {
	RequestID      uint64
	WorkerRecvTime types.Timestamp
	WorkerDoneTime types.Timestamp
	QueueTimeNS    uint64
	ServiceTimeUS  uint32
	QueueLength    uint16
	WorkerID       uint8
	Success        uint8
}

func (m *WorkerResponse) Encode(b []byte) error {
	if len(b) < WorkerResponseSize {
		return fmt.Errorf("wire: worker response needs %d bytes, have %d", WorkerResponseSize, len(b))
	}
	le.PutUint64(b[0:8], m.RequestID)
	le.PutUint64(b[8:16], uint64(m.WorkerRecvTime))
	le.PutUint64(b[16:24], uint64(m.WorkerDoneTime))
	le.PutUint64(b[24:32], m.QueueTimeNS)
	le.PutUint32(b[32:36], m.ServiceTimeUS)
	le.PutUint16(b[36:38], m.QueueLength)
	b[38] = m.WorkerID
	b[39] = m.Success
	return nil
}

func (m *WorkerResponse) Decode(b []byte) error {
	if len(b) < WorkerResponseSize {
		return fmt.Errorf("wire: worker response truncated: %d bytes", len(b))
	}
	m.RequestID = le.Uint64(b[0:8])
	m.WorkerRecvTime = types.Timestamp(le.Uint64(b[8:16]))
	m.WorkerDoneTime = types.Timestamp(le.Uint64(b[16:24]))
	m.QueueTimeNS = le.Uint64(b[24:32])
	m.ServiceTimeUS = le.Uint32(b[32:36])
	m.QueueLength = le.Uint16(b[36:38])
	m.WorkerID = b[38]
	m.Success = b[39]
	return nil
}

// ClientResponse is the LB -> Client reply header.
//
//	u64 request_id | u64 client_send_time | u64 e2e_latency_ns |
//	u32 service_time_us | u8 worker_id | u8 deadline_met | u8 success | u8 pad
type ClientResponse struct {
	RequestID      uint64
	ClientSendTime types.Timestamp
	E2ELatencyNS   uint64
	ServiceTimeUS  uint32
	WorkerID       uint8
	DeadlineMet    uint8 // advisory: set in the LB clock domain
	Success        uint8
}

func (m *ClientResponse) Encode(b []byte) error {
	if len(b) < ClientResponseSize {
		return fmt.Errorf("wire: client response needs %d bytes, have %d", ClientResponseSize, len(b))
	}
	le.PutUint64(b[0:8], m.RequestID)
	le.PutUint64(b[8:16], uint64(m.ClientSendTime))
	le.PutUint64(b[16:24], m.E2ELatencyNS)
	le.PutUint32(b[24:28], m.ServiceTimeUS)
	b[28] = m.WorkerID
	b[29] = m.DeadlineMet
	b[30] = m.Success
	b[31] = 0
	return nil
}

func (m *ClientResponse) Decode(b []byte) error {
	if len(b) < ClientResponseSize {
		return fmt.Errorf("wire: client response truncated: %d bytes", len(b))
	}
	m.RequestID = le.Uint64(b[0:8])
	m.ClientSendTime = types.Timestamp(le.Uint64(b[8:16]))
	m.E2ELatencyNS = le.Uint64(b[16:24])
	m.ServiceTimeUS = le.Uint32(b[24:28])
	m.WorkerID = b[28]
	m.DeadlineMet = b[29]
	m.Success = b[30]
	return nil
}

// StateUpdate is the optional Worker -> LB state snapshot.
//
//	u16 queue_length | u16 active_requests | u32 completed_requests |
//	f32 load_ema | u8 worker_id | u8 is_healthy | u8 pad[2] |
//	u32 slack_histogram[32]
type StateUpdate struct {
	QueueLength       uint16
	ActiveRequests    uint16
	CompletedRequests uint32
	LoadEMA           float32
	WorkerID          uint8
	IsHealthy         uint8
	SlackHistogram    [types.SlackBins]uint32
}

func (m *StateUpdate) Encode(b []byte) error {
	if len(b) < StateUpdateSize {
		return fmt.Errorf("wire: state update needs %d bytes, have %d", StateUpdateSize, len(b))
	}
	le.PutUint16(b[0:2], m.QueueLength)
	le.PutUint16(b[2:4], m.ActiveRequests)
	le.PutUint32(b[4:8], m.CompletedRequests)
	le.PutUint32(b[8:12], math.Float32bits(m.LoadEMA))
	b[12] = m.WorkerID
	b[13] = m.IsHealthy
	b[14], b[15] = 0, 0
	for i := 0; i < types.SlackBins; i++ {
		le.PutUint32(b[16+4*i:20+4*i], m.SlackHistogram[i])
	}
	return nil
}

func (m *StateUpdate) Decode(b []byte) error {
	if len(b) < StateUpdateSize {
		return fmt.Errorf("wire: state update truncated: %d bytes", len(b))
	}
	m.QueueLength = le.Uint16(b[0:2])
	m.ActiveRequests = le.Uint16(b[2:4])
	m.CompletedRequests = le.Uint32(b[4:8])
	m.LoadEMA = math.Float32frombits(le.Uint32(b[8:12]))
	m.WorkerID = b[12]
	m.IsHealthy = b[13]
	for i := 0; i < types.SlackBins; i++ {
		m.SlackHistogram[i] = le.Uint32(b[16+4*i : 20+4*i])
	}
	return nil
}
