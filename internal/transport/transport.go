// Package transport provides the message-oriented RPC fabric the pipeline
// runs on: per-endpoint single-threaded event pump, typed request handlers,
// explicit sessions and pre-allocated message buffers.
//
// The contract mirrors a kernel-bypass RPC library: the Endpoint must be
// created and pumped from a single OS thread (the node's I/O thread), and
// every handler and completion callback fires on that thread during
// PumpOnce. Socket reads and writes are serviced by internal goroutines,
// but they only ever move frames in and out of queues; all protocol logic
// is confined to the pump thread. Context reaches callbacks through the
// handle and tag values, never through process globals.
//
// Frame layout (little-endian): u32 length of the remainder, u8 frame kind
// (request/response), u8 request type, u64 rpc id, payload bytes.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	frameRequest  uint8 = 0
	frameResponse uint8 = 1

	frameHeaderSize = 4 + 1 + 1 + 8

	// MaxFrameSize bounds a single message; larger frames poison the
	// connection and are treated as a protocol error.
	MaxFrameSize = 64 * 1024

	inboxDepth    = 8192
	outboundDepth = 4096
)

var (
	ErrClosed         = errors.New("transport: endpoint closed")
	ErrUnknownSession = errors.New("transport: unknown session")
	ErrNotConnected   = errors.New("transport: session not connected")
	ErrFrameTooLarge  = errors.New("transport: frame exceeds size limit")
)

// Handler services one inbound typed request on the pump thread.
type Handler func(h *ReqHandle)

// Callback fires on the pump thread when a response to an outbound request
// has been copied into the caller's response buffer.
type Callback func(tag any)

// conn wraps one TCP connection with its writer queue.
type conn struct {
	nc       net.Conn
	outbound chan []byte
	closed   atomic.Bool
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.outbound)
		c.nc.Close()
	}
}

// send enqueues a pre-built frame for the writer goroutine. Drops when the
// connection is already closed.
func (c *conn) send(frame []byte) {
	if c.closed.Load() {
		return
	}
	defer func() {
		// The writer may close outbound concurrently with a late send
		// during shutdown; a send on the closed channel is a drop, not
		// a failure.
		_ = recover()
	}()
	c.outbound <- frame
}

// session is an outbound connection to a remote endpoint.
type session struct {
	remote    string
	conn      *conn
	connected atomic.Bool
	failed    atomic.Bool
}

// call tracks one outbound request until its response arrives.
type call struct {
	respBuf *MsgBuffer
	cb      Callback
	tag     any
}

// event is one parsed frame handed from a reader goroutine to the pump.
type event struct {
	src     *conn
	kind    uint8
	reqType uint8
	rpcID   uint64
	payload []byte
}

// ReqHandle identifies one inbound request. The handler (or a later pump
// iteration) must answer it with exactly one EnqueueResponse; the request
// buffer and the pre-allocated response buffer are owned by the transport
// and reclaimed when the response is issued.
type ReqHandle struct {
	src     *conn
	rpcID   uint64
	ReqType uint8
	Req     *MsgBuffer
	PreResp *MsgBuffer
}

// Endpoint is one node's attachment to the fabric.
type Endpoint struct {
	localURI string
	ln       net.Listener

	handlers [256]Handler
	sessions []*session

	inbox chan event
	pool  *BufferPool

	nextRPC uint64
	// calls is keyed by (conn, rpcID); touched only on the pump thread.
	calls map[callKey]*call

	mu      sync.Mutex // guards accepted for close
	accepts []*conn

	running atomic.Bool
}

type callKey struct {
	c  *conn
	id uint64
}

// NewEndpoint binds a listener on localURI ("ip:port") and returns the
// endpoint. The caller's goroutine becomes the pump thread.
func NewEndpoint(localURI string) (*Endpoint, error) {
	ln, err := net.Listen("tcp", localURI)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", localURI, err)
	}
	ep := &Endpoint{
		localURI: localURI,
		ln:       ln,
		inbox:    make(chan event, inboxDepth),
		pool:     NewBufferPool(MaxFrameSize),
		calls:    make(map[callKey]*call),
	}
	ep.running.Store(true)
	go ep.acceptLoop()
	return ep, nil
}

// LocalURI returns the bound address.
func (ep *Endpoint) LocalURI() string { return ep.ln.Addr().String() }

// Pool exposes the endpoint's message-buffer pool.
func (ep *Endpoint) Pool() *BufferPool { return ep.pool }

// RegisterHandler installs the handler for one 8-bit request type. Must be
// called before traffic arrives for that type.
func (ep *Endpoint) RegisterHandler(reqType uint8, h Handler) {
	ep.handlers[reqType] = h
}

// CreateSession starts connecting to a remote endpoint and returns the
// session index. The dial completes in the background; poll IsConnected
// while pumping.
func (ep *Endpoint) CreateSession(remote string) int {
	s := &session{remote: remote}
	ep.sessions = append(ep.sessions, s)
	idx := len(ep.sessions) - 1
	go func() {
		nc, err := net.DialTimeout("tcp", remote, 10*time.Second)
		if err != nil {
			s.failed.Store(true)
			return
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		c := &conn{nc: nc, outbound: make(chan []byte, outboundDepth)}
		s.conn = c
		s.connected.Store(true)
		go ep.writeLoop(c)
		go ep.readLoop(c)
	}()
	return idx
}

// IsConnected reports whether the session has an established connection.
func (ep *Endpoint) IsConnected(session int) bool {
	if session < 0 || session >= len(ep.sessions) {
		return false
	}
	return ep.sessions[session].connected.Load()
}

// SessionFailed reports whether the dial for the session failed.
func (ep *Endpoint) SessionFailed(session int) bool {
	if session < 0 || session >= len(ep.sessions) {
		return false
	}
	return ep.sessions[session].failed.Load()
}

// EnqueueRequest sends reqBuf's contents as a typed request on the session.
// When the response arrives it is copied into respBuf and cb(tag) fires on
// the pump thread. The caller keeps ownership of both buffers.
func (ep *Endpoint) EnqueueRequest(sessionIdx int, reqType uint8, reqBuf, respBuf *MsgBuffer, cb Callback, tag any) error {
	if !ep.running.Load() {
		return ErrClosed
	}
	if sessionIdx < 0 || sessionIdx >= len(ep.sessions) {
		return ErrUnknownSession
	}
	s := ep.sessions[sessionIdx]
	if !s.connected.Load() {
		return ErrNotConnected
	}
	id := ep.nextRPC
	ep.nextRPC++
	ep.calls[callKey{s.conn, id}] = &call{respBuf: respBuf, cb: cb, tag: tag}
	s.conn.send(buildFrame(frameRequest, reqType, id, reqBuf.Bytes()))
	return nil
}

// EnqueueResponse answers an inbound request. respBuf may be the handle's
// PreResp buffer or any other buffer; the handle's transport-owned buffers
// are reclaimed here.
func (ep *Endpoint) EnqueueResponse(h *ReqHandle, respBuf *MsgBuffer) {
	h.src.send(buildFrame(frameResponse, h.ReqType, h.rpcID, respBuf.Bytes()))
	ep.pool.Free(h.Req)
	ep.pool.Free(h.PreResp)
	h.Req, h.PreResp = nil, nil
}

// PumpOnce services at most batch pending events and returns how many it
// processed. It never blocks.
func (ep *Endpoint) PumpOnce() int {
	const batch = 64
	n := 0
	for ; n < batch; n++ {
		select {
		case ev := <-ep.inbox:
			ep.dispatch(ev)
		default:
			return n
		}
	}
	return n
}

func (ep *Endpoint) dispatch(ev event) {
	switch ev.kind {
	case frameRequest:
		h := ep.handlers[ev.reqType]
		if h == nil {
			return
		}
		req := ep.pool.Alloc(len(ev.payload))
		copy(req.Bytes(), ev.payload)
		h(&ReqHandle{
			src:     ev.src,
			rpcID:   ev.rpcID,
			ReqType: ev.reqType,
			Req:     req,
			PreResp: ep.pool.Alloc(MaxFrameSize - frameHeaderSize),
		})
	case frameResponse:
		key := callKey{ev.src, ev.rpcID}
		c, ok := ep.calls[key]
		if !ok {
			return
		}
		delete(ep.calls, key)
		n := copy(c.respBuf.Bytes()[:c.respBuf.Cap()], ev.payload)
		c.respBuf.Resize(n)
		if c.cb != nil {
			c.cb(c.tag)
		}
	}
}

// Close shuts the endpoint down. In-flight frames are dropped; reader and
// writer goroutines exit as their connections close. Safe to call twice.
func (ep *Endpoint) Close() {
	if !ep.running.CompareAndSwap(true, false) {
		return
	}
	ep.ln.Close()
	for _, s := range ep.sessions {
		if s.conn != nil {
			s.conn.close()
		}
	}
	ep.mu.Lock()
	for _, c := range ep.accepts {
		c.close()
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) acceptLoop() {
	for {
		nc, err := ep.ln.Accept()
		if err != nil {
			return
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		c := &conn{nc: nc, outbound: make(chan []byte, outboundDepth)}
		ep.mu.Lock()
		ep.accepts = append(ep.accepts, c)
		ep.mu.Unlock()
		go ep.writeLoop(c)
		go ep.readLoop(c)
	}
}

func (ep *Endpoint) readLoop(c *conn) {
	hdr := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		if length < frameHeaderSize-4 || length > MaxFrameSize {
			return
		}
		payload := make([]byte, length-(frameHeaderSize-4))
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			return
		}
		ev := event{
			src:     c,
			kind:    hdr[4],
			reqType: hdr[5],
			rpcID:   binary.LittleEndian.Uint64(hdr[6:14]),
			payload: payload,
		}
		if !ep.running.Load() {
			return
		}
		ep.inbox <- ev
	}
}

func (ep *Endpoint) writeLoop(c *conn) {
	for frame := range c.outbound {
		if _, err := c.nc.Write(frame); err != nil {
			return
		}
	}
}

func buildFrame(kind, reqType uint8, rpcID uint64, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(frameHeaderSize-4+len(payload)))
	frame[4] = kind
	frame[5] = reqType
	binary.LittleEndian.PutUint64(frame[6:14], rpcID)
	copy(frame[frameHeaderSize:], payload)
	return frame
}
