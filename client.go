package smp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Default per-request timeouts. Slower transports get longer timeouts
// because their link layer itself is slower, not because the device is
// slower to respond.
const (
	DefaultTimeoutUDP    = 2500 * time.Millisecond
	DefaultTimeoutSerial = 20 * time.Second
	DefaultTimeoutBLE    = 40 * time.Second
)

// Request is anything that can be encoded into an SMP request frame:
// op/group/command plus a CBOR-encodable payload. Each requests_*.go file
// defines concrete types satisfying this for one management group.
type Request interface {
	// SMPOp, SMPGroup, and SMPCommand identify the request on the wire.
	SMPOp() uint8
	SMPGroup() uint16
	SMPCommand() uint8
	// SMPPayload returns the CBOR-encodable request body.
	SMPPayload() any
}

// inFlight is the completion sink for one outstanding request, keyed by
// its sequence number in Client.inFlight.
type inFlight struct {
	group   uint16
	command uint8
	op      uint8
	resp    chan Frame
}

// Client is the transport-agnostic SMP request/response engine. A single
// background receive loop demultiplexes inbound frames to the waiting
// caller by sequence number, so multiple requests can be outstanding
// concurrently on the same transport.
type Client struct {
	transport Transport
	seq       *sequenceAllocator

	mu       sync.Mutex
	inFlight map[uint8]*inFlight

	sendMu sync.Mutex // serializes Transport.Send so requests go out in order

	loopMu   sync.Mutex
	loopDone chan struct{}
	logger   *slog.Logger
}

// NewClient creates a Client bound to transport. The background receive
// loop starts lazily on the first Request call.
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		seq:       newSequenceAllocator(),
		inFlight:  make(map[uint8]*inFlight),
		logger:    slog.Default(),
	}
}

// Connect connects the underlying transport and runs its Initialize hook.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportConnectionFailed, err)
	}
	if err := c.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("smp: transport initialize: %w", err)
	}
	return nil
}

// Disconnect disconnects the underlying transport. Idempotent.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// Transport returns the underlying transport, for callers (notably the
// upgrade orchestrator) that need direct access to reconnect it.
func (c *Client) Transport() Transport { return c.transport }

// Request encodes req, transmits it, awaits the matching response, and
// decodes it into resp. resp must be a pointer to the expected response
// payload type, or nil to discard the payload. A response is accepted only
// if it matches the request's sequence, group, command, and op, and carries
// no error return code; otherwise Request returns an error without
// touching resp.
func (c *Client) Request(ctx context.Context, req Request, timeout time.Duration, resp any) error {
	c.startReceiveLoop()

	seq, err := c.seq.acquire(ctx)
	if err != nil {
		return fmt.Errorf("smp: acquire sequence: %w", err)
	}
	defer c.seq.release(seq)

	payload, err := EncodeCBOR(req.SMPPayload())
	if err != nil {
		return err
	}

	reqFrame := NewFrame(req.SMPOp(), req.SMPGroup(), seq, req.SMPCommand(), payload)

	slot := &inFlight{
		group:   req.SMPGroup(),
		command: req.SMPCommand(),
		op:      req.SMPOp(),
		resp:    make(chan Frame, 1),
	}

	c.mu.Lock()
	c.inFlight[seq] = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, seq)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, reqFrame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportWriteFailed, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var respFrame Frame
	select {
	case respFrame = <-slot.resp:
	case <-timeoutCtx.Done():
		c.logger.Debug("smp: request timed out", "sequence", seq, "group", req.SMPGroup(), "command", req.SMPCommand())
		return fmt.Errorf("%w: sequence %d", ErrTimeout, seq)
	}

	if err := matchesRequest(reqFrame, respFrame); err != nil {
		return err
	}

	if rc, group, ok := decodeReturnCode(respFrame.Payload); ok && rc != mgmtErrOK {
		return &BadReturnCodeError{Rc: rc, Group: group}
	}

	if resp == nil {
		return nil
	}
	if err := cbor.Unmarshal(respFrame.Payload, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrCBORDecodeError, err)
	}
	return nil
}

// RequestAll issues a sequence of requests built by next, one at a time,
// where next may depend on the previous response. This keeps memory bounded
// to a single in-flight chunk regardless of total transfer size, which is
// what makes it suitable for chunked uploads. next returns ok=false to stop.
func (c *Client) RequestAll(
	ctx context.Context,
	timeout time.Duration,
	next func(prev any) (req Request, resp any, ok bool),
) error {
	var prev any
	for {
		req, resp, ok := next(prev)
		if !ok {
			return nil
		}
		if err := c.Request(ctx, req, timeout, resp); err != nil {
			return err
		}
		prev = resp
	}
}

func (c *Client) send(ctx context.Context, f Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(ctx, f.Marshal())
}

// startReceiveLoop launches the background task that drains
// transport.Receive(). Safe to call repeatedly: if a previous loop exited
// (e.g. the transport errored out), the next call starts a fresh one, which
// is what lets a Client resume serving requests after Connect is called
// again on a reconnected transport.
func (c *Client) startReceiveLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.loopDone != nil {
		select {
		case <-c.loopDone:
			// previous loop exited, start a new one below
		default:
			return // already running
		}
	}

	done := make(chan struct{})
	c.loopDone = done
	go c.receiveLoop(done)
}

func (c *Client) receiveLoop(done chan struct{}) {
	defer close(done)

	ctx := context.Background()
	for {
		datagram, err := c.transport.Receive(ctx)
		if err != nil {
			c.logger.Debug("smp: receive loop stopped", "err", err)
			return
		}

		frame, err := UnmarshalFrame(datagram)
		if err != nil {
			c.logger.Warn("smp: dropping malformed datagram", "err", err)
			continue
		}

		c.mu.Lock()
		slot, ok := c.inFlight[frame.Header.Sequence]
		c.mu.Unlock()

		if !ok {
			// Late response after timeout, or response to a request we
			// never issued. Not fatal.
			c.logger.Debug("smp: no in-flight request for sequence, dropping", "sequence", frame.Header.Sequence)
			continue
		}

		select {
		case slot.resp <- frame:
		default:
			// Slot already delivered to (shouldn't happen: one response per
			// sequence), drop rather than block the receive loop.
			c.logger.Warn("smp: in-flight slot already filled, dropping", "sequence", frame.Header.Sequence)
		}
	}
}

// decodeReturnCode extracts the error return code from a response payload
// without fully decoding it into a concrete response type. It understands
// both the legacy top-level "rc" field and the newer nested
// "err": {"group", "rc"} pair, surfacing either the same way.
func decodeReturnCode(payload []byte) (rc int, group *uint16, ok bool) {
	generic, err := DecodeCBOR[map[string]any](payload)
	if err != nil {
		return 0, nil, false
	}

	if nested, present := generic["err"]; present {
		if m, isMap := nested.(map[any]any); isMap {
			if code, codeOK := asInt(m["rc"]); codeOK {
				if g, gOK := asInt(m["group"]); gOK {
					g16 := uint16(g)
					group = &g16
				}
				return code, group, true
			}
		}
	}

	code, codeOK := asInt(generic["rc"])
	if !codeOK {
		return 0, nil, false
	}
	if g, gOK := asInt(generic["group"]); gOK {
		g16 := uint16(g)
		group = &g16
	}
	return code, group, true
}

// asInt converts an integer decoded from generic CBOR, which may come back
// signed or unsigned depending on its wire form.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
