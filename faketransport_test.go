package smp

import (
	"context"
	"sync"
)

// fakeTransport is an in-memory Transport for unit tests: it hands
// pre-seeded response datagrams back out of Receive, and records every
// datagram passed to Send for assertions.
type fakeTransport struct {
	mu sync.Mutex

	sent      [][]byte
	sentCh    chan []byte
	responses chan []byte

	connectErr    error
	initializeErr error
	sendErr       error
	receiveErr    error

	mtu              int
	maxUnencodedSize int

	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh:           make(chan []byte, 256),
		responses:        make(chan []byte, 64),
		mtu:              512,
		maxUnencodedSize: 2048,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	connectErr := f.connectErr
	f.mu.Unlock()
	if connectErr != nil {
		return connectErr
	}
	f.connected = true
	return nil
}

// dropConnection simulates a transport-level link loss: every subsequent
// Send and Receive fails with err until restoreConnection is called.
func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
	f.receiveErr = err
}

// restoreConnection clears an error injected by dropConnection, simulating
// a successful reconnect.
func (f *fakeTransport) restoreConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = nil
	f.receiveErr = nil
	f.connectErr = nil
}

func (f *fakeTransport) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return f.initializeErr }

func (f *fakeTransport) MTU() int { return f.mtu }

func (f *fakeTransport) MaxUnencodedSize() int { return f.maxUnencodedSize }

func (f *fakeTransport) Send(ctx context.Context, datagram []byte) error {
	f.mu.Lock()
	sendErr := f.sendErr
	f.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}

	cp := append([]byte(nil), datagram...)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	f.sentCh <- cp
	return nil
}

// nextSentRequest blocks until the next datagram passed to Send is
// available, for servers that must respond to each request in turn.
func (f *fakeTransport) nextSentRequest(ctx context.Context) ([]byte, bool) {
	select {
	case d := <-f.sentCh:
		return d, true
	case <-ctx.Done():
		return nil, false
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	receiveErr := f.receiveErr
	f.mu.Unlock()
	if receiveErr != nil {
		return nil, receiveErr
	}

	select {
	case d := <-f.responses:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queueResponse makes datagram available to the next Receive call.
func (f *fakeTransport) queueResponse(datagram []byte) {
	f.responses <- datagram
}

// lastSent returns the most recently sent datagram, or nil.
func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}
