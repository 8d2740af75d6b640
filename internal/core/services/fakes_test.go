package services

import (
	"context"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
)

// fakeConn records what the relay hands it. A best-effort send stays
// outstanding until drain is called, mimicking a slow socket.
type fakeConn struct {
	mu          sync.Mutex
	reliable    []domain.Envelope
	bestEffort  []domain.Envelope
	outstanding bool
	closed      bool
	sendErr     error
}

func (c *fakeConn) SendReliable(_ context.Context, env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrTransportClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.reliable = append(c.reliable, env)
	return nil
}

func (c *fakeConn) TrySend(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.outstanding {
		return false
	}
	c.outstanding = true
	c.bestEffort = append(c.bestEffort, env)
	return true
}

func (c *fakeConn) drain() {
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) reliableOf(t domain.MessageType) []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Envelope
	for _, env := range c.reliable {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) bestEffortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bestEffort)
}

// autoDrainConn accepts every best-effort send.
type autoDrainConn struct {
	fakeConn
}

func (c *autoDrainConn) TrySend(env domain.Envelope) bool {
	ok := c.fakeConn.TrySend(env)
	c.drain()
	return ok
}

// writtenConn reports a fixed last write time.
type writtenConn struct {
	autoDrainConn
	last time.Time
}

func (c *writtenConn) LastWrite() time.Time {
	return c.last
}

type recordingObserver struct {
	mu      sync.Mutex
	relayed map[domain.MessageType]int
	dropped map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		relayed: make(map[domain.MessageType]int),
		dropped: make(map[string]int),
	}
}

func (o *recordingObserver) RecordRelayed(t domain.MessageType, _ domain.DeliveryClass, _ int) {
	o.mu.Lock()
	o.relayed[t]++
	o.mu.Unlock()
}

func (o *recordingObserver) RecordDropped(_ domain.MessageType, reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) droppedFor(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}
