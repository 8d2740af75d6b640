package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type outbound struct {
	env  domain.Envelope
	done chan error
}

// wsConn is the per-endpoint transport. A single write pump owns the socket:
// queued reliable messages always go first. Best-effort messages share a
// one-slot buffer and are dropped while it is occupied.
type wsConn struct {
	id     domain.EndpointID
	ws     *websocket.Conn
	codec  Codec
	logger *zap.SugaredLogger

	writeTimeout time.Duration
	pingInterval time.Duration

	reliable   chan outbound
	bestEffort chan domain.Envelope

	closed      chan struct{}
	closeOnce   sync.Once
	closeReason string
	pumpDone    chan struct{}

	// lastWrite is the unix nano time of the last completed write.
	lastWrite atomic.Int64

	// Frames this endpoint sent that the relay had to drop, not yet
	// reported back to it.
	framesDropped atomic.Int64
	dropReport    rate.Sometimes
}

func newWSConn(id domain.EndpointID, ws *websocket.Conn, codec Codec, opts Options, logger *zap.SugaredLogger) *wsConn {
	c := &wsConn{
		id:           id,
		ws:           ws,
		codec:        codec,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		reliable:     make(chan outbound, opts.SendQueueSize),
		bestEffort:   make(chan domain.Envelope, 1),
		closed:       make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	if opts.DropReportInterval > 0 {
		c.dropReport.Interval = opts.DropReportInterval
	} else {
		c.dropReport.Every = 1
	}
	return c
}

func (c *wsConn) SendReliable(ctx context.Context, env domain.Envelope) error {
	out := outbound{env: env, done: make(chan error, 1)}
	select {
	case c.reliable <- out:
	case <-c.closed:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.done:
		return err
	case <-c.closed:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) TrySend(env domain.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.bestEffort <- env:
		return true
	default:
		return false
	}
}

// LastWrite reports when the write pump last put a message on the socket.
func (c *wsConn) LastWrite() time.Time {
	n := c.lastWrite.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// dropped counts one frame from this endpoint that the relay could not
// deliver. It returns the number of drops to report now, or zero while the
// report interval has not elapsed yet.
func (c *wsConn) dropped() int64 {
	c.framesDropped.Add(1)
	var n int64
	c.dropReport.Do(func() {
		n = c.framesDropped.Swap(0)
	})
	return n
}

func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
	return nil
}

func (c *wsConn) writePump() {
	ping := time.NewTicker(c.pingInterval)
	defer func() {
		ping.Stop()
		c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		// Drain reliable traffic before looking at anything else.
		select {
		case out := <-c.reliable:
			if !c.writeReliable(out) {
				return
			}
			continue
		default:
		}

		select {
		case out := <-c.reliable:
			if !c.writeReliable(out) {
				return
			}
		case env := <-c.bestEffort:
			if err := c.write(env); err != nil {
				c.fail(err)
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *wsConn) writeReliable(out outbound) bool {
	err := c.write(out.env)
	out.done <- err
	if err != nil {
		c.fail(err)
		return false
	}
	return true
}

func (c *wsConn) write(env domain.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		// A bad envelope is the sender's problem, not the socket's.
		c.logger.Warnw("failed to encode envelope",
			"endpoint_id", c.id,
			"type", env.Type,
			"error", err,
		)
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(c.codec.FrameType(), data); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *wsConn) fail(err error) {
	c.logger.Debugw("websocket write failed",
		"endpoint_id", c.id,
		"error", err,
	)
	c.Close("write failed")
}
