package agent

import (
	"context"
	"sync"

	"deskrelay/internal/core/domain"

	"go.uber.org/zap"
)

type FrameStats struct {
	Frames  int64
	Bytes   int64
	LastSeq int64
	// Gaps counts frames skipped between consecutive sequence numbers.
	Gaps   int64
	Width  int
	Height int
}

// Controller pairs with a host, asks it to stream and keeps frame statistics.
type Controller struct {
	client *Client
	target domain.EndpointID
	logger *zap.SugaredLogger

	mu      sync.Mutex
	pairing domain.PairedPayload
	paired  bool
	pending bool
	stats   FrameStats

	onFrame func(domain.FramePayload)
}

// NewController pairs with target, or with the first host offered when
// target is empty.
func NewController(client *Client, target domain.EndpointID, logger *zap.SugaredLogger) *Controller {
	c := &Controller{
		client: client,
		target: target,
		logger: logger,
	}
	client.OnConnect(c.connected)
	client.OnMessage(c.handle)
	client.OnDisconnect(c.reset)
	return c
}

func (c *Controller) OnFrame(fn func(domain.FramePayload)) {
	c.onFrame = fn
}

func (c *Controller) Run(ctx context.Context) error {
	return c.client.Run(ctx)
}

func (c *Controller) Stats() FrameStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) Pairing() (domain.PairedPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairing, c.paired
}

func (c *Controller) connected(ctx context.Context, id domain.EndpointID) {
	if c.target != "" {
		c.requestPairing(ctx, c.target)
		return
	}
	if err := c.client.Request(ctx, domain.MsgListHosts, nil); err != nil {
		c.logger.Warnw("failed to list hosts", "error", err)
	}
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.paired = false
	c.pending = false
	c.pairing = domain.PairedPayload{}
	c.mu.Unlock()
}

func (c *Controller) requestPairing(ctx context.Context, host domain.EndpointID) {
	c.mu.Lock()
	if c.paired || c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = true
	c.mu.Unlock()

	c.logger.Infow("requesting pairing", "host_id", host)
	if err := c.client.Request(ctx, domain.MsgRequestPairing, domain.RequestPairingPayload{HostID: host}); err != nil {
		c.logger.Warnw("failed to request pairing", "host_id", host, "error", err)
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
	}
}

func (c *Controller) wants(host domain.EndpointID) bool {
	return c.target == "" || c.target == host
}

func (c *Controller) handle(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.MsgHosts:
		var hosts domain.HostsPayload
		if err := env.Decode(&hosts); err != nil {
			return
		}
		for _, h := range hosts.Hosts {
			if c.wants(h) {
				c.requestPairing(ctx, h)
				return
			}
		}
		c.logger.Infow("no host available yet")

	case domain.MsgHostAvailable:
		var h domain.HostPayload
		if err := env.Decode(&h); err == nil && c.wants(h.HostID) {
			c.requestPairing(ctx, h.HostID)
		}

	case domain.MsgPairingAccepted:
		var p domain.PairedPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.pairing = p
		c.paired = true
		c.pending = false
		c.stats = FrameStats{}
		c.mu.Unlock()
		c.logger.Infow("paired with host", "pairing_id", p.PairingID, "host_id", p.HostID)
		if err := c.client.Request(ctx, domain.MsgStartStreaming, nil); err != nil {
			c.logger.Warnw("failed to start streaming", "error", err)
		}

	case domain.MsgPairingEnded:
		var ended domain.PairingEndedPayload
		_ = env.Decode(&ended)
		c.reset()
		c.logger.Infow("pairing ended", "pairing_id", ended.PairingID, "reason", ended.Reason)

	case domain.MsgFrame:
		var f domain.FramePayload
		if err := env.Decode(&f); err != nil {
			return
		}
		c.mu.Lock()
		if c.stats.LastSeq > 0 && f.Seq > c.stats.LastSeq+1 {
			c.stats.Gaps += f.Seq - c.stats.LastSeq - 1
		}
		c.stats.Frames++
		c.stats.Bytes += int64(len(f.Data))
		c.stats.LastSeq = max(c.stats.LastSeq, f.Seq)
		c.stats.Width, c.stats.Height = f.Width, f.Height
		c.mu.Unlock()
		if c.onFrame != nil {
			c.onFrame(f)
		}

	case domain.MsgError:
		var e domain.ErrorPayload
		if err := env.Decode(&e); err != nil {
			return
		}
		if e.Ref == string(domain.MsgRequestPairing) {
			c.mu.Lock()
			c.pending = false
			c.mu.Unlock()
		}
		c.logger.Infow("relay reported error", "code", e.Code, "message", e.Message, "ref", e.Ref)
	}
}

// SendPointer forwards a pointer event; motion may be dropped under load.
func (c *Controller) SendPointer(ctx context.Context, t domain.MessageType, ev domain.PointerEvent) error {
	env, err := domain.NewEnvelope(t, ev)
	if err != nil {
		return err
	}
	return c.client.TrySend(ctx, env)
}

func (c *Controller) SendKey(ctx context.Context, ev domain.KeyEvent) error {
	return c.client.Request(ctx, domain.MsgKeyEvent, ev)
}

// Disconnect ends the current pairing but keeps the relay connection.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.client.Request(ctx, domain.MsgDisconnect, nil)
}
