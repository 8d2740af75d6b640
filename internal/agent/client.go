package agent

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/pkg/retry"
	"deskrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	EndpointID   string
	Codec        string
	WriteTimeout time.Duration
	// FrameWriteTimeout bounds a best-effort write so a stalled uplink
	// cannot hold the socket for the full WriteTimeout.
	FrameWriteTimeout time.Duration
	Reconnect         retry.Config
}

func DefaultClientConfig(relayURL string) ClientConfig {
	return ClientConfig{
		URL:               relayURL,
		Codec:             signal.CodecJSON,
		WriteTimeout:      10 * time.Second,
		FrameWriteTimeout: 2 * time.Second,
		Reconnect:         retry.ReconnectConfig(),
	}
}

// Handler receives every envelope read from the relay except the
// registration greeting.
type Handler func(ctx context.Context, env domain.Envelope)

// Client keeps one websocket session to the relay alive, redialing with
// backoff and reusing the assigned endpoint id across reconnects.
type Client struct {
	cfg    ClientConfig
	codec  signal.Codec
	logger *zap.SugaredLogger

	handler      Handler
	onConnect    func(ctx context.Context, id domain.EndpointID)
	onDisconnect func()

	mu  sync.RWMutex
	ws  *websocket.Conn
	id  domain.EndpointID
	ice any

	// writeMu serializes writes; frames skip the socket while it is held.
	writeMu sync.Mutex
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	codec, err := signal.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateRelayURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	return &Client{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		id:     domain.EndpointID(cfg.EndpointID),
	}, nil
}

func (c *Client) OnMessage(h Handler) {
	c.handler = h
}

// OnConnect runs after every successful registration, including reconnects.
func (c *Client) OnConnect(fn func(ctx context.Context, id domain.EndpointID)) {
	c.onConnect = fn
}

func (c *Client) OnDisconnect(fn func()) {
	c.onDisconnect = fn
}

func (c *Client) ID() domain.EndpointID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// ICEServers returns the ICE configuration the relay handed out on connect.
func (c *Client) ICEServers() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ice
}

// Run connects and serves messages until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	reconnect := c.cfg.Reconnect
	reconnect.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("relay connection failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	for {
		if err := retry.Retry(ctx, reconnect, func() error { return c.connect(ctx) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err := c.readLoop(ctx)
		c.drop()
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnw("relay connection lost", "error", err)
	}
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("codec", c.codec.Name())
	if id := c.ID(); id != "" {
		q.Set("endpoint_id", string(id))
	}
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.WriteTimeout))
	env, err := c.read(ws)
	ws.SetReadDeadline(time.Time{})
	if err != nil {
		ws.Close()
		return err
	}
	if env.Type != domain.MsgRegistered {
		ws.Close()
		return fmt.Errorf("expected %s, got %s", domain.MsgRegistered, env.Type)
	}
	var reg domain.RegisteredPayload
	if err := env.Decode(&reg); err != nil {
		ws.Close()
		return fmt.Errorf("invalid registration: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.id = reg.EndpointID
	c.ice = reg.ICEServers
	c.mu.Unlock()

	c.logger.Infow("connected to relay", "endpoint_id", reg.EndpointID, "url", c.cfg.URL)
	if c.onConnect != nil {
		c.onConnect(ctx, reg.EndpointID)
	}
	return nil
}

func (c *Client) read(ws *websocket.Conn) (domain.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return domain.Envelope{}, err
	}
	return c.codec.Decode(data)
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	})
	defer stop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warnw("dropping undecodable message", "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(ctx, env)
		}
	}
}

func (c *Client) drop() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
}

// Send writes env, waiting for any write in progress.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(ctx, env, c.cfg.WriteTimeout)
}

// TrySend writes env only if no other write is in progress. A write that
// misses FrameWriteTimeout breaks the connection and the client redials.
func (c *Client) TrySend(ctx context.Context, env domain.Envelope) error {
	if !c.writeMu.TryLock() {
		return domain.ErrDropped
	}
	defer c.writeMu.Unlock()
	timeout := c.cfg.FrameWriteTimeout
	if timeout <= 0 || timeout > c.cfg.WriteTimeout {
		timeout = c.cfg.WriteTimeout
	}
	return c.write(ctx, env, timeout)
}

func (c *Client) write(ctx context.Context, env domain.Envelope, timeout time.Duration) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return domain.ErrTransportClosed
	}

	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(c.codec.FrameType(), data); err != nil {
		// A failed write leaves the socket unusable; closing it ends the
		// read loop so Run redials.
		ws.Close()
		return fmt.Errorf("%w: %v", domain.ErrTransportClosed, err)
	}
	return nil
}

// Request builds an envelope of type t and sends it reliably.
func (c *Client) Request(ctx context.Context, t domain.MessageType, payload any) error {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}
