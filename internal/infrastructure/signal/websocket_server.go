package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	apperrors "deskrelay/pkg/errors"
	"deskrelay/pkg/tracing"
	"deskrelay/pkg/utils"
	"deskrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	AllowedOrigins []string

	// Per-connection inbound message budget; zero disables limiting.
	MessagesPerSecond float64
	MessageBurst      int

	// DropReportInterval spaces out MESSAGE_DROPPED reports to a host whose
	// frames are being dropped; zero reports every drop.
	DropReportInterval time.Duration

	ICEServers []webrtc.ICEServer
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 10 << 20,
		SendQueueSize:  256,
		AllowedOrigins: []string{"*"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},

		DropReportInterval: 250 * time.Millisecond,
	}
}

// Metrics receives connection and message level events.
type Metrics interface {
	ConnectionOpened(codec string)
	ConnectionClosed(reason string)
	MessageReceived(t domain.MessageType, bytes int)
	MessageRejected(t domain.MessageType, code string)
}

// WebSocketServer terminates endpoint connections and dispatches their
// messages to the registry, the pairing coordinator and the relay.
type WebSocketServer struct {
	registry    ports.EndpointRegistry
	coordinator ports.PairingCoordinator
	relay       ports.MessageRelay
	presence    ports.PresenceStore
	metrics     Metrics

	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWebSocketServer(
	registry ports.EndpointRegistry,
	coordinator ports.PairingCoordinator,
	relay ports.MessageRelay,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		registry:    registry,
		coordinator: coordinator,
		relay:       relay,
		opts:        opts,
		logger:      logger,
		baseCtx:     ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) SetPresence(p ports.PresenceStore) {
	s.presence = p
}

func (s *WebSocketServer) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	codec, err := CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(s.opts.MaxMessageSize)

	id := s.assignID(r.URL.Query().Get("endpoint_id"))
	conn := newWSConn(id, ws, codec, s.opts, s.logger)

	if _, err := s.registry.Register(id, conn); err != nil {
		if errors.Is(err, domain.ErrDuplicateEndpoint) {
			s.logger.Infow("closing old connection for reconnecting endpoint", "endpoint_id", id)
			s.Evict(s.baseCtx, id, domain.ReasonReplaced)
			_, err = s.registry.Register(id, conn)
		}
		if err != nil {
			s.logger.Warnw("failed to register endpoint", "endpoint_id", id, "error", err)
			ws.Close()
			return
		}
	}
	_ = s.registry.Describe(id, codec.Name(), r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()
	go conn.writePump()

	if s.metrics != nil {
		s.metrics.ConnectionOpened(codec.Name())
	}
	s.logger.Infow("endpoint connected",
		"endpoint_id", id,
		"codec", codec.Name(),
		"remote_addr", r.RemoteAddr,
	)

	registered, _ := domain.NewEnvelope(domain.MsgRegistered, domain.RegisteredPayload{
		EndpointID: id,
		ICEServers: s.opts.ICEServers,
	})
	if err := s.notify(s.baseCtx, id, registered); err != nil {
		s.logger.Warnw("failed to greet endpoint", "endpoint_id", id, "error", err)
	}
	if s.presence != nil {
		if ep, err := s.registry.Lookup(id); err == nil {
			if err := s.presence.EndpointUp(s.baseCtx, ep); err != nil {
				s.logger.Warnw("failed to publish presence", "endpoint_id", id, "error", err)
			}
		}
	}

	s.readPump(s.baseCtx, conn)
	s.disconnect(s.baseCtx, conn, "")
	<-conn.pumpDone
}

func (s *WebSocketServer) assignID(proposed string) domain.EndpointID {
	if proposed != "" && validation.ValidateEndpointID(proposed) == nil {
		return domain.EndpointID(proposed)
	}
	return domain.EndpointID(utils.GenerateEndpointID())
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *wsConn) {
	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)
	}

	conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		_ = s.registry.Touch(conn.id)
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from endpoint", "endpoint_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		_ = s.registry.Touch(conn.id)

		env, err := conn.codec.Decode(data)
		if err != nil {
			s.sendError(ctx, conn.id, domain.Envelope{}, apperrors.NewInvalidInputError(err.Error()))
			continue
		}
		if s.metrics != nil {
			s.metrics.MessageReceived(env.Type, len(data))
		}

		if limiter != nil && !limiter.Allow() {
			if domain.ClassOf(env.Type) == domain.Reliable {
				s.sendError(ctx, conn.id, env, apperrors.NewRateLimitError())
			}
			continue
		}

		msgCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		err = s.handleMessage(msgCtx, conn.id, env)
		cancel()
		if err != nil {
			s.logger.Infow("error handling message from endpoint",
				"endpoint_id", conn.id,
				"type", env.Type,
				"error", err,
			)
			s.sendError(ctx, conn.id, env, err)
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, from domain.EndpointID, env domain.Envelope) error {
	if env.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(env.Type), string(from))
	defer span.End()

	switch env.Type {
	case domain.MsgAnnounceRole:
		return s.handleAnnounceRole(ctx, from, env)
	case domain.MsgListHosts:
		return s.handleListHosts(ctx, from)
	case domain.MsgRequestPairing:
		return s.handleRequestPairing(ctx, from, env)
	case domain.MsgDisconnect:
		return s.handleDisconnectSession(ctx, from)
	case domain.MsgHeartbeat:
		return nil
	case domain.MsgStartStreaming, domain.MsgStopStreaming,
		domain.MsgPointerMove, domain.MsgPointerClick, domain.MsgScroll, domain.MsgKeyEvent:
		return s.forward(ctx, from, env, domain.RoleController)
	case domain.MsgFrame:
		return s.forward(ctx, from, env, domain.RoleHost)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
		return s.forward(ctx, from, env, domain.RoleUnknown)
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

func (s *WebSocketServer) handleAnnounceRole(ctx context.Context, from domain.EndpointID, env domain.Envelope) error {
	var payload domain.AnnounceRolePayload
	if err := env.Decode(&payload); err != nil {
		return apperrors.NewInvalidInputError("invalid announce-role payload")
	}

	before, err := s.registry.Lookup(from)
	if err != nil {
		return err
	}
	ep, err := s.registry.SetRole(from, payload.Role)
	if err != nil {
		return err
	}

	s.logger.Infow("endpoint announced role", "endpoint_id", from, "role", ep.Role)
	if before.Role == ep.Role {
		return nil
	}
	if ep.Role == domain.RoleHost {
		s.broadcastHost(ctx, domain.MsgHostAvailable, from)
	}
	if s.presence != nil {
		if err := s.presence.EndpointUp(ctx, ep); err != nil {
			s.logger.Warnw("failed to publish presence", "endpoint_id", from, "error", err)
		}
	}
	return nil
}

// broadcastHost tells every endpoint that could still become a controller.
func (s *WebSocketServer) broadcastHost(ctx context.Context, t domain.MessageType, hostID domain.EndpointID) {
	env, err := domain.NewEnvelope(t, domain.HostPayload{HostID: hostID})
	if err != nil {
		return
	}
	env.From = hostID
	sent := s.relay.Broadcast(ctx, domain.RoleController, env, domain.Reliable)
	sent += s.relay.Broadcast(ctx, domain.RoleUnknown, env, domain.Reliable)
	s.logger.Debugw("host presence broadcast", "type", t, "host_id", hostID, "recipients", sent)
}

func (s *WebSocketServer) handleListHosts(ctx context.Context, from domain.EndpointID) error {
	hosts := slices.Collect(s.registry.ListByRole(domain.RoleHost))
	if hosts == nil {
		hosts = []domain.EndpointID{}
	}
	env, err := domain.NewEnvelope(domain.MsgHosts, domain.HostsPayload{Hosts: hosts})
	if err != nil {
		return err
	}
	return s.notify(ctx, from, env)
}

func (s *WebSocketServer) handleRequestPairing(ctx context.Context, from domain.EndpointID, env domain.Envelope) error {
	var payload domain.RequestPairingPayload
	if err := env.Decode(&payload); err != nil || payload.HostID == "" {
		return apperrors.NewInvalidInputError("request-pairing requires hostId")
	}

	p, err := s.coordinator.RequestPairing(ctx, from, payload.HostID)
	if err != nil {
		return err
	}

	accepted, err := domain.NewEnvelope(domain.MsgPairingAccepted, domain.PairedPayload{
		PairingID:    p.ID,
		HostID:       p.HostID,
		ControllerID: p.ControllerID,
	})
	if err != nil {
		return err
	}
	if s.presence != nil {
		if err := s.presence.PairingChanged(ctx, p); err != nil {
			s.logger.Warnw("failed to publish pairing", "pairing_id", p.ID, "error", err)
		}
	}
	return s.notify(ctx, from, accepted)
}

func (s *WebSocketServer) handleDisconnectSession(ctx context.Context, from domain.EndpointID) error {
	p, ok := s.coordinator.PeerOf(from)
	if !ok {
		return domain.ErrNotPaired
	}
	s.coordinator.Teardown(ctx, p.ID, domain.ReasonRequested)
	return nil
}

// forward relays peer traffic to the other side of the sender's pairing.
// senderRole restricts which side may originate the message; RoleUnknown
// lets either side send it.
func (s *WebSocketServer) forward(ctx context.Context, from domain.EndpointID, env domain.Envelope, senderRole domain.Role) error {
	p, ok := s.coordinator.PeerOf(from)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotPaired, env.Type)
	}
	switch senderRole {
	case domain.RoleController:
		if from != p.ControllerID {
			return fmt.Errorf("%w: only the controller may send %s", domain.ErrInvalidRole, env.Type)
		}
	case domain.RoleHost:
		if from != p.HostID {
			return fmt.Errorf("%w: only the host may send %s", domain.ErrInvalidRole, env.Type)
		}
	}

	to := p.Other(from)
	if env.To != "" && env.To != to {
		return fmt.Errorf("%w: %s", domain.ErrNotPaired, env.To)
	}

	class := domain.ClassOf(env.Type)
	ctx, span := tracing.TraceRelay(ctx, string(env.Type), class.String(), string(from), string(to))
	defer span.End()

	err := s.relay.Relay(ctx, from, to, env, class)
	if errors.Is(err, domain.ErrDropped) {
		if env.Type == domain.MsgFrame {
			s.reportDrop(ctx, from, to)
		}
		return nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) notify(ctx context.Context, to domain.EndpointID, env domain.Envelope) error {
	return s.relay.Notify(ctx, to, env)
}

// reportDrop tells a host that a frame it sent to controller never left the
// relay. Reports are batched per sender connection.
func (s *WebSocketServer) reportDrop(ctx context.Context, from, controller domain.EndpointID) {
	conn, err := s.registry.Conn(from)
	if err != nil {
		return
	}
	wc, ok := conn.(*wsConn)
	if !ok {
		return
	}
	n := wc.dropped()
	if n == 0 {
		return
	}
	s.notifyError(ctx, from, domain.ErrorPayload{
		Code:    string(apperrors.ErrCodeMessageDropped),
		Message: "frames dropped on a busy controller connection",
		Ref:     string(domain.MsgFrame),
		To:      controller,
		Count:   n,
	})
}

func (s *WebSocketServer) sendError(ctx context.Context, to domain.EndpointID, rejected domain.Envelope, err error) {
	appErr := apperrors.FromDomain(err)
	if s.metrics != nil {
		s.metrics.MessageRejected(rejected.Type, string(appErr.Code))
	}
	s.notifyError(ctx, to, domain.ErrorPayload{
		Code:    string(appErr.Code),
		Message: utils.TruncateString(appErr.Message, 512),
		Ref:     string(rejected.Type),
		To:      rejected.To,
	})
}

func (s *WebSocketServer) notifyError(ctx context.Context, to domain.EndpointID, payload domain.ErrorPayload) {
	env, err := domain.NewEnvelope(domain.MsgError, payload)
	if err != nil {
		return
	}
	errCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	_ = s.notify(errCtx, to, env)
}

// Evict forcibly disconnects id. It reports false when the endpoint is
// already gone.
func (s *WebSocketServer) Evict(ctx context.Context, id domain.EndpointID, reason string) bool {
	conn, err := s.registry.Conn(id)
	if err != nil {
		return false
	}
	return s.disconnect(ctx, conn, reason)
}

// disconnect removes conn and cascades pairing teardown. Only the first
// caller for a given connection does any work.
func (s *WebSocketServer) disconnect(ctx context.Context, conn ports.Conn, reason string) bool {
	var id domain.EndpointID
	if wc, ok := conn.(*wsConn); ok {
		id = wc.id
	}
	ep, removed := s.registry.RemoveConn(id, conn)
	_ = conn.Close(reason)
	if !removed {
		return false
	}

	if reason == "" {
		reason = domain.ReasonControllerLeft
		if ep.Role == domain.RoleHost {
			reason = domain.ReasonHostLeft
		}
	}

	s.coordinator.TeardownEndpoint(ctx, ep.ID, reason)
	if ep.Role == domain.RoleHost {
		s.broadcastHost(ctx, domain.MsgHostUnavailable, ep.ID)
	}
	if s.presence != nil {
		if err := s.presence.EndpointDown(ctx, ep.ID); err != nil {
			s.logger.Warnw("failed to clear presence", "endpoint_id", ep.ID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ConnectionClosed(reason)
	}

	s.logger.Infow("endpoint disconnected",
		"endpoint_id", ep.ID,
		"role", ep.Role,
		"reason", reason,
		"connected_for", time.Since(ep.ConnectedAt).Round(time.Millisecond),
	)
	return true
}

// Shutdown disconnects every endpoint and waits for their handlers to exit.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	for _, ep := range s.registry.Snapshot() {
		s.Evict(ctx, ep.ID, domain.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.registry.Count(),
		"pairings":    len(s.coordinator.Active()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
