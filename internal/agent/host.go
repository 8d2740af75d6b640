package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/core/services"
	apperrors "deskrelay/pkg/errors"

	"go.uber.org/zap"
)

const reasonRelayLost = "relay_disconnected"

// Host is the agent running next to the shared screen. It owns the flow
// controller and replays controller input through the injector.
type Host struct {
	client   *Client
	flow     *services.FlowController
	injector ports.Injector
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	pairing domain.Pairing
	// lost is set once the relay reports the controller unreachable.
	lost bool
}

func NewHost(
	client *Client,
	capturer ports.Capturer,
	injector ports.Injector,
	flowCfg services.FlowConfig,
	logger *zap.SugaredLogger,
) *Host {
	h := &Host{
		client:   client,
		injector: injector,
		logger:   logger,
	}
	h.flow = services.NewFlowController(capturer, h, flowCfg, logger)
	h.flow.OnPeerLost(h.peerLost)

	client.OnConnect(h.announce)
	client.OnMessage(h.handle)
	client.OnDisconnect(h.disconnected)
	return h
}

func (h *Host) Flow() *services.FlowController {
	return h.flow
}

// Pairing returns the current pairing, if any.
func (h *Host) Pairing() (domain.Pairing, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pairing, h.pairing.State == domain.PairingActive
}

func (h *Host) Run(ctx context.Context) error {
	return h.client.Run(ctx)
}

func (h *Host) announce(ctx context.Context, id domain.EndpointID) {
	if err := h.client.Request(ctx, domain.MsgAnnounceRole, domain.AnnounceRolePayload{Role: domain.RoleHost}); err != nil {
		h.logger.Warnw("failed to announce host role", "error", err)
	}
}

func (h *Host) handle(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.MsgPaired:
		var p domain.PairedPayload
		if err := env.Decode(&p); err != nil {
			h.logger.Warnw("invalid paired payload", "error", err)
			return
		}
		h.mu.Lock()
		h.pairing = domain.Pairing{
			ID:           p.PairingID,
			HostID:       p.HostID,
			ControllerID: p.ControllerID,
			State:        domain.PairingActive,
			CreatedAt:    time.Now(),
		}
		h.lost = false
		h.mu.Unlock()
		h.logger.Infow("paired with controller", "pairing_id", p.PairingID, "controller_id", p.ControllerID)

	case domain.MsgPairingEnded:
		var ended domain.PairingEndedPayload
		if err := env.Decode(&ended); err != nil {
			return
		}
		h.mu.Lock()
		current := h.pairing.ID == ended.PairingID
		if current {
			h.pairing = domain.Pairing{}
		}
		h.mu.Unlock()
		if current {
			h.flow.StopPairing(ended.PairingID, ended.Reason)
			h.logger.Infow("pairing ended", "pairing_id", ended.PairingID, "reason", ended.Reason)
		}

	case domain.MsgStartStreaming:
		p, ok := h.Pairing()
		if !ok || env.From != p.ControllerID {
			h.logger.Infow("ignoring start-streaming without pairing", "from", env.From)
			return
		}
		if _, err := h.flow.Start(ctx, p); err != nil {
			h.logger.Warnw("failed to start streaming", "pairing_id", p.ID, "error", err)
		}

	case domain.MsgStopStreaming:
		if p, ok := h.Pairing(); ok && env.From == p.ControllerID {
			h.flow.StopPairing(p.ID, domain.ReasonRequested)
		}

	case domain.MsgPointerMove, domain.MsgPointerClick, domain.MsgScroll, domain.MsgKeyEvent:
		if p, ok := h.Pairing(); !ok || env.From != p.ControllerID {
			return
		}
		if err := h.inject(ctx, env); err != nil {
			h.logger.Warnw("input injection failed", "type", env.Type, "error", err)
		}

	case domain.MsgError:
		var e domain.ErrorPayload
		if err := env.Decode(&e); err != nil {
			return
		}
		if e.Ref == string(domain.MsgFrame) {
			h.frameError(e)
			return
		}
		h.logger.Infow("relay reported error", "code", e.Code, "message", e.Message, "ref", e.Ref)

	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
		h.logger.Debugw("ignoring webrtc signaling", "type", env.Type, "from", env.From)
	}
}

// frameError applies a relay report about frames. Reports naming a
// controller other than the current one belong to an earlier pairing and
// are ignored.
func (h *Host) frameError(e domain.ErrorPayload) {
	h.mu.Lock()
	p := h.pairing
	current := p.State == domain.PairingActive && e.To != "" && e.To == p.ControllerID
	if current && (e.Code == string(apperrors.ErrCodeUnknownDestination) || e.Code == string(apperrors.ErrCodeNotPaired)) {
		h.lost = true
	}
	h.mu.Unlock()

	if !current {
		h.logger.Debugw("ignoring stale frame report", "code", e.Code, "to", e.To)
		return
	}
	switch e.Code {
	case string(apperrors.ErrCodeMessageDropped):
		h.flow.ReportDropped(p.ID, int(e.Count))
		h.logger.Debugw("relay dropped frames", "pairing_id", p.ID, "count", e.Count)
	default:
		h.logger.Infow("relay rejected frame", "code", e.Code, "message", e.Message, "to", e.To)
	}
}

func (h *Host) inject(ctx context.Context, env domain.Envelope) error {
	switch env.Type {
	case domain.MsgScroll:
		var ev domain.ScrollEvent
		if err := env.Decode(&ev); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInjectionFailure, err)
		}
		return h.injector.InjectScroll(ctx, ev)
	case domain.MsgKeyEvent:
		var ev domain.KeyEvent
		if err := env.Decode(&ev); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInjectionFailure, err)
		}
		return h.injector.InjectKey(ctx, ev)
	default:
		var ev domain.PointerEvent
		if err := env.Decode(&ev); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInjectionFailure, err)
		}
		return h.injector.InjectPointer(ctx, ev.Clamp())
	}
}

// SendFrame implements ports.FrameSink over the relay connection.
func (h *Host) SendFrame(ctx context.Context, from, to domain.EndpointID, frame domain.Frame, seq int64) error {
	h.mu.Lock()
	gone := h.lost || h.pairing.ControllerID != to
	h.mu.Unlock()
	if gone {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDestination, to)
	}

	env, err := domain.FrameEnvelope(frame, seq)
	if err != nil {
		return err
	}
	env.To = to
	return h.client.TrySend(ctx, env)
}

func (h *Host) peerLost(ctx context.Context, pairingID domain.PairingID) {
	h.mu.Lock()
	current := h.pairing.ID == pairingID
	if current {
		h.pairing = domain.Pairing{}
	}
	h.mu.Unlock()
	if !current {
		return
	}
	if err := h.client.Request(ctx, domain.MsgDisconnect, nil); err != nil {
		h.logger.Debugw("failed to request teardown", "pairing_id", pairingID, "error", err)
	}
}

func (h *Host) disconnected() {
	h.mu.Lock()
	h.pairing = domain.Pairing{}
	h.mu.Unlock()
	if n := h.flow.StopAll(reasonRelayLost); n > 0 {
		h.logger.Infow("stopped streams after relay loss", "sessions", n)
	}
}
