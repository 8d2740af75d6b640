package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/tracing"
	"deskrelay/pkg/utils"

	"go.uber.org/zap"
)

// PairingCoordinator owns the pairing table. Every mutation happens under mu
// so a teardown and a new request for the same host are strictly ordered;
// peers is an index read lock-free by the relay hot path.
type PairingCoordinator struct {
	registry ports.EndpointRegistry
	notifier ports.Notifier
	policy   domain.PairingPolicy
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	pairings map[domain.PairingID]*domain.Pairing
	byHost   map[domain.EndpointID]domain.PairingID
	peers    sync.Map // domain.EndpointID -> domain.Pairing

	listenersMu sync.RWMutex
	listeners   []ports.TeardownListener
}

type endedPairing struct {
	pairing domain.Pairing
	reason  string
	skip    domain.EndpointID
}

func NewPairingCoordinator(
	registry ports.EndpointRegistry,
	notifier ports.Notifier,
	policy domain.PairingPolicy,
	logger *zap.SugaredLogger,
) *PairingCoordinator {
	if policy == "" {
		policy = domain.PolicyReject
	}
	return &PairingCoordinator{
		registry: registry,
		notifier: notifier,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
		pairings: make(map[domain.PairingID]*domain.Pairing),
		byHost:   make(map[domain.EndpointID]domain.PairingID),
	}
}

func (c *PairingCoordinator) Policy() domain.PairingPolicy {
	return c.policy
}

// OnTeardown registers fn to run once for every pairing that ends.
func (c *PairingCoordinator) OnTeardown(fn ports.TeardownListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RequestPairing pairs controllerID with hostID. An endpoint that has not
// announced a role becomes a controller here; a host can never request one.
func (c *PairingCoordinator) RequestPairing(ctx context.Context, controllerID, hostID domain.EndpointID) (domain.Pairing, error) {
	ctx, span := tracing.TracePairing(ctx, "request", string(controllerID), string(hostID))
	defer span.End()

	host, err := c.registry.Lookup(hostID)
	if err != nil || host.Role != domain.RoleHost {
		tracing.RecordError(ctx, domain.ErrHostNotFound)
		return domain.Pairing{}, fmt.Errorf("%w: %s", domain.ErrHostNotFound, hostID)
	}
	if controllerID == hostID {
		return domain.Pairing{}, fmt.Errorf("%w: endpoint cannot pair with itself", domain.ErrInvalidRole)
	}
	if _, err := c.registry.SetRole(controllerID, domain.RoleController); err != nil {
		tracing.RecordError(ctx, err)
		return domain.Pairing{}, err
	}

	c.mu.Lock()
	// Re-check under the table lock: a host removed after the first lookup
	// must not end up with a pairing its teardown already missed.
	if host, err := c.registry.Lookup(hostID); err != nil || host.Role != domain.RoleHost {
		c.mu.Unlock()
		return domain.Pairing{}, fmt.Errorf("%w: %s", domain.ErrHostNotFound, hostID)
	}
	if _, err := c.registry.Lookup(controllerID); err != nil {
		c.mu.Unlock()
		return domain.Pairing{}, err
	}

	var ended []endedPairing
	if existingID, paired := c.byHost[hostID]; paired {
		existing := c.pairings[existingID]
		if existing.ControllerID == controllerID {
			p := *existing
			c.mu.Unlock()
			return p, nil
		}
		if c.policy == domain.PolicyReject {
			c.mu.Unlock()
			tracing.RecordError(ctx, domain.ErrHostUnavailable)
			return domain.Pairing{}, fmt.Errorf("%w: %s is paired", domain.ErrHostUnavailable, hostID)
		}
		// Replace: the host stays, so only the old controller hears about it.
		ended = append(ended, endedPairing{
			pairing: c.removeLocked(existing, domain.ReasonReplaced),
			reason:  domain.ReasonReplaced,
			skip:    hostID,
		})
	}
	if v, ok := c.peers.Load(controllerID); ok {
		// A controller drives one host at a time; its old host is released.
		prev := c.pairings[v.(domain.Pairing).ID]
		if prev != nil {
			ended = append(ended, endedPairing{
				pairing: c.removeLocked(prev, domain.ReasonReplaced),
				reason:  domain.ReasonReplaced,
				skip:    controllerID,
			})
		}
	}

	p := &domain.Pairing{
		ID:           domain.PairingID(utils.GeneratePairingID()),
		HostID:       hostID,
		ControllerID: controllerID,
		State:        domain.PairingRequested,
		CreatedAt:    c.now(),
	}
	// No acknowledgement round-trip: the pairing is usable immediately.
	p.State = domain.PairingActive
	c.pairings[p.ID] = p
	c.byHost[hostID] = p.ID
	c.peers.Store(hostID, *p)
	c.peers.Store(controllerID, *p)
	created := *p
	c.mu.Unlock()

	for _, e := range ended {
		c.finish(ctx, e)
	}

	env, err := domain.NewEnvelope(domain.MsgPaired, domain.PairedPayload{
		PairingID:    created.ID,
		HostID:       hostID,
		ControllerID: controllerID,
	})
	if err != nil {
		return domain.Pairing{}, err
	}
	env.To = hostID
	if err := c.notifier.Notify(ctx, hostID, env); err != nil {
		c.logger.Warnw("host unreachable while pairing",
			"pairing_id", created.ID,
			"host_id", hostID,
			"error", err,
		)
		c.TeardownEndpoint(ctx, hostID, domain.ReasonHostLeft)
		return domain.Pairing{}, fmt.Errorf("%w: %s", domain.ErrHostNotFound, hostID)
	}

	c.logger.Infow("pairing active",
		"pairing_id", created.ID,
		"host_id", hostID,
		"controller_id", controllerID,
		"policy", c.policy,
	)
	return created, nil
}

// Teardown ends a pairing and tells both sides. A pairing that is already
// gone is a no-op and reports false.
func (c *PairingCoordinator) Teardown(ctx context.Context, id domain.PairingID, reason string) bool {
	c.mu.Lock()
	p, exists := c.pairings[id]
	if !exists {
		c.mu.Unlock()
		return false
	}
	ended := c.removeLocked(p, reason)
	c.mu.Unlock()

	c.finish(ctx, endedPairing{pairing: ended, reason: reason})
	return true
}

// TeardownEndpoint ends the pairing that references id and tells only the
// surviving side.
func (c *PairingCoordinator) TeardownEndpoint(ctx context.Context, id domain.EndpointID, reason string) bool {
	c.mu.Lock()
	v, ok := c.peers.Load(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	p, exists := c.pairings[v.(domain.Pairing).ID]
	if !exists {
		c.mu.Unlock()
		return false
	}
	ended := c.removeLocked(p, reason)
	c.mu.Unlock()

	c.finish(ctx, endedPairing{pairing: ended, reason: reason, skip: id})
	return true
}

func (c *PairingCoordinator) removeLocked(p *domain.Pairing, reason string) domain.Pairing {
	delete(c.pairings, p.ID)
	if c.byHost[p.HostID] == p.ID {
		delete(c.byHost, p.HostID)
	}
	for _, side := range []domain.EndpointID{p.HostID, p.ControllerID} {
		if v, ok := c.peers.Load(side); ok && v.(domain.Pairing).ID == p.ID {
			c.peers.Delete(side)
		}
	}
	p.State = domain.PairingTornDown
	p.EndedAt = c.now()
	p.EndReason = reason
	return *p
}

func (c *PairingCoordinator) finish(ctx context.Context, e endedPairing) {
	for _, side := range []domain.EndpointID{e.pairing.HostID, e.pairing.ControllerID} {
		if side == e.skip {
			continue
		}
		env, err := domain.NewEnvelope(domain.MsgPairingEnded, domain.PairingEndedPayload{
			PairingID: e.pairing.ID,
			Reason:    e.reason,
		})
		if err != nil {
			continue
		}
		env.To = side
		if err := c.notifier.Notify(ctx, side, env); err != nil && !errors.Is(err, domain.ErrUnknownDestination) {
			c.logger.Warnw("failed to notify pairing end",
				"pairing_id", e.pairing.ID,
				"endpoint_id", side,
				"error", err,
			)
		}
	}

	c.listenersMu.RLock()
	listeners := append([]ports.TeardownListener(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e.pairing, e.reason)
	}

	c.logger.Infow("pairing torn down",
		"pairing_id", e.pairing.ID,
		"host_id", e.pairing.HostID,
		"controller_id", e.pairing.ControllerID,
		"reason", e.reason,
	)
}

// PeerOf returns the active pairing id belongs to.
func (c *PairingCoordinator) PeerOf(id domain.EndpointID) (domain.Pairing, bool) {
	v, ok := c.peers.Load(id)
	if !ok {
		return domain.Pairing{}, false
	}
	return v.(domain.Pairing), true
}

func (c *PairingCoordinator) Get(id domain.PairingID) (domain.Pairing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.pairings[id]
	if !exists {
		return domain.Pairing{}, domain.ErrPairingNotFound
	}
	return *p, nil
}

func (c *PairingCoordinator) Active() []domain.Pairing {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Pairing, 0, len(c.pairings))
	for _, p := range c.pairings {
		out = append(out, *p)
	}
	return out
}
