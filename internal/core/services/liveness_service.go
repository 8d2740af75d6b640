package services

import (
	"context"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"

	"go.uber.org/zap"
)

type LivenessConfig struct {
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
}

func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		SweepInterval:     30 * time.Second,
		StaleAfter:        90 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// LivenessMonitor evicts endpoints that stopped talking and keeps the
// remaining ones warm with heartbeats. It runs independently of connection
// handling.
type LivenessMonitor struct {
	registry ports.EndpointRegistry
	relay    ports.MessageRelay
	evictor  ports.Evictor
	presence ports.PresenceStore
	cfg      LivenessConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	onEvict func(id domain.EndpointID)
}

func NewLivenessMonitor(
	registry ports.EndpointRegistry,
	relay ports.MessageRelay,
	evictor ports.Evictor,
	cfg LivenessConfig,
	logger *zap.SugaredLogger,
) *LivenessMonitor {
	return &LivenessMonitor{
		registry: registry,
		relay:    relay,
		evictor:  evictor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetPresence mirrors live endpoints to a shared store on every sweep.
func (m *LivenessMonitor) SetPresence(p ports.PresenceStore) {
	m.presence = p
}

// OnEvict registers a callback invoked for every endpoint actually evicted.
func (m *LivenessMonitor) OnEvict(fn func(id domain.EndpointID)) {
	m.onEvict = fn
}

// Run blocks until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	var heartbeat <-chan time.Time
	if m.cfg.HeartbeatInterval > 0 && m.relay != nil {
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	m.logger.Infow("liveness monitor started",
		"sweep_interval", m.cfg.SweepInterval,
		"stale_after", m.cfg.StaleAfter,
		"heartbeat_interval", m.cfg.HeartbeatInterval,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-sweep.C:
			m.Sweep(ctx, m.now())
		case <-heartbeat:
			m.Heartbeat(ctx)
		}
	}
}

// Sweep evicts every endpoint idle for longer than StaleAfter at now and
// returns how many were evicted. An endpoint that disconnected between the
// scan and its eviction is skipped.
func (m *LivenessMonitor) Sweep(ctx context.Context, now time.Time) int {
	stale := m.registry.Stale(now, m.cfg.StaleAfter)
	evicted := 0
	for _, id := range stale {
		if m.evictor.Evict(ctx, id, domain.ReasonEvicted) {
			evicted++
			if m.onEvict != nil {
				m.onEvict(id)
			}
		}
	}

	if evicted > 0 {
		m.logger.Infow("evicted stale endpoints",
			"evicted", evicted,
			"remaining", m.registry.Count(),
		)
	}

	if m.presence != nil {
		var live []domain.EndpointID
		for _, role := range []domain.Role{domain.RoleUnknown, domain.RoleHost, domain.RoleController} {
			for id := range m.registry.ListByRole(role) {
				live = append(live, id)
			}
		}
		if err := m.presence.Refresh(ctx, live); err != nil {
			m.logger.Warnw("failed to refresh presence", "error", err)
		}
	}
	return evicted
}

// Heartbeat sends a best-effort heartbeat to every registered endpoint the
// relay has not written to within HeartbeatInterval. Endpoints receiving a
// stream are skipped so the heartbeat never takes a frame's slot.
func (m *LivenessMonitor) Heartbeat(ctx context.Context) int {
	now := m.now()
	env, err := domain.NewEnvelope(domain.MsgHeartbeat, map[string]int64{"ts": now.UnixMilli()})
	if err != nil {
		return 0
	}
	sent := 0
	for _, role := range []domain.Role{domain.RoleUnknown, domain.RoleHost, domain.RoleController} {
		for id := range m.registry.ListByRole(role) {
			if m.recentlyWritten(id, now) {
				continue
			}
			if err := m.relay.Relay(ctx, "", id, env, domain.BestEffort); err == nil {
				sent++
			}
		}
	}
	return sent
}

func (m *LivenessMonitor) recentlyWritten(id domain.EndpointID, now time.Time) bool {
	if m.cfg.HeartbeatInterval <= 0 {
		return false
	}
	conn, err := m.registry.Conn(id)
	if err != nil {
		return false
	}
	r, ok := conn.(ports.WriteRecency)
	if !ok {
		return false
	}
	last := r.LastWrite()
	return !last.IsZero() && now.Sub(last) < m.cfg.HeartbeatInterval
}
