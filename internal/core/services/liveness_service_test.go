package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// registryEvictor closes and removes an endpoint the way the websocket
// server does.
type registryEvictor struct {
	registry *EndpointRegistry
	mu       sync.Mutex
	evicted  []domain.EndpointID
}

func (e *registryEvictor) Evict(_ context.Context, id domain.EndpointID, _ string) bool {
	conn, err := e.registry.Conn(id)
	if err != nil {
		return false
	}
	_ = conn.Close(domain.ReasonEvicted)
	if _, ok := e.registry.Remove(id); !ok {
		return false
	}
	e.mu.Lock()
	e.evicted = append(e.evicted, id)
	e.mu.Unlock()
	return true
}

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) EndpointUp(ctx context.Context, ep domain.Endpoint) error {
	return m.Called(ctx, ep).Error(0)
}

func (m *mockPresence) EndpointDown(ctx context.Context, id domain.EndpointID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockPresence) Refresh(ctx context.Context, ids []domain.EndpointID) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *mockPresence) PairingChanged(ctx context.Context, p domain.Pairing) error {
	return m.Called(ctx, p).Error(0)
}

func TestLivenessMonitor_SweepEvictsStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	registry := NewEndpointRegistry()
	registry.SetClock(func() time.Time { return now })
	evictor := &registryEvictor{registry: registry}
	logger := zaptest.NewLogger(t).Sugar()
	monitor := NewLivenessMonitor(registry, nil, evictor, DefaultLivenessConfig(), logger)

	stale := &fakeConn{}
	_, _ = registry.Register("silent", stale)
	_, _ = registry.Register("alive", &fakeConn{})

	now = now.Add(60 * time.Second)
	require.NoError(t, registry.Touch("alive"))

	assert.Equal(t, 0, monitor.Sweep(context.Background(), now))

	now = now.Add(31 * time.Second)
	var seen []domain.EndpointID
	monitor.OnEvict(func(id domain.EndpointID) { seen = append(seen, id) })

	assert.Equal(t, 1, monitor.Sweep(context.Background(), now))
	assert.Equal(t, []domain.EndpointID{"silent"}, seen)
	assert.True(t, stale.closed)
	_, err := registry.Lookup("silent")
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)
	_, err = registry.Lookup("alive")
	assert.NoError(t, err)
}

func TestLivenessMonitor_EvictionCascadesTeardown(t *testing.T) {
	now := time.Now()
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewEndpointRegistry()
	registry.SetClock(func() time.Time { return now })
	relay := NewMessageRelay(registry, nil, logger)
	coordinator := NewPairingCoordinator(registry, relay, domain.PolicyReject, logger)
	evictor := &registryEvictor{registry: registry}
	monitor := NewLivenessMonitor(registry, relay, evictor, DefaultLivenessConfig(), logger)
	monitor.OnEvict(func(id domain.EndpointID) {
		coordinator.TeardownEndpoint(context.Background(), id, domain.ReasonEvicted)
	})

	host := &fakeConn{}
	_, _ = registry.Register("H1", host)
	_, _ = registry.SetRole("H1", domain.RoleHost)
	_, _ = registry.Register("C1", &fakeConn{})
	_, err := coordinator.RequestPairing(context.Background(), "C1", "H1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.NoError(t, registry.Touch("H1"))

	assert.Equal(t, 1, monitor.Sweep(context.Background(), now))
	assert.Empty(t, coordinator.Active())
	assert.Equal(t, []string{domain.ReasonEvicted}, endedReasons(t, host))
}

func TestLivenessMonitor_VanishedEndpointIsNoop(t *testing.T) {
	registry := NewEndpointRegistry()
	evictor := &registryEvictor{registry: registry}
	monitor := NewLivenessMonitor(registry, nil, evictor, DefaultLivenessConfig(), zaptest.NewLogger(t).Sugar())

	_, _ = registry.Register("gone", &fakeConn{})
	registry.Remove("gone")

	assert.Equal(t, 0, monitor.Sweep(context.Background(), time.Now().Add(time.Hour)))
	assert.False(t, evictor.Evict(context.Background(), "gone", domain.ReasonEvicted))
}

func TestLivenessMonitor_RefreshesPresence(t *testing.T) {
	registry := NewEndpointRegistry()
	monitor := NewLivenessMonitor(registry, nil, &registryEvictor{registry: registry}, DefaultLivenessConfig(), zaptest.NewLogger(t).Sugar())
	presence := &mockPresence{}
	monitor.SetPresence(presence)

	_, _ = registry.Register("H1", &fakeConn{})
	_, _ = registry.SetRole("H1", domain.RoleHost)
	_, _ = registry.Register("U1", &fakeConn{})

	presence.On("Refresh", mock.Anything, mock.MatchedBy(func(ids []domain.EndpointID) bool {
		return assert.ElementsMatch(t, []domain.EndpointID{"H1", "U1"}, ids)
	})).Return(nil).Once()

	monitor.Sweep(context.Background(), time.Now())
	presence.AssertExpectations(t)
}

func TestLivenessMonitor_Heartbeat(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewEndpointRegistry()
	relay := NewMessageRelay(registry, nil, logger)
	monitor := NewLivenessMonitor(registry, relay, &registryEvictor{registry: registry}, DefaultLivenessConfig(), logger)

	conns := []*autoDrainConn{{}, {}, {}}
	_, _ = registry.Register("H1", conns[0])
	_, _ = registry.SetRole("H1", domain.RoleHost)
	_, _ = registry.Register("C1", conns[1])
	_, _ = registry.SetRole("C1", domain.RoleController)
	_, _ = registry.Register("U1", conns[2])

	assert.Equal(t, 3, monitor.Heartbeat(context.Background()))
	for _, c := range conns {
		require.Equal(t, 1, c.bestEffortCount())
		assert.Equal(t, domain.MsgHeartbeat, c.bestEffort[0].Type)
	}
}

func TestLivenessMonitor_HeartbeatSkipsBusyConnections(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewEndpointRegistry()
	relay := NewMessageRelay(registry, nil, logger)
	monitor := NewLivenessMonitor(registry, relay, &registryEvictor{registry: registry}, DefaultLivenessConfig(), logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	monitor.now = func() time.Time { return now }

	streaming := &writtenConn{last: now.Add(-time.Second)}
	quiet := &writtenConn{last: now.Add(-time.Minute)}
	fresh := &writtenConn{}
	_, _ = registry.Register("C1", streaming)
	_, _ = registry.SetRole("C1", domain.RoleController)
	_, _ = registry.Register("C2", quiet)
	_, _ = registry.SetRole("C2", domain.RoleController)
	_, _ = registry.Register("U1", fresh)

	assert.Equal(t, 2, monitor.Heartbeat(context.Background()))
	assert.Zero(t, streaming.bestEffortCount())
	assert.Equal(t, 1, quiet.bestEffortCount())
	assert.Equal(t, 1, fresh.bestEffortCount())
}

func TestLivenessMonitor_RunStopsWithContext(t *testing.T) {
	registry := NewEndpointRegistry()
	cfg := LivenessConfig{SweepInterval: 5 * time.Millisecond, StaleAfter: 10 * time.Millisecond}
	evictor := &registryEvictor{registry: registry}
	monitor := NewLivenessMonitor(registry, nil, evictor, cfg, zaptest.NewLogger(t).Sugar())

	_, _ = registry.Register("quiet", &fakeConn{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return registry.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
