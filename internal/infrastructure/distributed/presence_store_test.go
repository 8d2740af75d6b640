package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// redisForTest connects to DESKRELAY_TEST_REDIS or skips.
func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DESKRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("DESKRELAY_TEST_REDIS not set")
	}
	client, err := NewRedisClient(addr, "", 15, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestFactoryFallsBackWhenDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewPresenceFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.IsType(t, NoopPresenceStore{}, f.Presence())
	assert.Nil(t, f.Redis())
	assert.Nil(t, f.EventBus())
	assert.NotEmpty(t, f.InstanceID())
	assert.NoError(t, f.Close(context.Background()))
}

func TestFactoryFallsBackWhenUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"
	cfg.Redis.InstanceID = "relay-a"

	f := NewPresenceFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.IsType(t, NoopPresenceStore{}, f.Presence())
	assert.Equal(t, "relay-a", f.InstanceID())
}

func TestPresenceStoreLifecycle(t *testing.T) {
	client := redisForTest(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	a := NewRedisPresenceStore(client, nil, "relay-a", time.Minute, logger)
	b := NewRedisPresenceStore(client, nil, "relay-b", time.Minute, logger)

	now := time.Now()
	require.NoError(t, a.EndpointUp(ctx, domain.Endpoint{ID: "host-1", Role: domain.RoleHost, ConnectedAt: now}))
	require.NoError(t, b.EndpointUp(ctx, domain.Endpoint{ID: "host-2", Role: domain.RoleHost, ConnectedAt: now.Add(time.Second)}))
	require.NoError(t, b.EndpointUp(ctx, domain.Endpoint{ID: "ctl-1", Role: domain.RoleUnknown, ConnectedAt: now}))

	hosts, err := a.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, domain.EndpointID("host-1"), hosts[0].EndpointID)
	assert.Equal(t, "relay-b", hosts[1].InstanceID)

	rec, err := a.Lookup(ctx, "ctl-1")
	require.NoError(t, err)
	assert.Equal(t, "relay-b", rec.InstanceID)
	assert.Equal(t, now.UnixMilli(), rec.ConnectedAt.UnixMilli())

	require.NoError(t, b.Cleanup(ctx))
	hosts, err = a.Hosts(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)

	_, err = a.Lookup(ctx, "ctl-1")
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)
}

func TestPresenceStorePairingsAndEvents(t *testing.T) {
	client := redisForTest(t)
	logger := zaptest.NewLogger(t).Sugar()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	busA := NewEventBus(client, "relay-a", logger)
	busB := NewEventBus(client, "relay-b", logger)
	store := NewRedisPresenceStore(client, busA, "relay-a", time.Minute, logger)

	received := make(chan Event, 4)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go busB.Subscribe(subCtx, func(e Event) error {
		received <- e
		return nil
	})
	// Own events never come back.
	go busA.Subscribe(subCtx, func(e Event) error {
		t.Errorf("relay-a received its own event %s", e.Type)
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	p := domain.Pairing{ID: "pair_0123456789abcdef", HostID: "host-1", ControllerID: "ctl-1", State: domain.PairingActive, CreatedAt: time.Now()}
	require.NoError(t, store.PairingChanged(ctx, p))
	assert.EqualValues(t, 1, client.Exists(ctx, pairingKey(p.ID)).Val())

	p.State = domain.PairingTornDown
	p.EndReason = domain.ReasonRequested
	require.NoError(t, store.PairingChanged(ctx, p))
	assert.EqualValues(t, 0, client.Exists(ctx, pairingKey(p.ID)).Val())

	started := <-received
	assert.Equal(t, EventPairingStarted, started.Type)
	assert.Equal(t, "relay-a", started.InstanceID)
	ended := <-received
	assert.Equal(t, EventPairingEnded, ended.Type)
	assert.Equal(t, domain.ReasonRequested, ended.Reason)
}

func TestMigrateIsIdempotent(t *testing.T) {
	client := redisForTest(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	require.NoError(t, Migrate(ctx, client, logger))
	v, err := getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion(), v)
	require.NoError(t, Migrate(ctx, client, logger))
}
