package distributed

import (
	"context"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/config"
	"deskrelay/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceFactory builds the presence store, falling back to a no-op store
// when Redis is disabled or unreachable.
type PresenceFactory struct {
	client     *redis.Client
	instanceID string
	store      ports.PresenceStore
	redisStore *RedisPresenceStore
	bus        *EventBus
	logger     *zap.SugaredLogger
}

func NewPresenceFactory(cfg *config.Config, logger *zap.SugaredLogger) *PresenceFactory {
	instanceID := cfg.Redis.InstanceID
	if instanceID == "" {
		instanceID = utils.GenerateID("relay")
	}
	f := &PresenceFactory{
		instanceID: instanceID,
		store:      NoopPresenceStore{},
		logger:     logger,
	}

	if !cfg.Redis.Enabled {
		logger.Info("presence sharing disabled")
		return f
	}

	client, err := NewRedisClient(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		logger,
	)
	if err != nil {
		logger.Warnw("failed to connect to Redis, presence stays local",
			"error", err,
		)
		return f
	}

	f.client = client
	f.bus = NewEventBus(client, instanceID, logger)
	f.redisStore = NewRedisPresenceStore(client, f.bus, instanceID, cfg.Redis.PresenceTTL, logger)
	f.store = f.redisStore
	logger.Infow("sharing presence through Redis", "instance_id", instanceID)
	return f
}

func (f *PresenceFactory) InstanceID() string {
	return f.instanceID
}

func (f *PresenceFactory) Presence() ports.PresenceStore {
	return f.store
}

// Redis returns the Redis-backed store, or nil when presence is local only.
func (f *PresenceFactory) Redis() *RedisPresenceStore {
	return f.redisStore
}

// EventBus returns nil when presence is local only.
func (f *PresenceFactory) EventBus() *EventBus {
	return f.bus
}

func (f *PresenceFactory) Client() *redis.Client {
	return f.client
}

func (f *PresenceFactory) Close(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	if err := f.redisStore.Cleanup(ctx); err != nil {
		f.logger.Warnw("failed to clean up presence", "error", err)
	}
	return f.client.Close()
}

// NoopPresenceStore is used when presence is not shared.
type NoopPresenceStore struct{}

func (NoopPresenceStore) EndpointUp(context.Context, domain.Endpoint) error     { return nil }
func (NoopPresenceStore) EndpointDown(context.Context, domain.EndpointID) error { return nil }
func (NoopPresenceStore) Refresh(context.Context, []domain.EndpointID) error    { return nil }
func (NoopPresenceStore) PairingChanged(context.Context, domain.Pairing) error  { return nil }
