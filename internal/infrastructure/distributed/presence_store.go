package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceRecord is what other instances can learn about an endpoint.
type PresenceRecord struct {
	EndpointID  domain.EndpointID
	Role        domain.Role
	InstanceID  string
	ConnectedAt time.Time
}

// RedisPresenceStore mirrors local endpoints and pairings into Redis so that
// every relay instance can list hosts cluster-wide. Records expire unless
// refreshed, so a crashed instance disappears on its own.
type RedisPresenceStore struct {
	client     redis.UniversalClient
	bus        *EventBus
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewRedisPresenceStore(
	client redis.UniversalClient,
	bus *EventBus,
	instanceID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *RedisPresenceStore {
	return &RedisPresenceStore{
		client:     client,
		bus:        bus,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

func (r *RedisPresenceStore) EndpointUp(ctx context.Context, ep domain.Endpoint) error {
	key := endpointKey(ep.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"role", string(ep.Role),
			"instance_id", r.instanceID,
			"connected_at", ep.ConnectedAt.UnixMilli(),
		)
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, r.instanceKey(), string(ep.ID))
		pipe.Expire(ctx, r.instanceKey(), r.ttl)
		if ep.Role == domain.RoleHost {
			pipe.ZAdd(ctx, hostsKey, redis.Z{Score: float64(ep.ConnectedAt.UnixMilli()), Member: string(ep.ID)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish endpoint: %w", err)
	}
	return r.publish(ctx, Event{Type: EventEndpointUp, EndpointID: ep.ID, Role: ep.Role})
}

func (r *RedisPresenceStore) EndpointDown(ctx context.Context, id domain.EndpointID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, endpointKey(id))
		pipe.SRem(ctx, r.instanceKey(), string(id))
		pipe.ZRem(ctx, hostsKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove endpoint: %w", err)
	}
	return r.publish(ctx, Event{Type: EventEndpointDown, EndpointID: id})
}

// Refresh extends the TTL of every id still connected to this instance.
func (r *RedisPresenceStore) Refresh(ctx context.Context, ids []domain.EndpointID) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Expire(ctx, endpointKey(id), r.ttl)
		}
		pipe.Expire(ctx, r.instanceKey(), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceStore) PairingChanged(ctx context.Context, p domain.Pairing) error {
	key := pairingKey(p.ID)
	event := Event{PairingID: p.ID, EndpointID: p.HostID}

	if p.State == domain.PairingActive {
		err := r.client.HSet(ctx, key,
			"host_id", string(p.HostID),
			"controller_id", string(p.ControllerID),
			"instance_id", r.instanceID,
			"created_at", p.CreatedAt.UnixMilli(),
		).Err()
		if err == nil {
			err = r.client.Expire(ctx, key, r.ttl).Err()
		}
		if err != nil {
			return fmt.Errorf("failed to publish pairing: %w", err)
		}
		event.Type = EventPairingStarted
	} else {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to remove pairing: %w", err)
		}
		event.Type = EventPairingEnded
		event.Reason = p.EndReason
	}
	return r.publish(ctx, event)
}

// Lookup returns the presence record for id from any instance.
func (r *RedisPresenceStore) Lookup(ctx context.Context, id domain.EndpointID) (PresenceRecord, error) {
	fields, err := r.client.HGetAll(ctx, endpointKey(id)).Result()
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("failed to get endpoint: %w", err)
	}
	if len(fields) == 0 {
		return PresenceRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, id)
	}

	rec := PresenceRecord{
		EndpointID: id,
		Role:       domain.Role(fields["role"]),
		InstanceID: fields["instance_id"],
	}
	var ms int64
	if _, err := fmt.Sscan(fields["connected_at"], &ms); err == nil {
		rec.ConnectedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

// Hosts lists hosts across every instance, oldest first. Entries whose
// record has expired are pruned on the way.
func (r *RedisPresenceStore) Hosts(ctx context.Context) ([]PresenceRecord, error) {
	ids, err := r.client.ZRange(ctx, hostsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	hosts := make([]PresenceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Lookup(ctx, domain.EndpointID(id))
		if errors.Is(err, domain.ErrUnknownEndpoint) {
			r.client.ZRem(ctx, hostsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, rec)
	}
	return hosts, nil
}

// Cleanup removes everything this instance published. Called on shutdown.
func (r *RedisPresenceStore) Cleanup(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance endpoints: %w", err)
	}
	for _, id := range ids {
		if err := r.EndpointDown(ctx, domain.EndpointID(id)); err != nil {
			r.logger.Warnw("failed to remove endpoint during cleanup",
				"endpoint_id", id,
				"error", err,
			)
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}

func (r *RedisPresenceStore) publish(ctx context.Context, event Event) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Publish(ctx, event)
}

const hostsKey = keyPrefix + "hosts"

func endpointKey(id domain.EndpointID) string {
	return keyPrefix + "endpoint:" + string(id)
}

func pairingKey(id domain.PairingID) string {
	return keyPrefix + "pairing:" + string(id)
}

func (r *RedisPresenceStore) instanceKey() string {
	return keyPrefix + "instance:" + r.instanceID + ":endpoints"
}
