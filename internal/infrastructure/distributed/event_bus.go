package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventEndpointUp     EventType = "endpoint.up"
	EventEndpointDown   EventType = "endpoint.down"
	EventPairingStarted EventType = "pairing.started"
	EventPairingEnded   EventType = "pairing.ended"
)

const eventsChannel = keyPrefix + "events"

// Event is a lifecycle notification shared between relay instances.
type Event struct {
	Type       EventType         `json:"type"`
	InstanceID string            `json:"instance_id"`
	Timestamp  time.Time         `json:"timestamp"`
	EndpointID domain.EndpointID `json:"endpoint_id,omitempty"`
	Role       domain.Role       `json:"role,omitempty"`
	PairingID  domain.PairingID  `json:"pairing_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// EventBus publishes and receives events over Redis pub/sub.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"endpoint_id", event.EndpointID,
		"pairing_id", event.PairingID,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx is
// cancelled. Events this instance published are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}
