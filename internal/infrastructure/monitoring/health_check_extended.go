package monitoring

import (
	"context"
	"fmt"
	"time"

	"deskrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCapacityCheck fails once the registry holds more than maxEndpoints.
// A non-positive limit disables the check.
func (h *HealthChecker) AddCapacityCheck(registry ports.EndpointRegistry, maxEndpoints int, interval time.Duration) {
	h.AddCheck("capacity", func(ctx context.Context) (bool, error) {
		if maxEndpoints <= 0 {
			return true, nil
		}
		if n := registry.Count(); n > maxEndpoints {
			return false, fmt.Errorf("%d endpoints connected, limit %d", n, maxEndpoints)
		}
		return true, nil
	}, interval, time.Second)
}
