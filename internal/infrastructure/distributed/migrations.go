package distributed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "deskrelay:"
	schemaVersionKey = keyPrefix + "schema:version"
)

// Migration moves the key layout from Version-1 to Version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

var migrations = []Migration{
	{
		// Endpoint records used to be plain strings; they are hashes now.
		Version: 1,
		Up: func(ctx context.Context, client redis.UniversalClient) error {
			return deleteByPattern(ctx, client, keyPrefix+"endpoint:*", "string")
		},
	},
	{
		// Instance sets without a TTL outlive crashed relays.
		Version: 2,
		Up: func(ctx context.Context, client redis.UniversalClient) error {
			iter := client.Scan(ctx, 0, keyPrefix+"instance:*", 100).Iterator()
			for iter.Next(ctx) {
				ttl, err := client.TTL(ctx, iter.Val()).Result()
				if err != nil {
					return err
				}
				if ttl < 0 {
					if err := client.Del(ctx, iter.Val()).Err(); err != nil {
						return err
					}
				}
			}
			return iter.Err()
		},
	},
}

func currentSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	target := currentSchemaVersion()
	if version >= target {
		logger.Debugw("schema is up to date", "version", version)
		return nil
	}

	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		logger.Infow("running migration", "version", m.Version)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", target)
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func deleteByPattern(ctx context.Context, client redis.UniversalClient, pattern, keyType string) error {
	iter := client.ScanType(ctx, 0, pattern, 100, keyType).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
