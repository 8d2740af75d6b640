package distributed

import (
	"context"
	"time"

	"deskrelay/pkg/cache"
)

type hostLister interface {
	Hosts(ctx context.Context) ([]PresenceRecord, error)
}

// HostDirectory serves the cluster-wide host list from a short-lived cache
// so admin polling does not scan Redis on every request.
type HostDirectory struct {
	store hostLister
	cache *cache.Cache[string, []PresenceRecord]
}

func NewHostDirectory(store hostLister, ttl time.Duration) *HostDirectory {
	return &HostDirectory{
		store: store,
		cache: cache.New[string, []PresenceRecord](ttl),
	}
}

func (d *HostDirectory) Hosts(ctx context.Context) ([]PresenceRecord, error) {
	return d.cache.GetOrLoad(ctx, "hosts", d.store.Hosts)
}

func (d *HostDirectory) Close() {
	d.cache.Stop()
}
