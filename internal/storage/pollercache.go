package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// pollerCachePath is the store-wide object holding the git poller's last
// observed refs.
const pollerCachePath = "git_poller_cache.json"

// PollerCache is a read-modify-write handle over the git poller's ref cache,
// a mapping trigger_id -> ref -> sha. The single poller task is the only
// writer, so no further locking is needed.
type PollerCache struct {
	store Store
}

func NewPollerCache(store Store) *PollerCache {
	return &PollerCache{store: store}
}

// Load returns the cache content; a missing object loads as an empty cache.
func (p *PollerCache) Load(ctx context.Context) (map[string]map[string]string, error) {
	data, err := p.store.GetString(ctx, pollerCachePath)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("load poller cache: %w", err)
	}
	cache := map[string]map[string]string{}
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("unmarshal poller cache: %w", err)
	}
	return cache, nil
}

// Update applies fn to the cache and writes it back.
func (p *PollerCache) Update(ctx context.Context, fn func(cache map[string]map[string]string)) error {
	cache, err := p.Load(ctx)
	if err != nil {
		return err
	}
	fn(cache)
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("marshal poller cache: %w", err)
	}
	if err := p.store.PutString(ctx, pollerCachePath, data, "application/json"); err != nil {
		return fmt.Errorf("save poller cache: %w", err)
	}
	return nil
}
