package seeder

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/session-gateway/internal/auth"
)

// DefaultTenantID owns keys seeded from configuration.
const DefaultTenantID = "00000000-0000-0000-0000-000000000001"

// SeedAPIKeys makes every key in keys usable by DefaultTenantID and turns
// off seeded keys that are no longer configured. Keys that already exist are
// re-activated. It returns the number of keys stored.
func SeedAPIKeys(ctx context.Context, store auth.Store, keys []string, rateLimit int64) int {
	if len(keys) == 0 {
		return 0
	}
	n := 0
	keep := make([]string, 0, len(keys))
	for _, key := range keys {
		apiKey := &auth.APIKey{
			TenantID:  DefaultTenantID,
			KeyHash:   auth.HashKey(key),
			RateLimit: rateLimit,
			Active:    true,
		}
		keep = append(keep, apiKey.KeyHash)
		if err := store.Create(ctx, apiKey); err != nil {
			log.WithError(err).Warn("seeding api key failed")
			continue
		}
		n++
	}

	removed, err := store.DeactivateExcept(ctx, DefaultTenantID, keep)
	if err != nil {
		log.WithError(err).Warn("deactivating stale api keys failed")
	}
	log.WithFields(log.Fields{"tenant_id": DefaultTenantID, "count": n, "deactivated": removed}).Info("api keys seeded")
	return n
}
