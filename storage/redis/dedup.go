package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// DedupChecker provides idempotency claims for webhook events, backed by
// Redis. Key format: membergate:event:<provider_event_id>
type DedupChecker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewDedupChecker creates a DedupChecker wrapping the given Redis client.
func NewDedupChecker(client redis.UniversalClient) *DedupChecker {
	return &DedupChecker{client: client, ttl: dedupTTL}
}

// Claim atomically records the event ID and reports whether this delivery is
// the first. A false result means the same event was already claimed and the
// delivery should be acknowledged without processing.
func (d *DedupChecker) Claim(ctx context.Context, eventID string) (bool, error) {
	first, err := d.client.SetNX(ctx, d.key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("event dedup claim: %w", err)
	}
	return first, nil
}

// Release drops the claim so a failed handler can let the provider's retry
// reprocess the event.
func (d *DedupChecker) Release(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, d.key(eventID)).Err()
}

func (d *DedupChecker) key(eventID string) string {
	return "membergate:event:" + eventID
}
