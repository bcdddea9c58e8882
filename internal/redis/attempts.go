package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptTracker is the attempted-set shared by every reminder worker. Keys
// expire after ttl, well past the one-hour window they protect.
type AttemptTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewAttemptTracker(client redis.UniversalClient, ttl time.Duration) *AttemptTracker {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &AttemptTracker{client: client, ttl: ttl, prefix: "attempt:"}
}

func (t *AttemptTracker) Begin(ctx context.Context, key string) (bool, error) {
	ok, err := t.client.SetNX(ctx, t.prefix+key, time.Now().UTC().Format(time.RFC3339), t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark attempt %s: %w", key, err)
	}
	return ok, nil
}

func (t *AttemptTracker) Forget(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("forget attempt %s: %w", key, err)
	}
	return nil
}
