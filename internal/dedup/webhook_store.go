package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookStore remembers processed webhook event ids in Redis so gateway
// re-deliveries can be acknowledged without touching the database.
type WebhookStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewWebhookStore(rdb redis.Cmdable, ttl time.Duration) *WebhookStore {
	return &WebhookStore{rdb: rdb, ttl: ttl}
}

func (s *WebhookStore) Key(eventID string) string {
	return "webhook:event:" + eventID
}

func (s *WebhookStore) Seen(ctx context.Context, eventID string) (bool, error) {
	err := s.rdb.Get(ctx, s.Key(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed must only be called once the event has been fully applied.
func (s *WebhookStore) MarkProcessed(ctx context.Context, eventID string) error {
	return s.rdb.Set(ctx, s.Key(eventID), "1", s.ttl).Err()
}
