package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/balcao-pos/balcao-pos/internal/shared"
)

// UsageCounter tracks issued documents per merchant and document type for
// quota and billing visibility. Registration is idempotent per document id:
// a SETNX guard keyed by the id absorbs replays before the counter moves.
type UsageCounter struct {
	client     *redis.Client
	merchantID string
	guardTTL   time.Duration
}

// NewUsageCounter constructs the counter.
func NewUsageCounter(client *redis.Client, merchantID string) *UsageCounter {
	return &UsageCounter{
		client:     client,
		merchantID: merchantID,
		guardTTL:   90 * 24 * time.Hour,
	}
}

// Register increments the monthly counter once per document.
func (u *UsageCounter) Register(ctx context.Context, documentID string, docType DocumentType) error {
	if documentID == "" {
		return fmt.Errorf("fiscal: usage registration requires a document id")
	}

	set, err := u.client.SetNX(ctx, shared.UsageGuardKey(documentID), 1, u.guardTTL).Result()
	if err != nil {
		return fmt.Errorf("fiscal: usage guard: %w", err)
	}
	if !set {
		// Already registered for this document.
		return nil
	}

	key := u.counterKey(docType, time.Now())
	if err := u.client.Incr(ctx, key).Err(); err != nil {
		// Release the guard so a retry can land the increment.
		_ = u.client.Del(ctx, shared.UsageGuardKey(documentID)).Err()
		return fmt.Errorf("fiscal: usage increment: %w", err)
	}
	return nil
}

// Current reads the counter for the given type and month.
func (u *UsageCounter) Current(ctx context.Context, docType DocumentType, at time.Time) (int64, error) {
	count, err := u.client.Get(ctx, u.counterKey(docType, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

func (u *UsageCounter) counterKey(docType DocumentType, at time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", u.merchantID, docType, at.Format("200601"))
}
