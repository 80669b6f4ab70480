// Package ledger records moderation side effects so each is applied at most
// once, even across restarts and multiple bot replicas. Records are plain
// Redis keys with TTL-based expiry:
//
//	Key:   redacted:<event_id>          Value: 1
//	Key:   welcomed:<room_id>|<user_id> Value: 1
//	Key:   offenses:<room_id>|<user_id> Value: <count>
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RedactedPrefix = "redacted:"
	WelcomedPrefix = "welcomed:"
	OffensesPrefix = "offenses:"

	// RedactedTTL outlives any realistic redelivery of the same event.
	RedactedTTL = 7 * 24 * time.Hour

	// WelcomedTTL bounds how long a join is remembered. A user who rejoins
	// after it expires is welcomed again.
	WelcomedTTL = 90 * 24 * time.Hour

	// OffensesTTL is the window over which redactions per sender are
	// counted. The window starts at the first offense and does not slide.
	OffensesTTL = 24 * time.Hour
)

// Store keeps the ledger in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func memberKey(prefix, roomID, userID string) string {
	return prefix + roomID + "|" + userID
}

// IsRedacted reports whether eventID was marked as redacted.
func (s *Store) IsRedacted(ctx context.Context, eventID string) (bool, error) {
	err := s.client.Get(ctx, RedactedPrefix+eventID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: is redacted: %w", err)
	}
	return true, nil
}

// MarkRedacted records that eventID has been redacted.
func (s *Store) MarkRedacted(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, RedactedPrefix+eventID, 1, RedactedTTL).Err(); err != nil {
		return fmt.Errorf("ledger: mark redacted: %w", err)
	}
	return nil
}

// ClaimWelcome sets the welcome marker only if it is absent, so concurrent
// join events for the same member produce one notice.
func (s *Store) ClaimWelcome(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, memberKey(WelcomedPrefix, roomID, userID), 1, WelcomedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: claim welcome: %w", err)
	}
	return ok, nil
}

// ReleaseWelcome removes the welcome marker.
func (s *Store) ReleaseWelcome(ctx context.Context, roomID, userID string) error {
	if err := s.client.Del(ctx, memberKey(WelcomedPrefix, roomID, userID)).Err(); err != nil {
		return fmt.Errorf("ledger: release welcome: %w", err)
	}
	return nil
}

// RecordOffense increments the sender's redaction counter for the room and
// returns the new count.
func (s *Store) RecordOffense(ctx context.Context, roomID, userID string) (int, error) {
	key := memberKey(OffensesPrefix, roomID, userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: offense incr: %w", err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ledger: offense expire: %w", err)
		}
	}
	return int(count), nil
}

// Offenses returns the current offense count, 0 if none are recorded.
func (s *Store) Offenses(ctx context.Context, roomID, userID string) (int, error) {
	n, err := s.client.Get(ctx, memberKey(OffensesPrefix, roomID, userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: offenses: %w", err)
	}
	return n, nil
}
