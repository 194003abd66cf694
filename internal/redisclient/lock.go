package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

// bookingLocker guards the booking critical section with a per
// (doctor, start-minute) Redis key so two processes cannot both insert an
// appointment for the same slot.
type bookingLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBookingLocker creates a schedule.BookingLocker backed by Redis SetNX.
func NewBookingLocker(client *redis.Client, ttl time.Duration) schedule.BookingLocker {
	return &bookingLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *bookingLocker) WithBookingLock(ctx context.Context, doctorID uuid.UUID, start time.Time, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:booking:%s:%d", doctorID, start.Truncate(time.Minute).Unix())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire booking lock: %w", err)
	}
	if !ok {
		return schedule.ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *bookingLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release booking lock: %w", err)
	}
	return nil
}
