package timeoutmgr

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScanLock is an optional distributed lock guarding a single tick so two
// orchestratord processes never run the expiry/retry scan concurrently.
// It is a best-effort second line of defense: the Postgres row lock taken
// in expireOne (GetApprovalForUpdate) and the version check in
// machine.Transition/Retry already make a double-scan harmless, so a
// missing or unreachable Redis is never fatal to Start.
type ScanLock interface {
	// TryAcquire returns true if the lock was obtained for ttl, false if
	// another process already holds it.
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

const redisScanLockKey = "lock:timeoutmgr:scan"

// RedisScanLock implements ScanLock with a SETNX/DEL pair against Redis or
// a compatible server (Valkey, DragonflyDB).
type RedisScanLock struct {
	client *redis.Client
	key    string
}

// NewRedisScanLock wraps an already-constructed client. Passing nil
// disables locking: TryAcquire then always reports success, so callers
// don't need a separate nil-manager code path.
func NewRedisScanLock(client *redis.Client) *RedisScanLock {
	return &RedisScanLock{client: client, key: redisScanLockKey}
}

func (l *RedisScanLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, l.key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l *RedisScanLock) Release(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}
