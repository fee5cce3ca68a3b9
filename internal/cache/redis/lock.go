package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token, so
// a holder whose lease expired cannot release its successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL and a
// token-checked unlock. The resolver keeper uses it to run on one node.
type LockManager struct {
	rdb      *redis.Client
	prefix   string
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager whose keys live under prefix.
func NewLockManager(c *Client, prefix string) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (lm *LockManager) key(name string) string {
	return lm.prefix + "lock:" + name
}

// Acquire obtains the lock name for ttl. The returned unlock function may be
// called more than once. It returns domain.ErrLockHeld when another holder
// owns the lock.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.key(name)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", name, domain.ErrLockHeld)
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
