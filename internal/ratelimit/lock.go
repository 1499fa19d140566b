package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out single-holder leases on names under one redis keyspace.
// Release only deletes the key when the caller still holds its token, so a
// lease that expired and was re-won by another replica is never clobbered.
type Locker struct {
	client    *redis.Client
	script    *redis.Script
	namespace string
}

func NewLocker(client *redis.Client, namespace string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:    client,
		script:    redis.NewScript(lockReleaseScript),
		namespace: strings.TrimSpace(namespace),
	}
}

func (l *Locker) key(name string) string {
	return l.namespace + ":" + strings.TrimSpace(name)
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if strings.TrimSpace(name) == "" {
		return "", false, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if strings.TrimSpace(name) == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.key(name)}, token).Err()
}
