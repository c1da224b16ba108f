package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ScanLock не даёт двум прогонам сканера выполняться одновременно.
type ScanLock interface {
	// TryAcquire захватывает блокировку без ожидания. ok == false, если она занята.
	TryAcquire(ctx context.Context) (release func() error, ok bool, err error)
}

// LocalLock - блокировка в пределах одного процесса.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock создаёт LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// TryAcquire захватывает блокировку, если она свободна.
func (l *LocalLock) TryAcquire(context.Context) (func() error, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() error {
		once.Do(l.mu.Unlock)
		return nil
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock - блокировка, общая для всех экземпляров сервиса.
// TTL защищает от вечной блокировки, если процесс упал во время сканирования.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLock создаёт RedisLock.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryAcquire выполняет SET NX с уникальным токеном владельца.
func (l *RedisLock) TryAcquire(ctx context.Context) (func() error, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Удаляем ключ, только если он всё ещё наш.
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release scan lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
