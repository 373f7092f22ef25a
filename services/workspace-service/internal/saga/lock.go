package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker serialises handlers of one saga across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

func NewRedisLocker(client redis.UniversalClient, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), expiry: expiry, tries: 64}
}

// Lock holds the mutex until unlock is called, extending it every third of
// the expiry. A holder that stops extending (crash, lost redis) loses the lock
// after one expiry.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	m := l.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.expiry / 3)
		defer t.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-t.C:
				if ok, err := m.ExtendContext(keepCtx); err != nil || !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			stop()
			<-done
			if _, uerr := m.UnlockContext(ctx); uerr != nil {
				err = fmt.Errorf("unlock %s: %w", key, uerr)
			}
		})
		return err
	}, nil
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]chan struct{}{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}
