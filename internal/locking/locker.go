// internal/locking/locker.go
package locking

import (
	"context"
	"errors"
	"sync"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken
// over by another holder.
var ErrLockNotHeld = errors.New("lock not held by this owner")

// Release gives up a lock obtained from Locker.Lock. Calling it more than
// once is a no-op.
type Release func(ctx context.Context) error

// Locker grants exclusive access to a key until the returned Release is
// called. Lock blocks until the key is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Release, error)
}

// LocalLocker is an in-process keyed mutex. Entries are removed once no
// goroutine holds or waits for the key.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-kl.sem
			l.unref(key, kl)
		})
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))

	releaseAll := func(ctx context.Context) error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, locker := range c {
		release, err := locker.Lock(ctx, key)
		if err != nil {
			releaseAll(context.WithoutCancel(ctx))
			return nil, err
		}
		releases = append(releases, release)
	}

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() { releaseErr = releaseAll(ctx) })
		return releaseErr
	}, nil
}
