package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dhcgn/mailvec/model"
)

const lockRetryDelay = 50 * time.Millisecond

var (
	registryMu sync.Mutex
	registry   = map[string]*sync.RWMutex{}
)

func processLock(key string) *sync.RWMutex {
	registryMu.Lock()
	defer registryMu.Unlock()
	mu, ok := registry[key]
	if !ok {
		mu = &sync.RWMutex{}
		registry[key] = mu
	}
	return mu
}

// collectionLock is a readers-writer lock on one collection, held both
// inside the process and across processes through a lock file.
type collectionLock struct {
	mu     *sync.RWMutex
	file   *flock.Flock
	write  bool
	locked bool
}

func acquire(ctx context.Context, dir, name string, write bool, timeout time.Duration) (*collectionLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", model.ErrVectorStoreIO, dir, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	l := &collectionLock{
		mu:    processLock(abs + "\x00" + name),
		file:  flock.New(filepath.Join(abs, name+".lock")),
		write: write,
	}

	if err := l.lockProcess(ctx); err != nil {
		return nil, err
	}

	var ok bool
	if write {
		ok, err = l.file.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = l.file.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil || !ok {
		l.unlockProcess()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: collection %q is busy: %w", model.ErrVectorStoreIO, name, err)
	}

	l.locked = true
	return l, nil
}

func (l *collectionLock) lockProcess(ctx context.Context) error {
	for {
		var ok bool
		if l.write {
			ok = l.mu.TryLock()
		} else {
			ok = l.mu.TryRLock()
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: collection is busy: %w", model.ErrVectorStoreIO, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l *collectionLock) unlockProcess() {
	if l.write {
		l.mu.Unlock()
	} else {
		l.mu.RUnlock()
	}
}

func (l *collectionLock) release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	err := l.file.Unlock()
	l.unlockProcess()
	if err != nil {
		return fmt.Errorf("%w: unlock: %v", model.ErrVectorStoreIO, err)
	}
	return nil
}
