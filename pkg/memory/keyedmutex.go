package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adiwidjaja/nalar/pkg/observability"
)

// KeyedMutex serializes writers per key with a bounded wait. A writer that
// cannot acquire the key within the timeout gives up instead of stalling the
// query path.
type KeyedMutex struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
}

func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{
		slots:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (k *KeyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		k.slots[key] = s
	}
	return s
}

// Lock acquires the key or reports false after the timeout. Context
// cancellation also aborts the wait.
func (k *KeyedMutex) Lock(ctx context.Context, key string) bool {
	s := k.slot(key)

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return true
	case <-timer.C:
		observability.GetGlobalMetrics().RecordLockTimeout(ctx, key)
		return false
	case <-ctx.Done():
		return false
	}
}

func (k *KeyedMutex) Unlock(key string) {
	select {
	case <-k.slot(key):
	default:
	}
}
