package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("cache: timed out waiting for value")

// Store holds the latest value per key and lets readers block until a key
// is first published.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	values  map[K]V
	waiters map[K][]chan V
}

func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		values:  make(map[K]V),
		waiters: make(map[K][]chan V),
	}
}

// Get returns the current value; ok is false while the key is not yet known.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Wait returns the value for key, blocking until one is set, the timeout
// elapses (ErrTimeout) or ctx is done.
func (s *Store[K, V]) Wait(ctx context.Context, key K, timeout time.Duration) (V, error) {
	s.mu.Lock()
	if v, ok := s.values[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	ch := make(chan V, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero V
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		s.dropWaiter(key, ch)
		return zero, fmt.Errorf("%w: %v after %s", ErrTimeout, key, timeout)
	case <-ctx.Done():
		s.dropWaiter(key, ch)
		return zero, ctx.Err()
	}
}

// Set replaces the value for key.
func (s *Store[K, V]) Set(key K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, v)
}

// SetAll replaces several keys in one step, so no reader sees a partial batch.
func (s *Store[K, V]) SetAll(values map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.setLocked(k, v)
	}
}

// Update runs fn on the current value under the store lock. The result is
// stored only when fn returns true.
func (s *Store[K, V]) Update(key K, fn func(cur V, ok bool) (V, bool)) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.values[key]
	next, apply := fn(cur, ok)
	if !apply {
		return cur, false
	}
	s.setLocked(key, next)
	return next, true
}

// Values returns a snapshot of every stored value.
func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Store[K, V]) setLocked(key K, v V) {
	s.values[key] = v
	for _, ch := range s.waiters[key] {
		ch <- v
	}
	delete(s.waiters, key)
}

func (s *Store[K, V]) dropWaiter(key K, ch chan V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := s.waiters[key]
	for i, w := range waiting {
		if w == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(s.waiters, key)
		return
	}
	s.waiters[key] = waiting
}
