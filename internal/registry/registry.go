// Package registry reconciles client order ids with the ids venues assign
// asynchronously after placement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execflow/logger"
)

var (
	ErrTimeout  = errors.New("registry: timed out waiting for exchange id")
	ErrConflict = errors.New("registry: id already bound to a different order")
)

// Registry is a bijection between client ids and exchange ids. Lookups never
// fail; an unresolved id reports ok == false.
type Registry struct {
	mu         sync.Mutex
	byClient   map[string]string
	byExchange map[string]string
	waiters    map[string][]chan string
	removed    map[string]struct{}
	log        *logger.Log
}

func New(log *logger.Log) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{
		byClient:   make(map[string]string),
		byExchange: make(map[string]string),
		waiters:    make(map[string][]chan string),
		removed:    make(map[string]struct{}),
		log:        log,
	}
}

// Register binds clientID and exchangeID and releases every caller waiting on
// clientID. Registering the same pair twice is a no-op. Ids that were removed
// stay removed.
func (r *Registry) Register(clientID, exchangeID string) error {
	if clientID == "" || exchangeID == "" {
		return fmt.Errorf("registry: empty id (client=%q exchange=%q)", clientID, exchangeID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.removed[clientID]; gone {
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"client_id":   clientID,
			"exchange_id": exchangeID,
		}).Debug("ignoring registration of removed order")
		return nil
	}
	if existing, ok := r.byClient[clientID]; ok {
		if existing == exchangeID {
			return nil
		}
		return fmt.Errorf("%w: client id %s is bound to %s", ErrConflict, clientID, existing)
	}
	if existing, ok := r.byExchange[exchangeID]; ok {
		return fmt.Errorf("%w: exchange id %s is bound to %s", ErrConflict, exchangeID, existing)
	}

	r.byClient[clientID] = exchangeID
	r.byExchange[exchangeID] = clientID

	for _, ch := range r.waiters[clientID] {
		ch <- exchangeID
	}
	delete(r.waiters, clientID)
	return nil
}

func (r *Registry) ResolveExchangeID(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byClient[clientID]
	return id, ok
}

func (r *Registry) ResolveClientID(exchangeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExchange[exchangeID]
	return id, ok
}

// WaitForExchangeID returns the exchange id for clientID, blocking until it
// is registered, the timeout elapses (ErrTimeout) or ctx is done. A removed
// id never resolves, so waiting on one runs into the timeout. A timeout does
// not affect a later registration of the same id.
func (r *Registry) WaitForExchangeID(ctx context.Context, clientID string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	if id, ok := r.byClient[clientID]; ok {
		r.mu.Unlock()
		return id, nil
	}
	ch := make(chan string, 1)
	r.waiters[clientID] = append(r.waiters[clientID], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-ch:
		return id, nil
	case <-timer.C:
		r.dropWaiter(clientID, ch)
		return "", fmt.Errorf("%w: client id %s after %s", ErrTimeout, clientID, timeout)
	case <-ctx.Done():
		r.dropWaiter(clientID, ch)
		return "", ctx.Err()
	}
}

// dropWaiter forgets ch unless Register already released it.
func (r *Registry) dropWaiter(clientID string, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiting := r.waiters[clientID]
	for i, w := range waiting {
		if w == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(r.waiters, clientID)
		return
	}
	r.waiters[clientID] = waiting
}

// Remove deletes both directions of clientID's binding and retires the id.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exchangeID, ok := r.byClient[clientID]; ok {
		delete(r.byExchange, exchangeID)
		delete(r.byClient, clientID)
	}
	r.removed[clientID] = struct{}{}
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byClient)
}

// Waiting returns how many callers are blocked on clientID.
func (r *Registry) Waiting(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[clientID])
}
