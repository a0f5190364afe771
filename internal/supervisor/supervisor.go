// Package supervisor owns the engine's long-running goroutines and decides
// what happens when one of them stops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"execflow/internal/metrics"
	"execflow/logger"
)

var ErrUnitFailed = errors.New("supervisor: unit failed")

const (
	DefaultRestartDelay    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Policy decides what a unit's unexpected exit means.
type Policy int

const (
	// Fatal cancels every unit. Returning nil before shutdown also counts
	// as a failure.
	Fatal Policy = iota
	// Restart logs the exit and runs the unit again after the restart delay.
	Restart
)

func (p Policy) String() string {
	if p == Restart {
		return "restart"
	}
	return "fatal"
}

type Unit struct {
	Name   string
	Policy Policy
	Run    func(ctx context.Context) error
}

type Config struct {
	RestartDelay time.Duration
}

type Supervisor struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	log     *logger.Log
	metrics *metrics.Collector

	mu      sync.Mutex
	running map[string]struct{}
}

func New(parent context.Context, cfg Config, log *logger.Log, m *metrics.Collector) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		cfg:     cfg,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		log:     log,
		metrics: m,
		running: make(map[string]struct{}),
	}
}

// Context is cancelled when the supervisor shuts down or a fatal unit fails.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts u under its policy.
func (s *Supervisor) Go(u Unit) {
	s.mu.Lock()
	s.running[u.Name] = struct{}{}
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, u.Name)
			s.mu.Unlock()
		}()
		if u.Policy == Restart {
			return s.restartLoop(u)
		}
		return s.runFatal(u)
	})
}

func (s *Supervisor) runFatal(u Unit) error {
	err := s.runOnce(u)
	if s.ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("exited before shutdown")
	}
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"unit":   u.Name,
		"policy": u.Policy.String(),
	}).WithError(err).Error("unit failed, shutting down")
	return fmt.Errorf("%w: %s: %v", ErrUnitFailed, u.Name, err)
}

func (s *Supervisor) restartLoop(u Unit) error {
	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"unit":   u.Name,
		"policy": u.Policy.String(),
	})
	for {
		err := s.runOnce(u)
		if s.ctx.Err() != nil {
			return nil
		}
		s.metrics.Inc(metrics.UnitRestarts, u.Name)
		entry := log.WithField("restart_delay", s.cfg.RestartDelay.String())
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("unit exited, restarting")

		timer := time.NewTimer(s.cfg.RestartDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce turns a panic into an error.
func (s *Supervisor) runOnce(u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithComponent("supervisor").WithFields(logger.Fields{
				"unit":  u.Name,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("unit panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.Run(s.ctx)
}

// Running lists units that have not returned yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	return out
}

// Wait blocks until every unit returned and reports the first fatal failure.
func (s *Supervisor) Wait() error {
	err := s.group.Wait()
	s.cancel()
	return err
}

// Shutdown cancels every unit and waits up to timeout for them to return.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		s.log.WithComponent("supervisor").Info("all units stopped")
		return err
	case <-timer.C:
		stuck := s.Running()
		s.log.WithComponent("supervisor").WithField("units", stuck).Error("shutdown timed out")
		return fmt.Errorf("supervisor: %d units still running after %s: %v", len(stuck), timeout, stuck)
	}
}
