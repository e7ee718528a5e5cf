package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

// HealthProbeTimeout bounds a single startup health probe.
const HealthProbeTimeout = 5 * time.Second

// Static errors.
var (
	ErrStartupTimeout   = errors.New("backing server failed to become ready within startup window")
	ErrReadinessTimeout = errors.New("backing server not ready")
)

// HealthChecker probes the backing server for liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SupervisorOptions configures the backing server supervisor.
//
// An empty LaunchCommand skips process spawning and only polls an externally
// managed server.
type SupervisorOptions struct {
	LaunchCommand   []string
	FallbackCommand []string
	FallbackDir     string
	StartupTimeout  time.Duration
	PollInterval    time.Duration
}

// Supervisor brings the backing server up exactly once per process lifetime
// and owns the one-shot readiness signal consumed by the job path. The signal
// is monotonic: it either fires ready or fails terminally, never both.
type Supervisor struct {
	health HealthChecker
	opts   SupervisorOptions
	log    *logger.Logger

	ready      chan struct{}
	failed     chan struct{}
	failOnce   sync.Once
	failureMu  sync.Mutex
	failureErr error
}

// NewSupervisor creates a supervisor polling the given health checker.
func NewSupervisor(
	health HealthChecker,
	opts SupervisorOptions,
	log *logger.Logger,
) *Supervisor {
	return &Supervisor{
		health:     health,
		opts:       opts,
		log:        log,
		ready:      make(chan struct{}),
		failed:     make(chan struct{}),
		failOnce:   sync.Once{},
		failureMu:  sync.Mutex{},
		failureErr: nil,
	}
}

// Run launches the backing server and polls its health endpoint until it
// reports ready or the startup window is exhausted. Run is intended to be
// called once, on its own goroutine; there are no retries after the window
// closes.
func (s *Supervisor) Run(ctx context.Context) error {
	launchErr := s.launch(ctx)
	if launchErr != nil {
		s.fail(launchErr)

		return launchErr
	}

	pollErr := s.pollUntilReady(ctx)
	if pollErr != nil {
		s.fail(pollErr)

		return pollErr
	}

	return nil
}

// AwaitReady blocks until the backing server is ready, the supervisor has
// failed terminally, or the wait budget elapses. A budget expiry fails only
// the calling job; the readiness signal may still fire later.
func (s *Supervisor) AwaitReady(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.failed:
		return s.failure()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrReadinessTimeout, wait)
	case <-ctx.Done():
		return fmt.Errorf("readiness wait canceled: %w", ctx.Err())
	}
}

func (s *Supervisor) launch(ctx context.Context) error {
	if len(s.opts.LaunchCommand) == 0 {
		s.log.Info("No launch command configured, attaching to external backing server")

		return nil
	}

	s.log.Info("Starting backing server: %v", s.opts.LaunchCommand)

	// #nosec G204 -- launch commands come from operator-owned configuration
	cmd := exec.CommandContext(ctx, s.opts.LaunchCommand[0], s.opts.LaunchCommand[1:]...)

	startErr := cmd.Start()
	if startErr == nil {
		s.reapInBackground(cmd)

		return nil
	}

	if !isCommandMissing(startErr) {
		return fmt.Errorf("failed to start backing server: %w", startErr)
	}

	if len(s.opts.FallbackCommand) == 0 {
		return fmt.Errorf("failed to start backing server: %w", startErr)
	}

	s.log.Warn(
		"Launch command unavailable (%v), using fallback: %v",
		startErr,
		s.opts.FallbackCommand,
	)

	// #nosec G204 -- launch commands come from operator-owned configuration
	fallback := exec.CommandContext(
		ctx,
		s.opts.FallbackCommand[0],
		s.opts.FallbackCommand[1:]...,
	)
	fallback.Dir = s.opts.FallbackDir

	fallbackErr := fallback.Start()
	if fallbackErr != nil {
		return fmt.Errorf("failed to start backing server via fallback: %w", fallbackErr)
	}

	s.reapInBackground(fallback)

	return nil
}

// reapInBackground waits on the child so it does not linger as a zombie.
// The supervisor does not restart exited children; a dead server surfaces as
// health probe failures.
func (s *Supervisor) reapInBackground(cmd *exec.Cmd) {
	go func() {
		waitErr := cmd.Wait()
		if waitErr != nil {
			s.log.Warn("Backing server process exited: %v", waitErr)
		}
	}()
}

func (s *Supervisor) pollUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(s.opts.StartupTimeout)

	var lastProbeErr error

	for {
		lastProbeErr = s.probe(ctx)
		if lastProbeErr == nil {
			close(s.ready)
			s.log.Info("Backing server is ready")

			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: last probe error: %w", ErrStartupTimeout, lastProbeErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("startup poll canceled: %w", ctx.Err())
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()

	return s.health.HealthCheck(probeCtx)
}

func (s *Supervisor) fail(err error) {
	s.failOnce.Do(func() {
		s.failureMu.Lock()
		s.failureErr = err
		s.failureMu.Unlock()

		close(s.failed)
		s.log.Error("Backing server startup failed: %v", err)
	})
}

func (s *Supervisor) failure() error {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()

	return s.failureErr
}

func isCommandMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
