package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/venzell/taskrunner/internal/config"
)

// ShutdownTarget is the narrow slice of the runner the supervisor
// drives. Keeping the interface small breaks the runner/supervisor
// cycle and lets tests substitute a fake.
type ShutdownTarget interface {
	// BeginShutdown stops the polling loop and emits the shutdown event.
	BeginShutdown(reason string)
	// Done is closed once the polling loop has exited.
	Done() <-chan struct{}
	// RunningWorkers reaps finished workers and reports how many remain.
	RunningWorkers() int
	// ForceKillWorkers terminates the remaining owned workers.
	ForceKillWorkers(ctx context.Context) error
	// FinalizeShutdown persists final state and releases PID files.
	FinalizeShutdown() error
}

// workerWaitStep is how often the shutdown wait re-checks the worker
// count.
const workerWaitStep = 200 * time.Millisecond

// Supervisor owns signal handling and the shutdown sequence. Exactly one
// shutdown ever runs; once it starts the signal handlers are unregistered
// so a second signal gets default handling (immediate death).
type Supervisor struct {
	target    ShutdownTarget
	graceful  time.Duration
	forceKill time.Duration
	log       *slog.Logger

	started   atomic.Bool
	triggered chan struct{}
}

func NewSupervisor(target ShutdownTarget, cfg *config.Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		target:    target,
		graceful:  cfg.GracefulTimeout,
		forceKill: cfg.ForceKillTimeout,
		log:       log.With("component", "supervisor"),
		triggered: make(chan struct{}),
	}
}

// Trigger starts the shutdown sequence from outside the signal path
// (the control socket's stop method). Safe to call more than once.
func (s *Supervisor) Trigger(reason string) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.target.BeginShutdown(reason)
	close(s.triggered)
}

// Run blocks until shutdown completes, returning the process exit code.
// runErr delivers the runner's Start result: a non-nil value is a
// startup failure and exits 1 immediately; nil means the loop ended.
func (s *Supervisor) Run(runErr <-chan error) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case err := <-runErr:
			signal.Stop(sigCh)
			if err != nil {
				s.log.Error("runner failed to start", "error", err)
				return 1
			}
			// The loop exited on its own: shutdown was begun elsewhere
			// (control socket or context); finish the sequence.
			s.started.Store(true)
			return s.finish()

		case <-s.triggered:
			signal.Stop(sigCh)
			return s.finish()

		case <-hupCh:
			if s.started.Load() {
				continue
			}
			config.Invalidate()
			s.log.Info("config cache invalidated, next read reloads")

		case sig := <-sigCh:
			if !s.started.CompareAndSwap(false, true) {
				continue
			}
			signal.Stop(sigCh)
			s.log.Info("signal received", "signal", sig.String())
			s.target.BeginShutdown("signal: " + sig.String())
			return s.finish()
		}
	}
}

// finish runs the tail of the shutdown sequence: wait for the loop,
// wait for workers within the graceful window, force-kill stragglers,
// persist final state. Exit code 0 only when every step succeeded.
func (s *Supervisor) finish() int {
	select {
	case <-s.target.Done():
	case <-time.After(s.graceful):
		s.log.Warn("polling loop did not exit in time")
	}

	failed := false
	if !s.waitWorkers(s.graceful) {
		s.log.Warn("graceful timeout expired, force killing workers")
		ctx, cancel := context.WithTimeout(context.Background(), s.forceKill)
		if err := s.target.ForceKillWorkers(ctx); err != nil {
			s.log.Error("force kill failed", "error", err)
			failed = true
		}
		cancel()
		if !s.waitWorkers(s.forceKill) {
			s.log.Error("workers still running after force kill")
			failed = true
		}
	}

	if err := s.target.FinalizeShutdown(); err != nil {
		s.log.Error("final state persist failed", "error", err)
		failed = true
	}

	if failed {
		return 1
	}
	s.log.Info("shutdown complete")
	return 0
}

// waitWorkers polls the worker count until it reaches zero or the
// window expires.
func (s *Supervisor) waitWorkers(window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if s.target.RunningWorkers() == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(workerWaitStep)
	}
}
