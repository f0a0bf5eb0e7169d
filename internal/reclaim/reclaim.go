// Package reclaim unloads an idle backend after a period without user activity.
package reclaim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/erg0nix/parley/internal/clock"
)

// Target is what the reclaimer acts on. Both methods run on the owner goroutine.
type Target interface {
	// Busy reports whether a generation session is in progress.
	Busy() bool
	// Reclaim unloads the backend and announces it.
	Reclaim(ctx context.Context) error
}

// Poster schedules fn on the owner goroutine. It returns false if the owner is gone.
type Poster func(fn func()) bool

// Reclaimer owns the single idle countdown. Every arming bumps an epoch so a
// timer that fires after being replaced or cancelled does nothing.
type Reclaimer struct {
	clock  clock.Clock
	target Target
	post   Poster
	logger *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
	enabled bool
	timer   *clock.Timer
	epoch   uint64
}

func New(clk clock.Clock, timeout time.Duration, enabled bool, target Target, post Poster, logger *slog.Logger) *Reclaimer {
	if clk == nil {
		clk = clock.Real()
	}

	if post == nil {
		post = func(fn func()) bool {
			fn()
			return true
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Reclaimer{
		clock:   clk,
		target:  target,
		post:    post,
		logger:  logger,
		timeout: timeout,
		enabled: enabled,
	}
}

// OnActivity restarts the countdown. It is a no-op while disabled.
func (r *Reclaimer) OnActivity() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	r.armLocked()
}

// Cancel drops the pending countdown, if any.
func (r *Reclaimer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
}

// SetTimeout changes the countdown length. A pending countdown restarts with the new value.
func (r *Reclaimer) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timeout = d

	if r.timer != nil {
		r.armLocked()
	}
}

func (r *Reclaimer) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enabled = enabled

	if !enabled {
		r.stopLocked()
	}
}

// Armed reports whether a countdown is pending.
func (r *Reclaimer) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Reclaimer) armLocked() {
	r.stopLocked()

	epoch := r.epoch
	r.timer = r.clock.AfterFunc(r.timeout, func() { r.fire(epoch) })
}

func (r *Reclaimer) stopLocked() {
	r.epoch++

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reclaimer) current(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return epoch == r.epoch
}

func (r *Reclaimer) fire(epoch uint64) {
	if !r.current(epoch) {
		return
	}

	posted := r.post(func() { r.expire(epoch) })
	if !posted {
		r.logger.Debug("idle reclaim dropped, owner stopped")
	}
}

// expire runs on the owner goroutine.
func (r *Reclaimer) expire(epoch uint64) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	if r.target.Busy() {
		r.logger.Info("idle timeout reached during generation, skipping unload")
		return
	}

	if err := r.target.Reclaim(context.Background()); err != nil {
		r.logger.Warn("idle unload failed", "error", err)
		return
	}

	r.logger.Info("backend unloaded after inactivity")
}
