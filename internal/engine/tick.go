// Package engine provides the tick-based colony loop and the Colony that
// binds the request manager, the colony's people and the view.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickSchedule defines when each layer runs relative to the tick counter.
const (
	TicksPerSimHour = 60   // 60 ticks = 1 sim-hour
	TicksPerSimDay  = 1440 // 24 hours × 60
)

// ErrStopped is returned by Do once the engine has stopped.
var ErrStopped = errors.New("engine: stopped")

// pausedPoll is how often a paused engine wakes to drain commands.
const pausedPoll = 100 * time.Millisecond

// Engine drives the colony forward. Every tick callback and every command
// passed to Do runs on the goroutine that called Run.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets)
	Speed    float64       // Multiplier: 1.0 = real-time, 0 = paused
	Interval time.Duration // Base tick interval (default 1 second)

	// Callbacks for each tick layer, populated during setup.
	OnTick func(ctx context.Context, tick uint64) // Every tick (sim-minute)
	OnHour func(ctx context.Context, tick uint64) // Every 60 ticks
	OnDay  func(ctx context.Context, tick uint64) // Every 1440 ticks

	running  atomic.Bool
	inbox    chan func()
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Speed:    1.0,
		Interval: time.Second,
		inbox:    make(chan func(), 64),
		stop:     make(chan struct{}),
	}
}

// Running reports whether Run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Run starts the loop. It blocks until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)
	slog.Info("colony engine started", "tick", e.Tick, "speed", e.Speed)

	timer := time.NewTimer(e.delay(0))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("colony engine stopped", "tick", e.Tick, "reason", ctx.Err())
			e.Stop()
			return ctx.Err()
		case <-e.stop:
			slog.Info("colony engine stopped", "tick", e.Tick)
			return nil
		case cmd := <-e.inbox:
			cmd()
		case <-timer.C:
			var elapsed time.Duration
			if e.Speed > 0 {
				start := time.Now()
				e.Step(ctx)
				elapsed = time.Since(start)
			}
			timer.Reset(e.delay(elapsed))
		}
	}
}

// delay is the wait until the next tick, adjusted for speed.
func (e *Engine) delay(elapsed time.Duration) time.Duration {
	if e.Speed <= 0 {
		return pausedPoll
	}
	target := time.Duration(float64(e.Interval) / e.Speed)
	if elapsed >= target {
		return time.Millisecond
	}
	return target - elapsed
}

// Stop halts the loop. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Do runs fn on the loop goroutine between ticks and waits for it.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case e.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrStopped
	}
}

// SetSpeed changes the speed multiplier on the loop goroutine.
func (e *Engine) SetSpeed(ctx context.Context, speed float64) error {
	return e.Do(ctx, func() { e.Speed = speed })
}

// Step advances the colony by one tick.
func (e *Engine) Step(ctx context.Context) {
	e.Tick++

	// Every tick: needs, requests and the matching pass.
	if e.OnTick != nil {
		e.OnTick(ctx, e.Tick)
	}

	// Every sim-hour: deliveries, warehouse hand-overs, construction.
	if e.Tick%TicksPerSimHour == 0 && e.OnHour != nil {
		e.OnHour(ctx, e.Tick)
	}

	// Every sim-day: daily report, work orders, persistence.
	if e.Tick%TicksPerSimDay == 0 && e.OnDay != nil {
		e.OnDay(ctx, e.Tick)
	}
}

// SimTime returns a human-readable colony time string from a tick number.
func SimTime(tick uint64) string {
	minutes := tick % 60
	totalHours := tick / 60
	hours := totalHours % 24
	days := totalHours/24 + 1
	return fmt.Sprintf("Day %d, %d:%02d", days, hours, minutes)
}
