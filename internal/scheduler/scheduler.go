package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/automaton/internal/timebase"
)

// Defaults for the two-tier timing strategy.
const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultPollInterval = time.Millisecond
	DefaultLookAhead    = 0.1 // seconds
)

// BeatFunc is notified once per beat, at the beat's device time.
// scheduled is the beat's target time; use the timebase for "now".
type BeatFunc func(bar, beat int, scheduled float64)

// TickFunc is notified on every coarse look-ahead pass. The transition
// manager hangs off this to catch absolute-time section boundaries that
// fall between beats.
type TickFunc func(now float64)

// Config tunes the scheduler's timing strategy. Zero values take defaults.
type Config struct {
	// TickInterval is the coarse look-ahead pass period.
	TickInterval time.Duration
	// PollInterval is the fine poll period that fires armed callbacks.
	PollInterval time.Duration
	// LookAhead is the forward horizon, in seconds, within which beats
	// are armed.
	LookAhead float64
	// Measure enables the drift ring buffer.
	Measure bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LookAhead <= 0 {
		c.LookAhead = DefaultLookAhead
	}
	return c
}

// Scheduler is the look-ahead beat scheduler.
//
// State machine: idle -> running (Start) -> idle (Stop). All armed
// callbacks belong to a generation; Stop bumps the generation, so a stale
// callback that was already popped can never have a visible effect.
type Scheduler struct {
	tb  *timebase.TimeBase
	cfg Config

	mu           sync.Mutex
	running      bool
	gen          uint64
	armed        *itemHeap
	nextBeatTime float64
	nextBar      int
	nextBeat     int
	nextPassAt   float64
	bar          int
	beat         int

	// execMu is held while callbacks execute. Stop takes it after
	// flipping running, which makes cancellation synchronous.
	execMu sync.Mutex

	onBeat BeatFunc
	onTick TickFunc

	drift *driftRecorder

	quit chan struct{}
	done chan struct{}
}

// New creates an idle scheduler over the given timebase.
func New(tb *timebase.TimeBase, cfg Config) *Scheduler {
	s := &Scheduler{
		tb:    tb,
		cfg:   cfg.withDefaults(),
		armed: newItemHeap(),
	}
	if s.cfg.Measure {
		s.drift = newDriftRecorder()
	}
	return s
}

// OnBeat registers the beat notification hook.
func (s *Scheduler) OnBeat(fn BeatFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBeat = fn
}

// OnTick registers the coarse-pass hook.
func (s *Scheduler) OnTick(fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = fn
}

// Start begins ticking, with the first beat (bar, beat) due at device time
// startTime. Returns an error if already running.
func (s *Scheduler) Start(bar, beat int, startTime float64) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.nextBar = bar
	s.nextBeat = beat
	s.bar = bar
	s.beat = beat
	s.nextBeatTime = startTime
	s.nextPassAt = 0 // first poll runs a pass immediately
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	quit, done := s.quit, s.done
	s.mu.Unlock()

	slog.Info("scheduler started", "bar", bar, "beat", beat, "start_time", startTime)

	go s.loop(quit, done)
	return nil
}

// Stop cancels all armed callbacks and halts the loop. Synchronous: once
// Stop returns, no callback armed before the call will run.
//
// Must not be called from inside a scheduled callback (the execution
// barrier would deadlock); a callback that needs to stop playback should
// hand off to another goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	s.armed.clear()
	quit := s.quit
	s.mu.Unlock()

	close(quit)

	// Barrier: wait out any callback that was already executing.
	s.execMu.Lock()
	s.execMu.Unlock() //nolint:staticcheck // immediate unlock is the barrier

	slog.Info("scheduler stopped")
}

// Running reports whether the scheduler is between Start and Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Position returns the most recently fired bar and beat.
func (s *Scheduler) Position() (bar, beat int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bar, s.beat
}

// At arms a generic fine-grained callback for the given device time. A
// past-due target fires on the next poll. The callback is cancelled by
// Stop like any armed beat.
func (s *Scheduler) At(deviceTime float64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed.push(item{at: deviceTime, gen: s.gen, fn: fn})
}

// DriftSamples returns the retained drift samples, oldest first.
// Nil when measurement is disabled.
func (s *Scheduler) DriftSamples() []DriftSample {
	if s.drift == nil {
		return nil
	}
	return s.drift.Samples()
}

// DriftStats summarizes retained drift samples.
func (s *Scheduler) DriftStats() DriftStats {
	if s.drift == nil {
		return DriftStats{}
	}
	return s.drift.Stats()
}

func (s *Scheduler) loop(quit, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll is one fine tick: run the coarse pass when due, then fire every
// armed callback whose target time has passed.
func (s *Scheduler) poll() {
	now := s.tb.Now()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	tickDue := false
	if now >= s.nextPassAt {
		s.lookAheadPass(now)
		s.nextPassAt = now + s.cfg.TickInterval.Seconds()
		tickDue = s.onTick != nil
	}

	// Snapshot due items, then fire outside the lock so callbacks can
	// re-enter the scheduler (At, Stop).
	var due []item
	for {
		head, ok := s.armed.peek()
		if !ok || head.at > now {
			break
		}
		due = append(due, s.armed.pop())
	}
	tickGen := s.gen
	s.mu.Unlock()

	if tickDue {
		s.fire(item{gen: tickGen, fn: func() { s.onTick(now) }}, now)
	}
	for _, it := range due {
		s.fire(it, now)
	}
}

// lookAheadPass arms a fine callback for every beat inside the window.
// Called with s.mu held. Beats not yet armed pick up tempo changes; armed
// ones keep their original target time.
func (s *Scheduler) lookAheadPass(now float64) {
	horizon := now + s.cfg.LookAhead
	for s.nextBeatTime <= horizon {
		tempo := s.tb.TempoAt(s.nextBeatTime)
		s.armed.push(item{
			at:     s.nextBeatTime,
			gen:    s.gen,
			isBeat: true,
			bar:    s.nextBar,
			beat:   s.nextBeat,
		})

		s.nextBeatTime += tempo.SecondsPerBeat()
		s.nextBeat++
		if s.nextBeat > tempo.Numerator {
			s.nextBeat = 1
			s.nextBar++
		}
	}
}

// fire delivers one armed callback. The generation check happens while
// holding the execution barrier: a callback that passes the check before
// Stop flips the state is waited out by Stop's barrier acquisition, and one
// that arrives after fails the check. Either way nothing armed before Stop
// runs after Stop returns.
func (s *Scheduler) fire(it item, actual float64) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if !s.running || it.gen != s.gen {
		s.mu.Unlock()
		return
	}
	var onBeat BeatFunc
	if it.isBeat {
		s.bar = it.bar
		s.beat = it.beat
		onBeat = s.onBeat
	}
	s.mu.Unlock()

	// Panic containment: a fault in one callback must not kill the loop
	// or skip subsequent events.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled callback panicked", "panic", r, "target_time", it.at)
		}
	}()

	if it.isBeat {
		if s.drift != nil {
			s.drift.record(DriftSample{
				Bar:       it.bar,
				Beat:      it.beat,
				Scheduled: it.at,
				Actual:    actual,
				DriftMS:   (actual - it.at) * 1000,
			})
		}
		if onBeat != nil {
			onBeat(it.bar, it.beat, it.at)
		}
		return
	}

	if it.fn != nil {
		it.fn()
	}
}
