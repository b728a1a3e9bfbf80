// Package aleatoric choreographs stochastic performance cues: it repeatedly
// picks a performer and a random interval, sends a countdown, then a
// "perform now" cue, and immediately schedules the next cycle.
package aleatoric

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/roach88/automaton/internal/score"
)

// Timing bounds one cue cycle. The countdown lead actually used is
// min(Countdown, LeadTime, interval) so a short interval still cues.
type Timing struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Countdown   time.Duration
	LeadTime    time.Duration
}

// Validate rejects timings the cycle cannot run on.
func (t Timing) Validate() error {
	if t.MinInterval <= 0 || t.MaxInterval < t.MinInterval {
		return fmt.Errorf("invalid interval bounds [%v, %v]", t.MinInterval, t.MaxInterval)
	}
	if t.Countdown < 0 || t.LeadTime < 0 {
		return fmt.Errorf("countdown and lead time must be non-negative")
	}
	return nil
}

// Hooks receive cycle side effects. All hooks are optional except Trigger,
// and are called off the scheduler's internal timers.
type Hooks struct {
	// OnCountdown is sent when the countdown starts, with the seconds
	// remaining until the cue.
	OnCountdown func(p score.PerformerTarget, secondsRemaining float64)
	// OnPerformNow is the distinct "play now" notification.
	OnPerformNow func(p score.PerformerTarget)
	// OnCancelled is sent if Stop lands after a countdown already went out.
	OnCancelled func(p score.PerformerTarget)
	// OpenMicGate opens the chosen performer's mic input, fading in over
	// the countdown duration. Only called when the interval allowed the
	// full countdown.
	OpenMicGate func(p score.PerformerTarget, fade time.Duration)
	// Trigger is the caller-supplied cue callback, invoked at "perform now"
	// with the score data captured when the cycle was scheduled.
	Trigger func(p score.PerformerTarget, scoreData map[string]any)
}

// Scheduler runs the continuous cue stream. State machine:
// stopped -> running (Start) -> stopped (Stop).
//
// Timing, section binding, and score data are hot-swappable mid-run; the
// in-flight cycle keeps the parameters captured when it was scheduled and
// the next cycle picks up the new ones.
type Scheduler struct {
	hooks Hooks

	mu         sync.Mutex
	rng        *rand.Rand
	running    bool
	gen        uint64
	timing     Timing
	performers []score.PerformerTarget
	sectionID  string
	scoreData  map[string]any
	lastPick   int
	timers     []*time.Timer
	inFlight   *score.PerformerTarget // performer whose countdown went out
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithRand injects a seeded random source for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// New creates a stopped scheduler.
func New(timing Timing, performers []score.PerformerTarget, hooks Hooks, opts ...Option) (*Scheduler, error) {
	if err := timing.Validate(); err != nil {
		return nil, fmt.Errorf("aleatoric timing: %w", err)
	}
	if len(performers) == 0 {
		return nil, fmt.Errorf("aleatoric scheduler requires at least one performer")
	}
	s := &Scheduler{
		hooks:      hooks,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		timing:     timing,
		performers: append([]score.PerformerTarget(nil), performers...),
		lastPick:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the cue stream. No-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.inFlight = nil
	s.mu.Unlock()

	slog.Info("aleatoric scheduler started", "section", s.SectionID())
	s.scheduleCycle()
}

// Stop cancels pending timers. If a countdown had already been sent for the
// in-flight cycle, the performer gets a cancellation so their display does
// not count down into nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	cancelled := s.inFlight
	s.inFlight = nil
	s.mu.Unlock()

	if cancelled != nil && s.hooks.OnCancelled != nil {
		s.hooks.OnCancelled(*cancelled)
	}
	slog.Info("aleatoric scheduler stopped")
}

// Running reports the state machine position.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// UpdateTiming swaps the cycle timing. Applies from the next cycle.
func (s *Scheduler) UpdateTiming(t Timing) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("update timing: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timing = t
	return nil
}

// UpdateSection rebinds the scheduler to a section without stopping.
func (s *Scheduler) UpdateSection(sectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sectionID = sectionID
}

// SectionID returns the bound section.
func (s *Scheduler) SectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sectionID
}

// UpdateScoreData swaps the score payload passed to Trigger. Applies from
// the next cycle.
func (s *Scheduler) UpdateScoreData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoreData = data
}

// scheduleCycle draws the next performer and interval and arms the
// countdown and perform-now timers. Parameters are captured here; later
// updates only affect subsequent cycles.
func (s *Scheduler) scheduleCycle() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	timing := s.timing
	performer := s.pickPerformerLocked()
	scoreData := s.scoreData
	interval := drawInterval(s.rng, timing)
	countdown := countdownLead(timing, interval)

	slog.Debug("aleatoric cycle scheduled",
		"performer", performer.PerformerID,
		"interval_ms", interval.Milliseconds(),
		"countdown_ms", countdown.Milliseconds(),
	)

	countdownTimer := time.AfterFunc(interval-countdown, func() {
		s.fireCountdown(gen, performer, countdown, timing)
	})
	performTimer := time.AfterFunc(interval, func() {
		s.firePerform(gen, performer, scoreData)
	})
	s.timers = []*time.Timer{countdownTimer, performTimer}
	s.mu.Unlock()
}

func (s *Scheduler) fireCountdown(gen uint64, p score.PerformerTarget, countdown time.Duration, timing Timing) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inFlight = &p
	s.mu.Unlock()

	if s.hooks.OnCountdown != nil {
		s.hooks.OnCountdown(p, countdown.Seconds())
	}
	// The mic gate only opens on a full-length countdown: a truncated one
	// means the interval was too short for the fade to complete.
	if countdown >= timing.Countdown && s.hooks.OpenMicGate != nil {
		s.hooks.OpenMicGate(p, countdown)
	}
}

func (s *Scheduler) firePerform(gen uint64, p score.PerformerTarget, scoreData map[string]any) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inFlight = nil
	s.timers = nil
	s.mu.Unlock()

	if s.hooks.OnPerformNow != nil {
		s.hooks.OnPerformNow(p)
	}
	if s.hooks.Trigger != nil {
		s.hooks.Trigger(p, scoreData)
	}

	// Continuous stream: the next cycle starts as soon as this one cues.
	s.scheduleCycle()
}

// pickPerformerLocked draws uniformly, avoiding the immediately-previous
// pick when more than one performer is available. Bounded retries: after 5
// attempts a repeat is allowed rather than looping forever.
func (s *Scheduler) pickPerformerLocked() score.PerformerTarget {
	idx := s.rng.Intn(len(s.performers))
	if len(s.performers) > 1 {
		for attempt := 0; attempt < 5 && idx == s.lastPick; attempt++ {
			idx = s.rng.Intn(len(s.performers))
		}
	}
	s.lastPick = idx
	return s.performers[idx]
}

// drawInterval samples uniformly from [MinInterval, MaxInterval].
func drawInterval(rng *rand.Rand, t Timing) time.Duration {
	span := int64(t.MaxInterval - t.MinInterval)
	if span <= 0 {
		return t.MinInterval
	}
	return t.MinInterval + time.Duration(rng.Int63n(span+1))
}

// countdownLead clamps the countdown to the lead time and the interval.
func countdownLead(t Timing, interval time.Duration) time.Duration {
	lead := t.Countdown
	if t.LeadTime < lead {
		lead = t.LeadTime
	}
	if interval < lead {
		lead = interval
	}
	return lead
}
