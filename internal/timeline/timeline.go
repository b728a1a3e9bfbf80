package timeline

import (
	"log/slog"
	"math"
	"sync"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/scheduler"
	"github.com/roach88/automaton/internal/timebase"
)

// ExecFunc receives each event exactly once per session, with the device
// time at which it fired.
type ExecFunc func(ev score.CompositionEvent, deviceTime float64)

// Timeline owns per-session event execution state.
type Timeline struct {
	tb    *timebase.TimeBase
	sched *scheduler.Scheduler
	exec  ExecFunc

	mu       sync.Mutex
	refStart float64
	executed map[string]struct{}
	// pending holds trigger_wait / conductor_cue events keyed by signal id.
	pendingTriggers map[string][]score.CompositionEvent
	pendingCues     map[string][]score.CompositionEvent
}

// New creates a timeline. exec is invoked for every fired event.
func New(tb *timebase.TimeBase, sched *scheduler.Scheduler, exec ExecFunc) *Timeline {
	return &Timeline{
		tb:              tb,
		sched:           sched,
		exec:            exec,
		executed:        make(map[string]struct{}),
		pendingTriggers: make(map[string][]score.CompositionEvent),
		pendingCues:     make(map[string][]score.CompositionEvent),
	}
}

// SetReferenceStart records the device time corresponding to the
// composition's position zero for this session.
func (tl *Timeline) SetReferenceStart(t float64) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.refStart = t
}

// Reset clears all session state: executed ids and pending signal events.
// Called on stop and on every fresh start.
func (tl *Timeline) Reset() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.executed = make(map[string]struct{})
	tl.pendingTriggers = make(map[string][]score.CompositionEvent)
	tl.pendingCues = make(map[string][]score.CompositionEvent)
}

// Executed reports whether the event id has fired this session.
func (tl *Timeline) Executed(id string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, ok := tl.executed[id]
	return ok
}

// ExecutedCount returns the number of events fired this session.
func (tl *Timeline) ExecutedCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.executed)
}

// ScheduleEvent registers one event for execution. Already-executed ids are
// a logged no-op. Pending-signal events go to the pending sets; past-due
// events fire immediately; future events get a fine-grained callback at
// their resolved device time.
func (tl *Timeline) ScheduleEvent(ev score.CompositionEvent) {
	tl.mu.Lock()
	if _, done := tl.executed[ev.ID]; done {
		tl.mu.Unlock()
		slog.Debug("event already executed this session, skipping", "id", ev.ID)
		return
	}

	switch ev.At.Kind {
	case score.TimeTriggerWait:
		tl.pendingTriggers[ev.At.TriggerID] = append(tl.pendingTriggers[ev.At.TriggerID], ev)
		tl.mu.Unlock()
		slog.Debug("event pending external trigger", "id", ev.ID, "trigger", ev.At.TriggerID)
		return
	case score.TimeConductorCue:
		tl.pendingCues[ev.At.CueID] = append(tl.pendingCues[ev.At.CueID], ev)
		tl.mu.Unlock()
		slog.Debug("event pending conductor cue", "id", ev.ID, "cue", ev.At.CueID)
		return
	}
	refStart := tl.refStart
	tl.mu.Unlock()

	at, err := tl.tb.MusicalToDevice(ev.At, refStart)
	if err != nil {
		slog.Error("event time resolution failed", "id", ev.ID, "error", err)
		return
	}

	now := tl.tb.Now()
	if at <= now {
		// Past due: fire now instead of silently dropping, so resuming
		// or seeking never loses state-establishing events.
		tl.ExecuteEvent(ev)
		return
	}
	tl.sched.At(at, func() { tl.ExecuteEvent(ev) })
}

// ExecuteEvent fires an event if its id has not already fired this session.
// Idempotent: acquire-or-skip against the executed set, so concurrent
// trigger paths collapse to exactly one execution.
func (tl *Timeline) ExecuteEvent(ev score.CompositionEvent) {
	tl.mu.Lock()
	if _, done := tl.executed[ev.ID]; done {
		tl.mu.Unlock()
		slog.Debug("duplicate execution suppressed", "id", ev.ID)
		return
	}
	tl.executed[ev.ID] = struct{}{}
	tl.mu.Unlock()

	now := tl.tb.Now()
	slog.Debug("executing event", "id", ev.ID, "type", ev.Type, "action", ev.Action)
	if tl.exec != nil {
		tl.exec(ev, now)
	}
}

// OnBeat is the polling fallback: fires any not-yet-executed musical-time
// event positioned exactly at (bar, beat). Hosts with the fine-callback
// path also run this; the executed set suppresses the duplicate.
func (tl *Timeline) OnBeat(events []score.CompositionEvent, bar, beat int) {
	for _, ev := range events {
		if ev.At.Kind != score.TimeMusical {
			continue
		}
		if ev.At.Bars != bar || int(math.Floor(ev.At.Beats)) != beat || ev.At.Subdivisions != 0 {
			continue
		}
		tl.ExecuteEvent(ev)
	}
}

// TriggerEvent resolves all pending trigger_wait events with this id and
// fires them immediately, removing them from the pending set.
func (tl *Timeline) TriggerEvent(triggerID string) {
	tl.mu.Lock()
	// Snapshot before firing: an exec callback may schedule more events
	// while we iterate.
	events := tl.pendingTriggers[triggerID]
	delete(tl.pendingTriggers, triggerID)
	tl.mu.Unlock()

	if len(events) == 0 {
		slog.Debug("trigger with no pending events", "trigger", triggerID)
		return
	}
	for _, ev := range events {
		tl.ExecuteEvent(ev)
	}
}

// ConductorCue resolves all pending conductor_cue events with this id.
func (tl *Timeline) ConductorCue(cueID string) {
	tl.mu.Lock()
	events := tl.pendingCues[cueID]
	delete(tl.pendingCues, cueID)
	tl.mu.Unlock()

	if len(events) == 0 {
		slog.Debug("cue with no pending events", "cue", cueID)
		return
	}
	for _, ev := range events {
		tl.ExecuteEvent(ev)
	}
}

// Prime fires the notation events in a section that are marked as priming
// "next" displays. Run once when seeking into a section, before the
// section's remaining events are scheduled, so remote displays show the
// right material immediately. Scoped to notation priming only.
func (tl *Timeline) Prime(sec *score.Section) {
	for _, ev := range sec.Events {
		if ev.PrimesNextDisplay() {
			tl.ExecuteEvent(ev)
		}
	}
}

// PendingCount returns the number of events awaiting an external signal.
func (tl *Timeline) PendingCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	n := 0
	for _, evs := range tl.pendingTriggers {
		n += len(evs)
	}
	for _, evs := range tl.pendingCues {
		n += len(evs)
	}
	return n
}
