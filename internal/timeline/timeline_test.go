package timeline

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/scheduler"
	"github.com/roach88/automaton/internal/timebase"
)

type execLog struct {
	mu    sync.Mutex
	fired []string
}

func (l *execLog) exec(ev score.CompositionEvent, _ float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = append(l.fired, ev.ID)
}

func (l *execLog) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.fired))
	copy(out, l.fired)
	return out
}

func newTestTimeline(t *testing.T) (*Timeline, *timebase.ManualClock, *scheduler.Scheduler, *execLog) {
	t.Helper()
	clock := timebase.NewManualClock(0)
	tb, err := timebase.New(clock, score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	sched := scheduler.New(tb, scheduler.Config{PollInterval: time.Millisecond})
	log := &execLog{}
	tl := New(tb, sched, log.exec)
	t.Cleanup(sched.Stop)
	return tl, clock, sched, log
}

func musicalEvent(id string, bars int, beats float64) score.CompositionEvent {
	return score.CompositionEvent{
		ID:     id,
		At:     score.Musical(bars, beats),
		Type:   score.EventAudio,
		Action: "test",
	}
}

func TestExecuteEvent_ExactlyOnce(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)

	ev := musicalEvent("ev-1", 1, 1)
	tl.ExecuteEvent(ev)
	tl.ExecuteEvent(ev)
	tl.ExecuteEvent(ev)

	assert.Equal(t, []string{"ev-1"}, log.ids())
	assert.True(t, tl.Executed("ev-1"))
	assert.Equal(t, 1, tl.ExecutedCount())
}

func TestScheduleEvent_BothPathsFireOnce(t *testing.T) {
	tl, clock, _, log := newTestTimeline(t)
	ev := musicalEvent("ev-dup", 1, 1) // due at 0

	clock.Set(0.1)
	tl.ScheduleEvent(ev) // past due: fires immediately
	// The beat-polling fallback also decides it is due.
	tl.OnBeat([]score.CompositionEvent{ev}, 1, 1)

	assert.Equal(t, []string{"ev-dup"}, log.ids())
}

func TestScheduleEvent_PastDueFiresImmediately(t *testing.T) {
	tl, clock, _, log := newTestTimeline(t)
	clock.Set(10)

	tl.ScheduleEvent(score.CompositionEvent{
		ID: "ev-abs", At: score.Absolute(3), Type: score.EventAudio, Action: "late",
	})
	assert.Equal(t, []string{"ev-abs"}, log.ids())
}

func TestScheduleEvent_FutureEventFiresAtTime(t *testing.T) {
	tl, clock, sched, log := newTestTimeline(t)
	require.NoError(t, sched.Start(1, 1, 0))

	tl.ScheduleEvent(score.CompositionEvent{
		ID: "ev-future", At: score.Absolute(2), Type: score.EventAudio, Action: "go",
	})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.ids(), "event must not fire before its time")

	clock.Set(2.001)
	require.Eventually(t, func() bool {
		return len(log.ids()) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"ev-future"}, log.ids())
}

func TestScheduleEvent_AlreadyExecutedIsNoOp(t *testing.T) {
	tl, clock, _, log := newTestTimeline(t)
	ev := musicalEvent("ev-once", 1, 1)
	clock.Set(1)
	tl.ScheduleEvent(ev)
	tl.ScheduleEvent(ev)
	assert.Equal(t, []string{"ev-once"}, log.ids())
}

func TestTriggerEvent_ResolvesPending(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)

	tl.ScheduleEvent(score.CompositionEvent{
		ID:     "ev-wait",
		At:     score.MusicalTime{Kind: score.TimeTriggerWait, TriggerID: "go"},
		Type:   score.EventCue,
		Action: "perform",
	})
	assert.Empty(t, log.ids())
	assert.Equal(t, 1, tl.PendingCount())

	tl.TriggerEvent("go")
	assert.Equal(t, []string{"ev-wait"}, log.ids())
	assert.Equal(t, 0, tl.PendingCount())

	// Repeating the trigger is harmless.
	tl.TriggerEvent("go")
	assert.Equal(t, []string{"ev-wait"}, log.ids())
}

func TestConductorCue_ResolvesPending(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)

	tl.ScheduleEvent(score.CompositionEvent{
		ID:     "ev-cue",
		At:     score.MusicalTime{Kind: score.TimeConductorCue, CueID: "mark-b"},
		Type:   score.EventCue,
		Action: "advance",
	})
	tl.ConductorCue("other")
	assert.Empty(t, log.ids())
	tl.ConductorCue("mark-b")
	assert.Equal(t, []string{"ev-cue"}, log.ids())
}

func TestReset_ClearsSessionState(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)
	ev := musicalEvent("ev-r", 1, 1)
	tl.ExecuteEvent(ev)
	require.Equal(t, 1, tl.ExecutedCount())

	tl.Reset()
	assert.Equal(t, 0, tl.ExecutedCount())

	// Fresh session re-executes the same id.
	tl.ExecuteEvent(ev)
	assert.Equal(t, []string{"ev-r", "ev-r"}, log.ids())
}

func TestOnBeat_MatchesBarAndBeatOnly(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)
	events := []score.CompositionEvent{
		musicalEvent("b2-1", 2, 1),
		musicalEvent("b2-3", 2, 3),
		{ID: "abs", At: score.Absolute(0), Type: score.EventAudio, Action: "x"},
	}

	tl.OnBeat(events, 2, 1)
	assert.Equal(t, []string{"b2-1"}, log.ids())

	tl.OnBeat(events, 2, 3)
	assert.Equal(t, []string{"b2-1", "b2-3"}, log.ids())
}

func TestPrime_FiresOnlyNotationNextEvents(t *testing.T) {
	tl, _, _, log := newTestTimeline(t)
	sec := &score.Section{
		ID: "s", Name: "S", Start: score.Absolute(0),
		Events: []score.CompositionEvent{
			{ID: "n-next", At: score.Musical(1, 1), Type: score.EventNotation, Action: "show", Target: "next"},
			{ID: "n-cur", At: score.Musical(1, 1), Type: score.EventNotation, Action: "show", Target: "current"},
			{ID: "a-1", At: score.Musical(1, 1), Type: score.EventAudio, Action: "start"},
		},
	}

	tl.Prime(sec)
	assert.Equal(t, []string{"n-next"}, log.ids())

	// Scheduling after priming does not re-fire the primed event.
	tl.ScheduleEvent(sec.Events[0])
	assert.Equal(t, []string{"n-next"}, log.ids())
}

func transitionFixture(t *testing.T) (*Transitions, *timebase.TimeBase, *[]string) {
	t.Helper()
	tb, err := timebase.New(timebase.NewManualClock(0), score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	comp := &score.Composition{
		Title: "T",
		Tempo: score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4},
		Sections: []score.Section{
			{ID: "one", Name: "One", Start: score.Musical(1, 1)},
			{ID: "two", Name: "Two", Start: score.Musical(17, 1)},
		},
	}
	entered := &[]string{}
	tr := NewTransitions(tb, comp, TransitionHooks{
		OnEnter: func(sec *score.Section) { *entered = append(*entered, "enter:"+sec.ID) },
	})
	return tr, tb, entered
}

func TestTransitions_FireOncePerBoundary(t *testing.T) {
	tr, _, entered := transitionFixture(t)

	// Bar 17 beat 1 at 120bpm 4/4 is 32s. Walk beat-by-beat from bar 1
	// to bar 20: every beat is a Check call.
	for beatIdx := 0; beatIdx < 20*4; beatIdx++ {
		tr.Check(float64(beatIdx) * 0.5)
	}

	assert.Equal(t, []string{"enter:one", "enter:two"}, *entered)
	require.NotNil(t, tr.Current())
	assert.Equal(t, "two", tr.Current().ID)
}

func TestTransitions_TickAndBeatPathsDoNotDouble(t *testing.T) {
	tr, _, entered := transitionFixture(t)

	// Interleave the beat path and the tick path at the same times.
	for beatIdx := 0; beatIdx < 18*4; beatIdx++ {
		now := float64(beatIdx) * 0.5
		tr.Check(now)
		tr.Check(now + 0.001)
	}
	assert.Equal(t, []string{"enter:one", "enter:two"}, *entered)
}

func TestTransitions_EqualStartsFirstInOrderWins(t *testing.T) {
	tb, err := timebase.New(timebase.NewManualClock(0), score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	comp := &score.Composition{
		Sections: []score.Section{
			{ID: "first", Start: score.Absolute(0)},
			{ID: "shadow", Start: score.Absolute(0)},
		},
	}
	var entered []string
	tr := NewTransitions(tb, comp, TransitionHooks{
		OnEnter: func(sec *score.Section) { entered = append(entered, sec.ID) },
	})

	tr.Check(0)
	tr.Check(1)
	assert.Equal(t, []string{"first"}, entered)
}

func TestTransitions_ExitBeforeEnter(t *testing.T) {
	tb, err := timebase.New(timebase.NewManualClock(0), score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	comp := &score.Composition{
		Sections: []score.Section{
			{ID: "a", Start: score.Absolute(0)},
			{ID: "b", Start: score.Absolute(10)},
		},
	}
	var order []string
	tr := NewTransitions(tb, comp, TransitionHooks{
		OnExit:  func(sec *score.Section) { order = append(order, "exit:"+sec.ID) },
		OnEnter: func(sec *score.Section) { order = append(order, "enter:"+sec.ID) },
	})

	tr.Check(0)
	tr.Check(11)
	assert.Equal(t, []string{"enter:a", "exit:a", "enter:b"}, order)
}

func TestDecodeResolveFixture(t *testing.T) {
	comp, _, err := score.Decode(strings.NewReader(resolveFixture))
	require.NoError(t, err)
	res, err := Resolve(comp)
	require.NoError(t, err)
	require.Len(t, res.Sections, 2)
	require.NotNil(t, res.Sections[1].StartSeconds)
	assert.Equal(t, 32.0, *res.Sections[1].StartSeconds)
}
