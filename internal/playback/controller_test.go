package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automaton/internal/aleatoric"
	"github.com/roach88/automaton/internal/dsp"
	"github.com/roach88/automaton/internal/scheduler"
	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timebase"
	"github.com/roach88/automaton/internal/transport"
)

// recorder captures outbound messages in send order.
type recorder struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (r *recorder) Send(typ transport.Type, target string, payload any) (transport.Message, error) {
	m, err := transport.New(typ, target, payload)
	if err != nil {
		return transport.Message{}, err
	}
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	return m, nil
}

func (r *recorder) Broadcast(typ transport.Type, payload any) (transport.Message, error) {
	return r.Send(typ, transport.TargetAll, payload)
}

func (r *recorder) ofType(typ transport.Type) []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Message
	for _, m := range r.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) count(typ transport.Type) int { return len(r.ofType(typ)) }

func mt(bars int, beats float64) score.MusicalTime {
	return score.Musical(bars, beats)
}

// testComposition: 120bpm 4/4, two sections at bar 1 and bar 17
// (t=0 and t=32s), a couple of events in each.
func testComposition() *score.Composition {
	return &score.Composition{
		Title: "Controller Test",
		Tempo: score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4},
		Performers: []score.PerformerTarget{
			{PerformerID: "p1", PlayerNumber: 1, Label: "Violin"},
			{PerformerID: "p2", PlayerNumber: 2, Label: "Cello"},
		},
		Sections: []score.Section{
			{
				ID:    "intro",
				Name:  "Intro",
				Start: score.Absolute(0),
				Events: []score.CompositionEvent{
					{ID: "ev-drone", At: mt(1, 1), Type: score.EventAudio, Action: "start",
						Parameters: map[string]any{"address": "/reverb/reverb_wet", "value": 0.4}},
					{ID: "ev-prime", At: mt(1, 1), Type: score.EventNotation, Action: "display", Target: "next"},
					{ID: "ev-later", At: mt(2, 1), Type: score.EventCue, Action: "fire"},
				},
			},
			{
				ID:            "middle",
				Name:          "Middle",
				RehearsalMark: "B",
				Start:         mt(17, 1),
				Events: []score.CompositionEvent{
					{ID: "ev-mid", At: mt(17, 1), Type: score.EventVisual, Action: "flash"},
				},
			},
		},
	}
}

func newTestController(t *testing.T) (*Controller, *timebase.ManualClock, *recorder) {
	t.Helper()
	clock := timebase.NewManualClock(0)
	rec := &recorder{}
	c, err := New(testComposition(), Options{
		Clock:     clock,
		Messenger: rec,
		Scheduler: scheduler.Config{PollInterval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, clock, rec
}

func waitMessages(t *testing.T, rec *recorder, typ transport.Type, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.count(typ) >= n },
		2*time.Second, time.Millisecond, "waiting for %d %s messages", n, typ)
}

func TestNew_RejectsEmptyComposition(t *testing.T) {
	_, err := New(&score.Composition{}, Options{})
	require.Error(t, err)
}

func TestPlay_FreshStartExecutesDueEvents(t *testing.T) {
	c, _, rec := newTestController(t)

	require.NoError(t, c.Play(""))
	assert.Equal(t, StatePlaying, c.State())

	// Bar 1 beat 1 events are due at t=0 and fire immediately.
	waitMessages(t, rec, transport.TypeAudioEvent, 1)
	waitMessages(t, rec, transport.TypeNotation, 1)

	// The audio event's parameters landed on the DSP rack.
	got, err := c.Rack().GetParam("/reverb/reverb_wet")
	require.Error(t, err, "no node registered, routing fails but playback continues")
	assert.Zero(t, got)

	states := rec.ofType(transport.TypePlaybackState)
	require.NotEmpty(t, states)
	payload, err := transport.DecodePayload(states[0])
	require.NoError(t, err)
	assert.Equal(t, "playing", payload.(transport.PlaybackStatePayload).State)
}

func TestPlay_RoutesAudioParamsToRegisteredNode(t *testing.T) {
	c, _, rec := newTestController(t)
	reverb := dsp.NewMemNode()
	c.Rack().Register("reverb", reverb)

	require.NoError(t, c.Play(""))
	waitMessages(t, rec, transport.TypeAudioEvent, 1)

	assert.Eventually(t, func() bool {
		return reverb.GetParamValue("/reverb_wet") == 0.4
	}, time.Second, time.Millisecond)
}

func TestPlay_WhilePlayingIsNoOp(t *testing.T) {
	c, _, _ := newTestController(t)
	require.NoError(t, c.Play(""))
	require.NoError(t, c.Play(""))
	assert.Equal(t, StatePlaying, c.State())
}

func TestPlay_UnknownSection(t *testing.T) {
	c, _, _ := newTestController(t)
	require.Error(t, c.Play("nope"))
	assert.Equal(t, StateStopped, c.State())
}

func TestPlay_SeekToSectionPrimesAndSkipsAhead(t *testing.T) {
	c, clock, rec := newTestController(t)
	clock.Set(500) // arbitrary device time; seek math must not assume t=0

	require.NoError(t, c.Play("middle"))

	bar, _, elapsed := c.Position()
	assert.Equal(t, 17, bar)
	assert.InDelta(t, 32.0, elapsed, 1e-9)

	// The bar-17 event is due at the seek point and fires immediately.
	waitMessages(t, rec, transport.TypeVisualEvent, 1)

	// Section enter broadcast includes the rehearsal mark.
	waitMessages(t, rec, transport.TypeRehearsalMark, 1)
	sections := rec.ofType(transport.TypeCurrentSection)
	require.NotEmpty(t, sections)
	payload, err := transport.DecodePayload(sections[len(sections)-1])
	require.NoError(t, err)
	assert.Equal(t, "middle", payload.(transport.SectionPayload).SectionID)
}

func TestBeats_BroadcastMetronomePulses(t *testing.T) {
	c, clock, rec := newTestController(t)
	require.NoError(t, c.Play(""))

	clock.Set(1.6) // past beats 1..4 of bar 1 at 120bpm
	waitMessages(t, rec, transport.TypeMetronomePulse, 4)

	pulses := rec.ofType(transport.TypeMetronomePulse)
	first, err := transport.DecodePayload(pulses[0])
	require.NoError(t, err)
	assert.Equal(t, transport.MetronomePayload{Bar: 1, Beat: 1}, first)
}

func TestPauseResume_Continuity(t *testing.T) {
	c, clock, rec := newTestController(t)
	require.NoError(t, c.Play(""))

	clock.Set(1.0)
	waitMessages(t, rec, transport.TypeMetronomePulse, 3) // beats at 0, 0.5, 1.0
	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())

	_, _, elapsed := c.Position()
	assert.InDelta(t, 1.0, elapsed, 1e-9)
	pulsesAtPause := rec.count(transport.TypeMetronomePulse)

	// Wall-clock gap while paused must not advance musical time.
	clock.Set(600)
	_, _, elapsed = c.Position()
	assert.InDelta(t, 1.0, elapsed, 1e-9)
	assert.Equal(t, pulsesAtPause, rec.count(transport.TypeMetronomePulse),
		"no pulses while paused")

	require.NoError(t, c.Play(""))
	_, _, elapsed = c.Position()
	assert.InDelta(t, 1.0, elapsed, 1e-9, "resume picks up at the pause offset")

	// Advance one more second of musical time: beats at offsets 1.5, 2.0.
	clock.Set(601.0)
	waitMessages(t, rec, transport.TypeMetronomePulse, pulsesAtPause+2)
	bar, beat, _ := c.Position()
	assert.Equal(t, 2, bar)
	assert.InDelta(t, 1.0, beat, 1e-9)
}

func TestPauseResume_GridSurvivesTempoChange(t *testing.T) {
	clock := timebase.NewManualClock(0)
	rec := &recorder{}
	comp := testComposition()
	// Halve the tempo on bar 1 beat 3 (t=1.0 at 120bpm).
	comp.Sections[0].Events = append(comp.Sections[0].Events, score.CompositionEvent{
		ID: "ev-halve", At: mt(1, 3), Type: score.EventTempoChange, Action: "set",
		Parameters: map[string]any{"bpm": 60.0},
	})
	c, err := New(comp, Options{
		Clock:     clock,
		Messenger: rec,
		Scheduler: scheduler.Config{PollInterval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Play(""))
	clock.Set(1.0)
	waitMessages(t, rec, transport.TypeMetronomePulse, 3) // beats at 0, 0.5, 1.0
	waitMessages(t, rec, transport.TypeSystemEvent, 1)    // tempo change applied
	require.NoError(t, c.Pause())

	bar, beat, elapsed := c.Position()
	assert.Equal(t, 1, bar)
	assert.InDelta(t, 3.0, beat, 1e-9)
	assert.InDelta(t, 1.0, elapsed, 1e-9)

	// Resume after a long wall-clock gap. Two beats fit in the first
	// second (old tempo), so the next grid point is beat 4, one second
	// of new tempo past the shifted change point.
	clock.Set(100)
	require.NoError(t, c.Play(""))

	clock.Set(101)
	waitMessages(t, rec, transport.TypeMetronomePulse, 4)
	pulses := rec.ofType(transport.TypeMetronomePulse)
	last, err := transport.DecodePayload(pulses[len(pulses)-1])
	require.NoError(t, err)
	assert.Equal(t, transport.MetronomePayload{Bar: 1, Beat: 4}, last)

	// One more beat at the halved tempo crosses the barline.
	clock.Set(102)
	waitMessages(t, rec, transport.TypeMetronomePulse, 5)
	bar, beat, _ = c.Position()
	assert.Equal(t, 2, bar)
	assert.InDelta(t, 1.0, beat, 1e-9)
}

func TestPauseResume_DoesNotReExecuteEvents(t *testing.T) {
	c, clock, rec := newTestController(t)
	require.NoError(t, c.Play(""))
	waitMessages(t, rec, transport.TypeAudioEvent, 1)

	clock.Set(0.6)
	require.NoError(t, c.Pause())
	require.NoError(t, c.Play(""))

	// Rescheduling on resume must not fire ev-drone a second time.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(transport.TypeAudioEvent))
}

func TestPlaybackState_SessionTokenLifecycle(t *testing.T) {
	c, clock, rec := newTestController(t)

	sessionIDs := func() []string {
		var out []string
		for _, m := range rec.ofType(transport.TypePlaybackState) {
			p, err := transport.DecodePayload(m)
			require.NoError(t, err)
			out = append(out, p.(transport.PlaybackStatePayload).SessionID)
		}
		return out
	}

	require.NoError(t, c.Play(""))
	clock.Set(0.6)
	require.NoError(t, c.Pause())
	require.NoError(t, c.Play(""))

	ids := sessionIDs()
	require.Len(t, ids, 3) // play, pause, resume
	first := ids[0]
	require.NotEmpty(t, first)
	assert.Equal(t, []string{first, first, first}, ids,
		"one token per session, stable across pause and resume")

	c.Stop()
	ids = sessionIDs()
	require.Len(t, ids, 4)
	assert.Empty(t, ids[3], "stopped state carries no session")

	// A fresh start mints a new token.
	require.NoError(t, c.Play(""))
	ids = sessionIDs()
	require.Len(t, ids, 5)
	assert.NotEmpty(t, ids[4])
	assert.NotEqual(t, first, ids[4])
}

func TestStop_ResetsSessionState(t *testing.T) {
	c, clock, rec := newTestController(t)
	require.NoError(t, c.Play(""))
	waitMessages(t, rec, transport.TypeAudioEvent, 1)

	clock.Set(1.0)
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	bar, beat, elapsed := c.Position()
	assert.Equal(t, 1, bar)
	assert.Equal(t, 1.0, beat)
	assert.Zero(t, elapsed)

	// A fresh session re-executes everything.
	clock.Set(2.0)
	require.NoError(t, c.Play(""))
	waitMessages(t, rec, transport.TypeAudioEvent, 2)
}

func TestStop_WhileStoppedIsQuiet(t *testing.T) {
	c, _, rec := newTestController(t)
	c.Stop()
	assert.Zero(t, rec.count(transport.TypePlaybackState), "no transition, no broadcast")
}

func TestSectionTransition_FiresOnceAcrossRun(t *testing.T) {
	c, clock, rec := newTestController(t)
	require.NoError(t, c.Play(""))

	// Walk from bar 1 to bar 20 in half-beat steps.
	for ts := 0.0; ts <= 38.0; ts += 0.25 {
		clock.Set(ts)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		for _, m := range rec.ofType(transport.TypeCurrentSection) {
			p, err := transport.DecodePayload(m)
			if err == nil && p.(transport.SectionPayload).SectionID == "middle" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	middles := 0
	for _, m := range rec.ofType(transport.TypeCurrentSection) {
		p, err := transport.DecodePayload(m)
		require.NoError(t, err)
		if p.(transport.SectionPayload).SectionID == "middle" {
			middles++
		}
	}
	assert.Equal(t, 1, middles, "bar-17 transition must fire exactly once")
}

func TestTempoChangeEvent_UpdatesTimebase(t *testing.T) {
	clock := timebase.NewManualClock(0)
	rec := &recorder{}
	comp := testComposition()
	comp.Sections[0].Events = append(comp.Sections[0].Events, score.CompositionEvent{
		ID: "ev-tempo", At: mt(1, 1), Type: score.EventTempoChange, Action: "set",
		Parameters: map[string]any{"bpm": 60.0},
	})
	c, err := New(comp, Options{
		Clock:     clock,
		Messenger: rec,
		Scheduler: scheduler.Config{PollInterval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Play(""))
	waitMessages(t, rec, transport.TypeSystemEvent, 1)

	assert.Eventually(t, func() bool {
		return c.tb.TempoAt(clock.Now()).BPM == 60.0
	}, time.Second, time.Millisecond)
}

func TestCues_CountdownThenPerform(t *testing.T) {
	clock := timebase.NewManualClock(0)
	rec := &recorder{}
	c, err := New(testComposition(), Options{
		Clock:     clock,
		Messenger: rec,
		Scheduler: scheduler.Config{PollInterval: time.Millisecond},
		Aleatoric: aleatoric.Timing{
			MinInterval: 30 * time.Millisecond,
			MaxInterval: 60 * time.Millisecond,
			Countdown:   20 * time.Millisecond,
			LeadTime:    20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.StartCues("intro"))
	waitMessages(t, rec, transport.TypeCountdown, 2)
	waitMessages(t, rec, transport.TypePerformNow, 2)
	waitMessages(t, rec, transport.TypeUpdateScore, 2)
	c.StopCues()

	// Cues are addressed to a specific player, never broadcast.
	for _, m := range rec.ofType(transport.TypeCountdown) {
		assert.Contains(t, []string{"player-1", "player-2"}, m.Target)
	}
}

func TestCues_RequirePerformers(t *testing.T) {
	c, _, _ := newTestController(t)
	// Controller built without aleatoric timing has no cue stream.
	require.Error(t, c.StartCues("intro"))
}

func TestTrigger_ResolvesWaitingEvent(t *testing.T) {
	clock := timebase.NewManualClock(0)
	rec := &recorder{}
	comp := testComposition()
	comp.Sections[0].Events = append(comp.Sections[0].Events, score.CompositionEvent{
		ID: "ev-wait", At: score.MusicalTime{Kind: score.TimeTriggerWait, TriggerID: "go"},
		Type: score.EventCue, Action: "fire",
	})
	c, err := New(comp, Options{
		Clock:     clock,
		Messenger: rec,
		Scheduler: scheduler.Config{PollInterval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Play(""))
	// ev-later (bar 2) is not due and ev-wait is pending, so no cue yet.
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, rec.count(transport.TypeCue))

	c.Trigger("go")
	waitMessages(t, rec, transport.TypeCue, 1)
}
