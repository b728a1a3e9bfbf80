package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timebase"
)

// testConfig uses a long poll interval so the background loop stays quiet
// and tests drive poll() by hand against a manual clock.
func testConfig() Config {
	return Config{
		TickInterval: 10 * time.Millisecond,
		PollInterval: time.Hour,
		LookAhead:    0.1,
		Measure:      true,
	}
}

type beatRecord struct {
	bar, beat int
	scheduled float64
}

func newTestScheduler(t *testing.T) (*Scheduler, *timebase.ManualClock, *[]beatRecord) {
	t.Helper()
	clock := timebase.NewManualClock(0)
	tb, err := timebase.New(clock, score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)

	s := New(tb, testConfig())
	var mu sync.Mutex
	beats := &[]beatRecord{}
	s.OnBeat(func(bar, beat int, scheduled float64) {
		mu.Lock()
		defer mu.Unlock()
		*beats = append(*beats, beatRecord{bar, beat, scheduled})
	})
	t.Cleanup(s.Stop)
	return s, clock, beats
}

// step advances the clock and runs one fine poll.
func step(s *Scheduler, clock *timebase.ManualClock, to float64) {
	clock.Set(to)
	s.poll()
}

func TestScheduler_BeatsFireAtBeatTimes(t *testing.T) {
	s, clock, beats := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))

	// At 120bpm a beat is 0.5s. Walk the clock across two bars.
	for ms := 0; ms <= 4000; ms += 5 {
		step(s, clock, float64(ms)/1000)
	}

	require.GreaterOrEqual(t, len(*beats), 8)
	want := []beatRecord{
		{1, 1, 0.0}, {1, 2, 0.5}, {1, 3, 1.0}, {1, 4, 1.5},
		{2, 1, 2.0}, {2, 2, 2.5}, {2, 3, 3.0}, {2, 4, 3.5},
	}
	assert.Equal(t, want, (*beats)[:8])
}

func TestScheduler_StartMidComposition(t *testing.T) {
	s, clock, beats := newTestScheduler(t)
	require.NoError(t, s.Start(17, 1, 100))

	for ms := 100000; ms <= 101100; ms += 5 {
		step(s, clock, float64(ms)/1000)
	}

	require.GreaterOrEqual(t, len(*beats), 3)
	assert.Equal(t, beatRecord{17, 1, 100.0}, (*beats)[0])
	assert.Equal(t, beatRecord{17, 2, 100.5}, (*beats)[1])
}

func TestScheduler_StopCancelsArmedBeats(t *testing.T) {
	s, clock, beats := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))

	step(s, clock, 0.0) // look-ahead pass arms beats inside the window
	s.Stop()

	// Advancing past the armed targets must not fire anything.
	step(s, clock, 5.0)
	// First poll at t=0 fired the beat scheduled exactly at 0.
	assert.LessOrEqual(t, len(*beats), 1)
	fired := len(*beats)

	step(s, clock, 10.0)
	assert.Equal(t, fired, len(*beats))
	assert.False(t, s.Running())
}

func TestScheduler_TempoChangeKeepsArmedBeats(t *testing.T) {
	clock := timebase.NewManualClock(0)
	tb, err := timebase.New(clock, score.TempoInfo{BPM: 120, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	s := New(tb, testConfig())
	var beats []beatRecord
	s.OnBeat(func(bar, beat int, scheduled float64) {
		beats = append(beats, beatRecord{bar, beat, scheduled})
	})
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start(1, 1, 0))
	step(s, clock, 0) // arms beats at 0, 0.5, 1.0... within 0.1s window: 0 and nothing else

	// Switch to 60bpm effective immediately. Beat 2's time was already
	// computed with the old spacing when beat 1 was armed; the 1.0s
	// spacing shows up from beat 3 on.
	require.NoError(t, tb.SetTempo(score.TempoInfo{BPM: 60, Numerator: 4, Denominator: 4}, 0))

	for ms := 0; ms <= 3600; ms += 5 {
		step(s, clock, float64(ms)/1000)
	}

	require.GreaterOrEqual(t, len(beats), 4)
	assert.Equal(t, beatRecord{1, 1, 0.0}, beats[0])
	assert.Equal(t, beatRecord{1, 2, 0.5}, beats[1])
	assert.Equal(t, beatRecord{1, 3, 1.5}, beats[2])
	assert.Equal(t, beatRecord{1, 4, 2.5}, beats[3])
}

func TestScheduler_AtFiresGenericCallback(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))

	var fired []float64
	s.At(0.042, func() { fired = append(fired, clock.Now()) })

	step(s, clock, 0.040)
	assert.Empty(t, fired)
	step(s, clock, 0.043)
	require.Len(t, fired, 1)
	assert.InDelta(t, 0.043, fired[0], 1e-9)
}

func TestScheduler_AtPastDueFiresOnNextPoll(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))
	clock.Set(5)

	fired := false
	s.At(1.0, func() { fired = true })
	s.poll()
	assert.True(t, fired)
}

func TestScheduler_CallbackPanicDoesNotKillLoop(t *testing.T) {
	s, clock, beats := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))

	s.At(0.001, func() { panic("boom") })
	for ms := 0; ms <= 600; ms += 5 {
		step(s, clock, float64(ms)/1000)
	}

	// Beats after the panicking callback still fire.
	assert.GreaterOrEqual(t, len(*beats), 2)
}

func TestScheduler_DoubleStartRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))
	assert.Error(t, s.Start(1, 1, 0))
}

func TestScheduler_DriftRecorded(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	require.NoError(t, s.Start(1, 1, 0))

	// Fire the first beat 3ms late.
	step(s, clock, 0.003)

	samples := s.DriftSamples()
	require.NotEmpty(t, samples)
	assert.Equal(t, 1, samples[0].Bar)
	assert.Equal(t, 1, samples[0].Beat)
	assert.InDelta(t, 3.0, samples[0].DriftMS, 1e-6)

	stats := s.DriftStats()
	assert.Equal(t, len(samples), stats.Count)
	assert.InDelta(t, 3.0, stats.MaxMS, 1e-6)
}

func TestScheduler_DriftBoundUnderRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	clock := timebase.NewSystemClock()
	tb, err := timebase.New(clock, score.TempoInfo{BPM: 1200, Numerator: 4, Denominator: 4})
	require.NoError(t, err)
	s := New(tb, Config{Measure: true})

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	s.OnBeat(func(bar, beat int, scheduled float64) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 100 {
			close(done)
		}
	})
	require.NoError(t, s.Start(1, 1, clock.Now()+0.05))

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for 100 beats")
	}
	s.Stop()

	for _, sample := range s.DriftSamples() {
		// Generous CI bound; the musical requirement is 15ms.
		assert.Less(t, sample.DriftMS, 50.0, "beat %d.%d drifted", sample.Bar, sample.Beat)
		assert.GreaterOrEqual(t, sample.DriftMS, 0.0)
	}
}

func TestDriftRecorder_RingBufferBounded(t *testing.T) {
	r := newDriftRecorder()
	for i := 0; i < driftCapacity+100; i++ {
		r.record(DriftSample{Bar: i, DriftMS: float64(i)})
	}
	samples := r.Samples()
	require.Len(t, samples, driftCapacity)
	// Oldest retained sample is number 100.
	assert.Equal(t, 100, samples[0].Bar)
	assert.Equal(t, driftCapacity+99, samples[len(samples)-1].Bar)
}

func TestDriftRecorder_Stats(t *testing.T) {
	r := newDriftRecorder()
	for _, d := range []float64{1, 2, 3, 4} {
		r.record(DriftSample{DriftMS: d})
	}
	stats := r.Stats()
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 2.5, stats.MeanMS, 1e-9)
	assert.Equal(t, 1.0, stats.MinMS)
	assert.Equal(t, 4.0, stats.MaxMS)
	assert.InDelta(t, 1.118, stats.StdDevMS, 0.001)
}
