// Package timebase maps musical time onto the device clock.
//
// The TimeBase owns the tempo history: an append-only, timestamp-ordered
// record of every tempo in effect during a session. Conversions between
// bar/beat positions and device-time seconds integrate over that history,
// unless the time value carries its own tempo, which overrides it. Tempo
// changes are immediate only; ramped changes are out of scope and rejected
// with ErrNotImplemented.
package timebase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/roach88/automaton/internal/score"
)

// ErrNotImplemented rejects requests for gradual tempo ramps.
var ErrNotImplemented = errors.New("gradual tempo change is not implemented")

// ErrPendingTime is returned when a trigger_wait or conductor_cue time is
// asked to convert to device time. Those resolve on an external signal,
// never from the clock.
var ErrPendingTime = errors.New("time resolves only on an external signal")

// TempoEntry records a tempo and the device time it took effect.
type TempoEntry struct {
	Tempo score.TempoInfo
	Time  float64
}

// TimeBase wraps the device clock and the tempo history.
//
// The history is owned exclusively by the TimeBase and mutated only through
// SetTempo; readers get copies. Timestamps are monotonically non-decreasing.
type TimeBase struct {
	clock Clock

	mu      sync.Mutex
	history []TempoEntry
}

// New creates a TimeBase with an initial tempo effective at time 0.
func New(clock Clock, initial score.TempoInfo) (*TimeBase, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial tempo: %w", err)
	}
	return &TimeBase{
		clock:   clock,
		history: []TempoEntry{{Tempo: initial, Time: 0}},
	}, nil
}

// Now returns the current device time in seconds.
func (tb *TimeBase) Now() float64 {
	return tb.clock.Now()
}

// SetTempo records a tempo change effective at the given device time.
// The change is immediate; anything already scheduled keeps its time.
//
// An effective time earlier than the latest history entry is clamped to
// preserve the history's ordering invariant - rejecting it would fail a
// live session over a few milliseconds of callback jitter.
func (tb *TimeBase) SetTempo(t score.TempoInfo, effectiveAt float64) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("set tempo: %w", err)
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if last := tb.history[len(tb.history)-1].Time; effectiveAt < last {
		slog.Warn("tempo change earlier than history tail, clamping",
			"effective_at", effectiveAt,
			"history_tail", last,
		)
		effectiveAt = last
	}
	tb.history = append(tb.history, TempoEntry{Tempo: t, Time: effectiveAt})
	slog.Info("tempo changed",
		"bpm", t.BPM,
		"meter", fmt.Sprintf("%d/%d", t.Numerator, t.Denominator),
		"effective_at", effectiveAt,
	)
	return nil
}

// SetTempoRamp would interpolate between two tempos over a duration.
// Ramped tempo is an explicit non-goal of this engine.
func (tb *TimeBase) SetTempoRamp(score.TempoInfo, float64, float64) error {
	return ErrNotImplemented
}

// TempoAt returns the tempo in effect at device time t: the latest history
// entry with Time <= t. A backward linear scan is fine at performance scale;
// a piece with over a thousand tempo changes should switch this to a binary
// search.
func (tb *TimeBase) TempoAt(t float64) score.TempoInfo {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for i := len(tb.history) - 1; i >= 0; i-- {
		if tb.history[i].Time <= t {
			return tb.history[i].Tempo
		}
	}
	// t precedes the whole history; first entry is the best answer.
	return tb.history[0].Tempo
}

// History returns a copy of the tempo history.
func (tb *TimeBase) History() []TempoEntry {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]TempoEntry, len(tb.history))
	copy(out, tb.history)
	return out
}

// MusicalToDevice resolves a MusicalTime to device-time seconds relative to
// referenceStart (the device time of the composition's position zero).
//
// A tempo attached to the value overrides the history; otherwise musical
// and tempo-relative times are resolved against the tempo history, so the
// result agrees with DeviceToMusical after mid-run tempo changes.
func (tb *TimeBase) MusicalToDevice(mt score.MusicalTime, referenceStart float64) (float64, error) {
	switch mt.Kind {
	case score.TimeAbsolute:
		return referenceStart + mt.Seconds, nil

	case score.TimeMusical:
		if mt.Tempo != nil {
			tempo := *mt.Tempo
			totalBeats := float64(mt.Bars-1)*float64(tempo.Numerator) +
				(mt.Beats - 1) +
				mt.Subdivisions/tempo.SubdivisionUnit()
			return referenceStart + totalBeats*tempo.SecondsPerBeat(), nil
		}
		return tb.musicalDeviceTime(mt, referenceStart), nil

	case score.TimeTempoRelative:
		if mt.Tempo != nil {
			return referenceStart + mt.BeatCount*mt.Tempo.SecondsPerBeat(), nil
		}
		return tb.BeatTime(mt.BeatCount, referenceStart), nil

	case score.TimeTriggerWait, score.TimeConductorCue:
		return 0, ErrPendingTime

	default:
		return 0, &score.ValidationError{Field: "at", Message: fmt.Sprintf("unknown time kind %d", int(mt.Kind))}
	}
}

// musicalDeviceTime walks the tempo history to the device time of a
// bar/beat position, mirroring walk in the other direction so the two
// conversions stay inverses of each other.
func (tb *TimeBase) musicalDeviceTime(mt score.MusicalTime, referenceStart float64) float64 {
	changes := tb.History()
	bar := 1
	beatInBar := 0.0
	cursor := referenceStart
	tempo := tb.TempoAt(referenceStart)

	remaining := func() float64 {
		return float64(mt.Bars-bar)*float64(tempo.Numerator) +
			(mt.Beats - 1) + mt.Subdivisions/tempo.SubdivisionUnit() -
			beatInBar
	}
	for _, entry := range changes {
		if entry.Time <= cursor {
			continue
		}
		segBeats := (entry.Time - cursor) / tempo.SecondsPerBeat()
		if remaining() <= segBeats {
			break
		}
		beatInBar += segBeats
		if bars := math.Floor(beatInBar / float64(tempo.Numerator)); bars > 0 {
			bar += int(bars)
			beatInBar -= bars * float64(tempo.Numerator)
		}
		cursor = entry.Time
		tempo = entry.Tempo
	}
	need := remaining()
	if need < 0 {
		need = 0
	}
	return cursor + need*tempo.SecondsPerBeat()
}

// DeviceToMusical converts a device time back to a bar/beat position by
// integrating over the tempo history between referenceStart and deviceTime.
// Each history segment contributes beats under the tempo and meter in
// effect during it, so positions stay correct across mid-run tempo changes.
func (tb *TimeBase) DeviceToMusical(deviceTime, referenceStart float64) (bar int, beat float64) {
	bar, beat, _ = tb.walk(deviceTime, referenceStart)
	return bar, beat
}

// Beats returns the number of beats elapsed between referenceStart and
// deviceTime under the tempo history.
func (tb *TimeBase) Beats(deviceTime, referenceStart float64) float64 {
	_, _, total := tb.walk(deviceTime, referenceStart)
	return total
}

func (tb *TimeBase) walk(deviceTime, referenceStart float64) (bar int, beat float64, totalBeats float64) {
	if deviceTime < referenceStart {
		deviceTime = referenceStart
	}
	changes := tb.History()

	bar = 1
	beatInBar := 0.0
	cursor := referenceStart
	tempo := tb.TempoAt(referenceStart)

	advance := func(until float64) {
		if until <= cursor {
			return
		}
		beats := (until - cursor) / tempo.SecondsPerBeat()
		totalBeats += beats
		beatInBar += beats
		if bars := math.Floor(beatInBar / float64(tempo.Numerator)); bars > 0 {
			bar += int(bars)
			beatInBar -= bars * float64(tempo.Numerator)
		}
		cursor = until
	}

	for _, entry := range changes {
		if entry.Time <= cursor {
			continue // already in effect at the cursor
		}
		if entry.Time > deviceTime {
			break
		}
		advance(entry.Time)
		tempo = entry.Tempo
	}
	advance(deviceTime)
	return bar, beatInBar + 1, totalBeats
}

// BeatTime returns the device time at which the given beat count past
// referenceStart is reached, walking the tempo history the same way
// Beats does.
func (tb *TimeBase) BeatTime(beats, referenceStart float64) float64 {
	changes := tb.History()
	cursor := referenceStart
	tempo := tb.TempoAt(referenceStart)
	remaining := beats

	for _, entry := range changes {
		if entry.Time <= cursor {
			continue
		}
		segBeats := (entry.Time - cursor) / tempo.SecondsPerBeat()
		if segBeats >= remaining {
			break
		}
		remaining -= segBeats
		cursor = entry.Time
		tempo = entry.Tempo
	}
	return cursor + remaining*tempo.SecondsPerBeat()
}

// ShiftHistory moves every history timestamp forward by delta. A pause
// stretches the device-time span a session occupies; the recorded tempo
// change points must stretch with it so conversions against the shifted
// reference stay aligned with what the performers heard.
func (tb *TimeBase) ShiftHistory(delta float64) {
	if delta == 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i := range tb.history {
		tb.history[i].Time += delta
	}
}

// Reset discards the session's tempo changes, restoring a single entry
// with the given tempo effective from time zero.
func (tb *TimeBase) Reset(initial score.TempoInfo) error {
	if err := initial.Validate(); err != nil {
		return fmt.Errorf("reset tempo: %w", err)
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.history = []TempoEntry{{Tempo: initial, Time: 0}}
	return nil
}
