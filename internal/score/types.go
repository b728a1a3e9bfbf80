package score

import (
	"fmt"
)

// TempoInfo is an immutable tempo and meter description.
// A tempo change replaces the current TempoInfo wholesale; there is no
// in-place mutation and no gradual ramping.
type TempoInfo struct {
	BPM         float64 `json:"bpm" yaml:"bpm"`
	Numerator   int     `json:"numerator" yaml:"numerator"`
	Denominator int     `json:"denominator" yaml:"denominator"`
	// Subdivision is the number of subdivisions per beat. Zero means
	// subdivisions are not used at this tempo (treated as 4 when a
	// MusicalTime carries a subdivision component anyway).
	Subdivision int `json:"subdivision,omitempty" yaml:"subdivision,omitempty"`
}

// Validate checks the tempo for values the scheduler cannot operate on.
func (t TempoInfo) Validate() error {
	if t.BPM <= 0 {
		return &ValidationError{Field: "bpm", Message: fmt.Sprintf("bpm must be positive, got %g", t.BPM)}
	}
	if t.Numerator <= 0 {
		return &ValidationError{Field: "numerator", Message: fmt.Sprintf("numerator must be positive, got %d", t.Numerator)}
	}
	if t.Denominator <= 0 {
		return &ValidationError{Field: "denominator", Message: fmt.Sprintf("denominator must be positive, got %d", t.Denominator)}
	}
	return nil
}

// SecondsPerBeat returns the duration of one beat at this tempo.
func (t TempoInfo) SecondsPerBeat() float64 {
	return 60.0 / t.BPM
}

// SubdivisionUnit returns the subdivisions-per-beat divisor, defaulting to 4
// when the tempo does not declare one.
func (t TempoInfo) SubdivisionUnit() float64 {
	if t.Subdivision > 0 {
		return float64(t.Subdivision)
	}
	return 4
}

// TimeKind discriminates the MusicalTime tagged union.
type TimeKind int

const (
	// TimeAbsolute is seconds from the composition start.
	TimeAbsolute TimeKind = iota + 1
	// TimeMusical is a bar/beat/subdivision position.
	TimeMusical
	// TimeTempoRelative is a beat count from the composition start.
	TimeTempoRelative
	// TimeTriggerWait resolves only when an external trigger fires.
	TimeTriggerWait
	// TimeConductorCue resolves only when the conductor cues it.
	TimeConductorCue
)

// String returns the YAML tag for the kind.
func (k TimeKind) String() string {
	switch k {
	case TimeAbsolute:
		return "absolute"
	case TimeMusical:
		return "musical"
	case TimeTempoRelative:
		return "tempo_relative"
	case TimeTriggerWait:
		return "trigger_wait"
	case TimeConductorCue:
		return "conductor_cue"
	default:
		return fmt.Sprintf("TimeKind(%d)", int(k))
	}
}

// MusicalTime is a tagged union of the ways an event can be positioned in
// time. Exactly one variant is populated, selected by Kind.
//
// Clock-resolvable kinds (absolute, musical, tempo_relative) convert to
// device time via the timebase. The externally-resolved kinds (trigger_wait,
// conductor_cue) are pending until their signal arrives and never convert.
type MusicalTime struct {
	Kind TimeKind

	// Seconds is set for TimeAbsolute.
	Seconds float64

	// Bars/Beats/Subdivisions are set for TimeMusical. Bars and Beats are
	// 1-based to match score notation.
	Bars         int
	Beats        float64
	Subdivisions float64

	// BeatCount is set for TimeTempoRelative.
	BeatCount float64

	// Tempo optionally pins the tempo used for conversion. When nil the
	// tempo in effect at evaluation time applies.
	Tempo *TempoInfo

	// TriggerID is set for TimeTriggerWait.
	TriggerID string

	// CueID is set for TimeConductorCue.
	CueID string
}

// Absolute builds an absolute-seconds MusicalTime.
func Absolute(seconds float64) MusicalTime {
	return MusicalTime{Kind: TimeAbsolute, Seconds: seconds}
}

// Musical builds a bar/beat MusicalTime.
func Musical(bars int, beats float64) MusicalTime {
	return MusicalTime{Kind: TimeMusical, Bars: bars, Beats: beats}
}

// Pending reports whether this time resolves only on an external signal.
func (m MusicalTime) Pending() bool {
	return m.Kind == TimeTriggerWait || m.Kind == TimeConductorCue
}

// Validate checks internal consistency of the union.
func (m MusicalTime) Validate() error {
	switch m.Kind {
	case TimeAbsolute:
		if m.Seconds < 0 {
			return &ValidationError{Field: "absolute", Message: fmt.Sprintf("absolute seconds must be non-negative, got %g", m.Seconds)}
		}
	case TimeMusical:
		if m.Bars < 1 || m.Beats < 1 {
			return &ValidationError{Field: "musical", Message: fmt.Sprintf("bars and beats are 1-based, got bars=%d beats=%g", m.Bars, m.Beats)}
		}
	case TimeTempoRelative:
		if m.BeatCount < 0 {
			return &ValidationError{Field: "tempo_relative", Message: fmt.Sprintf("beat count must be non-negative, got %g", m.BeatCount)}
		}
	case TimeTriggerWait:
		if m.TriggerID == "" {
			return &ValidationError{Field: "trigger_wait", Message: "trigger id is required"}
		}
	case TimeConductorCue:
		if m.CueID == "" {
			return &ValidationError{Field: "conductor_cue", Message: "cue id is required"}
		}
	default:
		return &ValidationError{Field: "at", Message: fmt.Sprintf("unknown time kind %d", int(m.Kind))}
	}
	if m.Tempo != nil {
		if err := m.Tempo.Validate(); err != nil {
			return fmt.Errorf("attached tempo: %w", err)
		}
	}
	return nil
}

// EventType categorizes composition events.
type EventType string

const (
	EventAudio       EventType = "audio"
	EventNotation    EventType = "notation"
	EventCue         EventType = "cue"
	EventVisual      EventType = "visual"
	EventTempoChange EventType = "tempo_change"
	EventSystem      EventType = "system"
)

// ValidEventTypes defines the allowed event type values.
var ValidEventTypes = map[EventType]bool{
	EventAudio:       true,
	EventNotation:    true,
	EventCue:         true,
	EventVisual:      true,
	EventTempoChange: true,
	EventSystem:      true,
}

// CompositionEvent is one timed action in the score. Events are read-only
// during playback; "has this fired" is tracked by the timeline's executed-id
// set, never on the event itself.
type CompositionEvent struct {
	ID          string         `json:"id" yaml:"id"`
	At          MusicalTime    `json:"at" yaml:"at"`
	Type        EventType      `json:"type" yaml:"type"`
	Action      string         `json:"action" yaml:"action"`
	Target      string         `json:"target,omitempty" yaml:"target,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// PrimesNextDisplay reports whether this is a notation event that should be
// fired during the seek-priming pass rather than immediately when past due.
// Scoped to notation events addressed to a "next" display.
func (e CompositionEvent) PrimesNextDisplay() bool {
	return e.Type == EventNotation && e.Target == "next"
}

// Section is an ordered region of the composition. End is optional; a
// section without an End runs until the next section's Start.
type Section struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name" yaml:"name"`
	RehearsalMark string             `json:"rehearsal_mark,omitempty" yaml:"rehearsal_mark,omitempty"`
	Start         MusicalTime        `json:"start" yaml:"start"`
	End           *MusicalTime       `json:"end,omitempty" yaml:"end,omitempty"`
	Events        []CompositionEvent `json:"events,omitempty" yaml:"events,omitempty"`
}

// PerformerTarget maps a performer to the remote display that receives
// countdown and cue messages addressed to them.
type PerformerTarget struct {
	PerformerID  string `json:"performer_id" yaml:"performer_id"`
	PlayerNumber int    `json:"player_number" yaml:"player_number"`
	Label        string `json:"label" yaml:"label"`
}

// Composition is the full loaded score.
type Composition struct {
	Title      string            `json:"title" yaml:"title"`
	Tempo      TempoInfo         `json:"tempo" yaml:"tempo"`
	Performers []PerformerTarget `json:"performers,omitempty" yaml:"performers,omitempty"`
	Sections   []Section         `json:"sections" yaml:"sections"`
}

// SectionByID returns the section with the given id, or nil.
func (c *Composition) SectionByID(id string) *Section {
	for i := range c.Sections {
		if c.Sections[i].ID == id {
			return &c.Sections[i]
		}
	}
	return nil
}

// SectionIndex returns the index of the section with the given id, or -1.
func (c *Composition) SectionIndex(id string) int {
	for i := range c.Sections {
		if c.Sections[i].ID == id {
			return i
		}
	}
	return -1
}

// Events returns all events across sections in section order.
func (c *Composition) Events() []CompositionEvent {
	var out []CompositionEvent
	for i := range c.Sections {
		out = append(out, c.Sections[i].Events...)
	}
	return out
}
