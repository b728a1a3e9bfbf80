package score

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// musicalTimeYAML is the on-disk shape of a MusicalTime. Exactly one of the
// variant keys must be present: absolute, bars(+beats), tempo_relative,
// trigger, or cue.
type musicalTimeYAML struct {
	Absolute      *float64   `yaml:"absolute"`
	Bars          *int       `yaml:"bars"`
	Beats         *float64   `yaml:"beats"`
	Subdivisions  float64    `yaml:"subdivisions"`
	TempoRelative *float64   `yaml:"tempo_relative"`
	Trigger       string     `yaml:"trigger"`
	Cue           string     `yaml:"cue"`
	Tempo         *TempoInfo `yaml:"tempo"`
}

// UnmarshalYAML decodes the tagged union, rejecting ambiguous or empty
// variants at load time rather than at scheduling time.
func (m *MusicalTime) UnmarshalYAML(node *yaml.Node) error {
	var raw musicalTimeYAML
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode musical time: %w", err)
	}

	variants := 0
	if raw.Absolute != nil {
		variants++
		*m = MusicalTime{Kind: TimeAbsolute, Seconds: *raw.Absolute}
	}
	if raw.Bars != nil {
		variants++
		beats := 1.0
		if raw.Beats != nil {
			beats = *raw.Beats
		}
		*m = MusicalTime{Kind: TimeMusical, Bars: *raw.Bars, Beats: beats, Subdivisions: raw.Subdivisions}
	}
	if raw.TempoRelative != nil {
		variants++
		*m = MusicalTime{Kind: TimeTempoRelative, BeatCount: *raw.TempoRelative}
	}
	if raw.Trigger != "" {
		variants++
		*m = MusicalTime{Kind: TimeTriggerWait, TriggerID: raw.Trigger}
	}
	if raw.Cue != "" {
		variants++
		*m = MusicalTime{Kind: TimeConductorCue, CueID: raw.Cue}
	}

	if variants == 0 {
		return &ValidationError{Field: "at", Message: "time requires one of: absolute, bars, tempo_relative, trigger, cue"}
	}
	if variants > 1 {
		return &ValidationError{Field: "at", Message: fmt.Sprintf("time specifies %d variants, exactly one allowed", variants)}
	}

	m.Tempo = raw.Tempo
	return m.Validate()
}

// MarshalYAML encodes the populated variant only.
func (m MusicalTime) MarshalYAML() (any, error) {
	raw := musicalTimeYAML{Tempo: m.Tempo}
	switch m.Kind {
	case TimeAbsolute:
		raw.Absolute = &m.Seconds
	case TimeMusical:
		bars, beats := m.Bars, m.Beats
		raw.Bars = &bars
		raw.Beats = &beats
		raw.Subdivisions = m.Subdivisions
	case TimeTempoRelative:
		raw.TempoRelative = &m.BeatCount
	case TimeTriggerWait:
		raw.Trigger = m.TriggerID
	case TimeConductorCue:
		raw.Cue = m.CueID
	default:
		return nil, fmt.Errorf("marshal musical time: unknown kind %d", int(m.Kind))
	}
	return raw, nil
}

// musicalTimeJSON mirrors musicalTimeYAML for wire/snapshot encoding, with
// an explicit kind discriminator.
type musicalTimeJSON struct {
	Kind         string     `json:"kind"`
	Seconds      *float64   `json:"seconds,omitempty"`
	Bars         *int       `json:"bars,omitempty"`
	Beats        *float64   `json:"beats,omitempty"`
	Subdivisions *float64   `json:"subdivisions,omitempty"`
	BeatCount    *float64   `json:"beat_count,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
	Cue          string     `json:"cue,omitempty"`
	Tempo        *TempoInfo `json:"tempo,omitempty"`
}

// MarshalJSON encodes the union with a kind discriminator.
func (m MusicalTime) MarshalJSON() ([]byte, error) {
	raw := musicalTimeJSON{Kind: m.Kind.String(), Tempo: m.Tempo}
	switch m.Kind {
	case TimeAbsolute:
		raw.Seconds = &m.Seconds
	case TimeMusical:
		bars, beats := m.Bars, m.Beats
		raw.Bars = &bars
		raw.Beats = &beats
		if m.Subdivisions != 0 {
			subs := m.Subdivisions
			raw.Subdivisions = &subs
		}
	case TimeTempoRelative:
		raw.BeatCount = &m.BeatCount
	case TimeTriggerWait:
		raw.Trigger = m.TriggerID
	case TimeConductorCue:
		raw.Cue = m.CueID
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the discriminated form produced by MarshalJSON.
func (m *MusicalTime) UnmarshalJSON(data []byte) error {
	var raw musicalTimeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode musical time: %w", err)
	}
	out := MusicalTime{Tempo: raw.Tempo}
	switch raw.Kind {
	case "absolute":
		out.Kind = TimeAbsolute
		if raw.Seconds != nil {
			out.Seconds = *raw.Seconds
		}
	case "musical":
		out.Kind = TimeMusical
		if raw.Bars != nil {
			out.Bars = *raw.Bars
		}
		if raw.Beats != nil {
			out.Beats = *raw.Beats
		}
		if raw.Subdivisions != nil {
			out.Subdivisions = *raw.Subdivisions
		}
	case "tempo_relative":
		out.Kind = TimeTempoRelative
		if raw.BeatCount != nil {
			out.BeatCount = *raw.BeatCount
		}
	case "trigger_wait":
		out.Kind = TimeTriggerWait
		out.TriggerID = raw.Trigger
	case "conductor_cue":
		out.Kind = TimeConductorCue
		out.CueID = raw.Cue
	default:
		return &ValidationError{Field: "at", Message: fmt.Sprintf("unknown time kind %q", raw.Kind)}
	}
	*m = out
	return m.Validate()
}
