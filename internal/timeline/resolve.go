package timeline

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timebase"
)

// Resolution is a deterministic snapshot of every event's device time at
// the composition's base tempo, with position zero at device time zero.
// Used by the resolve CLI command and as the golden-test surface.
type Resolution struct {
	Title    string              `json:"title"`
	Tempo    score.TempoInfo     `json:"tempo"`
	Sections []SectionResolution `json:"sections"`
}

// SectionResolution resolves one section's boundary and events.
type SectionResolution struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	StartSeconds *float64          `json:"start_seconds,omitempty"`
	StartPending string            `json:"start_pending,omitempty"`
	Events       []EventResolution `json:"events,omitempty"`
}

// EventResolution resolves one event. Pending names the external signal for
// events that never resolve from the clock.
type EventResolution struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Action  string   `json:"action"`
	Seconds *float64 `json:"seconds,omitempty"`
	Pending string   `json:"pending,omitempty"`
}

// Resolve computes the resolution using a detached timebase pinned at
// device time zero, so the output depends only on the score.
func Resolve(comp *score.Composition) (*Resolution, error) {
	tb, err := timebase.New(timebase.NewManualClock(0), comp.Tempo)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	res := &Resolution{Title: comp.Title, Tempo: comp.Tempo}
	for i := range comp.Sections {
		sec := &comp.Sections[i]
		sr := SectionResolution{ID: sec.ID, Name: sec.Name}
		if sec.Start.Pending() {
			sr.StartPending = pendingLabel(sec.Start)
		} else {
			t, err := tb.MusicalToDevice(sec.Start, 0)
			if err != nil {
				return nil, fmt.Errorf("resolve section %s start: %w", sec.ID, err)
			}
			sr.StartSeconds = &t
		}
		for _, ev := range sec.Events {
			er := EventResolution{ID: ev.ID, Type: string(ev.Type), Action: ev.Action}
			if ev.At.Pending() {
				er.Pending = pendingLabel(ev.At)
			} else {
				t, err := tb.MusicalToDevice(ev.At, 0)
				if err != nil {
					return nil, fmt.Errorf("resolve event %s: %w", ev.ID, err)
				}
				er.Seconds = &t
			}
			sr.Events = append(sr.Events, er)
		}
		res.Sections = append(res.Sections, sr)
	}
	return res, nil
}

// MarshalIndent renders the canonical JSON form compared by golden tests.
func (r *Resolution) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func pendingLabel(mt score.MusicalTime) string {
	switch mt.Kind {
	case score.TimeTriggerWait:
		return "trigger:" + mt.TriggerID
	case score.TimeConductorCue:
		return "cue:" + mt.CueID
	default:
		return ""
	}
}
