package transport

import (
	"encoding/json"
	"fmt"
)

// Typed payloads, one per message type. The transport boundary decodes and
// validates these so downstream handlers switch on concrete types instead
// of probing untyped maps.

// CountdownPayload rides countdown, countdown-smooth, countdown-cancelled,
// and perform-now. SecondsRemaining is 0 only on the distinct perform-now
// cue; consumers key off this value, not arrival order.
type CountdownPayload struct {
	PerformerID      string  `json:"performerId"`
	PlayerNumber     int     `json:"playerNumber"`
	SecondsRemaining float64 `json:"secondsRemaining"`
}

// MetronomePayload rides metronome-pulse.
type MetronomePayload struct {
	Bar  int `json:"bar"`
	Beat int `json:"beat"`
}

// SectionPayload rides current-section, next-section, and rehearsal-mark.
type SectionPayload struct {
	SectionID     string `json:"sectionId"`
	Name          string `json:"name,omitempty"`
	RehearsalMark string `json:"rehearsalMark,omitempty"`
}

// PlaybackStatePayload rides playback-state, broadcast on every controller
// state transition so displays derive elapsed time without polling.
type PlaybackStatePayload struct {
	State      string  `json:"state"`
	DeviceTime float64 `json:"deviceTime"`
	Bar        int     `json:"bar"`
	Beat       float64 `json:"beat"`
	// SessionID identifies one playback session: minted on every fresh
	// start, stable across pause and resume, cleared on stop. UUIDv7, so
	// displays can order sessions by id alone.
	SessionID string `json:"sessionId,omitempty"`
}

// EventPayload rides audio-event, visual-event, system-event, notation,
// and cue messages: a serialized composition event execution.
type EventPayload struct {
	EventID    string         `json:"eventId"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	DeviceTime float64        `json:"deviceTime"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ScoreUpdatePayload rides update-score.
type ScoreUpdatePayload struct {
	SectionID string         `json:"sectionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DiagnosticPayload rides diagnostic-ping and diagnostic-pong. The pong
// echoes the nonce so the pinger can match and measure round-trip time.
type DiagnosticPayload struct {
	Nonce    string `json:"nonce"`
	SentAtMS int64  `json:"sentAtMs"`
}

// WelcomePayload rides relay:welcome.
type WelcomePayload struct {
	Role    string `json:"role,omitempty"`
	Player  int    `json:"player,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodePayload decodes and validates a message's data into its typed
// payload. Custom messages return the raw bytes; unknown types are a
// validation error so malformed traffic is dropped at the boundary with a
// log line, not propagated.
func DecodePayload(m Message) (any, error) {
	switch m.Type {
	case TypeCountdown, TypeCountdownSmooth, TypeCountdownCancelled, TypePerformNow:
		var p CountdownPayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.PerformerID == "" {
			return nil, fmt.Errorf("%s payload missing performerId", m.Type)
		}
		return p, nil

	case TypeMetronomePulse:
		var p MetronomePayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.Bar < 1 || p.Beat < 1 {
			return nil, fmt.Errorf("metronome-pulse payload has non-positive position %d.%d", p.Bar, p.Beat)
		}
		return p, nil

	case TypeCurrentSection, TypeNextSection, TypeRehearsalMark:
		var p SectionPayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.SectionID == "" {
			return nil, fmt.Errorf("%s payload missing sectionId", m.Type)
		}
		return p, nil

	case TypePlaybackState:
		var p PlaybackStatePayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.State == "" {
			return nil, fmt.Errorf("playback-state payload missing state")
		}
		return p, nil

	case TypeAudioEvent, TypeVisualEvent, TypeSystemEvent, TypeNotation, TypeCue:
		var p EventPayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.EventID == "" {
			return nil, fmt.Errorf("%s payload missing eventId", m.Type)
		}
		return p, nil

	case TypeUpdateScore:
		var p ScoreUpdatePayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeDiagnosticPing, TypeDiagnosticPong:
		var p DiagnosticPayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.Nonce == "" {
			return nil, fmt.Errorf("%s payload missing nonce", m.Type)
		}
		return p, nil

	case TypeRelayWelcome:
		var p WelcomePayload
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeCustom:
		return m.Data, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

func decodeInto(m Message, dst any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
