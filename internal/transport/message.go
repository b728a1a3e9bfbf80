package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates performance messages on the wire.
type Type string

// Cueing protocol message types.
const (
	TypeCountdown          Type = "countdown"
	TypeCountdownCancelled Type = "countdown-cancelled"
	TypeCountdownSmooth    Type = "countdown-smooth"
	TypePerformNow         Type = "perform-now"
	TypeMetronomePulse     Type = "metronome-pulse"
	TypeRehearsalMark      Type = "rehearsal-mark"
	TypeCurrentSection     Type = "current-section"
	TypeNextSection        Type = "next-section"
	TypeUpdateScore        Type = "update-score"
	TypePlaybackState      Type = "playback-state"
	TypeVisualEvent        Type = "visual-event"
	TypeSystemEvent        Type = "system-event"
	TypeAudioEvent         Type = "audio-event"
	TypeNotation           Type = "notation"
	TypeCue                Type = "cue"
	TypeDiagnosticPing     Type = "diagnostic-ping"
	TypeDiagnosticPong     Type = "diagnostic-pong"
	TypeCustom             Type = "custom"
	TypeRelayWelcome       Type = "relay:welcome"
)

// TargetAll addresses every connected peer.
const TargetAll = "all"

// Transport names for the Transport field.
const (
	TransportBroadcast = "broadcast"
	TransportWebSocket = "websocket"
)

// Message is the wire envelope: JSON over WebSocket, passed by value over
// the broadcast bus. ID is the dedup key.
type Message struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	Target          string          `json:"target,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	Transport       string          `json:"transport,omitempty"`
	Source          string          `json:"source,omitempty"`
	ServerTimestamp int64           `json:"serverTimestamp,omitempty"`
	ServerSource    string          `json:"serverSource,omitempty"`
}

// New builds a message with a marshalled payload. The messenger fills in
// id, timestamp, and source at send time if left empty.
func New(typ Type, target string, payload any) (Message, error) {
	m := Message{Type: typ, Target: target}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Data = data
	}
	return m, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
func MustNew(typ Type, target string, payload any) Message {
	m, err := New(typ, target, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// nowMillis is the wall timestamp stamped onto outgoing messages. Display
// peers use it for humans, never for scheduling - device time does that.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
