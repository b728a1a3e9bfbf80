package dsp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MicGate opens and closes per-performer microphone inputs on a mixer
// node. Each performer owns a gain parameter /mic_gain_<performerID>;
// opening fades the gain to 1 over the countdown lead so the input is
// live exactly when the performer is cued.
type MicGate struct {
	node Node

	mu      sync.Mutex
	cancels map[string]func()
}

func NewMicGate(node Node) *MicGate {
	return &MicGate{node: node, cancels: make(map[string]func())}
}

func gainAddress(performerID string) string {
	return fmt.Sprintf("/mic_gain_%s", performerID)
}

// Open fades the performer's input up over the given duration. An
// in-flight ramp for the same performer is superseded.
func (g *MicGate) Open(performerID string, fade time.Duration) {
	g.ramp(performerID, 1, fade)
	slog.Debug("mic gate opening", "performer", performerID, "fade", fade)
}

// Close fades the performer's input back down.
func (g *MicGate) Close(performerID string, fade time.Duration) {
	g.ramp(performerID, 0, fade)
	slog.Debug("mic gate closing", "performer", performerID, "fade", fade)
}

// CloseAll shuts every input that was ever opened, immediately. Used on
// playback stop.
func (g *MicGate) CloseAll() {
	g.mu.Lock()
	cancels := g.cancels
	g.cancels = make(map[string]func())
	g.mu.Unlock()
	for id, cancel := range cancels {
		cancel()
		g.node.SetParamValue(gainAddress(id), 0)
	}
}

// Level reads the current gain for a performer's input.
func (g *MicGate) Level(performerID string) float64 {
	return g.node.GetParamValue(gainAddress(performerID))
}

func (g *MicGate) ramp(performerID string, target float64, fade time.Duration) {
	g.mu.Lock()
	if cancel, ok := g.cancels[performerID]; ok {
		cancel()
	}
	g.mu.Unlock()

	cancel := Fade(g.node, gainAddress(performerID), target, fade)

	g.mu.Lock()
	g.cancels[performerID] = cancel
	g.mu.Unlock()
}
