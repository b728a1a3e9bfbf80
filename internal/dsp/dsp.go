// Package dsp models the audio processing graph as opaque parameter
// surfaces. Synthesis and effect nodes live elsewhere (native audio
// units, wasm modules); the engine only ever sets and reads named
// parameters on them via slash-delimited addresses like
// /reverb/reverb_wet.
package dsp

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Node is the consumed contract of a single processing unit. Addresses
// are node-local, e.g. /reverb_wet on the reverb node.
type Node interface {
	SetParamValue(address string, value float64)
	GetParamValue(address string) float64
}

// MemNode is a map-backed Node. Real deployments adapt audio units to
// the Node interface; MemNode backs tests and dry runs.
type MemNode struct {
	mu     sync.Mutex
	params map[string]float64
}

func NewMemNode() *MemNode {
	return &MemNode{params: make(map[string]float64)}
}

func (n *MemNode) SetParamValue(address string, value float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params[address] = value
}

func (n *MemNode) GetParamValue(address string) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params[address]
}

// Rack routes full parameter addresses to registered nodes. The first
// path segment names the node, the remainder is the node-local address:
// /reverb/reverb_wet -> node "reverb", address /reverb_wet.
type Rack struct {
	mu    sync.Mutex
	nodes map[string]Node
}

func NewRack() *Rack {
	return &Rack{nodes: make(map[string]Node)}
}

// Register attaches a node under the given name, replacing any previous
// node with that name.
func (r *Rack) Register(name string, n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[name] = n
}

// Node returns the named node, or nil.
func (r *Rack) Node(name string) Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[name]
}

func (r *Rack) resolve(address string) (Node, string, error) {
	trimmed := strings.TrimPrefix(address, "/")
	name, rest, ok := strings.Cut(trimmed, "/")
	if !ok || name == "" || rest == "" {
		return nil, "", fmt.Errorf("malformed parameter address %q", address)
	}
	r.mu.Lock()
	n := r.nodes[name]
	r.mu.Unlock()
	if n == nil {
		return nil, "", fmt.Errorf("no node %q for address %q", name, address)
	}
	return n, "/" + rest, nil
}

// SetParam routes a full address to its node. Unroutable addresses are
// logged and dropped; a missing effect never halts the performance.
func (r *Rack) SetParam(address string, value float64) error {
	n, local, err := r.resolve(address)
	if err != nil {
		slog.Warn("dropping parameter set", "address", address, "error", err)
		return err
	}
	n.SetParamValue(local, value)
	return nil
}

// GetParam reads a full address, returning 0 for unroutable ones.
func (r *Rack) GetParam(address string) (float64, error) {
	n, local, err := r.resolve(address)
	if err != nil {
		return 0, err
	}
	return n.GetParamValue(local), nil
}

// fadeStep is how often parameter ramps re-write their target.
const fadeStep = 10 * time.Millisecond

// Fade ramps a parameter linearly from its current value to target over
// the given duration, stepping on a coarse ticker. A zero or negative
// duration sets the target immediately. The returned cancel function
// stops the ramp at its current value.
func Fade(n Node, address string, target float64, duration time.Duration) (cancel func()) {
	start := n.GetParamValue(address)
	if duration <= 0 || start == target {
		n.SetParamValue(address, target)
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(fadeStep)
		defer ticker.Stop()
		began := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				frac := float64(time.Since(began)) / float64(duration)
				if frac >= 1 {
					n.SetParamValue(address, target)
					return
				}
				n.SetParamValue(address, start+(target-start)*frac)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
