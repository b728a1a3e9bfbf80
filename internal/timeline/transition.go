package timeline

import (
	"log/slog"
	"sync"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timebase"
)

// TransitionHooks receive edge-triggered section boundary notifications.
type TransitionHooks struct {
	// OnExit fires for the section being left, before OnEnter.
	OnExit func(sec *score.Section)
	// OnEnter fires exactly once per boundary crossing.
	OnEnter func(sec *score.Section)
}

// Transitions tracks the single "current section" pointer and fires
// enter/exit hooks exactly once per boundary crossing.
//
// Check runs on every beat notification and independently on every
// scheduler tick, so both musically-positioned and absolute-time section
// starts are caught. The edge trigger lives in the current-index compare:
// holding inside a section for many ticks fires nothing.
type Transitions struct {
	tb    *timebase.TimeBase
	comp  *score.Composition
	hooks TransitionHooks

	mu         sync.Mutex
	refStart   float64
	currentIdx int
}

// NewTransitions creates a transition manager with no current section.
func NewTransitions(tb *timebase.TimeBase, comp *score.Composition, hooks TransitionHooks) *Transitions {
	return &Transitions{
		tb:         tb,
		comp:       comp,
		hooks:      hooks,
		currentIdx: -1,
	}
}

// SetReferenceStart records the device time of composition position zero.
func (tr *Transitions) SetReferenceStart(t float64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.refStart = t
}

// Reset clears the current-section pointer without firing hooks.
func (tr *Transitions) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.currentIdx = -1
}

// Current returns the current section, or nil before the first boundary.
func (tr *Transitions) Current() *score.Section {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.currentIdx < 0 {
		return nil
	}
	return &tr.comp.Sections[tr.currentIdx]
}

// Enter forces the current section pointer (used when seeking directly into
// a section); fires hooks as a normal transition.
func (tr *Transitions) Enter(idx int) {
	tr.transitionTo(idx)
}

// Check evaluates section boundaries at device time now and transitions if
// the position has crossed into a different section.
//
// Candidate selection: the section with the latest resolved start at or
// before now. When several sections share that start (an authoring error
// the validator warns about), the first in composition order wins.
func (tr *Transitions) Check(now float64) {
	tr.mu.Lock()
	refStart := tr.refStart
	current := tr.currentIdx
	tr.mu.Unlock()

	best := -1
	bestStart := 0.0
	for i := range tr.comp.Sections {
		sec := &tr.comp.Sections[i]
		if sec.Start.Pending() {
			// Signal-started sections are entered via Enter when their
			// trigger fires, never from the clock.
			continue
		}
		start, err := tr.tb.MusicalToDevice(sec.Start, refStart)
		if err != nil {
			slog.Error("section start resolution failed", "section", sec.ID, "error", err)
			continue
		}
		if start > now {
			continue
		}
		// Strict > keeps the earliest section on equal starts.
		if best == -1 || start > bestStart {
			best = i
			bestStart = start
		}
	}

	if best != -1 && best != current {
		tr.transitionTo(best)
	}
}

func (tr *Transitions) transitionTo(idx int) {
	tr.mu.Lock()
	if idx == tr.currentIdx || idx < 0 || idx >= len(tr.comp.Sections) {
		tr.mu.Unlock()
		return
	}
	prev := tr.currentIdx
	tr.currentIdx = idx
	tr.mu.Unlock()

	if prev >= 0 && tr.hooks.OnExit != nil {
		tr.hooks.OnExit(&tr.comp.Sections[prev])
	}
	next := &tr.comp.Sections[idx]
	slog.Info("section transition", "section", next.ID, "name", next.Name)
	if tr.hooks.OnEnter != nil {
		tr.hooks.OnEnter(next)
	}
}
