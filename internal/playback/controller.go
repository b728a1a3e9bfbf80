// Package playback is the composition root: it wires the timebase,
// scheduler, timeline, section transitions, aleatoric cues, DSP rack,
// and transport into one controller with a stopped/playing/paused
// state machine.
package playback

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/automaton/internal/aleatoric"
	"github.com/roach88/automaton/internal/dsp"
	"github.com/roach88/automaton/internal/scheduler"
	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timebase"
	"github.com/roach88/automaton/internal/timeline"
	"github.com/roach88/automaton/internal/transport"
)

// State is the controller's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// Broadcaster is the outbound slice of the transport layer the
// controller needs. *transport.Messenger satisfies it.
type Broadcaster interface {
	Broadcast(typ transport.Type, payload any) (transport.Message, error)
	Send(typ transport.Type, target string, payload any) (transport.Message, error)
}

// Options configures a Controller. Zero values get working defaults:
// system clock, in-memory mixer node, no transport.
type Options struct {
	Clock     timebase.Clock
	Messenger Broadcaster
	Rack      *dsp.Rack
	MicNode   dsp.Node
	Scheduler scheduler.Config
	// Aleatoric enables the stochastic cue stream for compositions with
	// performers. Left zero, the stream is disabled.
	Aleatoric aleatoric.Timing
}

// Controller orchestrates playback of one composition.
type Controller struct {
	comp  *score.Composition
	tb    *timebase.TimeBase
	sched *scheduler.Scheduler
	tl    *timeline.Timeline
	tr    *timeline.Transitions
	msg   Broadcaster
	rack  *dsp.Rack
	gate  *dsp.MicGate
	cues  *aleatoric.Scheduler

	mu       sync.Mutex
	state    State
	refStart float64
	offset   float64
	startIdx int
	// session identifies one playback run, minted per fresh start and
	// carried in every playback-state broadcast until Stop.
	session string
}

// New builds a stopped controller for the composition.
func New(comp *score.Composition, opts Options) (*Controller, error) {
	if comp == nil || len(comp.Sections) == 0 {
		return nil, fmt.Errorf("composition has no sections")
	}
	clock := opts.Clock
	if clock == nil {
		clock = timebase.NewSystemClock()
	}
	tb, err := timebase.New(clock, comp.Tempo)
	if err != nil {
		return nil, fmt.Errorf("build timebase: %w", err)
	}

	c := &Controller{
		comp:  comp,
		tb:    tb,
		msg:   opts.Messenger,
		rack:  opts.Rack,
		state: StateStopped,
	}
	if c.rack == nil {
		c.rack = dsp.NewRack()
	}
	micNode := opts.MicNode
	if micNode == nil {
		micNode = dsp.NewMemNode()
	}
	c.gate = dsp.NewMicGate(micNode)

	c.sched = scheduler.New(tb, opts.Scheduler)
	c.sched.OnBeat(c.onBeat)
	c.sched.OnTick(c.onTick)

	c.tl = timeline.New(tb, c.sched, c.execute)
	c.tr = timeline.NewTransitions(tb, comp, timeline.TransitionHooks{
		OnExit:  c.onSectionExit,
		OnEnter: c.onSectionEnter,
	})

	if opts.Aleatoric != (aleatoric.Timing{}) && len(comp.Performers) > 0 {
		c.cues, err = aleatoric.New(opts.Aleatoric, comp.Performers, aleatoric.Hooks{
			OnCountdown:  c.sendCountdown,
			OnPerformNow: c.sendPerformNow,
			OnCancelled:  c.sendCountdownCancelled,
			OpenMicGate: func(p score.PerformerTarget, fade time.Duration) {
				c.gate.Open(p.PerformerID, fade)
			},
			Trigger: c.sendScoreTrigger,
		})
		if err != nil {
			return nil, fmt.Errorf("build aleatoric scheduler: %w", err)
		}
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Position reports the current musical position and elapsed seconds.
// Stopped controllers report the start of the composition.
func (c *Controller) Position() (bar int, beat float64, elapsed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePlaying:
		elapsed = c.tb.Now() - c.refStart
	case StatePaused:
		elapsed = c.offset
	default:
		return 1, 1, 0
	}
	bar, beat = c.tb.DeviceToMusical(c.refStart+elapsed, c.refStart)
	return bar, beat, elapsed
}

// CurrentSection returns the section the playhead is in, or nil.
func (c *Controller) CurrentSection() *score.Section {
	return c.tr.Current()
}

// Rack exposes the DSP parameter router for node registration.
func (c *Controller) Rack() *dsp.Rack { return c.rack }

// Play starts playback at the named section, or resumes if paused.
// An empty sectionID means the first section. Playing is a no-op.
func (c *Controller) Play(sectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePlaying:
		return nil
	case StatePaused:
		return c.resumeLocked()
	}
	return c.startLocked(sectionID)
}

func (c *Controller) startLocked(sectionID string) error {
	idx := 0
	if sectionID != "" {
		idx = c.comp.SectionIndex(sectionID)
		if idx < 0 {
			return fmt.Errorf("unknown section %q", sectionID)
		}
	}
	sec := &c.comp.Sections[idx]
	startOffset, err := c.sectionOffset(sec)
	if err != nil {
		return fmt.Errorf("resolve start of section %q: %w", sec.ID, err)
	}

	c.tl.Reset()
	c.tr.Reset()

	now := c.tb.Now()
	c.refStart = now - startOffset
	c.offset = startOffset
	c.startIdx = idx
	c.tl.SetReferenceStart(c.refStart)
	c.tr.SetReferenceStart(c.refStart)

	// Remote notation displays need correct state before the first beat.
	c.tl.Prime(sec)
	c.tr.Enter(idx)

	bar, beat := c.tb.DeviceToMusical(now, c.refStart)
	if err := c.sched.Start(bar, int(beat), now); err != nil {
		return err
	}
	c.scheduleSectionsFrom(idx)

	c.session = newSessionID()
	c.state = StatePlaying
	slog.Info("playback started", "section", sec.ID, "bar", bar, "offset", startOffset, "session", c.session)
	c.broadcastStateLocked()
	return nil
}

func (c *Controller) resumeLocked() error {
	now := c.tb.Now()

	// The pause gap remaps the reference start, so tempo changes recorded
	// during the session must shift by the same amount to keep history
	// conversions aligned.
	if gap := now - (c.refStart + c.offset); gap > 0 {
		c.tb.ShiftHistory(gap)
	}
	c.refStart = now - c.offset

	c.tl.SetReferenceStart(c.refStart)
	c.tr.SetReferenceStart(c.refStart)

	// Pausing cancelled all armed callbacks, so restart the beat grid at
	// the first boundary strictly after the pause offset (a beat exactly
	// on the offset already fired before the pause) and re-register what
	// has not executed yet. The grid is derived from the tempo history,
	// not a single tempo, so it survives mid-run tempo changes.
	beatIdx := int(math.Floor(c.tb.Beats(now, c.refStart)+1e-9)) + 1
	beatTime := c.tb.BeatTime(float64(beatIdx), c.refStart)
	bar, beatF := c.tb.DeviceToMusical(beatTime, c.refStart)
	beat := int(math.Round(beatF))
	if beat > c.tb.TempoAt(beatTime).Numerator {
		// Rounding at an exact barline lands one past the meter.
		beat = 1
		bar++
	}

	if err := c.sched.Start(bar, beat, beatTime); err != nil {
		return err
	}
	c.scheduleSectionsFrom(c.startIdx)

	c.state = StatePlaying
	slog.Info("playback resumed", "bar", bar, "beat", beat, "offset", c.offset)
	c.broadcastStateLocked()
	return nil
}

// Pause stops the scheduler while keeping session state, accumulating
// elapsed time so Play resumes where playback left off.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return fmt.Errorf("cannot pause while %s", c.state)
	}
	c.offset = c.tb.Now() - c.refStart
	c.mu.Unlock()
	c.sched.Stop()
	c.mu.Lock()

	c.state = StatePaused
	slog.Info("playback paused", "offset", c.offset)
	c.broadcastStateLocked()
	return nil
}

// Stop halts playback and resets all session state: executed event ids,
// section pointer, elapsed offset, aleatoric cues, and mic gates.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	wasPlaying := c.state == StatePlaying
	c.mu.Unlock()

	if wasPlaying {
		c.sched.Stop()
	}
	if c.cues != nil {
		c.cues.Stop()
	}
	c.gate.CloseAll()

	c.mu.Lock()
	c.tl.Reset()
	c.tr.Reset()
	_ = c.tb.Reset(c.comp.Tempo)
	c.offset = 0
	c.refStart = 0
	c.startIdx = 0
	c.session = ""
	c.state = StateStopped
	slog.Info("playback stopped")
	c.broadcastStateLocked()
	c.mu.Unlock()
}

// StartCues begins the stochastic performer cue stream, if configured.
func (c *Controller) StartCues(sectionID string) error {
	if c.cues == nil {
		return fmt.Errorf("no performers configured")
	}
	c.cues.UpdateSection(sectionID)
	c.cues.Start()
	return nil
}

// StopCues halts the cue stream, cancelling any in-flight countdown.
func (c *Controller) StopCues() {
	if c.cues != nil {
		c.cues.Stop()
	}
}

// Trigger resolves events waiting on the given external trigger id.
func (c *Controller) Trigger(triggerID string) {
	c.tl.TriggerEvent(triggerID)
}

// ConductorCue resolves events waiting on the given conductor cue id.
func (c *Controller) ConductorCue(cueID string) {
	c.tl.ConductorCue(cueID)
}

// sectionOffset resolves a section start to seconds from composition
// start. Pending starts (trigger/cue) cannot be seeked to.
func (c *Controller) sectionOffset(sec *score.Section) (float64, error) {
	if sec.Start.Pending() {
		return 0, fmt.Errorf("section start waits on an external signal")
	}
	return c.tb.MusicalToDevice(sec.Start, 0)
}

func (c *Controller) scheduleSectionsFrom(idx int) {
	for i := idx; i < len(c.comp.Sections); i++ {
		for _, ev := range c.comp.Sections[i].Events {
			c.tl.ScheduleEvent(ev)
		}
	}
}

// onBeat runs inside the scheduler's execution barrier: broadcast the
// pulse, run the beat-polling fallback, and check section boundaries.
func (c *Controller) onBeat(bar, beat int, scheduled float64) {
	c.broadcast(transport.TypeMetronomePulse, transport.MetronomePayload{Bar: bar, Beat: beat})
	if sec := c.tr.Current(); sec != nil {
		c.tl.OnBeat(sec.Events, bar, beat)
	}
	c.tr.Check(scheduled)
}

// onTick catches absolute-time section boundaries between beats.
func (c *Controller) onTick(now float64) {
	c.tr.Check(now)
}

func (c *Controller) onSectionEnter(sec *score.Section) {
	c.broadcast(transport.TypeCurrentSection, transport.SectionPayload{
		SectionID:     sec.ID,
		Name:          sec.Name,
		RehearsalMark: sec.RehearsalMark,
	})
	if sec.RehearsalMark != "" {
		c.broadcast(transport.TypeRehearsalMark, transport.SectionPayload{
			SectionID:     sec.ID,
			RehearsalMark: sec.RehearsalMark,
		})
	}
	if c.cues != nil && c.cues.Running() {
		c.cues.UpdateSection(sec.ID)
	}
}

func (c *Controller) onSectionExit(sec *score.Section) {
	slog.Debug("leaving section", "section", sec.ID)
}

// execute is the timeline's sink: apply local side effects and mirror
// the event to remote displays. A failed execution is logged, never
// allowed to stop the scheduler.
func (c *Controller) execute(ev score.CompositionEvent, deviceTime float64) {
	switch ev.Type {
	case score.EventTempoChange:
		c.applyTempoChange(ev, deviceTime)
	case score.EventAudio:
		c.applyAudioParams(ev)
	}

	typ, ok := messageType(ev.Type)
	if !ok {
		slog.Warn("event type has no wire mapping", "event", ev.ID, "type", ev.Type)
		return
	}
	target := ev.Target
	if target == "" || target == "next" {
		target = transport.TargetAll
	}
	c.send(typ, target, transport.EventPayload{
		EventID:    ev.ID,
		Action:     ev.Action,
		Target:     ev.Target,
		DeviceTime: deviceTime,
		Parameters: ev.Parameters,
	})
}

func messageType(t score.EventType) (transport.Type, bool) {
	switch t {
	case score.EventAudio:
		return transport.TypeAudioEvent, true
	case score.EventNotation:
		return transport.TypeNotation, true
	case score.EventCue:
		return transport.TypeCue, true
	case score.EventVisual:
		return transport.TypeVisualEvent, true
	case score.EventSystem, score.EventTempoChange:
		return transport.TypeSystemEvent, true
	}
	return "", false
}

func (c *Controller) applyTempoChange(ev score.CompositionEvent, deviceTime float64) {
	tempo := c.tb.TempoAt(deviceTime)
	if bpm, ok := floatParam(ev.Parameters, "bpm"); ok {
		tempo.BPM = bpm
	}
	if n, ok := floatParam(ev.Parameters, "numerator"); ok {
		tempo.Numerator = int(n)
	}
	if d, ok := floatParam(ev.Parameters, "denominator"); ok {
		tempo.Denominator = int(d)
	}
	if err := c.tb.SetTempo(tempo, deviceTime); err != nil {
		slog.Error("tempo change rejected", "event", ev.ID, "error", err)
	}
}

func (c *Controller) applyAudioParams(ev score.CompositionEvent) {
	address, ok := ev.Parameters["address"].(string)
	if !ok {
		return
	}
	value, ok := floatParam(ev.Parameters, "value")
	if !ok {
		return
	}
	if err := c.rack.SetParam(address, value); err != nil {
		slog.Warn("audio event param unroutable", "event", ev.ID, "address", address)
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (c *Controller) sendCountdown(p score.PerformerTarget, secondsRemaining float64) {
	c.send(transport.TypeCountdown, playerTarget(p), transport.CountdownPayload{
		PerformerID:      p.PerformerID,
		PlayerNumber:     p.PlayerNumber,
		SecondsRemaining: secondsRemaining,
	})
}

func (c *Controller) sendPerformNow(p score.PerformerTarget) {
	c.send(transport.TypePerformNow, playerTarget(p), transport.CountdownPayload{
		PerformerID:  p.PerformerID,
		PlayerNumber: p.PlayerNumber,
	})
}

func (c *Controller) sendCountdownCancelled(p score.PerformerTarget) {
	c.send(transport.TypeCountdownCancelled, playerTarget(p), transport.CountdownPayload{
		PerformerID:  p.PerformerID,
		PlayerNumber: p.PlayerNumber,
	})
}

func (c *Controller) sendScoreTrigger(p score.PerformerTarget, scoreData map[string]any) {
	c.send(transport.TypeUpdateScore, playerTarget(p), transport.ScoreUpdatePayload{
		SectionID: c.cueSectionID(),
		Data:      scoreData,
	})
}

func (c *Controller) cueSectionID() string {
	if c.cues == nil {
		return ""
	}
	return c.cues.SectionID()
}

func playerTarget(p score.PerformerTarget) string {
	return fmt.Sprintf("player-%d", p.PlayerNumber)
}

// broadcastStateLocked mirrors every lifecycle transition to remote
// displays so they derive elapsed time without polling.
func (c *Controller) broadcastStateLocked() {
	elapsed := c.offset
	if c.state == StatePlaying {
		elapsed = c.tb.Now() - c.refStart
	}
	bar, beat := c.tb.DeviceToMusical(c.refStart+elapsed, c.refStart)
	c.send(transport.TypePlaybackState, transport.TargetAll, transport.PlaybackStatePayload{
		State:      string(c.state),
		DeviceTime: c.tb.Now(),
		Bar:        bar,
		Beat:       beat,
		SessionID:  c.session,
	})
}

// newSessionID mints a v7 token so sessions sort by start time. The v4
// fallback only matters if the entropy source fails.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Controller) broadcast(typ transport.Type, payload any) {
	c.send(typ, transport.TargetAll, payload)
}

func (c *Controller) send(typ transport.Type, target string, payload any) {
	if c.msg == nil {
		return
	}
	if _, err := c.msg.Send(typ, target, payload); err != nil {
		slog.Warn("send failed", "type", typ, "error", err)
	}
}
