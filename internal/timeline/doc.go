// Package timeline resolves and fires composition events exactly once per
// playback session, and detects section boundary crossings.
//
// EXACTLY-ONCE:
//
// Execution state lives in one owned set of executed event ids per session,
// cleared atomically on Reset - never in flags on the events themselves.
// Two trigger paths can both decide an event is due (direct time-based
// scheduling and the per-beat polling fallback); the first to reach the
// executed set wins and the other becomes a logged no-op.
//
// Events whose time is a trigger_wait or conductor_cue id are held pending
// and fire when TriggerEvent/ConductorCue delivers the matching signal.
//
// PAST-DUE POLICY:
//
// An event whose resolved time is at or before the current position when
// scheduled fires immediately rather than being dropped, with one carve-out:
// notation events addressed to a "next" display are fired by the Prime pass
// when seeking into a section, so remote displays show correct state without
// waiting for the event's nominal time.
package timeline
