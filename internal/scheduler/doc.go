// Package scheduler turns the continuous stream of upcoming beats into
// precisely timed callback executions.
//
// TWO-TIER TIMING:
//
// A coarse look-ahead pass (every ~10ms) decides which beats fall inside
// the look-ahead window (~100ms) and arms one fine-grained callback per
// beat. A fine poll (every ~1ms) re-reads the authoritative device clock
// and fires every armed callback whose target time has passed. Fire
// decisions come from the device clock on every poll, never from a timer's
// own notion of when it fired - OS timers coalesce and drift against the
// audio clock, the poll does not.
//
// A tempo change mid-run only affects beats that have not been armed yet;
// already-armed callbacks keep their original target times.
//
// CANCELLATION:
//
// Stop cancels everything synchronously: armed callbacks are invalidated by
// a generation bump, and Stop blocks on the execution barrier until any
// in-flight callback returns. No beat notification is delivered after Stop
// returns.
//
// Drift ((actualFire - scheduled) in ms) is recorded per beat into a
// bounded ring buffer when measurement is enabled.
package scheduler
