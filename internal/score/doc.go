// Package score defines the static composition data model: tempo, musical
// time, events, sections, and performer targets.
//
// Composition data is authored in YAML, loaded once at startup, and treated
// as read-only during playback. All mutable playback state (executed event
// ids, current section, tempo history) lives in the packages that own it -
// never in these types.
//
// VALIDATION:
//
// Loading runs two passes. A CUE schema pass (schema.cue) checks structure
// and value ranges. A Go pass checks cross-field properties the schema
// cannot express: unique event ids, monotonic section ordering, and the
// overlapping-section-start diagnostic. Overlap resolution at runtime is
// first-in-composition-order; the validator surfaces overlaps as warnings
// because they are almost always authoring mistakes.
package score
