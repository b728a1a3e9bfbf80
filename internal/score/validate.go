package score

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSrc string

// ValidateDocument checks a generic decoded YAML document against the
// embedded CUE schema. Returns a ValidationError describing the first
// schema violation, or nil.
func ValidateDocument(doc map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile score schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Composition"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("lookup score schema: %w", err)
	}

	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode score document: %w", err)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		// Report the first error with its CUE path for a usable message.
		errs := cueerrors.Errors(err)
		if len(errs) > 0 {
			first := errs[0]
			return &ValidationError{
				Field:   strings.Join(cueerrors.Path(first), "."),
				Message: first.Error(),
			}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// Validate runs the cross-field checks the CUE schema cannot express.
// Returns non-fatal warnings (overlapping section starts) alongside any
// fatal error.
func Validate(c *Composition) ([]Warning, error) {
	if err := c.Tempo.Validate(); err != nil {
		return nil, fmt.Errorf("composition tempo: %w", err)
	}
	if len(c.Sections) == 0 {
		return nil, &ValidationError{Field: "sections", Message: "composition requires at least one section"}
	}

	// Event ids are unique composition-wide; the executed-id set keys on
	// them so a collision would merge two events' at-most-once guarantees.
	seen := make(map[string]string)
	for i := range c.Sections {
		sec := &c.Sections[i]
		if sec.ID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("sections[%d].id", i), Message: "section id is required"}
		}
		for j := range sec.Events {
			ev := &sec.Events[j]
			field := fmt.Sprintf("sections[%d].events[%d]", i, j)
			if ev.ID == "" {
				return nil, &ValidationError{Field: field + ".id", Message: "event id is required"}
			}
			if prev, dup := seen[ev.ID]; dup {
				return nil, &ValidationError{Field: field + ".id", Message: fmt.Sprintf("event id %q already used at %s", ev.ID, prev)}
			}
			seen[ev.ID] = field
			if !ValidEventTypes[ev.Type] {
				return nil, &ValidationError{Field: field + ".type", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
			}
			if err := ev.At.Validate(); err != nil {
				return nil, fmt.Errorf("%s.at: %w", field, err)
			}
		}
		if err := sec.Start.Validate(); err != nil {
			return nil, fmt.Errorf("sections[%d].start: %w", i, err)
		}
		if sec.End != nil {
			if err := sec.End.Validate(); err != nil {
				return nil, fmt.Errorf("sections[%d].end: %w", i, err)
			}
		}
	}

	performerIDs := make(map[string]bool, len(c.Performers))
	for i, p := range c.Performers {
		if performerIDs[p.PerformerID] {
			return nil, &ValidationError{Field: fmt.Sprintf("performers[%d]", i), Message: fmt.Sprintf("duplicate performer id %q", p.PerformerID)}
		}
		performerIDs[p.PerformerID] = true
	}

	return overlapWarnings(c), nil
}

// overlapWarnings flags sections whose start conditions are structurally
// identical. The runtime resolves such overlaps first-in-composition-order,
// but identical starts are almost certainly an authoring error, so they are
// surfaced here rather than silently tolerated.
func overlapWarnings(c *Composition) []Warning {
	var warnings []Warning
	for i := range c.Sections {
		for j := i + 1; j < len(c.Sections); j++ {
			if sameStart(c.Sections[i].Start, c.Sections[j].Start) {
				warnings = append(warnings, Warning{
					Field: fmt.Sprintf("sections[%d].start", j),
					Message: fmt.Sprintf("section %q starts at the same position as section %q; section order decides which wins",
						c.Sections[j].ID, c.Sections[i].ID),
				})
			}
		}
	}
	return warnings
}

// sameStart compares the variant content of two times, ignoring any
// attached tempo override.
func sameStart(a, b MusicalTime) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case TimeAbsolute:
		return a.Seconds == b.Seconds
	case TimeMusical:
		return a.Bars == b.Bars && a.Beats == b.Beats && a.Subdivisions == b.Subdivisions
	case TimeTempoRelative:
		return a.BeatCount == b.BeatCount
	case TimeTriggerWait:
		return a.TriggerID == b.TriggerID
	case TimeConductorCue:
		return a.CueID == b.CueID
	}
	return false
}
