package score

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Load reads, normalizes, and validates a composition file.
func Load(path string) (*Composition, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open score %s: %w", path, err)
	}
	defer f.Close()
	comp, warnings, err := Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("load score %s: %w", path, err)
	}
	return comp, warnings, nil
}

// Decode parses a YAML composition from r, runs schema validation against
// the raw document, then decodes into typed structs and normalizes text.
func Decode(r io.Reader) (*Composition, []Warning, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read score: %w", err)
	}

	// Schema pass runs on the generic document so that CUE sees the raw
	// shape, including keys the typed decode would silently drop.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse score yaml: %w", err)
	}
	if err := ValidateDocument(raw); err != nil {
		return nil, nil, err
	}

	var comp Composition
	if err := yaml.Unmarshal(data, &comp); err != nil {
		return nil, nil, fmt.Errorf("decode score: %w", err)
	}
	normalize(&comp)

	warnings, err := Validate(&comp)
	if err != nil {
		return nil, nil, err
	}
	return &comp, warnings, nil
}

// normalize applies NFC normalization to human-facing text so that section
// names and performer labels compare equal regardless of how the authoring
// tool composed accented characters.
func normalize(c *Composition) {
	c.Title = norm.NFC.String(c.Title)
	for i := range c.Performers {
		c.Performers[i].Label = norm.NFC.String(c.Performers[i].Label)
	}
	for i := range c.Sections {
		sec := &c.Sections[i]
		sec.Name = norm.NFC.String(sec.Name)
		sec.RehearsalMark = norm.NFC.String(sec.RehearsalMark)
		for j := range sec.Events {
			sec.Events[j].Description = norm.NFC.String(sec.Events[j].Description)
		}
	}
}
