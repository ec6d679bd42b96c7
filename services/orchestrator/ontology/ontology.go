// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ontology holds the closed vocabulary of canonical finding types and
// anatomy locations. Non-canonical inputs must alias to a canonical label
// before they reach the graph; anything else is a validation failure.
//
// The vocabulary is embedded at build time and loaded once per process.
// It is read-only after initialisation and safe for concurrent use.
package ontology

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

// ErrNotCanonical marks a label that has no canonical mapping. Callers use
// errors.Is to turn graph-write rejections into validation failures.
var ErrNotCanonical = errors.New("label is not canonical")

//go:embed vocabulary.yaml
var vocabularyYAML []byte

type vocabEntry struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

type vocabFile struct {
	Version   string       `yaml:"version"`
	Types     []vocabEntry `yaml:"types"`
	Locations []vocabEntry `yaml:"locations"`
}

// Ontology maps free-text labels to their canonical forms.
type Ontology struct {
	version   string
	types     map[string]string
	locations map[string]string
}

var (
	loadOnce sync.Once
	loaded   *Ontology
	loadErr  error
)

// Load parses the embedded vocabulary. The result is cached for the process
// lifetime; repeated calls are cheap.
func Load() (*Ontology, error) {
	loadOnce.Do(func() {
		var f vocabFile
		if err := yaml.Unmarshal(vocabularyYAML, &f); err != nil {
			loadErr = fmt.Errorf("failed to parse vocabulary: %w", err)
			return
		}
		o := &Ontology{
			version:   f.Version,
			types:     buildIndex(f.Types),
			locations: buildIndex(f.Locations),
		}
		loaded = o
	})
	return loaded, loadErr
}

func buildIndex(entries []vocabEntry) map[string]string {
	idx := make(map[string]string, len(entries)*2)
	for _, e := range entries {
		canonical := normalizeLabel(e.Name)
		idx[canonical] = canonical
		for _, a := range e.Aliases {
			idx[normalizeLabel(a)] = canonical
		}
	}
	return idx
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Version returns the vocabulary version identifier.
func (o *Ontology) Version() string { return o.version }

// CanonicalType resolves a finding type to its canonical label.
func (o *Ontology) CanonicalType(s string) (string, bool) {
	c, ok := o.types[normalizeLabel(s)]
	return c, ok
}

// CanonicalLocation resolves an anatomy label to its canonical form.
func (o *Ontology) CanonicalLocation(s string) (string, bool) {
	c, ok := o.locations[normalizeLabel(s)]
	return c, ok
}

// CanonicalizeFindings rewrites each finding's type and location to canonical
// form, in place. A label with no canonical mapping is reported with its
// index, matching the per-index contract of the graph write path.
func (o *Ontology) CanonicalizeFindings(findings []datatypes.Finding) error {
	for i := range findings {
		t, ok := o.CanonicalType(findings[i].Type)
		if !ok {
			return fmt.Errorf("finding[%d].type: %q: %w", i, findings[i].Type, ErrNotCanonical)
		}
		findings[i].Type = t
		if findings[i].Location != "" {
			loc, ok := o.CanonicalLocation(findings[i].Location)
			if !ok {
				return fmt.Errorf("finding[%d].location: %q: %w", i, findings[i].Location, ErrNotCanonical)
			}
			findings[i].Location = loc
		}
	}
	return nil
}
