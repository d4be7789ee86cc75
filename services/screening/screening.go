// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package screening classifies text against regex rules for credentials and
// personal data. Knowledge documents are screened before they are embedded,
// since anything in the vector database can end up quoted in a reply.
package screening

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Classification names in the embedded rules.
const (
	ClassSecret = "secret"
	ClassPII    = "pii"
	ClassPublic = "public"
)

//go:embed patterns.yaml
var defaultPatterns []byte

type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch v := Confidence(s); v {
	case High, Medium, Low:
		*c = v
		return nil
	default:
		return fmt.Errorf("invalid confidence: %q", s)
	}
}

type rulesFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification is a named group of patterns.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
	re          *regexp.Regexp
}

// Finding is one pattern match.
type Finding struct {
	Source         string     `json:"source,omitempty"`
	LineNumber     int        `json:"line_number"`
	Matched        string     `json:"matched"`
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Description    string     `json:"description"`
	Confidence     Confidence `json:"confidence"`
}

// Redacted returns the match with all but its first four characters masked.
func (f Finding) Redacted() string {
	r := []rune(f.Matched)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-4)
}

// Engine holds compiled rules ordered by descending priority.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Engine struct {
	classes []Classification
}

// New builds an Engine from the embedded rules.
func New() (*Engine, error) {
	return Parse(defaultPatterns)
}

// Parse builds an Engine from YAML rules.
//
// Outputs:
//
//	*Engine - Rules compiled and sorted by priority, highest first.
//	error - Malformed YAML, an invalid confidence or an invalid regex.
func Parse(data []byte) (*Engine, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse screening rules: %w", err)
	}
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Engine{classes: f.Classifications}, nil
}

// Classifications returns the loaded classifications in priority order.
func (e *Engine) Classifications() []Classification {
	return e.classes
}

// Classify returns the name of the highest priority classification that
// matches text, or ClassPublic.
func (e *Engine) Classify(text string) string {
	for _, c := range e.classes {
		for _, p := range c.Patterns {
			if p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every match in content line by line.
func (e *Engine) Scan(source, content string) []Finding {
	var findings []Finding
	for n, line := range strings.Split(content, "\n") {
		for _, c := range e.classes {
			for _, p := range c.Patterns {
				m := p.re.FindString(line)
				if m == "" {
					continue
				}
				findings = append(findings, Finding{
					Source:         source,
					LineNumber:     n + 1,
					Matched:        strings.TrimSpace(m),
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
				})
			}
		}
	}
	return findings
}
