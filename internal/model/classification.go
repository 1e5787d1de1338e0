package model

import "strings"

// TypeUnknown is the classification type for documents no classifier
// could place.
const TypeUnknown = "unknown"

// Classification is the black-box signal produced by the document
// classifier.
type Classification struct {
	Type       string         `json:"type" yaml:"type"`
	Confidence float64        `json:"confidence" yaml:"confidence"`
	Features   map[string]any `json:"features,omitempty" yaml:"features"`
}

// Known reports whether the classification names a usable document type.
func (c *Classification) Known() bool {
	if c == nil {
		return false
	}
	t := strings.TrimSpace(strings.ToLower(c.Type))
	return t != "" && t != TypeUnknown
}
