// Package core holds the data model shared by every part of the SDK: the
// evaluated flags returned by the evaluation service, their tagged payloads,
// and the evaluation context sent with each fetch.
package core

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PayloadKind is the declared type of a variant payload.
type PayloadKind string

const (
	PayloadNone   PayloadKind = "none"
	PayloadString PayloadKind = "string"
	PayloadNumber PayloadKind = "number"
	PayloadJSON   PayloadKind = "json"
)

// Valid reports whether k is one of the known payload kinds.
func (k PayloadKind) Valid() bool {
	switch k {
	case PayloadNone, PayloadString, PayloadNumber, PayloadJSON:
		return true
	default:
		return false
	}
}

// Variant is the variant selected for a flag by the evaluation service.
type Variant struct {
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Payload Payload `json:"payload"`
}

// EvaluatedFlag is a single pre-evaluated flag as returned by the service.
//
// Version is the only change signal: two flags with the same name and
// version are considered identical regardless of their content.
type EvaluatedFlag struct {
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	Variant        Variant     `json:"variant"`
	PayloadKind    PayloadKind `json:"payloadKind"`
	Version        int64       `json:"version"`
	Reason         string      `json:"reason,omitempty"`
	ImpressionFlag bool        `json:"impressionFlag,omitempty"`
}

type wireVariant struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireFlag struct {
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	Variant        wireVariant `json:"variant"`
	PayloadKind    PayloadKind `json:"payloadKind"`
	Version        int64       `json:"version"`
	Reason         string      `json:"reason,omitempty"`
	ImpressionFlag bool        `json:"impressionFlag,omitempty"`
}

// UnmarshalJSON decodes a flag and resolves its payload against the declared
// payload kind. A payload that cannot be read as its declared kind resolves
// to an empty payload rather than failing the whole document.
func (f *EvaluatedFlag) UnmarshalJSON(data []byte) error {
	var wf wireFlag
	if err := json.Unmarshal(data, &wf); err != nil {
		return err
	}
	if wf.Name == "" {
		return fmt.Errorf("decode flag: %w", ErrMissingFlagName)
	}

	kind := wf.PayloadKind
	if kind != "" && !kind.Valid() {
		kind = ""
	}
	payload := ResolvePayload(kind, wf.Variant.Payload)
	if kind == "" {
		kind = payload.Kind()
	}

	*f = EvaluatedFlag{
		Name:    wf.Name,
		Enabled: wf.Enabled,
		Variant: Variant{
			Name:    wf.Variant.Name,
			Enabled: wf.Variant.Enabled,
			Payload: payload,
		},
		PayloadKind:    kind,
		Version:        wf.Version,
		Reason:         wf.Reason,
		ImpressionFlag: wf.ImpressionFlag,
	}
	return nil
}

// Clone returns a deep copy of f.
func (f EvaluatedFlag) Clone() EvaluatedFlag {
	f.Variant.Payload = f.Variant.Payload.Clone()
	return f
}

// Snapshot is an immutable name-indexed view of evaluated flags. Snapshots
// are replaced wholesale and never mutated after construction.
type Snapshot map[string]EvaluatedFlag

// NewSnapshot indexes flags by name. Later duplicates win.
func NewSnapshot(flags []EvaluatedFlag) Snapshot {
	s := make(Snapshot, len(flags))
	for _, f := range flags {
		s[f.Name] = f.Clone()
	}
	return s
}

// Lookup returns the named flag, or nil when it is absent.
func (s Snapshot) Lookup(name string) *EvaluatedFlag {
	f, ok := s[name]
	if !ok {
		return nil
	}
	return &f
}

// List returns the flags of s sorted by name.
func (s Snapshot) List() []EvaluatedFlag {
	out := make([]EvaluatedFlag, 0, len(s))
	for _, name := range s.Names() {
		out = append(out, s[name])
	}
	return out
}

// Names returns the flag names of s in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
