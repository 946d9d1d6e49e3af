package domain

import (
	"context"
	"encoding/json"
)

// TargetInfo describes one candidate execution context (a browser tab).
type TargetInfo struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	Active        bool   `json:"active"`         // currently focused tab
	Ready         bool   `json:"ready"`          // page fully loaded
	OriginMatches bool   `json:"origin_matches"` // URL origin is in the allowed set
}

// Qualifies reports whether this target may service an extraction request.
func (t TargetInfo) Qualifies() bool {
	return t.Ready && t.OriginMatches
}

// TargetLocator selects the single best execution target, or fails with
// ErrNoTarget when no candidate qualifies.
type TargetLocator interface {
	Locate(ctx context.Context) (TargetInfo, error)
}

// Sandbox runs one unit of extraction work inside an isolated execution
// context. The router never inspects what the work does internally; the
// payload is opaque at this layer and validated by the sandbox itself.
type Sandbox interface {
	// Targets lists all candidate execution contexts in backend order.
	Targets(ctx context.Context) ([]TargetInfo, error)
	// Run executes the extraction payload against the given target and
	// returns the extracted data, or an error carrying a human-readable
	// reason.
	Run(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error)
	// Close releases backend resources.
	Close() error
}
