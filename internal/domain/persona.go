package domain

import (
	"errors"
	"time"
)

// ErrPersonaNotFound is returned when no profile exists for a persona id.
var ErrPersonaNotFound = errors.New("domain: persona not found")

// Persona is the read-only persona configuration.
type Persona struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Language string          `json:"language"`
	LiveChat bool            `json:"liveChat"`
	Profile  string          `json:"profile"`
	Flags    map[string]bool `json:"flags,omitempty"`
}

// Mood is the per-conversation mood / inner-thought side record, refreshed
// once per turn from the completion's metadata block.
type Mood struct {
	Mood      string
	Thought   string
	TurnID    string
	UpdatedAt time.Time
}
