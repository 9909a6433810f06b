package domain

import (
	"encoding/json"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the context
// window builder and LLM integrations. It is the model-readable projection of
// a history entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseSchema constrains a completion to a named JSON schema.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}

// CompletionOptions configures a single completion call.
type CompletionOptions struct {
	Model           string
	MaxOutputLength int
	Timeout         time.Duration
	Temperature     float64
	Schema          *ResponseSchema
}
