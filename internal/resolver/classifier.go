package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"persona-chat/internal/domain"
)

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.CompletionOptions) (string, error)
}

var decisionSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string", "enum": ["accept", "reject", "unknown"]}
  }
}`)

// LLMClassifier asks the completion service for a forced-choice decision.
type LLMClassifier struct {
	llm     Completer
	model   string
	timeout time.Duration
}

func NewLLMClassifier(llm Completer, model string, timeout time.Duration) (*LLMClassifier, error) {
	if llm == nil {
		return nil, errors.New("resolver: completer must not be nil")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMClassifier{llm: llm, model: model, timeout: timeout}, nil
}

type decisionResponse struct {
	Decision string `json:"decision"`
}

func (c *LLMClassifier) Classify(ctx context.Context, action domain.PendingAction, texts []string) (domain.Decision, error) {
	raw, err := c.llm.Complete(ctx, classificationMessages(action, texts), domain.CompletionOptions{
		Model:           c.model,
		MaxOutputLength: 20,
		Timeout:         c.timeout,
		Temperature:     0,
		Schema:          &domain.ResponseSchema{Name: "pending_decision", Schema: decisionSchema},
	})
	if err != nil {
		return domain.DecisionUnknown, fmt.Errorf("resolver: classify: %w", err)
	}
	return parseDecision(raw)
}

func classificationMessages(action domain.PendingAction, texts []string) []domain.ChatMessage {
	system := strings.Join([]string{
		"You label the decision a chat persona made about one pending request.",
		"Read the persona's messages and decide whether the persona accepted or rejected the request.",
		"Answer accept only when the messages clearly accept it. Answer reject when they clearly decline it.",
		"Answer unknown when the messages do not settle it.",
		`Return JSON only: {"decision": "accept" | "reject" | "unknown"}.`,
	}, "\n")
	user := fmt.Sprintf("Request: %s\n\nPersona messages:\n%s", describeAction(action), strings.Join(texts, "\n"))
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user},
	}
}

func describeAction(a domain.PendingAction) string {
	switch a.Kind {
	case domain.PendingTransfer:
		s := fmt.Sprintf("the user transferred ¥%s to the persona", a.Amount.StringFixed(2))
		if a.Note != "" {
			s += fmt.Sprintf(" with the note %q", a.Note)
		}
		return s + "; the persona either keeps it (accept) or refunds it (reject)"
	case domain.PendingMusicInvite:
		return fmt.Sprintf("the user invited the persona to listen to %q by %s together", a.Track, a.Artist)
	case domain.PendingGameInvite:
		return fmt.Sprintf("the user invited the persona to play %s together", a.Game)
	case domain.PendingTakeoutPayRequest:
		if a.Order != nil {
			return fmt.Sprintf("the user asked the persona to pay ¥%s for a takeout order from %s", a.Order.Total.StringFixed(2), a.Order.Merchant)
		}
		return "the user asked the persona to pay for a takeout order"
	}
	return string(a.Kind)
}

func parseDecision(raw string) (domain.Decision, error) {
	var out decisionResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return domain.DecisionUnknown, fmt.Errorf("resolver: decode decision: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.DecisionUnknown, errors.New("resolver: decode decision: trailing data")
	}
	switch strings.ToLower(strings.TrimSpace(out.Decision)) {
	case "accept":
		return domain.DecisionAccept, nil
	case "reject":
		return domain.DecisionReject, nil
	case "unknown":
		return domain.DecisionUnknown, nil
	}
	return domain.DecisionUnknown, fmt.Errorf("resolver: unexpected decision %q", out.Decision)
}
