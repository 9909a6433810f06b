package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"persona-chat/internal/domain"
)

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.CompletionOptions) (string, error)
}

// Request is one completion to validate, together with the prompt that
// produced it so repairs can continue the same exchange.
type Request struct {
	Messages    []domain.ChatMessage
	Raw         string
	Constraints Constraints
	Options     domain.CompletionOptions
}

// Result is the best output found. Violations lists what it still breaks;
// Repairs lists the constraint kinds a corrective query was issued for.
type Result struct {
	Text       string
	Metadata   *Metadata
	Violations []Violation
	Repairs    []Kind
}

type candidate struct {
	raw        string
	body       string
	meta       *Metadata
	violations []Violation
}

type Repairer struct {
	llm    Completer
	logger *slog.Logger
}

func NewRepairer(llm Completer, logger *slog.Logger) (*Repairer, error) {
	if llm == nil {
		return nil, errors.New("validate: completer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{llm: llm, logger: logger}, nil
}

// Run validates req.Raw and issues at most one corrective query per violated
// constraint kind. It always returns the best candidate seen: fewest
// violations, newest on ties. A failed repair query stops repairing; the error
// is returned only when ctx itself is done.
func (r *Repairer) Run(ctx context.Context, req Request) (Result, error) {
	best := evaluate(req.Raw, req.Constraints)
	attempted := make(map[Kind]bool)
	var repairs []Kind

	for {
		v, ok := nextViolation(best.violations, attempted)
		if !ok {
			break
		}
		attempted[v.Kind] = true
		repairs = append(repairs, v.Kind)

		msgs := make([]domain.ChatMessage, 0, len(req.Messages)+2)
		msgs = append(msgs, req.Messages...)
		if best.raw != "" {
			msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: best.raw})
		}
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: instruction(v, req.Constraints)})

		out, err := r.llm.Complete(ctx, msgs, req.Options)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("validate: repair %s: %w", v.Kind, err)
			}
			r.logger.WarnContext(ctx, "repair query failed", "kind", v.Kind, "error", err)
			break
		}
		next := evaluate(out, req.Constraints)
		if len(next.violations) <= len(best.violations) {
			best = next
		}
	}

	if len(best.violations) > 0 {
		r.logger.InfoContext(ctx, "accepting output with violations", "violations", kinds(best.violations), "repairs", len(repairs))
	}
	return Result{
		Text:       best.body,
		Metadata:   best.meta,
		Violations: best.violations,
		Repairs:    repairs,
	}, nil
}

func evaluate(raw string, c Constraints) candidate {
	clean := Sanitize(raw)
	body, meta, _ := ExtractMetadata(clean)
	return candidate{
		raw:        clean,
		body:       body,
		meta:       meta,
		violations: Check(clean, c),
	}
}

func nextViolation(vs []Violation, attempted map[Kind]bool) (Violation, bool) {
	for _, v := range vs {
		if !attempted[v.Kind] {
			return v, true
		}
	}
	return Violation{}, false
}

func kinds(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v.Kind)
	}
	return out
}

func instruction(v Violation, c Constraints) string {
	switch v.Kind {
	case KindLanguage:
		lang := LanguageName(NormalizeLanguage(c.Language))
		return fmt.Sprintf("Your previous reply was not written in %s. Rewrite the same reply entirely in %s, keeping its meaning, tone and any commands. Keep the metadata block at the end.", lang, lang)
	case KindMetadata:
		return `Your previous reply is missing a valid metadata block. Repeat the same reply unchanged and end it with <meta>{"mood": "<one word>", "thought": "<one short sentence>"}</meta>.`
	case KindNarrative:
		return fmt.Sprintf("This is a live chat. Rewrite your previous reply without action descriptions or stage directions such as %q. Only write what you would actually type. Keep the metadata block at the end.", v.Detail)
	case KindElapsedTime:
		return fmt.Sprintf("It has been %s since the user's last message. Rewrite your previous reply so that it naturally acknowledges how long it has been. Keep the metadata block at the end.", humanizeGap(c.Elapsed))
	default:
		return "Your previous reply had no visible message. Reply to the user again, in character, and end with the metadata block."
	}
}

func humanizeGap(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d >= time.Hour:
		return "about an hour"
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}
