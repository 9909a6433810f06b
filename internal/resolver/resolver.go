package resolver

import (
	"context"
	"log/slog"

	"persona-chat/internal/domain"
)

// Classifier is the fallback used when no unit carries unambiguous evidence.
type Classifier interface {
	Classify(ctx context.Context, action domain.PendingAction, texts []string) (domain.Decision, error)
}

// Decision sources, recorded for logging and metrics.
const (
	SourceRules      = "rules"
	SourceClassifier = "classifier"
	SourceDefault    = "default"
)

// Plan is the decision for one pending action. Anchor is the index of the
// unit that must be delivered before the plan is applied.
type Plan struct {
	Action   domain.PendingAction
	Decision domain.Decision
	Anchor   int
	Source   string
}

type Resolver struct {
	rules      Rules
	classifier Classifier
	logger     *slog.Logger
}

// New returns a Resolver. A nil classifier sends every ambiguous action
// straight to the conservative default.
func New(rules Rules, classifier Classifier, logger *slog.Logger) *Resolver {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{rules: rules, classifier: classifier, logger: logger}
}

// Decide returns one plan per open action. Rules run first; when they find
// no unambiguous evidence the classifier is asked once; when that is
// inconclusive too the action is rejected. Plans never default to accept.
func (r *Resolver) Decide(ctx context.Context, actions []domain.PendingAction, units []domain.DeliveryUnit) []Plan {
	if len(units) == 0 {
		return nil
	}
	last := len(units) - 1
	var plans []Plan
	for _, a := range actions {
		if !a.Open() {
			continue
		}
		inf := r.rules.Infer(a.Kind, units)
		if inf.Decision != domain.DecisionUnknown {
			plans = append(plans, Plan{Action: a, Decision: inf.Decision, Anchor: inf.Index, Source: SourceRules})
			continue
		}
		if d := r.classify(ctx, a, units); d != domain.DecisionUnknown {
			plans = append(plans, Plan{Action: a, Decision: d, Anchor: last, Source: SourceClassifier})
			continue
		}
		r.logger.InfoContext(ctx, "ambiguous decision, rejecting", "action_id", a.ID, "kind", a.Kind)
		plans = append(plans, Plan{Action: a, Decision: domain.DecisionReject, Anchor: last, Source: SourceDefault})
	}
	return plans
}

func (r *Resolver) classify(ctx context.Context, a domain.PendingAction, units []domain.DeliveryUnit) domain.Decision {
	if r.classifier == nil {
		return domain.DecisionUnknown
	}
	texts := make([]string, 0, len(units))
	for _, u := range units {
		if s := u.Summary(); s != "" {
			texts = append(texts, s)
		}
	}
	d, err := r.classifier.Classify(ctx, a, texts)
	if err != nil {
		r.logger.WarnContext(ctx, "decision classification failed", "action_id", a.ID, "error", err)
		return domain.DecisionUnknown
	}
	return d
}
