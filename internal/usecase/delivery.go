package usecase

import (
	"context"
	"log/slog"
	"time"

	"persona-chat/internal/domain"
	"persona-chat/internal/metrics"
	"persona-chat/internal/resolver"
	"persona-chat/internal/scheduler"
)

// delivery is the snapshot one turn hands to the scheduler. Tasks read only
// from it, never from service state that a later turn may replace.
type delivery struct {
	svc            *TurnService
	session        *Session
	startedAt      time.Time
	conversationID string
	turnID         string
	trigger        string
	language       string
	units          []domain.DeliveryUnit
	plans          []resolver.Plan
	mood           *domain.Mood
	logger         *slog.Logger
}

// tasks builds one background task per unit at its pacing offset. With a
// presence publisher each unit is preceded by a view-bound typing task, and a
// final one clears the indicator.
func (d *delivery) tasks(offsets []time.Duration, lead time.Duration) []scheduler.Task {
	presence := d.svc.deps.Presence
	var tasks []scheduler.Task
	for i := range d.units {
		if presence != nil {
			at := offsets[i] - lead
			if i > 0 && at < offsets[i-1] {
				at = offsets[i-1]
			}
			if at < 0 {
				at = 0
			}
			tasks = append(tasks, d.typingTask(at, true))
		}
		tasks = append(tasks, scheduler.Task{
			ConversationID: d.conversationID,
			Class:          scheduler.Background,
			Delay:          offsets[i],
			Name:           "deliver",
			Run:            func(ctx context.Context) { d.deliver(ctx, i) },
		})
	}
	if presence != nil && len(offsets) > 0 {
		tasks = append(tasks, d.typingTask(offsets[len(offsets)-1], false))
	}
	return tasks
}

func (d *delivery) typingTask(at time.Duration, typing bool) scheduler.Task {
	return scheduler.Task{
		ConversationID: d.conversationID,
		Class:          scheduler.Foreground,
		Delay:          at,
		Name:           "typing",
		Run: func(ctx context.Context) {
			if typing && d.leftSinceStart(ctx) {
				return
			}
			if err := d.svc.deps.Presence.SetTyping(ctx, d.conversationID, typing); err != nil && ctx.Err() == nil {
				d.logger.WarnContext(ctx, "typing update failed", "typing", typing, "error", err)
			}
		},
	}
}

// leftSinceStart reports whether the user left the view after the turn began,
// possibly through another instance.
func (d *delivery) leftSinceStart(ctx context.Context) bool {
	if d.svc.deps.Views == nil {
		return false
	}
	meta, err := d.svc.deps.Meta.GetMeta(ctx, d.conversationID)
	if err != nil {
		d.logger.WarnContext(ctx, "view state load failed", "error", err)
		return false
	}
	return meta.LeftAt.After(d.startedAt)
}

// deliver commits unit i and then applies the plans anchored to it. A unit
// that fails to commit leaves its anchored actions pending for a later turn.
func (d *delivery) deliver(ctx context.Context, i int) {
	last := i == len(d.units)-1
	if last {
		defer d.svc.release(ctx, d.session, d.conversationID, d.turnID)
	}
	unit := d.units[i]
	msg := unit.ToMessage(d.conversationID, d.turnID)
	if _, err := d.svc.deps.Messages.Append(ctx, msg); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(string(unit.Kind), "error").Inc()
		d.logger.ErrorContext(ctx, "delivery failed", "unit", i, "kind", unit.Kind, "error", err)
		for _, p := range d.anchored(i) {
			d.logger.WarnContext(ctx, "resolution deferred", "action_id", p.Action.ID, "decision", p.Decision.String())
		}
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(string(unit.Kind), "ok").Inc()
	if err := d.svc.renew(ctx, d.session, d.conversationID, d.turnID); err != nil {
		d.logger.WarnContext(ctx, "turn lease renewal failed", "unit", i, "error", err)
	}

	if i == 0 && d.mood != nil {
		mood := *d.mood
		mood.UpdatedAt = d.svc.now()
		if err := d.svc.deps.Moods.SaveMood(ctx, d.conversationID, mood); err != nil {
			d.logger.WarnContext(ctx, "mood save failed", "error", err)
		}
	}

	for _, p := range d.anchored(i) {
		out, err := d.svc.deps.Applier.Apply(ctx, p, d.turnID, d.language)
		if err != nil {
			d.logger.ErrorContext(ctx, "pending action apply failed", "action_id", p.Action.ID, "applied", out.Applied, "error", err)
		}
		if out.Applied {
			metrics.ResolutionsTotal.WithLabelValues(string(p.Action.Kind), p.Decision.String(), p.Source).Inc()
		}
	}
	if last {
		d.logger.InfoContext(ctx, "turn delivered", "units", len(d.units))
	}
}

func (d *delivery) anchored(i int) []resolver.Plan {
	var out []resolver.Plan
	for _, p := range d.plans {
		if p.Anchor == i {
			out = append(out, p)
		}
	}
	return out
}
