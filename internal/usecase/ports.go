package usecase

import (
	"context"
	"time"

	"persona-chat/internal/domain"
	"persona-chat/internal/resolver"
	"persona-chat/internal/scheduler"
	"persona-chat/internal/splitter"
	"persona-chat/internal/validate"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.CompletionOptions) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type PersonaStore interface {
	GetPersona(ctx context.Context, id string) (domain.Persona, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
	List(ctx context.Context, conversationID string, window int) ([]domain.Message, error)
}

type PendingStore interface {
	CreatePending(ctx context.Context, action domain.PendingAction) (domain.PendingAction, error)
	ListPending(ctx context.Context, conversationID string) ([]domain.PendingAction, error)
}

type MoodStore interface {
	SaveMood(ctx context.Context, conversationID string, mood domain.Mood) error
	GetMood(ctx context.Context, conversationID string) (domain.Mood, bool, error)
}

type MetaReader interface {
	GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, error)
}

// TurnLocks is the conversation turn lease shared by every instance of the
// service.
type TurnLocks interface {
	AcquireTurn(ctx context.Context, conversationID, turnID string, ttl time.Duration) (domain.TurnLease, error)
	RenewTurn(ctx context.Context, conversationID, turnID string, ttl time.Duration) error
	ReleaseTurn(ctx context.Context, conversationID, turnID string) error
}

// ViewTracker records that the user left a conversation view, so typing
// tasks running on other instances stop publishing.
type ViewTracker interface {
	MarkLeft(ctx context.Context, conversationID string) error
}

// PersonaContext finds what a persona said recently in its other
// conversations.
type PersonaContext interface {
	TouchPersona(ctx context.Context, personaID, conversationID string) error
	Recent(ctx context.Context, personaID, exclude string, conversations, perConversation int) ([]domain.Excerpt, error)
}

// Presence publishes the persona's typing indicator.
type Presence interface {
	SetTyping(ctx context.Context, conversationID string, typing bool) error
}

type Repairer interface {
	Run(ctx context.Context, req validate.Request) (validate.Result, error)
}

type Splitter interface {
	SplitRange(text string, r splitter.Range) []domain.DeliveryUnit
}

type Planner interface {
	Decide(ctx context.Context, actions []domain.PendingAction, units []domain.DeliveryUnit) []resolver.Plan
}

type Applier interface {
	Apply(ctx context.Context, plan resolver.Plan, turnID, language string) (resolver.Outcome, error)
}

type Scheduler interface {
	ScheduleAll(tasks []scheduler.Task) error
	CancelForeground(conversationID string) int
	Pending(conversationID string) int
	Wait(ctx context.Context, conversationID string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}
