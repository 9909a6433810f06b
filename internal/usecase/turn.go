package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"persona-chat/internal/contextwindow"
	"persona-chat/internal/domain"
	"persona-chat/internal/integrations/openai"
	"persona-chat/internal/metrics"
	"persona-chat/internal/scheduler"
	"persona-chat/internal/splitter"
	"persona-chat/internal/validate"
)

const (
	triggerSend     = "send"
	triggerContinue = "continue"

	defaultMaxContext    = 40
	defaultMaxMessageLen = 2000
	defaultTurnTimeout   = 2 * time.Minute
	defaultTypingLead    = 1200 * time.Millisecond
	defaultCrossConvs    = 2
	defaultCrossMessages = 6

	// history rows fetched per context round; rounds count user messages only
	historyPerRound = 4
)

// Deps are the collaborators of a TurnService. Presence, Moderator, Views
// and Related are optional.
type Deps struct {
	Params    ParamGetter
	Personas  PersonaStore
	LLM       Completer
	Moderator Moderator
	Messages  MessageStore
	Pending   PendingStore
	Moods     MoodStore
	Meta      MetaReader
	Presence  Presence
	Locks     TurnLocks
	Views     ViewTracker
	Related   PersonaContext
	Repairer  Repairer
	Splitter  Splitter
	Planner   Planner
	Applier   Applier
	Scheduler Scheduler
	Logger    *slog.Logger
}

type Options struct {
	ParamPrefix      string
	Model            string
	Temperature      float64
	MaxOutputTokens  int
	CallTimeout      time.Duration
	TurnTimeout      time.Duration
	MaxContextItems  int
	MaxContextChars  int
	MaxMessageLength int
	ElapsedThreshold time.Duration
	WaitForDelivery  bool
	ModerateInput    bool
	Pacing           scheduler.Pacing
	TypingLead       time.Duration

	// CrossConversations and CrossMessages bound the context pulled from the
	// persona's other conversations when Related is set.
	CrossConversations int
	CrossMessages      int
}

type TurnService struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	sessions *sessions
	now      func() time.Time

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
}

type SendInput struct {
	ConversationID string
	PersonaID      string
	Message        domain.Message
}

type ContinueInput struct {
	ConversationID string
	PersonaID      string
}

// TurnOutput describes a scheduled reply. Delivered is true when the service
// waited for every unit to commit before returning.
type TurnOutput struct {
	ConversationID string
	TurnID         string
	UserMessage    *domain.Message
	Units          []domain.DeliveryUnit
	Repairs        []string
	Violations     []string
	Delivered      bool
}

type LeaveOutput struct {
	ConversationID string
	Cancelled      int
}

type StatusOutput struct {
	ConversationID string
	InFlight       bool
	TurnID         string
	PendingTasks   int
	Messages       int
	LastActivity   time.Time
}

func NewTurnService(d Deps, o Options) (*TurnService, error) {
	if d.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if d.Personas == nil {
		return nil, errors.New("usecase: persona store must not be nil")
	}
	if d.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if d.Messages == nil || d.Pending == nil || d.Moods == nil || d.Meta == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if d.Locks == nil {
		return nil, errors.New("usecase: turn locks must not be nil")
	}
	if d.Repairer == nil {
		return nil, errors.New("usecase: repairer must not be nil")
	}
	if d.Splitter == nil {
		return nil, errors.New("usecase: splitter must not be nil")
	}
	if d.Planner == nil || d.Applier == nil {
		return nil, errors.New("usecase: resolver must not be nil")
	}
	if d.Scheduler == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if o.ModerateInput && d.Moderator == nil {
		return nil, errors.New("usecase: moderator must not be nil when moderation is enabled")
	}
	o.ParamPrefix = strings.TrimRight(strings.TrimSpace(o.ParamPrefix), "/")
	if o.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if o.MaxContextItems <= 0 {
		o.MaxContextItems = defaultMaxContext
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = defaultMaxMessageLen
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = defaultTurnTimeout
	}
	if o.TypingLead <= 0 {
		o.TypingLead = defaultTypingLead
	}
	if o.CrossConversations <= 0 {
		o.CrossConversations = defaultCrossConvs
	}
	if o.CrossMessages <= 0 {
		o.CrossMessages = defaultCrossMessages
	}
	if o.Pacing.Rand == nil {
		o.Pacing = scheduler.DefaultPacing()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnService{
		deps:     d,
		opts:     o,
		logger:   logger,
		sessions: newSessions(),
		now:      time.Now,
	}, nil
}

// Send stores the user's message, records any request it carries as a
// pending action and runs a reply turn.
func (s *TurnService) Send(ctx context.Context, in SendInput) (TurnOutput, error) {
	personaID := strings.TrimSpace(in.PersonaID)
	if personaID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_persona_id", nil)
	}
	msg := in.Message
	if reason := s.checkUserMessage(&msg); reason != "" {
		return TurnOutput{}, newError(ErrorInvalidInput, reason, nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}

	turnID := newUUID()
	sess, err := s.claim(ctx, convID, turnID, triggerSend)
	if err != nil {
		return TurnOutput{}, err
	}
	released := false
	defer func() {
		if !released {
			s.release(ctx, sess, convID, turnID)
		}
	}()

	if s.opts.ModerateInput && msg.Text != "" {
		flagged, err := s.deps.Moderator.Moderate(ctx, msg.Text)
		if err != nil {
			return TurnOutput{}, s.fail(triggerSend, upstreamError("moderation", err))
		}
		if flagged {
			return TurnOutput{}, s.fail(triggerSend, newError(ErrorInvalidInput, "moderation_flagged", nil))
		}
	}

	msg.ConversationID = convID
	msg.Sender = domain.SenderUser
	if pendingKind(msg.Kind) != "" {
		msg.Status = domain.StatusPending
	}
	stored, err := s.deps.Messages.Append(ctx, msg)
	if err != nil {
		return TurnOutput{}, s.fail(triggerSend, newError(ErrorInternal, "dynamodb_write_error", err))
	}
	if action, ok := pendingFor(stored); ok {
		if _, err := s.deps.Pending.CreatePending(ctx, action); err != nil {
			return TurnOutput{}, s.fail(triggerSend, newError(ErrorInternal, "dynamodb_pending_error", err))
		}
	}

	out, err := s.runTurn(ctx, sess, convID, personaID, turnID, triggerSend)
	released = true
	if err != nil {
		return TurnOutput{}, err
	}
	out.UserMessage = &stored
	return out, nil
}

// Continue runs a turn without a new user message: the persona speaks on
// its own.
func (s *TurnService) Continue(ctx context.Context, in ContinueInput) (TurnOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	personaID := strings.TrimSpace(in.PersonaID)
	if personaID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_persona_id", nil)
	}
	turnID := newUUID()
	sess, err := s.claim(ctx, convID, turnID, triggerContinue)
	if err != nil {
		return TurnOutput{}, err
	}
	return s.runTurn(ctx, sess, convID, personaID, turnID, triggerContinue)
}

// Leave cancels the conversation's view-bound tasks. Deliveries already
// scheduled still commit. With a view tracker the departure is recorded so
// typing tasks on other instances stop as well.
func (s *TurnService) Leave(ctx context.Context, conversationID string) (LeaveOutput, error) {
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return LeaveOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	n := s.deps.Scheduler.CancelForeground(convID)
	if s.deps.Views != nil {
		if err := s.deps.Views.MarkLeft(ctx, convID); err != nil {
			s.logger.WarnContext(ctx, "record view left failed", "conversation_id", convID, "error", err)
		}
	}
	if s.deps.Presence != nil {
		if err := s.deps.Presence.SetTyping(ctx, convID, false); err != nil {
			s.logger.WarnContext(ctx, "clear typing failed", "conversation_id", convID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "conversation view left", "conversation_id", convID, "cancelled", n)
	return LeaveOutput{ConversationID: convID, Cancelled: n}, nil
}

func (s *TurnService) Status(ctx context.Context, conversationID string) (StatusOutput, error) {
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return StatusOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	meta, err := s.deps.Meta.GetMeta(ctx, convID)
	if err != nil {
		return StatusOutput{}, newError(ErrorInternal, "dynamodb_meta_error", err)
	}
	st := s.sessions.get(convID).State()
	inFlight, turnID := st.InFlight, st.TurnID
	if meta.TurnInFlight(s.now()) {
		inFlight, turnID = true, meta.InFlightTurn
	}
	return StatusOutput{
		ConversationID: convID,
		InFlight:       inFlight,
		TurnID:         turnID,
		PendingTasks:   s.deps.Scheduler.Pending(convID),
		Messages:       meta.Messages,
		LastActivity:   meta.LastActivity,
	}, nil
}

// claim takes the local session and then the shared lease for turnID. The
// lease expires after TurnTimeout without renewal, so a crashed instance
// cannot hold a conversation for longer than that.
func (s *TurnService) claim(ctx context.Context, convID, turnID, trigger string) (*Session, error) {
	sess := s.sessions.get(convID)
	ok, forced, previous := sess.begin(turnID, s.now(), s.opts.TurnTimeout)
	if !ok {
		return nil, s.fail(trigger, newError(ErrorTurnInProgress, "turn_in_progress", nil))
	}
	lease, err := s.deps.Locks.AcquireTurn(ctx, convID, turnID, s.opts.TurnTimeout)
	if err != nil {
		sess.finish(turnID)
		if errors.Is(err, domain.ErrTurnInProgress) {
			return nil, s.fail(trigger, newError(ErrorTurnInProgress, "turn_in_progress", err))
		}
		return nil, s.fail(trigger, newError(ErrorInternal, "dynamodb_lease_error", err))
	}
	if lease.Previous != "" {
		forced, previous = true, lease.Previous
	}
	if forced {
		s.logger.WarnContext(ctx, "stalled turn taken over", "conversation_id", convID, "previous_turn_id", previous, "turn_id", turnID)
	}
	return sess, nil
}

// renew records progress of turnID and extends its lease.
func (s *TurnService) renew(ctx context.Context, sess *Session, convID, turnID string) error {
	sess.progress(turnID, s.now())
	return s.deps.Locks.RenewTurn(ctx, convID, turnID, s.opts.TurnTimeout)
}

// release clears the local session and the shared lease if turnID still
// owns them.
func (s *TurnService) release(ctx context.Context, sess *Session, convID, turnID string) {
	sess.finish(turnID)
	err := s.deps.Locks.ReleaseTurn(context.WithoutCancel(ctx), convID, turnID)
	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		s.logger.WarnContext(ctx, "turn lease was taken over", "conversation_id", convID, "turn_id", turnID)
	case err != nil:
		s.logger.ErrorContext(ctx, "turn lease release failed", "conversation_id", convID, "turn_id", turnID, "error", err)
	}
}

// relatedContext records convID in the persona's index and returns what the
// persona said lately in its other conversations. A failed lookup leaves the
// prompt without it.
func (s *TurnService) relatedContext(ctx context.Context, logger *slog.Logger, personaID, convID string) []contextwindow.Source {
	if s.deps.Related == nil {
		return nil
	}
	if err := s.deps.Related.TouchPersona(ctx, personaID, convID); err != nil {
		logger.WarnContext(ctx, "persona index update failed", "error", err)
	}
	excerpts, err := s.deps.Related.Recent(ctx, personaID, convID, s.opts.CrossConversations, s.opts.CrossMessages)
	if err != nil {
		logger.WarnContext(ctx, "related conversations load failed", "error", err)
		return nil
	}
	sources := make([]contextwindow.Source, 0, len(excerpts))
	for _, e := range excerpts {
		sources = append(sources, contextwindow.Source{Label: "chat " + shortID(e.ConversationID), Messages: e.Messages})
	}
	return sources
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// runTurn owns sess and the lease for turnID. Both are released here on
// failure and by the last delivery task on success.
func (s *TurnService) runTurn(ctx context.Context, sess *Session, convID, personaID, turnID, trigger string) (TurnOutput, error) {
	scheduled := false
	defer func() {
		if !scheduled {
			s.release(ctx, sess, convID, turnID)
		}
	}()
	logger := s.logger.With("conversation_id", convID, "turn_id", turnID, "trigger", trigger)

	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, s.fail(trigger, newError(ErrorInternal, "ssm_load_error", err))
	}
	persona, err := s.deps.Personas.GetPersona(ctx, personaID)
	if err != nil {
		if errors.Is(err, domain.ErrPersonaNotFound) {
			return TurnOutput{}, s.fail(trigger, newError(ErrorNotFound, "persona_not_found", err))
		}
		return TurnOutput{}, s.fail(trigger, newError(ErrorInternal, "ssm_persona_error", err))
	}
	history, err := s.deps.Messages.List(ctx, convID, s.opts.MaxContextItems*historyPerRound)
	if err != nil {
		return TurnOutput{}, s.fail(trigger, newError(ErrorInternal, "dynamodb_history_error", err))
	}
	pending, err := s.deps.Pending.ListPending(ctx, convID)
	if err != nil {
		return TurnOutput{}, s.fail(trigger, newError(ErrorInternal, "dynamodb_pending_error", err))
	}
	var mood *domain.Mood
	if m, found, err := s.deps.Moods.GetMood(ctx, convID); err != nil {
		logger.WarnContext(ctx, "mood load failed", "error", err)
	} else if found {
		mood = &m
	}
	related := s.relatedContext(ctx, logger, personaID, convID)

	now := s.now()
	elapsed := elapsedSince(history, now)
	prompt := buildPromptMessages(promptContext{
		pinnedPrompt: s.pinnedPrompt,
		persona:      persona,
		mood:         mood,
		pending:      pending,
		elapsed:      elapsed,
		trigger:      trigger,
		now:          now,
	}, contextwindow.Build(history, contextwindow.Limits{
		MaxRounds: s.opts.MaxContextItems,
		MaxChars:  s.opts.MaxContextChars,
	}, related...))

	genCtx, cancel := context.WithTimeout(ctx, s.opts.TurnTimeout)
	defer cancel()
	started := time.Now()

	completion := domain.CompletionOptions{
		Model:           s.opts.Model,
		MaxOutputLength: s.opts.MaxOutputTokens,
		Timeout:         s.opts.CallTimeout,
		Temperature:     s.opts.Temperature,
	}
	raw, err := s.deps.LLM.Complete(genCtx, prompt, completion)
	if err != nil {
		return TurnOutput{}, s.fail(trigger, generationError(ctx, genCtx, err))
	}
	result, err := s.deps.Repairer.Run(genCtx, validate.Request{
		Messages: prompt,
		Raw:      raw,
		Constraints: validate.Constraints{
			Language:         persona.Language,
			RequireMetadata:  true,
			LiveChat:         persona.LiveChat,
			Elapsed:          elapsed,
			ElapsedThreshold: s.opts.ElapsedThreshold,
		},
		Options: completion,
	})
	if err != nil {
		return TurnOutput{}, s.fail(trigger, generationError(ctx, genCtx, err))
	}
	for _, k := range result.Repairs {
		metrics.RepairsTotal.WithLabelValues(string(k)).Inc()
	}
	for _, v := range result.Violations {
		metrics.ViolationsAcceptedTotal.WithLabelValues(string(v.Kind)).Inc()
	}

	rng := splitter.DefaultRange
	if persona.LiveChat {
		rng = splitter.LiveRange
	}
	units := s.deps.Splitter.SplitRange(result.Text, rng)
	if len(units) == 0 {
		return TurnOutput{}, s.fail(trigger, newError(ErrorCompletionFailure, "empty_completion", nil))
	}
	plans := s.deps.Planner.Decide(genCtx, pending, units)
	metrics.GenerationDuration.WithLabelValues(trigger).Observe(time.Since(started).Seconds())

	if err := s.renew(ctx, sess, convID, turnID); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return TurnOutput{}, s.fail(trigger, newError(ErrorGenerationStalled, "turn_lease_lost", err))
		}
		logger.WarnContext(ctx, "turn lease renewal failed", "error", err)
	}

	d := &delivery{
		svc:            s,
		session:        sess,
		startedAt:      sess.State().StartedAt,
		conversationID: convID,
		turnID:         turnID,
		trigger:        trigger,
		language:       persona.Language,
		units:          append([]domain.DeliveryUnit(nil), units...),
		plans:          plans,
		logger:         logger,
	}
	if result.Metadata != nil {
		d.mood = &domain.Mood{Mood: result.Metadata.Mood, Thought: result.Metadata.Thought, TurnID: turnID}
	}
	if err := s.deps.Scheduler.ScheduleAll(d.tasks(s.opts.Pacing.Offsets(units), s.opts.TypingLead)); err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			return TurnOutput{}, s.fail(trigger, newError(ErrorRateLimited, "delivery_queue_full", err))
		}
		return TurnOutput{}, s.fail(trigger, newError(ErrorInternal, "schedule_error", err))
	}
	scheduled = true
	metrics.TurnsTotal.WithLabelValues(trigger, "scheduled").Inc()
	logger.InfoContext(ctx, "turn scheduled", "units", len(units), "plans", len(plans), "repairs", len(result.Repairs))

	out := TurnOutput{
		ConversationID: convID,
		TurnID:         turnID,
		Units:          units,
		Repairs:        kindNames(result.Repairs),
		Violations:     violationNames(result.Violations),
	}
	if s.opts.WaitForDelivery {
		if err := s.deps.Scheduler.Wait(ctx, convID); err != nil {
			logger.WarnContext(ctx, "stopped waiting for delivery", "error", err)
			return out, nil
		}
		out.Delivered = true
	}
	return out, nil
}

func (s *TurnService) fail(trigger string, err *Error) *Error {
	metrics.TurnsTotal.WithLabelValues(trigger, string(err.Code)).Inc()
	return err
}

func (s *TurnService) checkUserMessage(msg *domain.Message) string {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}
	if utf8.RuneCountInString(msg.Text) > s.opts.MaxMessageLength {
		return "message_too_long"
	}
	switch msg.Kind {
	case domain.KindSystem:
		return "unsupported_kind"
	case domain.KindText:
		if msg.Text == "" {
			return "empty_message"
		}
	case domain.KindTransfer:
		if msg.Transfer == nil || !msg.Transfer.Amount.IsPositive() {
			return "invalid_transfer"
		}
	case domain.KindMusicInvite:
		if msg.Music == nil || strings.TrimSpace(msg.Music.Title) == "" {
			return "invalid_music_invite"
		}
	case domain.KindGameInvite:
		if msg.Game == nil || strings.TrimSpace(msg.Game.Game) == "" {
			return "invalid_game_invite"
		}
	case domain.KindPayRequest, domain.KindOrderShare:
		if msg.Order == nil || msg.Order.OrderID == "" || !msg.Order.Total.IsPositive() {
			return "invalid_order"
		}
	}
	return ""
}

func (s *TurnService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}
	pinned, err := s.deps.Params.GetParameter(ctx, s.opts.ParamPrefix+"/pinned_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	s.pinnedPrompt = pinned
	s.cacheLoaded = true
	return nil
}

func pendingKind(k domain.MessageKind) domain.PendingKind {
	switch k {
	case domain.KindTransfer:
		return domain.PendingTransfer
	case domain.KindMusicInvite:
		return domain.PendingMusicInvite
	case domain.KindGameInvite:
		return domain.PendingGameInvite
	case domain.KindPayRequest:
		return domain.PendingTakeoutPayRequest
	}
	return ""
}

// pendingFor derives the action a stored user message asks the persona to
// decide on.
func pendingFor(msg domain.Message) (domain.PendingAction, bool) {
	kind := pendingKind(msg.Kind)
	if kind == "" {
		return domain.PendingAction{}, false
	}
	a := domain.PendingAction{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Kind:           kind,
		Status:         domain.PendingOpen,
		CreatedAt:      msg.CreatedAt,
	}
	switch kind {
	case domain.PendingTransfer:
		a.Amount = msg.Transfer.Amount
		a.Note = msg.Transfer.Note
	case domain.PendingMusicInvite:
		a.Track = msg.Music.Title
		a.Artist = msg.Music.Artist
	case domain.PendingGameInvite:
		a.Game = msg.Game.Game
	case domain.PendingTakeoutPayRequest:
		order := *msg.Order
		a.Order = &order
		a.Amount = order.Total
	}
	return a, true
}

// elapsedSince is the silence the reply has to account for. When the user
// spoke last it is the gap before their message, otherwise the time since
// the last message.
func elapsedSince(history []domain.Message, now time.Time) time.Duration {
	n := len(history)
	if n == 0 {
		return 0
	}
	last := history[n-1]
	if last.Sender == domain.SenderUser {
		if n < 2 {
			return 0
		}
		return last.CreatedAt.Sub(history[n-2].CreatedAt)
	}
	return now.Sub(last.CreatedAt)
}

// generationError classifies a completion failure. Expiry of the turn budget
// is a stall, anything else from the model is a completion failure.
func generationError(parent, genCtx context.Context, err error) *Error {
	if parent.Err() == nil && errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return newError(ErrorGenerationStalled, "turn_timeout", err)
	}
	if errors.Is(err, openai.ErrTimeout) {
		return newError(ErrorCompletionFailure, "completion_timeout", err)
	}
	return upstreamError("openai", err)
}

func upstreamError(source string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, source+"_rate_limited", err)
	}
	return newError(ErrorCompletionFailure, source+"_error", err)
}

func kindNames(ks []validate.Kind) []string {
	out := make([]string, 0, len(ks))
	for _, k := range ks {
		out = append(out, string(k))
	}
	return out
}

func violationNames(vs []validate.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, string(v.Kind))
	}
	return out
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
