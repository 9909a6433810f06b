package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"persona-chat/internal/domain"
	"persona-chat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type UseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.TurnOutput, error)
	Continue(ctx context.Context, in usecase.ContinueInput) (usecase.TurnOutput, error)
	Leave(ctx context.Context, conversationID string) (usecase.LeaveOutput, error)
	Status(ctx context.Context, conversationID string) (usecase.StatusOutput, error)
}

type Handler struct {
	uc       UseCase
	gatherer prometheus.Gatherer
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	return &Handler{uc: uc, gatherer: prometheus.DefaultGatherer}, nil
}

type sendRequest struct {
	PersonaID string                  `json:"personaId"`
	Kind      domain.MessageKind      `json:"kind"`
	Text      string                  `json:"text"`
	Image     *domain.ImageInfo       `json:"image,omitempty"`
	Sticker   *domain.StickerInfo     `json:"sticker,omitempty"`
	Transfer  *domain.TransferInfo    `json:"transfer,omitempty"`
	Voice     *domain.VoiceInfo       `json:"voice,omitempty"`
	Order     *domain.OrderInfo       `json:"order,omitempty"`
	Record    *domain.ForwardedRecord `json:"record,omitempty"`
	Game      *domain.GameInfo        `json:"game,omitempty"`
	Music     *domain.MusicInfo       `json:"music,omitempty"`
	Location  *domain.LocationInfo    `json:"location,omitempty"`
	Post      *domain.PostInfo        `json:"post,omitempty"`
	Profile   *domain.ProfileInfo     `json:"profile,omitempty"`
}

type continueRequest struct {
	PersonaID string `json:"personaId"`
}

type unitResponse struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary"`
}

type turnResponse struct {
	ConversationID string         `json:"conversationId"`
	TurnID         string         `json:"turnId"`
	MessageID      string         `json:"messageId,omitempty"`
	Units          []unitResponse `json:"units"`
	Repairs        []string       `json:"repairs,omitempty"`
	Violations     []string       `json:"violations,omitempty"`
	Delivered      bool           `json:"delivered"`
}

type leaveResponse struct {
	ConversationID string `json:"conversationId"`
	Cancelled      int    `json:"cancelled"`
}

type statusResponse struct {
	ConversationID string     `json:"conversationId"`
	InFlight       bool       `json:"inFlight"`
	TurnID         string     `json:"turnId,omitempty"`
	PendingTasks   int        `json:"pendingTasks"`
	Messages       int        `json:"messages"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Reason      string `json:"reason,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	if req.HTTPMethod == http.MethodGet && strings.TrimRight(req.Path, "/") == "/metrics" {
		return h.metrics(correlationID)
	}

	convID, action, ok := parseRoute(req)
	if !ok {
		return errorJSON(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}

	var (
		body any
		err  error
	)
	switch {
	case req.HTTPMethod == http.MethodPost && action == "messages":
		var in sendRequest
		if err := decodeStrictJSON(req.Body, &in); err != nil {
			logger.Warn("invalid request body", "error", err)
			return errorJSON(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
		}
		var out usecase.TurnOutput
		out, err = h.uc.Send(ctx, usecase.SendInput{ConversationID: convID, PersonaID: in.PersonaID, Message: in.message()})
		body = toTurnResponse(out)
	case req.HTTPMethod == http.MethodPost && action == "continue":
		var in continueRequest
		if err := decodeStrictJSON(req.Body, &in); err != nil {
			logger.Warn("invalid request body", "error", err)
			return errorJSON(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
		}
		var out usecase.TurnOutput
		out, err = h.uc.Continue(ctx, usecase.ContinueInput{ConversationID: convID, PersonaID: in.PersonaID})
		body = toTurnResponse(out)
	case req.HTTPMethod == http.MethodPost && action == "leave":
		var out usecase.LeaveOutput
		out, err = h.uc.Leave(ctx, convID)
		body = leaveResponse{ConversationID: out.ConversationID, Cancelled: out.Cancelled}
	case req.HTTPMethod == http.MethodGet && action == "":
		var out usecase.StatusOutput
		out, err = h.uc.Status(ctx, convID)
		body = toStatusResponse(out)
	default:
		return errorJSON(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	}

	if err != nil {
		status, resp := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "error", err, "code", resp.Error, "reason", resp.Reason)
		} else {
			logger.Warn("request rejected", "error", err, "code", resp.Error, "reason", resp.Reason)
		}
		return errorJSON(status, correlationID, resp), nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to marshal response", "error", err)
		return errorJSON(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)}), nil
	}
	return response(http.StatusOK, correlationID, "application/json", string(payload)), nil
}

func (h *Handler) metrics(correlationID string) (events.APIGatewayProxyResponse, error) {
	families, err := h.gatherer.Gather()
	if err != nil {
		slog.Error("failed to gather metrics", "error", err)
		return errorJSON(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)}), nil
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			slog.Error("failed to encode metrics", "error", err)
			return errorJSON(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)}), nil
		}
	}
	return response(http.StatusOK, correlationID, string(format), buf.String()), nil
}

// parseRoute accepts /conversations/{id} and /conversations/{id}/{action}.
func parseRoute(req events.APIGatewayProxyRequest) (conversationID, action string, ok bool) {
	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "conversations" {
		return "", "", false
	}
	conversationID = parts[1]
	if id := req.PathParameters["id"]; id != "" {
		conversationID = id
	}
	if len(parts) == 3 {
		action = parts[2]
	}
	return conversationID, action, conversationID != ""
}

func (r sendRequest) message() domain.Message {
	return domain.Message{
		Kind:     r.Kind,
		Text:     r.Text,
		Image:    r.Image,
		Sticker:  r.Sticker,
		Transfer: r.Transfer,
		Voice:    r.Voice,
		Order:    r.Order,
		Record:   r.Record,
		Game:     r.Game,
		Music:    r.Music,
		Location: r.Location,
		Post:     r.Post,
		Profile:  r.Profile,
	}
}

func toTurnResponse(out usecase.TurnOutput) turnResponse {
	resp := turnResponse{
		ConversationID: out.ConversationID,
		TurnID:         out.TurnID,
		Units:          make([]unitResponse, 0, len(out.Units)),
		Repairs:        out.Repairs,
		Violations:     out.Violations,
		Delivered:      out.Delivered,
	}
	if out.UserMessage != nil {
		resp.MessageID = out.UserMessage.ID
	}
	for _, u := range out.Units {
		resp.Units = append(resp.Units, unitResponse{Kind: string(u.Kind), Text: u.Body(), Summary: u.Summary()})
	}
	return resp
}

func toStatusResponse(out usecase.StatusOutput) statusResponse {
	resp := statusResponse{
		ConversationID: out.ConversationID,
		InFlight:       out.InFlight,
		TurnID:         out.TurnID,
		PendingTasks:   out.PendingTasks,
		Messages:       out.Messages,
	}
	if !out.LastActivity.IsZero() {
		t := out.LastActivity
		resp.LastActivity = &t
	}
	return resp
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason, Recoverable: ucErr.Recoverable()}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorNotFound:
		return http.StatusNotFound, resp
	case usecase.ErrorTurnInProgress:
		return http.StatusConflict, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorCompletionFailure:
		return http.StatusBadGateway, resp
	case usecase.ErrorGenerationStalled:
		return http.StatusGatewayTimeout, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func decodeStrictJSON(body string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("decode: trailing data")
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorJSON(status int, correlationID string, body errorResponse) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return response(status, correlationID, "application/json", string(payload))
}

func response(status int, correlationID, contentType, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    contentType,
			correlationHeader: correlationID,
		},
		Body: body,
	}
}
