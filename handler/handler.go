// Package handler adapts API Gateway proxy events to the meeting and
// assistant use cases.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pm-agent/internal/domain"
	"pm-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type MeetingUseCase interface {
	Start(ctx context.Context, in usecase.StartMeetingInput) (usecase.MeetingSnapshot, error)
	Resume(ctx context.Context, in usecase.ResumeMeetingInput) (usecase.MeetingSnapshot, error)
	Get(ctx context.Context, threadID string) (usecase.MeetingSnapshot, error)
}

type AssistantUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	meetings  MeetingUseCase
	assistant AssistantUseCase
	logger    *slog.Logger
}

type startMeetingRequest struct {
	AudioRef     string                 `json:"audioRef"`
	Metadata     domain.MeetingMetadata `json:"metadata"`
	MaxRevisions *int                   `json:"maxRevisions,omitempty"`
	ThreadID     string                 `json:"threadId,omitempty"`
}

type reviewRequest struct {
	Minutes     *string              `json:"mom,omitempty"`
	ActionItems *[]domain.ActionItem `json:"actionItems,omitempty"`
}

type chatRequest struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

type meetingResponse struct {
	ThreadID       string               `json:"threadId"`
	Status         string               `json:"status"`
	Next           string               `json:"next,omitempty"`
	AwaitingReview bool                 `json:"awaitingReview"`
	State          usecase.MeetingState `json:"state"`
}

type chatResponse struct {
	Answer   string `json:"answer"`
	ThreadID string `json:"threadId"`
	Route    string `json:"route,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(meetings MeetingUseCase, assistant AssistantUseCase) (*Handler, error) {
	if meetings == nil {
		return nil, errors.New("handler: meeting use case must not be nil")
	}
	if assistant == nil {
		return nil, errors.New("handler: assistant use case must not be nil")
	}
	return &Handler{meetings: meetings, assistant: assistant, logger: slog.Default()}, nil
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)
	principal := principalID(event)

	segments := strings.Split(strings.Trim(event.Path, "/"), "/")
	var (
		payload any
		err     error
	)
	switch {
	case event.HTTPMethod == http.MethodPost && matches(segments, "meetings"):
		payload, err = h.startMeeting(ctx, event.Body, principal)
	case event.HTTPMethod == http.MethodGet && matches(segments, "meetings", "*"):
		payload, err = h.getMeeting(ctx, segments[1])
	case event.HTTPMethod == http.MethodPost && matches(segments, "meetings", "*", "review"):
		payload, err = h.reviewMeeting(ctx, segments[1], event.Body)
	case event.HTTPMethod == http.MethodPost && matches(segments, "assistant", "chat"):
		payload, err = h.chat(ctx, event.Body, principal)
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound)}), nil
	}
	if err != nil {
		status, code := statusFor(err)
		logger.Warn("request failed", "status", status, "code", code, "err", err)
		return jsonResponse(status, correlationID, errorResponse{Error: code}), nil
	}
	logger.Info("request completed")
	return jsonResponse(http.StatusOK, correlationID, payload), nil
}

func (h *Handler) startMeeting(ctx context.Context, body, principal string) (any, error) {
	var req startMeetingRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if req.Metadata.AuthorUserID == "" {
		req.Metadata.AuthorUserID = principal
	}
	snap, err := h.meetings.Start(ctx, usecase.StartMeetingInput{
		AudioRef:     req.AudioRef,
		Metadata:     req.Metadata,
		MaxRevisions: req.MaxRevisions,
		ThreadID:     req.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return toMeetingResponse(snap), nil
}

func (h *Handler) getMeeting(ctx context.Context, threadID string) (any, error) {
	snap, err := h.meetings.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return toMeetingResponse(snap), nil
}

func (h *Handler) reviewMeeting(ctx context.Context, threadID, body string) (any, error) {
	var req reviewRequest
	if strings.TrimSpace(body) != "" {
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
	}
	snap, err := h.meetings.Resume(ctx, usecase.ResumeMeetingInput{
		ThreadID:    threadID,
		Minutes:     req.Minutes,
		ActionItems: req.ActionItems,
	})
	if err != nil {
		return nil, err
	}
	return toMeetingResponse(snap), nil
}

func (h *Handler) chat(ctx context.Context, body, principal string) (any, error) {
	var req chatRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	out, err := h.assistant.Chat(ctx, usecase.ChatInput{
		Message:   req.Message,
		ProjectID: req.ProjectID,
		UserID:    principal,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return chatResponse{Answer: out.Answer, ThreadID: out.ThreadID, Route: out.Route}, nil
}

func toMeetingResponse(s usecase.MeetingSnapshot) meetingResponse {
	return meetingResponse{
		ThreadID:       s.ThreadID,
		Status:         string(s.Status),
		Next:           s.Next,
		AwaitingReview: s.AwaitingReview(),
		State:          s.State,
	}
}

func decodeBody(body string, out any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

// matches compares path segments against a pattern where "*" matches any
// non-empty segment.
func matches(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if segments[i] != p {
			return false
		}
	}
	return true
}

func statusFor(err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code)
	case usecase.ErrorScopeViolation:
		return http.StatusForbidden, string(ue.Code)
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ue.Code)
	case usecase.ErrorConflict:
		return http.StatusConflict, string(ue.Code)
	case usecase.ErrorSchemaValidation:
		return http.StatusUnprocessableEntity, string(ue.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ue.Code)
	case usecase.ErrorAdapter, usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ue.Code)
	default:
		return http.StatusInternalServerError, string(ue.Code)
	}
}

func principalID(event events.APIGatewayProxyRequest) string {
	if v, ok := event.RequestContext.Authorizer["principalId"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
