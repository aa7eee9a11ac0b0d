package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"pm-agent/internal/domain"
	"pm-agent/internal/graph"
	"pm-agent/internal/usecase"
)

type stubMeetings struct {
	snap    usecase.MeetingSnapshot
	err     error
	start   usecase.StartMeetingInput
	resume  usecase.ResumeMeetingInput
	gotID   string
	resumed bool
}

func (s *stubMeetings) Start(_ context.Context, in usecase.StartMeetingInput) (usecase.MeetingSnapshot, error) {
	s.start = in
	return s.snap, s.err
}

func (s *stubMeetings) Resume(_ context.Context, in usecase.ResumeMeetingInput) (usecase.MeetingSnapshot, error) {
	s.resume = in
	s.resumed = true
	return s.snap, s.err
}

func (s *stubMeetings) Get(_ context.Context, threadID string) (usecase.MeetingSnapshot, error) {
	s.gotID = threadID
	return s.snap, s.err
}

type stubAssistant struct {
	out usecase.ChatOutput
	err error
	in  usecase.ChatInput
}

func (s *stubAssistant) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.in = in
	return s.out, s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]interface{}{"principalId": "u-1"},
		},
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, m *stubMeetings, a *stubAssistant) *Handler {
	t.Helper()
	h, err := NewHandler(m, a)
	require.NoError(t, err)
	return h
}

func pausedSnapshot() usecase.MeetingSnapshot {
	return usecase.MeetingSnapshot{
		ThreadID: "t-1",
		Status:   graph.StatusInterrupted,
		Next:     usecase.StageCreateTasks,
		State: usecase.MeetingState{
			ThreadID:    "t-1",
			Minutes:     "Alice will finalize the report.",
			ActionItems: []domain.ActionItem{{Title: "Finalize report", Assignee: "Alice", Priority: domain.PriorityMedium}},
		},
	}
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, &stubAssistant{})
	require.Error(t, err)
	_, err = NewHandler(&stubMeetings{}, nil)
	require.Error(t, err)
}

func TestHandle_StartMeeting(t *testing.T) {
	m := &stubMeetings{snap: pausedSnapshot()}
	h := newTestHandler(t, m, &stubAssistant{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meetings",
		`{"audioRef":"s3://audio/sync.mp3","maxRevisions":1,"metadata":{"title":"Weekly sync","projectId":"p-1","participants":[{"username":"Alice","userId":"u-alice","email":"alice@example.com"}]}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "s3://audio/sync.mp3", m.start.AudioRef)
	require.Equal(t, 1, *m.start.MaxRevisions)
	require.Equal(t, "u-1", m.start.Metadata.AuthorUserID)
	require.Equal(t, "alice@example.com", m.start.Metadata.Participants[0].Email)

	out := parseBody[meetingResponse](t, resp.Body)
	require.True(t, out.AwaitingReview)
	require.Equal(t, "interrupted", out.Status)
	require.Equal(t, "create_tasks", out.Next)
	require.Equal(t, "Finalize report", out.State.ActionItems[0].Title)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_ReviewMeeting(t *testing.T) {
	m := &stubMeetings{snap: usecase.MeetingSnapshot{ThreadID: "t-1", Status: graph.StatusDone}}
	h := newTestHandler(t, m, &stubAssistant{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meetings/t-1/review",
		`{"mom":"Edited.","actionItems":[{"title":"Ship it","assignee":"Bob","priority":"High"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "t-1", m.resume.ThreadID)
	require.Equal(t, "Edited.", *m.resume.Minutes)
	require.Equal(t, "Bob", (*m.resume.ActionItems)[0].Assignee)

	out := parseBody[meetingResponse](t, resp.Body)
	require.False(t, out.AwaitingReview)
	require.Equal(t, "done", out.Status)
}

func TestHandle_ReviewWithoutEdits(t *testing.T) {
	m := &stubMeetings{snap: usecase.MeetingSnapshot{ThreadID: "t-1", Status: graph.StatusDone}}
	h := newTestHandler(t, m, &stubAssistant{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meetings/t-1/review", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, m.resumed)
	require.Nil(t, m.resume.Minutes)
	require.Nil(t, m.resume.ActionItems)
}

func TestHandle_GetMeeting(t *testing.T) {
	m := &stubMeetings{snap: pausedSnapshot()}
	h := newTestHandler(t, m, &stubAssistant{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/meetings/t-1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "t-1", m.gotID)
}

func TestHandle_Chat(t *testing.T) {
	a := &stubAssistant{out: usecase.ChatOutput{Answer: "You have one task.", ThreadID: "c-1", Route: usecase.RouteToolCall}}
	h := newTestHandler(t, &stubMeetings{}, a)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/assistant/chat",
		`{"message":"What are my tasks?","projectId":"p-1","threadId":"c-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{Message: "What are my tasks?", ProjectID: "p-1", UserID: "u-1", ThreadID: "c-1"}, a.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "You have one task.", out.Answer)
	require.Equal(t, "c-1", out.ThreadID)
	require.Equal(t, "TOOL_CALL", out.Route)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubMeetings{}, &stubAssistant{})

	for _, body := range []string{`not-json`, `{"message":"hi","userId":"u-admin"}`} {
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/assistant/chat", body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		out := parseBody[errorResponse](t, resp.Body)
		require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	}
}

func TestHandle_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubMeetings{}, &stubAssistant{})
	for _, ev := range []events.APIGatewayProxyRequest{
		makeEvent(http.MethodGet, "/ask", ""),
		makeEvent(http.MethodDelete, "/meetings/t-1", ""),
		makeEvent(http.MethodGet, "/meetings//", ""),
	} {
		resp, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_audio_ref"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "meeting_load_failed"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "meeting_review_update_failed"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "schema", err: &usecase.Error{Code: usecase.ErrorSchemaValidation, Reason: "meeting_run_failed"}, status: http.StatusUnprocessableEntity, code: string(usecase.ErrorSchemaValidation)},
		{name: "scope", err: &usecase.Error{Code: usecase.ErrorScopeViolation}, status: http.StatusForbidden, code: string(usecase.ErrorScopeViolation)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "adapter", err: &usecase.Error{Code: usecase.ErrorAdapter}, status: http.StatusBadGateway, code: string(usecase.ErrorAdapter)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "configuration", err: &usecase.Error{Code: usecase.ErrorConfiguration}, status: http.StatusInternalServerError, code: string(usecase.ErrorConfiguration)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubMeetings{err: tc.err}, &stubAssistant{})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meetings", `{"audioRef":"a.mp3"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	a := &stubAssistant{out: usecase.ChatOutput{Answer: "ok", ThreadID: "c-1"}}
	h := newTestHandler(t, &stubMeetings{}, a)

	event := makeEvent(http.MethodPost, "/assistant/chat", `{"message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_NoAuthorizerLeavesIdentityEmpty(t *testing.T) {
	a := &stubAssistant{out: usecase.ChatOutput{Answer: "ok"}}
	h := newTestHandler(t, &stubMeetings{}, a)

	event := makeEvent(http.MethodPost, "/assistant/chat", `{"message":"hi"}`)
	event.RequestContext.Authorizer = nil
	_, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Empty(t, a.in.UserID)
}
