package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pm-agent/internal/domain"
	"pm-agent/internal/integrations/backend"
	"pm-agent/internal/llm"
	"pm-agent/internal/prompts"
)

type reply struct {
	msg domain.ChatMessage
	err error
}

func text(s string) reply { return reply{msg: domain.ChatMessage{Content: s}} }
func failure(err error) reply { return reply{err: err} }
func toolCalls(calls ...domain.ToolCall) reply {
	return reply{msg: domain.ChatMessage{ToolCalls: calls}}
}

// scriptedProvider answers each request with the next scripted reply,
// repeating the last one once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return llm.Response{}, errors.New("no scripted reply")
	}
	idx := len(p.requests) - 1
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	r := p.replies[idx]
	return llm.Response{Message: r.msg}, r.err
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) lastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func scripted(replies ...reply) *scriptedProvider {
	return &scriptedProvider{replies: replies}
}

func clientFor(t *testing.T, p llm.Provider) *llm.Client {
	t.Helper()
	c, err := llm.New(llm.Providers{llm.ProviderOpenAI: p}, llm.Config{
		Provider: llm.ProviderOpenAI, Model: "gpt-4o-mini", Temperature: 0.1, TopP: 0.5,
	})
	require.NoError(t, err)
	return c
}

func testPrompts(t *testing.T) *prompts.Set {
	t.Helper()
	p, err := prompts.Default()
	require.NoError(t, err)
	return p
}

// schemaRouter dispatches structured requests by schema name.
type schemaRouter map[string]*scriptedProvider

func (r schemaRouter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Schema == nil {
		return llm.Response{}, errors.New("unexpected unstructured request")
	}
	p, ok := r[req.Schema.Name]
	if !ok {
		return llm.Response{}, errors.New("unexpected schema " + req.Schema.Name)
	}
	return p.Complete(ctx, req)
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.text, f.err
}

// restrictedTranscriber only reads audio under prefix.
type restrictedTranscriber struct {
	fakeTranscriber
	prefix string
}

func (r *restrictedTranscriber) AllowsAudio(ref string) bool {
	return strings.HasPrefix(ref, r.prefix)
}

type fakeTaskCreator struct {
	errs           []error
	calls          int
	lastItems      []domain.ActionItem
	lastProjectID  string
	lastAuthorID   string
	lastMapping    map[string]string
	lastIdempotent string
}

func (f *fakeTaskCreator) CreateTasks(_ context.Context, items []domain.ActionItem, projectID, authorID string, mapping map[string]string, key string) ([]domain.Task, error) {
	f.calls++
	f.lastItems, f.lastProjectID, f.lastAuthorID, f.lastMapping, f.lastIdempotent = items, projectID, authorID, mapping, key
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	tasks := make([]domain.Task, 0, len(items))
	for i, it := range items {
		tasks = append(tasks, domain.Task{
			ID:         fmt.Sprintf("task-%d", i+1),
			Title:      it.Title,
			ProjectID:  projectID,
			AuthorID:   authorID,
			AssigneeID: mapping[strings.ToLower(strings.TrimSpace(it.Assignee))],
			Priority:   it.Priority,
		})
	}
	return tasks, nil
}

type sentMail struct {
	body, to, subject string
}

type fakeNotifier struct {
	failFor map[string]error
	sent    []sentMail
}

func (f *fakeNotifier) Send(_ context.Context, body, to, subject string) error {
	f.sent = append(f.sent, sentMail{body: body, to: to, subject: subject})
	return f.failFor[to]
}

type fakeRetriever struct {
	docs    []domain.Document
	err     error
	queries []string
	last    struct {
		collection string
		topK       int
	}
}

func (f *fakeRetriever) Retrieve(_ context.Context, query, collection string, topK int) ([]domain.Document, error) {
	f.queries = append(f.queries, query)
	f.last.collection, f.last.topK = collection, topK
	return f.docs, f.err
}

type fakeBackend struct {
	listUserIDs []string
	created     []backend.CreateTaskInput
	err         error
}

func (f *fakeBackend) ListUserTasks(_ context.Context, userID string) ([]domain.Task, error) {
	f.listUserIDs = append(f.listUserIDs, userID)
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Task{{ID: "t-1", Title: "Finalize report", AssigneeID: userID, Status: "To Do"}}, nil
}

func (f *fakeBackend) ListProjectTasks(_ context.Context, projectID, userID, _ string) ([]domain.Task, error) {
	return []domain.Task{{ID: "t-2", ProjectID: projectID, AssigneeID: userID}}, f.err
}

func (f *fakeBackend) CreateTask(_ context.Context, in backend.CreateTaskInput) (domain.Task, error) {
	f.created = append(f.created, in)
	return domain.Task{ID: "t-3", Title: in.Title, AuthorID: in.AuthorID}, f.err
}

func (f *fakeBackend) UpdateTaskStatus(_ context.Context, taskID, status, _ string) (domain.Task, error) {
	return domain.Task{ID: taskID, Status: status}, f.err
}

type fakeModerator struct {
	flagged bool
	err     error
	calls   int
}

func (f *fakeModerator) Moderate(_ context.Context, _ string) (bool, error) {
	f.calls++
	return f.flagged, f.err
}

type savedTurn struct {
	conversationID, question, answer, route string
}

type fakeHistory struct {
	turns      []domain.Message
	historyErr error
	saveErr    error
	saved      []savedTurn
	turnCount  int
	countErr   error
	counted    []string
}

func (f *fakeHistory) GetConversationTurnCount(_ context.Context, conversationID string) (int, error) {
	f.counted = append(f.counted, conversationID)
	return f.turnCount, f.countErr
}

func (f *fakeHistory) GetHistory(_ context.Context, _ string, _ int) ([]domain.Message, error) {
	return f.turns, f.historyErr
}

func (f *fakeHistory) SaveCompletedTurn(_ context.Context, conversationID, question, answer, route string) error {
	f.saved = append(f.saved, savedTurn{conversationID, question, answer, route})
	return f.saveErr
}
