package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"pm-agent/internal/domain"
	"pm-agent/internal/graph"
	"pm-agent/internal/integrations/rag"
	"pm-agent/internal/llm"
	"pm-agent/internal/prompts"
	"pm-agent/internal/tools"
)

// AssistantGraphName namespaces assistant checkpoints in the store.
const AssistantGraphName = "pm_assistant"

// Assistant stages.
const (
	StageRoute          = "route"
	StageRetrieve       = "retrieve"
	StageGrade          = "grade"
	StageQueryRewriter  = "query_rewriter"
	StageGenerateRAG    = "generate_rag"
	StageToolGenerate   = "tool_generate"
	StageToolCall       = "tool_call"
	StageDirectGenerate = "direct_generate"
)

const (
	apologyAnswer       = "Sorry, I ran into a problem while answering. Please try again in a moment."
	toolLimitAnswer     = "Sorry, I could not finish that request within the allowed number of steps."
	flaggedAnswer       = "Sorry, I can't help with that request."
	critiqueNoDocuments = "no documents retrieved"

	outcomeTools = "tools"
	outcomeDone  = "done"
)

type ChatLLM interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type ToolLLM interface {
	ChatWithTools(ctx context.Context, messages []domain.ChatMessage, tools []llm.ToolSpec) (domain.ChatMessage, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query, collection string, topK int) ([]domain.Document, error)
}

// Moderator flags unsafe input. *openai.Client satisfies this interface.
type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type ConversationStore interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	GetConversationTurnCount(ctx context.Context, conversationID string) (int, error)
	SaveCompletedTurn(ctx context.Context, conversationID, question, answer, route string) error
}

// AssistantModels binds one LLM client per role.
type AssistantModels struct {
	Router    StructuredLLM
	Grader    StructuredLLM
	Rewriter  ChatLLM
	Generator ChatLLM
	Tools     ToolLLM
	Direct    ChatLLM
}

type AssistantConfig struct {
	MaxRewrite           int
	MaxToolRounds        int
	Collection           string
	TopK                 int
	MaxMessageLength     int
	HistoryTurns         int
	// MaxConversationTurns caps the saved turns of a caller supplied thread.
	// Zero means no cap.
	MaxConversationTurns int
	MaxSteps             int
}

// AssistantDeps are the collaborators of the assistant. Store, History and
// Moderator are optional.
type AssistantDeps struct {
	Models    AssistantModels
	Retriever Retriever
	Tools     *tools.Registry
	Prompts   *prompts.Set
	Store     graph.Checkpointer
	History   ConversationStore
	Moderator Moderator
	Logger    *slog.Logger
}

type AssistantService struct {
	deps   AssistantDeps
	cfg    AssistantConfig
	logger *slog.Logger
	graph  *graph.Graph[AssistantState, AssistantUpdate]
}

type ChatInput struct {
	Message   string
	ProjectID string
	UserID    string
	ThreadID  string
}

type ChatOutput struct {
	Answer   string
	ThreadID string
	Route    string
	// Degraded is set when the answer is the apology fallback.
	Degraded bool
}

func NewAssistantService(deps AssistantDeps, cfg AssistantConfig) (*AssistantService, error) {
	m := deps.Models
	switch {
	case m.Router == nil || m.Grader == nil || m.Rewriter == nil || m.Generator == nil || m.Tools == nil || m.Direct == nil:
		return nil, errors.New("usecase: every assistant model must be set")
	case deps.Retriever == nil:
		return nil, errors.New("usecase: retriever must not be nil")
	case deps.Tools == nil:
		return nil, errors.New("usecase: tool registry must not be nil")
	case deps.Prompts == nil:
		return nil, errors.New("usecase: prompts must not be nil")
	}
	if cfg.MaxRewrite < 0 || cfg.MaxToolRounds <= 0 || cfg.TopK <= 0 || cfg.MaxMessageLength <= 0 {
		return nil, errors.New("usecase: assistant bounds must be positive")
	}
	if cfg.MaxConversationTurns < 0 {
		return nil, errors.New("usecase: conversation turn cap must not be negative")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("usecase: retrieval collection must not be empty")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &AssistantService{deps: deps, cfg: cfg, logger: deps.Logger}

	opts := []graph.Option{graph.WithLogger(deps.Logger), graph.WithMaxSteps(cfg.MaxSteps)}
	if deps.Store != nil {
		opts = append(opts, graph.WithCheckpointer(deps.Store))
	}
	g, err := graph.NewBuilder[AssistantState, AssistantUpdate](AssistantGraphName, mergeAssistant).
		AddNode(StageRoute, s.route).
		AddNode(StageRetrieve, s.retrieve).
		AddNode(StageGrade, s.grade).
		AddNode(StageQueryRewriter, s.rewrite).
		AddNode(StageGenerateRAG, s.generateRAG).
		AddNode(StageToolGenerate, s.toolGenerate).
		AddNode(StageToolCall, s.toolCall).
		AddNode(StageDirectGenerate, s.directGenerate).
		SetEntry(StageRoute).
		AddConditionalEdges(StageRoute, graph.Branch[AssistantState]{
			Outcomes: []string{RouteRAG, RouteToolCall, RouteDirect},
			Decide:   func(st AssistantState) string { return st.Route },
			Routes: map[string]string{
				RouteRAG:      StageRetrieve,
				RouteToolCall: StageToolGenerate,
				RouteDirect:   StageDirectGenerate,
			},
		}).
		AddEdge(StageRetrieve, StageGrade).
		AddConditionalEdges(StageGrade, graph.Branch[AssistantState]{
			Outcomes: []string{GradeAnswer, GradeQueryRewriter},
			Decide:   gradeOutcome,
			Routes: map[string]string{
				GradeAnswer:        StageGenerateRAG,
				GradeQueryRewriter: StageQueryRewriter,
			},
		}).
		AddEdge(StageQueryRewriter, StageRetrieve).
		AddEdge(StageGenerateRAG, graph.End).
		AddConditionalEdges(StageToolGenerate, graph.Branch[AssistantState]{
			Outcomes: []string{outcomeTools, outcomeDone},
			Decide:   toolOutcome,
			Routes: map[string]string{
				outcomeTools: StageToolCall,
				outcomeDone:  graph.End,
			},
		}).
		AddEdge(StageToolCall, StageToolGenerate).
		AddEdge(StageDirectGenerate, graph.End).
		Compile(opts...)
	if err != nil {
		return nil, err
	}
	s.graph = g
	deps.Logger.Info("assistant ready", "tools", deps.Tools.Names(), "max_rewrite", cfg.MaxRewrite, "max_tool_rounds", cfg.MaxToolRounds)
	return s, nil
}

// gradeOutcome enforces the rewrite bound: once max_rewrite rewrites have
// run, an insufficient grade still goes to answer generation.
func gradeOutcome(st AssistantState) string {
	if st.GradeDecision == GradeQueryRewriter && st.RewriteCount >= st.MaxRewrite {
		return GradeAnswer
	}
	return st.GradeDecision
}

func toolOutcome(st AssistantState) string {
	if st.lastMessage().HasToolCalls() && st.ToolRounds < st.MaxToolRounds {
		return outcomeTools
	}
	return outcomeDone
}

// Chat answers one user message. Only invalid input is returned as an error;
// every other failure is logged and answered with an apology.
func (s *AssistantService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	threadID := strings.TrimSpace(in.ThreadID)
	supplied := threadID != ""
	if !supplied {
		threadID = newUUID()
	}
	logger := s.logger.With("thread_id", threadID)

	if supplied && s.turnLimitReached(ctx, logger, threadID) {
		return ChatOutput{}, newError(ErrorInvalidInput, "conversation_turn_limit", nil)
	}

	if s.deps.Moderator != nil {
		flagged, err := s.deps.Moderator.Moderate(ctx, message)
		switch {
		case err != nil:
			logger.Warn("moderation unavailable, continuing", "err", err)
		case flagged:
			logger.Info("assistant message flagged by moderation")
			return ChatOutput{Answer: flaggedAnswer, ThreadID: threadID}, nil
		}
	}

	history := s.loadHistory(ctx, logger, threadID)
	initial := AssistantState{
		Messages:      append(history, domain.ChatMessage{Role: domain.RoleUser, Content: message}),
		HistoryLen:    len(history),
		Question:      message,
		Query:         message,
		UserID:        strings.TrimSpace(in.UserID),
		ProjectID:     strings.TrimSpace(in.ProjectID),
		MaxRewrite:    s.cfg.MaxRewrite,
		MaxToolRounds: s.cfg.MaxToolRounds,
	}

	res, err := s.graph.Run(ctx, threadID, initial)
	if err != nil {
		logger.Error("assistant run failed", "err", err, "code", string(classify(err, "assistant_run_failed").Code))
		return ChatOutput{Answer: apologyAnswer, ThreadID: threadID, Degraded: true}, nil
	}
	answer := strings.TrimSpace(res.State.Answer)
	if answer == "" {
		logger.Warn("assistant produced an empty answer", "route", res.State.Route)
		return ChatOutput{Answer: apologyAnswer, ThreadID: threadID, Route: res.State.Route, Degraded: true}, nil
	}

	if s.deps.History != nil {
		if err := s.deps.History.SaveCompletedTurn(ctx, threadID, message, answer, res.State.Route); err != nil {
			logger.Warn("saving conversation turn failed", "err", err)
		}
	}
	return ChatOutput{Answer: answer, ThreadID: threadID, Route: res.State.Route}, nil
}

func (s *AssistantService) turnLimitReached(ctx context.Context, logger *slog.Logger, threadID string) bool {
	if s.deps.History == nil || s.cfg.MaxConversationTurns <= 0 {
		return false
	}
	turns, err := s.deps.History.GetConversationTurnCount(ctx, threadID)
	if err != nil {
		logger.Warn("conversation turn count unavailable, continuing", "err", err)
		return false
	}
	return turns >= s.cfg.MaxConversationTurns
}

func (s *AssistantService) loadHistory(ctx context.Context, logger *slog.Logger, threadID string) []domain.ChatMessage {
	if s.deps.History == nil || s.cfg.HistoryTurns <= 0 {
		return nil
	}
	turns, err := s.deps.History.GetHistory(ctx, threadID, s.cfg.HistoryTurns)
	if err != nil {
		logger.Warn("loading conversation history failed", "err", err)
		return nil
	}
	var msgs []domain.ChatMessage
	for _, m := range turns {
		msgs = append(msgs, historyToPromptMessages(m)...)
	}
	return msgs
}

func (s *AssistantService) route(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	system, err := s.deps.Prompts.Render(prompts.RouterSystem, nil)
	if err != nil {
		return AssistantUpdate{}, err
	}
	var out routeDecision
	if err := s.deps.Models.Router.Structured(ctx, withSystem(system, st.Messages), routeSchema, &out); err != nil {
		s.logger.Warn("router failed, falling back to direct", "err", err)
		return AssistantUpdate{Route: ptr(RouteDirect)}, nil
	}
	s.logger.Info("assistant routed", "route", out.Route)
	return AssistantUpdate{Route: ptr(out.Route)}, nil
}

func (s *AssistantService) retrieve(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	docs, err := s.deps.Retriever.Retrieve(ctx, st.Query, s.cfg.Collection, s.cfg.TopK)
	if err != nil {
		s.logger.Warn("retrieval failed, continuing without documents", "err", err)
		docs = []domain.Document{}
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return AssistantUpdate{Documents: &docs}, nil
}

func (s *AssistantService) grade(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	if len(st.Documents) == 0 {
		return AssistantUpdate{
			GradeDecision: ptr(GradeQueryRewriter),
			Critique:      ptr(critiqueNoDocuments),
			Feedback:      []string{critiqueNoDocuments},
		}, nil
	}
	prompt, err := s.deps.Prompts.Render(prompts.Grader, map[string]any{
		"Query":     st.Query,
		"Documents": rag.Format(st.Documents),
	})
	if err != nil {
		return AssistantUpdate{}, err
	}
	var out grade
	if err := s.deps.Models.Grader.Structured(ctx, userPrompt(prompt), gradeSchema, &out); err != nil {
		s.logger.Warn("grader failed, answering with retrieved documents", "err", err)
		return AssistantUpdate{GradeDecision: ptr(GradeAnswer)}, nil
	}
	critique := strings.TrimSpace(out.Critique)
	u := AssistantUpdate{GradeDecision: ptr(out.Decision), Critique: ptr(critique)}
	if out.Decision == GradeQueryRewriter && critique != "" {
		u.Feedback = []string{critique}
	}
	s.logger.Info("documents graded", "decision", out.Decision, "rewrite", st.RewriteCount)
	return u, nil
}

func (s *AssistantService) rewrite(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	count := st.RewriteCount + 1
	query := st.Query
	prompt, err := s.deps.Prompts.Render(prompts.Rewriter, map[string]any{
		"Query":    st.Query,
		"Critique": st.Critique,
	})
	if err != nil {
		return AssistantUpdate{}, err
	}
	rewritten, err := s.deps.Models.Rewriter.Chat(ctx, userPrompt(prompt))
	switch {
	case err != nil:
		s.logger.Warn("query rewrite failed, retrying with the current query", "err", err)
	case strings.TrimSpace(rewritten) != "":
		query = strings.TrimSpace(rewritten)
	}
	s.logger.Info("query rewritten", "rewrite", count)
	return AssistantUpdate{Query: ptr(query), RewriteCount: ptr(count)}, nil
}

func (s *AssistantService) generateRAG(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	prompt, err := s.deps.Prompts.Render(prompts.RAGAnswer, map[string]any{
		"Documents": rag.Format(st.Documents),
		"Query":     st.Question,
	})
	if err != nil {
		return AssistantUpdate{}, err
	}
	msgs := append(append([]domain.ChatMessage{}, st.history()...), domain.ChatMessage{Role: domain.RoleUser, Content: prompt})
	answer, err := s.deps.Models.Generator.Chat(ctx, msgs)
	if err != nil {
		return AssistantUpdate{}, err
	}
	return answered(answer), nil
}

func (s *AssistantService) toolGenerate(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	system, err := s.deps.Prompts.Render(prompts.ToolSystem, map[string]any{
		"UserID":    st.UserID,
		"ProjectID": st.ProjectID,
	})
	if err != nil {
		return AssistantUpdate{}, err
	}
	msg, err := s.deps.Models.Tools.ChatWithTools(ctx, withSystem(system, st.Messages), s.deps.Tools.Specs())
	if err != nil {
		return AssistantUpdate{}, err
	}
	u := AssistantUpdate{Messages: []domain.ChatMessage{msg}}
	switch {
	case !msg.HasToolCalls():
		u.Answer = ptr(strings.TrimSpace(msg.Content))
	case st.ToolRounds >= st.MaxToolRounds:
		s.logger.Warn("tool round limit reached", "rounds", st.ToolRounds)
		u.Answer = ptr(toolLimitAnswer)
	}
	return u, nil
}

func (s *AssistantService) toolCall(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	scope := tools.Scope{UserID: st.UserID, ProjectID: st.ProjectID}
	calls := st.lastMessage().ToolCalls
	results := make([]domain.ChatMessage, 0, len(calls))
	for _, call := range calls {
		results = append(results, domain.ChatMessage{
			Role:       domain.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    s.invokeTool(ctx, call, scope),
		})
	}
	return AssistantUpdate{Messages: results, ToolRounds: ptr(st.ToolRounds + 1)}, nil
}

// invokeTool runs one requested call and renders its outcome for the model.
// Unknown tools are never invoked.
func (s *AssistantService) invokeTool(ctx context.Context, call domain.ToolCall, scope tools.Scope) string {
	t, ok := s.deps.Tools.Lookup(call.Name)
	if !ok {
		s.logger.Warn("model requested unknown tool", "tool", call.Name)
		return toolError("unknown tool " + call.Name)
	}
	out, err := t.Call(ctx, call.Arguments, scope)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", call.Name, "err", err)
		return toolError(err.Error())
	}
	s.logger.Info("tool called", "tool", call.Name)
	return out
}

func (s *AssistantService) directGenerate(ctx context.Context, st AssistantState) (AssistantUpdate, error) {
	system, err := s.deps.Prompts.Render(prompts.DirectSystem, nil)
	if err != nil {
		return AssistantUpdate{}, err
	}
	answer, err := s.deps.Models.Direct.Chat(ctx, withSystem(system, st.Messages))
	if err != nil {
		return AssistantUpdate{}, err
	}
	return answered(answer), nil
}

func answered(answer string) AssistantUpdate {
	answer = strings.TrimSpace(answer)
	return AssistantUpdate{
		Answer:   ptr(answer),
		Messages: []domain.ChatMessage{{Role: domain.RoleAssistant, Content: answer}},
	}
}

func toolError(reason string) string {
	buf, _ := json.Marshal(map[string]string{"error": reason})
	return string(buf)
}

var newUUID = func() string {
	return uuid.NewString()
}
