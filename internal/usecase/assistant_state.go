package usecase

import "pm-agent/internal/domain"

// Routes chosen by the assistant router.
const (
	RouteRAG      = "RAG"
	RouteToolCall = "TOOL_CALL"
	RouteDirect   = "DIRECT"
)

// Grader decisions.
const (
	GradeAnswer        = "ANSWER"
	GradeQueryRewriter = "QUERY_REWRITER"
)

// AssistantState is the run state of one assistant turn.
type AssistantState struct {
	// Messages is the conversation transcript: prior turns, the user message
	// and everything generated in this turn. Append-only.
	Messages []domain.ChatMessage `json:"messages"`
	// HistoryLen is the number of leading messages that came from earlier turns.
	HistoryLen    int               `json:"history_len"`
	Question      string            `json:"question"`
	Query         string            `json:"query"`
	UserID        string            `json:"user_id,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
	Route         string            `json:"router_decision,omitempty"`
	Documents     []domain.Document `json:"documents,omitempty"`
	GradeDecision string            `json:"grader_decision,omitempty"`
	Critique      string            `json:"critique,omitempty"`
	// FeedbackHistory collects every grader critique in order. Append-only.
	FeedbackHistory []string `json:"feedback_history,omitempty"`
	RewriteCount    int      `json:"rewrite_count"`
	MaxRewrite      int      `json:"max_rewrite"`
	ToolRounds      int      `json:"tool_rounds"`
	MaxToolRounds   int      `json:"max_tool_rounds"`
	Answer          string   `json:"answer,omitempty"`
}

// AssistantUpdate is the partial update an assistant stage returns.
// Messages and Feedback are appended; other nil fields are left untouched.
type AssistantUpdate struct {
	Messages      []domain.ChatMessage
	Feedback      []string
	Query         *string
	Route         *string
	Documents     *[]domain.Document
	GradeDecision *string
	Critique      *string
	RewriteCount  *int
	ToolRounds    *int
	Answer        *string
}

// StepBudget covers the longer of the two loops. The RAG branch runs route,
// retrieve and grade plus three stages per rewrite and the answer; the tool
// branch runs route plus a generate and call pair per round and a final
// generate.
func (s AssistantState) StepBudget() int {
	return max(3*s.MaxRewrite+4, 2*s.MaxToolRounds+2)
}

func mergeAssistant(s AssistantState, u AssistantUpdate) AssistantState {
	if len(u.Messages) > 0 {
		s.Messages = append(append([]domain.ChatMessage{}, s.Messages...), u.Messages...)
	}
	if len(u.Feedback) > 0 {
		s.FeedbackHistory = append(append([]string{}, s.FeedbackHistory...), u.Feedback...)
	}
	if u.Query != nil {
		s.Query = *u.Query
	}
	if u.Route != nil {
		s.Route = *u.Route
	}
	if u.Documents != nil {
		s.Documents = append([]domain.Document{}, (*u.Documents)...)
	}
	if u.GradeDecision != nil {
		s.GradeDecision = *u.GradeDecision
	}
	if u.Critique != nil {
		s.Critique = *u.Critique
	}
	if u.RewriteCount != nil && *u.RewriteCount > s.RewriteCount {
		s.RewriteCount = *u.RewriteCount
	}
	if u.ToolRounds != nil && *u.ToolRounds > s.ToolRounds {
		s.ToolRounds = *u.ToolRounds
	}
	if u.Answer != nil {
		s.Answer = *u.Answer
	}
	return s
}

// lastMessage returns the final transcript entry, or the zero message.
func (s AssistantState) lastMessage() domain.ChatMessage {
	if len(s.Messages) == 0 {
		return domain.ChatMessage{}
	}
	return s.Messages[len(s.Messages)-1]
}

// history returns the messages of earlier turns.
func (s AssistantState) history() []domain.ChatMessage {
	n := s.HistoryLen
	if n > len(s.Messages) {
		n = len(s.Messages)
	}
	return s.Messages[:n]
}
