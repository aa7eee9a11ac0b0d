package usecase

import (
	"strings"

	"pm-agent/internal/domain"
)

// Reflect decisions.
const (
	DecisionAccept = "accept"
	DecisionRevise = "revise"
)

// MeetingState is the run state of the meeting-to-task pipeline. It is
// persisted as JSON in the run checkpoint.
type MeetingState struct {
	ThreadID      string                      `json:"thread_id"`
	AudioRef      string                      `json:"audio_ref"`
	Transcript    string                      `json:"transcript,omitempty"`
	Minutes       string                      `json:"mom,omitempty"`
	ActionItems   []domain.ActionItem         `json:"action_items"`
	Critique      string                      `json:"critique,omitempty"`
	Decision      string                      `json:"reflect_decision,omitempty"`
	RevisionCount int                         `json:"revision_count"`
	MaxRevisions  int                         `json:"max_revisions"`
	Metadata      domain.MeetingMetadata      `json:"metadata"`
	CreatedTasks  []domain.Task               `json:"created_tasks,omitempty"`
	Notifications []domain.NotificationResult `json:"notifications,omitempty"`
}

// MeetingUpdate is the partial update a stage returns. Nil fields are left
// untouched.
type MeetingUpdate struct {
	Transcript    *string
	Minutes       *string
	ActionItems   *[]domain.ActionItem
	Critique      *string
	Decision      *string
	RevisionCount *int
	CreatedTasks  *[]domain.Task
	Notifications *[]domain.NotificationResult
}

// StepBudget is the longest path through the pipeline: transcribe, analyze
// and reflect, a refine and reflect pair per revision, then create_tasks and
// notify.
func (s MeetingState) StepBudget() int {
	return 2*s.MaxRevisions + 5
}

// mergeMeeting applies u to s. The revision counter never moves backwards.
func mergeMeeting(s MeetingState, u MeetingUpdate) MeetingState {
	if u.Transcript != nil {
		s.Transcript = *u.Transcript
	}
	if u.Minutes != nil {
		s.Minutes = *u.Minutes
	}
	if u.ActionItems != nil {
		s.ActionItems = append([]domain.ActionItem{}, (*u.ActionItems)...)
	}
	if u.Critique != nil {
		s.Critique = *u.Critique
	}
	if u.Decision != nil {
		s.Decision = *u.Decision
	}
	if u.RevisionCount != nil && *u.RevisionCount > s.RevisionCount {
		s.RevisionCount = *u.RevisionCount
	}
	if u.CreatedTasks != nil {
		s.CreatedTasks = append([]domain.Task{}, (*u.CreatedTasks)...)
	}
	if u.Notifications != nil {
		s.Notifications = append([]domain.NotificationResult{}, (*u.Notifications)...)
	}
	return s
}

// normalizeItems trims every field and replaces a missing assignee with the
// Unassigned sentinel.
func normalizeItems(items []domain.ActionItem) []domain.ActionItem {
	out := make([]domain.ActionItem, 0, len(items))
	for _, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		it.Assignee = strings.TrimSpace(it.Assignee)
		it.DueDate = strings.TrimSpace(it.DueDate)
		if it.Assignee == "" {
			it.Assignee = domain.UnassignedAssignee
		}
		out = append(out, it)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
