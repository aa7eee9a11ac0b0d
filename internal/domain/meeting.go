package domain

import "strings"

// UnassignedAssignee is the sentinel used for action items without an owner.
const UnassignedAssignee = "Unassigned"

// Priority is the action item priority enum.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ActionItem is a task extracted from a meeting.
type ActionItem struct {
	Title    string   `json:"title"`
	Assignee string   `json:"assignee"`
	Priority Priority `json:"priority"`
	DueDate  string   `json:"due_date,omitempty"`
}

// IsUnassigned reports whether the item has no owner, either empty or the
// sentinel in any casing.
func (a ActionItem) IsUnassigned() bool {
	name := strings.TrimSpace(a.Assignee)
	return name == "" || strings.EqualFold(name, UnassignedAssignee)
}

// Participant is a meeting attendee supplied by the caller.
type Participant struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
}

// MeetingMetadata describes the meeting a recording belongs to.
type MeetingMetadata struct {
	Title        string            `json:"title,omitempty"`
	Date         string            `json:"date,omitempty"`
	ProjectID    string            `json:"projectId,omitempty"`
	AuthorUserID string            `json:"authorUserId,omitempty"`
	Participants []Participant     `json:"participants,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// FindParticipant looks up a participant by username, case-insensitively.
func (m MeetingMetadata) FindParticipant(name string) (Participant, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Participant{}, false
	}
	for _, p := range m.Participants {
		if strings.EqualFold(strings.TrimSpace(p.Username), name) {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantNames returns the usernames of all participants in order.
func (m MeetingMetadata) ParticipantNames() []string {
	names := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		if n := strings.TrimSpace(p.Username); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Task is a backend task record created from an action item.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id"`
	AuthorID    string   `json:"author_id,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Status      string   `json:"status,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
}

// Notification statuses recorded per recipient.
const (
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
	NotificationSkipped = "skipped"
)

// NotificationResult records the outcome of notifying one assignee.
type NotificationResult struct {
	Assignee string `json:"assignee"`
	Email    string `json:"email,omitempty"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}
