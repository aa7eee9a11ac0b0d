package usecase

import (
	"encoding/json"
	"strings"

	"pm-agent/internal/domain"
)

const statusComplete = "complete"

func participantList(md domain.MeetingMetadata) string {
	names := md.ParticipantNames()
	if len(names) == 0 {
		return "(none listed)"
	}
	return strings.Join(names, ", ")
}

// metadataBlob renders the meeting metadata without the participant list,
// which the prompts carry separately.
func metadataBlob(md domain.MeetingMetadata) string {
	md.Participants = nil
	buf, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func actionItemsBlob(items []domain.ActionItem) string {
	if len(items) == 0 {
		return "[]"
	}
	buf, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(buf)
}

func userPrompt(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}
}

func historyToPromptMessages(m domain.Message) []domain.ChatMessage {
	if m.Status != statusComplete {
		return nil
	}
	question := strings.TrimSpace(m.Question)
	answer := strings.TrimSpace(m.Answer)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: domain.RoleUser, Content: question},
		{Role: domain.RoleAssistant, Content: answer},
	}
}

// withSystem prepends a system message to msgs without touching msgs.
func withSystem(system string, msgs []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs)+1)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	return append(out, msgs...)
}
