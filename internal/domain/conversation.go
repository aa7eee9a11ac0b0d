package domain

import "time"

// Message is one saved assistant turn: the caller's question and the answer
// that was returned for it.
type Message struct {
	ConversationID string
	Question       string
	Answer         string
	Route          string
	Status         string
	CreatedAt      time.Time
}
