// Package roster is the authoritative source of participant identity and
// step progress. Identity fields are assigned once at join time and never
// mutated by the presence layer; the presence engine treats this store as
// ground truth and merges its own ephemeral data on top.
package roster

import "time"

// Session is one card-sorting session.
type Session struct {
	Code         string        `json:"code"`
	DeckName     string        `json:"deckName"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants,omitempty"`
}

// Participant is one authoritative roster row.
type Participant struct {
	ID           string    `json:"id"`
	SessionCode  string    `json:"sessionCode"`
	Name         string    `json:"name"`
	Emoji        string    `json:"emoji"`
	Color        string    `json:"color"`
	CurrentStep  int       `json:"currentStep"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
	JoinedAt     time.Time `json:"joinedAt"`
}
