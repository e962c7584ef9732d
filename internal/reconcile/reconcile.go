// Package reconcile merges the authoritative roster with ephemeral presence
// into one display-ready record per participant. The merge is a pure
// function: identical inputs produce identical output, so it can be re-run on
// every tick without bookkeeping.
package reconcile

import (
	"log"
	"time"

	"cardsort/collab/internal/message"
)

// Identity is the immutable part of a participant, owned by the roster.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

// RosterEntry is one authoritative roster row: identity plus the ground-truth
// step progress and the roster's last known status and activity, used as
// fallbacks when no presence record exists.
type RosterEntry struct {
	Identity     Identity
	CurrentStep  int
	Status       string
	LastActivity time.Time
}

// DisplayRecord is the merged per-participant view handed to consumers.
// Identity and CurrentStep always carry the roster's value; Status,
// LastActive, and IsViewing come from presence when available. Degraded marks
// a record built from presence alone because the roster has not caught up.
type DisplayRecord struct {
	Identity    Identity  `json:"identity"`
	CurrentStep int       `json:"currentStep"`
	Status      string    `json:"status"`
	LastActive  time.Time `json:"lastActive"`
	IsViewing   string    `json:"isViewing,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// Reconcile merges roster and presence maps into DisplayRecords. For every
// roster entry the identity and step come from the roster, never from a
// received presence record — including the local participant's own outgoing
// record. Presence-only entries are surfaced best-effort, flagged degraded,
// and logged once per call; they indicate roster lag.
func Reconcile(roster map[string]RosterEntry, presences map[string]message.PresenceRecord, localParticipantID string) map[string]DisplayRecord {
	out := make(map[string]DisplayRecord, len(roster))

	for id, entry := range roster {
		rec := DisplayRecord{
			Identity:    entry.Identity,
			CurrentStep: entry.CurrentStep,
			Status:      entry.Status,
			LastActive:  entry.LastActivity,
		}
		if p, ok := presences[id]; ok {
			if p.Status != "" {
				rec.Status = p.Status
			}
			if !p.LastActive.IsZero() {
				rec.LastActive = p.LastActive
			}
			rec.IsViewing = p.IsViewing
		}
		out[id] = rec
	}

	for id, p := range presences {
		if _, ok := roster[id]; ok {
			continue
		}
		if id == localParticipantID {
			log.Printf("reconcile: roster has not committed local participant %s yet", id)
		} else {
			log.Printf("reconcile: presence for %s has no roster entry, surfacing degraded record", id)
		}
		out[id] = DisplayRecord{
			Identity:    Identity{ID: id, Name: p.Name, Emoji: p.Emoji, Color: p.Color},
			CurrentStep: p.CurrentStep,
			Status:      p.Status,
			LastActive:  p.LastActive,
			IsViewing:   p.IsViewing,
			Degraded:    true,
		}
	}

	return out
}
