// Package message defines the wire envelope and payload types shared by the
// presence, cursor, and reveal channels. Every inbound payload is decoded and
// validated here, at a single boundary, so malformed or unknown messages fail
// once instead of propagating partial data into component state.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope kinds. The kind field discriminates the payload type.
const (
	KindPresenceEnter      = "presence-enter"
	KindPresenceUpdate     = "presence-update"
	KindPresenceLeave      = "presence-leave"
	KindCursorMove         = "cursor-move"
	KindArrangementReveal  = "arrangement-revealed"
	KindArrangementUpdated = "arrangement-updated"
	KindArrangementHidden  = "arrangement-hidden"
	KindRosterChanged      = "roster-changed"
)

// Participant status values carried in presence records.
const (
	StatusSorting   = "sorting"
	StatusRevealed8 = "revealed-8"
	StatusRevealed3 = "revealed-3"
	StatusCompleted = "completed"
)

// Reveal types for an Arrangement.
const (
	RevealTop8 = "top8"
	RevealTop3 = "top3"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrInvalid     = errors.New("invalid message payload")
)

// Envelope is the tagged union published on every channel.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// CursorPosition is a canvas-relative pointer location. Last writer wins per
// participant; the timestamp decides "last" at each observer independently.
type CursorPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceRecord is the ephemeral per-client record published on the presence
// channel. It is replaced wholesale on every update and heartbeat.
type PresenceRecord struct {
	ParticipantID string          `json:"participantId"`
	Name          string          `json:"name"`
	Emoji         string          `json:"emoji"`
	Color         string          `json:"color"`
	CurrentStep   int             `json:"currentStep"`
	Status        string          `json:"status"`
	Cursor        *CursorPosition `json:"cursor,omitempty"`
	LastActive    time.Time       `json:"lastActive"`
	IsViewing     string          `json:"isViewing,omitempty"`
}

// CursorMove is the payload of a cursor-move message.
type CursorMove struct {
	ParticipantID string    `json:"participantId"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Timestamp     time.Time `json:"timestamp"`
}

// CardPosition locates one card within a revealed arrangement.
type CardPosition struct {
	CardID string  `json:"cardId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Pile   string  `json:"pile"`
}

// Arrangement is a participant's revealed card layout.
type Arrangement struct {
	ParticipantID   string         `json:"participantId"`
	ParticipantName string         `json:"participantName"`
	RevealType      string         `json:"revealType"`
	CardPositions   []CardPosition `json:"cardPositions"`
	LastUpdated     time.Time      `json:"lastUpdated"`
}

// ArrangementDelta is a partial change to an Arrangement. Fields it does not
// mention are left untouched by Merge.
type ArrangementDelta struct {
	RevealType    string         `json:"revealType,omitempty"`
	CardPositions []CardPosition `json:"cardPositions,omitempty"`
}

// ArrangementUpdate is the payload of an arrangement-updated message.
type ArrangementUpdate struct {
	ParticipantID string           `json:"participantId"`
	Delta         ArrangementDelta `json:"delta"`
}

// ArrangementHidden is the payload of an arrangement-hidden message.
type ArrangementHidden struct {
	ParticipantID string `json:"participantId"`
}

// RosterChanged announces that the authoritative roster for a session was
// mutated and observers should refetch it.
type RosterChanged struct {
	SessionCode string `json:"sessionCode"`
}

// New builds an envelope from a kind and its payload.
func New(kind string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Data: data}, nil
}

// Decode parses raw bytes into an Envelope and validates the payload against
// the declared kind. This is the single validation boundary for inbound
// messages; subscribers drop anything Decode rejects.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch env.Kind {
	case KindPresenceEnter, KindPresenceUpdate, KindPresenceLeave:
		rec, err := env.PresenceRecord()
		if err != nil {
			return Envelope{}, err
		}
		if rec.ParticipantID == "" {
			return Envelope{}, fmt.Errorf("%w: %s without participantId", ErrInvalid, env.Kind)
		}
	case KindCursorMove:
		mv, err := env.CursorMove()
		if err != nil {
			return Envelope{}, err
		}
		if mv.ParticipantID == "" {
			return Envelope{}, fmt.Errorf("%w: cursor-move without participantId", ErrInvalid)
		}
	case KindArrangementReveal:
		arr, err := env.Arrangement()
		if err != nil {
			return Envelope{}, err
		}
		if arr.ParticipantID == "" {
			return Envelope{}, fmt.Errorf("%w: arrangement without participantId", ErrInvalid)
		}
		if arr.RevealType != RevealTop8 && arr.RevealType != RevealTop3 {
			return Envelope{}, fmt.Errorf("%w: bad revealType %q", ErrInvalid, arr.RevealType)
		}
	case KindArrangementUpdated:
		upd, err := env.ArrangementUpdate()
		if err != nil {
			return Envelope{}, err
		}
		if upd.ParticipantID == "" {
			return Envelope{}, fmt.Errorf("%w: arrangement-updated without participantId", ErrInvalid)
		}
	case KindArrangementHidden:
		hid, err := env.ArrangementHidden()
		if err != nil {
			return Envelope{}, err
		}
		if hid.ParticipantID == "" {
			return Envelope{}, fmt.Errorf("%w: arrangement-hidden without participantId", ErrInvalid)
		}
	case KindRosterChanged:
		if _, err := env.RosterChanged(); err != nil {
			return Envelope{}, err
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return env, nil
}

func (e Envelope) PresenceRecord() (PresenceRecord, error) {
	var rec PresenceRecord
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return PresenceRecord{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rec, nil
}

func (e Envelope) CursorMove() (CursorMove, error) {
	var mv CursorMove
	if err := json.Unmarshal(e.Data, &mv); err != nil {
		return CursorMove{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return mv, nil
}

func (e Envelope) Arrangement() (Arrangement, error) {
	var arr Arrangement
	if err := json.Unmarshal(e.Data, &arr); err != nil {
		return Arrangement{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return arr, nil
}

func (e Envelope) ArrangementUpdate() (ArrangementUpdate, error) {
	var upd ArrangementUpdate
	if err := json.Unmarshal(e.Data, &upd); err != nil {
		return ArrangementUpdate{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return upd, nil
}

func (e Envelope) ArrangementHidden() (ArrangementHidden, error) {
	var hid ArrangementHidden
	if err := json.Unmarshal(e.Data, &hid); err != nil {
		return ArrangementHidden{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return hid, nil
}

func (e Envelope) RosterChanged() (RosterChanged, error) {
	var rc RosterChanged
	if err := json.Unmarshal(e.Data, &rc); err != nil {
		return RosterChanged{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rc, nil
}

// MergeArrangement applies a partial delta on top of a cached arrangement.
// Card positions are matched by cardId; unmatched positions are appended.
func MergeArrangement(base Arrangement, delta ArrangementDelta) Arrangement {
	merged := base
	merged.CardPositions = append([]CardPosition(nil), base.CardPositions...)
	if delta.RevealType != "" {
		merged.RevealType = delta.RevealType
	}
	for _, pos := range delta.CardPositions {
		replaced := false
		for i, existing := range merged.CardPositions {
			if existing.CardID == pos.CardID {
				merged.CardPositions[i] = pos
				replaced = true
				break
			}
		}
		if !replaced {
			merged.CardPositions = append(merged.CardPositions, pos)
		}
	}
	return merged
}

// MergeDeltas coalesces two deltas so a debounced publish carries the union
// of a burst instead of only its final call.
func MergeDeltas(older, newer ArrangementDelta) ArrangementDelta {
	out := ArrangementDelta{RevealType: older.RevealType}
	if newer.RevealType != "" {
		out.RevealType = newer.RevealType
	}
	out.CardPositions = append([]CardPosition(nil), older.CardPositions...)
	for _, pos := range newer.CardPositions {
		replaced := false
		for i, existing := range out.CardPositions {
			if existing.CardID == pos.CardID {
				out.CardPositions[i] = pos
				replaced = true
				break
			}
		}
		if !replaced {
			out.CardPositions = append(out.CardPositions, pos)
		}
	}
	return out
}
