// Package gateway exposes the session API and the WebSocket bridge browser
// clients use to reach the broker channels. The bridge relays validated
// envelopes both ways; all presence/reveal semantics live client-side in the
// collab engine, so the gateway stays a thin pipe.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/roster"
	"cardsort/collab/internal/transport"
	"cardsort/collab/internal/util"
)

// RosterAPI is the slice of the roster store the gateway needs.
type RosterAPI interface {
	CreateSession(ctx context.Context, code, deckName string) (roster.Session, error)
	GetSession(ctx context.Context, code string) (roster.Session, error)
	JoinSession(ctx context.Context, code, name, emoji, color string) (roster.Participant, error)
	GetParticipant(ctx context.Context, code, participantID string) (roster.Participant, error)
	SetStep(ctx context.Context, code, participantID string, step int) error
	SetStatus(ctx context.Context, code, participantID, status string) error
	TouchActivity(ctx context.Context, code, participantID string) error
}

// TokenAPI issues and redeems reconnection tokens.
type TokenAPI interface {
	Issue(ctx context.Context, sessionCode, participantID string) (string, error)
	Redeem(ctx context.Context, token string) (roster.TokenIdentity, error)
}

type Server struct {
	store      RosterAPI
	tokens     TokenAPI
	conn       *transport.Connection
	corsOrigin string
}

func NewServer(store RosterAPI, tokens TokenAPI, conn *transport.Connection, corsOrigin string) *Server {
	return &Server{store: store, tokens: tokens, conn: conn, corsOrigin: corsOrigin}
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/health", s.handleHealth)
	router.POST("/api/sessions", s.handleCreateSession)
	router.GET("/api/sessions/:code", s.handleGetSession)
	router.POST("/api/sessions/:code/join", s.handleJoin)
	router.POST("/api/sessions/:code/participants/:id/step", s.handleSetStep)
	router.POST("/api/sessions/:code/participants/:id/status", s.handleSetStatus)
	router.POST("/api/sessions/:code/participants/:id/activity", s.handleTouchActivity)
	router.POST("/api/reconnect", s.handleReconnect)
	router.GET("/ws/:code/:kind", s.handleWS)
	return s.withCORS(router)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"connection": string(s.conn.State()),
	})
}

type createSessionInput struct {
	DeckName string `json:"deckName"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input createSessionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	sess, err := s.store.CreateSession(r.Context(), util.NewSessionCode(6), input.DeckName)
	if err != nil {
		log.Printf("gateway: create session: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess, err := s.store.GetSession(r.Context(), ps.ByName("code"))
	if errors.Is(err, roster.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		log.Printf("gateway: get session: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type joinInput struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

type joinOutput struct {
	Participant     roster.Participant `json:"participant"`
	ReconnectToken  string             `json:"reconnectToken"`
	ConnectionState string             `json:"connectionState"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var input joinInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if input.Name == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	code := ps.ByName("code")
	participant, err := s.store.JoinSession(r.Context(), code, input.Name, input.Emoji, input.Color)
	if errors.Is(err, roster.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		log.Printf("gateway: join session %s: %v", code, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not join session")
		return
	}
	token, err := s.tokens.Issue(r.Context(), code, participant.ID)
	if err != nil {
		log.Printf("gateway: issue reconnect token: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not issue reconnect token")
		return
	}
	writeJSON(w, http.StatusCreated, joinOutput{
		Participant:     participant,
		ReconnectToken:  token,
		ConnectionState: string(s.conn.State()),
	})
}

var validStatuses = map[string]struct{}{
	message.StatusSorting:   {},
	message.StatusRevealed8: {},
	message.StatusRevealed3: {},
	message.StatusCompleted: {},
}

type setStepInput struct {
	Step int `json:"step"`
}

func (s *Server) handleSetStep(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var input setStepInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if input.Step < 1 || input.Step > 3 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "step must be between 1 and 3")
		return
	}
	s.mutateParticipant(w, r, ps, func(ctx context.Context, code, id string) error {
		return s.store.SetStep(ctx, code, id, input.Step)
	})
}

type setStatusInput struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var input setStatusInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if _, ok := validStatuses[input.Status]; !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status")
		return
	}
	s.mutateParticipant(w, r, ps, func(ctx context.Context, code, id string) error {
		return s.store.SetStatus(ctx, code, id, input.Status)
	})
}

func (s *Server) handleTouchActivity(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mutateParticipant(w, r, ps, s.store.TouchActivity)
}

// mutateParticipant applies one roster mutation and responds with the updated
// row, so clients never have to guess at server-side timestamps.
func (s *Server) mutateParticipant(w http.ResponseWriter, r *http.Request, ps httprouter.Params, mutate func(ctx context.Context, code, id string) error) {
	code, id := ps.ByName("code"), ps.ByName("id")
	if err := mutate(r.Context(), code, id); err != nil {
		if errors.Is(err, roster.ErrParticipantNotFound) || errors.Is(err, roster.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "participant not found")
			return
		}
		log.Printf("gateway: update participant %s in %s: %v", id, code, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not update participant")
		return
	}
	participant, err := s.store.GetParticipant(r.Context(), code, id)
	if err != nil {
		log.Printf("gateway: reload participant %s in %s: %v", id, code, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load participant")
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

type reconnectInput struct {
	Token string `json:"token"`
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input reconnectInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Token == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}
	identity, err := s.tokens.Redeem(r.Context(), input.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "token not found or expired")
		return
	}
	participant, err := s.store.GetParticipant(r.Context(), identity.SessionCode, identity.ParticipantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "participant no longer in session")
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("gateway: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

// NewHTTPServer wraps the handler in a server with conservative timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
