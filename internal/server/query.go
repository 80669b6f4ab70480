package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/audit"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
	defaultOffenseWindow = 24 * time.Hour
)

// DecisionLog is the audit query surface.
type DecisionLog interface {
	Recent(ctx context.Context, roomID string, limit int) ([]audit.Entry, error)
	CountRedactions(ctx context.Context, roomID, senderID string, window time.Duration) (int, error)
}

// OffenseCounter reports a sender's offenses in the current ledger window.
type OffenseCounter interface {
	Offenses(ctx context.Context, roomID, userID string) (int, error)
}

// BudgetFunc returns the classifier calls a room has left, or -1 when no
// budget applies.
type BudgetFunc func(ctx context.Context, roomID string) (int, error)

type errorResponse struct {
	Error string `json:"error"`
}

type decisionsResponse struct {
	RoomID    string        `json:"room_id"`
	Decisions []audit.Entry `json:"decisions"`
}

type offenderResponse struct {
	RoomID     string `json:"room_id"`
	UserID     string `json:"user_id"`
	Offenses   int    `json:"offenses"`
	Redactions *int   `json:"redactions,omitempty"`
	Window     string `json:"window,omitempty"`
}

type budgetResponse struct {
	RoomID    string `json:"room_id"`
	Limited   bool   `json:"limited"`
	Remaining *int   `json:"remaining,omitempty"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"room is required"})
		return
	}
	limit := defaultDecisionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"limit must be a positive integer"})
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	entries, err := s.decisions.Recent(r.Context(), room, limit)
	if err != nil {
		s.log.Error("decision query failed", zap.String("room_id", room), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{"decision query failed"})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{RoomID: room, Decisions: entries})
}

func (s *Server) handleOffenders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room, user := q.Get("room"), q.Get("user")
	if room == "" || user == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"room and user are required"})
		return
	}

	n, err := s.offenses.Offenses(r.Context(), room, user)
	if err != nil {
		s.log.Error("offense query failed", zap.String("room_id", room), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{"offense query failed"})
		return
	}
	resp := offenderResponse{RoomID: room, UserID: user, Offenses: n}

	if s.decisions != nil {
		window := defaultOffenseWindow
		if v := q.Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{"window must be a positive duration"})
				return
			}
			window = d
		}
		count, err := s.decisions.CountRedactions(r.Context(), room, user, window)
		if err != nil {
			s.log.Error("redaction count failed", zap.String("room_id", room), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{"redaction count failed"})
			return
		}
		resp.Redactions = &count
		resp.Window = window.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"room is required"})
		return
	}
	n, err := s.budget(r.Context(), room)
	if err != nil {
		s.log.Warn("budget query failed", zap.String("room_id", room), zap.Error(err))
	}
	resp := budgetResponse{RoomID: room}
	if n >= 0 {
		resp.Limited = true
		resp.Remaining = &n
	}
	writeJSON(w, http.StatusOK, resp)
}
