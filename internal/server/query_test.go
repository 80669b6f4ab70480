package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/whisper/aimodbot/internal/audit"
)

type fakeDecisionLog struct {
	entries    []audit.Entry
	gotLimit   int
	gotWindow  time.Duration
	redactions int
	err        error
}

func (f *fakeDecisionLog) Recent(_ context.Context, _ string, limit int) ([]audit.Entry, error) {
	f.gotLimit = limit
	return f.entries, f.err
}

func (f *fakeDecisionLog) CountRedactions(_ context.Context, _, _ string, window time.Duration) (int, error) {
	f.gotWindow = window
	return f.redactions, f.err
}

type offenseMap map[string]int

func (m offenseMap) Offenses(_ context.Context, roomID, userID string) (int, error) {
	return m[roomID+"|"+userID], nil
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestDecisions(t *testing.T) {
	score := 9.0
	log := &fakeDecisionLog{entries: []audit.Entry{{ID: "a", RoomID: "!r", Action: "redact", Score: &score}}}
	s := New(":0", nil, nil, WithDecisionLog(log))

	rec := get(t, s, "/decisions?room=!r&limit=10000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp decisionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Decisions) != 1 || resp.Decisions[0].Action != "redact" {
		t.Errorf("decisions = %+v", resp.Decisions)
	}
	if log.gotLimit != maxDecisionLimit {
		t.Errorf("limit = %d, want capped at %d", log.gotLimit, maxDecisionLimit)
	}

	for _, target := range []string{"/decisions", "/decisions?room=!r&limit=-1"} {
		if rec := get(t, s, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	log.err = errors.New("db down")
	if rec := get(t, s, "/decisions?room=!r"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status on store error = %d, want 500", rec.Code)
	}
}

func TestDecisions_NotServedWithoutLog(t *testing.T) {
	s := New(":0", nil, nil)
	if rec := get(t, s, "/decisions?room=!r"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestOffenders(t *testing.T) {
	offenses := offenseMap{"!r|@u": 3}

	s := New(":0", nil, nil, WithOffenses(offenses))
	rec := get(t, s, "/offenders?room=!r&user=@u")
	var resp offenderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Offenses != 3 || resp.Redactions != nil {
		t.Errorf("response without audit log = %+v", resp)
	}

	log := &fakeDecisionLog{redactions: 5}
	s = New(":0", nil, nil, WithOffenses(offenses), WithDecisionLog(log))
	rec = get(t, s, "/offenders?room=!r&user=@u&window=1h")
	resp = offenderResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Redactions == nil || *resp.Redactions != 5 || log.gotWindow != time.Hour {
		t.Errorf("response = %+v, window %s", resp, log.gotWindow)
	}

	if rec := get(t, s, "/offenders?room=!r"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user: status = %d, want 400", rec.Code)
	}
	if rec := get(t, s, "/offenders?room=!r&user=@u&window=soon"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad window: status = %d, want 400", rec.Code)
	}
}

func TestBudget(t *testing.T) {
	remaining := map[string]int{"!limited": 4, "!open": -1}
	s := New(":0", nil, nil, WithBudget(func(_ context.Context, room string) (int, error) {
		return remaining[room], nil
	}))

	var resp budgetResponse
	rec := get(t, s, "/budget?room=!limited")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Limited || resp.Remaining == nil || *resp.Remaining != 4 {
		t.Errorf("limited room = %+v", resp)
	}

	resp = budgetResponse{}
	rec = get(t, s, "/budget?room=!open")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Limited || resp.Remaining != nil {
		t.Errorf("unlimited room = %+v", resp)
	}
}
