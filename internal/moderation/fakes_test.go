package moderation

import (
	"context"
	"errors"
	"sync"

	"github.com/whisper/aimodbot/internal/config"
)

type redaction struct {
	room, event, reason string
}

type fakeHost struct {
	mu         sync.Mutex
	redactions []redaction
	notices    []string
	replies    []string
	downloads  int
	redactErr  error
	noticeErr  error
	media      []byte
	mediaErr   error
}

func (h *fakeHost) RedactEvent(_ context.Context, roomID, eventID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.redactErr != nil {
		return h.redactErr
	}
	h.redactions = append(h.redactions, redaction{roomID, eventID, reason})
	return nil
}

func (h *fakeHost) SendNotice(_ context.Context, _ string, html, replyTo string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noticeErr != nil {
		return h.noticeErr
	}
	h.notices = append(h.notices, html)
	h.replies = append(h.replies, replyTo)
	return nil
}

func (h *fakeHost) PowerLevel(context.Context, string, string) (int, error) { return 0, nil }

func (h *fakeHost) DownloadMedia(context.Context, string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downloads++
	return h.media, h.mediaErr
}

type fakeClassifier struct {
	mu      sync.Mutex
	calls   int
	last    Content
	verdict Verdict
	err     error
}

func (c *fakeClassifier) Classify(_ context.Context, _ *config.FilterConfig, content Content) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = content
	return c.verdict, c.err
}

// memLedger mirrors ledger.Memory without importing it.
type memLedger struct {
	mu       sync.Mutex
	redacted map[string]bool
	welcomed map[string]bool
	offenses map[string]int
	err      error
}

func newMemLedger() *memLedger {
	return &memLedger{redacted: map[string]bool{}, welcomed: map[string]bool{}, offenses: map[string]int{}}
}

func (l *memLedger) IsRedacted(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redacted[id], l.err
}

func (l *memLedger) MarkRedacted(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redacted[id] = true
	return l.err
}

func (l *memLedger) ClaimWelcome(_ context.Context, room, user string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	k := room + "|" + user
	if l.welcomed[k] {
		return false, nil
	}
	l.welcomed[k] = true
	return true, nil
}

func (l *memLedger) ReleaseWelcome(_ context.Context, room, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.welcomed, room+"|"+user)
	return nil
}

type sinkFunc func(context.Context, Outcome) error

func (f sinkFunc) Record(ctx context.Context, o Outcome) error { return f(ctx, o) }

type fixedBudget bool

func (b fixedBudget) Allow(context.Context, string, config.BudgetConfig) bool { return bool(b) }

var errBoom = errors.New("boom")

func testFilter() *config.FilterConfig {
	return &config.FilterConfig{
		Admins:           map[string]struct{}{"@admin:example.org": {}},
		UncensorPL:       50,
		AIEnabled:        true,
		AIModThreshold:   7,
		APIEndpoint:      "https://llm.example.org/v1/chat/completions",
		APIModel:         "m",
		AllowedMsgtypes:  map[string]struct{}{"m.text": {}, "m.image": {}},
		AllowedMimetypes: map[string]struct{}{"image/png": {}, "image/jpeg": {}},
	}
}

func textEvent(body string) *IncomingEvent {
	return &IncomingEvent{
		EventID: "$evt",
		RoomID:  "!room:example.org",
		MsgType: "m.text",
		Kind:    KindText,
		Body:    body,
		Sender:  Subject{UserID: "@user:example.org"},
	}
}

func imageEvent(mime string) *IncomingEvent {
	return &IncomingEvent{
		EventID: "$img",
		RoomID:  "!room:example.org",
		MsgType: "m.image",
		Kind:    KindImage,
		Media:   &Media{URL: "mxc://example.org/abc", MimeType: mime},
		Sender:  Subject{UserID: "@user:example.org"},
	}
}

func (l *memLedger) RecordOffense(_ context.Context, room, user string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offenses[room+"|"+user]++
	return l.offenses[room+"|"+user], nil
}
