package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process ledger used when no Redis address is configured.
// Its state is lost on restart.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	redacted map[string]time.Time
	welcomed map[string]time.Time
	offenses map[string]offense
}

type offense struct {
	count   int
	expires time.Time
}

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		redacted: make(map[string]time.Time),
		welcomed: make(map[string]time.Time),
		offenses: make(map[string]offense),
	}
}

func live(m map[string]time.Time, key string, now time.Time) bool {
	exp, ok := m[key]
	if ok && now.After(exp) {
		delete(m, key)
		return false
	}
	return ok
}

func (m *Memory) IsRedacted(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return live(m.redacted, eventID, m.now()), nil
}

func (m *Memory) MarkRedacted(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redacted[eventID] = m.now().Add(RedactedTTL)
	return nil
}

func (m *Memory) ClaimWelcome(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memberKey("", roomID, userID)
	now := m.now()
	if live(m.welcomed, key, now) {
		return false, nil
	}
	m.welcomed[key] = now.Add(WelcomedTTL)
	return true, nil
}

func (m *Memory) ReleaseWelcome(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.welcomed, memberKey("", roomID, userID))
	return nil
}

func (m *Memory) RecordOffense(_ context.Context, roomID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memberKey("", roomID, userID)
	now := m.now()
	o := m.offenses[key]
	if o.count == 0 || now.After(o.expires) {
		o = offense{expires: now.Add(OffensesTTL)}
	}
	o.count++
	m.offenses[key] = o
	return o.count, nil
}

func (m *Memory) Offenses(_ context.Context, roomID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offenses[memberKey("", roomID, userID)]
	if !ok || m.now().After(o.expires) {
		return 0, nil
	}
	return o.count, nil
}
