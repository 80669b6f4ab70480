package matrix

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/whisper/aimodbot/internal/config"
	"github.com/whisper/aimodbot/internal/ledger"
	"github.com/whisper/aimodbot/internal/moderation"
)

type scoreClassifier float64

func (s scoreClassifier) Classify(context.Context, *config.FilterConfig, moderation.Content) (moderation.Verdict, error) {
	return moderation.Verdict{Score: float64(s), Comment: "flagged", Attempts: 1}, nil
}

func testPolicy() *config.Store {
	return config.NewStaticStore(&config.Config{Filter: config.FilterConfig{
		UncensorPL:       50,
		AIEnabled:        true,
		AIModThreshold:   7,
		EnableJoinNotice: true,
		APIEndpoint:      "https://llm.example.org",
		AllowedMsgtypes:  map[string]struct{}{"m.text": {}},
	}})
}

func newTestBot(t *testing.T, api *fakeAPI, score float64, workers int) *Bot {
	t.Helper()
	cli, err := mautrix.NewClient("https://matrix.example.org", "@bot:example.org", "token")
	require.NoError(t, err)
	host := NewHost(api, "@bot:example.org")
	pipeline := moderation.NewPipeline(host, scoreClassifier(score),
		moderation.NewExecutor(host, ledger.NewMemory(), nil),
		moderation.WithBotUserID("@bot:example.org"))
	return NewBot(cli, host, pipeline, testPolicy(), BotConfig{Workers: workers, EventTimeout: time.Second}, nil)
}

func TestBot_OnMessageRedacts(t *testing.T) {
	api := &fakeAPI{levels: modLevels("@bot:example.org", 100)}
	b := newTestBot(t, api, 9, 2)

	b.onMessage(context.Background(), messageEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "spam"}))
	b.wg.Wait()

	require.Len(t, api.redacted, 1)
	assert.Equal(t, "flagged", api.redacted[0].Reason)
}

func TestBot_OnMessageSkipsModerators(t *testing.T) {
	api := &fakeAPI{levels: modLevels("@bot:example.org", 100)}
	api.levels.Users["@u:example.org"] = 75
	b := newTestBot(t, api, 9, 2)

	b.onMessage(context.Background(), messageEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "spam"}))
	b.wg.Wait()

	assert.Empty(t, api.redacted)
}

func TestBot_OnMessageIgnoresOwnEvents(t *testing.T) {
	api := &fakeAPI{levels: modLevels("@bot:example.org", 100)}
	b := newTestBot(t, api, 9, 2)

	evt := messageEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "notice"})
	evt.Sender = "@bot:example.org"
	b.onMessage(context.Background(), evt)
	b.wg.Wait()

	assert.Empty(t, api.redacted)
	assert.Zero(t, api.stateCalls)
}

func TestBot_OnMemberWelcomesOnce(t *testing.T) {
	api := &fakeAPI{levels: modLevels("@bot:example.org", 100)}
	b := newTestBot(t, api, 0, 2)
	key := "@new:example.org"
	join := &event.Event{
		Type:     event.StateMember,
		RoomID:   "!room:example.org",
		StateKey: &key,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}},
	}

	b.onMember(context.Background(), join)
	b.wg.Wait()
	b.onMember(context.Background(), join)
	b.wg.Wait()

	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0].FormattedBody, "https://llm.example.org")
}

func TestBot_DispatchBoundsConcurrency(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, 0, 2)
	var (
		running, peak, entered atomic.Int32
		release                = make(chan struct{})
		started                sync.WaitGroup
		dispatched             = make(chan struct{})
	)

	started.Add(2)
	go func() {
		defer close(dispatched)
		for i := 0; i < 5; i++ {
			b.dispatch(context.Background(), "test", func(context.Context) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if entered.Add(1) <= 2 {
					started.Done()
				}
				<-release
				running.Add(-1)
			})
		}
	}()

	started.Wait()
	close(release)
	<-dispatched
	b.wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 5, entered.Load())
}

func TestBot_DispatchRecoversPanics(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, 0, 1)

	b.dispatch(context.Background(), "test", func(context.Context) { panic("boom") })
	b.wg.Wait()

	done := make(chan struct{})
	b.dispatch(context.Background(), "test", func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker slot was not released after panic")
	}
	b.wg.Wait()
}

func TestBot_DispatchStopsWhenCancelled(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, 0, 1)
	block := make(chan struct{})
	defer close(block)

	b.dispatch(context.Background(), "test", func(context.Context) { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	b.dispatch(ctx, "test", func(context.Context) { ran = true })
	assert.False(t, ran)
}
