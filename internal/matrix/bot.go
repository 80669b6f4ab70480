package matrix

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/whisper/aimodbot/internal/config"
	"github.com/whisper/aimodbot/internal/metrics"
	"github.com/whisper/aimodbot/internal/moderation"
)

// Policy supplies the current moderation policy. config.Store implements it.
type Policy interface {
	Filter() *config.FilterConfig
}

// BotConfig holds worker pool settings.
type BotConfig struct {
	Workers      int           // max events processed concurrently
	EventTimeout time.Duration // deadline for one event, classifier retries included
}

// Bot dispatches sync events to the pipeline.
type Bot struct {
	client   *mautrix.Client
	host     *Host
	pipeline *moderation.Pipeline
	policy   Policy
	config   BotConfig
	log      *zap.Logger

	workerPool chan struct{} // semaphore limiting concurrent event workers
	wg         sync.WaitGroup
}

// NewClient creates a mautrix client for the configured bot account.
func NewClient(cfg config.BotConfig) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: new client: %w", err)
	}
	return cli, nil
}

// NewBot wires a Bot. host must wrap client.
func NewBot(client *mautrix.Client, host *Host, pipeline *moderation.Pipeline, policy Policy, cfg BotConfig, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Bot{
		client:     client,
		host:       host,
		pipeline:   pipeline,
		policy:     policy,
		config:     cfg,
		log:        log.Named("matrix"),
		workerPool: make(chan struct{}, cfg.Workers),
	}
}

// Run syncs until ctx is cancelled, then waits for in-flight events.
func (b *Bot) Run(ctx context.Context) error {
	syncer, ok := b.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return fmt.Errorf("matrix: syncer %T does not accept handlers", b.client.Syncer)
	}
	syncer.OnSync(b.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.onMessage)
	syncer.OnEventType(event.EventSticker, b.onMessage)
	syncer.OnEventType(event.StateMember, b.onMember)
	syncer.OnEventType(event.StatePowerLevels, func(_ context.Context, evt *event.Event) {
		b.host.InvalidatePowerLevels(evt.RoomID)
	})

	b.log.Info("sync starting", zap.Stringer("user_id", b.client.UserID), zap.Int("workers", b.config.Workers))
	err := b.client.SyncWithContext(ctx)
	b.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("matrix: sync: %w", err)
}

// dispatch runs fn on a worker. It blocks while the pool is full so sync
// applies backpressure instead of queueing without bound.
func (b *Bot) dispatch(parent context.Context, name string, fn func(ctx context.Context)) {
	select {
	case b.workerPool <- struct{}{}:
	case <-parent.Done():
		return
	}

	b.wg.Add(1)
	metrics.EventsInFlight.Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("event handler panicked",
					zap.String("handler", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
			metrics.EventsInFlight.Dec()
			<-b.workerPool
			b.wg.Done()
		}()

		// Detach from the sync context so shutdown lets running events finish.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.config.EventTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (b *Bot) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.client.UserID {
		return
	}
	b.dispatch(ctx, "message", func(ctx context.Context) {
		cfg := b.policy.Filter()
		sender := b.subject(ctx, cfg, evt.RoomID, evt.Sender)
		in := toIncoming(evt, sender)
		if in == nil {
			return
		}
		out := b.pipeline.HandleMessage(ctx, cfg, in)
		b.log.Debug("message moderated",
			zap.String("event_id", out.EventID),
			zap.String("decision_id", out.ID),
			zap.Stringer("decision", out.Decision),
			zap.String("classification", string(out.Classification)),
			zap.Duration("took", out.Duration),
		)
	})
}

func (b *Bot) onMember(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil || id.UserID(*evt.StateKey) == b.client.UserID || !isNewJoin(evt) {
		return
	}
	user := *evt.StateKey
	b.dispatch(ctx, "join", func(ctx context.Context) {
		sent, err := b.pipeline.HandleJoin(ctx, b.policy.Filter(), evt.RoomID.String(), user)
		if err != nil {
			b.log.Warn("join notice failed", zap.String("room_id", evt.RoomID.String()), zap.Error(err))
			return
		}
		if sent {
			metrics.JoinNoticesTotal.Inc()
		}
	})
}

// subject builds the sender's moderation subject. If power levels cannot
// be read the sender is treated as level 0, which subjects them to
// moderation rather than exempting them.
func (b *Bot) subject(ctx context.Context, cfg *config.FilterConfig, roomID id.RoomID, sender id.UserID) moderation.Subject {
	s := moderation.Subject{
		UserID:  sender.String(),
		IsAdmin: cfg.IsAdmin(sender.String()),
	}
	if s.IsAdmin {
		return s
	}
	level, err := b.host.PowerLevel(ctx, roomID.String(), sender.String())
	if err != nil {
		b.log.Warn("power level lookup failed", zap.String("room_id", roomID.String()), zap.Error(err))
		return s
	}
	s.PowerLevel = level
	return s
}
