package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/config"
)

// Budget caps classifier calls per room. Allow must fail open.
type Budget interface {
	Allow(ctx context.Context, roomID string, b config.BudgetConfig) bool
}

// attemptCounter is implemented by classifier errors that know how many
// requests were made.
type attemptCounter interface {
	AttemptCount() int
}

// Pipeline runs every stage for one event and reports the outcome to its
// sinks. It is safe for concurrent use.
type Pipeline struct {
	classifier Classifier
	executor   *Executor
	host       Host
	budget     Budget
	sinks      []Sink
	botUserID  string
	log        *zap.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBudget limits classifier calls per room.
func WithBudget(b Budget) Option { return func(p *Pipeline) { p.budget = b } }

// WithSinks adds outcome sinks.
func WithSinks(s ...Sink) Option { return func(p *Pipeline) { p.sinks = append(p.sinks, s...) } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithBotUserID exempts the bot's own messages.
func WithBotUserID(id string) Option { return func(p *Pipeline) { p.botUserID = id } }

// NewPipeline wires a pipeline. classifier may be nil, in which case no
// message is ever classified.
func NewPipeline(host Host, classifier Classifier, executor *Executor, opts ...Option) *Pipeline {
	p := &Pipeline{
		classifier: classifier,
		executor:   executor,
		host:       host,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pipeline")
	return p
}

// HandleMessage moderates one message under cfg. cfg is a snapshot and is
// not retained.
func (p *Pipeline) HandleMessage(ctx context.Context, cfg *config.FilterConfig, evt *IncomingEvent) Outcome {
	start := p.now()
	out := Outcome{
		ID:             uuid.NewString(),
		EventID:        evt.EventID,
		RoomID:         evt.RoomID,
		SenderID:       evt.Sender.UserID,
		MsgType:        evt.MsgType,
		Classification: ClassificationNotRun,
		At:             start,
	}

	out.Exempt = (p.botUserID != "" && evt.Sender.UserID == p.botUserID) || IsExempt(evt.Sender, cfg)
	if !out.Exempt {
		out.Form = CheckForm(evt, cfg)
		if !out.Form.Violation {
			out.Verdict, out.Classification, out.Attempts = p.classify(ctx, cfg, evt)
		}
	}

	out.Decision = Decide(cfg, out.Exempt, out.Form, out.Verdict)
	out.Execution = p.executor.Apply(ctx, out.Decision, evt)
	if out.Execution.Err != nil {
		p.log.Warn("action failed",
			zap.String("event_id", evt.EventID),
			zap.String("room_id", evt.RoomID),
			zap.Stringer("decision", out.Decision),
			zap.Error(out.Execution.Err),
		)
	}
	out.Duration = p.now().Sub(start)

	p.record(context.WithoutCancel(ctx), out)
	return out
}

// classify returns a nil verdict whenever the message must not be blocked
// on classifier grounds.
func (p *Pipeline) classify(ctx context.Context, cfg *config.FilterConfig, evt *IncomingEvent) (*Verdict, ClassificationStatus, int) {
	if !cfg.AIEnabled || p.classifier == nil {
		return nil, ClassificationDisabled, 0
	}

	var content Content
	switch evt.Kind {
	case KindText:
		if evt.Body == "" {
			return nil, ClassificationSkipped, 0
		}
		content.Text = evt.Body
	case KindImage:
		if !cfg.ModerateFiles || evt.Media == nil || evt.Media.URL == "" {
			return nil, ClassificationSkipped, 0
		}
		content.MimeType = evt.Media.MimeType
	default:
		return nil, ClassificationSkipped, 0
	}

	if p.budget != nil && cfg.Budget.Limit > 0 && !p.budget.Allow(ctx, evt.RoomID, cfg.Budget) {
		p.log.Info("classifier budget exhausted", zap.String("room_id", evt.RoomID))
		return nil, ClassificationBudget, 0
	}

	if evt.Kind == KindImage {
		data := evt.Media.Data
		if data == nil {
			var err error
			data, err = p.host.DownloadMedia(ctx, evt.Media.URL)
			if err != nil {
				p.log.Warn("media download failed", zap.String("event_id", evt.EventID), zap.Error(err))
				return nil, ClassificationFailed, 0
			}
		}
		content.Image = data
	}

	v, err := p.classifier.Classify(ctx, cfg, content)
	if err != nil {
		attempts := 0
		var ac attemptCounter
		if errors.As(err, &ac) {
			attempts = ac.AttemptCount()
		}
		p.log.Warn("classification failed; allowing message",
			zap.String("event_id", evt.EventID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, ClassificationFailed, attempts
	}
	return &v, ClassificationOK, v.Attempts
}

// HandleJoin sends the join notice when userID joins roomID for the first
// time. It reports whether a notice was sent.
func (p *Pipeline) HandleJoin(ctx context.Context, cfg *config.FilterConfig, roomID, userID string) (bool, error) {
	if userID == p.botUserID {
		return false, nil
	}
	sent, err := p.executor.Welcome(ctx, cfg, roomID, userID)
	if err != nil {
		return false, err
	}
	if sent {
		p.log.Info("join notice sent", zap.String("room_id", roomID), zap.String("user_id", userID))
	}
	return sent, nil
}

func (p *Pipeline) record(ctx context.Context, out Outcome) {
	for _, s := range p.sinks {
		if err := s.Record(ctx, out); err != nil {
			p.log.Warn("sink failed", zap.String("decision_id", out.ID), zap.Error(err))
		}
	}
}
