package moderation

import (
	"context"
	"errors"
	"fmt"
	"html"

	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/config"
)

// Ledger remembers side effects so they are applied at most once.
// Implementations live in the ledger package.
type Ledger interface {
	// IsRedacted reports whether eventID was redacted by this bot before.
	IsRedacted(ctx context.Context, eventID string) (bool, error)
	// MarkRedacted records a successful redaction.
	MarkRedacted(ctx context.Context, eventID string) error
	// ClaimWelcome atomically records that userID was welcomed to roomID and
	// reports whether this call was the first to do so.
	ClaimWelcome(ctx context.Context, roomID, userID string) (bool, error)
	// ReleaseWelcome undoes a claim whose notice could not be sent.
	ReleaseWelcome(ctx context.Context, roomID, userID string) error
	// RecordOffense counts a redaction against userID in roomID and
	// returns the count within the current window.
	RecordOffense(ctx context.Context, roomID, userID string) (int, error)
}

// ExecutionResult describes what the executor did for one decision.
type ExecutionResult struct {
	Redacted        bool
	AlreadyRedacted bool
	// Offenses is the sender's redaction count in the room after this one.
	Offenses int
	Err      error
}

// Executor performs moderation decisions against the host. Only the
// executor calls mutating Host methods.
type Executor struct {
	host   Host
	ledger Ledger
	log    *zap.Logger
}

// NewExecutor returns an Executor. A nil logger disables logging.
func NewExecutor(host Host, ledger Ledger, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{host: host, ledger: ledger, log: log.Named("executor")}
}

// Apply carries out d for evt. Allow is a no-op. Failures are returned in
// the result rather than as an error so the caller can still record the
// decision.
func (x *Executor) Apply(ctx context.Context, d Decision, evt *IncomingEvent) ExecutionResult {
	if !d.Action.Redacts() {
		return ExecutionResult{}
	}

	done, err := x.ledger.IsRedacted(ctx, evt.EventID)
	if err != nil {
		// Redact anyway; a duplicate redaction is answered as not found.
		x.log.Warn("ledger lookup failed", zap.String("event_id", evt.EventID), zap.Error(err))
	}
	if done {
		return ExecutionResult{AlreadyRedacted: true}
	}

	err = x.host.RedactEvent(ctx, evt.RoomID, evt.EventID, d.Reason)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRedacted):
		x.mark(ctx, evt.EventID)
		return ExecutionResult{AlreadyRedacted: true}
	case errors.Is(err, ErrForbidden):
		perr := permissionError("redact", evt.RoomID, evt.EventID, err)
		if d.Action == ActionRedact {
			x.explain(ctx, evt, d, perr)
		}
		return ExecutionResult{Err: perr}
	default:
		return ExecutionResult{Err: fmt.Errorf("moderation: redact %s: %w", evt.EventID, err)}
	}

	x.mark(ctx, evt.EventID)
	offenses, err := x.ledger.RecordOffense(ctx, evt.RoomID, evt.Sender.UserID)
	if err != nil {
		x.log.Warn("offense count failed", zap.String("sender", evt.Sender.UserID), zap.Error(err))
	}
	x.log.Info("redacted",
		zap.String("room_id", evt.RoomID),
		zap.String("event_id", evt.EventID),
		zap.String("sender", evt.Sender.UserID),
		zap.String("reason", d.Reason),
		zap.Int("offenses", offenses),
	)
	return ExecutionResult{Redacted: true, Offenses: offenses}
}

// explain tells the room that a flagged message stayed up for lack of
// permission. Form violations are only logged.
func (x *Executor) explain(ctx context.Context, evt *IncomingEvent, d Decision, perr *ActionPermissionError) {
	msg := fmt.Sprintf("I would have redacted this message (%s), but I lack permission to do so.", html.EscapeString(d.Reason))
	if perr.RequiredLevel > 0 {
		msg = fmt.Sprintf("I would have redacted this message (%s), but I need a power level of %d or higher to do so (currently %d).",
			html.EscapeString(d.Reason), perr.RequiredLevel, perr.BotLevel)
	}
	if err := x.host.SendNotice(ctx, evt.RoomID, msg, evt.EventID); err != nil {
		x.log.Warn("permission notice failed", zap.String("room_id", evt.RoomID), zap.Error(err))
	}
}

func (x *Executor) mark(ctx context.Context, eventID string) {
	if err := x.ledger.MarkRedacted(ctx, eventID); err != nil {
		x.log.Warn("ledger mark failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// Welcome sends the join notice to roomID the first time userID joins it.
// It reports whether a notice was sent.
func (x *Executor) Welcome(ctx context.Context, cfg *config.FilterConfig, roomID, userID string) (bool, error) {
	if !cfg.EnableJoinNotice {
		return false, nil
	}
	first, err := x.ledger.ClaimWelcome(ctx, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("moderation: claim welcome: %w", err)
	}
	if !first {
		return false, nil
	}
	if err := x.host.SendNotice(ctx, roomID, NoticeText(cfg), ""); err != nil {
		if rerr := x.ledger.ReleaseWelcome(ctx, roomID, userID); rerr != nil {
			x.log.Warn("release welcome failed", zap.String("room_id", roomID), zap.Error(rerr))
		}
		if errors.Is(err, ErrForbidden) {
			return false, permissionError("notice", roomID, "", err)
		}
		return false, fmt.Errorf("moderation: send notice: %w", err)
	}
	return true, nil
}
