package moderation

import (
	"fmt"
	"strconv"

	"github.com/whisper/aimodbot/internal/config"
)

// Action is what the executor should do with a message.
type Action int

const (
	ActionAllow Action = iota
	ActionRedact
	ActionRedactFormViolation
)

func (a Action) String() string {
	switch a {
	case ActionRedact:
		return "redact"
	case ActionRedactFormViolation:
		return "redact_form_violation"
	default:
		return "allow"
	}
}

// Redacts reports whether the action removes the message.
func (a Action) Redacts() bool {
	return a == ActionRedact || a == ActionRedactFormViolation
}

// Decision is the final verdict for one message.
type Decision struct {
	Action Action
	Reason string
	Score  *float64
}

// Decide combines the stage results. The order is fixed: exemption wins
// over everything, a form violation wins over classification, and a missing
// verdict allows the message.
func Decide(cfg *config.FilterConfig, exempt bool, form FormResult, verdict *Verdict) Decision {
	if exempt {
		return Decision{Action: ActionAllow}
	}
	if form.Violation {
		return Decision{Action: ActionRedactFormViolation, Reason: form.Reason}
	}
	if verdict == nil {
		return Decision{Action: ActionAllow}
	}
	score := verdict.Score
	if !cfg.AIEnabled || !verdict.Violates(cfg.AIModThreshold) {
		return Decision{Action: ActionAllow, Score: &score}
	}
	reason := verdict.Comment
	if reason == "" {
		reason = "AI-flagged content (score " + strconv.FormatFloat(score, 'g', -1, 64) + ")"
	}
	return Decision{Action: ActionRedact, Reason: reason, Score: &score}
}

func (d Decision) String() string {
	if d.Score == nil {
		return fmt.Sprintf("%s %q", d.Action, d.Reason)
	}
	return fmt.Sprintf("%s %q score=%g", d.Action, d.Reason, *d.Score)
}
