package moderation

import (
	"context"
	"time"

	"github.com/whisper/aimodbot/internal/config"
)

// Kind is the coarse content class of a message, derived from its msgtype.
type Kind int

const (
	KindOther Kind = iota
	KindText
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return "other"
	}
}

// MsgTypeSticker stands in for the msgtype stickers lack, so they can be
// listed in allowed_msgtypes.
const MsgTypeSticker = "m.sticker"

// KindOf maps a Matrix msgtype to its Kind. Stickers are images.
func KindOf(msgtype string) Kind {
	switch msgtype {
	case "m.text", "m.notice", "m.emote":
		return KindText
	case "m.image", MsgTypeSticker:
		return KindImage
	default:
		return KindOther
	}
}

// Subject is the originator of an event as seen from the room.
type Subject struct {
	UserID     string
	PowerLevel int // 0 when the room has no power-level data for the user
	IsAdmin    bool
}

// Media describes an attachment. Data is fetched lazily through the host so
// that events rejected before classification never download anything.
type Media struct {
	URL      string
	MimeType string
	Data     []byte
}

// IncomingEvent is one room message under moderation. It is built by the
// host adapter and not modified while the pipeline runs.
type IncomingEvent struct {
	EventID string
	RoomID  string
	MsgType string
	Kind    Kind
	Body    string
	Media   *Media
	Sender  Subject
}

// MimeType returns the declared MIME type of the attachment, if any.
func (e *IncomingEvent) MimeType() string {
	if e.Media == nil {
		return ""
	}
	return e.Media.MimeType
}

// Verdict is the classifier's judgement of one piece of content.
type Verdict struct {
	Score      float64            `json:"score"`
	Rationale  string             `json:"rationale,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	Categories map[string]float64 `json:"categories,omitempty"`

	// Attempts is the number of classifier requests it took to obtain the
	// verdict.
	Attempts int `json:"-"`
}

// Violates reports whether the verdict meets the redaction threshold.
func (v Verdict) Violates(threshold float64) bool {
	return v.Score >= threshold
}

// Content is what the pipeline submits to a Classifier.
type Content struct {
	Text     string
	Image    []byte
	MimeType string
}

// Classifier scores content under the endpoint settings of cfg.
// Implementations return an error only when no usable verdict could be
// obtained.
type Classifier interface {
	Classify(ctx context.Context, cfg *config.FilterConfig, content Content) (Verdict, error)
}

// Host is the narrow capability surface of the chat framework.
type Host interface {
	RedactEvent(ctx context.Context, roomID, eventID, reason string) error
	// SendNotice posts an HTML notice. A non-empty replyTo threads it
	// under that event.
	SendNotice(ctx context.Context, roomID, html, replyTo string) error
	PowerLevel(ctx context.Context, roomID, userID string) (int, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

// ClassificationStatus records what happened at the classifier stage.
type ClassificationStatus string

const (
	ClassificationNotRun   ClassificationStatus = "not_run"
	ClassificationSkipped  ClassificationStatus = "skipped"
	ClassificationOK       ClassificationStatus = "ok"
	ClassificationFailed   ClassificationStatus = "failed"
	ClassificationBudget   ClassificationStatus = "budget_exhausted"
	ClassificationDisabled ClassificationStatus = "disabled"
)

// Outcome is the record of one pipeline pass, fanned out to the sinks.
type Outcome struct {
	ID             string
	EventID        string
	RoomID         string
	SenderID       string
	MsgType        string
	Exempt         bool
	Form           FormResult
	Classification ClassificationStatus
	Verdict        *Verdict
	Attempts       int
	Decision       Decision
	Execution      ExecutionResult
	Duration       time.Duration
	At             time.Time
}

// Sink receives every Outcome. Errors are logged by the pipeline and never
// affect moderation.
type Sink interface {
	Record(ctx context.Context, outcome Outcome) error
}

// DecisionRecord is the wire form of an Outcome published to other services.
type DecisionRecord struct {
	ID             string   `json:"id"`
	EventID        string   `json:"event_id"`
	RoomID         string   `json:"room_id"`
	SenderID       string   `json:"sender_id"`
	MsgType        string   `json:"msgtype"`
	Action         string   `json:"action"`
	Reason         string   `json:"reason,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Classification string   `json:"classification"`
	Attempts       int      `json:"attempts,omitempty"`
	Redacted       bool     `json:"redacted"`
	Offenses       int      `json:"offenses,omitempty"`
	Error          string   `json:"error,omitempty"`
	Ts             int64    `json:"ts"`
}

// Record converts the outcome to its wire form.
func (o Outcome) Record() DecisionRecord {
	rec := DecisionRecord{
		ID:             o.ID,
		EventID:        o.EventID,
		RoomID:         o.RoomID,
		SenderID:       o.SenderID,
		MsgType:        o.MsgType,
		Action:         o.Decision.Action.String(),
		Reason:         o.Decision.Reason,
		Score:          o.Decision.Score,
		Classification: string(o.Classification),
		Attempts:       o.Attempts,
		Redacted:       o.Execution.Redacted || o.Execution.AlreadyRedacted,
		Offenses:       o.Execution.Offenses,
		Ts:             o.At.Unix(),
	}
	if o.Execution.Err != nil {
		rec.Error = o.Execution.Err.Error()
	}
	return rec
}
