package moderation

import (
	"fmt"

	"github.com/whisper/aimodbot/internal/config"
)

// FormResult is the outcome of the structural message check.
type FormResult struct {
	Violation bool
	Reason    string
}

// CheckForm applies the msgtype and MIME allow-lists. It never performs I/O
// and returns an allowed result when enable_msgtype_filter is off.
func CheckForm(evt *IncomingEvent, cfg *config.FilterConfig) FormResult {
	if !cfg.EnableMsgtypeFilter {
		return FormResult{}
	}
	if !cfg.MsgtypeAllowed(evt.MsgType) {
		return FormResult{
			Violation: true,
			Reason:    fmt.Sprintf("Disallowed message type: %s", evt.MsgType),
		}
	}
	// An image without a declared MIME type cannot match the allow-list.
	if evt.Kind == KindImage && !cfg.MimetypeAllowed(evt.MimeType()) {
		return FormResult{
			Violation: true,
			Reason:    fmt.Sprintf("Disallowed message type: %s (%s)", evt.MsgType, evt.MimeType()),
		}
	}
	return FormResult{}
}
