package moderation

import (
	"fmt"
	"html"

	"github.com/whisper/aimodbot/internal/config"
)

const defaultNotice = "<em>IMPORTANT: this room is under moderation by machine-learning. " +
	"All messages may be sent for analysis to %s. " +
	"This conversation is not as private as you may think!</em>"

// NoticeText returns the HTML join notice for cfg. custom_notice_text is
// used verbatim when set.
func NoticeText(cfg *config.FilterConfig) string {
	if cfg.CustomNoticeText != "" {
		return cfg.CustomNoticeText
	}
	return fmt.Sprintf(defaultNotice, html.EscapeString(cfg.APIEndpoint))
}
