package moderation

import "github.com/whisper/aimodbot/internal/config"

// IsExempt reports whether the subject bypasses moderation entirely.
// Admins are exempt, as is anyone whose power level is strictly above
// uncensor_pl.
func IsExempt(subject Subject, cfg *config.FilterConfig) bool {
	if subject.IsAdmin || cfg.IsAdmin(subject.UserID) {
		return true
	}
	return subject.PowerLevel > cfg.UncensorPL
}
