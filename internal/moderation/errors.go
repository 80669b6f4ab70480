package moderation

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRedacted is returned by a Host when the target event is
	// gone or was redacted before.
	ErrAlreadyRedacted = errors.New("moderation: event already redacted")

	// ErrForbidden is returned by a Host when the bot lacks the power level
	// for an action.
	ErrForbidden = errors.New("moderation: insufficient permission")
)

// ActionPermissionError reports that the bot is not allowed to perform an
// action in a room. It is not fatal. RequiredLevel and BotLevel are set
// when the host knows them.
type ActionPermissionError struct {
	Action        string
	RoomID        string
	EventID       string
	RequiredLevel int
	BotLevel      int
	Err           error
}

func (e *ActionPermissionError) Error() string {
	if e.RequiredLevel > 0 {
		return fmt.Sprintf("moderation: %s %s in %s: need power level %d, have %d",
			e.Action, e.EventID, e.RoomID, e.RequiredLevel, e.BotLevel)
	}
	return fmt.Sprintf("moderation: %s %s in %s: %v", e.Action, e.EventID, e.RoomID, e.Err)
}

func (e *ActionPermissionError) Unwrap() error {
	if e.Err == nil {
		return ErrForbidden
	}
	return e.Err
}

func permissionError(action, roomID, eventID string, err error) *ActionPermissionError {
	var perr *ActionPermissionError
	if errors.As(err, &perr) {
		return perr
	}
	return &ActionPermissionError{Action: action, RoomID: roomID, EventID: eventID, Err: err}
}
