// Package matrix connects the moderation pipeline to a Matrix homeserver
// through mautrix-go. Host implements moderation.Host; Bot runs the sync
// loop and feeds events to the pipeline through a bounded worker pool.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/whisper/aimodbot/internal/moderation"
)

// powerLevelTTL bounds how stale cached power levels may be. Power level
// changes seen in sync invalidate the cache earlier.
const powerLevelTTL = 30 * time.Second

// api is the part of *mautrix.Client the host uses.
type api interface {
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, outContent interface{}) error
	DownloadBytes(ctx context.Context, mxcURL id.ContentURI) ([]byte, error)
}

type cachedLevels struct {
	levels  *event.PowerLevelsEventContent
	fetched time.Time
}

// Host implements moderation.Host over the Matrix client-server API.
type Host struct {
	api   api
	botID id.UserID
	now   func() time.Time

	mu    sync.Mutex
	cache map[id.RoomID]cachedLevels
}

// NewHost returns a Host acting as botID.
func NewHost(client api, botID id.UserID) *Host {
	return &Host{
		api:   client,
		botID: botID,
		now:   time.Now,
		cache: make(map[id.RoomID]cachedLevels),
	}
}

func (h *Host) powerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	h.mu.Lock()
	c, ok := h.cache[roomID]
	h.mu.Unlock()
	if ok && h.now().Sub(c.fetched) < powerLevelTTL {
		return c.levels, nil
	}

	var pl event.PowerLevelsEventContent
	if err := h.api.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return nil, fmt.Errorf("matrix: power levels for %s: %w", roomID, err)
	}

	h.mu.Lock()
	h.cache[roomID] = cachedLevels{levels: &pl, fetched: h.now()}
	h.mu.Unlock()
	return &pl, nil
}

// InvalidatePowerLevels drops cached power levels for roomID.
func (h *Host) InvalidatePowerLevels(roomID id.RoomID) {
	h.mu.Lock()
	delete(h.cache, roomID)
	h.mu.Unlock()
}

// PowerLevel returns userID's power level in roomID.
func (h *Host) PowerLevel(ctx context.Context, roomID, userID string) (int, error) {
	pl, err := h.powerLevels(ctx, id.RoomID(roomID))
	if err != nil {
		return 0, err
	}
	return pl.GetUserLevel(id.UserID(userID)), nil
}

// RedactEvent redacts eventID after checking that the bot's power level is
// at least the room's redact level.
func (h *Host) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	room := id.RoomID(roomID)
	pl, err := h.powerLevels(ctx, room)
	if err != nil {
		return err
	}
	if have, need := pl.GetUserLevel(h.botID), pl.Redact(); have < need {
		return &moderation.ActionPermissionError{
			Action:        "redact",
			RoomID:        roomID,
			EventID:       eventID,
			RequiredLevel: need,
			BotLevel:      have,
			Err:           moderation.ErrForbidden,
		}
	}

	_, err = h.api.RedactEvent(ctx, room, id.EventID(eventID), mautrix.ReqRedact{Reason: reason})
	return mapError(err)
}

// SendNotice posts an m.notice with an HTML body, as a reply to replyTo
// when it is set.
func (h *Host) SendNotice(ctx context.Context, roomID, html, replyTo string) error {
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          strings.TrimSpace(format.HTMLToText(html)),
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}
	_, err := h.api.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	return mapError(err)
}

// DownloadMedia fetches an mxc:// URI.
func (h *Host) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	uri, err := id.ParseContentURI(url)
	if err != nil {
		return nil, fmt.Errorf("matrix: parse media url: %w", err)
	}
	data, err := h.api.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("matrix: download %s: %w", url, err)
	}
	return data, nil
}

// mapError translates Matrix error codes into moderation errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mautrix.MForbidden):
		return fmt.Errorf("%w: %v", moderation.ErrForbidden, err)
	case errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("%w: %v", moderation.ErrAlreadyRedacted, err)
	default:
		return err
	}
}
