package matrix

import (
	"maunium.net/go/mautrix/event"

	"github.com/whisper/aimodbot/internal/moderation"
)

// toIncoming converts a room message. It returns nil for events that are
// not messages, such as edits with no content.
func toIncoming(evt *event.Event, sender moderation.Subject) *moderation.IncomingEvent {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return nil
	}
	msgtype := string(msg.MsgType)
	if evt.Type == event.EventSticker {
		msgtype = moderation.MsgTypeSticker
	}
	if msgtype == "" {
		return nil
	}

	in := &moderation.IncomingEvent{
		EventID: evt.ID.String(),
		RoomID:  evt.RoomID.String(),
		MsgType: msgtype,
		Kind:    moderation.KindOf(msgtype),
		Body:    msg.Body,
		Sender:  sender,
	}

	// Edits carry the replacement text in m.new_content.
	if msg.NewContent != nil && msg.NewContent.Body != "" {
		in.Body = msg.NewContent.Body
	}

	url := string(msg.URL)
	if url != "" || in.Kind == moderation.KindImage {
		in.Media = &moderation.Media{URL: url}
		if msg.Info != nil {
			in.Media.MimeType = msg.Info.MimeType
		}
	}
	return in
}

// isNewJoin reports whether a member event is a join rather than a profile
// change of an existing member.
func isNewJoin(evt *event.Event) bool {
	mem := evt.Content.AsMember()
	if mem == nil || mem.Membership != event.MembershipJoin {
		return false
	}
	if prev := evt.Unsigned.PrevContent; prev != nil {
		if m, ok := prev.Raw["membership"].(string); ok && m == string(event.MembershipJoin) {
			return false
		}
	}
	return true
}
