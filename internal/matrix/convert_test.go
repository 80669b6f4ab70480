package matrix

import (
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/whisper/aimodbot/internal/moderation"
)

func messageEvent(content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:    event.EventMessage,
		ID:      "$evt",
		RoomID:  "!room:example.org",
		Sender:  "@u:example.org",
		Content: event.Content{Parsed: content},
	}
}

func TestToIncoming_Text(t *testing.T) {
	sender := moderation.Subject{UserID: "@u:example.org", PowerLevel: 10}
	in := toIncoming(messageEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}), sender)

	if in == nil {
		t.Fatal("toIncoming() = nil")
	}
	if in.Kind != moderation.KindText || in.MsgType != "m.text" || in.Body != "hello" {
		t.Errorf("toIncoming() = %+v", in)
	}
	if in.Media != nil {
		t.Error("text message should carry no media")
	}
	if in.Sender != sender || in.EventID != "$evt" || in.RoomID != "!room:example.org" {
		t.Errorf("identity fields = %+v", in)
	}
}

func TestToIncoming_Image(t *testing.T) {
	in := toIncoming(messageEvent(&event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "cat.png",
		URL:     "mxc://example.org/abc",
		Info:    &event.FileInfo{MimeType: "image/png"},
	}), moderation.Subject{})

	if in.Kind != moderation.KindImage {
		t.Fatalf("Kind = %s, want image", in.Kind)
	}
	if in.Media == nil || in.Media.URL != "mxc://example.org/abc" || in.Media.MimeType != "image/png" {
		t.Errorf("Media = %+v", in.Media)
	}
}

func TestToIncoming_ImageWithoutInfo(t *testing.T) {
	in := toIncoming(messageEvent(&event.MessageEventContent{MsgType: event.MsgImage, URL: "mxc://example.org/abc"}), moderation.Subject{})
	if in.MimeType() != "" {
		t.Errorf("MimeType() = %q, want empty", in.MimeType())
	}
}

func TestToIncoming_Edit(t *testing.T) {
	in := toIncoming(messageEvent(&event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* fixed",
		NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"},
	}), moderation.Subject{})
	if in.Body != "fixed" {
		t.Errorf("Body = %q, want replacement text", in.Body)
	}
}

func TestToIncoming_Sticker(t *testing.T) {
	evt := messageEvent(&event.MessageEventContent{Body: "wave", URL: "mxc://example.org/s"})
	evt.Type = event.EventSticker
	in := toIncoming(evt, moderation.Subject{})
	if in == nil || in.MsgType != "m.sticker" || in.Kind != moderation.KindImage {
		t.Errorf("toIncoming(sticker) = %+v", in)
	}
}

func TestToIncoming_NotAMessage(t *testing.T) {
	evt := &event.Event{Type: event.EventMessage, Content: event.Content{}}
	if in := toIncoming(evt, moderation.Subject{}); in != nil {
		t.Errorf("toIncoming(empty) = %+v, want nil", in)
	}
}

func TestIsNewJoin(t *testing.T) {
	member := func(m event.Membership) event.Content {
		return event.Content{Parsed: &event.MemberEventContent{Membership: m}}
	}
	key := "@u:example.org"

	join := &event.Event{Type: event.StateMember, StateKey: &key, Content: member(event.MembershipJoin)}
	if !isNewJoin(join) {
		t.Error("plain join should count")
	}

	profile := &event.Event{Type: event.StateMember, StateKey: &key, Content: member(event.MembershipJoin)}
	profile.Unsigned.PrevContent = &event.Content{Raw: map[string]interface{}{"membership": "join"}}
	if isNewJoin(profile) {
		t.Error("displayname change should not count as a join")
	}

	leave := &event.Event{Type: event.StateMember, StateKey: &key, Content: member(event.MembershipLeave)}
	if isNewJoin(leave) {
		t.Error("leave should not count")
	}
}
