package whatsapp

import (
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// EventKind tells which transport notification produced an Envelope.
type EventKind int

const (
	// EventNew is a regular "new message" notification.
	EventNew EventKind = iota
	// EventStub is a notification that carries metadata only; the content is
	// expected to arrive later as an EventUpdate with the same message ID.
	EventStub
	// EventUpdate delivers content for a message seen earlier.
	EventUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventStub:
		return "stub"
	case EventUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Key identifies a message inside a conversation.
type Key struct {
	ID          string
	RemoteJID   string // conversation: user JID for direct chats, group JID for groups
	Participant string // sender inside a group, empty for direct chats
	FromMe      bool
}

// Envelope is a transport-neutral inbound message event.
type Envelope struct {
	Kind      EventKind
	Key       Key
	Message   *waE2E.Message
	ViewOnce  bool // the transport flagged the message as view-once
	PushName  string
	Timestamp time.Time
}

// Text returns the textual body: plain text, extended text, or a media caption.
func (e Envelope) Text() string {
	m, _ := Unwrap(e.Message)
	if m == nil {
		return ""
	}
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	}
	return ""
}

// QuotedID returns the ID of the message this one replies to, if any.
func (e Envelope) QuotedID() string {
	return contextInfo(e.Message).GetStanzaID()
}

// QuotedMessage returns the content of the replied-to message, if the
// transport included it.
func (e Envelope) QuotedMessage() *waE2E.Message {
	return contextInfo(e.Message).GetQuotedMessage()
}

// IsGroup reports whether the conversation is a group chat.
func (e Envelope) IsGroup() bool {
	return strings.HasSuffix(e.Key.RemoteJID, "@g.us")
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	m, _ := Unwrap(msg)
	if m == nil {
		return nil
	}
	switch {
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetContextInfo()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetContextInfo()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetContextInfo()
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage().GetContextInfo()
	}
	return nil
}

// Unwrap strips view-once and ephemeral wrappers and reports whether a
// view-once wrapper was present.
func Unwrap(msg *waE2E.Message) (*waE2E.Message, bool) {
	viewOnce := false
	for i := 0; i < 3 && msg != nil; i++ {
		var next *waE2E.Message
		switch {
		case msg.GetViewOnceMessage() != nil:
			next, viewOnce = msg.GetViewOnceMessage().GetMessage(), true
		case msg.GetViewOnceMessageV2() != nil:
			next, viewOnce = msg.GetViewOnceMessageV2().GetMessage(), true
		case msg.GetViewOnceMessageV2Extension() != nil:
			next, viewOnce = msg.GetViewOnceMessageV2Extension().GetMessage(), true
		case msg.GetEphemeralMessage() != nil:
			next = msg.GetEphemeralMessage().GetMessage()
		default:
			return msg, viewOnce
		}
		msg = next
	}
	return msg, viewOnce
}
