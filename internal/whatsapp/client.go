package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
)

// ErrLoggedOut is returned when the linked device was removed from the phone.
// The session must be paired again.
var ErrLoggedOut = errors.New("whatsapp: logged out")

// MediaType selects the outbound message shape.
type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaAudio   MediaType = "audio"
	MediaSticker MediaType = "sticker"
)

// OutboundMedia is a media payload to upload and send.
type OutboundMedia struct {
	Type     MediaType
	Data     []byte
	Caption  string // ignored for audio and stickers
	Mimetype string
}

// Transport abstracts the WhatsApp session.
// Mock is used in tests and dry-run; Client (whatsmeow) in production.
type Transport interface {
	Events() <-chan Envelope
	LoggedOut() <-chan struct{}
	// SendText sends text and returns the ID of the sent message.
	SendText(ctx context.Context, to, text string) (string, error)
	SendReply(ctx context.Context, to, text string, quoted Key) error
	SendMedia(ctx context.Context, to string, media OutboundMedia) error
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	GroupParticipants(ctx context.Context, group string) ([]string, error)
	SendMentions(ctx context.Context, group, text string, jids []string) error
	// SendReaction reacts to target. An empty emoji removes the reaction.
	SendReaction(ctx context.Context, chat string, target Key, emoji string) error
	// SendPresence shows (composing) or clears the typing indicator.
	SendPresence(ctx context.Context, chat string, composing bool) error
	Close() error
}

// --- Mock implementation ---

// Mock records sent messages in memory and lets callers inject inbound events.
type Mock struct {
	// DownloadFunc serves Download calls. Nil means every download fails.
	DownloadFunc func(msg whatsmeow.DownloadableMessage) ([]byte, error)
	// SendErr, when set, fails every media send.
	SendErr error
	// Participants maps group JIDs to member JIDs.
	Participants map[string][]string

	mu        sync.Mutex
	sent      []SentMessage
	reactions []Reaction
	presence  []Presence
	events    chan Envelope
	loggedOut chan struct{}
	closeOnce sync.Once
}

// SentMessage records a message sent via Mock.
type SentMessage struct {
	ID       string
	To       string
	Text     string
	Quoted   string
	Media    *OutboundMedia
	Mentions []string
	SentAt   time.Time
}

// Reaction records a reaction sent via Mock.
type Reaction struct {
	Chat   string
	Target string
	Emoji  string
}

// Presence records a chat presence update sent via Mock.
type Presence struct {
	Chat      string
	Composing bool
}

// NewMock creates an in-memory transport.
func NewMock() *Mock {
	return &Mock{
		Participants: map[string][]string{},
		events:       make(chan Envelope, 64),
		loggedOut:    make(chan struct{}),
	}
}

func (m *Mock) Events() <-chan Envelope     { return m.events }
func (m *Mock) LoggedOut() <-chan struct{} { return m.loggedOut }

// Inject queues an inbound event.
func (m *Mock) Inject(env Envelope) {
	m.events <- env
}

// LogOut simulates the phone unlinking the device.
func (m *Mock) LogOut() {
	m.closeOnce.Do(func() { close(m.loggedOut) })
}

func (m *Mock) SendText(ctx context.Context, to, text string) (string, error) {
	return m.record(SentMessage{To: to, Text: text}), nil
}

func (m *Mock) SendReply(ctx context.Context, to, text string, quoted Key) error {
	m.record(SentMessage{To: to, Text: text, Quoted: quoted.ID})
	return nil
}

func (m *Mock) SendMedia(ctx context.Context, to string, media OutboundMedia) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(SentMessage{To: to, Media: &media, Text: media.Caption})
	return nil
}

func (m *Mock) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	if m.DownloadFunc == nil {
		return nil, fmt.Errorf("download: %w", whatsmeow.ErrMediaDownloadFailedWith404)
	}
	return m.DownloadFunc(msg)
}

func (m *Mock) GroupParticipants(ctx context.Context, group string) ([]string, error) {
	members, ok := m.Participants[group]
	if !ok {
		return nil, fmt.Errorf("group %s not found", group)
	}
	return members, nil
}

func (m *Mock) SendMentions(ctx context.Context, group, text string, jids []string) error {
	m.record(SentMessage{To: group, Text: text, Mentions: jids})
	return nil
}

func (m *Mock) SendReaction(ctx context.Context, chat string, target Key, emoji string) error {
	m.mu.Lock()
	m.reactions = append(m.reactions, Reaction{Chat: chat, Target: target.ID, Emoji: emoji})
	m.mu.Unlock()
	return nil
}

func (m *Mock) SendPresence(ctx context.Context, chat string, composing bool) error {
	m.mu.Lock()
	m.presence = append(m.presence, Presence{Chat: chat, Composing: composing})
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error { return nil }

// Reactions returns every reaction sent so far, in order.
func (m *Mock) Reactions() []Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reaction(nil), m.reactions...)
}

// Presences returns every presence update sent so far, in order.
func (m *Mock) Presences() []Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Presence(nil), m.presence...)
}

// Sent returns a copy of every message sent so far.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages sent to one recipient.
func (m *Mock) SentTo(to string) []SentMessage {
	var out []SentMessage
	for _, s := range m.Sent() {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

func (m *Mock) record(s SentMessage) string {
	s.ID = uuid.NewString()
	s.SentAt = time.Now()
	m.mu.Lock()
	m.sent = append(m.sent, s)
	m.mu.Unlock()
	return s.ID
}
