// Package viewonce captures view-once media before it expires on the phone
// and replays it once to the conversation it was captured from.
package viewonce

import (
	"context"
	"errors"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/user/astro/internal/whatsapp"
)

// DefaultWindow is how long a captured entry stays retrievable.
const DefaultWindow = 24 * time.Hour

var (
	ErrNotFound      = errors.New("viewonce: entry not found")
	ErrNotAuthorized = errors.New("viewonce: requester is not the owner")
	ErrExpired       = errors.New("viewonce: entry expired")
	ErrDownload      = errors.New("viewonce: media download failed")
	ErrSend          = errors.New("viewonce: media send failed")
)

// MediaKind is the kind of media a capture holds. It is decided once at
// capture time.
type MediaKind string

const (
	Image MediaKind = "image"
	Video MediaKind = "video"
	Audio MediaKind = "audio"
)

// Valid reports whether k is one of the known kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case Image, Video, Audio:
		return true
	}
	return false
}

// Ext is the file extension used when the payload is written to disk.
func (k MediaKind) Ext() string {
	switch k {
	case Video:
		return ".mp4"
	case Audio:
		return ".ogg"
	default:
		return ".jpg"
	}
}

// Outbound maps the kind to the transport's outbound message shape.
func (k MediaKind) Outbound() whatsapp.MediaType {
	switch k {
	case Video:
		return whatsapp.MediaVideo
	case Audio:
		return whatsapp.MediaAudio
	default:
		return whatsapp.MediaImage
	}
}

// CapturedMedia is one intercepted view-once message.
type CapturedMedia struct {
	MessageID  string
	OwnerID    string // conversation allowed to retrieve the entry
	Kind       MediaKind
	Mimetype   string
	AckID      string // ID of the acknowledgement sent for this capture
	Data       []byte
	FilePath   string // set by file-backed stores
	FileName   string
	CapturedAt time.Time
}

// Expired reports whether the entry is older than window at now.
func (m CapturedMedia) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(m.CapturedAt) > window
}

// Store persists captured media. Implementations live in viewonce/vault.
type Store interface {
	// Put inserts m unless an entry with the same MessageID exists, in which
	// case it returns false and leaves the existing entry untouched.
	Put(ctx context.Context, m CapturedMedia) (bool, error)
	// Get returns the entry with its payload loaded, or ErrNotFound. id may
	// be the captured message ID or the ID of its acknowledgement.
	Get(ctx context.Context, id string) (*CapturedMedia, error)
	// Acknowledge links ackID to the entry so replies to the acknowledgement
	// resolve to it.
	Acknowledge(ctx context.Context, id, ackID string) error
	// Delete removes the entry and its backing resources. Deleting a missing
	// entry is not an error.
	Delete(ctx context.Context, id string) error
	// Sweep evicts every entry that is expired at now and returns how many
	// were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// List returns all entries without their payloads.
	List(ctx context.Context) ([]CapturedMedia, error)
}

// Messenger is the part of the transport this package needs.
type Messenger interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media whatsapp.OutboundMedia) error
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}
