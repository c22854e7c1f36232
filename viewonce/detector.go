package viewonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/user/astro/internal/metrics"
	"github.com/user/astro/internal/whatsapp"
)

const (
	ackText           = "✅ View-once media archived.\n\nReply to this message or to the original with %s to open it again."
	captureFailedText = "⚠️ Could not archive the view-once media. It may already have been opened or expired."
)

// Options configures Detector and Retriever.
type Options struct {
	Window   time.Duration    // expiration window, DefaultWindow when zero
	Commands []string         // retrieval tokens; the first is named in acknowledgements
	Now      func() time.Time // clock, time.Now when nil
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if len(o.Commands) == 0 {
		o.Commands = []string{"/op"}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Detector recognises view-once messages and captures their media.
type Detector struct {
	store     Store
	messenger Messenger
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	pending  map[string]time.Time // stubs waiting for content
	inflight map[string]struct{}
}

// NewDetector creates a Detector writing to store.
func NewDetector(store Store, messenger Messenger, opts Options) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		store:     store,
		messenger: messenger,
		opts:      opts,
		log:       opts.Logger,
		pending:   map[string]time.Time{},
		inflight:  map[string]struct{}{},
	}
}

// Handle inspects env and captures it when it carries view-once media. It
// reports whether the envelope was a view-once event; callers stop routing
// it when true.
func (d *Detector) Handle(ctx context.Context, env whatsapp.Envelope) bool {
	id := env.Key.ID
	log := d.log.With().Str("msg_id", id).Str("chat", env.Key.RemoteJID).Logger()

	if env.Kind == whatsapp.EventStub {
		if !env.ViewOnce {
			return false
		}
		d.markPending(id)
		log.Info().Msg("view-once notification received, waiting for media")
		return true
	}

	inner, wrapped := whatsapp.Unwrap(env.Message)
	viewOnce := wrapped || env.ViewOnce || flaggedViewOnce(inner)
	if !viewOnce && !(env.Kind == whatsapp.EventUpdate && d.isPending(id)) {
		return false
	}

	media, kind, mimetype, ok := mediaOf(inner)
	if !ok {
		// Content may follow in an update event.
		d.markPending(id)
		log.Debug().Msg("view-once message without media content")
		return true
	}

	d.capture(ctx, env, media, kind, mimetype, log)
	return true
}

func (d *Detector) capture(ctx context.Context, env whatsapp.Envelope, media whatsmeow.DownloadableMessage, kind MediaKind, mimetype string, log zerolog.Logger) {
	id, owner := env.Key.ID, env.Key.RemoteJID

	if !d.begin(id) {
		log.Debug().Msg("capture already in progress")
		return
	}
	defer d.end(id)

	if _, err := d.store.Get(ctx, id); err == nil {
		log.Debug().Msg("already captured")
		return
	} else if !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Msg("lookup before capture")
		d.opts.Metrics.CaptureFailed("store")
		return
	}

	data, err := d.messenger.Download(ctx, media)
	if err != nil {
		log.Warn().Err(err).Msg("view-once download failed")
		d.opts.Metrics.CaptureFailed("download")
		d.notify(ctx, owner, captureFailedText, log)
		return
	}

	entry := CapturedMedia{
		MessageID:  id,
		OwnerID:    owner,
		Kind:       kind,
		Mimetype:   mimetype,
		Data:       data,
		CapturedAt: d.opts.Now(),
	}
	inserted, err := d.store.Put(ctx, entry)
	if err != nil {
		log.Error().Err(err).Msg("store view-once media")
		d.opts.Metrics.CaptureFailed("store")
		d.notify(ctx, owner, captureFailedText, log)
		return
	}
	if !inserted {
		return
	}
	d.clearPending(id)
	d.opts.Metrics.Captured(string(kind))
	log.Info().Str("kind", string(kind)).Int("bytes", len(data)).Msg("view-once media captured")

	ackID := d.notify(ctx, owner, fmt.Sprintf(ackText, d.opts.Commands[0]), log)
	if ackID == "" {
		return
	}
	if err := d.store.Acknowledge(ctx, id, ackID); err != nil {
		log.Warn().Err(err).Str("ack_id", ackID).Msg("link acknowledgement to capture")
	}
}

// notify sends text and returns the ID of the sent message, or "" on failure.
func (d *Detector) notify(ctx context.Context, to, text string, log zerolog.Logger) string {
	id, err := d.messenger.SendText(ctx, to, text)
	if err != nil {
		log.Error().Err(err).Msg("send capture notice")
		return ""
	}
	return id
}

func (d *Detector) begin(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Detector) end(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Detector) markPending(id string) {
	now := d.opts.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.pending {
		if now.Sub(at) > d.opts.Window {
			delete(d.pending, k)
		}
	}
	if _, ok := d.pending[id]; !ok {
		d.pending[id] = now
	}
}

func (d *Detector) isPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

func (d *Detector) clearPending(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// flaggedViewOnce covers media that carries the view-once bit without a wrapper.
func flaggedViewOnce(m *waE2E.Message) bool {
	return m.GetImageMessage().GetViewOnce() ||
		m.GetVideoMessage().GetViewOnce() ||
		m.GetAudioMessage().GetViewOnce()
}

func mediaOf(m *waE2E.Message) (whatsmeow.DownloadableMessage, MediaKind, string, bool) {
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage(), Image, m.GetImageMessage().GetMimetype(), true
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage(), Video, m.GetVideoMessage().GetMimetype(), true
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage(), Audio, m.GetAudioMessage().GetMimetype(), true
	}
	return nil, "", "", false
}
