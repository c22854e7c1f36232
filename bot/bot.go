// Package bot routes inbound WhatsApp events to the view-once core and the
// chat commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/astro/internal/llm"
	"github.com/user/astro/internal/metrics"
	"github.com/user/astro/internal/whatsapp"
	"github.com/user/astro/viewonce"
)

// Completer answers /ai prompts.
type Completer interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, error)
}

// Stickerer converts media to webp stickers.
type Stickerer interface {
	Sticker(ctx context.Context, data []byte, typ whatsapp.MediaType) ([]byte, error)
}

// Config holds bot configuration.
type Config struct {
	RetrieveCommands []string
	Window           time.Duration
	SweepInterval    time.Duration
	SystemPrompt     string
	Now              func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetrieveCommands: []string{"/op", ".rvo"},
		Window:           viewonce.DefaultWindow,
		SweepInterval:    time.Hour,
		Now:              time.Now,
	}
}

// Bot is the inbound dispatcher.
type Bot struct {
	cfg       Config
	transport whatsapp.Transport
	store     viewonce.Store
	detector  *viewonce.Detector
	retriever *viewonce.Retriever
	ai        Completer
	sticker   Stickerer
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// Option customises a Bot.
type Option func(*Bot)

// WithCompleter enables /ai.
func WithCompleter(c Completer) Option { return func(b *Bot) { b.ai = c } }

// WithStickerer enables /str.
func WithStickerer(s Stickerer) Option { return func(b *Bot) { b.sticker = s } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Bot) { b.log = l } }

// WithMetrics records capture and retrieval counters.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bot) { b.metrics = m } }

// New creates a Bot reading events from transport and keeping captures in store.
func New(transport whatsapp.Transport, store viewonce.Store, cfg Config, opts ...Option) *Bot {
	def := DefaultConfig()
	if len(cfg.RetrieveCommands) == 0 {
		cfg.RetrieveCommands = def.RetrieveCommands
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	b := &Bot{cfg: cfg, transport: transport, store: store, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}

	vopts := viewonce.Options{
		Window:   cfg.Window,
		Commands: cfg.RetrieveCommands,
		Now:      cfg.Now,
		Metrics:  b.metrics,
	}
	vopts.Logger = b.log.With().Str("component", "capture").Logger()
	b.detector = viewonce.NewDetector(store, transport, vopts)
	vopts.Logger = b.log.With().Str("component", "retrieve").Logger()
	b.retriever = viewonce.NewRetriever(store, transport, vopts)
	return b
}

// Run is the event loop. Events are handled one at a time in arrival order;
// the expired-entry sweep runs on the same loop. It returns when ctx is
// cancelled, the event stream closes, or the session is logged out.
func (b *Bot) Run(ctx context.Context) error {
	b.Sweep(ctx)

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.transport.LoggedOut():
			return whatsapp.ErrLoggedOut
		case env, ok := <-b.transport.Events():
			if !ok {
				return nil
			}
			b.Handle(ctx, env)
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep evicts expired captures.
func (b *Bot) Sweep(ctx context.Context) {
	n, err := b.store.Sweep(ctx, b.cfg.Now())
	if err != nil {
		b.log.Error().Err(err).Msg("sweep expired captures")
	}
	b.metrics.Swept(n)
	if n > 0 {
		b.log.Info().Int("evicted", n).Msg("expired captures removed")
	}
}

// Handle routes one inbound event. Failures are reported to the chat and
// logged; nothing escapes to the loop.
func (b *Bot) Handle(ctx context.Context, env whatsapp.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("msg_id", env.Key.ID).Msg("handler panicked")
		}
	}()

	if b.detector.Handle(ctx, env) {
		return
	}
	if env.Kind != whatsapp.EventNew {
		return
	}

	text := strings.TrimSpace(env.Text())
	if text == "" {
		return
	}
	cmd, arg := splitCommand(text)

	var err error
	switch {
	case b.isRetrieveCommand(text):
		err = b.retrieve(ctx, env)
	case cmd == "/ai":
		err = b.askAI(ctx, env, arg)
	case cmd == "/str":
		err = b.makeSticker(ctx, env)
	case cmd == "/tagall" || cmd == ".tagall":
		err = b.tagAll(ctx, env, arg)
	default:
		return
	}
	if err != nil {
		b.log.Error().Err(err).Str("cmd", cmd).Str("chat", env.Key.RemoteJID).Msg("command failed")
	}
}

func (b *Bot) isRetrieveCommand(text string) bool {
	for _, c := range b.cfg.RetrieveCommands {
		if strings.EqualFold(text, c) {
			return true
		}
	}
	return false
}

func (b *Bot) retrieve(ctx context.Context, env whatsapp.Envelope) error {
	quoted := env.QuotedID()
	if quoted == "" {
		return b.say(ctx, env.Key.RemoteJID, fmt.Sprintf("Use %s as a reply to the view-once message you want to open.", b.cfg.RetrieveCommands[0]))
	}
	err := b.retriever.Retrieve(ctx, viewonce.Request{QuotedID: quoted, RequesterID: env.Key.RemoteJID})
	switch {
	case err == nil,
		errors.Is(err, viewonce.ErrNotFound),
		errors.Is(err, viewonce.ErrNotAuthorized),
		errors.Is(err, viewonce.ErrExpired):
		// Already reported to the requester.
		return nil
	}
	return err
}

// say sends a plain text to chat.
func (b *Bot) say(ctx context.Context, chat, text string) error {
	_, err := b.transport.SendText(ctx, chat, text)
	return err
}

// splitCommand returns the lower-cased first word and the rest of the text.
func splitCommand(text string) (string, string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd := strings.ToLower(fields[0])
	rest := strings.TrimSpace(text[strings.Index(text, fields[0])+len(fields[0]):])
	return cmd, rest
}
