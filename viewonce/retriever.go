package viewonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/user/astro/internal/metrics"
	"github.com/user/astro/internal/whatsapp"
)

const (
	notFoundText      = "⚠️ That media is not in the archive."
	notAuthorizedText = "⛔ You are not allowed to open that media."
	expiredText       = "⚠️ That view-once media has expired (older than %s)."
	sendFailedText    = "⚠️ Sorry, the media could not be sent. Try again in a moment."
	errorText         = "⚠️ Sorry, something went wrong while opening that media."
	replayCaption     = "📤 Here is the view-once media you asked for."
)

// Request is a retrieval command replying to a captured message.
type Request struct {
	QuotedID    string
	RequesterID string
}

// Retriever replays captured media to its owner.
type Retriever struct {
	store     Store
	messenger Messenger
	opts      Options
	log       zerolog.Logger
}

// NewRetriever creates a Retriever reading from store.
func NewRetriever(store Store, messenger Messenger, opts Options) *Retriever {
	opts = opts.withDefaults()
	return &Retriever{store: store, messenger: messenger, opts: opts, log: opts.Logger}
}

// Retrieve resends the media captured under req.QuotedID to the requester and
// consumes the entry. Every outcome is reported to the requester; the
// returned error classifies it (ErrNotFound, ErrNotAuthorized, ErrExpired,
// ErrSend) for callers and tests.
func (r *Retriever) Retrieve(ctx context.Context, req Request) error {
	log := r.log.With().Str("msg_id", req.QuotedID).Str("requester", req.RequesterID).Logger()

	entry, err := r.store.Get(ctx, req.QuotedID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.reply(ctx, req.RequesterID, notFoundText, log)
			r.opts.Metrics.Retrieved(metrics.OutcomeNotFound)
			return ErrNotFound
		}
		log.Error().Err(err).Msg("lookup captured media")
		r.reply(ctx, req.RequesterID, errorText, log)
		r.opts.Metrics.Retrieved(metrics.OutcomeError)
		return fmt.Errorf("lookup %s: %w", req.QuotedID, err)
	}

	if entry.OwnerID != req.RequesterID {
		log.Warn().Msg("retrieval by non-owner rejected")
		r.reply(ctx, req.RequesterID, notAuthorizedText, log)
		r.opts.Metrics.Retrieved(metrics.OutcomeNotAuthorized)
		return ErrNotAuthorized
	}

	if entry.Expired(r.opts.Now(), r.opts.Window) {
		r.reply(ctx, req.RequesterID, fmt.Sprintf(expiredText, r.opts.Window), log)
		if err := r.store.Delete(ctx, entry.MessageID); err != nil {
			log.Error().Err(err).Msg("evict expired entry")
		}
		r.opts.Metrics.Retrieved(metrics.OutcomeExpired)
		return ErrExpired
	}

	media := whatsapp.OutboundMedia{
		Type:     entry.Kind.Outbound(),
		Data:     entry.Data,
		Mimetype: entry.Mimetype,
	}
	if entry.Kind != Audio {
		media.Caption = replayCaption
	}
	if err := r.messenger.SendMedia(ctx, req.RequesterID, media); err != nil {
		// The entry stays so the owner can retry.
		log.Error().Err(err).Msg("resend captured media")
		r.reply(ctx, req.RequesterID, sendFailedText, log)
		r.opts.Metrics.Retrieved(metrics.OutcomeSendFailed)
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	if err := r.store.Delete(ctx, entry.MessageID); err != nil {
		log.Error().Err(err).Msg("consume replayed entry")
	}
	r.opts.Metrics.Retrieved(metrics.OutcomeOK)
	log.Info().Str("kind", string(entry.Kind)).Int("bytes", len(entry.Data)).Msg("view-once media replayed")
	return nil
}

func (r *Retriever) reply(ctx context.Context, to, text string, log zerolog.Logger) {
	if _, err := r.messenger.SendText(ctx, to, text); err != nil {
		log.Error().Err(err).Msg("send retrieval reply")
	}
}
