package bot

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/user/astro/internal/llm"
	"github.com/user/astro/internal/transcode"
	"github.com/user/astro/internal/whatsapp"
)

const (
	aiUsageText         = "⚙️ Usage: /ai <your question>"
	aiDisabledText      = "⚙️ The AI assistant is not configured."
	aiEmptyAnswerText   = "Sorry, I can't answer that."
	aiFailedText        = "⚠️ Sorry, the assistant is unavailable right now."
	stickerUsageText    = "Send an image or video (max %ds) with the caption /str, or reply to one with /str."
	stickerTooLongText  = "⚠️ Video too long. Stickers can be at most %d seconds."
	stickerWorkingText  = "⏳ Making your sticker..."
	stickerDownloadText = "⚠️ Could not download the media for the sticker."
	stickerFailedText   = "⚠️ Could not make the sticker."
	stickerDisabledText = "⚙️ Sticker conversion is not configured."
	tagAllGroupOnlyText = "⚠️ /tagall only works in groups."
	tagAllFailedText    = "⚠️ Could not load the group members."

	thinkingEmoji = "⏰"
)

func (b *Bot) askAI(ctx context.Context, env whatsapp.Envelope, prompt string) error {
	chat := env.Key.RemoteJID
	if prompt == "" {
		return b.say(ctx, chat, aiUsageText)
	}
	if b.ai == nil {
		return b.transport.SendReply(ctx, chat, aiDisabledText, env.Key)
	}

	b.log.Info().Str("chat", chat).Int("prompt_len", len(prompt)).Msg("ai request")
	b.thinking(ctx, env, true)
	defer b.thinking(ctx, env, false)

	answer, err := b.ai.Chat(ctx, llm.ChatRequest{System: b.cfg.SystemPrompt, User: prompt})
	if err != nil {
		b.log.Error().Err(err).Str("chat", chat).Msg("ai completion failed")
		return b.transport.SendReply(ctx, chat, aiFailedText, env.Key)
	}
	if answer == "" {
		answer = aiEmptyAnswerText
	}
	return b.transport.SendReply(ctx, chat, answer, env.Key)
}

// thinking marks the request with a clock reaction and the typing indicator
// while the answer is prepared. Failures are logged and otherwise ignored.
func (b *Bot) thinking(ctx context.Context, env whatsapp.Envelope, on bool) {
	chat := env.Key.RemoteJID
	emoji := ""
	if on {
		emoji = thinkingEmoji
	}
	if err := b.transport.SendReaction(ctx, chat, env.Key, emoji); err != nil {
		b.log.Warn().Err(err).Str("chat", chat).Msg("set thinking reaction")
	}
	if err := b.transport.SendPresence(ctx, chat, on); err != nil {
		b.log.Warn().Err(err).Str("chat", chat).Msg("set chat presence")
	}
}

// stickerSource finds the image or video a /str command refers to: the
// message itself first, then the quoted one.
func stickerSource(env whatsapp.Envelope) (whatsmeow.DownloadableMessage, whatsapp.MediaType, uint32) {
	for _, msg := range []*waE2E.Message{env.Message, env.QuotedMessage()} {
		m, _ := whatsapp.Unwrap(msg)
		if m == nil {
			continue
		}
		if img := m.GetImageMessage(); img != nil {
			return img, whatsapp.MediaImage, 0
		}
		if vid := m.GetVideoMessage(); vid != nil {
			return vid, whatsapp.MediaVideo, vid.GetSeconds()
		}
	}
	return nil, "", 0
}

func (b *Bot) makeSticker(ctx context.Context, env whatsapp.Envelope) error {
	chat := env.Key.RemoteJID
	src, typ, seconds := stickerSource(env)
	if src == nil {
		return b.transport.SendReply(ctx, chat, fmt.Sprintf(stickerUsageText, transcode.MaxStickerSeconds), env.Key)
	}
	if typ == whatsapp.MediaVideo && seconds > transcode.MaxStickerSeconds {
		return b.transport.SendReply(ctx, chat, fmt.Sprintf(stickerTooLongText, transcode.MaxStickerSeconds), env.Key)
	}
	if b.sticker == nil {
		return b.transport.SendReply(ctx, chat, stickerDisabledText, env.Key)
	}

	if err := b.transport.SendReply(ctx, chat, stickerWorkingText, env.Key); err != nil {
		b.log.Warn().Err(err).Msg("send sticker progress")
	}

	data, err := b.transport.Download(ctx, src)
	if err != nil {
		b.log.Error().Err(err).Str("chat", chat).Msg("download sticker source")
		return b.transport.SendReply(ctx, chat, stickerDownloadText, env.Key)
	}
	webp, err := b.sticker.Sticker(ctx, data, typ)
	if err != nil {
		b.log.Error().Err(err).Str("chat", chat).Msg("convert sticker")
		return b.transport.SendReply(ctx, chat, stickerFailedText, env.Key)
	}
	if err := b.transport.SendMedia(ctx, chat, whatsapp.OutboundMedia{
		Type:     whatsapp.MediaSticker,
		Data:     webp,
		Mimetype: "image/webp",
	}); err != nil {
		b.log.Error().Err(err).Str("chat", chat).Msg("send sticker")
		return b.transport.SendReply(ctx, chat, stickerFailedText, env.Key)
	}
	return nil
}

func (b *Bot) tagAll(ctx context.Context, env whatsapp.Envelope, note string) error {
	chat := env.Key.RemoteJID
	if !env.IsGroup() {
		return b.say(ctx, chat, tagAllGroupOnlyText)
	}
	members, err := b.transport.GroupParticipants(ctx, chat)
	if err != nil {
		b.log.Error().Err(err).Str("group", chat).Msg("load group participants")
		return b.say(ctx, chat, tagAllFailedText)
	}
	if len(members) == 0 {
		return nil
	}
	return b.transport.SendMentions(ctx, chat, mentionText(note, members), members)
}

// mentionText renders one @user token per member, after an optional note.
func mentionText(note string, members []string) string {
	var sb strings.Builder
	if note != "" {
		sb.WriteString(note)
		sb.WriteString("\n\n")
	}
	for i, jid := range members {
		if i > 0 {
			sb.WriteByte(' ')
		}
		user, _, _ := strings.Cut(jid, "@")
		sb.WriteString("@" + user)
	}
	return sb.String()
}
