package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	sqlite "modernc.org/sqlite"
)

func init() {
	// whatsmeow's sqlstore calls sql.Open("sqlite3", ...) internally.
	// Register modernc.org/sqlite (no CGO) under that name if not yet registered.
	for _, d := range sql.Drivers() {
		if d == "sqlite3" {
			return
		}
	}
	sql.Register("sqlite3", &sqlite.Driver{})
}

// DefaultStubGrace is how long the adapter waits for the content of a
// view-once stub after asking the phone to resend it.
const DefaultStubGrace = 1500 * time.Millisecond

// Options configures Connect.
type Options struct {
	DBPath string // SQLite file for session persistence (e.g. "data/whatsapp.db")
	Logger zerolog.Logger
	// ProvokeStubs asks the primary phone to resend content for view-once
	// notifications that arrived without it.
	ProvokeStubs bool
	StubGrace    time.Duration
}

// Client implements Transport using whatsmeow (real WhatsApp Web).
type Client struct {
	wac    *whatsmeow.Client
	log    zerolog.Logger
	opts   Options
	events chan Envelope

	loggedOut chan struct{}
	outOnce   sync.Once

	// closed stops event delivery once Close is called.
	closed    chan struct{}
	closeOnce sync.Once

	waitMu  sync.Mutex
	waiters map[string]chan struct{}
}

// Connect connects to WhatsApp.
// On first run it shows a QR code; subsequent runs reuse the saved session.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.StubGrace <= 0 {
		opts.StubGrace = DefaultStubGrace
	}
	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	dsn := "file:" + opts.DBPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(opts.Logger.With().Str("component", "wa-store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("whatsapp store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	c := &Client{
		log:       opts.Logger,
		opts:      opts,
		events:    make(chan Envelope, 256),
		loggedOut: make(chan struct{}),
		closed:    make(chan struct{}),
		waiters:   map[string]chan struct{}{},
	}
	c.wac = whatsmeow.NewClient(deviceStore, waLog.Zerolog(opts.Logger.With().Str("component", "wa-client").Logger()))

	// Register handler for incoming events BEFORE connecting
	c.wac.AddEventHandler(c.handleEvent)

	if c.wac.Store.ID == nil {
		// First run: pair via QR code
		qrChan, err := c.wac.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		if err := c.wac.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}

		fmt.Println("\n=== WhatsApp pairing ===")
		fmt.Println("Open WhatsApp > Linked devices > Link a device")
		fmt.Println("Scan the QR code below:")
		fmt.Println()

		for item := range qrChan {
			switch item.Event {
			case "code":
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
				fmt.Printf("(expires in %.0fs)\n", item.Timeout.Seconds())
			default:
				if item == whatsmeow.QRChannelSuccess {
					c.log.Info().Msg("paired successfully")
				} else if item == whatsmeow.QRChannelTimeout {
					return nil, fmt.Errorf("timed out waiting for QR scan")
				}
			}
		}
	} else {
		// Existing session, reconnect
		if err := c.wac.Connect(); err != nil {
			return nil, fmt.Errorf("reconnect: %w", err)
		}
		c.log.Info().Str("jid", c.wac.Store.ID.String()).Msg("whatsapp connected")
	}

	return c, nil
}

func (c *Client) Events() <-chan Envelope     { return c.events }
func (c *Client) LoggedOut() <-chan struct{} { return c.loggedOut }

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
}

// SendReply sends a text message quoting an earlier message.
func (c *Client) SendReply(ctx context.Context, to, text string, quoted Key) error {
	participant := authorOf(quoted, c.wac.Store.ID)
	_, err := c.send(ctx, to, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(quoted.ID),
				Participant: proto.String(participant),
			},
		},
	})
	return err
}

// SendMedia uploads media and sends it using the message shape of its type.
func (c *Client) SendMedia(ctx context.Context, to string, media OutboundMedia) error {
	appType, ok := uploadTypes[media.Type]
	if !ok {
		return fmt.Errorf("unsupported media type %q", media.Type)
	}
	up, err := c.wac.Upload(ctx, media.Data, appType)
	if err != nil {
		return fmt.Errorf("upload %s: %w", media.Type, err)
	}
	_, err = c.send(ctx, to, buildMediaMessage(media, up))
	return err
}

var uploadTypes = map[MediaType]whatsmeow.MediaType{
	MediaImage:   whatsmeow.MediaImage,
	MediaVideo:   whatsmeow.MediaVideo,
	MediaAudio:   whatsmeow.MediaAudio,
	MediaSticker: whatsmeow.MediaImage,
}

func buildMediaMessage(media OutboundMedia, up whatsmeow.UploadResponse) *waE2E.Message {
	size := uint64(len(media.Data))
	switch media.Type {
	case MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(orDefault(media.Mimetype, "video/mp4")),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(orDefault(media.Mimetype, "audio/ogg; codecs=opus")),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case MediaSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String("image/webp"),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(orDefault(media.Mimetype, "image/jpeg")),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	}
}

// Download fetches and decrypts a media attachment.
func (c *Client) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	data, err := c.wac.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

// GroupParticipants lists the member JIDs of a group.
func (c *Client) GroupParticipants(ctx context.Context, group string) ([]string, error) {
	jid, err := types.ParseJID(group)
	if err != nil {
		return nil, fmt.Errorf("invalid group JID: %w", err)
	}
	info, err := c.wac.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info %s: %w", group, err)
	}
	members := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		members = append(members, p.JID.String())
	}
	return members, nil
}

// SendMentions sends a text that mentions every JID in jids.
func (c *Client) SendMentions(ctx context.Context, group, text string, jids []string) error {
	_, err := c.send(ctx, group, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{MentionedJID: jids},
		},
	})
	return err
}

// SendReaction reacts to target in chat. An empty emoji removes the reaction.
func (c *Client) SendReaction(ctx context.Context, chat string, target Key, emoji string) error {
	chatJID, err := ParseRecipient(chat)
	if err != nil {
		return err
	}
	sender, err := types.ParseJID(authorOf(target, c.wac.Store.ID))
	if err != nil {
		return fmt.Errorf("invalid sender JID: %w", err)
	}
	_, err = c.send(ctx, chat, c.wac.BuildReaction(chatJID, sender, target.ID, emoji))
	return err
}

// SendPresence shows or clears the typing indicator in chat.
func (c *Client) SendPresence(ctx context.Context, chat string, composing bool) error {
	jid, err := ParseRecipient(chat)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	if err := c.wac.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("chat presence %s: %w", chat, err)
	}
	return nil
}

// Close stops event delivery and disconnects from WhatsApp.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.wac.Disconnect()
	return nil
}

// authorOf returns the JID that wrote the message identified by k.
func authorOf(k Key, own *types.JID) string {
	if k.FromMe && own != nil {
		return own.ToNonAD().String()
	}
	if k.Participant != "" {
		return k.Participant
	}
	return k.RemoteJID
}

// send delivers msg and returns the ID WhatsApp assigned to it.
func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := c.wac.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	return resp.ID, nil
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		env := fromMessage(v)
		if env.Kind == EventUpdate {
			c.resolveWaiter(env.Key.ID)
		}
		c.deliver(env)
	case *events.UndecryptableMessage:
		if !v.IsUnavailable || v.UnavailableType != events.UnavailableTypeViewOnce {
			return
		}
		env := Envelope{
			Kind:      EventStub,
			Key:       keyOf(v.Info),
			ViewOnce:  true,
			PushName:  v.Info.PushName,
			Timestamp: v.Info.Timestamp,
		}
		if !c.deliver(env) {
			return
		}
		if c.opts.ProvokeStubs {
			go c.provoke(v.Info)
		}
	case *events.Connected:
		c.log.Info().Msg("whatsapp session open")
	case *events.Disconnected:
		c.log.Warn().Msg("whatsapp disconnected, reconnecting")
	case *events.LoggedOut:
		c.log.Error().Int("reason", int(v.Reason)).Msg("logged out, delete the session database and pair again")
		c.outOnce.Do(func() { close(c.loggedOut) })
	}
}

// deliver queues env for the consumer. It gives up once the client is closed,
// since nothing reads the channel after that.
func (c *Client) deliver(env Envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-c.closed:
		return false
	}
}

// provoke asks the primary phone to resend a message whose content did not
// arrive, then waits a fixed grace period for the matching update. It gives
// up silently: the update may still arrive later and is handled normally.
func (c *Client) provoke(info types.MessageInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StubGrace)
	defer cancel()

	done := c.addWaiter(info.ID)
	defer c.removeWaiter(info.ID)

	req := c.wac.BuildUnavailableMessageRequest(info.Chat, info.Sender, info.ID)
	if _, err := c.wac.SendPeerMessage(ctx, req); err != nil {
		c.log.Debug().Err(err).Str("msg_id", info.ID).Msg("unavailable message request failed")
		return
	}

	select {
	case <-done:
		c.log.Debug().Str("msg_id", info.ID).Msg("view-once content delivered after request")
	case <-ctx.Done():
		c.log.Debug().Str("msg_id", info.ID).Msg("no view-once content within grace period")
	}
}

func (c *Client) addWaiter(id string) <-chan struct{} {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	ch := make(chan struct{})
	c.waiters[id] = ch
	return ch
}

func (c *Client) removeWaiter(id string) {
	c.waitMu.Lock()
	delete(c.waiters, id)
	c.waitMu.Unlock()
}

func (c *Client) resolveWaiter(id string) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if ch, ok := c.waiters[id]; ok {
		close(ch)
		delete(c.waiters, id)
	}
}

func fromMessage(v *events.Message) Envelope {
	kind := EventNew
	if v.UnavailableRequestID != "" {
		kind = EventUpdate
	}
	return Envelope{
		Kind:      kind,
		Key:       keyOf(v.Info),
		Message:   v.Message,
		ViewOnce:  v.IsViewOnce || v.IsViewOnceV2 || v.IsViewOnceV2Extension,
		PushName:  v.Info.PushName,
		Timestamp: v.Info.Timestamp,
	}
}

func keyOf(info types.MessageInfo) Key {
	k := Key{
		ID:        info.ID,
		RemoteJID: info.Chat.String(),
		FromMe:    info.IsFromMe,
	}
	if info.IsGroup {
		k.Participant = info.Sender.ToNonAD().String()
	}
	return k
}

// ParseRecipient accepts a full JID or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid JID %q: %w", to, err)
		}
		return jid, nil
	}
	phone := normalizePhone(to)
	if phone == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// normalizePhone strips non-digit characters and removes leading "+".
func normalizePhone(phone string) string {
	phone = strings.TrimPrefix(phone, "+")
	var out strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
