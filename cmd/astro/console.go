package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/user/astro/internal/whatsapp"
)

const consoleChat = "dryrun@s.whatsapp.net"

// console is the --dry-run transport: stdin lines become inbound messages,
// outbound messages are printed.
type console struct {
	*whatsapp.Mock
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
	seq int
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{Mock: whatsapp.NewMock(), in: in, out: out}
	// View-once messages typed as "!vo <file>" carry the file path as their
	// direct path, so downloads read the local file.
	c.DownloadFunc = func(msg whatsmeow.DownloadableMessage) ([]byte, error) {
		return os.ReadFile(msg.GetDirectPath())
	}
	return c
}

// readLoop turns stdin lines into envelopes:
//
//	hello              plain text
//	> <id> /op         reply to message <id>
//	!vo photo.jpg      view-once media read from a local file
func (c *console) readLoop(ctx context.Context) {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		env := c.parse(line)
		c.printf("[in %s] %s", env.Key.ID, line)
		c.Inject(env)
	}
}

func (c *console) parse(line string) whatsapp.Envelope {
	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("DRY%04d", c.seq)
	c.mu.Unlock()

	env := whatsapp.Envelope{
		Kind:      whatsapp.EventNew,
		Key:       whatsapp.Key{ID: id, RemoteJID: consoleChat},
		PushName:  "console",
		Timestamp: time.Now(),
	}

	switch {
	case strings.HasPrefix(line, "!vo "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "!vo "))
		env.Message = &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: mediaFromFile(path)}}
	case strings.HasPrefix(line, "> "):
		quoted, body, _ := strings.Cut(strings.TrimPrefix(line, "> "), " ")
		env.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(body),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(quoted)},
		}}
	default:
		env.Message = &waE2E.Message{Conversation: proto.String(line)}
	}
	return env
}

func mediaFromFile(path string) *waE2E.Message {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{DirectPath: proto.String(path), Mimetype: proto.String("video/mp4")}}
	case ".ogg", ".opus", ".mp3":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{DirectPath: proto.String(path), Mimetype: proto.String("audio/ogg; codecs=opus")}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{DirectPath: proto.String(path), Mimetype: proto.String("image/jpeg")}}
	}
}

func (c *console) SendText(ctx context.Context, to, text string) (string, error) {
	c.printf("[out %s] %s", to, text)
	return c.Mock.SendText(ctx, to, text)
}

func (c *console) SendReply(ctx context.Context, to, text string, quoted whatsapp.Key) error {
	c.printf("[out %s re %s] %s", to, quoted.ID, text)
	return c.Mock.SendReply(ctx, to, text, quoted)
}

func (c *console) SendMedia(ctx context.Context, to string, media whatsapp.OutboundMedia) error {
	c.printf("[out %s] <%s %d bytes> %s", to, media.Type, len(media.Data), media.Caption)
	return c.Mock.SendMedia(ctx, to, media)
}

func (c *console) SendMentions(ctx context.Context, group, text string, jids []string) error {
	c.printf("[out %s mentions %d] %s", group, len(jids), text)
	return c.Mock.SendMentions(ctx, group, text, jids)
}

func (c *console) SendReaction(ctx context.Context, chat string, target whatsapp.Key, emoji string) error {
	c.printf("[react %s %s] %s", chat, target.ID, emoji)
	return c.Mock.SendReaction(ctx, chat, target, emoji)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}
