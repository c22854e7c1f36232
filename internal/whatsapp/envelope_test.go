package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestUnwrap(t *testing.T) {
	img := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("hi")}}

	cases := []struct {
		name     string
		msg      *waE2E.Message
		viewOnce bool
	}{
		{"plain", img, false},
		{"view once", &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{Message: img}}, true},
		{"view once v2", &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: img}}, true},
		{"v2 extension", &waE2E.Message{ViewOnceMessageV2Extension: &waE2E.FutureProofMessage{Message: img}}, true},
		{"ephemeral around view once", &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: img}},
		}}, true},
		{"ephemeral only", &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: img}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, viewOnce := Unwrap(tc.msg)
			assert.Equal(t, tc.viewOnce, viewOnce)
			assert.Equal(t, "hi", got.GetImageMessage().GetCaption())
		})
	}
}

func TestUnwrapEmptyWrapper(t *testing.T) {
	got, viewOnce := Unwrap(&waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{}})
	assert.True(t, viewOnce)
	assert.Nil(t, got)

	got, viewOnce = Unwrap(nil)
	assert.False(t, viewOnce)
	assert.Nil(t, got)
}

func TestEnvelopeText(t *testing.T) {
	assert.Equal(t, "/ai hello", Envelope{Message: &waE2E.Message{Conversation: proto.String("/ai hello")}}.Text())
	assert.Equal(t, "/op", Envelope{Message: &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("/op")},
	}}.Text())
	assert.Equal(t, "/str", Envelope{Message: &waE2E.Message{
		VideoMessage: &waE2E.VideoMessage{Caption: proto.String("/str")},
	}}.Text())
	assert.Empty(t, Envelope{}.Text())
}

func TestEnvelopeQuote(t *testing.T) {
	quoted := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}
	env := Envelope{Message: &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("/op"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("ABC123"),
				QuotedMessage: quoted,
			},
		},
	}}
	assert.Equal(t, "ABC123", env.QuotedID())
	assert.Same(t, quoted, env.QuotedMessage())
	assert.Empty(t, Envelope{Message: &waE2E.Message{Conversation: proto.String("x")}}.QuotedID())
}

func TestEnvelopeIsGroup(t *testing.T) {
	assert.True(t, Envelope{Key: Key{RemoteJID: "1203630@g.us"}}.IsGroup())
	assert.False(t, Envelope{Key: Key{RemoteJID: "111@s.whatsapp.net"}}.IsGroup())
}
