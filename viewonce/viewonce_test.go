package viewonce_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/user/astro/internal/whatsapp"
	"github.com/user/astro/viewonce"
	"github.com/user/astro/viewonce/vault"
)

const (
	ownerA = "111@s.whatsapp.net"
	ownerB = "222@s.whatsapp.net"
)

var base = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *vault.Memory
	mock      *whatsapp.Mock
	detector  *viewonce.Detector
	retriever *viewonce.Retriever
	now       time.Time
	payloads  map[string][]byte // direct path -> bytes
	downloads int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    vault.NewMemory(viewonce.DefaultWindow),
		mock:     whatsapp.NewMock(),
		now:      base,
		payloads: map[string][]byte{},
	}
	h.mock.DownloadFunc = func(msg whatsmeow.DownloadableMessage) ([]byte, error) {
		h.downloads++
		data, ok := h.payloads[msg.GetDirectPath()]
		if !ok {
			return nil, whatsmeow.ErrMediaDownloadFailedWith410
		}
		return data, nil
	}
	opts := viewonce.Options{
		Window:   viewonce.DefaultWindow,
		Commands: []string{"/op", ".rvo"},
		Now:      func() time.Time { return h.now },
		Logger:   zerolog.Nop(),
	}
	h.detector = viewonce.NewDetector(h.store, h.mock, opts)
	h.retriever = viewonce.NewRetriever(h.store, h.mock, opts)
	return h
}

func inner(kind viewonce.MediaKind, path string) *waE2E.Message {
	switch kind {
	case viewonce.Video:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{DirectPath: proto.String(path), Mimetype: proto.String("video/mp4"), Seconds: proto.Uint32(3)}}
	case viewonce.Audio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{DirectPath: proto.String(path), Mimetype: proto.String("audio/ogg; codecs=opus")}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{DirectPath: proto.String(path), Mimetype: proto.String("image/jpeg")}}
	}
}

func viewOnce(id, chat string, kind viewonce.MediaKind, path string) whatsapp.Envelope {
	return whatsapp.Envelope{
		Kind:    whatsapp.EventNew,
		Key:     whatsapp.Key{ID: id, RemoteJID: chat},
		Message: &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: inner(kind, path)}},
	}
}

func (h *harness) capture(t *testing.T, id, owner string, kind viewonce.MediaKind, data []byte) {
	t.Helper()
	path := "/media/" + id
	h.payloads[path] = data
	require.True(t, h.detector.Handle(context.Background(), viewOnce(id, owner, kind, path)))
	_, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
}

func (h *harness) retrieve(id, requester string) error {
	return h.retriever.Retrieve(context.Background(), viewonce.Request{QuotedID: id, RequesterID: requester})
}

func lastText(t *testing.T, m *whatsapp.Mock, to string) string {
	t.Helper()
	sent := m.SentTo(to)
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Text
}

func TestCaptureIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.payloads["/media/dup"] = []byte("jpeg")
	env := viewOnce("dup", ownerA, viewonce.Image, "/media/dup")

	assert.True(t, h.detector.Handle(context.Background(), env))
	assert.True(t, h.detector.Handle(context.Background(), env))

	all, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, h.mock.SentTo(ownerA), 1)
	assert.Equal(t, 1, h.downloads)
	assert.Contains(t, lastText(t, h.mock, ownerA), "/op")
}

func TestCaptureDownloadFailure(t *testing.T) {
	h := newHarness(t)
	env := viewOnce("lost", ownerA, viewonce.Image, "/media/missing")

	assert.True(t, h.detector.Handle(context.Background(), env))

	_, err := h.store.Get(context.Background(), "lost")
	assert.ErrorIs(t, err, viewonce.ErrNotFound)
	assert.Contains(t, lastText(t, h.mock, ownerA), "Could not archive")
}

func TestNonViewOnceMessagesAreIgnored(t *testing.T) {
	h := newHarness(t)
	env := whatsapp.Envelope{
		Key:     whatsapp.Key{ID: "plain", RemoteJID: ownerA},
		Message: inner(viewonce.Image, "/media/plain"),
	}
	assert.False(t, h.detector.Handle(context.Background(), env))
	assert.Empty(t, h.mock.Sent())
}

func TestViewOnceFlagWithoutWrapper(t *testing.T) {
	h := newHarness(t)
	h.payloads["/media/flag"] = []byte("img")
	msg := inner(viewonce.Image, "/media/flag")
	msg.ImageMessage.ViewOnce = proto.Bool(true)

	assert.True(t, h.detector.Handle(context.Background(), whatsapp.Envelope{
		Key:     whatsapp.Key{ID: "flag", RemoteJID: ownerA},
		Message: msg,
	}))
	_, err := h.store.Get(context.Background(), "flag")
	assert.NoError(t, err)
}

func TestStubCompletedByUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payloads["/media/late"] = []byte("late video")

	stub := whatsapp.Envelope{Kind: whatsapp.EventStub, Key: whatsapp.Key{ID: "late", RemoteJID: ownerA}, ViewOnce: true}
	assert.True(t, h.detector.Handle(ctx, stub))
	assert.Empty(t, h.mock.Sent())

	// The update carries the bare media without the view-once wrapper.
	update := whatsapp.Envelope{
		Kind:    whatsapp.EventUpdate,
		Key:     whatsapp.Key{ID: "late", RemoteJID: ownerA},
		Message: inner(viewonce.Video, "/media/late"),
	}
	assert.True(t, h.detector.Handle(ctx, update))

	got, err := h.store.Get(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, viewonce.Video, got.Kind)
	assert.Len(t, h.mock.SentTo(ownerA), 1)
}

func TestUpdateWithoutStubIsIgnored(t *testing.T) {
	h := newHarness(t)
	update := whatsapp.Envelope{
		Kind:    whatsapp.EventUpdate,
		Key:     whatsapp.Key{ID: "u1", RemoteJID: ownerA},
		Message: inner(viewonce.Image, "/media/u1"),
	}
	assert.False(t, h.detector.Handle(context.Background(), update))
}

func TestEmptyViewOnceEnvelope(t *testing.T) {
	h := newHarness(t)
	env := whatsapp.Envelope{
		Key:     whatsapp.Key{ID: "empty", RemoteJID: ownerA},
		Message: &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{}},
	}
	assert.True(t, h.detector.Handle(context.Background(), env))
	assert.Empty(t, h.mock.Sent())
	assert.Zero(t, h.downloads)
}

func TestRetrieveThroughAcknowledgement(t *testing.T) {
	h := newHarness(t)
	h.capture(t, "ABC123", ownerA, viewonce.Image, []byte("photo"))
	sent := h.mock.SentTo(ownerA)
	require.Len(t, sent, 1)
	ackID := sent[0].ID
	require.NotEmpty(t, ackID)

	assert.ErrorIs(t, h.retrieve(ackID, ownerB), viewonce.ErrNotAuthorized)
	require.NoError(t, h.retrieve(ackID, ownerA))

	media := h.mock.SentTo(ownerA)[1].Media
	require.NotNil(t, media)
	assert.Equal(t, []byte("photo"), media.Data)

	_, err := h.store.Get(context.Background(), "ABC123")
	assert.ErrorIs(t, err, viewonce.ErrNotFound)
	assert.ErrorIs(t, h.retrieve(ackID, ownerA), viewonce.ErrNotFound)
}

func TestScenarioVideoReplayedOnce(t *testing.T) {
	h := newHarness(t)
	video := []byte(strings.Repeat("v", 3*1024))
	h.capture(t, "ABC123", ownerA, viewonce.Video, video)
	assert.Contains(t, lastText(t, h.mock, ownerA), "Reply to this message or to the original")

	require.NoError(t, h.retrieve("ABC123", ownerA))

	sent := h.mock.SentTo(ownerA)
	media := sent[len(sent)-1].Media
	require.NotNil(t, media)
	assert.Equal(t, whatsapp.MediaVideo, media.Type)
	assert.Equal(t, video, media.Data)

	_, err := h.store.Get(context.Background(), "ABC123")
	assert.ErrorIs(t, err, viewonce.ErrNotFound)

	assert.ErrorIs(t, h.retrieve("ABC123", ownerA), viewonce.ErrNotFound)
	assert.Contains(t, lastText(t, h.mock, ownerA), "not in the archive")
}

func TestRoundTripKeepsBytesAndKind(t *testing.T) {
	for _, kind := range []viewonce.MediaKind{viewonce.Image, viewonce.Video, viewonce.Audio} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t)
			data := []byte(fmt.Sprintf("%s-payload-0123456789", kind))
			h.capture(t, "RT", ownerA, kind, data)

			require.NoError(t, h.retrieve("RT", ownerA))
			sent := h.mock.SentTo(ownerA)
			media := sent[len(sent)-1].Media
			require.NotNil(t, media)
			assert.Len(t, media.Data, len(data))
			assert.Equal(t, kind.Outbound(), media.Type)
			if kind == viewonce.Audio {
				assert.Empty(t, media.Caption)
			} else {
				assert.NotEmpty(t, media.Caption)
			}
		})
	}
}

func TestScenarioNonOwnerRejected(t *testing.T) {
	h := newHarness(t)
	h.capture(t, "XYZ", ownerA, viewonce.Image, []byte("secret"))

	assert.ErrorIs(t, h.retrieve("XYZ", ownerB), viewonce.ErrNotAuthorized)
	assert.Contains(t, lastText(t, h.mock, ownerB), "not allowed")
	assert.NotContains(t, lastText(t, h.mock, ownerB), ownerA)

	_, err := h.store.Get(context.Background(), "XYZ")
	require.NoError(t, err)

	require.NoError(t, h.retrieve("XYZ", ownerA))
}

func TestExpirationBoundary(t *testing.T) {
	t.Run("just inside the window", func(t *testing.T) {
		h := newHarness(t)
		h.capture(t, "EXP", ownerA, viewonce.Image, []byte("img"))
		h.now = base.Add(viewonce.DefaultWindow - time.Second)
		assert.NoError(t, h.retrieve("EXP", ownerA))
	})

	t.Run("just past the window", func(t *testing.T) {
		h := newHarness(t)
		h.capture(t, "EXP", ownerA, viewonce.Image, []byte("img"))
		h.now = base.Add(viewonce.DefaultWindow + time.Second)

		assert.ErrorIs(t, h.retrieve("EXP", ownerA), viewonce.ErrExpired)
		assert.Contains(t, lastText(t, h.mock, ownerA), "expired")

		_, err := h.store.Get(context.Background(), "EXP")
		assert.ErrorIs(t, err, viewonce.ErrNotFound)
		assert.ErrorIs(t, h.retrieve("EXP", ownerA), viewonce.ErrNotFound)
	})
}

func TestSendFailureKeepsEntry(t *testing.T) {
	h := newHarness(t)
	h.capture(t, "RETRY", ownerA, viewonce.Image, []byte("img"))

	h.mock.SendErr = errors.New("socket closed")
	err := h.retrieve("RETRY", ownerA)
	assert.ErrorIs(t, err, viewonce.ErrSend)
	assert.Contains(t, lastText(t, h.mock, ownerA), "could not be sent")

	h.mock.SendErr = nil
	assert.NoError(t, h.retrieve("RETRY", ownerA))
}
