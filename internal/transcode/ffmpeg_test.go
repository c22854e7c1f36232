package transcode

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/astro/internal/whatsapp"
)

func TestStickerArgs(t *testing.T) {
	img := stickerArgs("in.jpg", "out.webp", whatsapp.MediaImage)
	assert.Equal(t, []string{"-y", "-i", "in.jpg", "-vf", padFilter, "-an", "out.webp"}, img)

	vid := stickerArgs("in.mp4", "out.webp", whatsapp.MediaVideo)
	assert.Contains(t, vid, "libwebp")
	assert.Contains(t, vid, padFilter+",fps=15")
	assert.Contains(t, vid, "00:00:05")
	assert.Equal(t, "out.webp", vid[len(vid)-1])
}

func TestStickerRejectsAudio(t *testing.T) {
	f := &FFmpeg{Log: zerolog.Nop()}
	_, err := f.Sticker(context.Background(), []byte("x"), whatsapp.MediaAudio)
	assert.Error(t, err)
}

func TestStickerCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	f := &FFmpeg{Bin: "astro-no-such-ffmpeg", TempDir: dir, Log: zerolog.Nop()}

	_, err := f.Sticker(context.Background(), []byte("jpeg"), whatsapp.MediaImage)
	require.Error(t, err)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left)
}
