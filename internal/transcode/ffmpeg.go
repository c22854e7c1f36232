package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/astro/internal/whatsapp"
)

// MaxStickerSeconds is the longest video accepted for an animated sticker.
const MaxStickerSeconds = 5

const padFilter = "scale=512:512:force_original_aspect_ratio=decrease,pad=512:512:(ow-iw)/2:(oh-ih)/2:color=black"

// FFmpeg converts media to WhatsApp stickers by running the ffmpeg binary.
type FFmpeg struct {
	Bin     string // defaults to "ffmpeg"
	TempDir string // defaults to os.TempDir()
	Log     zerolog.Logger
}

// Sticker converts an image or short video to a 512x512 webp sticker.
func (f *FFmpeg) Sticker(ctx context.Context, data []byte, typ whatsapp.MediaType) ([]byte, error) {
	if typ != whatsapp.MediaImage && typ != whatsapp.MediaVideo {
		return nil, fmt.Errorf("cannot make a sticker from %s", typ)
	}

	dir := f.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	ext := ".jpg"
	if typ == whatsapp.MediaVideo {
		ext = ".mp4"
	}
	in := filepath.Join(dir, uuid.NewString()+ext)
	out := filepath.Join(dir, uuid.NewString()+".webp")
	defer os.Remove(in)
	defer os.Remove(out)

	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write ffmpeg input: %w", err)
	}

	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, stickerArgs(in, out, typ)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		f.Log.Debug().Str("stderr", stderr.String()).Msg("ffmpeg failed")
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}

	webp, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read sticker: %w", err)
	}
	return webp, nil
}

func stickerArgs(in, out string, typ whatsapp.MediaType) []string {
	if typ == whatsapp.MediaVideo {
		return []string{
			"-y", "-i", in,
			"-c:v", "libwebp",
			"-filter:v", padFilter + ",fps=15",
			"-an", "-loop", "0",
			"-ss", "00:00:00", "-t", fmt.Sprintf("00:00:%02d", MaxStickerSeconds),
			out,
		}
	}
	return []string{"-y", "-i", in, "-vf", padFilter, "-an", out}
}
