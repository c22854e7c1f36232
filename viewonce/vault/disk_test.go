package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/astro/viewonce"
)

func openTestDisk(t *testing.T, dir string) *Disk {
	t.Helper()
	s, err := OpenDisk(filepath.Join(dir, "media"), filepath.Join(dir, "index.json"), 24*time.Hour, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestDiskSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("ABC123", "111@s.whatsapp.net", viewonce.Video, "mp4", base))
	require.NoError(t, err)

	reopened := openTestDisk(t, dir)
	got, err := reopened.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, viewonce.Video, got.Kind)
	assert.Equal(t, "ABC123.mp4", got.FileName)
	assert.Equal(t, []byte("mp4"), got.Data)
}

func TestDiskIndexFormat(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("XYZ", "a@s.whatsapp.net", viewonce.Video, "v", base))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var idx map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &idx))

	rec := idx["XYZ"]
	assert.Equal(t, true, rec["isVideo"])
	assert.Equal(t, "a@s.whatsapp.net", rec["senderJid"])
	assert.Equal(t, "XYZ.mp4", rec["fileName"])
	assert.Equal(t, float64(base.UnixMilli()), rec["timestamp"])
}

func TestDiskReadsLegacyIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mediaDir := filepath.Join(dir, "media")
	require.NoError(t, os.MkdirAll(mediaDir, 0o755))

	file := filepath.Join(mediaDir, "OLD1.mp4")
	require.NoError(t, os.WriteFile(file, []byte("legacy"), 0o644))
	legacy := map[string]any{
		"OLD1": map[string]any{
			"filePath":  file,
			"fileName":  "OLD1.mp4",
			"isVideo":   true,
			"senderJid": "222@s.whatsapp.net",
			"timestamp": base.UnixMilli(),
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), raw, 0o644))

	s := openTestDisk(t, dir)
	got, err := s.Get(ctx, "OLD1")
	require.NoError(t, err)
	assert.Equal(t, viewonce.Video, got.Kind)
	assert.Equal(t, "222@s.whatsapp.net", got.OwnerID)
}

func TestDiskCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte("{not json"), 0o644))

	s := openTestDisk(t, dir)
	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDiskDeleteRemovesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("DEL", "a", viewonce.Image, "jpg", base))
	require.NoError(t, err)

	path := filepath.Join(dir, "media", "DEL.jpg")
	require.FileExists(t, path)
	require.NoError(t, s.Delete(ctx, "DEL"))
	assert.NoFileExists(t, path)
}

func TestDiskMissingFileCountsAsClean(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("OLD", "a", viewonce.Image, "jpg", base.Add(-48*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "media", "OLD.jpg")))

	n, err := s.Sweep(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reopened := openTestDisk(t, dir)
	all, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDiskGetWithVanishedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("VAN", "a", viewonce.Audio, "ogg", base))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "media", "VAN.ogg")))

	_, err = s.Get(ctx, "VAN")
	assert.ErrorIs(t, err, viewonce.ErrNotFound)
}

func TestFileNameSanitizesID(t *testing.T) {
	assert.Equal(t, "a_b_c.jpg", fileName("a/b\\c", viewonce.Image))
	assert.Equal(t, "3EB0ABC.ogg", fileName("3EB0ABC", viewonce.Audio))
}

func TestDiskIDsThatSanitizeAlikeKeepSeparateFiles(t *testing.T) {
	ctx := context.Background()
	s := openTestDisk(t, t.TempDir())

	_, err := s.Put(ctx, entry("A:B", "owner-a", viewonce.Image, "alice-secret", base))
	require.NoError(t, err)
	_, err = s.Put(ctx, entry("A_B", "owner-b", viewonce.Image, "bob-secret", base))
	require.NoError(t, err)

	a, err := s.Get(ctx, "A:B")
	require.NoError(t, err)
	b, err := s.Get(ctx, "A_B")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-secret"), a.Data)
	assert.Equal(t, []byte("bob-secret"), b.Data)
	assert.NotEqual(t, a.FilePath, b.FilePath)

	require.NoError(t, s.Delete(ctx, "A_B"))
	a, err = s.Get(ctx, "A:B")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-secret"), a.Data)
}

func TestDiskDoesNotOverwriteStrayFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	stray := filepath.Join(dir, "media", "STRAY.jpg")
	require.NoError(t, os.WriteFile(stray, []byte("not ours"), 0o644))

	_, err := s.Put(ctx, entry("STRAY", "a", viewonce.Image, "ours", base))
	require.NoError(t, err)

	raw, err := os.ReadFile(stray)
	require.NoError(t, err)
	assert.Equal(t, []byte("not ours"), raw)
	got, err := s.Get(ctx, "STRAY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ours"), got.Data)
}

func TestDiskAcknowledgementSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestDisk(t, dir)
	_, err := s.Put(ctx, entry("MSG1", "a", viewonce.Image, "jpg", base))
	require.NoError(t, err)
	require.NoError(t, s.Acknowledge(ctx, "MSG1", "ACK1"))

	got, err := openTestDisk(t, dir).Get(ctx, "ACK1")
	require.NoError(t, err)
	assert.Equal(t, "MSG1", got.MessageID)
	assert.Equal(t, "ACK1", got.AckID)
}
