package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/astro/viewonce"
)

// indexEntry is one record of the JSON index file. Field names match the
// index written by earlier versions of the bot, which only knew isVideo.
type indexEntry struct {
	FilePath  string `json:"filePath"`
	FileName  string `json:"fileName"`
	IsVideo   bool   `json:"isVideo"`
	Kind      string `json:"kind,omitempty"`
	Mimetype  string `json:"mimetype,omitempty"`
	AckID     string `json:"ackId,omitempty"`
	SenderJID string `json:"senderJid"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func (e indexEntry) media(id string) viewonce.CapturedMedia {
	kind := viewonce.MediaKind(e.Kind)
	if !kind.Valid() {
		kind = viewonce.Image
		if e.IsVideo {
			kind = viewonce.Video
		}
	}
	return viewonce.CapturedMedia{
		MessageID:  id,
		OwnerID:    e.SenderJID,
		Kind:       kind,
		Mimetype:   e.Mimetype,
		AckID:      e.AckID,
		FilePath:   e.FilePath,
		FileName:   e.FileName,
		CapturedAt: time.UnixMilli(e.Timestamp),
	}
}

// Disk stores each payload as a file under dir and keeps a JSON index of all
// entries. The index is rewritten after every mutation.
type Disk struct {
	mu        sync.Mutex
	dir       string
	indexPath string
	window    time.Duration
	log       zerolog.Logger
	index     map[string]indexEntry
}

// OpenDisk opens (or creates) a file-backed store. A missing index starts an
// empty store; an unreadable one is logged and replaced.
func OpenDisk(dir, indexPath string, window time.Duration, log zerolog.Logger) (*Disk, error) {
	if window <= 0 {
		window = viewonce.DefaultWindow
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	s := &Disk{
		dir:       dir,
		indexPath: indexPath,
		window:    window,
		log:       log,
		index:     map[string]indexEntry{},
	}

	raw, err := os.ReadFile(indexPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Str("path", indexPath).Msg("no capture index, starting empty")
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.index); err != nil {
			log.Warn().Err(err).Str("path", indexPath).Msg("capture index unreadable, starting empty")
			s.index = map[string]indexEntry{}
		} else {
			log.Info().Int("entries", len(s.index)).Msg("capture index loaded")
		}
	}
	return s, nil
}

func (s *Disk) Put(ctx context.Context, m viewonce.CapturedMedia) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[m.MessageID]; ok {
		return false, nil
	}

	name, path, err := s.writeFile(m.MessageID, m.Kind, m.Data)
	if err != nil {
		return false, err
	}

	s.index[m.MessageID] = indexEntry{
		FilePath:  path,
		FileName:  name,
		IsVideo:   m.Kind == viewonce.Video,
		Kind:      string(m.Kind),
		Mimetype:  m.Mimetype,
		SenderJID: m.OwnerID,
		Timestamp: m.CapturedAt.UnixMilli(),
	}
	s.persist()
	return true, nil
}

func (s *Disk) Get(ctx context.Context, id string) (*viewonce.CapturedMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, e, ok := s.lookup(id)
	if !ok {
		return nil, viewonce.ErrNotFound
	}
	data, err := os.ReadFile(e.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		// File removed behind our back: the entry is unusable.
		delete(s.index, id)
		s.persist()
		return nil, viewonce.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	m := e.media(id)
	m.Data = data
	return &m, nil
}

func (s *Disk) Acknowledge(ctx context.Context, id, ackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return viewonce.ErrNotFound
	}
	e.AckID = ackID
	s.index[id] = e
	s.persist()
	return nil
}

// lookup finds an entry by message ID, then by acknowledgement ID.
func (s *Disk) lookup(id string) (string, indexEntry, bool) {
	if e, ok := s.index[id]; ok {
		return id, e, true
	}
	for msgID, e := range s.index {
		if e.AckID != "" && e.AckID == id {
			return msgID, e, true
		}
	}
	return "", indexEntry{}, false
}

func (s *Disk) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return nil
	}
	if err := removeFile(e.FilePath); err != nil {
		return err
	}
	delete(s.index, id)
	s.persist()
	return nil
}

func (s *Disk) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	n := 0
	for id, e := range s.index {
		if !e.media(id).Expired(now, s.window) {
			continue
		}
		if err := removeFile(e.FilePath); err != nil {
			s.log.Error().Err(err).Str("file", e.FileName).Msg("remove expired media")
			errs = append(errs, err)
			continue
		}
		s.log.Debug().Str("file", e.FileName).Msg("expired media removed")
		delete(s.index, id)
		n++
	}
	if n > 0 {
		s.persist()
	}
	return n, errors.Join(errs...)
}

func (s *Disk) List(ctx context.Context) ([]viewonce.CapturedMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]viewonce.CapturedMedia, 0, len(s.index))
	for id, e := range s.index {
		out = append(out, e.media(id))
	}
	sortByAge(out)
	return out, nil
}

// persist rewrites the index. Failures are logged: the in-memory index stays
// authoritative until the next successful write.
func (s *Disk) persist() {
	raw, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("encode capture index")
		return
	}
	if err := os.WriteFile(s.indexPath, raw, 0o644); err != nil {
		s.log.Error().Err(err).Str("path", s.indexPath).Msg("write capture index")
	}
}

// removeFile deletes path; a file that is already gone counts as removed.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFile stores data under a name derived from id. It never replaces an
// existing file or a name another entry still points at: on a clash the
// name gets a random suffix.
func (s *Disk) writeFile(id string, kind viewonce.MediaKind, data []byte) (string, string, error) {
	name := fileName(id, kind)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			name = fileName(id+"-"+uuid.NewString(), kind)
		}
		if s.nameInUse(name) {
			continue
		}
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) && attempt < 3 {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("create media file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", "", fmt.Errorf("write media file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", "", fmt.Errorf("write media file: %w", err)
		}
		return name, path, nil
	}
}

func (s *Disk) nameInUse(name string) bool {
	for _, e := range s.index {
		if e.FileName == name {
			return true
		}
	}
	return false
}

func fileName(id string, kind viewonce.MediaKind) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	return safe + kind.Ext()
}
