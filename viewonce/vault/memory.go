package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/user/astro/viewonce"
)

// Memory keeps captures in process memory. Everything is lost on restart.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]viewonce.CapturedMedia
	acks    map[string]string // ack ID -> message ID
}

// NewMemory creates an empty in-memory store.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = viewonce.DefaultWindow
	}
	return &Memory{
		window:  window,
		entries: map[string]viewonce.CapturedMedia{},
		acks:    map[string]string{},
	}
}

func (s *Memory) Put(ctx context.Context, m viewonce.CapturedMedia) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[m.MessageID]; ok {
		return false, nil
	}
	m.Data = append([]byte(nil), m.Data...)
	s.entries[m.MessageID] = m
	return true, nil
}

func (s *Memory) Get(ctx context.Context, id string) (*viewonce.CapturedMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[id]
	if !ok {
		if m, ok = s.entries[s.acks[id]]; !ok {
			return nil, viewonce.ErrNotFound
		}
	}
	m.Data = append([]byte(nil), m.Data...)
	return &m, nil
}

func (s *Memory) Acknowledge(ctx context.Context, id, ackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[id]
	if !ok {
		return viewonce.ErrNotFound
	}
	delete(s.acks, m.AckID)
	m.AckID = ackID
	s.entries[id] = m
	s.acks[ackID] = id
	return nil
}

func (s *Memory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
	return nil
}

func (s *Memory) remove(id string) {
	if m, ok := s.entries[id]; ok {
		delete(s.acks, m.AckID)
		delete(s.entries, id)
	}
}

func (s *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.entries {
		if m.Expired(now, s.window) {
			s.remove(id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) List(ctx context.Context) ([]viewonce.CapturedMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]viewonce.CapturedMedia, 0, len(s.entries))
	for _, m := range s.entries {
		m.Data = nil
		out = append(out, m)
	}
	sortByAge(out)
	return out, nil
}

func sortByAge(entries []viewonce.CapturedMedia) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CapturedAt.Before(entries[j].CapturedAt)
	})
}
