package rejects

import (
	"sync"
	"time"

	"telmlog/internal/model"
)

// Store keeps the most recent rejections in memory so operators can see what
// uploaders are getting wrong without digging through logs.
type Store struct {
	mu    sync.RWMutex
	buf   []model.RejectionEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(events ...model.RejectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if len(s.buf) < s.limit {
			s.buf = append(s.buf, ev)
			continue
		}
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = ev
	}
}

func (s *Store) List(limit int) []model.RejectionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.RejectionEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.RejectionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RejectionEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

// CountByReason groups the buffered rejections by error message.
func (s *Store) CountByReason() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, ev := range s.buf {
		out[ev.ErrorMessage]++
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
