package bundle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps bundles in process. URLs point at BaseURL.
type MemoryStore struct {
	BaseURL string

	mu   sync.RWMutex
	data map[string][]byte
	puts int
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		data:    make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(_ context.Context, key Key, r io.Reader, _ int64) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if err := key.validate(); err != nil {
		return err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.Object()] = raw
	s.puts++
	return nil
}

func (s *MemoryStore) Stat(_ context.Context, key Key) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("store is nil")
	}
	if err := key.validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key.Object()]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(raw)), nil
}

// Puts counts the uploads received so far.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

func (s *MemoryStore) URL(_ context.Context, key Key, expiry time.Duration) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}
	s.mu.RLock()
	_, ok := s.data[key.Object()]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	q := url.Values{"expires_in": {fmt.Sprintf("%d", int64(expiry/time.Second))}}
	return s.BaseURL + "/" + key.Object() + "?" + q.Encode(), nil
}
