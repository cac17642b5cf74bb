package token

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu        sync.Mutex
	tokens    map[string]*Token
	byRefresh map[string]string
	byRequest map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[string]*Token),
		byRefresh: make(map[string]string),
		byRequest: make(map[string][]string),
	}
}

func (s *MemoryStore) PutToken(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	if t.CurrentRefresh != "" {
		s.byRefresh[t.CurrentRefresh] = t.ID
	}
	if t.RequestURI != "" {
		s.byRequest[t.RequestURI] = append(s.byRequest[t.RequestURI], t.ID)
	}
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, id string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTokenForRefresh(ctx context.Context, refresh string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[refresh]
	if !ok {
		return nil, nil
	}
	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) RotateRefresh(ctx context.Context, t *Token, oldRefresh, newRefresh string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tokens[t.ID]
	if !ok || stored.Revoked || stored.CurrentRefresh != oldRefresh {
		return false, nil
	}
	cp := *t
	cp.CurrentRefresh = newRefresh
	s.tokens[t.ID] = &cp
	// the rotated-out value stays in the index for replay attribution
	s.byRefresh[newRefresh] = t.ID
	return true, nil
}

func (s *MemoryStore) RevokeToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[id]; ok {
		t.Revoked = true
	}
	return nil
}

func (s *MemoryStore) FindByRequestURI(ctx context.Context, uri string) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Token
	for _, id := range s.byRequest[uri] {
		if t, ok := s.tokens[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil
	}
	for refresh, tid := range s.byRefresh {
		if tid == id {
			delete(s.byRefresh, refresh)
		}
	}
	if t.RequestURI != "" {
		ids := s.byRequest[t.RequestURI]
		for i, tid := range ids {
			if tid == id {
				s.byRequest[t.RequestURI] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	delete(s.tokens, id)
	return nil
}
