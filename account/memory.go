package account

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type deviceAccountKey struct {
	deviceID string
	sub      string
}

type resetToken struct {
	sub       string
	expiresAt time.Time
}

type MemoryStore struct {
	mu             sync.RWMutex
	bySub          map[string]Account
	byHandle       map[string]string
	deviceAccounts map[deviceAccountKey]DeviceAccountInfo
	resetTokens    map[string]resetToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySub:          make(map[string]Account),
		byHandle:       make(map[string]string),
		deviceAccounts: make(map[deviceAccountKey]DeviceAccountInfo),
		resetTokens:    make(map[string]resetToken),
	}
}

func (s *MemoryStore) GetAccountBySub(ctx context.Context, sub string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.bySub[sub]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) GetAccountByHandle(ctx context.Context, handle string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byHandle[handle]
	if !ok {
		return nil, nil
	}
	a := s.bySub[sub]
	return &a, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHandle[a.Handle]; ok {
		return fmt.Errorf("handle is taken: %q", a.Handle)
	}
	s.bySub[a.Sub] = *a
	s.byHandle[a.Handle] = a.Sub
	return nil
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, sub string, passwordHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.bySub[sub]
	if !ok {
		return fmt.Errorf("account not found: %s", sub)
	}
	a.PasswordHash = passwordHash
	s.bySub[sub] = a
	return nil
}

func (s *MemoryStore) GetDeviceAccount(ctx context.Context, deviceID, sub string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.deviceAccounts[deviceAccountKey{deviceID, sub}]
	if !ok {
		return nil, nil
	}
	a, ok := s.bySub[sub]
	if !ok {
		return nil, nil
	}
	return &Session{Account: a, Info: info}, nil
}

func (s *MemoryStore) ListDeviceAccounts(ctx context.Context, deviceID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []Session
	for key, info := range s.deviceAccounts {
		if key.deviceID != deviceID {
			continue
		}
		a, ok := s.bySub[key.sub]
		if !ok {
			continue
		}
		sessions = append(sessions, Session{Account: a, Info: info})
	}
	return sessions, nil
}

func (s *MemoryStore) UpsertDeviceAccount(ctx context.Context, deviceID, sub string, info DeviceAccountInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceAccounts[deviceAccountKey{deviceID, sub}] = info
	return nil
}

func (s *MemoryStore) AddAuthorizedClient(ctx context.Context, deviceID, sub, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceAccountKey{deviceID, sub}
	info, ok := s.deviceAccounts[key]
	if !ok {
		return fmt.Errorf("no session for %s on device %s", sub, deviceID)
	}
	if !info.HasAuthorizedClient(clientID) {
		info.AuthorizedClients = append(info.AuthorizedClients, clientID)
	}
	s.deviceAccounts[key] = info
	return nil
}

func (s *MemoryStore) RemoveDeviceAccount(ctx context.Context, deviceID, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deviceAccounts, deviceAccountKey{deviceID, sub})
	return nil
}

func (s *MemoryStore) SaveResetToken(ctx context.Context, token, sub string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetTokens[token] = resetToken{sub: sub, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumeResetToken(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.resetTokens[token]
	if !ok {
		return "", fmt.Errorf("token not found")
	}
	delete(s.resetTokens, token)
	if time.Now().After(rt.expiresAt) {
		return "", fmt.Errorf("token expired")
	}
	return rt.sub, nil
}
