package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements the three repositories with in-memory maps.
// Thread-safe; suitable for development, testing, and single-node
// deployments that can tolerate state loss on restart.
type MemoryStore struct {
	mu sync.RWMutex

	// sessions maps sessionID -> record; sessionsByState is a secondary
	// index from providerState -> sessionID for callback lookup.
	sessions        map[string]*PendingAuthentication
	sessionsByState map[string]string

	// codes maps authorization code -> record. Codes are single-use;
	// redemption flips IsUsed under the write lock.
	codes map[string]*AuthorizationCode

	// refreshTokens maps token -> record.
	refreshTokens map[string]*RefreshToken

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:        make(map[string]*PendingAuthentication),
		sessionsByState: make(map[string]string),
		codes:           make(map[string]*AuthorizationCode),
		refreshTokens:   make(map[string]*RefreshToken),
		now:             time.Now,
	}
}

// Ping implements Store; memory is always reachable.
func (*MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store; there is nothing to release.
func (*MemoryStore) Close() error { return nil }

// Pending returns the pending-authentication repository view of the store.
func (s *MemoryStore) Pending() PendingAuthenticationRepository { return (*memoryPending)(s) }

// Codes returns the authorization-code repository view of the store.
func (s *MemoryStore) Codes() AuthorizationCodeRepository { return (*memoryCodes)(s) }

// RefreshTokens returns the refresh-token repository view of the store.
func (s *MemoryStore) RefreshTokens() RefreshTokenRepository { return (*memoryRefresh)(s) }

type memoryPending MemoryStore

func (s *memoryPending) Create(_ context.Context, session *PendingAuthentication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return ErrAlreadyExists
	}

	stored := clonePending(session)
	s.sessions[session.SessionID] = stored
	if stored.ProviderState != "" {
		s.sessionsByState[stored.ProviderState] = stored.SessionID
	}
	return nil
}

func (s *memoryPending) Get(_ context.Context, sessionID string) (*PendingAuthentication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || !s.now().Before(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	return clonePending(session), nil
}

func (s *memoryPending) GetByProviderState(_ context.Context, providerState string) (*PendingAuthentication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if providerState == "" {
		return nil, ErrNotFound
	}
	sessionID, ok := s.sessionsByState[providerState]
	if !ok {
		return nil, ErrNotFound
	}
	session, ok := s.sessions[sessionID]
	if !ok || !s.now().Before(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	return clonePending(session), nil
}

func (s *memoryPending) Update(_ context.Context, session *PendingAuthentication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.sessions[session.SessionID]
	if !ok {
		return ErrNotFound
	}

	// Keep the providerState index in step with the record.
	if previous.ProviderState != "" && previous.ProviderState != session.ProviderState {
		delete(s.sessionsByState, previous.ProviderState)
	}
	stored := clonePending(session)
	s.sessions[session.SessionID] = stored
	if stored.ProviderState != "" {
		s.sessionsByState[stored.ProviderState] = stored.SessionID
	}
	return nil
}

func (s *memoryPending) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		delete(s.sessionsByState, session.ProviderState)
		delete(s.sessions, sessionID)
	}
	return nil
}

func (s *memoryPending) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for sessionID, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessionsByState, session.ProviderState)
			delete(s.sessions, sessionID)
			deleted++
		}
	}
	return deleted, nil
}

type memoryCodes MemoryStore

func (s *memoryCodes) Create(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return ErrAlreadyExists
	}
	s.codes[code.Code] = cloneCode(code)
	return nil
}

func (s *memoryCodes) Redeem(_ context.Context, code string, accept func(*AuthorizationCode) bool) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok || !s.now().Before(record.ExpiresAt) {
		return nil, ErrNotFound
	}
	if record.IsUsed {
		return cloneCode(record), ErrAlreadyUsed
	}
	if !accept(cloneCode(record)) {
		return nil, ErrNotFound
	}
	record.IsUsed = true
	return cloneCode(record), nil
}

func (s *memoryCodes) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, record := range s.codes {
		if !now.Before(record.ExpiresAt) {
			delete(s.codes, key)
			deleted++
		}
	}
	return deleted, nil
}

type memoryRefresh MemoryStore

func (s *memoryRefresh) Create(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		return ErrAlreadyExists
	}
	s.refreshTokens[token.Token] = cloneRefresh(token)
	return nil
}

func (s *memoryRefresh) Get(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok || !s.now().Before(record.ExpiresAt) {
		return nil, ErrNotFound
	}
	return cloneRefresh(record), nil
}

func (s *memoryRefresh) Rotate(_ context.Context, oldToken string, replacement *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[oldToken]
	if !ok || record.IsRevoked || !s.now().Before(record.ExpiresAt) {
		return ErrNotFound
	}
	if _, exists := s.refreshTokens[replacement.Token]; exists {
		return ErrAlreadyExists
	}
	record.IsRevoked = true
	record.RevokedAt = s.now()
	s.refreshTokens[replacement.Token] = cloneRefresh(replacement)
	return nil
}

func (s *memoryRefresh) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.refreshTokens[token]; ok && !record.IsRevoked {
		record.IsRevoked = true
		record.RevokedAt = s.now()
	}
	return nil
}

func (s *memoryRefresh) RevokeAllForProfile(_ context.Context, profileURL string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for _, record := range s.refreshTokens {
		if record.ProfileURL == profileURL && !record.IsRevoked && now.Before(record.ExpiresAt) {
			record.IsRevoked = true
			record.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

func (s *memoryRefresh) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, record := range s.refreshTokens {
		expired := !now.Before(record.ExpiresAt)
		retired := record.IsRevoked && now.Sub(record.RevokedAt) > RevokedRetention
		if expired || retired {
			delete(s.refreshTokens, key)
			deleted++
		}
	}
	return deleted, nil
}

// Clones guard against callers mutating records the store still holds.

func clonePending(in *PendingAuthentication) *PendingAuthentication {
	out := *in
	out.Scopes = append([]string(nil), in.Scopes...)
	out.Providers = append([]ProviderOption(nil), in.Providers...)
	return &out
}

func cloneCode(in *AuthorizationCode) *AuthorizationCode {
	out := *in
	out.Scopes = append([]string(nil), in.Scopes...)
	return &out
}

func cloneRefresh(in *RefreshToken) *RefreshToken {
	out := *in
	out.Scopes = append([]string(nil), in.Scopes...)
	return &out
}

var (
	_ PendingAuthenticationRepository = (*memoryPending)(nil)
	_ AuthorizationCodeRepository     = (*memoryCodes)(nil)
	_ RefreshTokenRepository          = (*memoryRefresh)(nil)
)
