package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/jwtx"
	"github.com/aussiebroadwan/shelfauth/pkg/kv"
)

// SessionStore is the single source of truth for the signed-in user and
// their tokens. Every mutation is persisted to the kv.Store and then
// broadcast to subscribers.
type SessionStore struct {
	store  kv.Store
	clock  Clock
	logger *slog.Logger

	mu    sync.RWMutex
	state SessionState

	subMu   sync.Mutex
	subs    map[uint64]func(SessionState)
	nextSub uint64
}

// NewSessionStore creates an empty store. Call Initialize to hydrate it.
// clock and logger may be nil.
func NewSessionStore(store kv.Store, clock Clock, logger *slog.Logger) *SessionStore {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		store:  store,
		clock:  clock,
		logger: logger,
		subs:   make(map[uint64]func(SessionState)),
	}
}

// Initialize hydrates the session from storage. Unreadable records are
// dropped. A token that is incomplete, whose payload cannot be decoded, or
// whose exp has passed is discarded together with the user and the cleared
// state is persisted.
func (s *SessionStore) Initialize(ctx context.Context) error {
	token, err := loadJSON[Token](ctx, s, KeyToken)
	if err != nil {
		return err
	}

	user, err := loadJSON[User](ctx, s, KeyUser)
	if err != nil {
		return err
	}

	if token != nil {
		if reason, err := s.unusable(token); reason != "" {
			s.logger.Warn("discarding stored session", "reason", reason, "error", err)
			token, user = nil, nil
			if err := s.store.Delete(ctx, KeyToken, KeyUser); err != nil {
				return fmt.Errorf("failed to clear stored session: %w", err)
			}
		}
	}

	if token != nil && token.TokenType == "" {
		token.TokenType = DefaultTokenType
	}

	s.set(SessionState{User: user, Token: token})
	return nil
}

// unusable reports why a restored token cannot be adopted, or "" if it can.
func (s *SessionStore) unusable(token *Token) (string, error) {
	if !token.complete() {
		return "incomplete token", nil
	}
	claims, err := jwtx.ParseUnverified(token.AccessToken)
	if err != nil {
		return "malformed payload", err
	}
	if claims.ExpiredAt(s.clock.Now()) {
		return "expired", nil
	}
	return "", nil
}

// loadJSON decodes the value stored under key. Missing keys yield nil;
// undecodable values are deleted and also yield nil.
func loadJSON[T any](ctx context.Context, s *SessionStore, key string) (*T, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("discarding unreadable stored value", "key", key, "error", err)
		if err := s.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", key, err)
		}
		return nil, nil
	}
	return v, nil
}

// SetTokens persists and adopts a new token. An empty tokenType defaults to
// Bearer. The in-memory session is updated even when persistence fails; the
// persistence error is returned.
func (s *SessionStore) SetTokens(ctx context.Context, accessToken, refreshToken, tokenType string) error {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	token := &Token{AccessToken: accessToken, RefreshToken: refreshToken, TokenType: tokenType}
	if !token.complete() {
		return ErrIncompleteToken
	}

	perr := s.persistJSON(ctx, KeyToken, token)

	s.mu.Lock()
	s.state.Token = token
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return perr
}

// SetUser persists and adopts the user profile. A nil user clears it.
func (s *SessionStore) SetUser(ctx context.Context, user *User) error {
	var perr error
	if user == nil {
		perr = s.store.Delete(ctx, KeyUser)
	} else {
		user = user.clone()
		perr = s.persistJSON(ctx, KeyUser, user)
	}

	s.mu.Lock()
	s.state.User = user
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return perr
}

// Logout removes every session key from storage and resets the session.
func (s *SessionStore) Logout(ctx context.Context) error {
	perr := s.store.Delete(ctx, sessionKeys...)
	if perr != nil {
		perr = fmt.Errorf("failed to clear session storage: %w", perr)
	}

	s.set(SessionState{})
	return perr
}

func (s *SessionStore) persistJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, b); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) set(state SessionState) {
	s.mu.Lock()
	s.state = state
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
}

// Snapshot returns a copy of the current state.
func (s *SessionStore) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Token returns a copy of the current token, or nil.
func (s *SessionStore) Token() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token.clone()
}

// User returns a copy of the current user, or nil.
func (s *SessionStore) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.User.clone()
}

// IsAuthenticated reports whether both a user and a token are present.
func (s *SessionStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.User != nil && s.state.Token != nil
}

// IsAdmin reports whether the current user holds the "admin" role.
func (s *SessionStore) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.User.HasRole("admin")
}

// IsTokenExpired reports whether the access token's exp has passed. A
// missing token or undecodable payload counts as expired.
func (s *SessionStore) IsTokenExpired() bool {
	claims, ok := s.claims()
	return !ok || claims.ExpiredAt(s.clock.Now())
}

// IsTokenExpiringSoon reports whether the access token expires within
// margin. A missing token or undecodable payload counts as expiring.
func (s *SessionStore) IsTokenExpiringSoon(margin time.Duration) bool {
	claims, ok := s.claims()
	return !ok || claims.ExpiresWithin(s.clock.Now(), margin)
}

// ExpiresAt returns the access token's exp claim.
func (s *SessionStore) ExpiresAt() (time.Time, error) {
	token := s.Token()
	if token == nil {
		return time.Time{}, ErrNotAuthenticated
	}
	return jwtx.ExpiresAt(token.AccessToken)
}

func (s *SessionStore) claims() (*jwtx.Claims, bool) {
	token := s.Token()
	if token == nil {
		return nil, false
	}
	claims, err := jwtx.ParseUnverified(token.AccessToken)
	if err != nil {
		return nil, false
	}
	return claims, true
}

// Subscribe registers fn to receive the state after every change. fn is
// called once immediately with the current state. Callbacks run outside
// the store's locks but must not block.
func (s *SessionStore) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	fn(s.Snapshot())

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *SessionStore) notify(state SessionState) {
	s.subMu.Lock()
	fns := make([]func(SessionState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(state.clone())
	}
}
