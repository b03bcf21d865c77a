package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the Redis backend. Expiry is delegated to Redis TTLs;
// DeleteExpired therefore only has to handle audit retention bookkeeping.
const (
	redisPendingPrefix      = "talos:pending:"
	redisPendingStatePrefix = "talos:pending_state:"
	redisCodePrefix         = "talos:code:"
	redisRefreshPrefix      = "talos:refresh:"
	redisProfileSetPrefix   = "talos:refresh_profile:"
)

// RedisStore implements the repositories on Redis. Single-key atomicity for
// code redemption and token rotation uses WATCH-based optimistic
// transactions: a concurrent writer causes the transaction to fail and the
// losing caller observes ErrNotFound.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, now: time.Now}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Pending returns the pending-authentication repository view of the store.
func (s *RedisStore) Pending() PendingAuthenticationRepository { return (*redisPending)(s) }

// Codes returns the authorization-code repository view of the store.
func (s *RedisStore) Codes() AuthorizationCodeRepository { return (*redisCodes)(s) }

// RefreshTokens returns the refresh-token repository view of the store.
func (s *RedisStore) RefreshTokens() RefreshTokenRepository { return (*redisRefresh)(s) }

func (s *RedisStore) ttlUntil(expiresAt time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func setJSON(ctx context.Context, client redis.Cmdable, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func getJSON[T any](ctx context.Context, client redis.Cmdable, key string) (*T, error) {
	raw, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &value, nil
}

type redisPending RedisStore

func (s *redisPending) Create(ctx context.Context, session *PendingAuthentication) error {
	ttl, err := (*RedisStore)(s).ttlUntil(session.ExpiresAt)
	if err != nil {
		return err
	}

	exists, err := s.client.Exists(ctx, redisPendingPrefix+session.SessionID).Result()
	if err != nil {
		return fmt.Errorf("failed to check session existence: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	if err := setJSON(ctx, s.client, redisPendingPrefix+session.SessionID, session, ttl); err != nil {
		return err
	}
	if session.ProviderState != "" {
		return s.client.Set(ctx, redisPendingStatePrefix+session.ProviderState, session.SessionID, ttl).Err()
	}
	return nil
}

func (s *redisPending) Get(ctx context.Context, sessionID string) (*PendingAuthentication, error) {
	session, err := getJSON[PendingAuthentication](ctx, s.client, redisPendingPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *redisPending) GetByProviderState(ctx context.Context, providerState string) (*PendingAuthentication, error) {
	if providerState == "" {
		return nil, ErrNotFound
	}
	sessionID, err := s.client.Get(ctx, redisPendingStatePrefix+providerState).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider state: %w", err)
	}
	return s.Get(ctx, sessionID)
}

func (s *redisPending) Update(ctx context.Context, session *PendingAuthentication) error {
	ttl, err := (*RedisStore)(s).ttlUntil(session.ExpiresAt)
	if err != nil {
		return err
	}

	key := redisPendingPrefix + session.SessionID
	previous, err := getJSON[PendingAuthentication](ctx, s.client, key)
	if err != nil {
		return err
	}

	if err := setJSON(ctx, s.client, key, session, ttl); err != nil {
		return err
	}
	if previous.ProviderState != "" && previous.ProviderState != session.ProviderState {
		_ = s.client.Del(ctx, redisPendingStatePrefix+previous.ProviderState).Err()
	}
	if session.ProviderState != "" {
		return s.client.Set(ctx, redisPendingStatePrefix+session.ProviderState, session.SessionID, ttl).Err()
	}
	return nil
}

func (s *redisPending) Delete(ctx context.Context, sessionID string) error {
	session, err := getJSON[PendingAuthentication](ctx, s.client, redisPendingPrefix+sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{redisPendingPrefix + sessionID}
	if session.ProviderState != "" {
		keys = append(keys, redisPendingStatePrefix+session.ProviderState)
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisPending) DeleteExpired(context.Context) (int, error) {
	// Redis evicts expired keys itself.
	return 0, nil
}

type redisCodes RedisStore

func (s *redisCodes) Create(ctx context.Context, code *AuthorizationCode) error {
	ttl, err := (*RedisStore)(s).ttlUntil(code.ExpiresAt)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode authorization code: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisCodePrefix+code.Code, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write authorization code: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *redisCodes) Redeem(ctx context.Context, code string, accept func(*AuthorizationCode) bool) (*AuthorizationCode, error) {
	key := redisCodePrefix + code
	var (
		redeemed *AuthorizationCode
		replayed *AuthorizationCode
	)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read authorization code: %w", err)
		}

		var record AuthorizationCode
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("failed to decode authorization code: %w", err)
		}
		if !s.now().Before(record.ExpiresAt) {
			return ErrNotFound
		}
		if record.IsUsed {
			replayed = &record
			return ErrAlreadyUsed
		}

		candidate := record
		if !accept(&candidate) {
			return ErrNotFound
		}

		record.IsUsed = true
		updated, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("failed to encode authorization code: %w", err)
		}

		// Used codes are kept until their natural expiry so that replayed
		// redemptions keep failing rather than seeing an absent key.
		ttl := record.ExpiresAt.Sub(s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		redeemed = &record
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race to a concurrent redemption.
		return nil, ErrNotFound
	}
	if errors.Is(err, ErrAlreadyUsed) {
		return replayed, ErrAlreadyUsed
	}
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

func (s *redisCodes) DeleteExpired(context.Context) (int, error) {
	return 0, nil
}

type redisRefresh RedisStore

func (s *redisRefresh) Create(ctx context.Context, token *RefreshToken) error {
	ttl, err := (*RedisStore)(s).ttlUntil(token.ExpiresAt)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisRefreshPrefix+token.Token, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write refresh token: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return s.client.SAdd(ctx, redisProfileSetPrefix+token.ProfileURL, token.Token).Err()
}

func (s *redisRefresh) Get(ctx context.Context, token string) (*RefreshToken, error) {
	record, err := getJSON[RefreshToken](ctx, s.client, redisRefreshPrefix+token)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(record.ExpiresAt) {
		return nil, ErrNotFound
	}
	return record, nil
}

// writeRevoked writes the revoked form of a token record, retaining it for
// the audit window.
func (s *redisRefresh) writeRevoked(ctx context.Context, pipe redis.Cmdable, record *RefreshToken) error {
	record.IsRevoked = true
	record.RevokedAt = s.now()
	return setJSON(ctx, pipe, redisRefreshPrefix+record.Token, record, RevokedRetention)
}

func (s *redisRefresh) Rotate(ctx context.Context, oldToken string, replacement *RefreshToken) error {
	ttl, err := (*RedisStore)(s).ttlUntil(replacement.ExpiresAt)
	if err != nil {
		return err
	}

	key := redisRefreshPrefix + oldToken
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read refresh token: %w", err)
		}

		var record RefreshToken
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("failed to decode refresh token: %w", err)
		}
		if record.IsRevoked || !s.now().Before(record.ExpiresAt) {
			return ErrNotFound
		}

		record.IsRevoked = true
		record.RevokedAt = s.now()
		revoked, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("failed to encode refresh token: %w", err)
		}
		newRaw, err := json.Marshal(replacement)
		if err != nil {
			return fmt.Errorf("failed to encode replacement token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, revoked, RevokedRetention)
			pipe.Set(ctx, redisRefreshPrefix+replacement.Token, newRaw, ttl)
			pipe.SAdd(ctx, redisProfileSetPrefix+replacement.ProfileURL, replacement.Token)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrNotFound
	}
	return err
}

func (s *redisRefresh) Revoke(ctx context.Context, token string) error {
	record, err := getJSON[RefreshToken](ctx, s.client, redisRefreshPrefix+token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.IsRevoked {
		return nil
	}
	return s.writeRevoked(ctx, s.client, record)
}

func (s *redisRefresh) RevokeAllForProfile(ctx context.Context, profileURL string) (int, error) {
	setKey := redisProfileSetPrefix + profileURL
	tokens, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens for profile: %w", err)
	}

	now := s.now()
	revoked := 0
	for _, token := range tokens {
		record, err := getJSON[RefreshToken](ctx, s.client, redisRefreshPrefix+token)
		if errors.Is(err, ErrNotFound) {
			// Expired and evicted; drop the stale set member.
			_ = s.client.SRem(ctx, setKey, token).Err()
			continue
		}
		if err != nil {
			return revoked, err
		}
		if record.IsRevoked || !now.Before(record.ExpiresAt) {
			continue
		}
		if err := s.writeRevoked(ctx, s.client, record); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (s *redisRefresh) DeleteExpired(context.Context) (int, error) {
	return 0, nil
}

var (
	_ PendingAuthenticationRepository = (*redisPending)(nil)
	_ AuthorizationCodeRepository     = (*redisCodes)(nil)
	_ RefreshTokenRepository          = (*redisRefresh)(nil)
)
