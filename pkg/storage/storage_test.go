package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackends returns every backend implementation so the repository
// contract tests run identically against all of them.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "talos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	mr := miniredis.RunT(t)
	redisStore := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = redisStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
		"redis":  redisStore,
	}
}

func newPending(sessionID, providerState string, ttl time.Duration) *PendingAuthentication {
	now := time.Now().UTC()
	return &PendingAuthentication{
		SessionID:           sessionID,
		ProfileURL:          "https://jane.example.com/",
		ClientID:            "https://app.example.com/",
		RedirectURI:         "https://app.example.com/cb",
		State:               "client-state-123",
		Scopes:              []string{"create", "update"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ClientName:          "Example App",
		Providers: []ProviderOption{
			{ProviderType: "github", ProfileURL: "https://github.com/jane", Username: "jane", DisplayName: "GitHub"},
		},
		ProviderState: providerState,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

func newCode(code string, scopes []string, ttl time.Duration) *AuthorizationCode {
	now := time.Now().UTC()
	return &AuthorizationCode{
		Code:                code,
		ClientID:            "https://app.example.com/",
		RedirectURI:         "https://app.example.com/cb",
		ProfileURL:          "https://jane.example.com/",
		Scopes:              scopes,
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

func newRefresh(token string, ttl time.Duration) *RefreshToken {
	now := time.Now().UTC()
	return &RefreshToken{
		Token:      token,
		ClientID:   "https://app.example.com/",
		ProfileURL: "https://jane.example.com/",
		Scopes:     []string{"create"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestPendingAuthenticationLifecycle(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.Pending()

			session := newPending("session-1", "", time.Hour)
			require.NoError(t, repo.Create(ctx, session))

			// Duplicate session IDs are rejected.
			assert.ErrorIs(t, repo.Create(ctx, newPending("session-1", "", time.Hour)), ErrAlreadyExists)

			got, err := repo.Get(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, session.ProfileURL, got.ProfileURL)
			assert.Equal(t, session.Scopes, got.Scopes)
			assert.Equal(t, session.Providers, got.Providers)
			assert.False(t, got.IsAuthenticated)

			_, err = repo.Get(ctx, "no-such-session")
			assert.ErrorIs(t, err, ErrNotFound)

			// Binding a provider state makes the session findable by it.
			got.SelectedProviderType = "github"
			got.ProviderState = "state-abc"
			require.NoError(t, repo.Update(ctx, got))

			byState, err := repo.GetByProviderState(ctx, "state-abc")
			require.NoError(t, err)
			assert.Equal(t, "session-1", byState.SessionID)

			_, err = repo.GetByProviderState(ctx, "")
			assert.ErrorIs(t, err, ErrNotFound)

			// Clearing the state removes the index entry.
			byState.ProviderState = ""
			byState.IsAuthenticated = true
			require.NoError(t, repo.Update(ctx, byState))

			_, err = repo.GetByProviderState(ctx, "state-abc")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err = repo.Get(ctx, "session-1")
			require.NoError(t, err)
			assert.True(t, got.IsAuthenticated)

			require.NoError(t, repo.Delete(ctx, "session-1"))
			_, err = repo.Get(ctx, "session-1")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing session is not an error.
			assert.NoError(t, repo.Delete(ctx, "session-1"))

			// Updating a missing session is.
			assert.ErrorIs(t, repo.Update(ctx, session), ErrNotFound)
		})
	}
}

func TestPendingAuthenticationExpiry(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.Pending()

			session := newPending("expiring", "expiring-state", 100*time.Millisecond)
			require.NoError(t, repo.Create(ctx, session))

			time.Sleep(150 * time.Millisecond)

			_, err := repo.Get(ctx, "expiring")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetByProviderState(ctx, "expiring-state")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = repo.DeleteExpired(ctx)
			assert.NoError(t, err)
		})
	}
}

func TestAuthorizationCodeRedeemIsSingleUse(t *testing.T) {
	t.Parallel()

	acceptAll := func(*AuthorizationCode) bool { return true }

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.Codes()

			require.NoError(t, repo.Create(ctx, newCode("code-1", []string{"create"}, time.Hour)))
			assert.ErrorIs(t, repo.Create(ctx, newCode("code-1", nil, time.Hour)), ErrAlreadyExists)

			redeemed, err := repo.Redeem(ctx, "code-1", acceptAll)
			require.NoError(t, err)
			assert.True(t, redeemed.IsUsed)
			assert.Equal(t, []string{"create"}, redeemed.Scopes)

			// A second redemption surfaces the replay and the used record,
			// so the caller can revoke what the first redemption minted.
			// The accept callback is never consulted for a replay.
			replayed, err := repo.Redeem(ctx, "code-1", func(*AuthorizationCode) bool {
				t.Error("accept must not run for an already-used code")
				return false
			})
			assert.ErrorIs(t, err, ErrAlreadyUsed)
			require.NotNil(t, replayed)
			assert.Equal(t, "https://jane.example.com/", replayed.ProfileURL)

			_, err = repo.Redeem(ctx, "no-such-code", acceptAll)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAuthorizationCodeRejectedRedemptionLeavesCodeLive(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.Codes()

			require.NoError(t, repo.Create(ctx, newCode("code-2", nil, time.Hour)))

			// A redemption whose checks fail does not consume the code.
			_, err := repo.Redeem(ctx, "code-2", func(*AuthorizationCode) bool { return false })
			assert.ErrorIs(t, err, ErrNotFound)

			redeemed, err := repo.Redeem(ctx, "code-2", func(*AuthorizationCode) bool { return true })
			require.NoError(t, err)
			assert.True(t, redeemed.IsUsed)
		})
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.Codes()

			require.NoError(t, repo.Create(ctx, newCode("short-lived", nil, 100*time.Millisecond)))
			time.Sleep(150 * time.Millisecond)

			_, err := repo.Redeem(ctx, "short-lived", func(*AuthorizationCode) bool { return true })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRedisRedeemHonorsInjectedClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	// Run the store clock two hours behind the wall clock. The used marker's
	// remaining lifetime must be computed against that clock; against the
	// wall clock the record would look expired and the marker would be
	// written with a non-positive TTL.
	skewed := time.Now().Add(-2 * time.Hour)
	store.now = func() time.Time { return skewed }

	code := newCode("skewed", []string{"create"}, time.Hour)
	code.CreatedAt = skewed
	code.ExpiresAt = skewed.Add(time.Hour)
	require.NoError(t, store.Codes().Create(ctx, code))

	_, err := store.Codes().Redeem(ctx, "skewed", func(*AuthorizationCode) bool { return true })
	require.NoError(t, err)

	replayed, err := store.Codes().Redeem(ctx, "skewed", func(*AuthorizationCode) bool { return false })
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	require.NotNil(t, replayed)
}

func TestRefreshTokenRotation(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.RefreshTokens()

			require.NoError(t, repo.Create(ctx, newRefresh("r1", time.Hour)))
			assert.ErrorIs(t, repo.Create(ctx, newRefresh("r1", time.Hour)), ErrAlreadyExists)

			require.NoError(t, repo.Rotate(ctx, "r1", newRefresh("r2", time.Hour)))

			// The old token is revoked but still visible for audit.
			old, err := repo.Get(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, old.IsRevoked)
			assert.False(t, old.RevokedAt.IsZero())

			replacement, err := repo.Get(ctx, "r2")
			require.NoError(t, err)
			assert.False(t, replacement.IsRevoked)
			assert.Equal(t, []string{"create"}, replacement.Scopes)

			// Rotating the revoked token again fails: replay detection.
			assert.ErrorIs(t, repo.Rotate(ctx, "r1", newRefresh("r3", time.Hour)), ErrNotFound)
			assert.ErrorIs(t, repo.Rotate(ctx, "missing", newRefresh("r4", time.Hour)), ErrNotFound)
		})
	}
}

func TestRefreshTokenRevoke(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.RefreshTokens()

			require.NoError(t, repo.Create(ctx, newRefresh("rev-1", time.Hour)))
			require.NoError(t, repo.Revoke(ctx, "rev-1"))

			got, err := repo.Get(ctx, "rev-1")
			require.NoError(t, err)
			assert.True(t, got.IsRevoked)

			// Revoking again, or revoking an unknown token, is fine.
			assert.NoError(t, repo.Revoke(ctx, "rev-1"))
			assert.NoError(t, repo.Revoke(ctx, "unknown"))
		})
	}
}

func TestRefreshTokenRevokeAllForProfile(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.RefreshTokens()

			require.NoError(t, repo.Create(ctx, newRefresh("p1", time.Hour)))
			require.NoError(t, repo.Create(ctx, newRefresh("p2", time.Hour)))

			other := newRefresh("p3", time.Hour)
			other.ProfileURL = "https://other.example.com/"
			require.NoError(t, repo.Create(ctx, other))

			revoked, err := repo.RevokeAllForProfile(ctx, "https://jane.example.com/")
			require.NoError(t, err)
			assert.Equal(t, 2, revoked)

			got, err := repo.Get(ctx, "p3")
			require.NoError(t, err)
			assert.False(t, got.IsRevoked)

			// Nothing left to revoke on a second pass.
			revoked, err = repo.RevokeAllForProfile(ctx, "https://jane.example.com/")
			require.NoError(t, err)
			assert.Equal(t, 0, revoked)
		})
	}
}

func TestRefreshTokenExpiry(t *testing.T) {
	t.Parallel()

	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := store.RefreshTokens()

			require.NoError(t, repo.Create(ctx, newRefresh("fleeting", 100*time.Millisecond)))
			time.Sleep(150 * time.Millisecond)

			_, err := repo.Get(ctx, "fleeting")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, repo.Rotate(ctx, "fleeting", newRefresh("next", time.Hour)), ErrNotFound)

			_, err = repo.DeleteExpired(ctx)
			assert.NoError(t, err)
		})
	}
}

func TestMemoryDeleteExpiredCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	past := time.Now().Add(-time.Minute)

	expired := newPending("gone", "gone-state", time.Hour)
	expired.ExpiresAt = past
	require.NoError(t, store.Pending().Create(ctx, expired))
	require.NoError(t, store.Pending().Create(ctx, newPending("kept", "", time.Hour)))

	deleted, err := store.Pending().DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Pending().Get(ctx, "kept")
	assert.NoError(t, err)
}

func TestMemoryRevokedTokenRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	repo := store.RefreshTokens()

	require.NoError(t, repo.Create(ctx, newRefresh("old-revoked", 90*24*time.Hour)))
	require.NoError(t, repo.Revoke(ctx, "old-revoked"))

	// Backdate the revocation beyond the retention window.
	store.mu.Lock()
	store.refreshTokens["old-revoked"].RevokedAt = time.Now().Add(-RevokedRetention - time.Hour)
	store.mu.Unlock()

	require.NoError(t, repo.Create(ctx, newRefresh("fresh-revoked", 90*24*time.Hour)))
	require.NoError(t, repo.Revoke(ctx, "fresh-revoked"))

	deleted, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.Get(ctx, "fresh-revoked")
	assert.NoError(t, err)
}
