package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps package-level state (base FS, dialect); serialize open+migrate.
var migrateMu sync.Mutex

// SQLiteStore implements the repositories on a SQLite database. The schema
// is managed with embedded goose migrations applied on open.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Pending returns the pending-authentication repository view of the store.
func (s *SQLiteStore) Pending() PendingAuthenticationRepository { return (*sqlitePending)(s) }

// Codes returns the authorization-code repository view of the store.
func (s *SQLiteStore) Codes() AuthorizationCodeRepository { return (*sqliteCodes)(s) }

// RefreshTokens returns the refresh-token repository view of the store.
func (s *SQLiteStore) RefreshTokens() RefreshTokenRepository { return (*sqliteRefresh)(s) }

func marshalStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var values []string
	_ = json.Unmarshal([]byte(raw), &values)
	return values
}

type sqlitePending SQLiteStore

const pendingColumns = `session_id, profile_url, client_id, redirect_uri, state, scopes,
	code_challenge, code_challenge_method, client_name, client_logo_uri, providers,
	selected_provider_type, provider_state, is_authenticated, verified_username,
	reciprocal_verified, created_at, expires_at`

func (s *sqlitePending) Create(ctx context.Context, session *PendingAuthentication) error {
	providers, err := json.Marshal(session.Providers)
	if err != nil {
		return fmt.Errorf("failed to encode providers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_authentications (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.ProfileURL, session.ClientID, session.RedirectURI,
		session.State, marshalStrings(session.Scopes), session.CodeChallenge,
		session.CodeChallengeMethod, session.ClientName, session.ClientLogoURI,
		string(providers), session.SelectedProviderType, session.ProviderState,
		session.IsAuthenticated, session.VerifiedUsername, session.ReciprocalVerified,
		session.CreatedAt.Unix(), session.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create pending authentication: %w", err)
	}
	return nil
}

func (s *sqlitePending) scanOne(row *sql.Row) (*PendingAuthentication, error) {
	var (
		session              PendingAuthentication
		scopes, providers    string
		createdAt, expiresAt int64
	)
	err := row.Scan(&session.SessionID, &session.ProfileURL, &session.ClientID,
		&session.RedirectURI, &session.State, &scopes, &session.CodeChallenge,
		&session.CodeChallengeMethod, &session.ClientName, &session.ClientLogoURI,
		&providers, &session.SelectedProviderType, &session.ProviderState,
		&session.IsAuthenticated, &session.VerifiedUsername, &session.ReciprocalVerified,
		&createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending authentication: %w", err)
	}

	session.Scopes = unmarshalStrings(scopes)
	if err := json.Unmarshal([]byte(providers), &session.Providers); err != nil {
		return nil, fmt.Errorf("failed to decode providers: %w", err)
	}
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &session, nil
}

func (s *sqlitePending) Get(ctx context.Context, sessionID string) (*PendingAuthentication, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+`
		FROM pending_authentications WHERE session_id = ? AND expires_at > ?`,
		sessionID, s.now().Unix())
	return s.scanOne(row)
}

func (s *sqlitePending) GetByProviderState(ctx context.Context, providerState string) (*PendingAuthentication, error) {
	if providerState == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+`
		FROM pending_authentications WHERE provider_state = ? AND expires_at > ?`,
		providerState, s.now().Unix())
	return s.scanOne(row)
}

func (s *sqlitePending) Update(ctx context.Context, session *PendingAuthentication) error {
	providers, err := json.Marshal(session.Providers)
	if err != nil {
		return fmt.Errorf("failed to encode providers: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE pending_authentications SET
		profile_url = ?, client_id = ?, redirect_uri = ?, state = ?, scopes = ?,
		code_challenge = ?, code_challenge_method = ?, client_name = ?,
		client_logo_uri = ?, providers = ?, selected_provider_type = ?,
		provider_state = ?, is_authenticated = ?, verified_username = ?,
		reciprocal_verified = ?, created_at = ?, expires_at = ?
		WHERE session_id = ?`,
		session.ProfileURL, session.ClientID, session.RedirectURI, session.State,
		marshalStrings(session.Scopes), session.CodeChallenge, session.CodeChallengeMethod,
		session.ClientName, session.ClientLogoURI, string(providers),
		session.SelectedProviderType, session.ProviderState, session.IsAuthenticated,
		session.VerifiedUsername, session.ReciprocalVerified,
		session.CreatedAt.Unix(), session.ExpiresAt.Unix(), session.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update pending authentication: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlitePending) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_authentications WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete pending authentication: %w", err)
	}
	return nil
}

func (s *sqlitePending) DeleteExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_authentications WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending authentications: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

type sqliteCodes SQLiteStore

func (s *sqliteCodes) Create(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO authorization_codes
		(code, client_id, redirect_uri, profile_url, scopes, code_challenge,
		 code_challenge_method, is_used, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.RedirectURI, code.ProfileURL,
		marshalStrings(code.Scopes), code.CodeChallenge, code.CodeChallengeMethod,
		code.IsUsed, code.CreatedAt.Unix(), code.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create authorization code: %w", err)
	}
	return nil
}

func (s *sqliteCodes) Redeem(ctx context.Context, code string, accept func(*AuthorizationCode) bool) (*AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin redemption transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		record               AuthorizationCode
		scopes               string
		createdAt, expiresAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT code, client_id, redirect_uri, profile_url,
		scopes, code_challenge, code_challenge_method, is_used, created_at, expires_at
		FROM authorization_codes WHERE code = ? AND expires_at > ?`,
		code, s.now().Unix()).
		Scan(&record.Code, &record.ClientID, &record.RedirectURI, &record.ProfileURL,
			&scopes, &record.CodeChallenge, &record.CodeChallengeMethod,
			&record.IsUsed, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	record.Scopes = unmarshalStrings(scopes)
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if record.IsUsed {
		return &record, ErrAlreadyUsed
	}
	if !accept(&record) {
		return nil, ErrNotFound
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET is_used = 1 WHERE code = ? AND is_used = 0`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Lost the race to a concurrent redemption.
		return &record, ErrAlreadyUsed
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	record.IsUsed = true
	return &record, nil
}

func (s *sqliteCodes) DeleteExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

type sqliteRefresh SQLiteStore

func (s *sqliteRefresh) Create(ctx context.Context, token *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO refresh_tokens
		(token, client_id, profile_url, scopes, is_revoked, revoked_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.ProfileURL, marshalStrings(token.Scopes),
		token.IsRevoked, nullableUnix(token.RevokedAt),
		token.CreatedAt.Unix(), token.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *sqliteRefresh) Get(ctx context.Context, token string) (*RefreshToken, error) {
	var (
		record               RefreshToken
		scopes               string
		revokedAt            sql.NullInt64
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT token, client_id, profile_url, scopes,
		is_revoked, revoked_at, created_at, expires_at
		FROM refresh_tokens WHERE token = ? AND expires_at > ?`,
		token, s.now().Unix()).
		Scan(&record.Token, &record.ClientID, &record.ProfileURL, &scopes,
			&record.IsRevoked, &revokedAt, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}

	record.Scopes = unmarshalStrings(scopes)
	if revokedAt.Valid {
		record.RevokedAt = time.Unix(revokedAt.Int64, 0).UTC()
	}
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &record, nil
}

func (s *sqliteRefresh) Rotate(ctx context.Context, oldToken string, replacement *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE refresh_tokens
		SET is_revoked = 1, revoked_at = ?
		WHERE token = ? AND is_revoked = 0 AND expires_at > ?`,
		s.now().Unix(), oldToken, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO refresh_tokens
		(token, client_id, profile_url, scopes, is_revoked, revoked_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		replacement.Token, replacement.ClientID, replacement.ProfileURL,
		marshalStrings(replacement.Scopes), replacement.IsRevoked,
		nullableUnix(replacement.RevokedAt),
		replacement.CreatedAt.Unix(), replacement.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert replacement refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}

func (s *sqliteRefresh) Revoke(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens
		SET is_revoked = 1, revoked_at = ?
		WHERE token = ? AND is_revoked = 0`, s.now().Unix(), token)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *sqliteRefresh) RevokeAllForProfile(ctx context.Context, profileURL string) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens
		SET is_revoked = 1, revoked_at = ?
		WHERE profile_url = ? AND is_revoked = 0 AND expires_at > ?`,
		s.now().Unix(), profileURL, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens for profile: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *sqliteRefresh) DeleteExpired(ctx context.Context) (int, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens
		WHERE expires_at <= ? OR (is_revoked = 1 AND revoked_at <= ?)`,
		now.Unix(), now.Add(-RevokedRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// isUniqueViolation reports whether the error is a primary-key conflict.
// The pure-Go sqlite driver does not export typed errors for this, so the
// SQLITE_CONSTRAINT message is matched.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

var (
	_ PendingAuthenticationRepository = (*sqlitePending)(nil)
	_ AuthorizationCodeRepository     = (*sqliteCodes)(nil)
	_ RefreshTokenRepository          = (*sqliteRefresh)(nil)
)
