// Package config loads and validates the talos server configuration.
//
// Configuration is read once at startup (talos.yaml plus TALOS_ environment
// overrides) into an immutable Settings value that is passed explicitly to
// the components that need it. There is no global configuration access after
// startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength is the minimum required length for the JWT signing secret
// in bytes. 32 bytes (256 bits) is required for HS256 per RFC 7518.
const MinSecretLength = 32

// Default lifetimes for issued credentials.
const (
	DefaultAccessTokenTTL = 15 * time.Minute
	DefaultAuthCodeTTL    = 10 * time.Minute
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultPendingTTL     = 30 * time.Minute
	DefaultCleanupEvery   = 5 * time.Minute
)

// Storage backend names accepted in storage.backend.
const (
	StorageBackendMemory = "memory"
	StorageBackendSQLite = "sqlite"
	StorageBackendRedis  = "redis"
)

// ProviderCredentials holds the OAuth client credentials registered with an
// upstream identity provider.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// FrontendRoutes are the SPA paths the server redirects to during the flow.
// They are resolved relative to BaseURL.
type FrontendRoutes struct {
	EnterProfilePath   string
	SelectProviderPath string
	ConsentPath        string
}

// StorageSettings selects and configures the repository backend.
type StorageSettings struct {
	// Backend is one of "memory", "sqlite", "redis".
	Backend string

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string

	// Redis connection parameters for the redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Settings is the fully resolved server configuration.
type Settings struct {
	// BaseURL is the public base URL of this server. It is the JWT issuer and
	// audience and the value of the "iss" authorization response parameter.
	BaseURL string

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// JWTSecret is the HS256 signing secret. Must be at least 32 bytes.
	JWTSecret []byte

	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	// AuthCodeTTL is the lifetime of authorization codes.
	AuthCodeTTL time.Duration

	// RefreshTokenTTL is the lifetime of refresh tokens.
	RefreshTokenTTL time.Duration

	// PendingAuthTTL is the lifetime of pending authentication sessions.
	PendingAuthTTL time.Duration

	// CleanupInterval is how often expired state is garbage-collected.
	CleanupInterval time.Duration

	// AllowedProfileHosts optionally restricts which hosts may authenticate.
	// Empty means any host is allowed. Matching is exact and case-insensitive.
	AllowedProfileHosts []string

	// IntrospectionSecret authenticates callers of the introspection endpoint.
	// When empty all introspection requests are rejected.
	IntrospectionSecret string

	// ScopesSupported is advertised in the server metadata document.
	ScopesSupported []string

	// Frontend holds the SPA route paths.
	Frontend FrontendRoutes

	// Storage selects the repository backend.
	Storage StorageSettings

	// Providers maps provider type (e.g. "github") to its OAuth credentials.
	Providers map[string]ProviderCredentials
}

// Issuer returns the canonical issuer identifier: BaseURL without a trailing
// slash, as required for the "iss" claim and authorization response parameter.
func (s *Settings) Issuer() string {
	return strings.TrimSuffix(s.BaseURL, "/")
}

// IsProfileHostAllowed reports whether the given host may authenticate
// against this server. An empty allow-list permits any host.
func (s *Settings) IsProfileHostAllowed(host string) bool {
	if len(s.AllowedProfileHosts) == 0 {
		return true
	}
	for _, allowed := range s.AllowedProfileHosts {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

// Validate checks that the Settings are complete enough to start the server.
func (s *Settings) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		return fmt.Errorf("baseUrl must be an absolute http(s) URL")
	}
	if len(s.JWTSecret) < MinSecretLength {
		return fmt.Errorf("jwt.secretKey must be at least %d bytes", MinSecretLength)
	}
	switch s.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendSQLite:
		if s.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlitePath is required for the sqlite backend")
		}
	case StorageBackendRedis:
		if s.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Storage.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddr", ":8080")
	v.SetDefault("jwt.accessTokenTtlMinutes", 15)
	v.SetDefault("authCodeTtlMinutes", 10)
	v.SetDefault("refreshTokenTtlDays", 30)
	v.SetDefault("pendingAuthTtlMinutes", 30)
	v.SetDefault("cleanupIntervalMinutes", 5)
	v.SetDefault("scopesSupported", []string{"profile", "email", "create", "update", "delete", "media"})
	v.SetDefault("frontend.enterProfilePath", "/enter-profile")
	v.SetDefault("frontend.selectProviderPath", "/select-provider")
	v.SetDefault("frontend.consentPath", "/consent")
	v.SetDefault("storage.backend", "memory")
}

// Load reads the configuration from the given file (optional; viper searches
// the working directory for talos.yaml when empty) and the TALOS_ environment,
// returning validated Settings.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("talos")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("talos")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/talos")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when the environment supplies values.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds Settings from an already-populated viper instance.
// Split out from Load so tests can construct configuration in memory.
func FromViper(v *viper.Viper) (*Settings, error) {
	providers := make(map[string]ProviderCredentials)
	for name := range v.GetStringMap("providers") {
		providers[name] = ProviderCredentials{
			ClientID:     v.GetString("providers." + name + ".clientId"),
			ClientSecret: v.GetString("providers." + name + ".clientSecret"),
		}
	}

	s := &Settings{
		BaseURL:             v.GetString("baseUrl"),
		ListenAddr:          v.GetString("listenAddr"),
		JWTSecret:           []byte(v.GetString("jwt.secretKey")),
		AccessTokenTTL:      time.Duration(v.GetInt("jwt.accessTokenTtlMinutes")) * time.Minute,
		AuthCodeTTL:         time.Duration(v.GetInt("authCodeTtlMinutes")) * time.Minute,
		RefreshTokenTTL:     time.Duration(v.GetInt("refreshTokenTtlDays")) * 24 * time.Hour,
		PendingAuthTTL:      time.Duration(v.GetInt("pendingAuthTtlMinutes")) * time.Minute,
		CleanupInterval:     time.Duration(v.GetInt("cleanupIntervalMinutes")) * time.Minute,
		AllowedProfileHosts: v.GetStringSlice("allowedProfileHosts"),
		IntrospectionSecret: v.GetString("introspectionSecret"),
		ScopesSupported:     v.GetStringSlice("scopesSupported"),
		Frontend: FrontendRoutes{
			EnterProfilePath:   v.GetString("frontend.enterProfilePath"),
			SelectProviderPath: v.GetString("frontend.selectProviderPath"),
			ConsentPath:        v.GetString("frontend.consentPath"),
		},
		Storage: StorageSettings{
			Backend:       v.GetString("storage.backend"),
			SQLitePath:    v.GetString("storage.sqlitePath"),
			RedisAddr:     v.GetString("storage.redis.addr"),
			RedisPassword: v.GetString("storage.redis.password"),
			RedisDB:       v.GetInt("storage.redis.db"),
		},
		Providers: providers,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
