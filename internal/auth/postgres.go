package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts the api_keys table for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	ClientID string
	Name     string
	KeyHash  string
	Revoked  bool
}

type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := &keyRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, name, key_hash, revoked_at IS NOT NULL
		 FROM api_keys
		 WHERE key_prefix = $1`,
		prefix,
	).Scan(&row.ClientID, &row.Name, &row.KeyHash, &row.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator verifies keys against bcrypt hashes in Postgres,
// fronted by an AuthCache.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, NewAuthCache(ttl), logger)
}

func newPostgresAuthenticatorWithStore(store KeyStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{store: store, cache: cache, logger: logger}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if !ValidFormat(apiKey) {
		return nil, ErrInvalidAPIKey
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	a.cache.Set(apiKey, p)
	return p, nil
}

func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed", zap.Error(err))
		// next request does a synchronous lookup
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, p)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	row, err := a.store.LookupByPrefix(ctx, apiKey[:8])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{ClientID: row.ClientID, Name: row.Name}, nil
}
