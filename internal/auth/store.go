package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ingest "kraken-gateway/internal/ingest/domain"
)

// AccountStore resolves credentials and site ids against the account registry.
type AccountStore interface {
	// ResolveKey maps an API key to its site. Returns ErrUnknownKey when the
	// key has no account binding.
	ResolveKey(ctx context.Context, key string) (ingest.Site, error)
	// LookupSite loads a site by id; used for shared-key bulk requests that
	// name their site explicitly. Returns ErrUnknownSite when absent.
	LookupSite(ctx context.Context, siteID int64) (ingest.Site, error)
}

// PostgresAccountStore reads api_keys and sites from Postgres.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore constructs an account store.
func NewPostgresAccountStore(db *sql.DB) (*PostgresAccountStore, error) {
	if db == nil {
		return nil, errors.New("auth: nil db")
	}
	return &PostgresAccountStore{db: db}, nil
}

// ResolveKey maps an API key to its site.
func (s *PostgresAccountStore) ResolveKey(ctx context.Context, key string) (ingest.Site, error) {
	if key == "" {
		return ingest.Site{}, ErrUnknownKey
	}
	var site ingest.Site
	err := s.db.QueryRowContext(ctx, `
SELECT s.id, s.site_name
FROM api_keys k
JOIN sites s ON s.id = k.site_id
WHERE k.key = $1`, key).Scan(&site.ID, &site.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Site{}, ErrUnknownKey
	}
	if err != nil {
		return ingest.Site{}, fmt.Errorf("auth: resolve key: %w", err)
	}
	return site, nil
}

// LookupSite loads a site by id.
func (s *PostgresAccountStore) LookupSite(ctx context.Context, siteID int64) (ingest.Site, error) {
	var site ingest.Site
	err := s.db.QueryRowContext(ctx, `
SELECT id, site_name
FROM sites
WHERE id = $1`, siteID).Scan(&site.ID, &site.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Site{}, ErrUnknownSite
	}
	if err != nil {
		return ingest.Site{}, fmt.Errorf("auth: lookup site: %w", err)
	}
	return site, nil
}
