package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Names of the secrets the agent resolves at run time.
const (
	GoogleAPIKey         = "GOOGLE_API_KEY"
	GoogleSearchEngineID = "GOOGLE_SEARCH_ENGINE_ID"
)

// Resolver looks up named secrets, preferring the database-backed store and
// falling back to process environment variables. A missing secret is a
// recoverable condition, never a startup failure.
type Resolver struct {
	db *sql.DB
}

func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Get returns the secret value for name, or "" when it is not set anywhere.
func (r *Resolver) Get(ctx context.Context, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if r != nil && r.db != nil {
		var value string
		err := r.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
		switch {
		case err == nil && value != "":
			return value
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			log.Printf("secret store lookup %s failed, falling back to env: %v", name, err)
		}
	}
	return os.Getenv(name)
}

// Put stores or replaces a secret in the database-backed store.
func (r *Resolver) Put(ctx context.Context, name, value string) error {
	if r == nil || r.db == nil {
		return errors.New("secret store not available")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("secret name is required")
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE secrets SET value = ?, updated_at = ? WHERE name = ?`, value, now, name)
	if err != nil {
		return fmt.Errorf("update secret %s: %w", name, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO secrets (name, value, updated_at) VALUES (?, ?, ?)`, name, value, now); err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}
