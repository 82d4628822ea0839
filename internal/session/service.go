package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"researchgo/internal/models"
	"researchgo/internal/redis"
)

const tokenCachePrefix = "session_token:"

// Service owns the session slots: creation, token validation, and the
// topic/report cache a client re-displays between runs.
type Service struct {
	db       *sql.DB
	cache    *redis.Client
	tokenTTL time.Duration
}

// NewService constructs a session service. cache may be nil; token lookups
// then always hit the database.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{db: db, cache: cache, tokenTTL: ttl}
}

// Create inserts a fresh session slot and mints its bearer token.
func (s *Service) Create(ctx context.Context) (*models.Session, string, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (topic, status, report, created_at, updated_at) VALUES ('', ?, '', ?, ?)`,
		models.StatusIdle, now, now,
	)
	if err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("session id: %w", err)
	}

	token, err := s.issueToken(ctx, id, now)
	if err != nil {
		return nil, "", err
	}
	session := &models.Session{ID: id, Status: models.StatusIdle, CreatedAt: now, UpdatedAt: now}
	return session, token, nil
}

func (s *Service) issueToken(ctx context.Context, sessionID int64, now time.Time) (string, error) {
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO session_tokens (token, session_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, sessionID, now, expiresAt,
		)
		if err == nil {
			_ = s.cache.Set(ctx, tokenCachePrefix+token, strconv.FormatInt(sessionID, 10), s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue session token")
}

// ValidateToken verifies the token exists and has not expired, returning the
// session id it belongs to.
func (s *Service) ValidateToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, errors.New("token required")
	}
	if cached, err := s.cache.Get(ctx, tokenCachePrefix+token); err == nil {
		if id, convErr := strconv.ParseInt(cached, 10, 64); convErr == nil && id > 0 {
			return id, nil
		}
	}

	var sessionID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, expires_at FROM session_tokens WHERE token = ?`, token,
	).Scan(&sessionID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("invalid token")
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token = ?`, token)
		_ = s.cache.Del(ctx, tokenCachePrefix+token)
		return 0, errors.New("token expired")
	}
	_ = s.cache.Set(ctx, tokenCachePrefix+token, strconv.FormatInt(sessionID, 10), time.Until(expires))
	return sessionID, nil
}

// Get returns one session slot.
func (s *Service) Get(ctx context.Context, sessionID int64) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic, status, report, created_at, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&se.ID, &se.Topic, &se.Status, &se.Report, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// SaveRun updates the slot's cached topic, status, and report.
func (s *Service) SaveRun(ctx context.Context, sessionID int64, topic, status, report string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET topic = ?, status = ?, report = ?, updated_at = ? WHERE id = ?`,
		topic, status, report, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the session slot and revokes its tokens.
func (s *Service) Delete(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM session_tokens WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("list session tokens: %w", err)
	}
	var cacheKeys []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("scan session token: %w", err)
		}
		cacheKeys = append(cacheKeys, tokenCachePrefix+token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	// tokens cascade with the session row; drop the cache entries ourselves
	_, _ = s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE session_id = ?`, sessionID)
	_ = s.cache.Del(ctx, cacheKeys...)
	return nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
