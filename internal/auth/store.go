package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const tokenPrefix = "loom_"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Store handles token persistence and monthly usage accounting
type Store struct {
	db *sql.DB
}

// NewStore creates a new auth store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		monthly_token_allowance INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

	CREATE TABLE IF NOT EXISTS usage_ledger (
		user_id TEXT NOT NULL,
		month TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, month)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateToken creates a new API token and returns it with its secret
func (s *Store) CreateToken(name, userID string, allowance int64, expiresAt *time.Time) (*Token, string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	tokenID := tokenPrefix + hex.EncodeToString(tokenBytes)

	now := time.Now()
	token := &Token{
		ID:                    tokenID,
		Name:                  name,
		UserID:                userID,
		MonthlyTokenAllowance: allowance,
		CreatedAt:             now,
		ExpiresAt:             expiresAt,
	}

	_, err := s.db.Exec(
		`INSERT INTO tokens (id, name, user_id, monthly_token_allowance, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.UserID, token.MonthlyTokenAllowance, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store token: %w", err)
	}

	return token, tokenID, nil
}

// ValidateToken looks up and validates a token, updating last_used_at
func (s *Store) ValidateToken(tokenID string) (*Token, error) {
	if len(tokenID) < len(tokenPrefix) || tokenID[:len(tokenPrefix)] != tokenPrefix {
		return nil, ErrInvalidToken
	}

	token := &Token{}
	var lastUsed, expires sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, name, user_id, monthly_token_allowance, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`,
		tokenID).Scan(&token.ID, &token.Name, &token.UserID, &token.MonthlyTokenAllowance,
		&token.CreatedAt, &lastUsed, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}

	if lastUsed.Valid {
		token.LastUsedAt = &lastUsed.Time
	}
	if expires.Valid {
		token.ExpiresAt = &expires.Time
		if time.Now().After(expires.Time) {
			return nil, ErrTokenExpired
		}
	}

	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, tokenID)
	return token, nil
}

// ListTokens returns all tokens, newest first
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, user_id, monthly_token_allowance, created_at, last_used_at, expires_at
		 FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token := &Token{}
		var lastUsed, expires sql.NullTime
		if err := rows.Scan(&token.ID, &token.Name, &token.UserID, &token.MonthlyTokenAllowance,
			&token.CreatedAt, &lastUsed, &expires); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			token.LastUsedAt = &lastUsed.Time
		}
		if expires.Valid {
			token.ExpiresAt = &expires.Time
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token
func (s *Store) RevokeToken(tokenID string) error {
	res, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// monthKey formats the ledger key for the current calendar month.
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// TokensUsedThisMonth returns the user's token consumption for the
// current calendar month.
func (s *Store) TokensUsedThisMonth(userID string) (int64, error) {
	var used int64
	err := s.db.QueryRow(
		`SELECT tokens_used FROM usage_ledger WHERE user_id = ? AND month = ?`,
		userID, monthKey(time.Now())).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// AddUsage folds consumed tokens into the user's monthly ledger.
func (s *Store) AddUsage(userID string, tokens int64) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_ledger (user_id, month, tokens_used) VALUES (?, ?, ?)
		ON CONFLICT(user_id, month) DO UPDATE SET tokens_used = tokens_used + excluded.tokens_used`,
		userID, monthKey(time.Now()), tokens)
	return err
}

// AllowanceExceeded reports whether the token's monthly allowance is
// spent. A zero allowance never blocks.
func (s *Store) AllowanceExceeded(token *Token) (bool, error) {
	if token.MonthlyTokenAllowance <= 0 {
		return false, nil
	}
	used, err := s.TokensUsedThisMonth(token.UserID)
	if err != nil {
		return false, err
	}
	return used >= token.MonthlyTokenAllowance, nil
}
