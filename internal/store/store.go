// Package store persists project files, user preferences, memory, and
// execution checkpoints in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
)

var (
	ErrFileNotFound       = errors.New("file not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Store wraps the SQLite database plus an in-process content cache.
type Store struct {
	db *sql.DB

	cacheMu sync.RWMutex
	cache   map[string]string // "<projectID>/<fileID>" -> content
}

// New opens (and migrates) the database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "loom.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, cache: make(map[string]string)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS memory (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS recalls (
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_recalls_session ON recalls(session_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		execution_id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT,
		prompt TEXT NOT NULL,
		model TEXT,
		intent_mode TEXT,
		history TEXT,
		active_file TEXT,
		explicit_files TEXT,
		open_tabs TEXT,
		subagent_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListFiles returns the file references for a project, ordered by path.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]bundle.FileRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, name, length(content) FROM files WHERE project_id = ? ORDER BY path`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var refs []bundle.FileRef
	for rows.Next() {
		var ref bundle.FileRef
		var contentLen int
		if err := rows.Scan(&ref.FileID, &ref.Path, &ref.Name, &contentLen); err != nil {
			return nil, err
		}
		// Rough token estimate; enough for context_stats reporting.
		ref.Tokens = contentLen / 4
		ref.Loaded = contentLen > 0
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// LoadContent hydrates file contents, serving from the cache when warm.
func (s *Store) LoadContent(ctx context.Context, projectID string, fileIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(fileIDs))

	var misses []string
	s.cacheMu.RLock()
	for _, id := range fileIDs {
		if content, ok := s.cache[projectID+"/"+id]; ok {
			out[id] = content
		} else {
			misses = append(misses, id)
		}
	}
	s.cacheMu.RUnlock()

	for _, id := range misses {
		var content string
		err := s.db.QueryRowContext(ctx,
			`SELECT content FROM files WHERE project_id = ? AND id = ?`,
			projectID, id).Scan(&content)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load file %s: %w", id, err)
		}
		out[id] = content
		s.cacheMu.Lock()
		s.cache[projectID+"/"+id] = content
		s.cacheMu.Unlock()
	}
	return out, nil
}

// SaveFile upserts a file's content.
func (s *Store) SaveFile(ctx context.Context, projectID, fileID, path, content string) error {
	name := filepath.Base(path)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, project_id, path, name, content, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		fileID, projectID, path, name, content)
	if err != nil {
		return fmt.Errorf("failed to save file %s: %w", path, err)
	}
	return nil
}

// InvalidateCache drops the cached content for one file.
func (s *Store) InvalidateCache(projectID, fileID string) {
	s.cacheMu.Lock()
	delete(s.cache, projectID+"/"+fileID)
	s.cacheMu.Unlock()
}

// Preferences returns a user's preference map.
func (s *Store) Preferences(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

// Memory returns the long-lived memory text for a project/user pair, or
// empty when none exists.
func (s *Store) Memory(ctx context.Context, projectID, userID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM memory WHERE project_id = ? AND user_id = ?`,
		projectID, userID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return content, err
}

// Recall returns recent cross-session context for a conversation.
func (s *Store) Recall(ctx context.Context, sessionID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM recalls WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return content, err
}

// Checkpoint is a persisted background-continuation record. It carries
// the full request snapshot so the worker can resume the execution with
// the same context the interactive attempt had.
type Checkpoint struct {
	ExecutionID  string
	CheckpointID string
	ProjectID    string
	UserID       string
	SessionID    string

	Prompt         string
	Model          string
	IntentMode     string
	History        []executor.HistoryTurn
	ActiveFilePath string
	ExplicitFiles  []string
	OpenTabs       []string
	SubagentCount  int

	Status    string // pending | running | completed | failed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveCheckpoint records a pending background continuation.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	history, err := marshalColumn(cp.History)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint history: %w", err)
	}
	explicit, err := marshalColumn(cp.ExplicitFiles)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint files: %w", err)
	}
	tabs, err := marshalColumn(cp.OpenTabs)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint tabs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (execution_id, checkpoint_id, project_id, user_id, session_id,
			prompt, model, intent_mode, history, active_file, explicit_files, open_tabs, subagent_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
		ON CONFLICT(execution_id) DO UPDATE SET checkpoint_id = excluded.checkpoint_id, updated_at = CURRENT_TIMESTAMP`,
		cp.ExecutionID, cp.CheckpointID, cp.ProjectID, cp.UserID, cp.SessionID,
		cp.Prompt, cp.Model, cp.IntentMode, history, cp.ActiveFilePath, explicit, tabs, cp.SubagentCount)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// PendingCheckpoints lists checkpoints awaiting continuation.
func (s *Store) PendingCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, checkpoint_id, project_id, user_id, COALESCE(session_id, ''),
			prompt, COALESCE(model, ''), COALESCE(intent_mode, ''), COALESCE(history, ''),
			COALESCE(active_file, ''), COALESCE(explicit_files, ''), COALESCE(open_tabs, ''),
			subagent_count, status, created_at, updated_at
		FROM checkpoints WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var history, explicit, tabs string
		if err := rows.Scan(&cp.ExecutionID, &cp.CheckpointID, &cp.ProjectID, &cp.UserID,
			&cp.SessionID, &cp.Prompt, &cp.Model, &cp.IntentMode, &history,
			&cp.ActiveFilePath, &explicit, &tabs,
			&cp.SubagentCount, &cp.Status, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalColumn(history, &cp.History); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint history: %w", err)
		}
		if err := unmarshalColumn(explicit, &cp.ExplicitFiles); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint files: %w", err)
		}
		if err := unmarshalColumn(tabs, &cp.OpenTabs); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint tabs: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// marshalColumn renders a slice as a JSON column value, with empty
// slices stored as the empty string.
func marshalColumn[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalColumn(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// SetCheckpointStatus transitions a checkpoint's status.
func (s *Store) SetCheckpointStatus(ctx context.Context, executionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE execution_id = ?`,
		status, executionID)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}

// CheckpointStatus returns the current status of a checkpointed
// execution, or ErrCheckpointNotFound.
func (s *Store) CheckpointStatus(ctx context.Context, executionID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM checkpoints WHERE execution_id = ?`, executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCheckpointNotFound
	}
	return status, err
}

// RequeueStaleCheckpoints flips running checkpoints last touched before
// the cutoff back to pending and returns the number requeued. A row can
// stay in 'running' forever if the process dies between claiming it and
// recording a terminal status; requeueing lets the next worker pick it
// up again.
func (s *Store) RequeueStaleCheckpoints(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'running' AND updated_at <= ?`,
		olderThan.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCheckpoints deletes terminal checkpoints older than the cutoff
// and returns the number removed.
func (s *Store) PurgeCheckpoints(ctx context.Context, olderThan time.Time) (int64, error) {
	// updated_at is stored in CURRENT_TIMESTAMP text form; format the
	// cutoff the same way so the comparison stays lexicographic-safe.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		olderThan.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return res.RowsAffected()
}
