// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "github.com/quadracode/quadracode/internal/sqlitedriver"
	"github.com/quadracode/quadracode/pkg/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore is the durable checkpoint store. WAL journaling plus
// synchronous=FULL gives fsync-equivalent durability before Put returns.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the checkpoint database.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// Single writer per session is guaranteed by the session lock; a single
	// connection avoids SQLITE_BUSY between loop workers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure checkpoint db: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get loads the session state, or nil when the session is unknown.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*state.SessionState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM checkpoints WHERE session_id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", sessionID, err)
	}
	var st state.SessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", sessionID, err)
	}
	return &st, nil
}

// Put atomically replaces the session state.
func (s *SQLiteStore) Put(ctx context.Context, sessionID string, st *state.SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sessionID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns all checkpointed session ids.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM checkpoints ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
