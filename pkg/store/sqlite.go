package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_contexts (
	id         TEXT PRIMARY KEY,
	profile    TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);`

// SQLiteBackend keeps one row per user in an embedded SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		expanded, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		path = expanded
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open context database: %w", err)
	}
	// database/sql pools connections; an in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize context database: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}

	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
}

func (b *SQLiteBackend) Load(ctx context.Context, userID string) (UserContext, error) {
	if err := ValidateID(userID); err != nil {
		return UserContext{}, wrapError("load", userID, err)
	}

	var profileJSON, payloadJSON string
	record := UserContext{ID: userID}
	err := b.db.QueryRowContext(ctx,
		`SELECT profile, state, payload FROM user_contexts WHERE id = ?`, userID,
	).Scan(&profileJSON, &record.State, &payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return UserContext{}, ErrNotFound
	}
	if err != nil {
		return UserContext{}, wrapError("load", userID, err)
	}

	if err := json.Unmarshal([]byte(profileJSON), &record.Profile); err != nil {
		return UserContext{}, wrapError("load", userID, fmt.Errorf("decode profile: %w", err))
	}
	if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
		return UserContext{}, wrapError("load", userID, fmt.Errorf("decode payload: %w", err))
	}

	return record.normalized(), nil
}

func (b *SQLiteBackend) Save(ctx context.Context, record UserContext) error {
	if err := ValidateID(record.ID); err != nil {
		return wrapError("save", record.ID, err)
	}
	record = record.normalized()

	profileJSON, err := json.Marshal(record.Profile)
	if err != nil {
		return wrapError("save", record.ID, fmt.Errorf("encode profile: %w", err))
	}
	payloadJSON, err := json.Marshal(record.Payload)
	if err != nil {
		return wrapError("save", record.ID, fmt.Errorf("encode payload: %w", err))
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO user_contexts (id, profile, state, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profile = excluded.profile,
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		record.ID, string(profileJSON), record.State, string(payloadJSON), time.Now().UTC(),
	)
	if err != nil {
		return wrapError("save", record.ID, err)
	}

	return nil
}

func (b *SQLiteBackend) IDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM user_contexts ORDER BY id`)
	if err != nil {
		return nil, wrapError("list", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapError("list", "", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list", "", err)
	}

	return ids, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
