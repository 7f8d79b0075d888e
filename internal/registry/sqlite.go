package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"deployd/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenSQLite opens a SQLite database at dsn and runs all pending migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// each pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// SQLiteStore implements Store with one JSON payload row per deployment.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore opens dsn and returns a store over it.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO deployments (id, name, state, created_at, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   state = excluded.state,
		   updated_at = excluded.updated_at,
		   payload = excluded.payload`,
		rec.ID, rec.Request.Name, string(rec.State),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert deployment %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT payload FROM deployments ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal deployment: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.DB.Close() }
