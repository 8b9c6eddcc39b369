package pii

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AuditEvent is one recorded redaction operation. Events describe what kind
// of data was redacted — per-category span counts — and deliberately carry no
// PII text themselves.
type AuditEvent struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"` // "text" or "image"
	Categories map[string]int `json:"categories"`
	OutputPath string         `json:"output_path,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditDB defines the interface for the redaction audit store
type AuditDB interface {
	// InsertEvent records one redaction operation
	InsertEvent(ctx context.Context, kind string, categories map[string]int, outputPath string) error

	// GetEvents retrieves recorded events, newest first
	GetEvents(ctx context.Context, limit int, offset int) ([]AuditEvent, error)

	// GetEventsCount returns the total number of recorded events
	GetEventsCount(ctx context.Context) (int, error)

	// CleanupOldEvents removes events older than the specified duration
	CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error)

	// ClearEvents removes all recorded events
	ClearEvents(ctx context.Context) error

	// Close closes the database connection
	Close() error
}

// SQLiteAuditDB implements AuditDB on SQLite
type SQLiteAuditDB struct {
	db *sql.DB
}

// NewSQLiteAuditDB opens (creating if needed) the audit database at path.
func NewSQLiteAuditDB(ctx context.Context, path string) (*SQLiteAuditDB, error) {
	if path == "" {
		path = "anonymizer.db"
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createAuditTables(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteAuditDB{db: db}, nil
}

// createAuditTables creates the required tables if they don't exist
func createAuditTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			categories TEXT NOT NULL DEFAULT '{}',
			output_path TEXT,
			created_at TEXT DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}

	return nil
}

// InsertEvent records one redaction operation
func (s *SQLiteAuditDB) InsertEvent(ctx context.Context, kind string, categories map[string]int, outputPath string) error {
	if categories == nil {
		categories = map[string]int{}
	}
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	query := `
	INSERT INTO audit_events (id, kind, categories, output_path, created_at)
	VALUES (?, ?, ?, ?, datetime('now'))
	`
	_, err = s.db.ExecContext(ctx, query, uuid.NewString(), kind, string(categoriesJSON), outputPath)
	return err
}

// GetEvents retrieves recorded events, newest first
func (s *SQLiteAuditDB) GetEvents(ctx context.Context, limit int, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, kind, categories, COALESCE(output_path, ''), created_at
	FROM audit_events
	ORDER BY created_at DESC, id
	LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.Printf("[AuditDB] Warning: failed to close rows: %v", cerr)
		}
	}()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var categoriesJSON, createdAt string
		if err := rows.Scan(&ev.ID, &ev.Kind, &categoriesJSON, &ev.OutputPath, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(categoriesJSON), &ev.Categories); err != nil {
			ev.Categories = map[string]int{}
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetEventsCount returns the total number of recorded events
func (s *SQLiteAuditDB) GetEventsCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CleanupOldEvents removes events older than the specified duration
func (s *SQLiteAuditDB) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM audit_events WHERE created_at < datetime('now', ?)`
	modifier := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))

	result, err := s.db.ExecContext(ctx, query, modifier)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// ClearEvents removes all recorded events
func (s *SQLiteAuditDB) ClearEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_events`)
	if err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	log.Println("[AuditDB] All audit events cleared")
	return nil
}

// Close closes the database connection
func (s *SQLiteAuditDB) Close() error {
	return s.db.Close()
}
