// Package archive persists threat events and their annotated images.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// ErrNotFound is returned when an event does not exist
var ErrNotFound = errors.New("event not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed event table
type Store struct {
	db        *sql.DB
	imageDir  string
	maxEvents int
}

// Open opens (creating if needed) the event database and image directory,
// and applies pending migrations. maxEvents <= 0 disables retention.
func Open(path, imageDir string, maxEvents int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, imageDir: imageDir, maxEvents: maxEvents}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close the shared *sql.DB
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	logger.Debug("Migrate", format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ImageDir returns the directory holding event images
func (s *Store) ImageDir() string {
	return s.imageDir
}

// ImagePath returns the absolute location of an event's image
func (s *Store) ImagePath(rec *types.EventRecord) string {
	if rec == nil || rec.ImagePath == "" {
		return ""
	}
	return filepath.Join(s.imageDir, filepath.Base(rec.ImagePath))
}

// Insert stores an event and applies retention. It returns the new event id.
func (s *Store) Insert(ctx context.Context, rec *types.EventRecord) (int64, error) {
	labels, err := json.Marshal(nonNil(rec.Labels))
	if err != nil {
		return 0, fmt.Errorf("encode labels: %w", err)
	}
	boxes := rec.Boxes
	if boxes == nil {
		boxes = []types.Detection{}
	}
	bboxes, err := json.Marshal(boxes)
	if err != nil {
		return 0, fmt.Errorf("encode boxes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (timestamp, type, labels, confidence, image_path, bboxes) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Type), string(labels), rec.Confidence, rec.ImagePath, string(bboxes))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	evicted, err := s.evict(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	for _, img := range evicted {
		s.removeImage(img)
	}
	return id, nil
}

// evict deletes the oldest rows beyond maxEvents and returns their image names.
func (s *Store) evict(ctx context.Context, tx *sql.Tx) ([]string, error) {
	if s.maxEvents <= 0 {
		return nil, nil
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	excess := count - s.maxEvents
	if excess <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, image_path FROM events ORDER BY id ASC LIMIT ?`, excess)
	if err != nil {
		return nil, fmt.Errorf("select oldest: %w", err)
	}
	var ids []int64
	var images []string
	for rows.Next() {
		var id int64
		var img string
		if err := rows.Scan(&id, &img); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan oldest: %w", err)
		}
		ids = append(ids, id)
		images = append(images, img)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select oldest: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete event %d: %w", id, err)
		}
	}
	logger.Info("Archive", "Retention: removed %d oldest events", len(ids))
	return images, nil
}

func (s *Store) removeImage(name string) {
	if name == "" {
		return
	}
	path := filepath.Join(s.imageDir, filepath.Base(name))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Archive", "Failed to remove image %s: %v", path, err)
	}
}

const selectColumns = `SELECT id, timestamp, type, labels, confidence, image_path, bboxes FROM events`

// List returns up to limit events, newest first. Events whose image file no
// longer exists are deleted and left out.
func (s *Store) List(ctx context.Context, limit int) ([]types.EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]types.EventRecord, 0, limit)
	var stale []int64
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if !s.imageExists(rec) {
			stale = append(stale, rec.ID)
			continue
		}
		events = append(events, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("purge event %d: %w", id, err)
		}
	}
	if len(stale) > 0 {
		logger.Info("Archive", "Purged %d events with missing images", len(stale))
	}
	return events, nil
}

// Get returns one event
func (s *Store) Get(ctx context.Context, id int64) (*types.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Count returns the number of stored events
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) imageExists(rec *types.EventRecord) bool {
	path := s.ImagePath(rec)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(sc scanner) (*types.EventRecord, error) {
	var (
		rec                 types.EventRecord
		ts, typ, labels, bb string
	)
	if err := sc.Scan(&rec.ID, &ts, &typ, &labels, &rec.Confidence, &rec.ImagePath, &bb); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("event %d: bad timestamp %q: %w", rec.ID, ts, err)
	}
	rec.Timestamp = t
	rec.Type = types.ThreatType(typ)
	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return nil, fmt.Errorf("event %d: decode labels: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(bb), &rec.Boxes); err != nil {
		return nil, fmt.Errorf("event %d: decode boxes: %w", rec.ID, err)
	}
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
