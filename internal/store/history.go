package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/logic/session"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one persisted still in the capture history.
type Record struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	Path        string    `json:"path"`
	TakenAt     time.Time `json:"taken_at"`
	Bytes       int64     `json:"bytes"`
	Orientation int       `json:"orientation"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
}

// History catalogs persisted stills in sqlite so downstream consumers can
// find them without scanning the pictures directory. A path is listed once:
// when a capture overwrites an earlier file of the same name, its row is
// replaced too.
type History struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(ctx context.Context, path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	h := &History{db: db}
	if err := h.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	debug.Verbose("Capture history at %s", path)
	return h, nil
}

// Close closes the database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *History) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS captures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			taken_at TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			orientation INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_taken_at ON captures(taken_at);`,
	}
	for _, stmt := range statements {
		if _, err := h.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate history db")
		}
	}
	return nil
}

// Add stores rec and returns its row id.
func (h *History) Add(ctx context.Context, rec Record) (int64, error) {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO captures (request_id, path, taken_at, bytes, orientation, width, height)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			request_id=excluded.request_id,
			taken_at=excluded.taken_at,
			bytes=excluded.bytes,
			orientation=excluded.orientation,
			width=excluded.width,
			height=excluded.height`,
		rec.RequestID, rec.Path, rec.TakenAt.UTC().Format(timeLayout),
		rec.Bytes, rec.Orientation, rec.Width, rec.Height)
	if err != nil {
		return 0, errors.Wrapf(err, "record capture %s", rec.Path)
	}
	var id int64
	if err := h.db.QueryRowContext(ctx, `SELECT id FROM captures WHERE path = ?`, rec.Path).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "look up capture %s", rec.Path)
	}
	return id, nil
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, request_id, path, taken_at, bytes, orientation, width, height
		FROM captures
		ORDER BY taken_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list captures")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			takenAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Path, &takenAt, &rec.Bytes, &rec.Orientation, &rec.Width, &rec.Height); err != nil {
			return nil, errors.Wrap(err, "scan capture")
		}
		if ts, err := time.Parse(timeLayout, takenAt); err == nil {
			rec.TakenAt = ts.UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of cataloged stills.
func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count captures")
	}
	return n, nil
}

// Record implements session.Recorder.
func (h *History) Record(c session.Capture) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Add(ctx, Record{
		RequestID:   c.RequestID,
		Path:        c.Path,
		TakenAt:     c.At,
		Bytes:       c.Bytes,
		Orientation: c.Orientation,
		Width:       c.Size.Width,
		Height:      c.Size.Height,
	})
	return err
}
