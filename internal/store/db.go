// Package store persists call session records in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/clinicport/callcore/internal/util"
)

// Call session statuses. initiated → ringing → active is the only forward
// path; every other status is terminal.
const (
	StatusInitiated = "initiated"
	StatusRinging   = "ringing"
	StatusActive    = "active"
	StatusEnded     = "ended"
	StatusMissed    = "missed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

var ErrNotFound = errors.New("call session not found")

// ErrBadTransition is returned when an update would move a record backwards
// or out of a terminal status.
var ErrBadTransition = errors.New("invalid call status transition")

// CallRecord is the persisted shape of one call session.
type CallRecord struct {
	ID            string `json:"id"`
	Caller        string `json:"caller"`
	Receiver      string `json:"receiver"`
	Status        string `json:"status"`
	StartedAt     int64  `json:"startedAt,omitempty"` // unix ms, set once on active
	EndedAt       int64  `json:"endedAt,omitempty"`   // unix ms, set once on terminal
	Duration      int    `json:"duration,omitempty"`  // seconds
	AppointmentID string `json:"appointmentId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusEnded, StatusMissed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known call status.
func ValidStatus(s string) bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusActive,
		StatusEnded, StatusMissed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// canTransition enforces the monotonic lifecycle: forward along
// initiated→ringing→active, or from any non-terminal status into a terminal one.
func canTransition(from, to string) bool {
	if from == to {
		return true // idempotent repeats are fine
	}
	if Terminal(from) {
		return false
	}
	switch to {
	case StatusRinging:
		return from == StatusInitiated
	case StatusActive:
		return from == StatusInitiated || from == StatusRinging
	default:
		return Terminal(to)
	}
}

// DB wraps the SQLite database holding call records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database at dir/file. An absolute file path
// overrides dir, so a config can point at a database outside the run directory.
func Open(dir, file string) (*DB, error) {
	dbPath := util.ResolvePath(dir, file)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id             TEXT PRIMARY KEY,
			caller         TEXT NOT NULL,
			receiver       TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'initiated',
			started_at     INTEGER DEFAULT 0,
			ended_at       INTEGER DEFAULT 0,
			duration       INTEGER DEFAULT 0,
			appointment_id TEXT DEFAULT '',
			created_at     INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// CreateCall inserts a new record in status "initiated" and returns it.
func (d *DB) CreateCall(caller, receiver, appointmentID string) (*CallRecord, error) {
	if caller == "" || receiver == "" {
		return nil, errors.New("caller and receiver are required")
	}

	rec := &CallRecord{
		ID:            uuid.NewString(),
		Caller:        caller,
		Receiver:      receiver,
		Status:        StatusInitiated,
		AppointmentID: appointmentID,
		CreatedAt:     time.Now().UnixMilli(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO calls (id, caller, receiver, status, appointment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Caller, rec.Receiver, rec.Status, rec.AppointmentID, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert call: %w", err)
	}
	return rec, nil
}

// GetCall fetches one record by id.
func (d *DB) GetCall(id string) (*CallRecord, error) {
	row := d.db.QueryRow(`
		SELECT id, caller, receiver, status, started_at, ended_at, duration, appointment_id, created_at
		FROM calls WHERE id = ?`, id)

	var rec CallRecord
	err := row.Scan(&rec.ID, &rec.Caller, &rec.Receiver, &rec.Status,
		&rec.StartedAt, &rec.EndedAt, &rec.Duration, &rec.AppointmentID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	return &rec, nil
}

// UpdateStatus moves a record to status, enforcing the monotonic lifecycle.
// started_at is stamped exactly once on entering active; ended_at exactly once
// on entering a terminal status. duration < 0 means "leave unchanged"; when a
// terminal update supplies no duration and both timestamps are known, it is
// computed as ended_at − started_at.
func (d *DB) UpdateStatus(id, status string, duration int) (*CallRecord, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("unknown call status %q", status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.GetCall(id)
	if err != nil {
		return nil, err
	}
	if !canTransition(rec.Status, status) {
		return nil, fmt.Errorf("%w: %s → %s", ErrBadTransition, rec.Status, status)
	}
	if rec.Status == status {
		return rec, nil
	}

	now := time.Now().UnixMilli()
	rec.Status = status
	if status == StatusActive && rec.StartedAt == 0 {
		rec.StartedAt = now
	}
	if Terminal(status) && rec.EndedAt == 0 {
		rec.EndedAt = now
	}
	if duration >= 0 {
		rec.Duration = duration
	} else if Terminal(status) && rec.StartedAt > 0 && rec.EndedAt >= rec.StartedAt {
		rec.Duration = int((rec.EndedAt - rec.StartedAt) / 1000)
	}

	_, err = d.db.Exec(`
		UPDATE calls SET status = ?, started_at = ?, ended_at = ?, duration = ?
		WHERE id = ?`,
		rec.Status, rec.StartedAt, rec.EndedAt, rec.Duration, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	return rec, nil
}

// EndCall is UpdateStatus(id, ended, duration).
func (d *DB) EndCall(id string, duration int) (*CallRecord, error) {
	return d.UpdateStatus(id, StatusEnded, duration)
}
