// Package journal records virtual process lifecycle events in a SQLite
// database so hosts can inspect what happened after the fact. A Journal is
// an event.Bus; chain it with other buses through event.Multi.
//
// Each row stores the event kind and label as columns and a canonical CBOR
// Record of the source's state at publish time.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/vproc/event"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("vproc.journal")

// ErrClosed is returned by operations on a closed Journal.
var ErrClosed = errors.New("journal: closed")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	id     TEXT    NOT NULL UNIQUE,
	time   INTEGER NOT NULL,
	kind   TEXT    NOT NULL,
	label  TEXT    NOT NULL,
	record BLOB    NOT NULL
)`

// Journal is an event.Bus backed by SQLite.
type Journal struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// Entry is one journaled event.
type Entry struct {
	Seq    int64
	ID     string
	Time   time.Time
	Kind   event.Kind
	Label  string
	Record *Record
}

// Open opens or creates the journal database at path. Use ":memory:" for a
// journal that lives as long as the Journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// One connection: writes are serialized and ":memory:" stays a single
	// database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Publish implements event.Bus. Write failures are logged and dropped;
// they never reach the publisher.
func (j *Journal) Publish(source any, kind event.Kind) {
	if err := j.Append(context.Background(), source, kind); err != nil {
		log.Errorf("dropping %s event: %v", kind, err)
	}
}

// Append journals one event and reports failures.
func (j *Journal) Append(ctx context.Context, source any, kind event.Kind) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	now := time.Now()
	rec := newRecord(source, kind, now)
	data, err := MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (id, time, kind, label, record) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), now.UnixNano(), kind.String(), rec.Label, data)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Entries returns all journaled events in publish order.
func (j *Journal) Entries(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, `SELECT seq, id, time, label, record FROM events ORDER BY seq`)
}

// EntriesFor returns the journaled events whose source has label.
func (j *Journal) EntriesFor(ctx context.Context, label string) ([]Entry, error) {
	return j.query(ctx, `SELECT seq, id, time, label, record FROM events WHERE label = ? ORDER BY seq`, label)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			nano int64
			blob []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &nano, &e.Label, &blob); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		rec, err := UnmarshalRecord(blob)
		if err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, nano)
		e.Kind = rec.Kind
		e.Record = rec
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Close closes the database. Later publishes are dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
