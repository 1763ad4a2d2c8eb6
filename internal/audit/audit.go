// Package audit keeps the admin spend log. Admin sessions bypass the daily
// spend cap and are never debited, so this log is the only record of what
// their traffic cost.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/models"
	_ "modernc.org/sqlite"
)

// Kind is the ledger operation an admin record was written for.
type Kind string

const (
	KindReserve Kind = "reserve"
	KindSettle  Kind = "settle"
	KindRelease Kind = "release"
)

// Entry is one admin bypass.
type Entry struct {
	ID            string
	SessionID     string
	ReservationID string
	ModelID       string
	Kind          Kind
	Credits       int64
	Cost          models.Micros
	CreatedAt     time.Time
}

// Recorder accepts admin bypass records.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// QueryOpts filters Query results.
type QueryOpts struct {
	SessionID string
	Since     time.Time
	Limit     int
}

// Config controls where the log lives and how long records are kept.
type Config struct {
	DBPath        string
	RetentionDays int
}

// Log writes and queries admin spend records in a dedicated SQLite database.
type Log struct {
	db   *sql.DB
	cfg  Config
	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens the audit database, creates the schema and starts the retention
// loop when RetentionDays is positive.
func Open(cfg Config) (*Log, error) {
	dsn := cfg.DBPath
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// a single connection keeps :memory: databases shared and serialises writes
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Log{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS admin_spend (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		reservation_id TEXT,
		model_id       TEXT,
		kind           TEXT NOT NULL,
		credits        INTEGER NOT NULL,
		cost_micros    INTEGER NOT NULL,
		created_at     INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_admin_spend_session ON admin_spend(session_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_admin_spend_created ON admin_spend(created_at)`)
	return err
}

// Record inserts an admin bypass record.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO admin_spend
		(id, session_id, reservation_id, model_id, kind, credits, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.ReservationID, entry.ModelID,
		string(entry.Kind), entry.Credits, int64(entry.Cost), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// Query returns records matching opts, newest first.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	q := `SELECT id, session_id, reservation_id, model_id, kind, credits, cost_micros, created_at
		FROM admin_spend WHERE 1=1`
	var args []any

	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			reservationID sql.NullString
			modelID       sql.NullString
			kind          string
			cost          int64
			createdAt     int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &reservationID, &modelID, &kind, &e.Credits, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.ReservationID = reservationID.String
		e.ModelID = modelID.String
		e.Kind = Kind(kind)
		e.Cost = models.Micros(cost)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Total returns the net admin spend recorded since the given time. Settle and
// release records carry the adjustment against their reservation.
func (l *Log) Total(ctx context.Context, since time.Time) (models.Micros, error) {
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(cost_micros) FROM admin_spend WHERE created_at >= ?`, since.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("audit total: %w", err)
	}
	return models.Micros(total.Int64), nil
}

// Cleanup deletes records older than the retention period.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM admin_spend WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				log.Error().Err(err).Msg("Audit retention cleanup failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("Audit retention cleanup")
			}
		}
	}
}
