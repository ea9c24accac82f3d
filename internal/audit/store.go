// Package audit is Polyglot's append-only history store: every
// AuditEvent emitted by the router and supervisor lands here, funneled
// through one background worker so a slow disk never backs up a
// message-handling goroutine. Grounded on the teacher's internal/db
// package (SQLite via modernc.org/sqlite, schema versioned with
// pressly/goose's embedded-migrations provider) for shape and idiom,
// though the schema itself (one append-only audit_events table) has no
// teacher equivalent — the teacher's database models session/event
// history, not a hot-path write-once log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

const defaultQueueCapacity = 1024

// Store is the audit/history log. The zero value is not usable; build
// one with Open.
type Store struct {
	conn  *sql.DB
	log   *logging.Logger
	queue chan model.AuditEvent
	done  chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path,
// applies any pending migrations, and starts the background writer.
func Open(path string, log *logging.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &Store{
		conn:  conn,
		log:   log,
		queue: make(chan model.AuditEvent, defaultQueueCapacity),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer close(s.done)
	for ev := range s.queue {
		if err := s.insert(ev); err != nil {
			s.log.Error("audit insert: %v", err)
		}
	}
}

func (s *Store) insert(ev model.AuditEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.conn.Exec(
		`INSERT INTO audit_events (base_key, kind, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.BaseKey, string(ev.Kind), string(ev.Detail), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Append queues ev for the background writer. It matches the
// func(model.AuditEvent) shape internal/router.Deps.Audit and
// internal/supervisor.Deps.Audit expect. If the queue is full the event
// is dropped and logged — the same drop-rather-than-block policy the
// per-server request queue uses (internal/router.boundedQueue), since
// an audit record is diagnostic, not authoritative.
func (s *Store) Append(ev model.AuditEvent) {
	select {
	case s.queue <- ev:
	default:
		s.log.Warning("audit queue full, dropping %s event for %s", ev.Kind, ev.BaseKey)
	}
}

// Close drains the pending queue and closes the database connection.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	return s.conn.Close()
}

// Recent returns up to n of baseKey's most recent events, newest first.
func (s *Store) Recent(baseKey string, n int) ([]model.AuditEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, base_key, kind, detail, occurred_at FROM audit_events WHERE base_key = ? ORDER BY id DESC LIMIT ?`,
		baseKey, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var kind, detail, occurredAt string
		if err := rows.Scan(&ev.ID, &ev.BaseKey, &kind, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Kind = model.AuditKind(kind)
		ev.Detail = []byte(detail)
		ev.At, _ = time.Parse(time.RFC3339Nano, occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByKind reports how many events of kind have ever been recorded,
// across every server. For rest_call this is the count that
// ok_count+error_count in DiagStats should never fall below.
func (s *Store) CountByKind(kind model.AuditKind) (int64, error) {
	var n int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by kind: %w", err)
	}
	return n, nil
}
