// Package journal records every frame the robot exchanges with its radio
// module, plus notable loop events, to a sqlite database. Writes happen on
// a background goroutine; the control loop never waits on disk.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// batchSize is the most entries committed in one transaction.
const batchSize = 128

// dirTx marks frames the robot sent.
const dirTx = "tx"

// Options configures a Journal.
type Options struct {
	// Peer is stored with the run for reference.
	Peer string
	// Buffer is the queue depth between the loop and the writer. Entries
	// recorded while the queue is full are dropped and counted.
	Buffer int
	// FlushInterval bounds how long an entry waits before it is committed.
	FlushInterval time.Duration
	Clock         timeutil.Clock
}

// Stats counts writer activity.
type Stats struct {
	Written     uint64 `json:"written"`
	Dropped     uint64 `json:"dropped"`
	WriteErrors uint64 `json:"write_errors"`
}

// Frame is a journalled frame.
type Frame struct {
	ID     int64  `json:"id"`
	RunID  string `json:"run_id"`
	Dir    string `json:"dir"`
	Ms     int32  `json:"uptime_ms"`
	Kind   string `json:"kind"`
	Code   string `json:"code,omitempty"`
	Length int    `json:"length"`
	Data   []byte `json:"data"`
}

// Event is a journalled loop event.
type Event struct {
	ID     int64  `json:"id"`
	RunID  string `json:"run_id"`
	Ms     int32  `json:"uptime_ms"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type entry struct {
	isFrame bool
	dir     string
	ms      int32
	data    []byte
	kind    string
	detail  string
}

// Journal is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	path  string
	runID string

	mu      sync.RWMutex // guards closed and sends on entries
	closed  bool
	entries chan entry
	flushes chan chan struct{}
	done    chan struct{}

	written     atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// Open opens or creates the database at path, migrates it to the latest
// schema and starts a new run.
func Open(path string, opts Options) (*Journal, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection keeps the writer and debug readers from tripping over
	// sqlite's locking.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:      db,
		path:    path,
		runID:   uuid.NewString(),
		entries: make(chan entry, opts.Buffer),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := db.Exec(`INSERT INTO runs (run_id, peer) VALUES (?, ?)`, j.runID, opts.Peer); err != nil {
		db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}
	monitoring.Logf("journal %s: run %s", path, j.runID)

	ticker := opts.Clock.NewTicker(opts.FlushInterval)
	go j.writer(ticker)
	return j, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// RunID identifies this process's rows.
func (j *Journal) RunID() string { return j.runID }

// RecordFrame queues a copy of frame.
func (j *Journal) RecordFrame(dir string, ms int32, frame []byte) {
	j.enqueue(entry{isFrame: true, dir: dir, ms: ms, data: append([]byte(nil), frame...)})
}

// RecordEvent queues a loop event.
func (j *Journal) RecordEvent(ms int32, kind, detail string) {
	j.enqueue(entry{ms: ms, kind: kind, detail: detail})
}

func (j *Journal) enqueue(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.entries <- e:
	default:
		j.dropped.Add(1)
	}
}

// Flush blocks until everything recorded so far is committed.
func (j *Journal) Flush() {
	req := make(chan struct{})
	select {
	case j.flushes <- req:
		<-req
	case <-j.done:
	}
}

func (j *Journal) writer(ticker timeutil.Ticker) {
	defer close(j.done)
	defer ticker.Stop()

	pending := make([]entry, 0, batchSize)
	commit := func() {
		if len(pending) > 0 {
			j.write(pending)
			pending = pending[:0]
		}
	}
	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				commit()
				return
			}
			pending = append(pending, e)
			if len(pending) >= batchSize {
				commit()
			}
		case <-ticker.C():
			commit()
		case req := <-j.flushes:
			for len(j.entries) > 0 {
				pending = append(pending, <-j.entries)
				if len(pending) >= batchSize {
					commit()
				}
			}
			commit()
			close(req)
		}
	}
}

func (j *Journal) write(batch []entry) {
	if err := j.insert(batch); err != nil {
		j.writeErrors.Add(1)
		monitoring.Logf("journal: dropped %d entries: %v", len(batch), err)
		return
	}
	j.written.Add(uint64(len(batch)))
}

func (j *Journal) insert(batch []entry) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range batch {
		if e.isFrame {
			kind, code := describe(e.dir, e.data)
			_, err = tx.Exec(
				`INSERT INTO frames (run_id, dir, uptime_ms, kind, code, length, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				j.runID, e.dir, e.ms, kind, code, len(e.data), e.data,
			)
		} else {
			_, err = tx.Exec(
				`INSERT INTO events (run_id, uptime_ms, kind, detail) VALUES (?, ?, ?, ?)`,
				j.runID, e.ms, e.kind, e.detail,
			)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// describe labels a frame for querying. Inbound frames use the loop's own
// classification; outbound ones are AT requests or transmit frames.
func describe(dir string, frame []byte) (kind, code string) {
	if len(frame) == 0 {
		return protocol.KindEmpty.String(), ""
	}
	if dir == dirTx {
		switch {
		case frame[0] == protocol.ATRequest && len(frame) >= 4:
			return "at", string(frame[2:4])
		case frame[0] == protocol.TxMarker && len(frame) >= protocol.HeaderSize:
			c := frame[protocol.HeaderSize-1]
			switch c {
			case protocol.EventWhiskers, protocol.EventButton, protocol.EventInfrared, protocol.EventHeartbeat:
				return "event", string(c)
			}
			return "reply", string(c)
		}
		return protocol.KindUnknown.String(), ""
	}

	cls := protocol.Classify(frame, false)
	switch cls.Kind {
	case protocol.KindConfigReply:
		return cls.Kind.String(), cls.Tag.String()
	case protocol.KindCommand:
		return cls.Kind.String(), string(cls.Code)
	}
	if cls.Code != 0 {
		return cls.Kind.String(), string(cls.Code)
	}
	return cls.Kind.String(), ""
}

// Recent returns up to limit frames of any run, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Frame, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT frame_id, run_id, dir, uptime_ms, kind, COALESCE(code, ''), length, data
		FROM frames ORDER BY frame_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.ID, &f.RunID, &f.Dir, &f.Ms, &f.Kind, &f.Code, &f.Length, &f.Data); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Events returns up to limit events of any run, newest first.
func (j *Journal) Events(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, run_id, uptime_ms, kind, COALESCE(detail, '')
		FROM events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Ms, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns writer counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Written:     j.written.Load(),
		Dropped:     j.dropped.Load(),
		WriteErrors: j.writeErrors.Load(),
	}
}

// Close commits queued entries and closes the database. It is safe to
// call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
