package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/google/uuid"
)

const (
	// DefaultRecorderQueue is the number of estimates buffered ahead of the
	// writer before Publish starts dropping.
	DefaultRecorderQueue = 4096
	// maxBatch bounds the rows written per transaction.
	maxBatch = 512
)

// ErrRecorderClosed is returned when a closed recorder is asked to flush.
var ErrRecorderClosed = errors.New("recorder closed")

// SessionInfo describes the run a recorder captures.
type SessionInfo struct {
	Source         string
	Wheel          string
	CounterWidth   uint8
	TicksPerSecond uint32
	ConfigJSON     string
}

// Session is a stored recording.
type Session struct {
	ID             string     `json:"session_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Source         string     `json:"source"`
	Wheel          string     `json:"wheel"`
	CounterWidth   uint8      `json:"counter_width"`
	TicksPerSecond uint32     `json:"ticks_per_second"`
	Written        uint64     `json:"estimates_written"`
	Dropped        uint64     `json:"estimates_dropped"`
}

// Recorder is a sink that writes estimates for one session. Publish never
// blocks; a background writer batches rows into transactions.
type Recorder struct {
	db *DB
	id string

	mu     sync.RWMutex
	closed bool
	queue  chan recorderItem
	done   chan struct{}

	seq     uint64
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// recorderItem is either an estimate or, when flushed is set, a barrier that
// is closed once everything queued before it has been written.
type recorderItem struct {
	est     sink.Estimate
	flushed chan struct{}
}

// StartSession inserts a session row and starts its writer.
func (db *DB) StartSession(ctx context.Context, info SessionInfo) (*Recorder, error) {
	return db.startSession(ctx, info, DefaultRecorderQueue, time.Now())
}

func (db *DB) startSession(ctx context.Context, info SessionInfo, queue int, now time.Time) (*Recorder, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `INSERT INTO sessions (
			session_id, started_at, source, wheel, counter_width, ticks_per_second, config_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, now.UnixNano(), info.Source, info.Wheel, info.CounterWidth, info.TicksPerSecond, info.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	r := &Recorder{
		db:    db,
		id:    id,
		queue: make(chan recorderItem, queue),
		done:  make(chan struct{}),
	}
	go r.run()
	monitoring.Logf("db: recording session %s (%s, wheel %s)", id, info.Source, info.Wheel)
	return r, nil
}

// ID returns the session's UUID.
func (r *Recorder) ID() string { return r.id }

// Written returns the number of estimates committed so far.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of estimates lost to a full queue or a failed
// write.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() + r.failed.Load() }

func (r *Recorder) Publish(e sink.Estimate) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- recorderItem{est: e}:
	default:
		r.dropped.Add(1)
	}
}

// Flush blocks until every estimate published before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	select {
	case r.queue <- recorderItem{flushed: barrier}:
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, writes the remaining estimates and marks the
// session ended.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	_, err := r.db.Exec(`UPDATE sessions SET ended_at = ?, estimates_written = ?, estimates_dropped = ?
		WHERE session_id = ?`, time.Now().UnixNano(), r.Written(), r.Dropped(), r.id)
	if err != nil {
		return fmt.Errorf("close session %s: %w", r.id, err)
	}
	monitoring.Logf("db: session %s closed, %d written, %d dropped", r.id, r.Written(), r.Dropped())
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	batch := make([]sink.Estimate, 0, maxBatch)
	var barriers []chan struct{}

	flush := func() {
		if len(batch) > 0 {
			if err := r.write(batch); err != nil {
				r.failed.Add(uint64(len(batch)))
				monitoring.Logf("db: dropping %d estimates: %v", len(batch), err)
			}
			batch = batch[:0]
		}
		for _, b := range barriers {
			close(b)
		}
		barriers = barriers[:0]
	}

	for item := range r.queue {
		r.take(item, &batch, &barriers)
		// gather whatever is already queued into the same transaction
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break drain
				}
				r.take(next, &batch, &barriers)
			default:
				break drain
			}
		}
		flush()
	}
	flush()
}

func (r *Recorder) take(item recorderItem, batch *[]sink.Estimate, barriers *[]chan struct{}) {
	if item.flushed != nil {
		*barriers = append(*barriers, item.flushed)
		return
	}
	*batch = append(*batch, item.est)
}

func (r *Recorder) write(batch []sink.Estimate) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO estimates (
			session_id, seq, time_unix_nanos, angle, velocity, acceleration,
			sample_count, status, interval_ticks
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	seq := r.seq
	for _, e := range batch {
		if _, err := stmt.Exec(r.id, seq, e.Time.UnixNano(), e.Angle, e.Velocity, e.Acceleration,
			e.SampleCount, string(e.Status), uint32(e.Interval)); err != nil {
			return err
		}
		seq++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.seq = seq
	r.written.Add(uint64(len(batch)))
	return nil
}

// Sessions lists recorded sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT session_id, started_at, ended_at, source, wheel,
			counter_width, ticks_per_second, estimates_written, estimates_dropped
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Source, &s.Wheel,
			&s.CounterWidth, &s.TicksPerSecond, &s.Written, &s.Dropped); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Estimates returns up to limit estimates of a session in publish order,
// starting at sequence number from.
func (db *DB) Estimates(ctx context.Context, sessionID string, from uint64, limit int) ([]sink.Estimate, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.QueryContext(ctx, `SELECT time_unix_nanos, angle, velocity, acceleration,
			sample_count, status, interval_ticks
		FROM estimates WHERE session_id = ? AND seq >= ? ORDER BY seq LIMIT ?`, sessionID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sink.Estimate
	for rows.Next() {
		var (
			e        sink.Estimate
			ts       int64
			status   string
			interval uint32
		)
		if err := rows.Scan(&ts, &e.Angle, &e.Velocity, &e.Acceleration, &e.SampleCount, &status, &interval); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts).UTC()
		e.Status = sink.Status(status)
		e.Interval = ticks.Interval(interval)
		out = append(out, e)
	}
	return out, rows.Err()
}
