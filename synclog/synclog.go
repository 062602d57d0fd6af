// Package synclog keeps the history of sync attempts in SQLite so
// operators can see which peers are healthy and how much each round moved.
package synclog

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/hub/errors"
	hubsync "github.com/teranos/hub/sync"
)

// Store records sync attempts. It implements sync.Recorder.
type Store struct {
	db *sql.DB
}

var _ hubsync.Recorder = (*Store)(nil)

// NewStore wraps a database migrated by db.Migrate
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PeerStats are running totals for one peer
type PeerStats struct {
	Peer          string     `json:"peer"`
	Attempts      int        `json:"attempts"`
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	Merged        int        `json:"merged"`
	LastOutcome   string     `json:"last_outcome"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Stats summarizes the whole log
type Stats struct {
	Attempts  int            `json:"attempts"`
	ByOutcome map[string]int `json:"by_outcome"`
	Merged    int            `json:"merged"`
	Peers     []PeerStats    `json:"peers"`
}

// Record stores a finished attempt and updates the peer's totals
func (s *Store) Record(ctx context.Context, r *hubsync.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStorage(err, "begin sync log tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_attempts (
			id, peer, outcome, started_at, finished_at, duration_ms, divergence_prefix,
			fetched, merged, duplicates, conflicts, failed, deferred, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AttemptID, r.Peer, string(r.Outcome), r.StartedAt.UTC(), r.FinishedAt.UTC(),
		r.Duration().Milliseconds(), string(r.DivergencePrefix),
		r.Fetched, r.Merged, r.Duplicates, r.Conflicts, r.Failed, r.Deferred, r.Error,
	)
	if err != nil {
		return errors.WrapStorage(err, "insert sync attempt")
	}

	synced, failed := 0, 0
	switch r.Outcome {
	case hubsync.OutcomeSynced, hubsync.OutcomeNotNeeded:
		synced = 1
	case hubsync.OutcomeFailed:
		failed = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO peer_stats (peer, attempts, synced, failed, merged, last_outcome, last_attempt_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(peer) DO UPDATE SET
			attempts = attempts + 1,
			synced = synced + excluded.synced,
			failed = failed + excluded.failed,
			merged = merged + excluded.merged,
			last_outcome = excluded.last_outcome,
			last_attempt_at = excluded.last_attempt_at`,
		r.Peer, synced, failed, r.Merged, string(r.Outcome), r.FinishedAt.UTC(),
	)
	if err != nil {
		return errors.WrapStorage(err, "update peer stats")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStorage(err, "commit sync attempt")
	}
	return nil
}

const attemptColumns = `id, peer, outcome, started_at, finished_at, divergence_prefix,
	fetched, merged, duplicates, conflicts, failed, deferred, error`

func scanAttempts(rows *sql.Rows) ([]*hubsync.Result, error) {
	defer rows.Close()
	var out []*hubsync.Result
	for rows.Next() {
		r := &hubsync.Result{}
		var outcome, prefix string
		if err := rows.Scan(&r.AttemptID, &r.Peer, &outcome, &r.StartedAt, &r.FinishedAt, &prefix,
			&r.Fetched, &r.Merged, &r.Duplicates, &r.Conflicts, &r.Failed, &r.Deferred, &r.Error); err != nil {
			return nil, errors.WrapStorage(err, "scan sync attempt")
		}
		r.Outcome = hubsync.Outcome(outcome)
		if prefix != "" {
			r.DivergencePrefix = []byte(prefix)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "iterate sync attempts")
	}
	return out, nil
}

// Recent returns the latest attempts, newest first. An empty peer matches
// every peer.
func (s *Store) Recent(ctx context.Context, peer string, limit int) ([]*hubsync.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if peer == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+attemptColumns+` FROM sync_attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+attemptColumns+` FROM sync_attempts WHERE peer = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, peer, limit)
	}
	if err != nil {
		return nil, errors.WrapStorage(err, "query sync attempts")
	}
	return scanAttempts(rows)
}

// Stats returns totals across the log and per peer
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByOutcome: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), COALESCE(SUM(merged), 0) FROM sync_attempts GROUP BY outcome`)
	if err != nil {
		return nil, errors.WrapStorage(err, "query outcome totals")
	}
	for rows.Next() {
		var outcome string
		var n, merged int
		if err := rows.Scan(&outcome, &n, &merged); err != nil {
			rows.Close()
			return nil, errors.WrapStorage(err, "scan outcome totals")
		}
		st.ByOutcome[outcome] = n
		st.Attempts += n
		st.Merged += merged
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "iterate outcome totals")
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT peer, attempts, synced, failed, merged, last_outcome, last_attempt_at
		FROM peer_stats ORDER BY peer`)
	if err != nil {
		return nil, errors.WrapStorage(err, "query peer stats")
	}
	defer rows.Close()
	for rows.Next() {
		var p PeerStats
		var last sql.NullTime
		if err := rows.Scan(&p.Peer, &p.Attempts, &p.Synced, &p.Failed, &p.Merged, &p.LastOutcome, &last); err != nil {
			return nil, errors.WrapStorage(err, "scan peer stats")
		}
		if last.Valid {
			t := last.Time
			p.LastAttemptAt = &t
		}
		st.Peers = append(st.Peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "iterate peer stats")
	}
	return st, nil
}

// Prune deletes attempts that started before cutoff. Peer totals are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_attempts WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.WrapStorage(err, "prune sync attempts")
	}
	return res.RowsAffected()
}
