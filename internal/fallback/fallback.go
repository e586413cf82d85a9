// Package fallback is the durable local cache for stage moves whose remote
// commit failed. Records are keyed by card id; a newer move for the same card
// replaces the older record.
package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"cardflow/api/internal/pipeline"
)

type Record struct {
	CardID          string         `json:"cardId"`
	Area            pipeline.Area  `json:"area"`
	Stage           pipeline.Stage `json:"stage"`
	CommercialStage pipeline.Stage `json:"commercialStage,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	Actor           string         `json:"actor,omitempty"`
	Seq             uint64         `json:"seq"`
	CachedAt        time.Time      `json:"cachedAt"`
}

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_moves (
	card_id          TEXT PRIMARY KEY,
	area             TEXT NOT NULL,
	stage            TEXT NOT NULL,
	commercial_stage TEXT NOT NULL DEFAULT '',
	comment          TEXT NOT NULL DEFAULT '',
	actor            TEXT NOT NULL DEFAULT '',
	seq              INTEGER NOT NULL,
	cached_at        TEXT NOT NULL
);`

// Open opens (creating if needed) the cache at path. Use ":memory:" for an
// in-process cache.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating fallback directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening fallback database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating fallback schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put stores r, replacing any record for the same card.
func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	if r.CardID == "" {
		return errors.New("put fallback record: card id is required")
	}
	if r.CachedAt.IsZero() {
		r.CachedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_moves (card_id, area, stage, commercial_stage, comment, actor, seq, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (card_id) DO UPDATE SET
			area = excluded.area,
			stage = excluded.stage,
			commercial_stage = excluded.commercial_stage,
			comment = excluded.comment,
			actor = excluded.actor,
			seq = excluded.seq,
			cached_at = excluded.cached_at
	`, r.CardID, string(r.Area), string(r.Stage), string(r.CommercialStage), r.Comment, r.Actor,
		int64(r.Seq), r.CachedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put fallback record for card %s: %w", r.CardID, err)
	}
	return nil
}

// Get returns the record for cardID; ok is false when none is cached.
func (s *SQLiteStore) Get(ctx context.Context, cardID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT card_id, area, stage, commercial_stage, comment, actor, seq, cached_at
		FROM pending_moves WHERE card_id = ?
	`, cardID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get fallback record for card %s: %w", cardID, err)
	}
	return r, true, nil
}

// Delete removes the record for cardID. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, cardID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_moves WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("delete fallback record for card %s: %w", cardID, err)
	}
	return nil
}

// DeleteIfSeq removes the record only while it still carries seq, so a newer
// cached move is never dropped by an older replay.
func (s *SQLiteStore) DeleteIfSeq(ctx context.Context, cardID string, seq uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_moves WHERE card_id = ? AND seq = ?`, cardID, int64(seq)); err != nil {
		return fmt.Errorf("delete fallback record for card %s: %w", cardID, err)
	}
	return nil
}

// List returns every cached record, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, area, stage, commercial_stage, comment, actor, seq, cached_at
		FROM pending_moves ORDER BY cached_at ASC, card_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list fallback records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fallback record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fallback records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                      Record
		area, stage, commStage string
		seq                    int64
		cachedAt               string
	)
	if err := row.Scan(&r.CardID, &area, &stage, &commStage, &r.Comment, &r.Actor, &seq, &cachedAt); err != nil {
		return Record{}, err
	}
	r.Area = pipeline.Area(area)
	r.Stage = pipeline.Stage(stage)
	r.CommercialStage = pipeline.Stage(commStage)
	r.Seq = uint64(seq)
	t, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse cached_at %q: %w", cachedAt, err)
	}
	r.CachedAt = t
	return r, nil
}
