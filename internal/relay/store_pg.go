package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS relay_records (
	lane       TEXT        NOT NULL,
	sequence   BIGINT      NOT NULL,
	state      TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	data       JSONB       NOT NULL,
	PRIMARY KEY (lane, sequence)
);
CREATE INDEX IF NOT EXISTS relay_records_state_idx ON relay_records (state);
CREATE TABLE IF NOT EXISTS relay_bundles (
	lane     TEXT   NOT NULL,
	sequence BIGINT NOT NULL,
	data     JSONB  NOT NULL,
	PRIMARY KEY (lane, sequence)
);
CREATE TABLE IF NOT EXISTS relay_bundle_archive (
	lane          TEXT        NOT NULL,
	sequence      BIGINT      NOT NULL,
	superseded_at TIMESTAMPTZ NOT NULL,
	reason        TEXT        NOT NULL,
	data          JSONB       NOT NULL
);
CREATE TABLE IF NOT EXISTS relay_cursors (
	route       TEXT   PRIMARY KEY,
	next_height BIGINT NOT NULL
);`

const pgUniqueViolation = "23505"

// PGStore keeps relay state in PostgreSQL.
type PGStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// OpenPGStore connects to dsn and creates the tables if needed.
func OpenPGStore(ctx context.Context, dsn string, maxConns int32, timeout time.Duration) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PGStore{pool: pool, timeout: timeout}, nil
}

func (s *PGStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func seqParam(id packet.Identity) int64 { return int64(id.Sequence) }

func (s *PGStore) Get(id packet.Identity) (*Record, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM relay_records WHERE lane = $1 AND sequence = $2`,
		id.Lane(), seqParam(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) Create(r *Record) (bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `INSERT INTO relay_records (lane, sequence, state, updated_at, data)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (lane, sequence) DO NOTHING`,
		r.ID.Lane(), seqParam(r.ID), r.State.String(), r.UpdatedAt, string(data))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Put(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.pool.Exec(ctx, `INSERT INTO relay_records (lane, sequence, state, updated_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lane, sequence) DO UPDATE SET state = $3, updated_at = $4, data = $5`,
		r.ID.Lane(), seqParam(r.ID), r.State.String(), r.UpdatedAt, string(data))
	return err
}

func (s *PGStore) List(f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		names := make([]string, len(f.States))
		for i, st := range f.States {
			names[i] = st.String()
		}
		args = append(args, names)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if f.Lane != "" {
		args = append(args, f.Lane)
		where = append(where, fmt.Sprintf("lane = $%d", len(args)))
	}
	if !f.Before.IsZero() {
		args = append(args, f.Before)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	q := "SELECT data FROM relay_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY lane, sequence"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(id packet.Identity) error {
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, table := range []string{"relay_records", "relay_bundles", "relay_bundle_archive"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE lane = $1 AND sequence = $2", id.Lane(), seqParam(id)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) PutBundle(b *zk.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	id := b.PublicInputs.Identity
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.pool.Exec(ctx, `INSERT INTO relay_bundles (lane, sequence, data) VALUES ($1, $2, $3)`,
		id.Lane(), seqParam(id), string(data))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrBundleExists
	}
	return err
}

func (s *PGStore) GetBundle(id packet.Identity) (*zk.Bundle, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM relay_bundles WHERE lane = $1 AND sequence = $2`,
		id.Lane(), seqParam(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b zk.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PGStore) SupersedeBundle(id packet.Identity, reason string, at time.Time) error {
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `DELETE FROM relay_bundles WHERE lane = $1 AND sequence = $2 RETURNING data`,
		id.Lane(), seqParam(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO relay_bundle_archive (lane, sequence, superseded_at, reason, data)
		VALUES ($1, $2, $3, $4, $5)`, id.Lane(), seqParam(id), at.UTC(), reason, string(data)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Archived(id packet.Identity) ([]ArchivedBundle, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT superseded_at, reason, data FROM relay_bundle_archive
		WHERE lane = $1 AND sequence = $2 ORDER BY superseded_at`, id.Lane(), seqParam(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArchivedBundle
	for rows.Next() {
		var (
			a    ArchivedBundle
			data []byte
		)
		if err := rows.Scan(&a.SupersededAt, &a.Reason, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &a.Bundle); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveCursor(route string, next uint64) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `INSERT INTO relay_cursors (route, next_height) VALUES ($1, $2)
		ON CONFLICT (route) DO UPDATE SET next_height = $2`, route, int64(next))
	return err
}

func (s *PGStore) LoadCursor(route string) (uint64, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var next int64
	err := s.pool.QueryRow(ctx, `SELECT next_height FROM relay_cursors WHERE route = $1`, route).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(next), true, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PGStore)(nil)
