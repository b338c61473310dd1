// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/maillog/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres stores mail records in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	loc  *time.Location
	zone string // zone name used for hour/day bucketing
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string, loc *time.Location) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s, err := NewPostgres(ctx, pool, loc)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres creates a store on an existing pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, loc *time.Location) (*Postgres, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Postgres{pool: pool, loc: loc, zone: loc.String()}

	// "Local" means nothing to the server; bucket in its session zone instead.
	if s.zone == "Local" {
		if err := pool.QueryRow(ctx, `SELECT current_setting('TIMEZONE')`).Scan(&s.zone); err != nil {
			return nil, fmt.Errorf("read server timezone: %w", err)
		}
	}

	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mail log schema: %w", err)
	}
	slog.Info("postgres mail log store initialised", "zone", s.zone)
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mail_logs (
			id         BIGSERIAL PRIMARY KEY,
			timestamp  TIMESTAMPTZ NOT NULL,
			hostname   TEXT NOT NULL DEFAULT '',
			process    TEXT NOT NULL DEFAULT '',
			message_id TEXT,
			from_email TEXT NOT NULL DEFAULT '',
			to_email   TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			size       BIGINT,
			delay      DOUBLE PRECISION,
			delays     TEXT NOT NULL DEFAULT '',
			dsn        TEXT NOT NULL DEFAULT '',
			relay      TEXT NOT NULL DEFAULT '',
			nrcpt      BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_mail_logs_timestamp ON mail_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_mail_logs_message_id ON mail_logs(message_id);
	`)
	if err != nil {
		return err
	}

	// Fails while legacy duplicates exist; the deduplicator clears them and
	// the next start creates the index.
	_, err = s.pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS uq_mail_logs_message_id
		ON mail_logs(message_id) WHERE message_id IS NOT NULL AND message_id <> ''
	`)
	if err != nil {
		slog.Warn("unique message_id index not created, run deduplication", "error", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, loc: s.loc}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapPgError(err))
	}
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	loc *time.Location
}

// FindByMessageID locks the matching row so a concurrent merge waits.
func (t *pgTx) FindByMessageID(ctx context.Context, messageID string) (*models.MailRecord, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM mail_logs
		WHERE message_id = $1
		ORDER BY timestamp, id
		LIMIT 1
		FOR UPDATE
	`, messageID)
	return scanPgRecord(row, t.loc)
}

func (t *pgTx) Insert(ctx context.Context, rec *models.MailRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO mail_logs
			(timestamp, hostname, process, message_id, from_email, to_email,
			 status, size, delay, delays, dsn, relay, nrcpt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, rec.Timestamp, rec.Hostname, rec.Process, nullIfEmpty(rec.MessageID), rec.FromEmail, rec.ToEmail,
		rec.Status, rec.Size, rec.Delay, rec.Delays, rec.DSN, rec.Relay, rec.Nrcpt).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (t *pgTx) Update(ctx context.Context, rec *models.MailRecord) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE mail_logs
		SET from_email = $1, to_email = $2, status = $3, size = $4, delay = $5,
		    delays = $6, dsn = $7, relay = $8, nrcpt = $9
		WHERE id = $10
	`, rec.FromEmail, rec.ToEmail, rec.Status, rec.Size, rec.Delay,
		rec.Delays, rec.DSN, rec.Relay, rec.Nrcpt, rec.ID)
	return err
}

func (t *pgTx) Delete(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM mail_logs WHERE id = $1`, id)
	return err
}

// DuplicateGroups returns every non-empty message_id held by more than one record.
func (s *Postgres) DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, array_agg(id ORDER BY timestamp, id)
		FROM mail_logs
		WHERE message_id IS NOT NULL AND message_id <> ''
		GROUP BY message_id
		HAVING COUNT(*) > 1
		ORDER BY message_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		if err := rows.Scan(&g.MessageID, &g.IDs); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mail_logs`).Scan(&n)
	return n, err
}

func (s *Postgres) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mail_logs WHERE status = $1`, status).Scan(&n)
	return n, err
}

// Recent returns the newest records first.
func (s *Postgres) Recent(ctx context.Context, limit int) ([]models.MailRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM mail_logs
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.MailRecord
	for rows.Next() {
		r, err := scanPgRecord(rows, s.loc)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// DateRange returns nil bounds for an empty table.
func (s *Postgres) DateRange(ctx context.Context) (min, max *time.Time, err error) {
	err = s.pool.QueryRow(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM mail_logs`).Scan(&min, &max)
	if err != nil {
		return nil, nil, err
	}
	if min != nil {
		t := min.In(s.loc)
		min = &t
	}
	if max != nil {
		t := max.In(s.loc)
		max = &t
	}
	return min, max, nil
}

func (s *Postgres) TopValues(ctx context.Context, field Field, limit int) ([]models.Bucket, error) {
	if !field.valid() {
		return nil, fmt.Errorf("unsupported field %q", field)
	}
	return s.buckets(ctx, fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS n
		FROM mail_logs
		WHERE %[1]s <> ''
		GROUP BY %[1]s
		ORDER BY n DESC, %[1]s
		LIMIT $1
	`, field), limit)
}

func (s *Postgres) GroupByStatus(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT status, COUNT(*) AS n
		FROM mail_logs
		WHERE status <> ''
		GROUP BY status
		ORDER BY n DESC, status
	`)
}

// GroupByHour buckets by two-digit local hour ("00".."23"); empty hours are absent.
func (s *Postgres) GroupByHour(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT to_char(timestamp AT TIME ZONE $1, 'HH24') AS hour, COUNT(*)
		FROM mail_logs
		GROUP BY hour
		ORDER BY hour
	`, s.zone)
}

// GroupByDay buckets by local calendar day ("2006-01-02").
func (s *Postgres) GroupByDay(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT to_char(timestamp AT TIME ZONE $1, 'YYYY-MM-DD') AS day, COUNT(*)
		FROM mail_logs
		GROUP BY day
		ORDER BY day
	`, s.zone)
}

func (s *Postgres) buckets(ctx context.Context, query string, args ...any) ([]models.Bucket, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Bucket
	for rows.Next() {
		var b models.Bucket
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Ping checks the Postgres connection.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// scanPgRecord scans a single row into a MailRecord; no row yields nil, nil.
func scanPgRecord(row pgx.Row, loc *time.Location) (*models.MailRecord, error) {
	var (
		r         models.MailRecord
		messageID *string
	)
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Hostname, &r.Process, &messageID, &r.FromEmail, &r.ToEmail,
		&r.Status, &r.Size, &r.Delay, &r.Delays, &r.DSN, &r.Relay, &r.Nrcpt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if messageID != nil {
		r.MessageID = *messageID
	}
	r.Timestamp = r.Timestamp.In(loc)
	return &r, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	return err
}
