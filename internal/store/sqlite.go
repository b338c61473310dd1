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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bcem/maillog/internal/models"
)

// localLayout is the text form of local_time, the column hour and day
// buckets are cut from.
const localLayout = "2006-01-02 15:04:05"

// SQLite stores mail records in an embedded SQLite database. Transactions
// take the write lock up front (BEGIN IMMEDIATE), which gives the lookup
// and the write in WithTx the same guarantees as a locked row in Postgres.
type SQLite struct {
	db  *sql.DB
	loc *time.Location
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string, loc *time.Location) (*SQLite, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLite{db: db, loc: loc}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure mail log schema: %w", err)
	}
	slog.Info("sqlite mail log store initialised", "path", path, "zone", loc.String())
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS mail_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  INTEGER NOT NULL,
	local_time TEXT NOT NULL,
	hostname   TEXT NOT NULL DEFAULT '',
	process    TEXT NOT NULL DEFAULT '',
	message_id TEXT,
	from_email TEXT NOT NULL DEFAULT '',
	to_email   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	size       INTEGER,
	delay      REAL,
	delays     TEXT NOT NULL DEFAULT '',
	dsn        TEXT NOT NULL DEFAULT '',
	relay      TEXT NOT NULL DEFAULT '',
	nrcpt      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mail_logs_timestamp ON mail_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_mail_logs_message_id ON mail_logs(message_id);
`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
CREATE UNIQUE INDEX IF NOT EXISTS uq_mail_logs_message_id
ON mail_logs(message_id) WHERE message_id IS NOT NULL AND message_id <> ''
`)
	if err != nil {
		slog.Warn("unique message_id index not created, run deduplication", "error", err)
	}
	return nil
}

// WithTx runs fn in an immediate transaction.
func (s *SQLite) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, loc: s.loc}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapSQLiteError(err))
	}
	return nil
}

type sqliteTx struct {
	tx  *sql.Tx
	loc *time.Location
}

func (t *sqliteTx) FindByMessageID(ctx context.Context, messageID string) (*models.MailRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM mail_logs
		WHERE message_id = ?
		ORDER BY timestamp, id
		LIMIT 1
	`, messageID)
	r, err := scanSQLiteRecord(row, t.loc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (t *sqliteTx) Insert(ctx context.Context, rec *models.MailRecord) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO mail_logs
			(timestamp, local_time, hostname, process, message_id, from_email, to_email,
			 status, size, delay, delays, dsn, relay, nrcpt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp.Unix(), rec.Timestamp.In(t.loc).Format(localLayout), rec.Hostname, rec.Process,
		nullIfEmpty(rec.MessageID), rec.FromEmail, rec.ToEmail, rec.Status, rec.Size, rec.Delay,
		rec.Delays, rec.DSN, rec.Relay, rec.Nrcpt)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return res.LastInsertId()
}

func (t *sqliteTx) Update(ctx context.Context, rec *models.MailRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE mail_logs
		SET from_email = ?, to_email = ?, status = ?, size = ?, delay = ?,
		    delays = ?, dsn = ?, relay = ?, nrcpt = ?
		WHERE id = ?
	`, rec.FromEmail, rec.ToEmail, rec.Status, rec.Size, rec.Delay,
		rec.Delays, rec.DSN, rec.Relay, rec.Nrcpt, rec.ID)
	return err
}

func (t *sqliteTx) Delete(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM mail_logs WHERE id = ?`, id)
	return err
}

func (s *SQLite) DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, id
		FROM mail_logs
		WHERE message_id IN (
			SELECT message_id FROM mail_logs
			WHERE message_id IS NOT NULL AND message_id <> ''
			GROUP BY message_id
			HAVING COUNT(*) > 1
		)
		ORDER BY message_id, timestamp, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collected []groupRow
	for rows.Next() {
		var r groupRow
		if err := rows.Scan(&r.messageID, &r.id); err != nil {
			return nil, err
		}
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return foldGroups(collected), nil
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mail_logs`).Scan(&n)
	return n, err
}

func (s *SQLite) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mail_logs WHERE status = ?`, status).Scan(&n)
	return n, err
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]models.MailRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM mail_logs
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.MailRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows, s.loc)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLite) DateRange(ctx context.Context) (min, max *time.Time, err error) {
	var lo, hi sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM mail_logs`).Scan(&lo, &hi)
	if err != nil {
		return nil, nil, err
	}
	if lo.Valid {
		t := time.Unix(lo.Int64, 0).In(s.loc)
		min = &t
	}
	if hi.Valid {
		t := time.Unix(hi.Int64, 0).In(s.loc)
		max = &t
	}
	return min, max, nil
}

func (s *SQLite) TopValues(ctx context.Context, field Field, limit int) ([]models.Bucket, error) {
	if !field.valid() {
		return nil, fmt.Errorf("unsupported field %q", field)
	}
	return s.buckets(ctx, fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS n
		FROM mail_logs
		WHERE %[1]s <> ''
		GROUP BY %[1]s
		ORDER BY n DESC, %[1]s
		LIMIT ?
	`, field), limit)
}

func (s *SQLite) GroupByStatus(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT status, COUNT(*) AS n
		FROM mail_logs
		WHERE status <> ''
		GROUP BY status
		ORDER BY n DESC, status
	`)
}

func (s *SQLite) GroupByHour(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT substr(local_time, 12, 2) AS hour, COUNT(*)
		FROM mail_logs
		GROUP BY hour
		ORDER BY hour
	`)
}

func (s *SQLite) GroupByDay(ctx context.Context) ([]models.Bucket, error) {
	return s.buckets(ctx, `
		SELECT substr(local_time, 1, 10) AS day, COUNT(*)
		FROM mail_logs
		GROUP BY day
		ORDER BY day
	`)
}

func (s *SQLite) buckets(ctx context.Context, query string, args ...any) ([]models.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner, loc *time.Location) (*models.MailRecord, error) {
	var (
		r         models.MailRecord
		unix      int64
		messageID sql.NullString
	)
	err := row.Scan(
		&r.ID, &unix, &r.Hostname, &r.Process, &messageID, &r.FromEmail, &r.ToEmail,
		&r.Status, &r.Size, &r.Delay, &r.Delays, &r.DSN, &r.Relay, &r.Nrcpt,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(unix, 0).In(loc)
	r.MessageID = messageID.String
	return &r, nil
}

func mapSQLiteError(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) &&
		sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(sqlErr.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", ErrConflict, sqlErr.Error())
	}
	return err
}
