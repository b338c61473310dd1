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

// Package store persists mail records in PostgreSQL or SQLite.
//
// Both backends create a partial unique index on non-empty message_id. That
// index, not in-process locking, is the final arbiter when two writers race
// to create the same record: the loser gets ErrConflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcem/maillog/internal/models"
)

// ErrConflict is returned by Tx.Insert when a record with the same
// non-empty message_id already exists.
var ErrConflict = errors.New("message_id uniqueness conflict")

// Tx is the unit of work the reconciliation engine and the deduplicator
// run inside. It is only valid within the WithTx callback.
type Tx interface {
	// FindByMessageID returns the earliest record with the given id, or nil.
	FindByMessageID(ctx context.Context, messageID string) (*models.MailRecord, error)
	// Insert stores rec and returns the assigned id.
	Insert(ctx context.Context, rec *models.MailRecord) (int64, error)
	// Update rewrites the mutable fields of the record with rec.ID.
	Update(ctx context.Context, rec *models.MailRecord) error
	// Delete removes the record with the given id. Missing ids are not an error.
	Delete(ctx context.Context, id int64) error
}

// DuplicateGroup lists the records sharing one non-empty message_id,
// earliest timestamp first.
type DuplicateGroup struct {
	MessageID string
	IDs       []int64
}

// Field names a groupable text column.
type Field string

const (
	FieldFromEmail Field = "from_email"
	FieldToEmail   Field = "to_email"
)

func (f Field) valid() bool {
	return f == FieldFromEmail || f == FieldToEmail
}

// Backend is implemented by Postgres and SQLite.
type Backend interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error)

	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.MailRecord, error)
	DateRange(ctx context.Context) (min, max *time.Time, err error)
	TopValues(ctx context.Context, field Field, limit int) ([]models.Bucket, error)
	GroupByStatus(ctx context.Context) ([]models.Bucket, error)
	GroupByHour(ctx context.Context) ([]models.Bucket, error)
	GroupByDay(ctx context.Context) ([]models.Bucket, error)

	Ping(ctx context.Context) error
	Close()
}

// Options selects and configures a backend.
type Options struct {
	Driver   string // "postgres" or "sqlite"
	URL      string // postgres connection string
	Path     string // sqlite database file
	Location *time.Location
}

// Open connects to the configured backend and ensures its schema.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case "postgres":
		s, err := OpenPostgres(ctx, opts.URL, opts.Location)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := OpenSQLite(ctx, opts.Path, opts.Location)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

const recordColumns = `id, timestamp, hostname, process, message_id, from_email, to_email,
	status, size, delay, delays, dsn, relay, nrcpt`

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type groupRow struct {
	messageID string
	id        int64
}

// foldGroups collapses rows, already ordered by message_id and then by
// timestamp, into groups.
func foldGroups(rows []groupRow) []DuplicateGroup {
	var groups []DuplicateGroup
	for _, r := range rows {
		if n := len(groups); n > 0 && groups[n-1].MessageID == r.messageID {
			groups[n-1].IDs = append(groups[n-1].IDs, r.id)
			continue
		}
		groups = append(groups, DuplicateGroup{MessageID: r.messageID, IDs: []int64{r.id}})
	}
	return groups
}
