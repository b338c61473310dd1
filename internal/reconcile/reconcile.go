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

// Package reconcile folds parsed events into stored mail records.
//
// Delivery and received events that share a queue id are merged into one
// record. Each call runs in its own short transaction; when two writers race
// to create the same record the store's unique index decides, and the loser
// reports Skipped instead of retrying.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/maillog/internal/models"
	"github.com/bcem/maillog/internal/parser"
	"github.com/bcem/maillog/internal/store"
)

// Outcome reports what a reconciliation did to the store.
type Outcome string

const (
	Created Outcome = "created"
	Merged  Outcome = "merged"
	Skipped Outcome = "skipped"
)

// DefaultTimeout bounds a single reconciliation transaction.
const DefaultTimeout = 5 * time.Second

// Transactor runs a unit of work atomically.
type Transactor interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// Engine reconciles parsed events against the store.
type Engine struct {
	store   Transactor
	timeout time.Duration
}

// NewEngine creates an engine. A non-positive timeout uses DefaultTimeout.
func NewEngine(s Transactor, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{store: s, timeout: timeout}
}

// Reconcile stores one parsed event. On Created and Merged the returned
// record reflects what was written. A uniqueness conflict is not an error:
// it yields Skipped and a nil record.
func (e *Engine) Reconcile(ctx context.Context, p *parser.Parsed) (Outcome, *models.MailRecord, error) {
	patch, mergeable, err := toRecord(p)
	if err != nil {
		return Skipped, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		outcome Outcome
		result  *models.MailRecord
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if mergeable {
			existing, err := tx.FindByMessageID(ctx, patch.MessageID)
			if err != nil {
				return fmt.Errorf("find %s: %w", patch.MessageID, err)
			}
			if existing != nil {
				existing.Merge(patch)
				if err := tx.Update(ctx, existing); err != nil {
					return fmt.Errorf("update %s: %w", patch.MessageID, err)
				}
				outcome, result = Merged, existing
				return nil
			}
		}

		id, err := tx.Insert(ctx, patch)
		if err != nil {
			return fmt.Errorf("insert %s: %w", patch.MessageID, err)
		}
		patch.ID = id
		outcome, result = Created, patch
		return nil
	})

	if errors.Is(err, store.ErrConflict) {
		slog.Warn("message_id conflict, event skipped",
			"message_id", patch.MessageID,
			"error", err,
		)
		return Skipped, nil, nil
	}
	if err != nil {
		return Skipped, nil, err
	}
	return outcome, result, nil
}

// toRecord maps an event to the record it creates or the patch it merges.
// mergeable is false for shapes that always create a new record.
func toRecord(p *parser.Parsed) (rec *models.MailRecord, mergeable bool, err error) {
	if p == nil || p.Event == nil {
		return nil, false, errors.New("no event to reconcile")
	}
	rec = &models.MailRecord{
		Timestamp: p.Timestamp,
		Hostname:  p.Envelope.Hostname,
		Process:   p.Envelope.Process,
		MessageID: p.Event.MessageID(),
	}

	switch e := p.Event.(type) {
	case *parser.DeliveryStatus:
		rec.ToEmail = e.ToEmail
		rec.Relay = e.Relay
		rec.Delay = e.Delay
		rec.Delays = e.Delays
		rec.DSN = e.DSN
		rec.Status = e.Status
		mergeable = true
	case *parser.ReceivedMessage:
		rec.FromEmail = e.FromEmail
		rec.Size = e.Size
		rec.Nrcpt = e.Nrcpt
		mergeable = true
	case *parser.Connection:
		rec.Status = string(e.Action) + "_from"
		rec.FromEmail = fmt.Sprintf("%s[%s]", e.Host, e.IP)
	case *parser.AuthFailure:
		rec.Status = models.StatusAuthFailed
		rec.FromEmail = fmt.Sprintf("%s[%s]", e.Host, e.IP)
	case *parser.Rejection:
		rec.Status = models.StatusRejected
		rec.FromEmail = e.FromEmail
		rec.ToEmail = e.ToEmail
		rec.DSN = e.ErrorCode
	case parser.Unrecognized:
		return nil, false, parser.ErrUnrecognized
	default:
		return nil, false, fmt.Errorf("unhandled event type %T", p.Event)
	}

	// Without a key there is nothing to merge into.
	if rec.MessageID == "" {
		mergeable = false
	}
	return rec, mergeable, nil
}
