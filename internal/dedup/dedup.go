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

// Package dedup removes duplicate mail records and filters re-read log lines.
//
// The Deduplicator collapses every group of stored records sharing a
// non-empty message_id down to the earliest one. The Filter is a Redis SET
// with TTL that lets ingestion skip lines it has already processed.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/maillog/internal/store"
)

// Store is the part of store.Backend the deduplicator needs.
type Store interface {
	DuplicateGroups(ctx context.Context) ([]store.DuplicateGroup, error)
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// Report summarises one deduplication pass.
type Report struct {
	Groups  int `json:"groups"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Deduplicator deletes all but the earliest record per duplicate message_id.
type Deduplicator struct {
	store Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator creates a deduplicator over the given store.
func NewDeduplicator(s Store) *Deduplicator {
	return &Deduplicator{store: s}
}

// Run performs one pass. Each group is cleaned in its own transaction, so a
// cancelled or failed pass leaves every finished group consistent and the
// rest for the next pass.
func (d *Deduplicator) Run(ctx context.Context) (*Report, error) {
	groups, err := d.store.DuplicateGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list duplicate groups: %w", err)
	}

	report := &Report{Groups: len(groups)}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if len(g.IDs) < 2 {
			continue
		}

		// IDs are ordered earliest first; the head survives.
		doomed := g.IDs[1:]
		err := d.store.WithTx(ctx, func(tx store.Tx) error {
			for _, id := range doomed {
				if err := tx.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete record %d: %w", id, err)
				}
			}
			return nil
		})
		if err != nil {
			report.Failed++
			slog.Error("failed to remove duplicates",
				"message_id", g.MessageID,
				"error", err,
			)
			continue
		}

		report.Deleted += len(doomed)
		slog.Debug("removed duplicates",
			"message_id", g.MessageID,
			"kept", g.IDs[0],
			"deleted", len(doomed),
		)
	}

	slog.Info("deduplication pass complete",
		"groups", report.Groups,
		"deleted", report.Deleted,
		"failed", report.Failed,
	)
	return report, nil
}

// StartPeriodic runs a pass immediately and then at every interval until
// Stop is called or ctx ends.
func (d *Deduplicator) StartPeriodic(ctx context.Context, interval time.Duration) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := d.Run(loopCtx); err != nil && loopCtx.Err() == nil {
				slog.Error("periodic deduplication failed", "error", err)
			}

			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.Info("periodic deduplication started", "interval", interval)
}

// Stop shuts down the periodic loop and waits for a running pass to end.
func (d *Deduplicator) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
