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

package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/maillog/internal/models"
	"github.com/bcem/maillog/internal/parser"
	"github.com/bcem/maillog/internal/reconcile"
	"github.com/bcem/maillog/internal/store"
)

func testParser() *parser.Parser {
	return parser.NewParser(parser.NewNormalizer(2024, time.UTC))
}

// mockReconciler records events and returns a fixed outcome.
type mockReconciler struct {
	mu      sync.Mutex
	events  []*parser.Parsed
	outcome reconcile.Outcome
	err     error
}

func (m *mockReconciler) Reconcile(_ context.Context, p *parser.Parsed) (reconcile.Outcome, *models.MailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, p)
	if m.err != nil {
		return reconcile.Skipped, nil, m.err
	}
	outcome := m.outcome
	if outcome == "" {
		outcome = reconcile.Created
	}
	return outcome, &models.MailRecord{MessageID: p.Event.MessageID()}, nil
}

func (m *mockReconciler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// mockFilter is an in-memory LineFilter.
type mockFilter struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *mockFilter) IsNew(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

// mockPublisher records published outcomes.
type mockPublisher struct {
	mu       sync.Mutex
	outcomes []string
	err      error
}

func (p *mockPublisher) PublishRecord(_ context.Context, outcome string, _ *models.MailRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return p.err
}

const mixedLog = `Oct 10 12:00:01 mx1 postfix/smtp[123]: ABC123: to=<a@b.com>, relay=x.com, delay=1.2, dsn=2.0.0, status=sent
this is not a syslog line
Oct 10 12:00:02 mx1 postfix/pickup[5]: DEF456: uid=0 from=<root>
Oct 10 12:00:03 mx1 postfix/smtp[123]: GHI789: to=<a@b.com>, relay=x.com, status=
Foo 10 12:00:04 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]
Oct 10 12:00:05 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]
`

// TestRunner_CountsPerErrorClass verifies each skip class is counted and
// the run continues past it.
func TestRunner_CountsPerErrorClass(t *testing.T) {
	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec})

	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Lines != 6 {
		t.Errorf("lines = %d, want 6", res.Lines)
	}
	if res.NotLogLine != 1 {
		t.Errorf("not_log_line = %d, want 1", res.NotLogLine)
	}
	if res.Unrecognized != 1 {
		t.Errorf("unrecognized = %d, want 1", res.Unrecognized)
	}
	if res.ExtractionMiss != 1 {
		t.Errorf("extraction_miss = %d, want 1", res.ExtractionMiss)
	}
	if res.TimestampErrors != 1 {
		t.Errorf("timestamp_errors = %d, want 1", res.TimestampErrors)
	}
	if res.Parsed != 2 || res.Created != 2 || rec.count() != 2 {
		t.Errorf("parsed = %d, created = %d, reconciled = %d, want 2", res.Parsed, res.Created, rec.count())
	}
}

// TestRunner_StoreErrorContinues verifies a failing store does not abort.
func TestRunner_StoreErrorContinues(t *testing.T) {
	rec := &mockReconciler{err: errors.New("database is locked")}
	pub := &mockPublisher{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec, Publisher: pub})

	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StoreErrors != 2 || res.Created != 0 {
		t.Errorf("store_errors = %d, created = %d", res.StoreErrors, res.Created)
	}
	if len(pub.outcomes) != 0 {
		t.Errorf("published %v after store errors", pub.outcomes)
	}
}

// TestRunner_ConflictsAreNotPublished verifies skipped events stay quiet.
func TestRunner_ConflictsAreNotPublished(t *testing.T) {
	rec := &mockReconciler{outcome: reconcile.Skipped}
	pub := &mockPublisher{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec, Publisher: pub})

	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Conflicts != 2 || len(pub.outcomes) != 0 {
		t.Errorf("conflicts = %d, published = %v", res.Conflicts, pub.outcomes)
	}
}

// TestRunner_Publishes verifies created records are announced and publish
// failures are counted.
func TestRunner_Publishes(t *testing.T) {
	rec := &mockReconciler{outcome: reconcile.Merged}
	pub := &mockPublisher{err: errors.New("redis down")}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec, Publisher: pub})

	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.outcomes) != 2 || pub.outcomes[0] != "merged" {
		t.Errorf("published = %v", pub.outcomes)
	}
	if res.PublishErrors != 2 || res.Merged != 2 {
		t.Errorf("publish_errors = %d, merged = %d", res.PublishErrors, res.Merged)
	}
}

// TestRunner_FilterSkipsSeenLines verifies a re-read batch is filtered.
func TestRunner_FilterSkipsSeenLines(t *testing.T) {
	rec := &mockReconciler{}
	filter := &mockFilter{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec, Filter: filter})

	if _, err := r.Run(context.Background(), strings.NewReader(mixedLog)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Filtered != 6 || res.Parsed != 0 {
		t.Errorf("filtered = %d, parsed = %d", res.Filtered, res.Parsed)
	}
	if rec.count() != 2 {
		t.Errorf("reconciled = %d, want 2", rec.count())
	}
}

// TestRunner_FilterErrorFallsThrough verifies an unavailable filter does not
// drop lines.
func TestRunner_FilterErrorFallsThrough(t *testing.T) {
	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{
		Parser:     testParser(),
		Reconciler: rec,
		Filter:     &mockFilter{err: errors.New("dial tcp: connection refused")},
	})

	res, err := r.Run(context.Background(), strings.NewReader(mixedLog))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Parsed != 2 || res.Filtered != 0 {
		t.Errorf("parsed = %d, filtered = %d", res.Parsed, res.Filtered)
	}
}

// TestRunner_Cancelled verifies cancellation stops between lines.
func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: &mockReconciler{}})
	res, err := r.Run(ctx, strings.NewReader(mixedLog))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Lines != 0 {
		t.Errorf("lines = %d, want 0", res.Lines)
	}
}

// TestRunFile_Missing verifies an unreadable source is a hard failure.
func TestRunFile_Missing(t *testing.T) {
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: &mockReconciler{}})
	if _, err := r.RunFile(context.Background(), filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestEndToEnd_SQLite runs delivery, received and connection lines through
// a real store.
func TestEndToEnd_SQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenSQLite(ctx, filepath.Join(dir, "mail.db"), time.UTC)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	logPath := filepath.Join(dir, "maillog")
	content := strings.Join([]string{
		"Oct 10 12:00:01 mx1 postfix/smtp[123]: ABC123: to=<a@b.com>, relay=x.com, delay=1.2, dsn=2.0.0, status=sent",
		"Oct 10 12:00:02 mx1 postfix/qmgr[99]: ABC123: from=<c@d.com>, size=500",
		"Oct 10 12:00:03 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]",
		"Oct 10 12:00:04 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]",
	}, "\n") + "\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	r := NewRunner(RunnerConfig{
		Parser:     testParser(),
		Reconciler: reconcile.NewEngine(s, time.Second),
	})
	res, err := r.RunFile(ctx, logPath)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if res.Created != 3 || res.Merged != 1 {
		t.Errorf("created = %d, merged = %d, want 3/1", res.Created, res.Merged)
	}

	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	var delivery *models.MailRecord
	connections := 0
	for i := range recs {
		switch {
		case recs[i].MessageID == "ABC123":
			delivery = &recs[i]
		case recs[i].Status == models.StatusConnectFrom:
			connections++
		}
	}
	if delivery == nil {
		t.Fatal("ABC123 record missing")
	}
	if delivery.Status != "sent" || delivery.ToEmail != "a@b.com" || delivery.FromEmail != "c@d.com" ||
		delivery.Size == nil || *delivery.Size != 500 {
		t.Errorf("unexpected merged record: %+v", delivery)
	}
	if connections != 2 {
		t.Errorf("connection records = %d, want 2", connections)
	}
}

// TestFollow_ReadsAppendedLines verifies tailing picks up complete lines and
// leaves a partial line for later.
func TestFollow_ReadsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maillog")
	if err := os.WriteFile(path, []byte("Oct 10 12:00:00 mx1 postfix/smtpd[7]: connect from old[9.9.9.9]\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type followResult struct {
		res *Result
		err error
	}
	done := make(chan followResult, 1)
	go func() {
		res, err := r.Follow(ctx, path, FollowOptions{Interval: 20 * time.Millisecond})
		done <- followResult{res, err}
	}()

	// Give Follow time to record the starting offset.
	time.Sleep(100 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	f.WriteString("Oct 10 12:00:01 mx1 postfix/smtpd[7]: connect from a[1.1.1.1]\n")
	f.WriteString("Oct 10 12:00:02 mx1 postfix/smtpd[7]: connect from b[2.2.2.2]")
	f.Close()

	waitFor(t, func() bool { return rec.count() == 1 })

	// Complete the partial line.
	f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	f.WriteString("\n")
	f.Close()

	waitFor(t, func() bool { return rec.count() == 2 })

	cancel()
	select {
	case fr := <-done:
		if fr.err != nil {
			t.Fatalf("Follow: %v", fr.err)
		}
		if fr.res.Lines != 2 || fr.res.Created != 2 {
			t.Errorf("lines = %d, created = %d, want 2/2", fr.res.Lines, fr.res.Created)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not stop after cancel")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	conn, ok := rec.events[1].Event.(*parser.Connection)
	if !ok || conn.Host != "b" {
		t.Errorf("second event = %+v, want connection from b", rec.events[1].Event)
	}
}

// TestFollow_Truncation verifies a truncated file is re-read from the start.
func TestFollow_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maillog")
	long := strings.Repeat("Oct 10 12:00:00 mx1 postfix/smtpd[7]: connect from old[9.9.9.9]\n", 3)
	if err := os.WriteFile(path, []byte(long), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Follow(ctx, path, FollowOptions{Interval: 20 * time.Millisecond, FromStart: true})
	}()

	waitFor(t, func() bool { return rec.count() == 3 })

	if err := os.WriteFile(path, []byte("Oct 10 13:00:00 mx1 postfix/smtpd[7]: connect from new[8.8.8.8]\n"), 0o644); err != nil {
		t.Fatalf("truncate log: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 4 })

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 3 seconds")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestRunner_OversizedLineSkipped verifies a line over the size limit is
// skipped and the lines after it are still ingested.
func TestRunner_OversizedLineSkipped(t *testing.T) {
	good := "Oct 10 12:00:01 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]\n"
	input := good + strings.Repeat("x", 2*1024*1024) + "\n" + good + strings.TrimSuffix(good, "\n")

	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec})

	res, err := r.Run(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Lines != 4 || res.Oversized != 1 {
		t.Errorf("lines = %d, oversized = %d, want 4 and 1", res.Lines, res.Oversized)
	}
	if rec.count() != 3 {
		t.Errorf("reconciled = %d, want 3", rec.count())
	}
}

// TestRunner_FilterKeepsRepeatedEvents verifies identical lines at different
// positions are distinct events, and that a re-read still filters both.
func TestRunner_FilterKeepsRepeatedEvents(t *testing.T) {
	line := "Oct 10 12:00:01 mx1 postfix/smtpd[7]: connect from host[1.2.3.4]\n"
	input := line + line

	rec := &mockReconciler{}
	r := NewRunner(RunnerConfig{Parser: testParser(), Reconciler: rec, Filter: &mockFilter{}})

	res, err := r.Run(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if res.Parsed != 2 || res.Filtered != 0 {
		t.Errorf("first run parsed = %d, filtered = %d, want 2 and 0", res.Parsed, res.Filtered)
	}

	res, err = r.Run(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Filtered != 2 {
		t.Errorf("second run filtered = %d, want 2", res.Filtered)
	}
	if rec.count() != 2 {
		t.Errorf("reconciled = %d, want 2", rec.count())
	}
}
