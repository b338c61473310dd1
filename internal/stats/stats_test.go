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

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/maillog/internal/models"
	"github.com/bcem/maillog/internal/store"
)

// mockStore returns canned aggregate results.
type mockStore struct {
	mu sync.Mutex

	total    int64
	byStatus map[string]int64
	recent   []models.MailRecord
	min, max *time.Time
	top      map[store.Field][]models.Bucket
	statuses []models.Bucket
	hours    []models.Bucket
	days     []models.Bucket
	err      error

	recentLimit int
	topLimit    int
}

func (m *mockStore) Count(context.Context) (int64, error) {
	return m.total, m.err
}

func (m *mockStore) CountByStatus(_ context.Context, status string) (int64, error) {
	return m.byStatus[status], m.err
}

func (m *mockStore) Recent(_ context.Context, limit int) ([]models.MailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentLimit = limit
	return m.recent, m.err
}

func (m *mockStore) DateRange(context.Context) (*time.Time, *time.Time, error) {
	return m.min, m.max, m.err
}

func (m *mockStore) TopValues(_ context.Context, field store.Field, limit int) ([]models.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topLimit = limit
	return m.top[field], m.err
}

func (m *mockStore) GroupByStatus(context.Context) ([]models.Bucket, error) {
	return m.statuses, m.err
}

func (m *mockStore) GroupByHour(context.Context) ([]models.Bucket, error) {
	return m.hours, m.err
}

func (m *mockStore) GroupByDay(context.Context) ([]models.Bucket, error) {
	return m.days, m.err
}

func ptr(t time.Time) *time.Time { return &t }

// TestSummary verifies headline counts and list wiring.
func TestSummary(t *testing.T) {
	m := &mockStore{
		total:    10,
		byStatus: map[string]int64{"sent": 5, "bounced": 2, "rejected": 2, "auth_failed": 1},
		recent:   []models.MailRecord{{ID: 3}, {ID: 2}},
		min:      ptr(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)),
		max:      ptr(time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)),
		top: map[store.Field][]models.Bucket{
			store.FieldFromEmail: {{Label: "a@x.com", Count: 4}},
			store.FieldToEmail:   {{Label: "b@y.com", Count: 3}},
		},
	}
	a := NewAggregator(m, 0, 0)

	s, err := a.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Total != 10 || s.Sent != 5 || s.Bounced != 2 || s.Rejected != 2 || s.AuthFailures != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if len(s.Recent) != 2 || s.TopSenders[0].Label != "a@x.com" || s.TopRecipients[0].Label != "b@y.com" {
		t.Errorf("unexpected lists: %+v", s)
	}
	if m.recentLimit != DefaultRecentLimit || m.topLimit != DefaultTopN {
		t.Errorf("limits = %d/%d, want defaults", m.recentLimit, m.topLimit)
	}
	if !s.MinDate.Equal(*m.min) || !s.MaxDate.Equal(*m.max) {
		t.Errorf("range = %v..%v", s.MinDate, s.MaxDate)
	}
}

// TestSummary_EmptyListsEncodeAsArrays verifies JSON for an empty store.
func TestSummary_EmptyListsEncodeAsArrays(t *testing.T) {
	a := NewAggregator(&mockStore{}, 5, 5)

	s, err := a.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"recent_messages", "top_senders", "top_recipients"} {
		if _, ok := decoded[key].([]any); !ok {
			t.Errorf("%s = %v, want []", key, decoded[key])
		}
	}
	if decoded["min_date"] != nil {
		t.Errorf("min_date = %v, want null", decoded["min_date"])
	}
}

// TestCharts verifies chart series and zero-filled hours.
func TestCharts(t *testing.T) {
	m := &mockStore{
		min:      ptr(time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)),
		max:      ptr(time.Date(2024, 10, 9, 22, 0, 0, 0, time.UTC)),
		statuses: []models.Bucket{{Label: "sent", Count: 5}, {Label: "rejected", Count: 2}},
		hours:    []models.Bucket{{Label: "03", Count: 4}, {Label: "23", Count: 1}},
		days:     []models.Bucket{{Label: "2024-10-01", Count: 3}, {Label: "2024-10-09", Count: 2}},
	}
	a := NewAggregator(m, 0, 0)

	cd, err := a.Charts(context.Background())
	if err != nil {
		t.Fatalf("Charts: %v", err)
	}

	if len(cd.StatusLabels) != 2 || cd.StatusLabels[0] != "sent" || cd.StatusData[1] != 2 {
		t.Errorf("status series = %v %v", cd.StatusLabels, cd.StatusData)
	}
	if len(cd.HourlyLabels) != 24 || len(cd.HourlyData) != 24 {
		t.Fatalf("hourly series length = %d/%d, want 24", len(cd.HourlyLabels), len(cd.HourlyData))
	}
	if cd.HourlyLabels[0] != "00" || cd.HourlyLabels[23] != "23" {
		t.Errorf("hourly labels = %v", cd.HourlyLabels)
	}
	var sum int64
	for _, n := range cd.HourlyData {
		sum += n
	}
	if cd.HourlyData[3] != 4 || cd.HourlyData[23] != 1 || sum != 5 {
		t.Errorf("hourly data = %v", cd.HourlyData)
	}
	if len(cd.DailyLabels) != 2 || cd.DailyData[0] != 3 {
		t.Errorf("daily series = %v %v", cd.DailyLabels, cd.DailyData)
	}
	if cd.DateRange != "2024-10-01 to 2024-10-09" {
		t.Errorf("date range = %q", cd.DateRange)
	}
}

// TestCharts_Empty verifies an empty store still yields 24 hourly buckets.
func TestCharts_Empty(t *testing.T) {
	cd, err := NewAggregator(&mockStore{}, 0, 0).Charts(context.Background())
	if err != nil {
		t.Fatalf("Charts: %v", err)
	}
	if len(cd.HourlyData) != 24 || cd.DateRange != "" {
		t.Errorf("unexpected empty chart data: %+v", cd)
	}
	if cd.StatusLabels == nil || cd.DailyData == nil {
		t.Error("empty series should be non-nil")
	}
}

// TestAggregator_StoreError verifies errors are wrapped and returned.
func TestAggregator_StoreError(t *testing.T) {
	boom := errors.New("connection refused")
	a := NewAggregator(&mockStore{err: boom}, 0, 0)

	if _, err := a.Summary(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Summary error = %v, want wrapped %v", err, boom)
	}
	if _, err := a.Charts(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Charts error = %v, want wrapped %v", err, boom)
	}
}
