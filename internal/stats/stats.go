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

// Package stats computes read-only dashboard statistics over stored records.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/bcem/maillog/internal/models"
	"github.com/bcem/maillog/internal/store"
)

const (
	DefaultRecentLimit = 20
	DefaultTopN        = 10
)

// Store is the read side of store.Backend.
type Store interface {
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.MailRecord, error)
	DateRange(ctx context.Context) (min, max *time.Time, err error)
	TopValues(ctx context.Context, field store.Field, limit int) ([]models.Bucket, error)
	GroupByStatus(ctx context.Context) ([]models.Bucket, error)
	GroupByHour(ctx context.Context) ([]models.Bucket, error)
	GroupByDay(ctx context.Context) ([]models.Bucket, error)
}

// Summary is the dashboard headline data.
type Summary struct {
	Total         int64               `json:"total_messages"`
	Sent          int64               `json:"sent_messages"`
	Bounced       int64               `json:"bounced_messages"`
	Rejected      int64               `json:"rejected_messages"`
	AuthFailures  int64               `json:"auth_failures"`
	Recent        []models.MailRecord `json:"recent_messages"`
	TopSenders    []models.Bucket     `json:"top_senders"`
	TopRecipients []models.Bucket     `json:"top_recipients"`
	MinDate       *time.Time          `json:"min_date"`
	MaxDate       *time.Time          `json:"max_date"`
}

// ChartData feeds the dashboard charts. HourlyLabels is always "00".."23"
// with zero counts for empty hours.
type ChartData struct {
	StatusLabels []string `json:"status_labels"`
	StatusData   []int64  `json:"status_data"`
	HourlyLabels []string `json:"hourly_labels"`
	HourlyData   []int64  `json:"hourly_data"`
	DailyLabels  []string `json:"daily_labels"`
	DailyData    []int64  `json:"daily_data"`
	DateRange    string   `json:"date_range"`
}

// Aggregator computes statistics. Queries run one after another without a
// shared snapshot, so counts taken during ingestion may disagree slightly.
type Aggregator struct {
	store       Store
	recentLimit int
	topN        int
}

// NewAggregator creates an aggregator. Non-positive limits use the defaults.
func NewAggregator(s Store, recentLimit, topN int) *Aggregator {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{store: s, recentLimit: recentLimit, topN: topN}
}

// Summary returns headline counts, recent records, top senders and
// recipients, and the covered date range.
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	var (
		s   Summary
		err error
	)

	if s.Total, err = a.store.Count(ctx); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	for _, c := range []struct {
		status string
		dst    *int64
	}{
		{models.StatusSent, &s.Sent},
		{models.StatusBounced, &s.Bounced},
		{models.StatusRejected, &s.Rejected},
		{models.StatusAuthFailed, &s.AuthFailures},
	} {
		if *c.dst, err = a.store.CountByStatus(ctx, c.status); err != nil {
			return nil, fmt.Errorf("count %s records: %w", c.status, err)
		}
	}

	if s.Recent, err = a.store.Recent(ctx, a.recentLimit); err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	if s.TopSenders, err = a.store.TopValues(ctx, store.FieldFromEmail, a.topN); err != nil {
		return nil, fmt.Errorf("top senders: %w", err)
	}
	if s.TopRecipients, err = a.store.TopValues(ctx, store.FieldToEmail, a.topN); err != nil {
		return nil, fmt.Errorf("top recipients: %w", err)
	}
	if s.MinDate, s.MaxDate, err = a.store.DateRange(ctx); err != nil {
		return nil, fmt.Errorf("date range: %w", err)
	}

	s.Recent = nonNil(s.Recent)
	s.TopSenders = nonNil(s.TopSenders)
	s.TopRecipients = nonNil(s.TopRecipients)
	return &s, nil
}

// Charts returns per-status, per-hour and per-day counts.
func (a *Aggregator) Charts(ctx context.Context) (*ChartData, error) {
	min, max, err := a.store.DateRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("date range: %w", err)
	}

	statuses, err := a.store.GroupByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("group by status: %w", err)
	}
	hours, err := a.store.GroupByHour(ctx)
	if err != nil {
		return nil, fmt.Errorf("group by hour: %w", err)
	}
	days, err := a.store.GroupByDay(ctx)
	if err != nil {
		return nil, fmt.Errorf("group by day: %w", err)
	}

	cd := &ChartData{
		HourlyLabels: make([]string, 24),
		HourlyData:   make([]int64, 24),
	}
	cd.StatusLabels, cd.StatusData = split(statuses)
	cd.DailyLabels, cd.DailyData = split(days)

	byHour := make(map[string]int64, len(hours))
	for _, b := range hours {
		byHour[b.Label] = b.Count
	}
	for h := 0; h < 24; h++ {
		label := fmt.Sprintf("%02d", h)
		cd.HourlyLabels[h] = label
		cd.HourlyData[h] = byHour[label]
	}

	if min != nil && max != nil {
		cd.DateRange = fmt.Sprintf("%s to %s", min.Format("2006-01-02"), max.Format("2006-01-02"))
	}
	return cd, nil
}

func split(buckets []models.Bucket) ([]string, []int64) {
	labels := make([]string, 0, len(buckets))
	data := make([]int64, 0, len(buckets))
	for _, b := range buckets {
		labels = append(labels, b.Label)
		data = append(data, b.Count)
	}
	return labels, data
}

// nonNil keeps empty lists as [] rather than null in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
