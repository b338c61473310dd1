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

// Package queue publishes reconciled mail records to a Redis list so that
// downstream consumers (alerting, archiving) can follow ingestion without
// polling the database.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/maillog/internal/models"
)

// Publisher pushes record events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	now       func() time.Time
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// Event is the JSON document pushed for every created or merged record.
// Consumers BRPOP the list, so events arrive oldest first.
type Event struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Record     *models.MailRecord `json:"record"`
}

// PublishRecord publishes rec with type "record.<outcome>".
func (p *Publisher) PublishRecord(ctx context.Context, outcome string, rec *models.MailRecord) error {
	ev := p.newEvent(outcome, rec)

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal record event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published record event",
		"event_id", ev.ID,
		"type", ev.Type,
		"message_id", rec.MessageID,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) newEvent(outcome string, rec *models.MailRecord) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       "record." + outcome,
		OccurredAt: p.now().UTC(),
		Record:     rec,
	}
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
