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

// Package models defines the data structures shared across the maillog service.
package models

import "time"

// Well-known status values written by the ingestion pipeline. Delivery
// statuses ("sent", "bounced", "deferred", ...) come straight from the MTA.
const (
	StatusSent           = "sent"
	StatusBounced        = "bounced"
	StatusRejected       = "rejected"
	StatusAuthFailed     = "auth_failed"
	StatusConnectFrom    = "connect_from"
	StatusDisconnectFrom = "disconnect_from"
)

// MailRecord is a reconciled mail log entry.
//
// MessageID is the MTA queue id for delivery and received events. It is NOT
// unique across the table: empty ids may repeat, and legacy data may hold
// duplicates until the deduplicator has run.
type MailRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Hostname  string    `json:"hostname"`
	Process   string    `json:"process"`
	MessageID string    `json:"message_id,omitempty"`
	FromEmail string    `json:"from_email"`
	ToEmail   string    `json:"to_email"`
	Status    string    `json:"status"`
	Size      *int64    `json:"size,omitempty"`
	Delay     *float64  `json:"delay,omitempty"`
	Delays    string    `json:"delays,omitempty"`
	DSN       string    `json:"dsn,omitempty"`
	Relay     string    `json:"relay,omitempty"`
	Nrcpt     *int64    `json:"nrcpt,omitempty"`
}

// Merge copies every non-empty field of patch onto r. Identity fields
// (ID, MessageID, Timestamp, Hostname, Process) are never touched.
func (r *MailRecord) Merge(patch *MailRecord) {
	if patch.FromEmail != "" {
		r.FromEmail = patch.FromEmail
	}
	if patch.ToEmail != "" {
		r.ToEmail = patch.ToEmail
	}
	if patch.Status != "" {
		r.Status = patch.Status
	}
	if patch.Size != nil {
		r.Size = patch.Size
	}
	if patch.Delay != nil {
		r.Delay = patch.Delay
	}
	if patch.Delays != "" {
		r.Delays = patch.Delays
	}
	if patch.DSN != "" {
		r.DSN = patch.DSN
	}
	if patch.Relay != "" {
		r.Relay = patch.Relay
	}
	if patch.Nrcpt != nil {
		r.Nrcpt = patch.Nrcpt
	}
}

// Bucket is one row of a grouped count.
type Bucket struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}
