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

package parser

// Event is one of DeliveryStatus, ReceivedMessage, Connection, AuthFailure,
// Rejection or Unrecognized. The set is closed.
type Event interface {
	// MessageID is the reconciliation key. Connection, AuthFailure and
	// Rejection return their synthesized id.
	MessageID() string
	isEvent()
}

// DeliveryStatus is a per-recipient delivery attempt result.
type DeliveryStatus struct {
	QueueID string
	ToEmail string
	Relay   string
	Delay   *float64
	Delays  string
	DSN     string
	Status  string
}

// ReceivedMessage is the queue manager's record of an injected message.
type ReceivedMessage struct {
	QueueID   string
	FromEmail string
	Size      *int64
	Nrcpt     *int64
}

// Action distinguishes connection opens from closes.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
)

// Connection is an smtpd client connect or disconnect.
type Connection struct {
	Action      Action
	Host        string
	IP          string
	SyntheticID string
}

// AuthFailure is a failed SASL LOGIN attempt.
type AuthFailure struct {
	Host        string
	IP          string
	SyntheticID string
}

// Rejection is an SMTP-level reject, usually without a queue id.
type Rejection struct {
	FromEmail   string
	ToEmail     string
	ErrorCode   string
	SyntheticID string
}

// Unrecognized marks a message no rule matched.
type Unrecognized struct{}

func (e *DeliveryStatus) MessageID() string  { return e.QueueID }
func (e *ReceivedMessage) MessageID() string { return e.QueueID }
func (e *Connection) MessageID() string      { return e.SyntheticID }
func (e *AuthFailure) MessageID() string     { return e.SyntheticID }
func (e *Rejection) MessageID() string       { return e.SyntheticID }
func (Unrecognized) MessageID() string       { return "" }

func (*DeliveryStatus) isEvent()  {}
func (*ReceivedMessage) isEvent() {}
func (*Connection) isEvent()      {}
func (*AuthFailure) isEvent()     {}
func (*Rejection) isEvent()       {}
func (Unrecognized) isEvent()     {}
