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

import (
	"regexp"
	"strconv"
)

// Detail patterns, one per shape.
var (
	deliveryPattern = regexp.MustCompile(
		`([A-Z0-9]+):\s+` +
			`(?:to=<([^>]+)>,\s+)?` +
			`(?:relay=([^,]+),\s+)?` +
			`(?:delay=([\d.]+),\s+)?` +
			`(?:delays=([\d./]+),\s+)?` +
			`(?:dsn=([\d.]+),\s+)?` +
			`status=(\w+)`,
	)
	// Bounce notifications carry the null sender "from=<>".
	receivedPattern = regexp.MustCompile(
		`([A-Z0-9]+):\s+` +
			`from=<([^>]*)>,\s+` +
			`(?:size=(\d+),?\s*)?` +
			`(?:nrcpt=(\d+))?`,
	)
	connectionPattern  = regexp.MustCompile(`(connect|disconnect) from ([^\[]+)\[([^\]]+)\]`)
	authFailurePattern = regexp.MustCompile(`warning: ([^\[]+)\[([^\]]+)\]: SASL LOGIN authentication failed`)

	// The stage may end in a bracketed client address, which holds colons
	// for IPv6 clients.
	rejectPrefix   = regexp.MustCompile(`reject:\s+(?:[^\[:]*\[[^\]]*\]|[^:]+):\s+(.*)`)
	rejectFrom     = regexp.MustCompile(`from=<([^>]+)>`)
	rejectTo       = regexp.MustCompile(`to=<([^>]+)>`)
	rejectCodeExpr = regexp.MustCompile(`\d+\s+\d+\.\d+\.\d+`)
)

func extractDeliveryStatus(msg string) (*DeliveryStatus, bool) {
	m := deliveryPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	return &DeliveryStatus{
		QueueID: m[1],
		ToEmail: m[2],
		Relay:   m[3],
		Delay:   parseFloat(m[4]),
		Delays:  m[5],
		DSN:     m[6],
		Status:  m[7],
	}, true
}

func extractReceivedMessage(msg string) (*ReceivedMessage, bool) {
	m := receivedPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	return &ReceivedMessage{
		QueueID:   m[1],
		FromEmail: m[2],
		Size:      parseInt(m[3]),
		Nrcpt:     parseInt(m[4]),
	}, true
}

func extractConnection(msg string) (*Connection, bool) {
	m := connectionPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	return &Connection{Action: Action(m[1]), Host: m[2], IP: m[3]}, true
}

func extractAuthFailure(msg string) (*AuthFailure, bool) {
	m := authFailurePattern.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	return &AuthFailure{Host: m[1], IP: m[2]}, true
}

// extractRejection finds from, to and the extended status code independently
// in the text after "reject: <stage>:", so their order does not matter.
func extractRejection(msg string) (*Rejection, bool) {
	m := rejectPrefix.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	rest := m[1]

	code := rejectCodeExpr.FindString(rest)
	if code == "" {
		return nil, false
	}

	r := &Rejection{ErrorCode: code}
	if f := rejectFrom.FindStringSubmatch(rest); f != nil {
		r.FromEmail = f[1]
	}
	if t := rejectTo.FindStringSubmatch(rest); t != nil {
		r.ToEmail = t[1]
	}
	return r, true
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
