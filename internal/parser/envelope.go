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

// Package parser turns raw MTA syslog lines into typed delivery events.
//
// A line goes through four stages: the envelope tokenizer splits off the
// syslog prefix, the classifier picks an event shape from the free-text
// message, the shape extractor pulls typed fields out of it, and the
// timestamp normalizer anchors the year-less syslog date to an instant.
package parser

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEnvelopeMismatch is returned for lines that do not carry the
// "<Mon> <day> <HH:MM:SS> <host> <process>[<pid>]: <message>" prefix.
var ErrEnvelopeMismatch = errors.New("line does not match syslog envelope")

var envelopePattern = regexp.MustCompile(
	`^(?P<timestamp>\w+\s+\d+\s+\d+:\d+:\d+)\s+` +
		`(?P<hostname>\S+)\s+` +
		`(?P<process>\S+?)\[(?P<pid>\d+)\]:\s+` +
		`(?P<message>.*)$`,
)

// Envelope is the syslog prefix of a line plus its free-text message.
type Envelope struct {
	TimestampText string
	Hostname      string
	Process       string // base name, e.g. "postfix/smtp"
	PID           string
	Message       string
}

// Tokenize splits a raw log line into its envelope.
func Tokenize(line string) (Envelope, error) {
	line = strings.TrimRight(line, "\r\n")

	m := envelopePattern.FindStringSubmatch(line)
	if m == nil {
		return Envelope{}, ErrEnvelopeMismatch
	}

	return Envelope{
		TimestampText: m[1],
		Hostname:      m[2],
		Process:       m[3],
		PID:           m[4],
		Message:       m[5],
	}, nil
}

// ProcessTag returns the process with its pid, as it appears in the log.
func (e Envelope) ProcessTag() string {
	return e.Process + "[" + e.PID + "]"
}
