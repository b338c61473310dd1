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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnrecognized is returned when no classification rule matched.
	// It is not a failure; the line is simply of no interest.
	ErrUnrecognized = errors.New("message shape not recognized")

	// ErrExtractionMiss is wrapped by ExtractionError.
	ErrExtractionMiss = errors.New("shape matched but detail pattern did not")
)

// ExtractionError reports a message whose shape keyword matched but whose
// detailed grammar did not.
type ExtractionError struct {
	Shape   Shape
	Message string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s: %q", e.Shape, ErrExtractionMiss, e.Message)
}

func (e *ExtractionError) Unwrap() error { return ErrExtractionMiss }

// Parsed is a fully extracted line.
type Parsed struct {
	Envelope  Envelope
	Timestamp time.Time
	Event     Event
}

// Parser chains tokenizer, classifier, extractor and normalizer.
type Parser struct {
	normalizer *Normalizer
	suffix     func() string
}

// NewParser creates a parser that dates lines with the given normalizer.
func NewParser(normalizer *Normalizer) *Parser {
	return &Parser{
		normalizer: normalizer,
		suffix:     randomSuffix,
	}
}

// ParseLine parses a single log line. The returned error is one of
// ErrEnvelopeMismatch, ErrUnrecognized, *ExtractionError or *ParseError;
// all of them mean "skip this line".
func (p *Parser) ParseLine(line string) (*Parsed, error) {
	env, err := Tokenize(line)
	if err != nil {
		return nil, err
	}

	shape := Classify(env.Message)
	if shape == ShapeUnrecognized {
		return nil, ErrUnrecognized
	}
	event, ok := extract(shape, env.Message)
	if !ok {
		return nil, &ExtractionError{Shape: shape, Message: env.Message}
	}

	ts, err := p.normalizer.Normalize(env.TimestampText)
	if err != nil {
		return nil, err
	}

	p.synthesize(event, ts)

	return &Parsed{Envelope: env, Timestamp: ts, Event: event}, nil
}

func extract(shape Shape, msg string) (Event, bool) {
	switch shape {
	case ShapeDeliveryStatus:
		if e, ok := extractDeliveryStatus(msg); ok {
			return e, true
		}
	case ShapeReceivedMessage:
		if e, ok := extractReceivedMessage(msg); ok {
			return e, true
		}
	case ShapeConnection:
		if e, ok := extractConnection(msg); ok {
			return e, true
		}
	case ShapeAuthFailure:
		if e, ok := extractAuthFailure(msg); ok {
			return e, true
		}
	case ShapeRejection:
		if e, ok := extractRejection(msg); ok {
			return e, true
		}
	}
	return nil, false
}

// synthesize assigns ids to shapes that carry no queue id. The id embeds the
// shape, the peer, the epoch second and a random suffix, so it never collides
// with a real queue id or with another event of the same shape.
func (p *Parser) synthesize(event Event, ts time.Time) {
	epoch := ts.Unix()
	switch e := event.(type) {
	case *Connection:
		e.SyntheticID = fmt.Sprintf("%s_%s_%s_%d_%s", e.Action, e.Host, e.IP, epoch, p.suffix())
	case *AuthFailure:
		e.SyntheticID = fmt.Sprintf("AUTH_%s_%s_%d_%s", e.Host, e.IP, epoch, p.suffix())
	case *Rejection:
		e.SyntheticID = fmt.Sprintf("REJ_%d_%s", epoch, p.suffix())
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
