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
	"fmt"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"Jan": time.January,
	"Feb": time.February,
	"Mar": time.March,
	"Apr": time.April,
	"May": time.May,
	"Jun": time.June,
	"Jul": time.July,
	"Aug": time.August,
	"Sep": time.September,
	"Oct": time.October,
	"Nov": time.November,
	"Dec": time.December,
}

// ParseError reports a syslog timestamp that could not be normalized.
type ParseError struct {
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse timestamp %q: %s", e.Text, e.Reason)
}

// Normalizer anchors year-less syslog timestamps to a fixed year and zone.
// Logs that span a year boundary are misdated; the year is the caller's
// processing year, not inferred from the data.
type Normalizer struct {
	Year     int
	Location *time.Location
}

// NewNormalizer returns a normalizer for the given year and zone. A zero
// year means the current year, a nil location means time.Local.
func NewNormalizer(year int, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	if year == 0 {
		year = time.Now().In(loc).Year()
	}
	return &Normalizer{Year: year, Location: loc}
}

// Normalize converts "<Mon> <day> <HH:MM:SS>" into an absolute instant.
// Single- and double-digit days ("Jan 5", "Jan 05") are equivalent.
func (n *Normalizer) Normalize(text string) (time.Time, error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return time.Time{}, &ParseError{Text: text, Reason: "expected month, day and time"}
	}

	month, ok := months[parts[0]]
	if !ok {
		return time.Time{}, &ParseError{Text: text, Reason: fmt.Sprintf("unknown month %q", parts[0])}
	}

	dayText := parts[1]
	if len(dayText) == 1 {
		dayText = "0" + dayText
	}
	day, err := strconv.Atoi(dayText)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, &ParseError{Text: text, Reason: fmt.Sprintf("day %q out of range", parts[1])}
	}

	clock := strings.Split(parts[2], ":")
	if len(clock) != 3 {
		return time.Time{}, &ParseError{Text: text, Reason: "time must be HH:MM:SS"}
	}
	limits := [3]int{23, 59, 59}
	var hms [3]int
	for i, c := range clock {
		v, err := strconv.Atoi(c)
		if err != nil || v < 0 || v > limits[i] {
			return time.Time{}, &ParseError{Text: text, Reason: fmt.Sprintf("clock component %q out of range", c)}
		}
		hms[i] = v
	}

	t := time.Date(n.Year, month, day, hms[0], hms[1], hms[2], 0, n.Location)
	// time.Date normalizes Feb 30 into March; reject instead.
	if t.Month() != month || t.Day() != day {
		return time.Time{}, &ParseError{Text: text, Reason: fmt.Sprintf("%s has no day %d in %d", month, day, n.Year)}
	}
	return t, nil
}
