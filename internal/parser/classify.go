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

import "strings"

// Shape identifies which extractor handles a message.
type Shape int

const (
	ShapeUnrecognized Shape = iota
	ShapeDeliveryStatus
	ShapeConnection
	ShapeReceivedMessage
	ShapeAuthFailure
	ShapeRejection
)

func (s Shape) String() string {
	switch s {
	case ShapeDeliveryStatus:
		return "delivery_status"
	case ShapeConnection:
		return "connection"
	case ShapeReceivedMessage:
		return "received_message"
	case ShapeAuthFailure:
		return "auth_failure"
	case ShapeRejection:
		return "rejection"
	default:
		return "unrecognized"
	}
}

type rule struct {
	shape Shape
	match func(msg string) bool
}

func contains(sub string) func(string) bool {
	return func(msg string) bool { return strings.Contains(msg, sub) }
}

func allOf(preds ...func(string) bool) func(string) bool {
	return func(msg string) bool {
		for _, p := range preds {
			if !p(msg) {
				return false
			}
		}
		return true
	}
}

func anyOf(preds ...func(string) bool) func(string) bool {
	return func(msg string) bool {
		for _, p := range preds {
			if p(msg) {
				return true
			}
		}
		return false
	}
}

// rules is evaluated top to bottom; the first match wins. Real MTA lines can
// satisfy several rules, so the order is part of the observable behaviour.
//
// "disconnect from" contains "connect from", so the third rule never fires on
// its own. Both map to ShapeConnection and the extractor reads the action.
var rules = []rule{
	{ShapeDeliveryStatus, allOf(contains("status="), anyOf(contains("to=<"), contains("relay=")))},
	{ShapeConnection, contains("connect from")},
	{ShapeConnection, contains("disconnect from")},
	{ShapeReceivedMessage, allOf(contains("from=<"), anyOf(contains("size="), contains("nrcpt=")))},
	{ShapeAuthFailure, contains("SASL LOGIN authentication failed")},
	{ShapeRejection, anyOf(contains("NOQUEUE: reject:"), contains("reject:"))},
}

// Classify maps a message to exactly one shape.
func Classify(msg string) Shape {
	for _, r := range rules {
		if r.match(msg) {
			return r.shape
		}
	}
	return ShapeUnrecognized
}
