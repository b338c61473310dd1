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

package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen line is remembered. Log rotation keeps
	// re-read windows well inside a day.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces line keys in Redis.
	keyPrefix = "maillog:seen:"
)

// Filter remembers which log lines were already ingested, so a re-read of
// the same file (a retried batch, a restarted tail) does not replay them.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a line filter backed by Redis. A non-positive ttl uses
// DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// LineKey fingerprints a raw log line found at offset bytes into its source.
// Identical lines at different offsets get different keys, so repeated
// events logged within the same second are kept, while re-reading the same
// file skips them.
func LineKey(line string, offset int64) string {
	return strconv.FormatUint(xxhash.Sum64String(line), 16) + ":" + strconv.FormatInt(offset, 10)
}

// IsNew returns true if key has NOT been seen before, marking it seen
// atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}
