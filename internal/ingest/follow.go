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

package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// DefaultFollowInterval is how often Follow polls the file for growth.
const DefaultFollowInterval = 2 * time.Second

// FollowOptions configures Follow.
type FollowOptions struct {
	Interval time.Duration
	// FromStart ingests the existing content first; otherwise only lines
	// appended after Follow starts are read.
	FromStart bool
}

// Follow tails the log file at path until ctx is cancelled, ingesting
// complete lines as they are appended. A shrinking file is treated as
// rotated or truncated and re-read from the beginning. A partial last line
// is left for the next poll.
func (r *Runner) Follow(ctx context.Context, path string, opts FollowOptions) (*Result, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	start := time.Now()
	res := &Result{}

	var offset int64
	if !opts.FromStart {
		if fi, err := os.Stat(path); err == nil {
			offset = fi.Size()
			slog.Debug("skipping existing log content", "path", path, "offset", offset)
		}
	}

	slog.Info("following log file", "path", path, "interval", interval, "from_start", opts.FromStart)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fi, err := os.Stat(path)
		switch {
		case err != nil && !os.IsNotExist(err):
			slog.Warn("failed to stat log file", "path", path, "error", err)
		case err == nil:
			if fi.Size() < offset {
				slog.Info("log file truncated, reading from start", "path", path)
				offset = 0
			}
			if fi.Size() > offset {
				offset, err = r.readFrom(ctx, path, offset, res)
				if err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("failed to read log file", "path", path, "error", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			logResult("follow stopped", res)
			return res, nil
		case <-ticker.C:
		}
	}
}

// readFrom ingests complete lines starting at offset and returns the offset
// just past the last complete line.
func (r *Runner) readFrom(ctx context.Context, path string, offset int64, res *Result) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return offset, err
		}

		line, n, oversized, err := readLine(br)
		if errors.Is(err, io.EOF) {
			// Partial line; wait for the writer to finish it.
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("read log file: %w", err)
		}

		if oversized {
			r.skipOversized(offset, n, res)
		} else {
			r.processLine(ctx, line, offset, res)
		}
		offset += int64(n)
	}
}
