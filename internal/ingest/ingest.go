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

// Package ingest feeds MTA log lines through the parser and the
// reconciliation engine.
//
// Lines are processed strictly in order. Every per-line failure is counted
// and logged and the run continues; only an unreadable source ends a run
// with an error.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bcem/maillog/internal/dedup"
	"github.com/bcem/maillog/internal/models"
	"github.com/bcem/maillog/internal/parser"
	"github.com/bcem/maillog/internal/reconcile"
)

// maxLineSize bounds a single log line.
const maxLineSize = 1024 * 1024

// Reconciler stores parsed events.
type Reconciler interface {
	Reconcile(ctx context.Context, p *parser.Parsed) (reconcile.Outcome, *models.MailRecord, error)
}

// LineFilter reports whether a line key is seen for the first time.
type LineFilter interface {
	IsNew(ctx context.Context, key string) (bool, error)
}

// RecordPublisher announces created and merged records.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, outcome string, rec *models.MailRecord) error
}

// Result summarises an ingestion run.
type Result struct {
	Lines           int           `json:"lines"`
	Filtered        int           `json:"filtered"`
	NotLogLine      int           `json:"not_log_line"`
	Oversized       int           `json:"oversized"`
	Unrecognized    int           `json:"unrecognized"`
	ExtractionMiss  int           `json:"extraction_miss"`
	TimestampErrors int           `json:"timestamp_errors"`
	Parsed          int           `json:"parsed"`
	Created         int           `json:"created"`
	Merged          int           `json:"merged"`
	Conflicts       int           `json:"conflicts"`
	StoreErrors     int           `json:"store_errors"`
	PublishErrors   int           `json:"publish_errors"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Runner ingests log lines.
type Runner struct {
	parser     *parser.Parser
	reconciler Reconciler
	filter     LineFilter
	publisher  RecordPublisher
}

// RunnerConfig holds dependencies for the runner. Filter and Publisher are
// optional.
type RunnerConfig struct {
	Parser     *parser.Parser
	Reconciler Reconciler
	Filter     LineFilter
	Publisher  RecordPublisher
}

// NewRunner creates an ingestion runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		parser:     cfg.Parser,
		reconciler: cfg.Reconciler,
		filter:     cfg.Filter,
		publisher:  cfg.Publisher,
	}
}

// Run ingests every line of r. A cancelled context stops the run between
// lines and is returned together with the partial result.
func (r *Runner) Run(ctx context.Context, src io.Reader) (*Result, error) {
	start := time.Now()
	res := &Result{}

	br := bufio.NewReaderSize(src, 64*1024)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}

		line, n, oversized, err := readLine(br)
		if n > 0 {
			if oversized {
				r.skipOversized(offset, n, res)
			} else {
				r.processLine(ctx, line, offset, res)
			}
			offset += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("read log lines: %w", err)
		}
	}
	res.Elapsed = time.Since(start)

	logResult("ingest run complete", res)
	return res, nil
}

// readLine reads the next line and returns it without its terminator,
// together with the number of bytes consumed. A line longer than maxLineSize
// is consumed whole and reported as oversized with empty text. err is io.EOF
// when the source ended; a non-empty line returned with io.EOF had no
// trailing newline.
func readLine(br *bufio.Reader) (line string, n int, oversized bool, err error) {
	var buf []byte
	for {
		chunk, rerr := br.ReadSlice('\n')
		n += len(chunk)
		if !oversized {
			if len(buf)+len(chunk) > maxLineSize+1 {
				oversized, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimRight(string(buf), "\r\n"), n, oversized, rerr
	}
}

// RunFile ingests the file at path.
func (r *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	slog.Info("ingesting log file", "path", path)
	return r.Run(ctx, f)
}

// processLine handles one line found at offset bytes into its source.
func (r *Runner) processLine(ctx context.Context, line string, offset int64, res *Result) {
	res.Lines++

	if r.filter != nil {
		isNew, err := r.filter.IsNew(ctx, dedup.LineKey(line, offset))
		if err != nil {
			slog.Warn("line filter check failed", "error", err)
		} else if !isNew {
			res.Filtered++
			return
		}
	}

	parsed, err := r.parser.ParseLine(line)
	if err != nil {
		r.countParseError(err, line, res)
		return
	}
	res.Parsed++

	outcome, rec, err := r.reconciler.Reconcile(ctx, parsed)
	if err != nil {
		res.StoreErrors++
		slog.Error("failed to store event",
			"message_id", parsed.Event.MessageID(),
			"error", err,
		)
		return
	}

	switch outcome {
	case reconcile.Created:
		res.Created++
	case reconcile.Merged:
		res.Merged++
	case reconcile.Skipped:
		res.Conflicts++
		return
	}

	if r.publisher != nil {
		if err := r.publisher.PublishRecord(ctx, string(outcome), rec); err != nil {
			res.PublishErrors++
			slog.Warn("failed to publish record event",
				"message_id", rec.MessageID,
				"error", err,
			)
		}
	}
}

func (r *Runner) skipOversized(offset int64, n int, res *Result) {
	res.Lines++
	res.Oversized++
	slog.Warn("skipping oversized line",
		"offset", offset,
		"bytes", n,
		"limit", maxLineSize,
	)
}

func (r *Runner) countParseError(err error, line string, res *Result) {
	var (
		extractErr *parser.ExtractionError
		tsErr      *parser.ParseError
	)
	switch {
	case errors.Is(err, parser.ErrEnvelopeMismatch):
		res.NotLogLine++
		slog.Debug("skipping non-log line", "line", line)
	case errors.Is(err, parser.ErrUnrecognized):
		res.Unrecognized++
		slog.Debug("skipping unrecognized message", "line", line)
	case errors.As(err, &extractErr):
		res.ExtractionMiss++
		slog.Warn("message matched a shape but not its pattern",
			"shape", extractErr.Shape.String(),
			"line", line,
		)
	case errors.As(err, &tsErr):
		res.TimestampErrors++
		slog.Error("failed to parse timestamp",
			"timestamp", tsErr.Text,
			"error", err,
		)
	default:
		slog.Error("failed to parse line", "line", line, "error", err)
	}
}

func logResult(msg string, res *Result) {
	slog.Info(msg,
		"lines", res.Lines,
		"parsed", res.Parsed,
		"created", res.Created,
		"merged", res.Merged,
		"conflicts", res.Conflicts,
		"filtered", res.Filtered,
		"skipped", res.NotLogLine+res.Oversized+res.Unrecognized+res.ExtractionMiss+res.TimestampErrors,
		"store_errors", res.StoreErrors,
		"elapsed", res.Elapsed,
	)
}
