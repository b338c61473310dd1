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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/maillog/internal/config"
	"github.com/bcem/maillog/internal/dedup"
	"github.com/bcem/maillog/internal/ingest"
	"github.com/bcem/maillog/internal/logging"
	"github.com/bcem/maillog/internal/queue"
	"github.com/bcem/maillog/internal/store"
)

// app holds what a subcommand needs once configuration is loaded.
type app struct {
	cfg       *config.Config
	db        store.Backend
	filter    ingest.LineFilter
	publisher ingest.RecordPublisher

	closers []func() error
}

// setup loads configuration, installs the logger and opens the store. Redis
// is connected only when withRedis is set and REDIS_URL is configured.
func setup(ctx context.Context, opts *rootOptions, stderr io.Writer, withRedis bool) (*app, error) {
	if opts.configPath != "" {
		os.Setenv("CONFIG_PATH", opts.configPath)
	}
	if opts.envFile != "" {
		os.Setenv("ENV_FILE", opts.envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}

	logger, closeLog, err := logging.New(stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, closers: []func() error{closeLog}}

	db, err := store.Open(ctx, store.Options{
		Driver:   cfg.DBDriver,
		URL:      cfg.DatabaseURL,
		Path:     cfg.SQLitePath,
		Location: cfg.Location,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() error { db.Close(); return nil })

	if withRedis && cfg.RedisURL != "" {
		redisOpt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpt)
		a.closers = append(a.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		a.filter = dedup.NewFilter(rdb, cfg.SeenTTL)
		if cfg.EventsQueue != "" {
			a.publisher = queue.NewPublisher(rdb, cfg.EventsQueue)
		}
	}

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
