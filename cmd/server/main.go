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

// maillog server
//
// Long-running service. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Opens the mail log store (SQLite or PostgreSQL) and, if configured, Redis
//  3. Tails the MTA log file and reconciles every line into the store
//  4. Runs periodic deduplication
//  5. Serves the dashboard JSON API and /health
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/maillog/internal/api"
	"github.com/bcem/maillog/internal/config"
	"github.com/bcem/maillog/internal/dedup"
	"github.com/bcem/maillog/internal/ingest"
	"github.com/bcem/maillog/internal/logging"
	"github.com/bcem/maillog/internal/parser"
	"github.com/bcem/maillog/internal/queue"
	"github.com/bcem/maillog/internal/reconcile"
	"github.com/bcem/maillog/internal/stats"
	"github.com/bcem/maillog/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.Info("starting maillog server",
		"driver", cfg.DBDriver,
		"log_path", cfg.LogPath,
		"zone", cfg.Location.String(),
		"dedup_interval", cfg.DedupInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Store ---
	db, err := store.Open(ctx, store.Options{
		Driver:   cfg.DBDriver,
		URL:      cfg.DatabaseURL,
		Path:     cfg.SQLitePath,
		Location: cfg.Location,
	})
	if err != nil {
		slog.Error("failed to open mail log store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	checks := []api.Check{{Name: cfg.DBDriver, Ping: db.Ping}}

	// --- Redis (optional) ---
	var (
		filter    ingest.LineFilter
		publisher ingest.RecordPublisher
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")

		filter = dedup.NewFilter(rdb, cfg.SeenTTL)
		if cfg.EventsQueue != "" {
			pub := queue.NewPublisher(rdb, cfg.EventsQueue)
			publisher = pub
			checks = append(checks, api.Check{Name: "redis", Ping: pub.Ping})
		}
	}

	// --- Deduplicator ---
	deduper := dedup.NewDeduplicator(db)
	if cfg.DedupInterval > 0 {
		deduper.StartPeriodic(ctx, cfg.DedupInterval)
	}

	// --- Ingestion ---
	runner := ingest.NewRunner(ingest.RunnerConfig{
		Parser:     parser.NewParser(parser.NewNormalizer(cfg.Year, cfg.Location)),
		Reconciler: reconcile.NewEngine(db, cfg.TxTimeout),
		Filter:     filter,
		Publisher:  publisher,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Existing content is only read when the line filter can skip
		// what an earlier run already stored.
		if _, err := runner.Follow(ctx, cfg.LogPath, ingest.FollowOptions{
			Interval:  cfg.FollowInterval,
			FromStart: filter != nil,
		}); err != nil {
			slog.Error("log follower stopped", "error", err)
		}
	}()

	// --- API ---
	handler := api.NewHandler(stats.NewAggregator(db, cfg.RecentLimit, cfg.TopN), checks...)
	ready, done, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		cancel()
		wg.Wait()
		deduper.Stop()
		os.Exit(1)
	}
	<-ready

	<-ctx.Done()
	slog.Info("received shutdown signal", "cause", context.Cause(ctx))

	wg.Wait()
	deduper.Stop()
	<-done

	slog.Info("maillog server stopped")
}
