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
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bcem/maillog/internal/dedup"
	"github.com/bcem/maillog/internal/ingest"
	"github.com/bcem/maillog/internal/parser"
	"github.com/bcem/maillog/internal/reconcile"
	"github.com/bcem/maillog/internal/stats"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	var (
		file      string
		follow    bool
		fromStart bool
		year      int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse an MTA log file and reconcile its events into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), root, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.close()

			path := file
			if path == "" {
				path = a.cfg.LogPath
			}
			if year == 0 {
				year = a.cfg.Year
			}

			runner := ingest.NewRunner(ingest.RunnerConfig{
				Parser:     parser.NewParser(parser.NewNormalizer(year, a.cfg.Location)),
				Reconciler: reconcile.NewEngine(a.db, a.cfg.TxTimeout),
				Filter:     a.filter,
				Publisher:  a.publisher,
			})

			var res *ingest.Result
			if follow {
				res, err = runner.Follow(cmd.Context(), path, ingest.FollowOptions{
					Interval:  a.cfg.FollowInterval,
					FromStart: fromStart,
				})
			} else {
				res, err = runner.RunFile(cmd.Context(), path)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Parsed %d log lines (%d created, %d merged, %d skipped)\n",
				res.Parsed, res.Created, res.Merged, res.Conflicts)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "log file to ingest (default: configured log path)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep reading lines appended to the file until interrupted")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "with --follow, ingest existing content first")
	cmd.Flags().IntVar(&year, "year", 0, "year to assume for log timestamps (default: configured or current year)")
	return cmd
}

func newDedupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dedup",
		Short: "Delete all but the earliest record for every duplicated message id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), root, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := dedup.NewDeduplicator(a.db).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d duplicate records in %d groups (%d groups failed)\n",
				report.Deleted, report.Groups, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d duplicate groups could not be cleaned", report.Failed)
			}
			return nil
		},
	}
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	var charts bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the dashboard summary (or chart data) as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), root, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.close()

			agg := stats.NewAggregator(a.db, a.cfg.RecentLimit, a.cfg.TopN)
			if charts {
				data, err := agg.Charts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			}
			summary, err := agg.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().BoolVar(&charts, "charts", false, "print chart data instead of the summary")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
