// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stategraph/config"
	"github.com/AleutianAI/stategraph/pkg/logging"
	"github.com/AleutianAI/stategraph/store"
)

// --- Global Command Variables ---
var (
	configPath  string
	buildFilter string
	parallelism int

	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "stategraph",
		Short: "Inspect and verify persisted build-state snapshots",
		Long: `Stategraph manages the snapshot store that holds serialized
build-state object graphs between builds.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Log.Level),
				Service: "stategraph",
				JSON:    cfg.Log.Format == "json",
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, optionally filtered by build id",
		RunE:  runList,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot store statistics",
		RunE:  runStats,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Integrity-check every stored snapshot",
		RunE:  runVerify,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (defaults apply when empty)")
	listCmd.Flags().StringVar(&buildFilter, "build", "", "Only list snapshots for this build id")
	verifyCmd.Flags().IntVar(&parallelism, "parallelism", 4, "Maximum concurrent integrity checks")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
}

// openStore opens the configured snapshot store for a command run.
func openStore() (*store.Store, error) {
	s, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
		GCInterval: cfg.Store.GCInterval.Std(),
		Logger:     logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store at %s: %w", cfg.Store.Path, err)
	}
	return s, nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUILD\tENTRY")
	count := 0
	for _, key := range keys {
		if buildFilter != "" && key.BuildID != buildFilter {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", key.BuildID, key.Entry)
		count++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d snapshot(s)\n", count)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading store stats: %w", err)
	}

	fmt.Printf("Snapshots:   %d\n", stats.Snapshots)
	fmt.Printf("Total bytes: %d\n", stats.TotalBytes)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	report, err := s.VerifyAll(cmd.Context(), parallelism)
	if err != nil {
		return fmt.Errorf("verifying snapshots: %w", err)
	}

	fmt.Printf("Checked %d snapshot(s) in %s\n", report.Checked, time.Since(start).Round(time.Millisecond))
	if len(report.Corrupted) == 0 {
		fmt.Println("All snapshots passed integrity checks.")
		return nil
	}

	log.Printf("WARNING: %d corrupted snapshot(s) found", len(report.Corrupted))
	for _, key := range report.Corrupted {
		fmt.Printf("  corrupted: %s\n", key)
	}
	return fmt.Errorf("%d snapshot(s) failed integrity checks", len(report.Corrupted))
}
