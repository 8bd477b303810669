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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	logLevel string
	logDir   string
	dbPath   string

	servePort  int
	serveDebug bool

	runTargets []string
	runResume  string
	runQuiet   bool
	runDry     bool

	rootCmd = &cobra.Command{
		Use:   "inferplan",
		Short: "Execute compiled concept/inference plans",
		Long: `inferplan resolves compiled plans: concepts in dependency order,
semantic oracle calls with retry, guards, loops, fallback selection,
and resumable checkpointed runs.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the plan run HTTP service",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	runCmd = &cobra.Command{
		Use:   "run [plan.json]",
		Short: "Execute one plan to completion and print the resolved targets",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce, // Defined in cmd_run.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Checkpoint database directory (disabled when empty)")

	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug mode")

	runCmd.Flags().StringSliceVar(&runTargets, "target", nil, "Target concept ids (defaults to the plan's targets)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume the given run id from its latest checkpoint")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress event output, print only the result JSON")
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "Execute without calling the oracle, echoing each semantic action")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}
