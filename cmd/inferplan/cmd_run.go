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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/inferplan/pkg/logging"
	"github.com/AleutianAI/inferplan/services/planrun"
	"github.com/AleutianAI/inferplan/services/planrun/checkpoint"
	"github.com/AleutianAI/inferplan/services/planrun/oracle"
	"github.com/AleutianAI/inferplan/services/planrun/storage/badger"
)

// runOnce executes a single plan to completion and prints the resolved
// target values as JSON on stdout.
func runOnce(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "inferplan",
		Quiet:   runQuiet,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	planDoc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	var provider oracle.Provider
	if runDry {
		// Dry mode exercises plan structure and flow without an API
		// key; every semantic action echoes deterministically.
		provider = &oracle.MockProvider{}
	} else {
		provider, err = oracle.NewOpenAIProvider(logger.Logger)
		if err != nil {
			return fmt.Errorf("create oracle provider: %w", err)
		}
	}

	var store *checkpoint.Store
	if dbPath != "" {
		cfg := badger.DefaultConfig()
		cfg.Path = dbPath
		cfg.Logger = logger.Logger
		db, err := badger.OpenDB(cfg)
		if err != nil {
			return fmt.Errorf("open checkpoint database: %w", err)
		}
		defer db.Close()

		store, err = checkpoint.NewStore(db, logger.Logger)
		if err != nil {
			return err
		}
	}
	if runResume != "" && store == nil {
		return fmt.Errorf("--resume requires --db")
	}

	svc, err := planrun.NewService(planrun.DefaultServiceConfig(), provider, store, logger.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resp planrun.StartRunResponse
	if runResume != "" {
		resp, err = svc.ResumeRun(ctx, runResume, planDoc, runTargets)
	} else {
		resp, err = svc.StartRun(ctx, planDoc, runTargets)
	}
	if err != nil {
		return err
	}

	// Cancel the run cooperatively on SIGINT; the deferred Close waits
	// for the final checkpoint.
	go func() {
		<-ctx.Done()
		svc.CancelRun(resp.RunID) //nolint:errcheck
	}()

	status, err := svc.WaitRun(context.Background(), resp.RunID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if status.State != planrun.RunStateCompleted {
		return fmt.Errorf("run %s %s: %s", status.RunID, status.State, status.Error)
	}
	return nil
}
