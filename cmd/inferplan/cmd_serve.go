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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/inferplan/pkg/logging"
	"github.com/AleutianAI/inferplan/services/planrun"
	"github.com/AleutianAI/inferplan/services/planrun/checkpoint"
	"github.com/AleutianAI/inferplan/services/planrun/oracle"
	"github.com/AleutianAI/inferplan/services/planrun/storage/badger"
)

// runServe starts the run control HTTP service.
func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "planrun",
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	provider, err := oracle.NewOpenAIProvider(logger.Logger)
	if err != nil {
		return fmt.Errorf("create oracle provider: %w", err)
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
	} else {
		logger.Warn("no --db configured, checkpointing disabled")
	}

	svc, err := planrun.NewService(planrun.DefaultServiceConfig(), provider, store, logger.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	handlers := planrun.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	if serveDebug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	planrun.RegisterRoutes(v1, handlers)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("plan run service listening", "port", servePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
