// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bootstrap assembles and runs the workspace server process:
// singleton guard, HTTP listener, cache cycler, and graceful shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/workforce-sh/workforce/services/workspace/handlers"
	"github.com/workforce-sh/workforce/services/workspace/hub"
	"github.com/workforce-sh/workforce/services/workspace/registry"
	"github.com/workforce-sh/workforce/services/workspace/routes"
	"github.com/workforce-sh/workforce/services/workspace/singleton"
)

// Environment variables read at startup.
const (
	EnvHost = "WORKFORCE_HOST"
	EnvPort = "WORKFORCE_PORT"
)

// Defaults for the bind address.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5000
)

// Config is the assembled server configuration.
type Config struct {
	Host     string
	Port     int
	DataDir  string
	CacheDir string
	Logger   *slog.Logger
}

// FromEnv fills unset fields from the environment, then from defaults.
func (c *Config) FromEnv() error {
	if c.Host == "" {
		c.Host = os.Getenv(EnvHost)
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		if raw := os.Getenv(EnvPort); raw != "" {
			port, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", EnvPort, raw, err)
			}
			c.Port = port
		}
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = registry.DefaultDataDir()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// LANEnabled reports whether the bind address is reachable beyond
// loopback.
func (c *Config) LANEnabled() bool {
	return c.Host != "127.0.0.1" && c.Host != "localhost" && c.Host != "::1"
}

// Run starts the server and blocks until a shutdown signal or fatal
// error. Returns nil on clean shutdown; the caller maps errors to exit
// code 1.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.FromEnv(); err != nil {
		return err
	}
	logger := cfg.Logger

	guard := singleton.New(cfg.DataDir)
	if err := guard.AcquireStartLock(); err != nil {
		return fmt.Errorf("start lock: %w", err)
	}
	defer guard.ReleaseStartLock()
	if err := guard.CheckRunning(); err != nil {
		return err
	}

	// Bind before writing the pid file so a port conflict fails cleanly.
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if err := guard.WritePIDFile(cfg.Host, cfg.Port); err != nil {
		listener.Close()
		return err
	}
	defer guard.RemovePIDFile()

	h := hub.New(logger)
	reg := registry.New(h, cfg.DataDir, cfg.CacheDir, logger)
	api := &handlers.API{
		Registry:   reg,
		Host:       cfg.Host,
		Port:       cfg.Port,
		LANEnabled: cfg.LANEnabled(),
		Logger:     logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, api, h)

	srv := &http.Server{Handler: router}
	cycler := registry.NewCycler(reg.CacheDir(), registry.DefaultCyclerConfig(), logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("workspace server listening", "addr", addr, "lan_enabled", cfg.LANEnabled())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cycler.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		cycler.Stop()
		reg.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
