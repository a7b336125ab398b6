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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/workforce-sh/workforce/pkg/logging"
	"github.com/workforce-sh/workforce/services/workspace/bootstrap"
)

var serveFlags struct {
	host    string
	port    int
	logDir  string
	jsonLog bool
	quiet   bool
	debug   bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workspace server",
	Long: `Run the workspace server until interrupted.

The bind address comes from --host/--port, then WORKFORCE_HOST and
WORKFORCE_PORT, then the defaults (127.0.0.1:5000). The process refuses
to start when another server owns the pid file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if serveFlags.debug {
			level = slog.LevelDebug
		}
		logger := logging.New(logging.Config{
			Level:   level,
			LogDir:  serveFlags.logDir,
			Service: "workforce",
			JSON:    serveFlags.jsonLog,
			Quiet:   serveFlags.quiet,
		})
		defer logger.Close()
		logger.SetDefault()

		return bootstrap.Run(context.Background(), bootstrap.Config{
			Host:   serveFlags.host,
			Port:   serveFlags.port,
			Logger: logger.Slog(),
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.host, "host", "", "bind host (default WORKFORCE_HOST or 127.0.0.1)")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "bind port (default WORKFORCE_PORT or 5000)")
	serveCmd.Flags().StringVar(&serveFlags.logDir, "log-dir", "", "write JSON logs under this directory (default WORKFORCE_LOG_DIR)")
	serveCmd.Flags().BoolVar(&serveFlags.jsonLog, "json", false, "JSON logs on stderr")
	serveCmd.Flags().BoolVar(&serveFlags.quiet, "quiet", false, "no stderr logging")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "debug logging")
}
