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
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/workforce-sh/workforce/services/workspace/registry"
	"github.com/workforce-sh/workforce/services/workspace/singleton"
)

// EnvServerURL overrides the health check target for ancillary tools.
const EnvServerURL = "WORKFORCE_URL"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a workspace server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := os.Getenv(EnvServerURL)
		if url == "" {
			guard := singleton.New(registry.DefaultDataDir())
			host, port, pid, err := guard.ReadPIDFile()
			if err != nil {
				fmt.Println("not running (no pid file)")
				return nil
			}
			fmt.Printf("pid file: %s:%d (pid %d)\n", host, port, pid)
			url = fmt.Sprintf("http://%s:%d", host, port)
		}

		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(url + "/health")
		if err != nil {
			fmt.Printf("not responding at %s: %v\n", url, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("unhealthy: %s returned %d\n", url, resp.StatusCode)
			os.Exit(1)
		}
		fmt.Printf("running at %s\n", url)
		return nil
	},
}
