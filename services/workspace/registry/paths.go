// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"os"
	"path/filepath"
)

const appDirName = "workforce"

// DefaultDataDir returns the XDG data directory for the server:
// $XDG_DATA_HOME/workforce, falling back to ~/.local/share/workforce.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName)
	}
	return filepath.Join(home, ".local", "share", appDirName)
}

// DefaultEventLogPath returns the shared event log location,
// ~/.workforce/events.log. Every workspace bus appends here; the log
// rotates by size.
func DefaultEventLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".workforce", "events.log")
	}
	return filepath.Join(home, ".workforce", "events.log")
}

// DefaultCacheDir returns the XDG cache directory for the server:
// $XDG_CACHE_HOME/workforce, falling back to ~/.cache/workforce.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName)
	}
	return filepath.Join(home, ".cache", appDirName)
}
