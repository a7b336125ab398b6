// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvHost, "")
	t.Setenv(EnvPort, "")

	var c Config
	require.NoError(t, c.FromEnv())
	assert.Equal(t, DefaultHost, c.Host)
	assert.Equal(t, DefaultPort, c.Port)
	assert.NotEmpty(t, c.DataDir)
	assert.NotNil(t, c.Logger)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvHost, "0.0.0.0")
	t.Setenv(EnvPort, "8123")

	var c Config
	require.NoError(t, c.FromEnv())
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, 8123, c.Port)
}

func TestConfigFlagsBeatEnv(t *testing.T) {
	t.Setenv(EnvHost, "0.0.0.0")
	t.Setenv(EnvPort, "8123")

	c := Config{Host: "127.0.0.1", Port: 6000}
	require.NoError(t, c.FromEnv())
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, 6000, c.Port)
}

func TestConfigFromEnvBadPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	var c Config
	assert.Error(t, c.FromEnv())
}

func TestLANEnabled(t *testing.T) {
	for host, want := range map[string]bool{
		"127.0.0.1": false,
		"localhost": false,
		"::1":       false,
		"0.0.0.0":   true,
		"10.0.0.5":  true,
	} {
		c := Config{Host: host}
		assert.Equal(t, want, c.LANEnabled(), host)
	}
}
