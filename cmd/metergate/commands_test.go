// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "metergate dev\n", out.String())
}

func TestResetCommand(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "gas_data.json")
	require.NoError(t, os.WriteFile(dataset, []byte(`[{"gas":{"value":1,"timestamp":100}}]`), 0600))

	cfgPath := filepath.Join(dir, "metergate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"store:\n  path: "+filepath.Join(dir, "db")+"\n  gc_interval: 0s\nseed:\n  path: "+dataset+"\nlog:\n  level: error\n"), 0600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"reset", "--config", cfgPath})
	require.NoError(t, rootCmd.Execute())

	var result struct {
		Cleared int `json:"cleared"`
		Seeded  int `json:"seeded"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 1, result.Seeded)
}

func TestServeCommand_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "metergate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: 99999\n"), 0600))

	rootCmd.SetArgs([]string{"serve", "--config", cfgPath})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
