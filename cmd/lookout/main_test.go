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
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/config"
	"github.com/AleutianAI/lookout/services/lookout/examples"
	"github.com/AleutianAI/lookout/services/lookout/examples/nodecount"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo"
)

func testSettings(t *testing.T, driver string) *config.Settings {
	t.Helper()
	s := config.Default()
	s.Server = "127.0.0.1:0"
	s.MetricsAddr = "127.0.0.1:0"
	s.LogLevel = "error"
	s.Repository.Driver = driver
	s.Repository.BadgerPath = filepath.Join(t.TempDir(), "models")
	require.NoError(t, s.Validate())
	return &s
}

func TestListCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	for _, reg := range examples.Registry() {
		assert.Contains(t, text, reg.Identity().Name)
		assert.Contains(t, text, analyzer.Describe(reg))
	}
	assert.Contains(t, text, nodecount.Name+"\n\t1\n")
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout", "analyzer.yaml")
	var out bytes.Buffer

	require.NoError(t, writeConfig(&out, path, false))
	assert.Contains(t, out.String(), path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	assert.ErrorIs(t, writeConfig(&out, path, false), errConfigExists)
	assert.NoError(t, writeConfig(&out, path, true))

	out.Reset()
	require.NoError(t, writeConfig(&out, "-", false))
	assert.Contains(t, out.String(), "request_server: auto")
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem, err := openBackend(ctx, config.RepositorySettings{Driver: config.DriverMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &modelrepo.MemoryBackend{}, mem)

	dir := filepath.Join(t.TempDir(), "badger")
	b, err := openBackend(ctx, config.RepositorySettings{Driver: config.DriverBadger, BadgerPath: dir}, logger)
	require.NoError(t, err)
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.Put(ctx, "k/1", "repo", []byte("x")))
	require.NoError(t, b.Close())

	_, err = openBackend(ctx, config.RepositorySettings{Driver: "sqlite"}, logger)
	assert.Error(t, err)
}

func TestInitRepository(t *testing.T) {
	s := testSettings(t, config.DriverBadger)
	s.LogLevel = "info"
	s.LogDir = filepath.Join(t.TempDir(), "logs")
	require.NoError(t, initRepository(context.Background(), s, io.Discard))
	// Second run verifies the existing schema marker.
	require.NoError(t, initRepository(context.Background(), s, io.Discard))

	logs, err := filepath.Glob(filepath.Join(s.LogDir, "lookout_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "model repository initialized")
}

func TestRunService_StartsAndStops(t *testing.T) {
	s := testSettings(t, config.DriverMemory)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runService(ctx, s, io.Discard) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runService did not return after cancellation")
	}
}

func TestRunService_UnknownAnalyzer(t *testing.T) {
	s := testSettings(t, config.DriverMemory)
	s.Analyzers = []string{"no.Such"}
	err := runService(context.Background(), s, io.Discard)
	assert.ErrorIs(t, err, examples.ErrUnknownAnalyzer)
}
