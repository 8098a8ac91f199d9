// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockkit-hq/installer/pkg/logging"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), ".stockkit"), logging.New(logging.Config{Quiet: true}))
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadAPIKey(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SaveAPIKey("sk-live-abc123"))
	key, err := s.LoadAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", key)
}

func TestAPIKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	s := testStore(t)
	require.NoError(t, s.SaveAPIKey("sk-live-abc123"))

	info, err := os.Stat(filepath.Join(s.Dir(), apiKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadAPIKeyMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.LoadAPIKey()
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestRecordOutcomeRoundTrip(t *testing.T) {
	s := testStore(t)

	record := InstallRecord{
		RunID:       NewRunID(),
		Timestamp:   time.Now().UTC(),
		Environment: "local-interactive",
		DeviceID:    "LNX-build01-dev",
		Python:      "/home/dev/.stockkit/venv/bin/python",
		Isolated:    true,
		DepsOK:      true,
		Artifacts: []ArtifactRecord{
			{Name: "stockkit", Version: "3.2.0", Status: "installed", ImportVerified: true},
			{Name: "stockkit_ta", Status: "prepared", Detail: "install timed out"},
		},
		Success: true,
	}
	s.RecordOutcome(record)

	loaded, err := s.LoadRecord()
	require.NoError(t, err)
	assert.Equal(t, record.RunID, loaded.RunID)
	require.Len(t, loaded.Artifacts, 2)
	assert.Equal(t, "prepared", loaded.Artifacts[1].Status)
}

func TestRecordOutcomeNeverPanicsOnUnwritableDir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("needs non-root unix permissions")
	}
	s := testStore(t)
	require.NoError(t, os.Chmod(s.Dir(), 0500))
	defer os.Chmod(s.Dir(), 0755)

	// Must log and swallow, not panic or error.
	s.RecordOutcome(InstallRecord{RunID: NewRunID()})
}

func TestSaveUserRecordStampsTime(t *testing.T) {
	s := testStore(t)
	s.SaveUserRecord(UserRecord{Username: "trader1", Tier: "pro"})

	data, err := os.ReadFile(filepath.Join(s.Dir(), userFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "trader1")
	assert.Contains(t, string(data), "updated_at")
}
