// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockkit-hq/installer/pkg/logging"
)

type mockUploader struct {
	calls int
	last  string
}

func (m *mockUploader) UploadDir(ctx context.Context, localDir, remotePrefix string) error {
	m.calls++
	m.last = remotePrefix
	return nil
}

func TestDurableAvailable(t *testing.T) {
	s := testStore(t)

	mounted := NewBackupManager(s, logging.New(logging.Config{Quiet: true}), filepath.Join(t.TempDir(), ".stockkit"), nil)
	assert.True(t, mounted.DurableAvailable())

	unmounted := NewBackupManager(s, logging.New(logging.Config{Quiet: true}), "/nonexistent-mount/MyDrive/.stockkit", nil)
	assert.False(t, unmounted.DurableAvailable())
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	log := logging.New(logging.Config{Quiet: true})
	durable := filepath.Join(t.TempDir(), "drive", ".stockkit")
	require.NoError(t, os.MkdirAll(filepath.Dir(durable), 0755))

	// First session: install writes state and new packages appear.
	s1 := testStore(t)
	require.NoError(t, s1.SaveAPIKey("sk-live-abc"))

	sitePkgs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sitePkgs, "pandas"), 0755))
	pre := SnapshotPackages(sitePkgs)

	require.NoError(t, os.MkdirAll(filepath.Join(sitePkgs, "stockkit"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sitePkgs, "stockkit", "__init__.py"), []byte("version = '3.2.0'"), 0644))

	b1 := NewBackupManager(s1, log, durable, nil)
	b1.BackupToDurable(context.Background(), sitePkgs, pre)

	// Only the new package was backed up, not the preexisting one.
	_, err := os.Stat(filepath.Join(durable, durablePackagesSubdir, "stockkit", "__init__.py"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(durable, durablePackagesSubdir, "pandas"))
	assert.True(t, os.IsNotExist(err))

	// Second session: fresh store and site-packages, restore both.
	s2 := testStore(t)
	sitePkgs2 := t.TempDir()
	b2 := NewBackupManager(s2, log, durable, nil)
	b2.RestoreFromDurable(sitePkgs2)

	key, err := s2.LoadAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc", key)

	restored, err := os.ReadFile(filepath.Join(sitePkgs2, "stockkit", "__init__.py"))
	require.NoError(t, err)
	assert.Contains(t, string(restored), "3.2.0")
}

func TestBackupSkipsWhenUnmounted(t *testing.T) {
	s := testStore(t)
	b := NewBackupManager(s, logging.New(logging.Config{Quiet: true}), "/nonexistent-mount/MyDrive/.stockkit", nil)

	// Must be a silent no-op.
	b.BackupToDurable(context.Background(), t.TempDir(), nil)
	b.RestoreFromDurable(t.TempDir())
}

func TestMirrorToCloud(t *testing.T) {
	s := testStore(t)
	up := &mockUploader{}

	// No durable mount: the mirror must still run. CI runners have a
	// bucket but no drive.
	b := NewBackupManager(s, logging.New(logging.Config{Quiet: true}), "/nonexistent-mount/MyDrive/.stockkit", up)
	b.MirrorToCloud(context.Background())

	assert.Equal(t, 1, up.calls)
	assert.Equal(t, "stockkit-state", up.last)
}

func TestMirrorToCloudWithoutUploader(t *testing.T) {
	s := testStore(t)
	b := NewBackupManager(s, logging.New(logging.Config{Quiet: true}), "", nil)

	// Silent no-op.
	b.MirrorToCloud(context.Background())
}

func TestSnapshotPackagesMissingDir(t *testing.T) {
	snap := SnapshotPackages(filepath.Join(t.TempDir(), "absent"))
	assert.Empty(t, snap)
}
