// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stockkit-hq/installer/pkg/logging"
)

// DefaultDurableDir is the mounted-drive location hosted notebooks use
// for state that must survive the session.
const DefaultDurableDir = "/content/drive/MyDrive/.stockkit"

// durablePackagesSubdir holds backed-up site-packages entries under the
// durable directory.
const durablePackagesSubdir = "site-packages"

// Uploader mirrors a local directory to remote storage. Implemented by
// the gcs package; nil disables mirroring.
type Uploader interface {
	UploadDir(ctx context.Context, localDir, remotePrefix string) error
}

// BackupManager copies installer state to and from durable storage for
// environments whose local filesystem does not survive the session.
//
// Every operation is best-effort: a missing drive mount or a failed
// copy degrades to a warning, never an installation failure.
type BackupManager struct {
	store      *Store
	log        *logging.Logger
	durableDir string
	uploader   Uploader
}

// NewBackupManager creates a backup manager targeting durableDir.
func NewBackupManager(store *Store, log *logging.Logger, durableDir string, uploader Uploader) *BackupManager {
	if durableDir == "" {
		durableDir = DefaultDurableDir
	}
	return &BackupManager{store: store, log: log, durableDir: durableDir, uploader: uploader}
}

// DurableAvailable reports whether the durable directory's parent mount
// exists. A notebook without its drive mounted gets no backup and no
// restore, silently.
func (b *BackupManager) DurableAvailable() bool {
	info, err := os.Stat(filepath.Dir(b.durableDir))
	return err == nil && info.IsDir()
}

// RestoreFromDurable copies backed-up state into the live config dir
// and backed-up packages into the runtime's site-packages. Called at
// session start in ephemeral environments.
func (b *BackupManager) RestoreFromDurable(sitePackagesDir string) {
	if !b.DurableAvailable() {
		b.log.Debug("durable storage not mounted, skipping restore")
		return
	}
	if _, err := os.Stat(b.durableDir); err != nil {
		b.log.Debug("no durable backup present")
		return
	}

	if err := copyTree(b.durableDir, b.store.Dir(), durablePackagesSubdir); err != nil {
		b.log.Warn("config restore from durable storage failed", "error", err.Error())
	} else {
		b.log.Info("restored config from durable storage")
	}

	if sitePackagesDir == "" {
		return
	}
	backedUp := filepath.Join(b.durableDir, durablePackagesSubdir)
	if _, err := os.Stat(backedUp); err != nil {
		return
	}
	if err := copyTree(backedUp, sitePackagesDir); err != nil {
		b.log.Warn("package restore from durable storage failed", "error", err.Error())
	} else {
		b.log.Info("restored packages from durable storage")
	}
}

// SnapshotPackages lists the entries of a site-packages directory,
// taken before installation so BackupToDurable can diff.
func SnapshotPackages(sitePackagesDir string) map[string]bool {
	snapshot := make(map[string]bool)
	entries, err := os.ReadDir(sitePackagesDir)
	if err != nil {
		return snapshot
	}
	for _, entry := range entries {
		snapshot[entry.Name()] = true
	}
	return snapshot
}

// BackupToDurable copies the config files plus every site-packages
// entry that appeared since the pre-install snapshot.
func (b *BackupManager) BackupToDurable(ctx context.Context, sitePackagesDir string, preInstall map[string]bool) {
	if !b.DurableAvailable() {
		b.log.Debug("durable storage not mounted, skipping backup")
		return
	}

	if err := copyTree(b.store.Dir(), b.durableDir); err != nil {
		b.log.Warn("config backup to durable storage failed", "error", err.Error())
	}

	if sitePackagesDir != "" {
		destPkgs := filepath.Join(b.durableDir, durablePackagesSubdir)
		for _, name := range newEntries(sitePackagesDir, preInstall) {
			src := filepath.Join(sitePackagesDir, name)
			if err := copyTree(src, filepath.Join(destPkgs, name)); err != nil {
				b.log.Warn("package backup failed", "package", name, "error", err.Error())
			}
		}
	}
}

// MirrorToCloud uploads the config directory through the configured
// uploader. Unlike the durable-drive copy this does not depend on any
// mount: CI runners have no drive, only a bucket. No-op without an
// uploader, best-effort with one.
func (b *BackupManager) MirrorToCloud(ctx context.Context) {
	if b.uploader == nil {
		return
	}
	if err := b.uploader.UploadDir(ctx, b.store.Dir(), "stockkit-state"); err != nil {
		b.log.Warn("cloud mirror failed", "error", err.Error())
	}
}

// newEntries returns site-packages entries absent from the snapshot.
func newEntries(sitePackagesDir string, preInstall map[string]bool) []string {
	entries, err := os.ReadDir(sitePackagesDir)
	if err != nil {
		return nil
	}
	var added []string
	for _, entry := range entries {
		if !preInstall[entry.Name()] {
			added = append(added, entry.Name())
		}
	}
	return added
}

// copyTree recursively copies src into dst, skipping any top-level
// entries named in skip. Files are overwritten; permissions carried.
func copyTree(src, dst string, skip ...string) error {
	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if skipSet[entry.Name()] {
			continue
		}
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		if !entryInfo.Mode().IsRegular() {
			continue
		}
		if err := copyFile(srcPath, dstPath, entryInfo.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
