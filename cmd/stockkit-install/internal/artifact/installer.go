// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package artifact downloads, extracts, and installs the gated StockKit
artifacts.

Each artifact moves through download, extraction into a fresh temporary
directory, descriptor location, and installation. Partial extractions
never touch the final install location; only the package manager writes
there. An install that times out reports "prepared": the package is on
disk and usually importable, but the installer could not confirm it.
*/
package artifact

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// ErrArtifactStructure means the extracted archive carries no
// recognizable Python package descriptor.
var ErrArtifactStructure = errors.New("artifact has no setup.py or pyproject.toml")

// Status is the terminal state of one artifact install.
type Status string

const (
	// StatusInstalled means the package manager confirmed the install.
	StatusInstalled Status = "installed"

	// StatusPrepared means the install ran out of time or failed in an
	// unexpected way after extraction; the artifact is likely usable
	// but unconfirmed.
	StatusPrepared Status = "prepared"

	// StatusFailed means the artifact is not installed.
	StatusFailed Status = "failed"
)

// Result records the outcome of one artifact install.
type Result struct {
	Name           string
	Version        string
	Status         Status
	Detail         string
	ImportVerified bool
}

// Installer installs one gated artifact into the runtime.
type Installer interface {
	Install(ctx context.Context, apiKey, deviceID string, pkg entitlement.Package, python string) Result
}

// DefaultInstaller implements Installer.
type DefaultInstaller struct {
	pm     proc.ProcessManager
	log    *logging.Logger
	client entitlement.Client

	// uv resolves the uv executable. Artifacts require uv; callers
	// check Bootstrap before reaching this package.
	uv func() string

	http *http.Client
}

// NewDefaultInstaller creates an artifact installer.
func NewDefaultInstaller(pm proc.ProcessManager, log *logging.Logger, client entitlement.Client, uvCmd func() string) *DefaultInstaller {
	return &DefaultInstaller{
		pm:     pm,
		log:    log,
		client: client,
		uv:     uvCmd,
		http:   &http.Client{},
	}
}

// Install runs the full per-artifact pipeline.
func (a *DefaultInstaller) Install(ctx context.Context, apiKey, deviceID string, pkg entitlement.Package, python string) Result {
	res := Result{Name: pkg.Name, Version: pkg.Version}
	log := a.log.With("artifact", pkg.Name)

	url, err := a.client.DownloadURL(ctx, apiKey, deviceID, pkg.Name)
	if err != nil {
		res.Status = StatusFailed
		res.Detail = fmt.Sprintf("download URL: %v", err)
		log.Error("could not resolve download URL", "error", err.Error())
		return res
	}

	archive, err := a.download(ctx, url)
	if err != nil {
		res.Status = StatusFailed
		res.Detail = fmt.Sprintf("archive download: %v", err)
		log.Error("archive download failed", "error", err.Error())
		return res
	}
	defer os.Remove(archive)

	extractDir, err := os.MkdirTemp("", "stockkit-extract-*")
	if err != nil {
		res.Status = StatusFailed
		res.Detail = fmt.Sprintf("temp dir: %v", err)
		return res
	}
	defer os.RemoveAll(extractDir)

	if err := extractTarGz(archive, extractDir); err != nil {
		res.Status = StatusFailed
		res.Detail = fmt.Sprintf("extraction: %v", err)
		log.Error("archive extraction failed", "error", err.Error())
		return res
	}

	pkgDir, err := locateDescriptor(extractDir)
	if err != nil {
		res.Status = StatusFailed
		res.Detail = err.Error()
		log.Error("no package descriptor in artifact")
		return res
	}

	res.Status, res.Detail = a.installDir(ctx, pkgDir, python)
	if res.Status == StatusFailed {
		log.Error("artifact install failed", "detail", res.Detail)
		return res
	}

	// Advisory only. A slow first import (compiled extensions, warmup
	// caches) must not fail an install the package manager accepted.
	res.ImportVerified = a.importCheck(ctx, python, pkg.Name)
	if !res.ImportVerified {
		log.Warn("import check did not confirm the artifact")
	}

	log.Info("artifact installed", "status", string(res.Status), "import_verified", res.ImportVerified)
	return res
}

// download fetches the archive to a temporary file.
func (a *DefaultInstaller) download(ctx context.Context, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeouts.ArchiveDownload)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("archive endpoint returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "stockkit-archive-*.tar.gz")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// extractTarGz unpacks a tar.gz archive into destDir, rejecting entries
// that would escape it.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt tar stream: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// Symlinks and devices are not expected in source archives;
			// skip rather than fail.
		}
	}
}

// safeJoin joins name under dir, rejecting path traversal.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// locateDescriptor finds the installable package directory: the
// extraction root, or exactly one subdirectory level down.
func locateDescriptor(root string) (string, error) {
	if hasDescriptor(root) {
		return root, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(root, entry.Name())
		if hasDescriptor(sub) {
			return sub, nil
		}
	}
	return "", ErrArtifactStructure
}

func hasDescriptor(dir string) bool {
	for _, name := range []string{"setup.py", "pyproject.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// installDir installs the extracted package directory into the runtime.
func (a *DefaultInstaller) installDir(ctx context.Context, pkgDir, python string) (Status, string) {
	uvCmd := a.uv()
	if uvCmd == "" {
		return StatusFailed, "uv unavailable"
	}

	installCtx, cancel := context.WithTimeout(ctx, timeouts.ArtifactInstall)
	defer cancel()

	_, stderr, err := a.pm.RunCapture(installCtx, uvCmd, "pip", "install", "--python", python, "-q", pkgDir)
	switch {
	case err == nil:
		return StatusInstalled, ""
	case errors.Is(installCtx.Err(), context.DeadlineExceeded):
		// The package manager was still working; the artifact is on
		// disk and usually importable.
		return StatusPrepared, "install timed out; package prepared but not confirmed"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(string(stderr))
			if detail == "" {
				detail = err.Error()
			}
			return StatusFailed, detail
		}
		return StatusPrepared, fmt.Sprintf("unexpected install error: %v; package prepared but not confirmed", err)
	}
}

// importCheck probes that the installed module imports. Failures and
// timeouts report false but never fail the install.
func (a *DefaultInstaller) importCheck(ctx context.Context, python, module string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.ImportCheck)
	defer cancel()

	_, err := a.pm.Run(checkCtx, python, "-c", fmt.Sprintf("import %s", module))
	return err == nil
}

// Compile-time interface compliance check.
var _ Installer = (*DefaultInstaller)(nil)
