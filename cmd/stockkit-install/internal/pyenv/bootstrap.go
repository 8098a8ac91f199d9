// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pyenv

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// uvInstallScript is the astral.sh standalone installer pipeline. It is
// the fastest bootstrap path; pip is the fallback.
const uvInstallScript = "curl -LsSf https://astral.sh/uv/install.sh | sh"

// Bootstrap locates or installs the uv package manager.
type Bootstrap interface {
	// EnsureUV makes uv available, bootstrapping it if needed. Returns
	// false only when every acquisition strategy has been exhausted.
	EnsureUV(ctx context.Context, python string) bool

	// UVCommand returns the resolved uv executable, or "" when EnsureUV
	// has not succeeded.
	UVCommand() string
}

// DefaultBootstrap implements Bootstrap.
type DefaultBootstrap struct {
	pm  proc.ProcessManager
	log *logging.Logger

	// wellKnownPaths are probed after PATH; uv's installers drop the
	// binary here without always updating the shell profile.
	wellKnownPaths []string

	mu       sync.Mutex
	resolved string
}

// NewDefaultBootstrap creates a Bootstrap using the given process manager.
func NewDefaultBootstrap(pm proc.ProcessManager, log *logging.Logger) *DefaultBootstrap {
	return &DefaultBootstrap{
		pm:             pm,
		log:            log,
		wellKnownPaths: defaultUVPaths(),
	}
}

func defaultUVPaths() []string {
	var paths []string
	bin := "uv"
	if runtime.GOOS == "windows" {
		bin = "uv.exe"
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".local", "bin", bin),
			filepath.Join(home, ".cargo", "bin", bin),
		)
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/usr/local/bin/uv", "/opt/homebrew/bin/uv")
	}
	return paths
}

// EnsureUV probes for uv and bootstraps it when absent.
//
// Strategy order: PATH, well-known install locations, the standalone
// installer script, `python -m pip install uv`, and finally the --user
// variant for externally-managed interpreters. Each bootstrap attempt
// is followed by a re-probe.
func (b *DefaultBootstrap) EnsureUV(ctx context.Context, python string) bool {
	if b.probe(ctx) {
		return true
	}

	b.log.Info("uv not found, bootstrapping")

	if runtime.GOOS != "windows" {
		installCtx, cancel := context.WithTimeout(ctx, timeouts.ToolBootstrap)
		_, err := b.pm.Run(installCtx, "sh", "-c", uvInstallScript)
		cancel()
		if err != nil {
			b.log.Debug("standalone uv installer failed", "error", err.Error())
		} else if b.probe(ctx) {
			return true
		}
	}

	for _, args := range [][]string{
		{"-m", "pip", "install", "uv"},
		{"-m", "pip", "install", "--user", "uv"},
	} {
		installCtx, cancel := context.WithTimeout(ctx, timeouts.ToolBootstrap)
		_, err := b.pm.Run(installCtx, python, args...)
		cancel()
		if err != nil {
			b.log.Debug("pip uv install failed", "args", args, "error", err.Error())
			continue
		}
		if b.probe(ctx) {
			return true
		}
	}

	b.log.Error("uv could not be bootstrapped by any strategy")
	return false
}

// UVCommand returns the resolved uv executable.
func (b *DefaultBootstrap) UVCommand() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved
}

// probe looks for a working uv on PATH and in the well-known locations,
// confirming each candidate with `uv --version`.
func (b *DefaultBootstrap) probe(ctx context.Context) bool {
	candidates := make([]string, 0, len(b.wellKnownPaths)+1)
	if path, err := b.pm.LookPath("uv"); err == nil {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, b.wellKnownPaths...)

	for _, candidate := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, timeouts.MinProcessTimeout)
		_, err := b.pm.Run(probeCtx, candidate, "--version")
		cancel()
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.resolved = candidate
		b.mu.Unlock()
		b.log.Debug("uv resolved", "path", candidate)
		return true
	}
	return false
}

// Compile-time interface compliance check.
var _ Bootstrap = (*DefaultBootstrap)(nil)
