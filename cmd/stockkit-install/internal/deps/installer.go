// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package deps installs the open dependency manifest that the gated
StockKit artifacts build on.

Dependency problems are reported but never abort the installation:
the artifacts that follow carry their own requirements, and a partial
dependency set frequently still yields a working toolkit. All failures
here surface as warnings in the summary.
*/
package deps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// criticalPackages must be present before the gated artifacts install:
// skai and skii carry the fingerprinting and license hooks the
// artifacts import at setup time. They are installed first, with
// --upgrade, so a stale copy never shadows a fresh install.
var criticalPackages = []string{"skai", "skii", "typing_extensions", "typing-extensions"}

// fallbackManifest is used when the remote manifest cannot be fetched.
var fallbackManifest = []string{
	"skai",
	"skii",
	"typing_extensions",
	"pandas",
	"numpy",
	"requests",
	"beautifulsoup4",
	"openpyxl",
	"seaborn",
}

// fallbackManifestNotebook is the reduced set for hosted notebooks,
// which ship most scientific packages preinstalled.
var fallbackManifestNotebook = []string{
	"skai",
	"skii",
	"typing_extensions",
}

// errorIndicators are scanned in tool output. uv and pip can exit zero
// while individual packages failed, so the exit code alone is not
// trusted.
var errorIndicators = []string{
	"ModuleNotFoundError",
	"ImportError",
	"ERROR",
	"FAILED",
	"Could not install",
}

// Outcome summarizes a dependency installation.
type Outcome struct {
	// OK is false when a batch failed outright or its output carried
	// error indicators. Never escalated to a fatal error by callers.
	OK bool

	// Reasons holds one entry per detected problem.
	Reasons []string

	// UsedFallbackManifest is true when the remote manifest was
	// unreachable.
	UsedFallbackManifest bool

	// Requested is the number of requirement lines attempted.
	Requested int
}

// Installer installs the dependency manifest into a runtime.
type Installer interface {
	Install(ctx context.Context, python string, ephemeral bool) Outcome
}

// DefaultInstaller implements Installer using uv, with a pip fallback
// when uv could not be bootstrapped.
type DefaultInstaller struct {
	pm  proc.ProcessManager
	log *logging.Logger

	manifestURL   string
	extraIndexURL string

	// uv resolves the uv executable; empty means install via pip.
	uv func() string

	http *http.Client
}

// NewDefaultInstaller creates a dependency installer.
func NewDefaultInstaller(pm proc.ProcessManager, log *logging.Logger, manifestURL, extraIndexURL string, uvCmd func() string) *DefaultInstaller {
	return &DefaultInstaller{
		pm:            pm,
		log:           log,
		manifestURL:   manifestURL,
		extraIndexURL: extraIndexURL,
		uv:            uvCmd,
		http:          &http.Client{},
	}
}

// Install fetches the manifest and installs it in two batches: critical
// packages first (with --upgrade), then everything else.
func (d *DefaultInstaller) Install(ctx context.Context, python string, ephemeral bool) Outcome {
	outcome := Outcome{OK: true}

	reqs, fromFallback := d.fetchManifest(ctx, ephemeral)
	outcome.UsedFallbackManifest = fromFallback
	outcome.Requested = len(reqs)
	if len(reqs) == 0 {
		outcome.OK = false
		outcome.Reasons = append(outcome.Reasons, "empty dependency manifest")
		return outcome
	}

	critical, rest := partitionCritical(reqs)

	batchTimeout := timeouts.BatchInstall
	if ephemeral {
		batchTimeout = timeouts.BatchInstallNotebook
	}

	if len(critical) > 0 {
		if reason := d.installBatch(ctx, python, critical, true, batchTimeout); reason != "" {
			outcome.OK = false
			outcome.Reasons = append(outcome.Reasons, reason)
		}
	}
	if len(rest) > 0 {
		if reason := d.installBatch(ctx, python, rest, false, batchTimeout); reason != "" {
			outcome.OK = false
			outcome.Reasons = append(outcome.Reasons, reason)
		}
	}
	return outcome
}

// fetchManifest downloads the requirements list, degrading to the
// hardcoded fallback on any failure.
func (d *DefaultInstaller) fetchManifest(ctx context.Context, ephemeral bool) ([]string, bool) {
	fallback := fallbackManifest
	if ephemeral {
		fallback = fallbackManifestNotebook
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeouts.ManifestFetch)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.manifestURL, nil)
	if err != nil {
		return fallback, true
	}
	resp, err := d.http.Do(req)
	if err != nil {
		d.log.Warn("manifest fetch failed, using fallback list", "error", err.Error())
		return fallback, true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.log.Warn("manifest fetch returned non-200, using fallback list", "status", resp.StatusCode)
		return fallback, true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fallback, true
	}

	reqs := ParseManifest(string(body))
	if len(reqs) == 0 {
		return fallback, true
	}
	return reqs, false
}

// ParseManifest extracts requirement lines, skipping blanks, comments,
// and pip option lines.
func ParseManifest(body string) []string {
	var reqs []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "--") {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs
}

// partitionCritical splits requirements into the critical set and the
// remainder, preserving manifest order within each group. Core
// stockkit packages sort ahead of the rest of the remainder.
func partitionCritical(reqs []string) (critical, rest []string) {
	var core, other []string
	for _, req := range reqs {
		name := requirementName(req)
		switch {
		case isCritical(name):
			critical = append(critical, req)
		case strings.HasPrefix(name, "stockkit"):
			core = append(core, req)
		default:
			other = append(other, req)
		}
	}
	rest = append(core, other...)
	return critical, rest
}

func isCritical(name string) bool {
	for _, c := range criticalPackages {
		if name == c {
			return true
		}
	}
	return false
}

// requirementName strips version specifiers and extras from a
// requirement line.
func requirementName(req string) string {
	name := strings.ToLower(strings.TrimSpace(req))
	for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	return name
}

// installBatch runs one install command and classifies the result.
// Returns an empty string on success, otherwise the warning reason.
func (d *DefaultInstaller) installBatch(ctx context.Context, python string, pkgs []string, upgrade bool, timeout time.Duration) string {
	args := d.commandArgs(python, pkgs, upgrade)

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := d.pm.RunCapture(batchCtx, args[0], args[1:]...)
	if err != nil {
		d.log.Warn("dependency batch failed", "packages", len(pkgs), "error", err.Error())
		return fmt.Sprintf("batch of %d packages failed: %v", len(pkgs), err)
	}

	if reason := ClassifyBatchOutcome(string(stdout), string(stderr)); reason != "" {
		d.log.Warn("dependency batch output flagged", "reason", reason)
		return reason
	}
	return ""
}

// commandArgs builds the install command: uv when available, otherwise
// plain pip through the target interpreter.
func (d *DefaultInstaller) commandArgs(python string, pkgs []string, upgrade bool) []string {
	var args []string
	if uvCmd := d.uv(); uvCmd != "" {
		args = []string{uvCmd, "pip", "install", "--python", python, "-q"}
	} else {
		args = []string{python, "-m", "pip", "install", "-q"}
	}
	if upgrade {
		args = append(args, "--upgrade")
	}
	if d.extraIndexURL != "" {
		args = append(args, "--extra-index-url", d.extraIndexURL)
	}
	return append(args, pkgs...)
}

// ClassifyBatchOutcome scans installer output for error indicators.
// Returns an empty string when the output looks clean, otherwise a
// short reason naming the first indicator found.
func ClassifyBatchOutcome(stdout, stderr string) string {
	combined := stdout + "\n" + stderr
	for _, indicator := range errorIndicators {
		if strings.Contains(combined, indicator) {
			return fmt.Sprintf("installer output contains %q", indicator)
		}
	}
	return ""
}
