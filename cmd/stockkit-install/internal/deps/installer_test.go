// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func okPM() *proc.MockProcessManager {
	return &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return []byte("Installed 9 packages"), nil, nil
		},
	}
}

func TestParseManifest(t *testing.T) {
	body := `# StockKit dependency manifest
--extra-index-url https://pypi.org/simple

pandas>=2.0
skai
stockkit-compat==1.2

numpy`
	reqs := ParseManifest(body)
	assert.Equal(t, []string{"pandas>=2.0", "skai", "stockkit-compat==1.2", "numpy"}, reqs)
}

func TestPartitionCritical(t *testing.T) {
	reqs := []string{"pandas>=2.0", "skai", "stockkit-compat==1.2", "numpy", "skii", "typing_extensions"}
	critical, rest := partitionCritical(reqs)

	assert.Equal(t, []string{"skai", "skii", "typing_extensions"}, critical)
	// Core stockkit packages lead the remainder.
	assert.Equal(t, []string{"stockkit-compat==1.2", "pandas>=2.0", "numpy"}, rest)
}

func TestRequirementName(t *testing.T) {
	assert.Equal(t, "pandas", requirementName("pandas>=2.0"))
	assert.Equal(t, "skai", requirementName("skai"))
	assert.Equal(t, "stockkit", requirementName("stockkit[full]==3.2"))
	assert.Equal(t, "numpy", requirementName("Numpy ; python_version < '3.12'"))
}

func TestClassifyBatchOutcome(t *testing.T) {
	assert.Empty(t, ClassifyBatchOutcome("Installed 12 packages", ""))
	assert.Contains(t, ClassifyBatchOutcome("", "ERROR: no matching distribution"), "ERROR")
	assert.Contains(t, ClassifyBatchOutcome("ModuleNotFoundError: no module named skai", ""), "ModuleNotFoundError")
	assert.Contains(t, ClassifyBatchOutcome("", "Could not install packages due to OSError"), "Could not install")
}

func TestInstallOrdersCriticalFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pandas\nskai\nstockkit-compat\nskii\n"))
	}))
	defer srv.Close()

	pm := okPM()
	d := NewDefaultInstaller(pm, testLogger(), srv.URL, "https://pypi.org/simple", func() string { return "/usr/bin/uv" })

	outcome := d.Install(context.Background(), "/venv/bin/python", false)
	require.True(t, outcome.OK)
	assert.False(t, outcome.UsedFallbackManifest)
	assert.Equal(t, 4, outcome.Requested)

	calls := pm.GetCalls()
	require.Len(t, calls, 2)

	// First batch: critical packages, upgraded.
	assert.Equal(t, "/usr/bin/uv", calls[0].Name)
	assert.Contains(t, calls[0].Args, "--upgrade")
	assert.Contains(t, calls[0].Args, "skai")
	assert.Contains(t, calls[0].Args, "skii")
	assert.NotContains(t, calls[0].Args, "pandas")

	// Second batch: the rest, no upgrade flag.
	assert.NotContains(t, calls[1].Args, "--upgrade")
	assert.Contains(t, calls[1].Args, "pandas")
	assert.Contains(t, calls[1].Args, "stockkit-compat")
}

func TestInstallUsesFallbackManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDefaultInstaller(okPM(), testLogger(), srv.URL, "", func() string { return "uv" })
	outcome := d.Install(context.Background(), "python3", false)

	assert.True(t, outcome.OK)
	assert.True(t, outcome.UsedFallbackManifest)
	assert.Equal(t, len(fallbackManifest), outcome.Requested)
}

func TestInstallNotebookFallbackIsSmaller(t *testing.T) {
	d := NewDefaultInstaller(okPM(), testLogger(), "http://127.0.0.1:1/requirements.txt", "", func() string { return "uv" })
	outcome := d.Install(context.Background(), "python3", true)

	assert.True(t, outcome.UsedFallbackManifest)
	assert.Equal(t, len(fallbackManifestNotebook), outcome.Requested)
}

func TestInstallBatchFailureIsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pandas\n"))
	}))
	defer srv.Close()

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, []byte("resolver panic"), errors.New("exit status 2")
		},
	}
	d := NewDefaultInstaller(pm, testLogger(), srv.URL, "", func() string { return "uv" })
	outcome := d.Install(context.Background(), "python3", false)

	assert.False(t, outcome.OK)
	require.NotEmpty(t, outcome.Reasons)
	assert.Contains(t, outcome.Reasons[0], "failed")
}

func TestInstallDetectsIndicatorsDespiteZeroExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pandas\n"))
	}))
	defer srv.Close()

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return []byte("ERROR: failed to build wheel"), nil, nil
		},
	}
	d := NewDefaultInstaller(pm, testLogger(), srv.URL, "", func() string { return "uv" })
	outcome := d.Install(context.Background(), "python3", false)

	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reasons[0], "ERROR")
}

func TestCommandArgsPipFallback(t *testing.T) {
	d := NewDefaultInstaller(okPM(), testLogger(), "", "", func() string { return "" })
	args := d.commandArgs("/venv/bin/python", []string{"pandas"}, false)

	assert.Equal(t, "/venv/bin/python", args[0])
	assert.Contains(t, args, "-m")
	assert.Contains(t, args, "pip")
}
