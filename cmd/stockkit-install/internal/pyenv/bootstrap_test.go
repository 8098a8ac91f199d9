// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pyenv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
)

func TestEnsureUVFindsOnPath(t *testing.T) {
	pm := &proc.MockProcessManager{
		LookPathFunc: func(name string) (string, error) {
			return "/usr/bin/uv", nil
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "/usr/bin/uv" && args[0] == "--version" {
				return []byte("uv 0.5.1"), nil
			}
			return nil, errors.New("unexpected command")
		},
	}

	b := NewDefaultBootstrap(pm, testLogger())
	assert.True(t, b.EnsureUV(context.Background(), "python3"))
	assert.Equal(t, "/usr/bin/uv", b.UVCommand())
}

func TestEnsureUVFindsWellKnownLocation(t *testing.T) {
	pm := &proc.MockProcessManager{
		LookPathFunc: func(name string) (string, error) {
			return "", errors.New("not on PATH")
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "/home/dev/.cargo/bin/uv" {
				return []byte("uv 0.5.1"), nil
			}
			return nil, errors.New("no such file")
		},
	}

	b := NewDefaultBootstrap(pm, testLogger())
	b.wellKnownPaths = []string{"/home/dev/.local/bin/uv", "/home/dev/.cargo/bin/uv"}

	assert.True(t, b.EnsureUV(context.Background(), "python3"))
	assert.Equal(t, "/home/dev/.cargo/bin/uv", b.UVCommand())
}

func TestEnsureUVBootstrapsViaInstaller(t *testing.T) {
	installed := false
	pm := &proc.MockProcessManager{
		LookPathFunc: func(name string) (string, error) {
			return "", errors.New("not on PATH")
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "sh" {
				installed = true
				return nil, nil
			}
			if installed && name == "/home/dev/.local/bin/uv" {
				return []byte("uv 0.5.1"), nil
			}
			return nil, errors.New("no such file")
		},
	}

	b := NewDefaultBootstrap(pm, testLogger())
	b.wellKnownPaths = []string{"/home/dev/.local/bin/uv"}

	assert.True(t, b.EnsureUV(context.Background(), "python3"))
	assert.Equal(t, "/home/dev/.local/bin/uv", b.UVCommand())

	// The installer pipeline must have been invoked through sh -c.
	var sawScript bool
	for _, call := range pm.GetCalls() {
		if call.Name == "sh" && strings.Contains(strings.Join(call.Args, " "), "astral.sh") {
			sawScript = true
		}
	}
	assert.True(t, sawScript)
}

func TestEnsureUVFallsBackToPip(t *testing.T) {
	pipInstalled := false
	pm := &proc.MockProcessManager{
		LookPathFunc: func(name string) (string, error) {
			return "", errors.New("not on PATH")
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			switch {
			case name == "sh":
				return nil, errors.New("curl unavailable")
			case name == "python3" && args[1] == "pip":
				pipInstalled = true
				return nil, nil
			case pipInstalled && name == "/home/dev/.local/bin/uv":
				return []byte("uv 0.5.1"), nil
			}
			return nil, errors.New("no such file")
		},
	}

	b := NewDefaultBootstrap(pm, testLogger())
	b.wellKnownPaths = []string{"/home/dev/.local/bin/uv"}

	assert.True(t, b.EnsureUV(context.Background(), "python3"))
}

func TestEnsureUVExhausted(t *testing.T) {
	pm := &proc.MockProcessManager{
		LookPathFunc: func(name string) (string, error) {
			return "", errors.New("not on PATH")
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("everything is broken")
		},
	}

	b := NewDefaultBootstrap(pm, testLogger())
	b.wellKnownPaths = []string{"/nowhere/uv"}

	require.False(t, b.EnsureUV(context.Background(), "python3"))
	assert.Empty(t, b.UVCommand())
}
