// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func envWith(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestDetectHostedNotebookByEnv(t *testing.T) {
	caps := detect(envWith(map[string]string{"COLAB_RELEASE_TAG": "release-colab-20250801"}), false, false)

	assert.Equal(t, EphemeralHostedNotebook, caps.Context)
	assert.False(t, caps.CanCreateIsolatedRuntime)
	assert.True(t, caps.IsEphemeral())
}

func TestDetectHostedNotebookBySentinelDir(t *testing.T) {
	caps := detect(envWith(nil), true, false)
	assert.Equal(t, EphemeralHostedNotebook, caps.Context)
}

func TestNotebookWinsOverCI(t *testing.T) {
	// Notebook providers also set CI-ish variables; the notebook
	// classification must win.
	caps := detect(envWith(map[string]string{
		"COLAB_RELEASE_TAG": "release",
		"CI":                "true",
	}), false, false)
	assert.Equal(t, EphemeralHostedNotebook, caps.Context)
}

func TestDetectCI(t *testing.T) {
	for _, key := range []string{"CODESPACES", "GITHUB_ACTIONS", "CI"} {
		caps := detect(envWith(map[string]string{key: "true"}), false, false)
		assert.Equal(t, ContainerizedCI, caps.Context, "marker %s", key)
		assert.False(t, caps.CanCreateIsolatedRuntime)
		assert.True(t, caps.StorageIsPersistent)
	}
}

func TestDetectLocal(t *testing.T) {
	interactive := detect(envWith(nil), false, true)
	assert.Equal(t, LocalInteractive, interactive.Context)
	assert.True(t, interactive.IsInteractive())
	assert.True(t, interactive.CanCreateIsolatedRuntime)

	headless := detect(envWith(nil), false, false)
	assert.Equal(t, LocalNonInteractive, headless.Context)
	assert.False(t, headless.IsInteractive())
	assert.True(t, headless.CanCreateIsolatedRuntime)
}
