// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package envprobe classifies the execution environment the installer
runs in.

The classification drives two decisions downstream: whether an isolated
Python runtime may be created, and whether local storage survives the
session (hosted notebooks recycle their filesystem, so install records
must be mirrored to durable storage).
*/
package envprobe

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Context is the detected execution environment class.
type Context string

const (
	LocalInteractive        Context = "local-interactive"
	LocalNonInteractive     Context = "local-non-interactive"
	EphemeralHostedNotebook Context = "hosted-notebook"
	ContainerizedCI         Context = "containerized-ci"
)

// Capabilities describes what the detected environment supports.
type Capabilities struct {
	Context Context

	// CanCreateIsolatedRuntime is false in hosted notebooks and CI,
	// where the ambient interpreter is the only sensible target.
	CanCreateIsolatedRuntime bool

	// StorageIsPersistent is false in hosted notebooks; their
	// filesystem is recycled between sessions.
	StorageIsPersistent bool

	// PreferredInterpreter is the python executable to target when no
	// isolated runtime is created.
	PreferredInterpreter string
}

// notebookSentinelDir marks a hosted notebook even when the release-tag
// env var is absent.
const notebookSentinelDir = "/content"

// Detect classifies the current environment.
func Detect() Capabilities {
	tty := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	return detect(os.Getenv, dirExists(notebookSentinelDir), tty)
}

// detect is the seam for tests; Detect wires in the real environment.
//
// Detection order matters: hosted-notebook markers are checked before CI
// markers because notebook providers also set generic CI-ish variables,
// and both are checked before the terminal probe.
func detect(getenv func(string) string, notebookDirPresent, stdinIsTTY bool) Capabilities {
	if getenv("COLAB_RELEASE_TAG") != "" || notebookDirPresent {
		return Capabilities{
			Context:                  EphemeralHostedNotebook,
			CanCreateIsolatedRuntime: false,
			StorageIsPersistent:      false,
			PreferredInterpreter:     "python3",
		}
	}

	for _, key := range []string{"CODESPACES", "GITHUB_ACTIONS", "CI"} {
		if getenv(key) != "" {
			return Capabilities{
				Context:                  ContainerizedCI,
				CanCreateIsolatedRuntime: false,
				StorageIsPersistent:      true,
				PreferredInterpreter:     "python3",
			}
		}
	}

	ctx := LocalNonInteractive
	if stdinIsTTY {
		ctx = LocalInteractive
	}
	return Capabilities{
		Context:                  ctx,
		CanCreateIsolatedRuntime: true,
		StorageIsPersistent:      true,
		PreferredInterpreter:     "python3",
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsInteractive reports whether the probe ran on a controlling terminal.
func (c Capabilities) IsInteractive() bool {
	return c.Context == LocalInteractive
}

// IsEphemeral reports whether local storage is lost at session end.
func (c Capabilities) IsEphemeral() bool {
	return !c.StorageIsPersistent
}
