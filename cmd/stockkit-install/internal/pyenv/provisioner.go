// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package pyenv provisions the Python runtime the StockKit packages are
installed into, and bootstraps the uv package manager that performs the
installs.

Runtime provisioning never fails the installation: every failure path
degrades to the ambient interpreter with a recorded reason, because a
working install into the ambient environment beats no install at all.
*/
package pyenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/envprobe"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// RuntimeSource records how the runtime handle was obtained.
type RuntimeSource string

const (
	SourceReused  RuntimeSource = "reused"
	SourceCreated RuntimeSource = "created"
	SourceAmbient RuntimeSource = "ambient"
)

// RuntimeHandle is the resolved installation target.
type RuntimeHandle struct {
	// Python is the interpreter executable inside the target runtime.
	Python string

	// Isolated is true when the target is a dedicated virtual
	// environment rather than the ambient interpreter.
	Isolated bool

	Source RuntimeSource

	// FallbackReason is set when an isolated runtime was wanted but the
	// ambient interpreter was used instead.
	FallbackReason string
}

// Provisioner resolves the Python runtime to install into.
type Provisioner interface {
	// Provision returns a usable runtime handle. It never returns an
	// error: isolation failures degrade to the ambient interpreter.
	Provision(ctx context.Context, caps envprobe.Capabilities, venvPath string) RuntimeHandle
}

// DefaultProvisioner implements Provisioner with uv-created venvs.
type DefaultProvisioner struct {
	pm  proc.ProcessManager
	log *logging.Logger

	// uv resolves the uv executable; wired to Bootstrap.UVCommand.
	uv func() string

	// systemOnly forces the ambient interpreter (STOCKKIT_VENV_TYPE=system).
	systemOnly bool
}

// NewDefaultProvisioner creates a provisioner. uvCmd supplies the
// resolved uv executable at provision time (empty means unavailable).
func NewDefaultProvisioner(pm proc.ProcessManager, log *logging.Logger, uvCmd func() string, systemOnly bool) *DefaultProvisioner {
	return &DefaultProvisioner{pm: pm, log: log, uv: uvCmd, systemOnly: systemOnly}
}

// Provision resolves the installation runtime.
//
// A healthy existing venv is reused as-is; its interpreter version is
// not checked. An unhealthy venv directory is deleted and recreated.
// Creation failure falls back to the ambient interpreter with a warning.
func (p *DefaultProvisioner) Provision(ctx context.Context, caps envprobe.Capabilities, venvPath string) RuntimeHandle {
	if p.systemOnly {
		return p.ambient(caps, "isolation disabled by configuration", false)
	}
	if !caps.CanCreateIsolatedRuntime {
		return p.ambient(caps, fmt.Sprintf("environment %s does not support isolated runtimes", caps.Context), false)
	}

	python := venvPython(venvPath)
	if _, err := os.Stat(python); err == nil {
		p.log.Info("reusing existing virtual environment", "path", venvPath)
		return RuntimeHandle{Python: python, Isolated: true, Source: SourceReused}
	}

	// A directory without a working interpreter is a broken venv. Remove
	// it before recreating so uv starts from a clean slate.
	if _, err := os.Stat(venvPath); err == nil {
		p.log.Warn("removing unhealthy virtual environment", "path", venvPath)
		if err := os.RemoveAll(venvPath); err != nil {
			return p.ambient(caps, fmt.Sprintf("could not remove broken venv: %v", err), true)
		}
	}

	uvCmd := p.uv()
	if uvCmd == "" {
		return p.ambient(caps, "uv unavailable for venv creation", true)
	}

	createCtx, cancel := context.WithTimeout(ctx, timeouts.ToolBootstrap)
	defer cancel()
	if _, err := p.pm.Run(createCtx, uvCmd, "venv", venvPath, "--python", caps.PreferredInterpreter); err != nil {
		return p.ambient(caps, fmt.Sprintf("venv creation failed: %v", err), true)
	}

	p.log.Info("created virtual environment", "path", venvPath)
	return RuntimeHandle{Python: python, Isolated: true, Source: SourceCreated}
}

// ambient resolves the ambient interpreter. warn distinguishes real
// fallbacks from deliberate system installs.
func (p *DefaultProvisioner) ambient(caps envprobe.Capabilities, reason string, warn bool) RuntimeHandle {
	python := caps.PreferredInterpreter
	if resolved, err := p.pm.LookPath(python); err == nil {
		python = resolved
	} else if resolved, err := p.pm.LookPath("python"); err == nil {
		python = resolved
	}
	if warn {
		p.log.Warn("falling back to ambient interpreter", "reason", reason)
	}
	return RuntimeHandle{
		Python:         python,
		Isolated:       false,
		Source:         SourceAmbient,
		FallbackReason: reason,
	}
}

// venvPython returns the interpreter path inside a venv for this OS.
func venvPython(venvPath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "python.exe")
	}
	return filepath.Join(venvPath, "bin", "python")
}

// Compile-time interface compliance check.
var _ Provisioner = (*DefaultProvisioner)(nil)
