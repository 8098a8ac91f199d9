// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package proc abstracts external process execution for the installer.

Every subprocess the installer launches (hardware probes, uv, python,
pip) goes through ProcessManager so unit tests can simulate tool output
without real processes.
*/
package proc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ProcessManager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context. Callers are expected to bound
// every invocation with a timeout; a cancelled context kills the child.
type ProcessManager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Stdout output
	//   - error: Non-nil if command fails or is cancelled; stderr is
	//     folded into the error message for debugging
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunCapture executes a command and returns stdout and stderr
	// separately. Used where the caller needs to scan tool output for
	// error indicators even on a zero exit code.
	//
	// # Outputs
	//
	//   - stdout, stderr: Captured streams, valid even when err is non-nil
	//   - error: The exec error (exit status, context deadline, start failure)
	RunCapture(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

	// LookPath reports the absolute path of an executable, or an error
	// if it is not on PATH.
	LookPath(name string) (string, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements ProcessManager using os/exec.
//
// This is the production implementation. Use MockProcessManager in tests.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a ProcessManager that executes real
// processes using os/exec.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Include stderr in error for debugging
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	return stdout.Bytes(), nil
}

// RunCapture executes a command and returns both output streams.
func (pm *DefaultProcessManager) RunCapture(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// LookPath reports the absolute path of an executable.
func (pm *DefaultProcessManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it will panic.
type MockProcessManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunCaptureFunc is called when RunCapture is invoked
	RunCaptureFunc func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

	// LookPathFunc is called when LookPath is invoked
	LookPathFunc func(name string) (string, error)

	// Calls records all method invocations for verification
	Calls []Call

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// Call records a single method invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record("Run", name, args)
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunCapture delegates to RunCaptureFunc and records the call.
func (m *MockProcessManager) RunCapture(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	m.record("RunCapture", name, args)
	if m.RunCaptureFunc == nil {
		panic("MockProcessManager.RunCaptureFunc not set")
	}
	return m.RunCaptureFunc(ctx, name, args...)
}

// LookPath delegates to LookPathFunc and records the call.
func (m *MockProcessManager) LookPath(name string) (string, error) {
	m.record("LookPath", name, nil)
	if m.LookPathFunc == nil {
		panic("MockProcessManager.LookPathFunc not set")
	}
	return m.LookPathFunc(name)
}

func (m *MockProcessManager) record(method, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Method: method, Name: name, Args: args})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
