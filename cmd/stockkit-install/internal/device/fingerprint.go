// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package device derives a stable fingerprint identifying the machine to
the entitlement service.

The fingerprint feeds device registration and per-device license limits,
so it must be stable across runs on the same machine and should never be
empty. Resolution walks a fallback chain from the strongest identifier
(the OS hardware UUID) down to a timestamp-seeded composite that is only
reached when the machine exposes neither a hardware identifier nor a
hostname/user pair.
*/
package device

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// Source identifies which rung of the fallback chain produced the
// fingerprint.
type Source string

const (
	SourceHardware  Source = "hardware"
	SourceComposite Source = "composite"
	SourceTimestamp Source = "timestamp"
)

// Identity is a resolved device fingerprint plus the descriptive fields
// the entitlement service wants alongside it.
type Identity struct {
	Fingerprint string
	Source      Source
	DeviceName  string
	OSType      string
	OSVersion   string
}

// Fingerprinter resolves the machine's device identity.
type Fingerprinter interface {
	// Resolve returns the device identity. The fingerprint is memoized:
	// repeated calls within one process return the same value.
	Resolve(ctx context.Context) Identity
}

// DefaultFingerprinter implements Fingerprinter against the real OS.
type DefaultFingerprinter struct {
	pm  proc.ProcessManager
	log *logging.Logger

	// machineIDPaths are the files probed for a hardware identifier on
	// Linux, in order.
	machineIDPaths []string

	once   sync.Once
	cached Identity
}

// NewDefaultFingerprinter creates a fingerprinter using the given
// process manager for subprocess probes.
func NewDefaultFingerprinter(pm proc.ProcessManager, log *logging.Logger) *DefaultFingerprinter {
	return &DefaultFingerprinter{
		pm:  pm,
		log: log,
		machineIDPaths: []string{
			"/etc/machine-id",
			"/var/lib/dbus/machine-id",
		},
	}
}

// Resolve returns the device identity, walking the fallback chain on
// first call.
func (f *DefaultFingerprinter) Resolve(ctx context.Context) Identity {
	f.once.Do(func() {
		f.cached = f.resolve(ctx)
	})
	return f.cached
}

func (f *DefaultFingerprinter) resolve(ctx context.Context) Identity {
	id := Identity{
		DeviceName: hostname(),
		OSType:     runtime.GOOS,
		OSVersion:  f.osVersion(ctx),
	}

	if hw, err := f.hardwareUUID(ctx); err == nil && hw != "" {
		id.Fingerprint = hw
		id.Source = SourceHardware
		f.log.Debug("device fingerprint resolved", "source", "hardware")
		return id
	} else if err != nil {
		f.log.Debug("hardware identifier unavailable", "error", err.Error())
	}

	if comp := f.composite(); comp != "" {
		id.Fingerprint = comp
		id.Source = SourceComposite
		f.log.Debug("device fingerprint resolved", "source", "composite")
		return id
	}

	// Last resort. Unstable across runs: a machine landing here will
	// register as a new device each install and can exhaust its device
	// limit. Known gap, surfaced as a warning.
	id.Fingerprint = fmt.Sprintf("%s-%s-%d", osPrefix(), hostname(), time.Now().Unix())
	id.Source = SourceTimestamp
	f.log.Warn("device fingerprint fell back to timestamp composite; identity will not be stable across runs")
	return id
}

// hardwareUUID probes the OS for a hardware-backed machine identifier.
func (f *DefaultFingerprinter) hardwareUUID(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range f.machineIDPaths {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
		return "", fmt.Errorf("no machine-id file readable")
	case "darwin":
		probeCtx, cancel := context.WithTimeout(ctx, timeouts.HardwareProbe)
		defer cancel()
		out, err := f.pm.Run(probeCtx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if err != nil {
			return "", fmt.Errorf("ioreg probe failed: %w", err)
		}
		if id := parseIOPlatformUUID(string(out)); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("IOPlatformUUID not present in ioreg output")
	case "windows":
		probeCtx, cancel := context.WithTimeout(ctx, timeouts.HardwareProbe)
		defer cancel()
		out, err := f.pm.Run(probeCtx, "wmic", "csproduct", "get", "uuid")
		if err != nil {
			return "", fmt.Errorf("wmic probe failed: %w", err)
		}
		if id := parseWmicUUID(string(out)); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("no UUID in wmic output")
	default:
		return "", fmt.Errorf("no hardware identifier probe for %s", runtime.GOOS)
	}
}

// composite builds the hostname+user identifier, e.g. "LNX-build01-ci".
func (f *DefaultFingerprinter) composite() string {
	host := hostname()
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return ""
	}
	// Strip the DOMAIN\ prefix Windows puts on usernames.
	name := u.Username
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return fmt.Sprintf("%s-%s-%s", osPrefix(), host, name)
}

// osVersion returns a best-effort OS version string for the
// registration payload. Failures degrade to the bare GOOS name.
func (f *DefaultFingerprinter) osVersion(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, timeouts.HardwareProbe)
	defer cancel()

	switch runtime.GOOS {
	case "linux":
		if out, err := f.pm.Run(probeCtx, "uname", "-r"); err == nil {
			return strings.TrimSpace(string(out))
		}
	case "darwin":
		if out, err := f.pm.Run(probeCtx, "sw_vers", "-productVersion"); err == nil {
			return strings.TrimSpace(string(out))
		}
	case "windows":
		if out, err := f.pm.Run(probeCtx, "cmd", "/c", "ver"); err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	return runtime.GOOS
}

func parseIOPlatformUUID(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		// "IOPlatformUUID" = "XXXXXXXX-XXXX-..."
		parts := strings.Split(line, "\"")
		if len(parts) >= 4 {
			return strings.TrimSpace(parts[3])
		}
	}
	return ""
}

func parseWmicUUID(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "UUID") {
			continue
		}
		return line
	}
	return ""
}

func osPrefix() string {
	switch runtime.GOOS {
	case "linux":
		return "LNX"
	case "darwin":
		return "MAC"
	case "windows":
		return "WIN"
	default:
		return strings.ToUpper(runtime.GOOS)
	}
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-host"
	}
	return host
}

// Compile-time interface compliance check.
var _ Fingerprinter = (*DefaultFingerprinter)(nil)
