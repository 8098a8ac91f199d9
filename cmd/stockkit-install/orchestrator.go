// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/artifact"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/deps"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/device"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/envprobe"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/pyenv"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/state"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
	"github.com/stockkit-hq/installer/pkg/ux"
)

// ErrToolBootstrap means uv could not be acquired after every fallback.
// Fatal for the whole run, raised before any registration call.
var ErrToolBootstrap = errors.New("package manager bootstrap failed")

// Options are the per-run orchestrator settings.
type Options struct {
	APIKeyFlag     string
	NonInteractive bool
	Language       string
	SkipRegister   bool
	VenvPath       string
	WebhookURL     string

	// ArtifactDelay overrides the pause between artifact installs;
	// zero means the default.
	ArtifactDelay time.Duration
}

// Orchestrator drives the installation sequence. Each collaborator is
// an interface so tests can run the full sequence without a network or
// a Python toolchain.
type Orchestrator struct {
	console *ux.Console
	log     *logging.Logger
	pm      proc.ProcessManager

	store  *state.Store
	backup *state.BackupManager
	creds  *CredentialManager

	fingerprinter device.Fingerprinter
	client        entitlement.Client
	bootstrap     pyenv.Bootstrap
	provisioner   pyenv.Provisioner
	deps          deps.Installer
	artifacts     artifact.Installer

	caps envprobe.Capabilities
	opts Options
}

// Run executes the full installation sequence.
//
// A non-nil error means the run aborted before or during the artifact
// phase; a nil error with summary.Success() == false means individual
// artifacts failed while the rest installed.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:       state.NewRunID(),
		StartedAt:   time.Now(),
		Environment: o.caps.Context,
		LogFile:     o.log.LogFilePath(),
	}
	record := state.InstallRecord{
		RunID:       summary.RunID,
		Timestamp:   summary.StartedAt.UTC(),
		Environment: string(o.caps.Context),
	}

	totalSteps := 6

	// Phase 0: in ephemeral environments, pull back whatever the last
	// session saved before making any decisions.
	if o.caps.IsEphemeral() {
		o.backup.RestoreFromDurable(o.sitePackagesDir(ctx, o.caps.PreferredInterpreter))
	}

	// Phase 1: tooling and runtime. uv is required for everything that
	// follows, so its absence aborts here, before any registration call
	// could consume a device slot.
	o.console.Step(1, totalSteps, "Preparing Python runtime")
	if !o.bootstrap.EnsureUV(ctx, o.caps.PreferredInterpreter) {
		o.console.Error("uv could not be bootstrapped")
		return summary, ErrToolBootstrap
	}

	runtime := o.provisioner.Provision(ctx, o.caps, o.opts.VenvPath)
	summary.Runtime = runtime
	record.Python = runtime.Python
	record.Isolated = runtime.Isolated
	if runtime.FallbackReason != "" {
		summary.Warn("ambient interpreter in use: " + runtime.FallbackReason)
	}
	o.console.Success("Runtime ready: " + runtime.Python)
	o.flush(record)

	// Phase 2: open dependencies, critical helpers first. Problems here
	// are warnings; the artifacts carry their own requirements.
	o.console.Step(2, totalSteps, "Installing dependencies")
	depsOutcome := o.deps.Install(ctx, runtime.Python, o.caps.IsEphemeral())
	summary.DepsOutcome = depsOutcome
	record.DepsOK = depsOutcome.OK
	record.DepsReasons = depsOutcome.Reasons
	if depsOutcome.OK {
		o.console.Success(fmt.Sprintf("%d dependencies installed", depsOutcome.Requested))
	} else {
		o.console.Warning("Dependency install finished with warnings")
	}
	o.flush(record)

	// Phase 3: credentials and device identity. The fingerprint is
	// resolved only after the helper packages are in place, so it is the
	// same identity a later re-registration would compute.
	o.console.Step(3, totalSteps, "Checking credentials")
	if err := o.creds.Resolve(o.opts.APIKeyFlag, o.store, o.caps.IsInteractive() && !o.opts.NonInteractive); err != nil {
		o.console.Error("No API key found. Pass --api-key or set STOCKKIT_API_KEY.")
		return summary, err
	}

	id := o.fingerprinter.Resolve(ctx)
	record.DeviceID = id.Fingerprint
	record.DeviceIDSrc = string(id.Source)
	o.flush(record)

	// Phase 4: device registration.
	o.console.Step(4, totalSteps, "Registering device")
	if o.opts.SkipRegister {
		o.console.Info("Registration skipped by configuration")
	} else {
		reg, err := o.register(ctx, id)
		switch {
		case errors.Is(err, entitlement.ErrDeviceLimitExceeded), errors.Is(err, entitlement.ErrAuthFailed):
			// Authoritative rejections abort before anything installs.
			o.console.Error(err.Error())
			return summary, err
		case err != nil:
			// The service being down should not block a reinstall on an
			// already-registered device.
			summary.Warn(fmt.Sprintf("device registration unavailable: %v", err))
			o.console.Warning("Registration unavailable, continuing")
		default:
			summary.Registration = reg
			summary.Registered = true
			record.Tier = reg.Tier
			o.console.Success(fmt.Sprintf("Device registered (%s tier, %d/%d devices)", reg.Tier, reg.DevicesUsed, reg.DeviceLimit))
		}
	}
	if err := o.creds.Persist(o.store); err != nil {
		o.log.Warn("could not persist API key", "error", err.Error())
	}
	o.flush(record)

	// Phase 5: the gated artifacts.
	o.console.Step(5, totalSteps, "Installing StockKit packages")
	pkgs, err := o.listPackages(ctx)
	if err != nil {
		o.console.Error("Could not list accessible packages")
		return summary, err
	}
	if len(pkgs) == 0 {
		o.console.Warning("No packages accessible for this license")
	}

	preInstall := map[string]bool{}
	sitePkgs := ""
	if o.caps.IsEphemeral() {
		sitePkgs = o.sitePackagesDir(ctx, runtime.Python)
		preInstall = state.SnapshotPackages(sitePkgs)
	}

	prior := o.priorInstalls()
	delay := timeouts.EnforceDefault(o.opts.ArtifactDelay, timeouts.ArtifactDelay)
	installs := 0
	for _, pkg := range artifact.SortByDeclaredOrder(pkgs) {
		// Re-runs converge: an artifact the last record shows installed
		// at the offered version, and whose module still imports, is not
		// downloaded again. Presence heuristics only.
		if ver, ok := prior[pkg.Name]; ok && (pkg.Version == "" || ver == pkg.Version) && o.importProbe(ctx, runtime.Python, pkg.Name) {
			res := artifact.Result{
				Name:           pkg.Name,
				Version:        ver,
				Status:         artifact.StatusInstalled,
				Detail:         "present from a previous run",
				ImportVerified: true,
			}
			summary.Artifacts = append(summary.Artifacts, res)
			record.Artifacts = append(record.Artifacts, state.ArtifactRecord{
				Name:           res.Name,
				Version:        res.Version,
				Status:         string(res.Status),
				Detail:         res.Detail,
				ImportVerified: true,
			})
			o.flush(record)
			o.console.Info(pkg.Name + " already installed, skipping")
			continue
		}

		// The delay is backpressure on the entitlement service, so it
		// only separates runs that actually hit it.
		if installs > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return summary, ctx.Err()
			}
		}
		installs++

		res := o.installArtifact(ctx, id.Fingerprint, pkg, runtime.Python)
		summary.Artifacts = append(summary.Artifacts, res)
		record.Artifacts = append(record.Artifacts, state.ArtifactRecord{
			Name:           res.Name,
			Version:        res.Version,
			Status:         string(res.Status),
			Detail:         res.Detail,
			ImportVerified: res.ImportVerified,
		})
		o.flush(record)

		switch res.Status {
		case artifact.StatusInstalled:
			o.console.Success(pkg.Name + " installed")
		case artifact.StatusPrepared:
			o.console.Warning(pkg.Name + " prepared but not confirmed")
		default:
			o.console.Error(pkg.Name + " failed: " + res.Detail)
		}

		// A fresh foundational install rewires the licensing hooks, so
		// re-register to bind them to this device. Best-effort, and only
		// for genuinely new installs, never for skipped ones.
		if artifact.IsFoundational(pkg.Name) && res.Status == artifact.StatusInstalled && !o.opts.SkipRegister {
			if _, err := o.register(ctx, id); err != nil {
				o.log.Warn("post-install re-registration failed", "error", err.Error())
			}
		}
	}

	// Phase 6: wrap up. Everything here is best-effort.
	o.console.Step(6, totalSteps, "Finishing up")
	o.verifyCoreImports(ctx, runtime.Python, summary)

	if o.caps.IsEphemeral() {
		o.backup.BackupToDurable(ctx, sitePkgs, preInstall)
		summary.BackedUp = o.backup.DurableAvailable()
	}
	// The cloud mirror is keyed on configuration alone: CI runners have
	// persistent-within-the-job storage but still lose it at teardown.
	o.backup.MirrorToCloud(ctx)

	o.saveUserRecord(ctx)
	o.notifyWebhook(ctx, summary)

	record.Success = summary.Success()
	o.flush(record)
	return summary, nil
}

// register wraps RegisterDevice with the enclave-held key.
func (o *Orchestrator) register(ctx context.Context, id device.Identity) (entitlement.Registration, error) {
	var reg entitlement.Registration
	err := o.creds.WithKey(func(key string) error {
		var regErr error
		reg, regErr = o.client.RegisterDevice(ctx, key, id)
		return regErr
	})
	return reg, err
}

func (o *Orchestrator) listPackages(ctx context.Context) ([]entitlement.Package, error) {
	var pkgs []entitlement.Package
	err := o.creds.WithKey(func(key string) error {
		var listErr error
		pkgs, listErr = o.client.ListPackages(ctx, key)
		return listErr
	})
	return pkgs, err
}

func (o *Orchestrator) installArtifact(ctx context.Context, deviceID string, pkg entitlement.Package, python string) artifact.Result {
	var res artifact.Result
	err := o.creds.WithKey(func(key string) error {
		res = o.artifacts.Install(ctx, key, deviceID, pkg, python)
		return nil
	})
	if err != nil {
		res = artifact.Result{Name: pkg.Name, Status: artifact.StatusFailed, Detail: err.Error()}
	}
	return res
}

// priorInstalls maps artifact names to versions the last run's record
// shows as installed. An unreadable or absent record yields an empty
// map and a full install.
func (o *Orchestrator) priorInstalls() map[string]string {
	prior := map[string]string{}
	rec, err := o.store.LoadRecord()
	if err != nil {
		return prior
	}
	for _, a := range rec.Artifacts {
		if a.Status == string(artifact.StatusInstalled) {
			prior[a.Name] = a.Version
		}
	}
	return prior
}

// importProbe reports whether the module imports in the target runtime.
func (o *Orchestrator) importProbe(ctx context.Context, python, module string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.ImportCheck)
	defer cancel()
	_, err := o.pm.Run(checkCtx, python, "-c", "import "+module)
	return err == nil
}

// verifyCoreImports probes the foundational modules. Advisory: failures
// become summary warnings.
func (o *Orchestrator) verifyCoreImports(ctx context.Context, python string, summary *Summary) {
	installed := map[string]bool{}
	for _, a := range summary.Artifacts {
		installed[a.Name] = a.Status != artifact.StatusFailed
	}
	if !installed["stockkit"] {
		return
	}
	for _, module := range []string{"stockkit", "skai", "skii"} {
		if !o.importProbe(ctx, python, module) {
			summary.Warn(fmt.Sprintf("module %s did not import cleanly", module))
		}
	}
}

// sitePackagesDir asks the interpreter for its site-packages location.
func (o *Orchestrator) sitePackagesDir(ctx context.Context, python string) string {
	probeCtx, cancel := context.WithTimeout(ctx, timeouts.MinProcessTimeout)
	defer cancel()
	out, err := o.pm.Run(probeCtx, python, "-c", "import site; print(site.getsitepackages()[0])")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// saveUserRecord fetches the account profile for the product library.
func (o *Orchestrator) saveUserRecord(ctx context.Context) {
	err := o.creds.WithKey(func(key string) error {
		profile, err := o.client.FetchProfile(ctx, key)
		if err != nil {
			return err
		}
		o.store.SaveUserRecord(state.UserRecord{Username: profile.Username, Email: profile.Email})
		return nil
	})
	if err != nil {
		o.log.Debug("profile fetch skipped", "error", err.Error())
	}
}

// notifyWebhook posts a sanitized completion payload when
// STOCKKIT_WEBHOOK_URL is set. Never carries credentials.
func (o *Orchestrator) notifyWebhook(ctx context.Context, summary *Summary) {
	url := o.opts.WebhookURL
	if url == "" {
		url = os.Getenv("STOCKKIT_WEBHOOK_URL")
	}
	if url == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"run_id":      summary.RunID,
		"success":     summary.Success(),
		"environment": string(summary.Environment),
		"artifacts":   len(summary.Artifacts),
		"failed":      summary.FailedArtifacts(),
	})
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeouts.Webhook)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		o.log.Debug("webhook notification failed", "error", err.Error())
		return
	}
	resp.Body.Close()
}

// flush persists the record as it stands. Never fatal.
func (o *Orchestrator) flush(record state.InstallRecord) {
	o.store.RecordOutcome(record)
}
