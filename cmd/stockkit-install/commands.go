// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/config"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/gcs"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/artifact"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/deps"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/device"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/envprobe"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/pyenv"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/state"
	"github.com/stockkit-hq/installer/pkg/logging"
	"github.com/stockkit-hq/installer/pkg/ux"
)

// CLI exit codes.
const (
	CLIExitSuccess     = 0
	CLIExitFailure     = 1
	CLIExitInterrupted = 130
)

// errInstallIncomplete signals that some artifacts failed while the run
// itself completed. Carries no message of its own; the summary already
// told the user.
var errInstallIncomplete = errors.New("installation completed with failures")

var (
	flagAPIKey         string
	flagNonInteractive bool
	flagVerbose        bool
	flagLanguage       string
	flagJSON           bool
)

var rootCmd = &cobra.Command{
	Use:   "stockkit-install",
	Short: "Install the StockKit market-data toolkit",
	Long: `stockkit-install provisions a Python runtime, verifies your StockKit
license, and installs the toolkit packages your subscription covers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Load()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full installation (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last installation record and license validity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore state and packages from durable storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "StockKit API key (overrides env and stored key)")
	rootCmd.PersistentFlags().BoolVar(&flagNonInteractive, "non-interactive", false, "never prompt; fail when input would be needed")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug output on the console")
	rootCmd.PersistentFlags().StringVar(&flagLanguage, "language", "", "summary language (vi or en)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable summary on stdout")

	rootCmd.AddCommand(runCmd, statusCmd, restoreCmd)
}

// newLogger builds the run logger: console per flags, file always at
// debug under the config dir.
func newLogger() *logging.Logger {
	level := logging.LevelWarn
	if flagVerbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  filepath.Join(config.ConfigDir(), "logs"),
		Service: "installer",
		Quiet:   flagJSON,
	})
}

func language() string {
	if flagLanguage != "" {
		return flagLanguage
	}
	return config.Global.Output.Language
}

// buildOrchestrator wires the production collaborators.
func buildOrchestrator(ctx context.Context, log *logging.Logger, console *ux.Console) (*Orchestrator, error) {
	store, err := state.NewStore(config.ConfigDir(), log)
	if err != nil {
		return nil, err
	}

	var uploader state.Uploader
	if bucket := config.Global.Backup.GCSBucket; bucket != "" {
		client, err := gcs.NewClient(ctx, bucket, config.Global.Backup.CredentialsFile)
		if err != nil {
			log.Warn("cloud mirror disabled", "error", err.Error())
		} else {
			uploader = client
		}
	}

	pm := proc.NewDefaultProcessManager()
	bootstrap := pyenv.NewDefaultBootstrap(pm, log)
	client := entitlement.NewHTTPClient(config.Global.Service.BaseURL, log)

	return &Orchestrator{
		console:       console,
		log:           log,
		pm:            pm,
		store:         store,
		backup:        state.NewBackupManager(store, log, "", uploader),
		creds:         NewCredentialManager(log),
		fingerprinter: device.NewDefaultFingerprinter(pm, log),
		client:        client,
		bootstrap:     bootstrap,
		provisioner: pyenv.NewDefaultProvisioner(pm, log, bootstrap.UVCommand,
			config.Global.Runtime.VenvType == "system"),
		deps: deps.NewDefaultInstaller(pm, log,
			config.Global.Service.ManifestURL, config.Global.Service.ExtraIndexURL, bootstrap.UVCommand),
		artifacts: artifact.NewDefaultInstaller(pm, log, client, bootstrap.UVCommand),
		caps:      envprobe.Detect(),
		opts: Options{
			APIKeyFlag:     flagAPIKey,
			NonInteractive: flagNonInteractive,
			Language:       language(),
			SkipRegister:   config.Global.Runtime.SkipRegister,
			VenvPath:       config.Global.Runtime.VenvPath,
		},
	}, nil
}

func runInstall(ctx context.Context) error {
	log := newLogger()
	defer log.Close()
	console := ux.NewConsole(flagJSON)

	o, err := buildOrchestrator(ctx, log, console)
	if err != nil {
		return err
	}

	summary, runErr := o.Run(ctx)
	summary.Render(console, language())
	if flagJSON {
		if data, err := summary.JSON(); err == nil {
			fmt.Println(string(data))
		}
	}

	if runErr != nil {
		return runErr
	}
	if !summary.Success() {
		return errInstallIncomplete
	}
	return nil
}

func runStatus(ctx context.Context) error {
	log := newLogger()
	defer log.Close()
	console := ux.NewConsole(false)

	store, err := state.NewStore(config.ConfigDir(), log)
	if err != nil {
		return err
	}

	record, err := store.LoadRecord()
	if err != nil {
		console.Info("No installation record found. Run stockkit-install first.")
		return nil
	}

	console.Info(fmt.Sprintf("Last run %s (%s)", record.Timestamp.Format("2006-01-02 15:04"), record.Environment))
	for _, a := range record.Artifacts {
		switch a.Status {
		case string(artifact.StatusInstalled):
			console.Success(fmt.Sprintf("%s %s", a.Name, a.Version))
		case string(artifact.StatusPrepared):
			console.Warning(a.Name + " prepared but not confirmed")
		default:
			console.Error(a.Name + " failed")
		}
	}

	// License validity is advisory; skip silently without a key.
	key, err := store.LoadAPIKey()
	if err != nil {
		return nil
	}
	client := entitlement.NewHTTPClient(config.Global.Service.BaseURL, log)
	if err := client.VerifyLicense(ctx, key, record.DeviceID, "stockkit"); err != nil {
		console.Warning("License check failed: " + err.Error())
	} else {
		console.Success("License valid")
	}
	return nil
}

func runRestore(ctx context.Context) error {
	log := newLogger()
	defer log.Close()
	console := ux.NewConsole(false)

	store, err := state.NewStore(config.ConfigDir(), log)
	if err != nil {
		return err
	}

	backup := state.NewBackupManager(store, log, "", nil)
	if !backup.DurableAvailable() {
		console.Error("Durable storage is not mounted")
		return errors.New("durable storage unavailable")
	}

	pm := proc.NewDefaultProcessManager()
	caps := envprobe.Detect()
	sitePkgs := ""
	if out, err := pm.Run(ctx, caps.PreferredInterpreter, "-c", "import site; print(site.getsitepackages()[0])"); err == nil {
		sitePkgs = strings.TrimSpace(string(out))
	}
	backup.RestoreFromDurable(sitePkgs)
	console.Success("Restore complete")
	return nil
}

// exitCode maps an Execute error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return CLIExitSuccess
	case errors.Is(err, context.Canceled):
		return CLIExitInterrupted
	default:
		return CLIExitFailure
	}
}
