// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
)

type InstallerConfig struct {
	// Service: entitlement service endpoints
	Service ServiceConfig `yaml:"service"`

	// Runtime: Python runtime provisioning preferences
	Runtime RuntimeConfig `yaml:"runtime"`

	// Backup: durable storage for ephemeral environments
	Backup BackupConfig `yaml:"backup"`

	// Output: console language and verbosity
	Output OutputConfig `yaml:"output"`
}

type ServiceConfig struct {
	BaseURL       string `yaml:"base_url" validate:"required,url"`
	ManifestURL   string `yaml:"manifest_url" validate:"required,url"`
	ExtraIndexURL string `yaml:"extra_index_url" validate:"omitempty,url"`
}

type RuntimeConfig struct {
	// VenvType can be "isolated" or "system". System skips venv creation
	// and installs into the ambient interpreter.
	VenvType string `yaml:"venv_type" validate:"oneof=isolated system"`
	VenvPath string `yaml:"venv_path"` // e.g. ~/.stockkit/venv
	// SkipRegister suppresses device registration, for air-gapped
	// re-installs where the device is already registered.
	SkipRegister bool `yaml:"skip_register"`
}

type BackupConfig struct {
	// GCSBucket mirrors the durable backup into Cloud Storage when set.
	GCSBucket       string `yaml:"gcs_bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

type OutputConfig struct {
	Language string `yaml:"language" validate:"oneof=vi en"`
}

// ConfigDir returns the StockKit config directory, honoring the
// STOCKKIT_CONFIG_PATH override used by hosted notebooks.
func ConfigDir() string {
	if override := os.Getenv("STOCKKIT_CONFIG_PATH"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stockkit"
	}
	return filepath.Join(home, ".stockkit")
}

func defaultVenvPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".stockkit", "venv")
	}
	return filepath.Join(home, ".stockkit", "venv")
}

func DefaultConfig() InstallerConfig {
	return InstallerConfig{
		Service: ServiceConfig{
			BaseURL:       "https://stockkit.dev",
			ManifestURL:   "https://stockkit.dev/files/requirements.txt",
			ExtraIndexURL: "https://pypi.org/simple",
		},
		Runtime: RuntimeConfig{
			VenvType: "isolated",
			VenvPath: defaultVenvPath(),
		},
		Backup: BackupConfig{},
		Output: OutputConfig{Language: "en"},
	}
}
