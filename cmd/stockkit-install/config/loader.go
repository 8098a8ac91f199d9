// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global InstallerConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	configPath := filepath.Join(ConfigDir(), "installer.yaml")
	// create it if it doesn't exist
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := createDefault(configPath); err != nil {
			return err
		}
	}
	// read the file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read the config file %w", err)
	}
	// parse the config in to the Global struct
	if err = yaml.Unmarshal(data, &Global); err != nil {
		return fmt.Errorf("failed to unmarshal the config to the Global singleton: %w", err)
	}
	applyEnvOverrides(&Global)
	if err := validator.New().Struct(Global); err != nil {
		return fmt.Errorf("invalid installer config at %s: %w", configPath, err)
	}
	return nil
}

// applyEnvOverrides lets environment variables win over the YAML file.
// Hosted notebooks have no interactive way to edit the config, so the
// env is the only practical knob there.
func applyEnvOverrides(cfg *InstallerConfig) {
	if v := os.Getenv("STOCKKIT_VENV_TYPE"); v != "" {
		cfg.Runtime.VenvType = v
	}
	if v := os.Getenv("STOCKKIT_VENV_PATH"); v != "" {
		cfg.Runtime.VenvPath = v
	}
	if v := os.Getenv("STOCKKIT_SKIP_REGISTER"); v == "1" || v == "true" {
		cfg.Runtime.SkipRegister = true
	}
	if v := os.Getenv("STOCKKIT_BACKUP_BUCKET"); v != "" {
		cfg.Backup.GCSBucket = v
	}
	if v := os.Getenv("STOCKKIT_LANGUAGE"); v != "" {
		cfg.Output.Language = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
