// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package state persists installation records and credentials under the
StockKit config directory.

Record writes are never fatal: an installation that succeeded but could
not write its record is still a successful installation. Only the API
key file gets strict permissions; everything else is plain JSON meant
to be read by the product library and by support.
*/
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stockkit-hq/installer/pkg/logging"
)

// File names under the config directory.
const (
	apiKeyFile  = "api_key.json"
	installFile = "user_install.json"
	userFile    = "user.json"
)

// ErrNoAPIKey means no stored credential exists.
var ErrNoAPIKey = errors.New("no stored API key")

// ArtifactRecord is the persisted outcome of one artifact.
type ArtifactRecord struct {
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
	ImportVerified bool   `json:"import_verified"`
}

// InstallRecord is the full record of one installer run.
type InstallRecord struct {
	RunID       string           `json:"run_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Environment string           `json:"environment"`
	DeviceID    string           `json:"device_id"`
	DeviceIDSrc string           `json:"device_id_source"`
	Tier        string           `json:"tier,omitempty"`
	Python      string           `json:"python"`
	Isolated    bool             `json:"isolated"`
	DepsOK      bool             `json:"deps_ok"`
	DepsReasons []string         `json:"deps_reasons,omitempty"`
	Artifacts   []ArtifactRecord `json:"artifacts"`
	Success     bool             `json:"success"`
}

// UserRecord is the latest-known-good account pointer the product
// library reads at import time.
type UserRecord struct {
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes installer state files.
type Store struct {
	dir string
	log *logging.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewRunID mints the identifier stamped on one installer run.
func NewRunID() string {
	return uuid.NewString()
}

// SaveAPIKey persists the credential with owner-only permissions.
func (s *Store) SaveAPIKey(key string) error {
	data, err := json.MarshalIndent(map[string]string{"api_key": key}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, apiKeyFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write API key file: %w", err)
	}
	return nil
}

// LoadAPIKey reads the stored credential.
func (s *Store) LoadAPIKey() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, apiKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoAPIKey
		}
		return "", err
	}
	var payload struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("API key file malformed: %w", err)
	}
	if payload.APIKey == "" {
		return "", ErrNoAPIKey
	}
	return payload.APIKey, nil
}

// RecordOutcome writes the install record. Failures are logged and
// swallowed.
func (s *Store) RecordOutcome(record InstallRecord) {
	if err := s.writeJSON(installFile, record, 0644); err != nil {
		s.log.Warn("could not persist install record", "error", err.Error())
	}
}

// LoadRecord reads the last install record.
func (s *Store) LoadRecord() (InstallRecord, error) {
	var record InstallRecord
	data, err := os.ReadFile(filepath.Join(s.dir, installFile))
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("install record malformed: %w", err)
	}
	return record, nil
}

// SaveUserRecord writes the account pointer. Failures are logged and
// swallowed.
func (s *Store) SaveUserRecord(record UserRecord) {
	record.UpdatedAt = time.Now().UTC()
	if err := s.writeJSON(userFile, record, 0644); err != nil {
		s.log.Warn("could not persist user record", "error", err.Error())
	}
}

func (s *Store) writeJSON(name string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename so a crash never leaves a torn record.
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, name))
}
