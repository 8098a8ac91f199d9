// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/state"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// ErrNoCredential means no API key could be resolved from any source.
var ErrNoCredential = errors.New("no API key provided")

// CredentialManager resolves and holds the API key.
//
// # Security
//
// The key lives in a memguard enclave between resolution and use, so it
// is never sitting in plain heap memory waiting for a core dump or swap
// to pick it up. It leaves the enclave only for the duration of a
// WithKey callback.
type CredentialManager struct {
	enclave *memguard.Enclave
	source  string
	log     *logging.Logger
}

// NewCredentialManager creates an empty credential manager.
func NewCredentialManager(log *logging.Logger) *CredentialManager {
	return &CredentialManager{log: log}
}

// Resolve finds the API key. Precedence: the --api-key flag, the
// STOCKKIT_API_KEY environment variable, the stored key file, and
// finally an interactive hidden prompt when a terminal is attached.
func (c *CredentialManager) Resolve(flagValue string, store *state.Store, interactive bool) error {
	if key := strings.TrimSpace(flagValue); key != "" {
		c.seal(key, "flag")
		return nil
	}
	if key := strings.TrimSpace(os.Getenv("STOCKKIT_API_KEY")); key != "" {
		c.seal(key, "environment")
		return nil
	}
	if key, err := store.LoadAPIKey(); err == nil {
		c.seal(key, "stored")
		return nil
	} else if !errors.Is(err, state.ErrNoAPIKey) {
		c.log.Warn("stored API key unreadable", "error", err.Error())
	}

	if !interactive {
		return ErrNoCredential
	}
	key, err := promptForKey()
	if err != nil {
		return fmt.Errorf("API key prompt failed: %w", err)
	}
	if key == "" {
		return ErrNoCredential
	}
	c.seal(key, "prompt")
	return nil
}

func (c *CredentialManager) seal(key, source string) {
	c.enclave = memguard.NewEnclave([]byte(key))
	c.source = source
	c.log.Debug("API key resolved", "source", source)
}

// Source reports where the key came from.
func (c *CredentialManager) Source() string {
	return c.source
}

// WithKey opens the enclave and passes the key to fn. The plaintext
// buffer is destroyed when fn returns.
func (c *CredentialManager) WithKey(fn func(key string) error) error {
	if c.enclave == nil {
		return ErrNoCredential
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return fmt.Errorf("could not open credential enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Persist writes the key to the store so future runs skip the prompt.
// Keys that came from the store are not rewritten.
func (c *CredentialManager) Persist(store *state.Store) error {
	if c.source == "stored" {
		return nil
	}
	return c.WithKey(func(key string) error {
		return store.SaveAPIKey(key)
	})
}

// promptForKey reads the key without echoing it.
func promptForKey() (string, error) {
	fmt.Fprint(os.Stderr, "StockKit API key: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
