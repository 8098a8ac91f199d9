// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package entitlement talks to the StockKit entitlement service.

The service exposes two generations of endpoints with different
authentication styles: registration and license verification carry the
API key in the request body, while package listing and download-URL
resolution use a Bearer header. Both styles are kept as-is; the server
dictates them.

# Security

API keys pass through this package but are never logged. Error messages
wrap server responses, which the service guarantees are key-free.
*/
package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/device"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/timeouts"
	"github.com/stockkit-hq/installer/pkg/logging"
)

// Sentinel errors for entitlement failures.
var (
	// ErrDeviceLimitExceeded means the account's device quota is
	// exhausted. Not retryable; the wrapped message comes verbatim from
	// the server so the user sees upgrade instructions.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")

	// ErrAuthFailed means the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnexpectedStatus wraps any other non-success response.
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// Registration is the outcome of registering this device.
type Registration struct {
	Tier        string `json:"tier"`
	DevicesUsed int    `json:"devicesUsed"`
	DeviceLimit int    `json:"deviceLimit"`
}

// Package describes one gated artifact the account may download.
type Package struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Profile is the account profile, fetched best-effort for the local
// install record.
type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Client is the entitlement service API surface used by the installer.
type Client interface {
	// RegisterDevice registers this device against the API key.
	// Idempotent from the caller's view: re-registering an already
	// registered device succeeds. Retries exactly once on a network
	// error; a 429 is never retried.
	RegisterDevice(ctx context.Context, apiKey string, id device.Identity) (Registration, error)

	// VerifyLicense checks the key covers the named package. Advisory:
	// the server re-checks on every download.
	VerifyLicense(ctx context.Context, apiKey, deviceID, packageName string) error

	// ListPackages returns the artifacts this account can download.
	ListPackages(ctx context.Context, apiKey string) ([]Package, error)

	// DownloadURL resolves a short-lived signed URL for one artifact.
	DownloadURL(ctx context.Context, apiKey, deviceID, packageName string) (string, error)

	// FetchProfile returns the account profile. Best-effort.
	FetchProfile(ctx context.Context, apiKey string) (Profile, error)
}

// HTTPClient implements Client over HTTP+JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// NewHTTPClient creates a client against the given base URL.
func NewHTTPClient(baseURL string, log *logging.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     log,
	}
}

// RegisterDevice registers this device against the API key.
func (c *HTTPClient) RegisterDevice(ctx context.Context, apiKey string, id device.Identity) (Registration, error) {
	payload := map[string]any{
		"api_key":     apiKey,
		"device_id":   id.Fingerprint,
		"device_name": id.DeviceName,
		"os_type":     id.OSType,
		"os_version":  id.OSVersion,
		"machine_info": map[string]string{
			"fingerprint_source": string(id.Source),
		},
	}

	var reg Registration
	attempt := func() (int, []byte, error) {
		return c.postJSON(ctx, "/api/stockkit/auth/device-register", "", payload, timeouts.Registration)
	}

	status, body, err := attempt()
	if err != nil {
		// One retry on network error only. HTTP-level failures are
		// authoritative, and a transport error caused by our own
		// cancellation is not worth a second attempt either.
		if ctx.Err() != nil {
			return Registration{}, fmt.Errorf("device registration request failed: %w", err)
		}
		c.log.Debug("device registration network error, retrying once", "error", err.Error())
		status, body, err = attempt()
		if err != nil {
			return Registration{}, fmt.Errorf("device registration request failed: %w", err)
		}
	}

	switch {
	case status == http.StatusOK:
		if err := json.Unmarshal(body, &reg); err != nil {
			return Registration{}, fmt.Errorf("device registration response malformed: %w", err)
		}
		return reg, nil
	case status == http.StatusTooManyRequests:
		return Registration{}, fmt.Errorf("%w: %s", ErrDeviceLimitExceeded, serverMessage(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Registration{}, fmt.Errorf("%w: %s", ErrAuthFailed, serverMessage(body))
	default:
		return Registration{}, fmt.Errorf("%w: device-register returned %d", ErrUnexpectedStatus, status)
	}
}

// VerifyLicense checks the key covers the named package.
func (c *HTTPClient) VerifyLicense(ctx context.Context, apiKey, deviceID, packageName string) error {
	payload := map[string]any{
		"api_key":      apiKey,
		"device_id":    deviceID,
		"package_name": packageName,
	}
	status, body, err := c.postJSON(ctx, "/api/stockkit/license/verify", "", payload, timeouts.Registration)
	if err != nil {
		return fmt.Errorf("license verification request failed: %w", err)
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, serverMessage(body))
	default:
		return fmt.Errorf("%w: license/verify returned %d", ErrUnexpectedStatus, status)
	}
}

// ListPackages returns the artifacts this account can download.
func (c *HTTPClient) ListPackages(ctx context.Context, apiKey string) ([]Package, error) {
	status, body, err := c.getJSON(ctx, "/api/stockkit/packages/list", apiKey, timeouts.PackageList)
	if err != nil {
		return nil, fmt.Errorf("package list request failed: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, serverMessage(body))
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: packages/list returned %d", ErrUnexpectedStatus, status)
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Accessible []Package `json:"accessible"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("package list response malformed: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: packages/list reported failure", ErrUnexpectedStatus)
	}
	return resp.Data.Accessible, nil
}

// DownloadURL resolves a short-lived signed URL for one artifact.
func (c *HTTPClient) DownloadURL(ctx context.Context, apiKey, deviceID, packageName string) (string, error) {
	payload := map[string]any{
		"device_id":    deviceID,
		"package_name": packageName,
	}
	status, body, err := c.postJSON(ctx, "/api/stockkit/packages/download", apiKey, payload, timeouts.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("download URL request failed: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, serverMessage(body))
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: packages/download returned %d", ErrUnexpectedStatus, status)
	}

	var resp struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("download URL response malformed: %w", err)
	}
	if resp.DownloadURL == "" {
		return "", fmt.Errorf("%w: packages/download returned no URL", ErrUnexpectedStatus)
	}
	return resp.DownloadURL, nil
}

// FetchProfile returns the account profile.
func (c *HTTPClient) FetchProfile(ctx context.Context, apiKey string) (Profile, error) {
	status, body, err := c.getJSON(ctx, "/api/stockkit/user/profile", apiKey, timeouts.Registration)
	if err != nil {
		return Profile{}, fmt.Errorf("profile request failed: %w", err)
	}
	if status != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: user/profile returned %d", ErrUnexpectedStatus, status)
	}
	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return Profile{}, fmt.Errorf("profile response malformed: %w", err)
	}
	return profile, nil
}

// postJSON sends a JSON POST. bearer adds an Authorization header when
// non-empty; the older endpoints authenticate via the body instead.
func (c *HTTPClient) postJSON(ctx context.Context, path, bearer string, payload any, timeout time.Duration) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeouts.EnforceMin(timeout, timeouts.MinHTTPTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req)
}

func (c *HTTPClient) getJSON(ctx context.Context, path, bearer string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeouts.EnforceMin(timeout, timeouts.MinHTTPTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// serverMessage extracts the human-readable message field, falling back
// to the raw body.
func serverMessage(body []byte) string {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	return strings.TrimSpace(string(body))
}

// Compile-time interface compliance check.
var _ Client = (*HTTPClient)(nil)
