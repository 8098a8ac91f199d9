// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/device"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/proc"
	"github.com/stockkit-hq/installer/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// mockClient stubs the entitlement service for artifact tests.
type mockClient struct {
	downloadURL string
	downloadErr error
}

func (m *mockClient) RegisterDevice(ctx context.Context, apiKey string, id device.Identity) (entitlement.Registration, error) {
	return entitlement.Registration{}, nil
}

func (m *mockClient) VerifyLicense(ctx context.Context, apiKey, deviceID, packageName string) error {
	return nil
}

func (m *mockClient) ListPackages(ctx context.Context, apiKey string) ([]entitlement.Package, error) {
	return nil, nil
}

func (m *mockClient) DownloadURL(ctx context.Context, apiKey, deviceID, packageName string) (string, error) {
	return m.downloadURL, m.downloadErr
}

func (m *mockClient) FetchProfile(ctx context.Context, apiKey string) (entitlement.Profile, error) {
	return entitlement.Profile{}, nil
}

var _ entitlement.Client = (*mockClient)(nil)

// makeTarGz builds an in-memory tar.gz with the given file contents.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestSortByDeclaredOrder(t *testing.T) {
	pkgs := []entitlement.Package{
		{Name: "stockkit_news"},
		{Name: "stockkit_data"},
		{Name: "stockkit_ta"},
		{Name: "stockkit"},
	}
	sorted := SortByDeclaredOrder(pkgs)

	names := make([]string, len(sorted))
	for i, p := range sorted {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"stockkit", "stockkit_data", "stockkit_ta", "stockkit_news"}, names)
}

func TestSortPutsUnknownAfterKnown(t *testing.T) {
	pkgs := []entitlement.Package{
		{Name: "stockkit_experimental"},
		{Name: "stockkit_news"},
		{Name: "stockkit"},
		{Name: "stockkit_labs"},
	}
	sorted := SortByDeclaredOrder(pkgs)

	assert.Equal(t, "stockkit", sorted[0].Name)
	assert.Equal(t, "stockkit_news", sorted[1].Name)
	// Unknown artifacts keep their server-listed relative order.
	assert.Equal(t, "stockkit_experimental", sorted[2].Name)
	assert.Equal(t, "stockkit_labs", sorted[3].Name)
}

func TestExtractTarGz(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	data := makeTarGz(t, map[string]string{
		"stockkit-3.2.0/setup.py":             "from setuptools import setup",
		"stockkit-3.2.0/stockkit/__init__.py": "",
	})
	require.NoError(t, os.WriteFile(archive, data, 0644))

	dest := t.TempDir()
	require.NoError(t, extractTarGz(archive, dest))

	content, err := os.ReadFile(filepath.Join(dest, "stockkit-3.2.0", "setup.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "setup")
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	data := makeTarGz(t, map[string]string{
		"../../outside.txt": "escape",
	})
	require.NoError(t, os.WriteFile(archive, data, 0644))

	err := extractTarGz(archive, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestExtractTarGzRejectsNonGzip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "bad.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("<html>error page</html>"), 0644))

	err := extractTarGz(archive, t.TempDir())
	require.Error(t, err)
}

func TestLocateDescriptor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]"), 0644))
	dir, err := locateDescriptor(root)
	require.NoError(t, err)
	assert.Equal(t, root, dir)
}

func TestLocateDescriptorOneLevelDown(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "stockkit-3.2.0")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "setup.py"), []byte(""), 0644))

	dir, err := locateDescriptor(root)
	require.NoError(t, err)
	assert.Equal(t, sub, dir)
}

func TestLocateDescriptorMissing(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0755))
	// Two levels down is too deep to count.
	require.NoError(t, os.WriteFile(filepath.Join(deep, "setup.py"), []byte(""), 0644))

	_, err := locateDescriptor(root)
	require.ErrorIs(t, err, ErrArtifactStructure)
}

func archiveServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
}

func TestInstallHappyPath(t *testing.T) {
	data := makeTarGz(t, map[string]string{
		"stockkit-3.2.0/setup.py": "from setuptools import setup",
	})
	srv := archiveServer(t, data)
	defer srv.Close()

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, nil, nil
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil // import check passes
		},
	}

	a := NewDefaultInstaller(pm, testLogger(), &mockClient{downloadURL: srv.URL}, func() string { return "/usr/bin/uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit", Version: "3.2.0"}, "/venv/bin/python")

	assert.Equal(t, StatusInstalled, res.Status)
	assert.True(t, res.ImportVerified)
	assert.Equal(t, "3.2.0", res.Version)
}

func TestInstallImportCheckIsAdvisory(t *testing.T) {
	data := makeTarGz(t, map[string]string{"setup.py": ""})
	srv := archiveServer(t, data)
	defer srv.Close()

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, nil, nil
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("ImportError: circular import")
		},
	}

	a := NewDefaultInstaller(pm, testLogger(), &mockClient{downloadURL: srv.URL}, func() string { return "uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit_ta"}, "python3")

	// A failed import probe must not fail the install.
	assert.Equal(t, StatusInstalled, res.Status)
	assert.False(t, res.ImportVerified)
}

func TestInstallFailsOnBadStructure(t *testing.T) {
	data := makeTarGz(t, map[string]string{"README.md": "no descriptor here"})
	srv := archiveServer(t, data)
	defer srv.Close()

	a := NewDefaultInstaller(&proc.MockProcessManager{}, testLogger(), &mockClient{downloadURL: srv.URL}, func() string { return "uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit"}, "python3")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Detail, "setup.py")
}

func TestInstallFailsOnDownloadURLError(t *testing.T) {
	a := NewDefaultInstaller(&proc.MockProcessManager{}, testLogger(), &mockClient{downloadErr: errors.New("license expired")}, func() string { return "uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit"}, "python3")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Detail, "download URL")
}

func TestInstallDirExitErrorFails(t *testing.T) {
	data := makeTarGz(t, map[string]string{"setup.py": ""})
	srv := archiveServer(t, data)
	defer srv.Close()

	// A real non-zero exit so classification sees an *exec.ExitError.
	exitErr := exec.Command("sh", "-c", "exit 1").Run()
	require.Error(t, exitErr)

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, []byte("error: metadata-generation-failed"), exitErr
		},
	}

	a := NewDefaultInstaller(pm, testLogger(), &mockClient{downloadURL: srv.URL}, func() string { return "uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit"}, "python3")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Detail, "metadata-generation-failed")
}

func TestInstallUnexpectedErrorIsSoftSuccess(t *testing.T) {
	data := makeTarGz(t, map[string]string{"setup.py": ""})
	srv := archiveServer(t, data)
	defer srv.Close()

	pm := &proc.MockProcessManager{
		RunCaptureFunc: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, nil, errors.New("fork/exec: resource temporarily unavailable")
		},
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}

	a := NewDefaultInstaller(pm, testLogger(), &mockClient{downloadURL: srv.URL}, func() string { return "uv" })
	res := a.Install(context.Background(), "sk-key", "dev-1", entitlement.Package{Name: "stockkit"}, "python3")

	assert.Equal(t, StatusPrepared, res.Status)
	assert.Contains(t, res.Detail, "not confirmed")
}
