package timeouts

import "time"

// Timeout constants define minimum and default values for installer
// operations.
//
// These constants prevent accidental infinite hangs by ensuring all
// operations have a reasonable timeout even if misconfigured.
const (
	// MinHTTPTimeout is the absolute minimum for any HTTP operation.
	// Prevents accidental infinite hangs from zero timeouts.
	MinHTTPTimeout = 1 * time.Second

	// MinProcessTimeout is the absolute minimum for subprocess operations.
	MinProcessTimeout = 5 * time.Second

	// Registration is the timeout for device registration and license
	// verification calls.
	Registration = 30 * time.Second

	// PackageList is the timeout for listing accessible packages.
	PackageList = 30 * time.Second

	// DownloadURL is the timeout for resolving a signed download URL.
	DownloadURL = 30 * time.Second

	// ArchiveDownload is the timeout for fetching an artifact archive.
	ArchiveDownload = 5 * time.Minute

	// ManifestFetch is the timeout for fetching the dependency manifest.
	ManifestFetch = 10 * time.Second

	// BatchInstall is the timeout for one dependency batch on a local
	// machine.
	BatchInstall = 5 * time.Minute

	// BatchInstallNotebook is the extended batch timeout for hosted
	// notebooks, where cold package caches make installs much slower.
	BatchInstallNotebook = 10 * time.Minute

	// ArtifactInstall is the timeout for installing one extracted artifact.
	ArtifactInstall = 2 * time.Minute

	// ImportCheck is the timeout for the advisory post-install import probe.
	ImportCheck = 30 * time.Second

	// HardwareProbe is the timeout for hardware identifier subprocess probes.
	HardwareProbe = 5 * time.Second

	// ToolBootstrap is the timeout for installing uv via the standalone
	// installer or pip.
	ToolBootstrap = 2 * time.Minute

	// ArtifactDelay is the pause between consecutive artifact installs,
	// giving the entitlement service breathing room between downloads.
	ArtifactDelay = 3 * time.Second

	// Webhook is the timeout for the best-effort completion notification.
	Webhook = 10 * time.Second
)

// EnforceMin returns at least the minimum timeout.
//
// Ensures a timeout is never below the specified minimum. If the requested
// timeout is zero, negative, or below the minimum, returns the minimum
// instead. This prevents misconfiguration from causing infinite hangs.
func EnforceMin(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefault returns the default if the requested is zero or negative.
//
// Unlike EnforceMin, this only applies the default when the value is
// explicitly zero or negative. Useful when any positive value is allowed
// but a sensible default is wanted.
func EnforceDefault(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
