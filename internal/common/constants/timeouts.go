// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for dispatcher-side blocking operations (spec §5).
const (
	// LocalCancelTimeout bounds the dispatcher's best-effort local cancel
	// attempt (stopping a container, closing an executor connection)
	// before giving up and relying on the lease-expiry reclaim path.
	LocalCancelTimeout = 3 * time.Second

	// CatalogFetchTimeout bounds a single internal resolution call to the
	// control plane (mcp-config/resolve, skill-config/resolve, etc.).
	CatalogFetchTimeout = 30 * time.Second

	// ExecutorHandoffTimeout bounds the fire-and-forget POST that hands a
	// claimed run to its executor container.
	ExecutorHandoffTimeout = 300 * time.Second

	// ContainerAcquireTimeout bounds how long a dispatch attempt waits for
	// a free slot in the executor container pool before failing the run.
	ContainerAcquireTimeout = 20 * time.Second

	// WorkspaceExportTimeout bounds the async post-run export job (walk,
	// upload, manifest, tar.gz).
	WorkspaceExportTimeout = 10 * time.Minute
)
