package crawler

import "errors"

// Error kinds surfaced by the harvest pipeline.
var (
	// ErrDiscovery means the index page could not be fetched or parsed.
	ErrDiscovery = errors.New("discovery failed")
	// ErrFetch means an artifact body download failed.
	ErrFetch = errors.New("fetch failed")
	// ErrPersistence means the manifest could not be durably written.
	ErrPersistence = errors.New("manifest persistence failed")
	// ErrQueueClosed is returned by Dequeue once a closed queue drains.
	ErrQueueClosed = errors.New("queue closed")
)

// ErrArtifactWrite means a downloaded body could not be placed on local disk.
// Like ErrFetch it fails only the affected candidate.
var ErrArtifactWrite = errors.New("artifact write failed")

// ErrBodyTooLarge means a response body exceeded the configured byte limit.
// The partial body must be discarded, never committed or parsed.
var ErrBodyTooLarge = errors.New("response body exceeds limit")
