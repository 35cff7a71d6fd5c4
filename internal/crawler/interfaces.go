package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher downloads an artifact body into dst.
type Fetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer) (ResponseMeta, error)
}

// Prober issues a metadata-only request (no body transfer).
type Prober interface {
	Probe(ctx context.Context, url string) (ResponseMeta, error)
}

// ManifestStore is the only mutation surface for the durable manifest.
type ManifestStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, m Manifest) error
	Upsert(ctx context.Context, rec Record) error
	Update(ctx context.Context, fn func(Manifest) (bool, error)) error
}

// Snapshot is a loaded manifest plus where it came from.
type Snapshot struct {
	Records Manifest
	Source  ManifestSource
}

// ManifestSource describes which on-disk copy satisfied a load.
type ManifestSource string

// Manifest load sources.
const (
	SourcePrimary  ManifestSource = "primary"
	SourceBackup   ManifestSource = "backup"
	SourceMissing  ManifestSource = "missing"
	SourceDegraded ManifestSource = "degraded"
)

// Degraded reports whether the load fell back to an empty manifest because
// both copies were unreadable.
func (s Snapshot) Degraded() bool {
	return s.Source == SourceDegraded
}

// BlobStore mirrors committed artifacts to secondary storage.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes commit notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary Summary) error
}

// Hasher computes content digests.
type Hasher interface {
	Sum(r io.Reader) (string, error)
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Close()
}
