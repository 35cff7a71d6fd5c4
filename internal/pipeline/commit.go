// Package pipeline downloads artifacts and commits them to disk and manifest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

const tempPattern = ".harvest-*.part"

// TempPattern reports whether name looks like an in-flight download.
func TempPattern(name string) bool {
	ok, _ := filepath.Match(tempPattern, name)
	return ok
}

// Committer runs the download, hash, rename, upsert sequence for one candidate.
type Committer struct {
	fetcher crawler.Fetcher
	store   crawler.ManifestStore
	hasher  crawler.Hasher
	clock   crawler.Clock
	logger  *zap.Logger
	rename  func(oldpath, newpath string) error
}

// New constructs a Committer.
func New(
	fetcher crawler.Fetcher,
	store crawler.ManifestStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		fetcher: fetcher,
		store:   store,
		hasher:  hasher,
		clock:   clock,
		logger:  logger,
		rename:  os.Rename,
	}
}

// Result describes a successful commit.
type Result struct {
	Record crawler.Record
	Bytes  int64
	Meta   crawler.ResponseMeta
}

// Commit downloads the candidate next to its destination and renames it into
// place only after the body is complete and hashed. The manifest is written
// last, so a crash in between leaves an untracked file and never a tracked
// one with the wrong digest.
//
// Errors wrap crawler.ErrFetch or crawler.ErrArtifactWrite for per-candidate
// failures and crawler.ErrPersistence when the manifest could not be saved.
func (c *Committer) Commit(ctx context.Context, cand crawler.Candidate) (res Result, err error) {
	dir := filepath.Dir(cand.StoragePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return res, fmt.Errorf("%w: create %s: %v", crawler.ErrArtifactWrite, dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return res, fmt.Errorf("%w: create temp file: %v", crawler.ErrArtifactWrite, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("remove temp file", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}()

	counter := &countingWriter{w: tmp}
	meta, err := c.fetcher.Fetch(ctx, cand.Identity, counter)
	if err != nil {
		if counter.err != nil {
			return res, fmt.Errorf("%w: write temp file: %v", crawler.ErrArtifactWrite, counter.err)
		}
		if !errors.Is(err, crawler.ErrFetch) {
			err = fmt.Errorf("%w: %w", crawler.ErrFetch, err)
		}
		return res, err
	}
	if err := tmp.Sync(); err != nil {
		return res, fmt.Errorf("%w: sync temp file: %v", crawler.ErrArtifactWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("%w: close temp file: %v", crawler.ErrArtifactWrite, err)
	}

	digest, err := c.digest(tmpName)
	if err != nil {
		return res, fmt.Errorf("%w: %v", crawler.ErrArtifactWrite, err)
	}

	if err := c.rename(tmpName, cand.StoragePath); err != nil {
		return res, fmt.Errorf("%w: rename into place: %v", crawler.ErrArtifactWrite, err)
	}
	committed = true

	rec := crawler.Record{
		Identity:     cand.Identity,
		Program:      cand.Program,
		Period:       cand.Period,
		Filename:     cand.Filename,
		StoragePath:  cand.StoragePath,
		ContentHash:  digest,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		FetchedAt:    c.clock.Now().UTC(),
		Status:       crawler.StatusActive,
	}
	if err := c.store.Upsert(ctx, rec); err != nil {
		if !errors.Is(err, crawler.ErrPersistence) {
			err = fmt.Errorf("%w: %w", crawler.ErrPersistence, err)
		}
		return res, err
	}

	c.logger.Debug("artifact committed",
		zap.String("identity", rec.Identity),
		zap.String("path", rec.StoragePath),
		zap.Int64("bytes", counter.n),
	)
	return Result{Record: rec, Bytes: counter.n, Meta: meta}, nil
}

func (c *Committer) digest(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path was produced by CreateTemp above.
	if err != nil {
		return "", fmt.Errorf("reopen temp file: %w", err)
	}
	defer func() { _ = f.Close() }()
	sum, err := c.hasher.Sum(f)
	if err != nil {
		return "", err
	}
	return sum, nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	if err != nil && cw.err == nil {
		cw.err = err
	}
	return n, err
}
