// Package reconcile repairs drift between the manifest and the files on disk.
//
// Two scans run against the same manifest snapshot. The stale scan finds
// records whose file is gone; those are the only records ever removed. The
// orphan scan finds accepted artifact files that no record points at; those
// are reported and never deleted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/manifest"
	"github.com/JakeFAU/oflc-harvester/internal/metrics"
	"github.com/JakeFAU/oflc-harvester/internal/pipeline"
)

// ErrManifestUnavailable means the manifest could not be read at all, so
// every file would look orphaned.
var ErrManifestUnavailable = errors.New("manifest unavailable for reconcile")

// Config describes the storage layout to scan.
type Config struct {
	StorageRoot  string
	LogDir       string
	ManifestPath string
	// Accepts reports whether a file name is an artifact type worth tracking.
	Accepts func(name string) bool
}

// Reconciler runs the stale and orphan scans.
type Reconciler struct {
	store  crawler.ManifestStore
	cfg    Config
	logger *zap.Logger
	stat   func(string) (os.FileInfo, error)
}

// New constructs a Reconciler.
func New(store crawler.ManifestStore, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Accepts == nil {
		cfg.Accepts = func(string) bool { return true }
	}
	metrics.Init()
	return &Reconciler{store: store, cfg: cfg, logger: logger, stat: os.Stat}
}

// Scan reports stale records and orphaned files without changing anything.
func (r *Reconciler) Scan(ctx context.Context) (Report, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load manifest: %w", err)
	}
	if snap.Degraded() {
		return Report{Source: snap.Source}, ErrManifestUnavailable
	}

	report := Report{Source: snap.Source, Entries: len(snap.Records)}
	report.Stale = r.staleRecords(snap.Records)
	orphans, err := r.orphans(ctx, snap.Records)
	if err != nil {
		return report, err
	}
	report.Orphans = orphans
	metrics.ObserveReconcile(0, len(orphans))
	return report, nil
}

// Apply scans and then removes stale records in one manifest save. Each
// record is checked again under the store lock so a file restored since the
// scan keeps its record.
func (r *Reconciler) Apply(ctx context.Context) (Report, error) {
	report, err := r.Scan(ctx)
	if err != nil {
		return report, err
	}
	if len(report.Stale) == 0 {
		return report, nil
	}

	removed := 0
	err = r.store.Update(ctx, func(m crawler.Manifest) (bool, error) {
		for _, stale := range report.Stale {
			rec, ok := m[stale.Identity]
			if !ok || !r.missing(rec.StoragePath) {
				continue
			}
			delete(m, stale.Identity)
			removed++
		}
		return removed > 0, nil
	})
	if err != nil {
		return report, fmt.Errorf("remove stale records: %w", err)
	}
	report.Removed = removed
	report.Entries -= removed
	metrics.ObserveReconcile(removed, len(report.Orphans))
	return report, nil
}

func (r *Reconciler) staleRecords(m crawler.Manifest) []crawler.Record {
	var out []crawler.Record
	for id, rec := range m {
		if rec.Identity == "" {
			rec.Identity = id
		}
		if r.missing(rec.StoragePath) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// missing is true only when the file is confirmed absent. Other stat errors
// keep the record.
func (r *Reconciler) missing(path string) bool {
	if strings.TrimSpace(path) == "" {
		return true
	}
	_, err := r.stat(path)
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	r.logger.Warn("cannot stat tracked file, keeping record", zap.String("path", path), zap.Error(err))
	return false
}

func (r *Reconciler) orphans(ctx context.Context, m crawler.Manifest) ([]string, error) {
	root := crawler.NormalizePath(r.cfg.StorageRoot)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	tracked := make(map[string]struct{}, len(m))
	for _, rec := range m {
		if rec.StoragePath != "" {
			tracked[crawler.NormalizePath(rec.StoragePath)] = struct{}{}
		}
	}
	skipDir := ""
	if r.cfg.LogDir != "" {
		skipDir = crawler.NormalizePath(r.cfg.LogDir)
	}
	manifestPath := ""
	if r.cfg.ManifestPath != "" {
		manifestPath = crawler.NormalizePath(r.cfg.ManifestPath)
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("walk storage tree", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if skipDir != "" && path == skipDir {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if path == manifestPath || path == manifestPath+manifest.BackupSuffix ||
			manifest.IsTemp(name) || pipeline.TempPattern(name) || !r.cfg.Accepts(name) {
			return nil
		}
		if _, ok := tracked[path]; !ok {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan storage tree: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
