// Package manifest persists the identity -> record map that makes harvest runs
// idempotent. The file is always replaced wholesale: the previous copy is
// rotated to a single backup, the new content is written to a temporary file
// in the same directory, and one rename publishes it.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

// BackupSuffix is appended to the manifest path to name its backup copy.
const BackupSuffix = ".bak"

const tempPattern = ".manifest-*.json.tmp"

// IsTemp reports whether name is an in-progress manifest write.
func IsTemp(name string) bool {
	ok, _ := filepath.Match(tempPattern, name)
	return ok
}

// ErrCorrupt means a manifest file exists but does not decode.
var ErrCorrupt = errors.New("manifest corrupt")

// Store reads and writes the manifest file. All mutations are serialized by
// an internal mutex, so concurrent commits never interleave two saves.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	rename func(oldpath, newpath string) error
}

// New returns a Store for the manifest at path.
func New(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		logger: logger,
		rename: os.Rename,
	}, nil
}

// Path returns the primary manifest location.
func (s *Store) Path() string { return s.path }

// BackupPath returns the rotating backup location.
func (s *Store) BackupPath() string { return s.path + BackupSuffix }

// Load reads the manifest. A corrupt primary falls back to the backup; when
// both are unreadable an empty manifest is returned with SourceDegraded so the
// caller can log the condition and carry on.
func (s *Store) Load(ctx context.Context) (crawler.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("load manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(), nil
}

func (s *Store) load() crawler.Snapshot {
	primary, perr := readFile(s.path)
	if perr == nil {
		s.logger.Debug("manifest loaded", zap.String("path", s.path), zap.Int("entries", len(primary)))
		return crawler.Snapshot{Records: primary, Source: crawler.SourcePrimary}
	}
	primaryMissing := errors.Is(perr, os.ErrNotExist)
	if !primaryMissing {
		s.logger.Error("manifest unreadable, trying backup", zap.String("path", s.path), zap.Error(perr))
	}

	backup, berr := readFile(s.BackupPath())
	if berr == nil {
		s.logger.Warn("manifest restored from backup",
			zap.String("backup", s.BackupPath()),
			zap.Int("entries", len(backup)),
		)
		return crawler.Snapshot{Records: backup, Source: crawler.SourceBackup}
	}
	if primaryMissing && errors.Is(berr, os.ErrNotExist) {
		return crawler.Snapshot{Records: crawler.Manifest{}, Source: crawler.SourceMissing}
	}
	s.logger.Error("manifest and backup unreadable, starting empty",
		zap.NamedError("primary_error", perr),
		zap.NamedError("backup_error", berr),
	)
	return crawler.Snapshot{Records: crawler.Manifest{}, Source: crawler.SourceDegraded}
}

// Save replaces the manifest with m.
func (s *Store) Save(ctx context.Context, m crawler.Manifest) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(m)
}

// Upsert inserts or replaces rec and persists immediately.
func (s *Store) Upsert(ctx context.Context, rec crawler.Record) error {
	if rec.Identity == "" {
		return fmt.Errorf("upsert manifest: record identity is required")
	}
	return s.Update(ctx, func(m crawler.Manifest) (bool, error) {
		m[rec.Identity] = rec
		return true, nil
	})
}

// Update runs fn against a freshly loaded manifest and saves the result when
// fn reports a change. The whole load-mutate-save cycle holds the store lock.
func (s *Store) Update(ctx context.Context, fn func(crawler.Manifest) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	records := snap.Records
	if records == nil {
		records = crawler.Manifest{}
	}
	changed, err := fn(records)
	if err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	if !changed {
		return nil
	}
	return s.save(records)
}

func (s *Store) save(m crawler.Manifest) error {
	if m == nil {
		m = crawler.Manifest{}
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create manifest dir: %v", crawler.ErrPersistence, err)
	}

	if err := s.rotateBackup(); err != nil {
		return fmt.Errorf("%w: rotate backup: %v", crawler.ErrPersistence, err)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", crawler.ErrPersistence, err)
	}
	if err := s.writeAtomic(s.path, payload); err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrPersistence, err)
	}
	s.logger.Debug("manifest saved", zap.String("path", s.path), zap.Int("entries", len(m)))
	return nil
}

// rotateBackup copies the current primary over the backup. A primary that no
// longer decodes is left alone so the backup always holds a valid manifest.
func (s *Store) rotateBackup() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if _, derr := decode(data); derr != nil {
		s.logger.Warn("not rotating corrupt manifest into backup", zap.String("path", s.path), zap.Error(derr))
		return nil
	}
	return s.writeAtomic(s.BackupPath(), data)
}

// writeAtomic writes data to a temp file in target's directory and renames it
// into place. A failure before the rename leaves target untouched.
func (s *Store) writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := s.rename(tmpName, target); err != nil {
		return fmt.Errorf("rename %s: %w", target, err)
	}
	success = true
	return nil
}

func readFile(path string) (crawler.Manifest, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from configuration.
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// decode parses a manifest and backfills identities from the map keys.
func decode(data []byte) (crawler.Manifest, error) {
	var m crawler.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is not an object", ErrCorrupt)
	}
	for id, rec := range m {
		if rec.Identity == "" {
			rec.Identity = id
			m[id] = rec
		}
	}
	return m, nil
}
