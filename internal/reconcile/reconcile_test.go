package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/oflc-harvester/internal/classify"
	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/manifest"
)

type fixture struct {
	root  string
	store *manifest.Store
	rec   *Reconciler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.json")
	store, err := manifest.New(manifestPath, nil)
	require.NoError(t, err)
	rec := New(store, Config{
		StorageRoot:  root,
		LogDir:       filepath.Join(root, "logs"),
		ManifestPath: manifestPath,
		Accepts:      classify.New().Accepts,
	}, nil)
	return fixture{root: root, store: store, rec: rec}
}

func (f fixture) write(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	return p
}

func (f fixture) track(t *testing.T, id, program, path string) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), crawler.Record{
		Identity:    id,
		Program:     program,
		Filename:    filepath.Base(path),
		StoragePath: path,
	}))
}

func TestScanFindsStaleAndOrphans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	kept := f.write(t, "PERM Program/2023/kept.xlsx")
	f.track(t, "https://example.com/kept.xlsx", "PERM Program", kept)
	f.track(t, "https://example.com/gone.xlsx", "LCA Program", filepath.Join(f.root, "LCA Program/2023/gone.xlsx"))
	f.track(t, "https://example.com/nopath.xlsx", "", "")

	orphan := f.write(t, "H-2A Program/2021/untracked.csv")
	f.write(t, "logs/cleanup.xlsx")
	f.write(t, "PERM Program/2023/notes.txt")
	f.write(t, "PERM Program/2023/.harvest-123.part")

	report, err := f.rec.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Stale, 2)
	assert.Equal(t, "https://example.com/gone.xlsx", report.Stale[0].Identity)
	assert.Equal(t, "https://example.com/nopath.xlsx", report.Stale[1].Identity)
	assert.Equal(t, []string{orphan}, report.Orphans)
	assert.Equal(t, 3, report.Entries)

	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3, "scan must not mutate the manifest")
}

func TestApplyRemovesOnlyStaleAndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	kept := f.write(t, "PERM Program/2023/kept.xlsx")
	f.track(t, "https://example.com/kept.xlsx", "PERM Program", kept)
	f.track(t, "https://example.com/gone.xlsx", "LCA Program", filepath.Join(f.root, "gone.xlsx"))
	orphan := f.write(t, "untracked.pdf")

	first, err := f.rec.Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Removed)
	assert.Equal(t, 1, first.Entries)

	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	_, ok := snap.Records["https://example.com/kept.xlsx"]
	assert.True(t, ok)

	_, err = os.Stat(orphan)
	require.NoError(t, err, "orphans are never deleted")

	second, err := f.rec.Apply(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Removed)
	assert.Empty(t, second.Stale)
	assert.Equal(t, first.Orphans, second.Orphans)

	third, err := f.rec.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.Orphans, third.Orphans)
}

func TestApplyWithNothingStaleDoesNotSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	report, err := f.rec.Apply(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Removed)
	_, err = os.Stat(f.store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestApplyKeepsRecordRestoredAfterScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := filepath.Join(f.root, "late.xlsx")
	f.track(t, "https://example.com/late.xlsx", "PERM Program", path)

	calls := 0
	f.rec.stat = func(p string) (os.FileInfo, error) {
		calls++
		if calls == 1 {
			return nil, os.ErrNotExist
		}
		return os.Stat(f.store.Path())
	}

	report, err := f.rec.Apply(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Stale, 1)
	assert.Zero(t, report.Removed)

	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1)
}

func TestScanRefusesDegradedManifest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.store.Path(), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(f.store.BackupPath(), []byte("[]"), 0o600))

	_, err := f.rec.Scan(context.Background())
	require.ErrorIs(t, err, ErrManifestUnavailable)
}

func TestReportGroupingAndLog(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r := Report{
		Stale: []crawler.Record{
			{Identity: "a", Program: "PERM Program", Filename: "b.xlsx"},
			{Identity: "b", Program: "PERM Program", Filename: "a.xlsx"},
			{Identity: "c"},
		},
	}
	for i := 0; i < 7; i++ {
		r.Orphans = append(r.Orphans, filepath.Join(root, "LCA Program", "2023", string(rune('a'+i))+".csv"))
	}

	stale := r.StaleByProgram()
	require.Len(t, stale, 2)
	assert.Equal(t, Group{Name: "PERM Program", Items: []string{"a.xlsx", "b.xlsx"}}, stale[0])
	assert.Equal(t, Group{Name: "unknown", Items: []string{"c"}}, stale[1])

	orphans := r.OrphansByDir(root)
	require.Len(t, orphans, 1)
	assert.Equal(t, filepath.Join("LCA Program", "2023"), orphans[0].Name)

	core, logs := observer.New(zap.InfoLevel)
	r.Log(zap.New(core), root)
	entries := logs.FilterMessage("orphaned files, not deleted").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.EqualValues(t, 7, ctx["count"])
	assert.EqualValues(t, 2, ctx["more"])
}
