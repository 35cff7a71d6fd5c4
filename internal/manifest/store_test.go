package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "manifest.json"), zap.NewNop())
	require.NoError(t, err)
	return store
}

func record(id string) crawler.Record {
	return crawler.Record{
		Identity:    id,
		Program:     "PERM Program",
		Period:      "2022",
		Filename:    "FY22_PERM_Disclosure.xlsx",
		StoragePath: filepath.Join("data", "PERM Program", "2022", "FY22_PERM_Disclosure.xlsx"),
		ContentHash: "abc",
		ETag:        `"v1"`,
		FetchedAt:   time.Unix(1700000000, 0).UTC(),
		Status:      crawler.StatusActive,
	}
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New("", nil)
	require.Error(t, err)
}

func TestLoadMissingManifestIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Equal(t, crawler.SourceMissing, snap.Source)
	assert.False(t, snap.Degraded())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	rec := record("https://www.dol.gov/files/FY22_PERM_Disclosure.xlsx")
	require.NoError(t, store.Save(ctx, crawler.Manifest{rec.Identity: rec}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.SourcePrimary, snap.Source)
	assert.Equal(t, rec, snap.Records[rec.Identity])

	_, err = os.Stat(store.BackupPath())
	assert.True(t, os.IsNotExist(err), "first save has nothing to back up")
}

func TestSaveRotatesPreviousManifestIntoBackup(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	first := record("https://a/1.xlsx")
	second := record("https://a/2.xlsx")
	require.NoError(t, store.Save(ctx, crawler.Manifest{first.Identity: first}))
	require.NoError(t, store.Save(ctx, crawler.Manifest{second.Identity: second}))

	backup, err := readFile(store.BackupPath())
	require.NoError(t, err)
	assert.Contains(t, backup, first.Identity)
	assert.NotContains(t, backup, second.Identity)
}

func TestLoadFallsBackToBackupOnCorruption(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	rec := record("https://a/1.xlsx")
	require.NoError(t, store.Save(ctx, crawler.Manifest{rec.Identity: rec}))
	require.NoError(t, store.Save(ctx, crawler.Manifest{rec.Identity: rec}))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.SourceBackup, snap.Source)
	assert.Contains(t, snap.Records, rec.Identity)
}

func TestLoadDegradedWhenBothCopiesUnreadable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("[]"), 0o600))
	require.NoError(t, os.WriteFile(store.BackupPath(), []byte("null"), 0o600))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Degraded())
	assert.Empty(t, snap.Records)
}

func TestSaveDoesNotRotateCorruptPrimary(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	good := record("https://a/good.xlsx")
	require.NoError(t, store.Save(ctx, crawler.Manifest{good.Identity: good}))
	require.NoError(t, store.Save(ctx, crawler.Manifest{good.Identity: good}))
	require.NoError(t, os.WriteFile(store.Path(), []byte("garbage"), 0o600))

	require.NoError(t, store.Save(ctx, crawler.Manifest{}))

	backup, err := readFile(store.BackupPath())
	require.NoError(t, err)
	assert.Contains(t, backup, good.Identity)
}

func TestFailedRenameLeavesPreviousManifestIntact(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	rec := record("https://a/1.xlsx")
	require.NoError(t, store.Save(ctx, crawler.Manifest{rec.Identity: rec}))
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	crash := errors.New("simulated crash")
	store.rename = func(oldpath, newpath string) error {
		if newpath == store.Path() {
			return crash
		}
		return os.Rename(oldpath, newpath)
	}

	err = store.Upsert(ctx, record("https://a/2.xlsx"))
	require.ErrorIs(t, err, crawler.ErrPersistence)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file should be cleaned up")
	}
}

func TestUpsertRequiresIdentity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.Error(t, store.Upsert(context.Background(), crawler.Record{}))
}

func TestUpdateSkipsSaveWhenUnchanged(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Update(context.Background(), func(crawler.Manifest) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestUpdatePropagatesCallbackError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	boom := errors.New("boom")
	err := store.Update(context.Background(), func(crawler.Manifest) (bool, error) {
		return true, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestConcurrentUpsertsKeepEveryRecord(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Upsert(ctx, record(fmt.Sprintf("https://a/%d.xlsx", i))))
		}(i)
	}
	wg.Wait()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, n)
}

func TestDecodeBackfillsIdentity(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(map[string]any{
		"https://a/x.csv": map[string]any{"program": "LCA Program", "storage_path": "data/x.csv"},
	})
	require.NoError(t, err)
	m, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "https://a/x.csv", m["https://a/x.csv"].Identity)
}

func TestLoadHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
