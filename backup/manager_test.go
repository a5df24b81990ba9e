package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore for orchestration tests. Keys map
// to contents; directory operations use "/" in keys the same way the real
// store does.
type fakeStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	unreachable bool

	failDirUploads int // fail this many UploadDirectory calls, then succeed
	dirUploads     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) TestConnectivity(context.Context) error {
	if f.unreachable {
		return &RemoteError{Op: "bucket probe", Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeStore) UploadFile(_ context.Context, key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStore) UploadDirectory(ctx context.Context, prefix, localDir string) error {
	f.mu.Lock()
	f.dirUploads++
	fail := f.dirUploads <= f.failDirUploads
	f.mu.Unlock()
	if fail {
		return &RemoteError{Op: "upload " + prefix, Transient: true, Err: errors.New("slow down")}
	}
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, _ := filepath.Rel(localDir, p)
		return f.UploadFile(ctx, prefix+"/"+filepath.ToSlash(rel), p)
	})
}

func (f *fakeStore) DownloadFile(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return &RemoteError{Op: "download " + key, Err: ErrNotFound}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}

func (f *fakeStore) DownloadDirectory(ctx context.Context, prefix, localDir string) error {
	f.mu.Lock()
	keys := make([]string, 0)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix+"/") {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	if len(keys) == 0 {
		return ErrNotFound
	}
	for _, k := range keys {
		rel := strings.TrimPrefix(k, prefix+"/")
		if err := f.DownloadFile(ctx, k, filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) DeleteByPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasPrefix(k, prefix+"/") {
			delete(f.objects, k)
		}
	}
	return nil
}

func (f *fakeStore) ListFilesUnderPrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for k := range f.objects {
		rest := strings.TrimPrefix(k, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names, nil
}

func (f *fakeStore) ListDirectoriesUnderPrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var names []string
	for k := range f.objects {
		rest := strings.TrimPrefix(k, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if i := strings.Index(rest, "/"); i > 0 && !seen[rest[:i]] {
			seen[rest[:i]] = true
			names = append(names, rest[:i])
		}
	}
	return names, nil
}

func (f *fakeStore) ObjectExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) BucketTotalSize(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, data := range f.objects {
		total += int64(len(data))
	}
	return total, nil
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "b.txt"), []byte("bravo"), 0644))
	return src
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		SourcePath:      writeSourceTree(t),
		TargetPath:      filepath.Join(t.TempDir(), "backups"),
		CompressEnabled: true,
	}
}

func newTestManager(t *testing.T, cfg *Config, store ObjectStore) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), cfg, store, nil)
	require.NoError(t, err)
	return m
}

const testName = "2024_06_01_12_00_00"

func TestCreateFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	m := newTestManager(t, cfg, store)

	require.NoError(t, m.Create(context.Background(), testName))

	// local raw tier
	data, err := os.ReadFile(filepath.Join(cfg.TargetPath, testName, "docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))

	// local compressed tier
	_, err = os.Stat(filepath.Join(cfg.TargetPath, testName+".tar.gz"))
	require.NoError(t, err)

	// remote tiers
	ok, _ := store.ObjectExists(context.Background(), testName+"/a.txt")
	assert.True(t, ok)
	ok, _ = store.ObjectExists(context.Background(), testName+".tar.gz")
	assert.True(t, ok)

	// index agrees and survives reload
	loaded, err := LoadTierIndex(cfg.IndexPath())
	require.NoError(t, err)
	for _, tier := range Tiers() {
		assert.Equal(t, []string{testName}, loaded.Names(tier), tier)
	}
	e, ok2 := loaded.Entity(testName)
	require.True(t, ok2)
	assert.NotEmpty(t, e.RawHash())
	assert.NotEmpty(t, e.CompressedHash())
}

func TestCreateRejectsConcurrentRun(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	require.NoError(t, m.acquire("test"))
	defer m.release()

	assert.ErrorIs(t, m.Create(context.Background(), testName), ErrBusy)
	assert.ErrorIs(t, m.Restore(context.Background(), testName, t.TempDir()), ErrBusy)
	assert.ErrorIs(t, m.Delete(context.Background(), testName), ErrBusy)
}

func TestCreateAlreadyExists(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, newFakeStore())
	require.NoError(t, m.Create(context.Background(), testName))
	assert.ErrorIs(t, m.Create(context.Background(), testName), ErrAlreadyExists)
}

func TestCreateResumesAfterUploadFailure(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	store.failDirUploads = 1
	m := newTestManager(t, cfg, store)

	err := m.Create(context.Background(), testName)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upload raw", se.Stage)

	// local stages persisted; the raw dir survives the failed run
	e, ok := m.index.Entity(testName)
	require.True(t, ok)
	assert.True(t, e.Present(TierLocalRaw))
	assert.True(t, e.Present(TierLocalCompressed))
	assert.False(t, e.Present(TierS3Raw))
	rawHash := e.RawHash()

	// second run resumes at the upload and finishes
	require.NoError(t, m.Create(context.Background(), testName))
	assert.True(t, e.Present(TierS3Raw))
	assert.True(t, e.Present(TierS3Compressed))
	assert.Equal(t, rawHash, e.RawHash(), "resume must not redo the raw copy")
}

func TestCreateGeneratesName(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressEnabled = false
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), ""))

	names := m.index.Names(TierLocalRaw)
	require.Len(t, names, 1)
	assert.True(t, ValidName(names[0]))
}

func TestRestorePrefersRaw(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	dest := filepath.Join(t.TempDir(), "restore")
	require.NoError(t, m.Restore(context.Background(), testName, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestRestoreFallsBackToArchiveOnCorruptRaw(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	// corrupt the raw copy; the recorded digest no longer matches
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TargetPath, testName, "a.txt"), []byte("tampered"), 0644))

	dest := filepath.Join(t.TempDir(), "restore")
	require.NoError(t, m.Restore(context.Background(), testName, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data), "archive fallback must yield the original content")
}

func TestRestoreRefusesExistingDestination(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	dest := t.TempDir()
	precious := filepath.Join(dest, "precious.txt")
	require.NoError(t, os.WriteFile(precious, []byte("keep me"), 0644))

	err := m.Restore(context.Background(), testName, dest)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	data, readErr := os.ReadFile(precious)
	require.NoError(t, readErr)
	assert.Equal(t, "keep me", string(data))
}

func TestRestoreFailureLeavesNoDestination(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressEnabled = false
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	// corrupt the only source; there is nothing to fall back to
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TargetPath, testName, "a.txt"), []byte("tampered"), 0644))

	dest := filepath.Join(t.TempDir(), "restore")
	err := m.Restore(context.Background(), testName, dest)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "a failed restore must not leave a partial tree behind")
}

func TestRestoreUnknownBackup(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	err := m.Restore(context.Background(), testName, filepath.Join(t.TempDir(), "restore"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRestoreFromRemoteOnly(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	m := newTestManager(t, cfg, store)
	require.NoError(t, m.Create(context.Background(), testName))

	// drop both local artifacts, keep the remote mirrors
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.TargetPath, testName)))
	p, _, err := localArchivePath(cfg.TargetPath, testName)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	e, ok := m.index.Entity(testName)
	require.True(t, ok)
	assert.False(t, e.Present(TierLocalRaw))
	assert.True(t, e.Present(TierS3Raw))

	dest := filepath.Join(t.TempDir(), "restore")
	require.NoError(t, m.Restore(context.Background(), testName, dest))
	data, err := os.ReadFile(filepath.Join(dest, "docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))
}

func TestDeleteRemovesEveryTier(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	m := newTestManager(t, cfg, store)
	require.NoError(t, m.Create(context.Background(), testName))

	require.NoError(t, m.Delete(context.Background(), testName))

	_, statErr := os.Stat(filepath.Join(cfg.TargetPath, testName))
	assert.True(t, os.IsNotExist(statErr))
	ok, _ := store.ObjectExists(context.Background(), testName+".tar.gz")
	assert.False(t, ok)
	_, found := m.index.Entity(testName)
	assert.False(t, found)
}

func TestDeleteReportsUnreachableRemoteTiers(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	m := newTestManager(t, cfg, store)
	require.NoError(t, m.Create(context.Background(), testName))

	// the store goes away between the run and the delete
	m.remoteAvailable = false

	err := m.Delete(context.Background(), testName)
	assert.ErrorIs(t, err, ErrUnavailable)

	// local artifacts removed, remote entries kept for a later delete
	_, statErr := os.Stat(filepath.Join(cfg.TargetPath, testName))
	assert.True(t, os.IsNotExist(statErr))
	assert.True(t, m.index.Contains(TierS3Raw, testName))
	assert.True(t, m.index.Contains(TierS3Compressed, testName))
	ok, _ := store.ObjectExists(context.Background(), testName+".tar.gz")
	assert.True(t, ok, "the remote artifact must survive a delete that cannot reach it")
}

func TestDeleteUnknownBackup(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	assert.ErrorIs(t, m.Delete(context.Background(), testName), ErrNotFound)
}

func TestRetentionKeepsNewestRawOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keep = Policy{LocalRaw: Retain(1)}
	m := newTestManager(t, cfg, nil)

	first := "2024_06_01_12_00_00"
	second := "2024_06_02_12_00_00"
	require.NoError(t, m.Create(context.Background(), first))
	require.NoError(t, m.Create(context.Background(), second))

	// oldest raw copy evicted, its archive retained
	_, err := os.Stat(filepath.Join(cfg.TargetPath, first))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.TargetPath, first+".tar.gz"))
	assert.NoError(t, err)

	assert.Equal(t, []string{second}, m.index.Names(TierLocalRaw))
	assert.Equal(t, []string{first, second}, m.index.Names(TierLocalCompressed))
}

func TestUnzipRematerializesRawTier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keep = Policy{LocalRaw: Retain(1)}
	m := newTestManager(t, cfg, nil)

	first := "2024_06_01_12_00_00"
	second := "2024_06_02_12_00_00"
	require.NoError(t, m.Create(context.Background(), first))
	require.NoError(t, m.Create(context.Background(), second))

	require.NoError(t, m.Unzip(context.Background(), first))

	data, err := os.ReadFile(filepath.Join(cfg.TargetPath, first, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Contains(t, m.index.Names(TierLocalRaw), first)

	assert.ErrorIs(t, m.Unzip(context.Background(), first), ErrAlreadyExists)
}

func TestFetchFromRemote(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	m := newTestManager(t, cfg, store)
	require.NoError(t, m.Create(context.Background(), testName))

	// drop the local archive, then pull it back from the store
	p, _, err := localArchivePath(cfg.TargetPath, testName)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.FetchFromRemote(context.Background(), testName))
	_, err = os.Stat(filepath.Join(cfg.TargetPath, testName+".tar.gz"))
	assert.NoError(t, err)
	assert.Contains(t, m.index.Names(TierLocalCompressed), testName)
}

func TestFetchWithoutStore(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	assert.ErrorIs(t, m.FetchFromRemote(context.Background(), testName), ErrUnavailable)
}

func TestCreateFailureLeavesNoGhostEntity(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, os.RemoveAll(cfg.SourcePath))

	require.Error(t, m.Create(context.Background(), testName))

	_, ok := m.index.Entity(testName)
	assert.False(t, ok, "a run that produced nothing must not register a backup")
	assert.Empty(t, m.Status().Backups)
	assert.NotContains(t, m.index.AllNames(), testName)
}

func TestUnzipUnknownBackupLeavesNoEntity(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	assert.ErrorIs(t, m.Unzip(context.Background(), testName), ErrNotFound)
	_, ok := m.index.Entity(testName)
	assert.False(t, ok)
}

func TestFetchNothingToFetchLeavesNoEntity(t *testing.T) {
	m := newTestManager(t, testConfig(t), newFakeStore())
	assert.ErrorIs(t, m.FetchFromRemote(context.Background(), testName), ErrUnavailable)
	_, ok := m.index.Entity(testName)
	assert.False(t, ok)
}

func TestManagerReconcilePicksUpStrays(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)

	// a backup produced by an older run the index never saw
	stray := "2023_01_01_00_00_00"
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.TargetPath, stray), 0755))

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{stray}, report[TierLocalRaw].Added)
	assert.True(t, m.index.Contains(TierLocalRaw, stray))

	// second pass observes the same state and changes nothing
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestStatusSnapshot(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	st := m.Status()
	assert.False(t, st.Pending)
	assert.False(t, st.RemoteAvailable)
	assert.Equal(t, []string{testName}, st.Tiers[TierLocalRaw].Names)
	assert.Greater(t, st.Tiers[TierLocalRaw].TotalSize, int64(0))

	info, ok := st.Backups[testName]
	require.True(t, ok)
	assert.True(t, info.Complete)
	assert.NotEmpty(t, info.RawHash)
	assert.NotEmpty(t, info.CompressedHash)
	assert.Greater(t, info.Sizes[TierLocalCompressed], int64(0))

	// mutating the snapshot must not touch the index
	st.Tiers[TierLocalRaw].Names[0] = "mutated"
	assert.Equal(t, []string{testName}, m.index.Names(TierLocalRaw))
}

func TestManagerRebuildsUnreadableIndex(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	// clobber the document; the next engine must rebuild it from storage
	require.NoError(t, os.WriteFile(cfg.IndexPath(), []byte("{corrupt"), 0644))

	m2 := newTestManager(t, cfg, nil)
	assert.Equal(t, []string{testName}, m2.index.Names(TierLocalRaw))
	assert.Equal(t, []string{testName}, m2.index.Names(TierLocalCompressed))

	// and the rebuilt document is persisted again
	loaded, err := LoadTierIndex(cfg.IndexPath())
	require.NoError(t, err)
	assert.Equal(t, []string{testName}, loaded.Names(TierLocalRaw))
}

func TestUnreachableStoreDisablesRemoteTiers(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	store.unreachable = true
	m := newTestManager(t, cfg, store)

	require.NoError(t, m.Create(context.Background(), testName))
	e, ok := m.index.Entity(testName)
	require.True(t, ok)
	assert.True(t, e.Present(TierLocalRaw))
	assert.False(t, e.Present(TierS3Raw), "uploads must be skipped while the store is unreachable")
}

func TestCreateIgnorePatterns(t *testing.T) {
	cfg := testConfig(t)
	cfg.IgnorePatterns = []string{"*.txt"}
	cfg.CompressEnabled = false
	m := newTestManager(t, cfg, nil)
	require.NoError(t, m.Create(context.Background(), testName))

	_, err := os.Stat(filepath.Join(cfg.TargetPath, testName, "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.TargetPath, testName, "docs"))
	assert.NoError(t, err)
}
