package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/zhengshuai-xiao/TierBak/internal"
	"github.com/zhengshuai-xiao/TierBak/pkg/archive"
	"github.com/zhengshuai-xiao/TierBak/pkg/hashing"
)

// Create runs the full backup pipeline for name: raw copy, archive, the
// two uploads, then retention. An empty name is replaced with the current
// timestamp. The pipeline is resumable: every stage checks the entity's
// flags first and skips work that already completed, so re-running a
// half-finished backup only does what is missing. A backup already
// complete on every configured tier fails with ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, name string) (err error) {
	if err := m.acquire("create"); err != nil {
		return err
	}
	defer m.release()

	if name == "" {
		name = NewBackupName(time.Now())
	}
	runID := uuid.New().String()[:8]
	started := time.Now()
	logger.Infof("[%s] backup %s starting", runID, name)
	notify(ctx, m.notifier, fmt.Sprintf("backup %s started", name))

	defer func() {
		if err != nil {
			logger.Errorf("[%s] backup %s failed after %s: %v", runID, name, time.Since(started).Round(time.Millisecond), err)
			notify(ctx, m.notifier, fmt.Sprintf("backup %s failed: %v", name, err))
			// a run that never reached its first tier leaves no entity behind
			m.mu.Lock()
			m.index.Discard(name)
			m.mu.Unlock()
		}
	}()

	m.mu.Lock()
	e, err := m.index.Ensure(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.alreadyComplete(e) {
		return fmt.Errorf("%w: %s is complete on every configured tier", ErrAlreadyExists, name)
	}

	if err := m.stageRawCopy(ctx, runID, e); err != nil {
		return err
	}
	if err := m.stageCompress(ctx, runID, e); err != nil {
		return err
	}
	if err := m.stageUploadRaw(ctx, runID, e); err != nil {
		return err
	}
	if err := m.stageUploadCompressed(ctx, runID, e); err != nil {
		return err
	}

	if deleted, err := m.enforceRetention(ctx); err != nil {
		logger.Errorf("[%s] retention incomplete: %v", runID, err)
	} else if len(deleted) > 0 {
		logger.Infof("[%s] retention evicted %d artifacts", runID, len(deleted))
	}

	elapsed := time.Since(started).Round(time.Millisecond)
	logger.Infof("[%s] backup %s done in %s, raw %s, archive %s", runID, name, elapsed,
		humanize.IBytes(uint64(e.SizeOnTier(TierLocalRaw))),
		humanize.IBytes(uint64(e.SizeOnTier(TierLocalCompressed))))
	notify(ctx, m.notifier, fmt.Sprintf("backup %s finished in %s", name, elapsed))
	return nil
}

// alreadyComplete reports whether every tier this configuration produces
// is already present.
func (m *Manager) alreadyComplete(e *Entity) bool {
	if !e.Present(TierLocalRaw) {
		return false
	}
	if m.cfg.CompressEnabled && !e.Present(TierLocalCompressed) {
		return false
	}
	if m.remoteAvailable {
		if !e.Present(TierS3Raw) {
			return false
		}
		if m.cfg.CompressEnabled && !e.Present(TierS3Compressed) {
			return false
		}
	}
	return true
}

func (m *Manager) stageRawCopy(ctx context.Context, runID string, e *Entity) error {
	if e.Present(TierLocalRaw) {
		logger.Infof("[%s] raw copy of %s already present, resuming after it", runID, e.Name())
		return nil
	}
	if err := m.ensureFreeSpace(); err != nil {
		notify(ctx, m.notifier, "free space critically low, backup aborted: "+err.Error())
		return &StageError{Stage: "copy", Backup: e.Name(), Err: err}
	}

	dst := m.localRawPath(e.Name())
	t0 := time.Now()
	if err := internal.CopyTree(m.cfg.SourcePath, dst, m.cfg.IgnorePatterns); err != nil {
		os.RemoveAll(dst)
		return &StageError{Stage: "copy", Backup: e.Name(), Err: err}
	}
	hash, err := hashing.TreeHash(dst)
	if err != nil {
		return &StageError{Stage: "copy", Backup: e.Name(), Err: err}
	}
	size, err := internal.DirSize(dst)
	if err != nil {
		return &StageError{Stage: "copy", Backup: e.Name(), Err: err}
	}
	if err := e.MarkRawComplete(hash, size); err != nil {
		return err
	}
	m.mu.Lock()
	m.index.Attach(TierLocalRaw, e.Name())
	m.mu.Unlock()
	if err := m.saveIndex(); err != nil {
		return err
	}
	logger.Infof("[%s] raw copy done in %s, %s", runID, time.Since(t0).Round(time.Millisecond), humanize.IBytes(uint64(size)))
	return nil
}

func (m *Manager) stageCompress(ctx context.Context, runID string, e *Entity) error {
	if !m.cfg.CompressEnabled {
		return nil
	}
	if e.Present(TierLocalCompressed) {
		logger.Infof("[%s] archive of %s already present, resuming after it", runID, e.Name())
		return nil
	}

	archivePath := m.localRawPath(e.Name()) + m.format.Extension()
	t0 := time.Now()
	if err := archive.Compress(m.localRawPath(e.Name()), archivePath, m.format); err != nil {
		return &StageError{Stage: "compress", Backup: e.Name(), Err: err}
	}
	hash, err := hashing.FileHash(archivePath)
	if err != nil {
		return &StageError{Stage: "compress", Backup: e.Name(), Err: err}
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return &StageError{Stage: "compress", Backup: e.Name(), Err: err}
	}
	if err := e.MarkCompressed(hash, info.Size()); err != nil {
		return err
	}
	m.mu.Lock()
	m.index.Attach(TierLocalCompressed, e.Name())
	m.mu.Unlock()
	if err := m.saveIndex(); err != nil {
		return err
	}
	logger.Infof("[%s] archive done in %s, %s", runID, time.Since(t0).Round(time.Millisecond), humanize.IBytes(uint64(info.Size())))
	return nil
}

func (m *Manager) stageUploadRaw(ctx context.Context, runID string, e *Entity) error {
	store := m.remoteStore()
	if store == nil || e.Present(TierS3Raw) {
		return nil
	}

	t0 := time.Now()
	if err := store.UploadDirectory(ctx, e.Name(), m.localRawPath(e.Name())); err != nil {
		return &StageError{Stage: "upload raw", Backup: e.Name(), Err: err}
	}
	if err := e.MarkUploaded(TierS3Raw, e.SizeOnTier(TierLocalRaw)); err != nil {
		return err
	}
	m.mu.Lock()
	m.index.Attach(TierS3Raw, e.Name())
	m.mu.Unlock()
	if err := m.saveIndex(); err != nil {
		return err
	}
	logger.Infof("[%s] raw upload done in %s", runID, time.Since(t0).Round(time.Millisecond))
	return nil
}

func (m *Manager) stageUploadCompressed(ctx context.Context, runID string, e *Entity) error {
	store := m.remoteStore()
	if store == nil || !m.cfg.CompressEnabled || e.Present(TierS3Compressed) {
		return nil
	}

	key := e.Name() + m.format.Extension()
	t0 := time.Now()
	if err := store.UploadFile(ctx, key, m.localRawPath(e.Name())+m.format.Extension()); err != nil {
		return &StageError{Stage: "upload compressed", Backup: e.Name(), Err: err}
	}
	if err := e.MarkUploaded(TierS3Compressed, e.SizeOnTier(TierLocalCompressed)); err != nil {
		return err
	}
	m.mu.Lock()
	m.index.Attach(TierS3Compressed, e.Name())
	m.mu.Unlock()
	if err := m.saveIndex(); err != nil {
		return err
	}
	logger.Infof("[%s] archive upload done in %s", runID, time.Since(t0).Round(time.Millisecond))
	return nil
}

// Restore materializes backup name into destDir, preferring the raw tiers
// over the compressed ones and local over remote. Every restored tree is
// re-hashed against the recorded digest when one exists; a mismatch fails
// that source with ErrIntegrityMismatch and the next source is tried.
// When no source produces a verified tree the last failure is returned,
// or ErrUnavailable when no tier holds the backup at all.
//
// Every source restores into a staging directory next to destDir; destDir
// itself appears only through the final rename, so a failed attempt can
// never leave a half-restored tree there or touch anything that already
// exists at the destination. An existing destDir is refused up front.
func (m *Manager) Restore(ctx context.Context, name, destDir string) error {
	if err := m.acquire("restore"); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	e, ok := m.index.Entity(name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, name)
	}

	if _, err := os.Lstat(destDir); err == nil {
		return fmt.Errorf("%w: restore destination %s already exists", ErrAlreadyExists, destDir)
	}
	staging, err := os.MkdirTemp(filepath.Dir(destDir), ".tierbak-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)
	stage := filepath.Join(staging, "tree")

	type source struct {
		tier    Tier
		restore func() error
	}
	sources := []source{
		{TierLocalRaw, func() error { return m.restoreFromLocalRaw(e, stage) }},
		{TierS3Raw, func() error { return m.restoreFromRemoteRaw(ctx, e, stage) }},
		{TierLocalCompressed, func() error { return m.restoreFromLocalArchive(e, stage) }},
		{TierS3Compressed, func() error { return m.restoreFromRemoteArchive(ctx, e, stage) }},
	}

	var lastErr error
	for _, src := range sources {
		if !e.Present(src.tier) {
			continue
		}
		if src.tier.Remote() && m.remoteStore() == nil {
			continue
		}
		logger.Infof("restoring %s from tier %s", name, src.tier)
		if err := src.restore(); err != nil {
			logger.Errorf("restore of %s from %s failed: %v", name, src.tier, err)
			lastErr = err
			os.RemoveAll(stage)
			continue
		}
		if err := os.Rename(stage, destDir); err != nil {
			return fmt.Errorf("failed to move restored tree into place: %w", err)
		}
		logger.Infof("restored %s into %s", name, destDir)
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, name)
}

func (m *Manager) restoreFromLocalRaw(e *Entity, dest string) error {
	if err := internal.CopyTree(m.localRawPath(e.Name()), dest, nil); err != nil {
		return err
	}
	return m.verifyTree(dest, e.RawHash())
}

func (m *Manager) restoreFromRemoteRaw(ctx context.Context, e *Entity, dest string) error {
	if err := m.remoteStore().DownloadDirectory(ctx, e.Name(), dest); err != nil {
		return err
	}
	return m.verifyTree(dest, e.RawHash())
}

func (m *Manager) restoreFromLocalArchive(e *Entity, dest string) error {
	p, _, err := localArchivePath(m.cfg.TargetPath, e.Name())
	if err != nil {
		return err
	}
	if err := m.verifyFile(p, e.CompressedHash()); err != nil {
		return err
	}
	return archive.Extract(p, dest)
}

func (m *Manager) restoreFromRemoteArchive(ctx context.Context, e *Entity, dest string) error {
	tmp, err := os.MkdirTemp("", "tierbak-fetch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	key := e.Name() + m.format.Extension()
	local := filepath.Join(tmp, key)
	if err := m.remoteStore().DownloadFile(ctx, key, local); err != nil {
		return err
	}
	if err := m.verifyFile(local, e.CompressedHash()); err != nil {
		return err
	}
	return archive.Extract(local, dest)
}

// verifyTree compares a freshly hashed tree against want; an empty want
// means no digest was recorded and the check is skipped.
func (m *Manager) verifyTree(dir, want string) error {
	if want == "" {
		logger.Warnf("no recorded digest for %s, skipping verification", dir)
		return nil
	}
	got, err := hashing.TreeHash(dir)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrIntegrityMismatch, want, got)
	}
	return nil
}

func (m *Manager) verifyFile(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := hashing.FileHash(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrIntegrityMismatch, want, got)
	}
	return nil
}

// Delete removes backup name from every tier. Each tier is its own small
// transaction: physical delete, detach, persist. A failing tier leaves its
// artifact and index entry in place while the others proceed. A tier whose
// storage cannot be reached counts as a failure, so the caller never sees
// a clean result while remote artifacts survive.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.acquire("delete"); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	_, ok := m.index.Entity(name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	deleters := m.deleters(ctx)
	var failures []error
	for _, t := range Tiers() {
		m.mu.Lock()
		present := m.index.Contains(t, name)
		m.mu.Unlock()
		if !present {
			continue
		}
		del, ok := deleters[t]
		if !ok {
			failures = append(failures, fmt.Errorf("tier %s: %w: object store not configured or unreachable", t, ErrUnavailable))
			continue
		}
		if err := del(name); err != nil {
			failures = append(failures, fmt.Errorf("tier %s: %w", t, err))
			continue
		}
		m.mu.Lock()
		m.index.Detach(t, name)
		m.mu.Unlock()
		if err := m.saveIndex(); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Unzip re-materializes the raw tier of name from its local archive,
// typically after retention dropped the raw copy but kept the compressed
// one.
func (m *Manager) Unzip(ctx context.Context, name string) (err error) {
	if err := m.acquire("unzip"); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	e, err := m.index.Ensure(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.mu.Lock()
			m.index.Discard(name)
			m.mu.Unlock()
		}
	}()
	if e.Present(TierLocalRaw) {
		return fmt.Errorf("%w: raw copy of %s already present", ErrAlreadyExists, name)
	}

	p, _, err := localArchivePath(m.cfg.TargetPath, name)
	if err != nil {
		return err
	}
	if err := m.verifyFile(p, e.CompressedHash()); err != nil {
		return err
	}

	dst := m.localRawPath(name)
	if err := archive.Extract(p, dst); err != nil {
		os.RemoveAll(dst)
		return err
	}
	hash, err := hashing.TreeHash(dst)
	if err != nil {
		return err
	}
	size, err := internal.DirSize(dst)
	if err != nil {
		return err
	}
	if err := e.MarkRawComplete(hash, size); err != nil {
		return err
	}
	m.mu.Lock()
	m.index.Attach(TierLocalRaw, name)
	m.mu.Unlock()
	return m.saveIndex()
}

// FetchFromRemote pulls backup name from the object store into the local
// tiers: the archive when the remote compressed tier has it, the raw tree
// otherwise.
func (m *Manager) FetchFromRemote(ctx context.Context, name string) (err error) {
	if err := m.acquire("fetch"); err != nil {
		return err
	}
	defer m.release()

	store := m.remoteStore()
	if store == nil {
		return fmt.Errorf("%w: object store is not configured or unreachable", ErrUnavailable)
	}

	m.mu.Lock()
	e, err := m.index.Ensure(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.mu.Lock()
			m.index.Discard(name)
			m.mu.Unlock()
		}
	}()

	if e.Present(TierS3Compressed) && !e.Present(TierLocalCompressed) {
		key := name + m.format.Extension()
		local := m.localRawPath(name) + m.format.Extension()
		if err := store.DownloadFile(ctx, key, local); err != nil {
			return err
		}
		if err := m.verifyFile(local, e.CompressedHash()); err != nil {
			os.Remove(local)
			return err
		}
		m.mu.Lock()
		m.index.Attach(TierLocalCompressed, name)
		m.mu.Unlock()
		if err := m.saveIndex(); err != nil {
			return err
		}
		logger.Infof("fetched archive of %s from object store", name)
		return nil
	}

	if e.Present(TierS3Raw) && !e.Present(TierLocalRaw) {
		dst := m.localRawPath(name)
		if err := store.DownloadDirectory(ctx, name, dst); err != nil {
			os.RemoveAll(dst)
			return err
		}
		if err := m.verifyTree(dst, e.RawHash()); err != nil {
			os.RemoveAll(dst)
			return err
		}
		m.mu.Lock()
		m.index.Attach(TierLocalRaw, name)
		m.mu.Unlock()
		if err := m.saveIndex(); err != nil {
			return err
		}
		logger.Infof("fetched raw copy of %s from object store", name)
		return nil
	}

	return fmt.Errorf("%w: %s has nothing to fetch", ErrUnavailable, name)
}
