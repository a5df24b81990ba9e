package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zhengshuai-xiao/TierBak/internal"
	"github.com/zhengshuai-xiao/TierBak/pkg/archive"
	"github.com/zhengshuai-xiao/TierBak/pkg/hashing"
)

// Manager is the backup orchestrator. It owns the tier index and runs the
// whole pipeline: raw copy, compression, upload, retention, restore. All
// mutating operations are single-flight; a second caller gets ErrBusy
// instead of queueing, since an overlapping run could only corrupt the
// tiers it shares.
type Manager struct {
	cfg      *Config
	format   archive.Format
	store    ObjectStore
	notifier Notifier

	// pending is the single-flight gate. CompareAndSwap, not Lock: a
	// busy engine answers immediately.
	pending atomic.Bool

	// mu guards the index for read access from Status while a run holds
	// the pending gate.
	mu    sync.Mutex
	index *TierIndex

	remoteAvailable bool
}

// NewManager validates cfg, loads the index document, verifies the local
// artifacts against their recorded digests, and reconciles the index with
// what actually exists on every reachable tier. The returned engine is
// consistent with physical reality at the moment of creation.
func NewManager(ctx context.Context, cfg *Config, store ObjectStore, notifier Notifier) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TargetPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create target directory %s: %w", cfg.TargetPath, err)
	}
	format, err := archive.ParseFormat(cfg.Format())
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	m := &Manager{
		cfg:      cfg,
		format:   format,
		store:    store,
		notifier: notifier,
	}

	if store != nil {
		if err := store.TestConnectivity(ctx); err != nil {
			logger.Errorf("object store unreachable, remote tiers disabled for this run: %v", err)
		} else {
			m.remoteAvailable = true
		}
	}

	index, err := LoadTierIndex(cfg.IndexPath())
	if err != nil {
		// an unreadable document is treated like a lost one: storage is
		// the ground truth, the index can always be rebuilt from it
		logger.Errorf("index document unreadable, rebuilding from storage: %v", err)
		index = RebuildTierIndex(cfg.IndexPath(), Observe(ctx, cfg.TargetPath, m.remoteStore()))
		if err := index.Save(); err != nil {
			return nil, err
		}
	}
	m.index = index

	if corrupt := index.VerifyLocalHashes(cfg.TargetPath, cfg.ExcludeOnHashMismatch, hashing.TreeHash, hashing.FileHash); len(corrupt) > 0 {
		logger.Errorf("%d local backups failed digest verification: %v", len(corrupt), corrupt)
		notify(ctx, notifier, fmt.Sprintf("backup verification failed for %d backups: %v", len(corrupt), corrupt))
	}

	if report := m.reconcileLocked(ctx); !report.Empty() {
		logger.Warnf("index drifted from storage: %s", report)
		if err := index.Save(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// acquire takes the single-flight gate or fails with ErrBusy.
func (m *Manager) acquire(op string) error {
	if !m.pending.CompareAndSwap(false, true) {
		logger.Warnf("%s rejected: another operation is pending", op)
		return ErrBusy
	}
	return nil
}

func (m *Manager) release() {
	m.pending.Store(false)
}

// remoteStore returns the store only while the remote tiers are usable.
func (m *Manager) remoteStore() ObjectStore {
	if !m.remoteAvailable {
		return nil
	}
	return m.store
}

// reconcileLocked observes all tiers and aligns the index. Caller holds
// the pending gate (or is the constructor, before the engine is shared).
func (m *Manager) reconcileLocked(ctx context.Context) DiffReport {
	state := Observe(ctx, m.cfg.TargetPath, m.remoteStore())
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Reconcile(state)
}

// Reconcile realigns the index with physical storage on demand and
// persists it when anything changed.
func (m *Manager) Reconcile(ctx context.Context) (DiffReport, error) {
	if err := m.acquire("reconcile"); err != nil {
		return nil, err
	}
	defer m.release()

	report := m.reconcileLocked(ctx)
	if !report.Empty() {
		if err := m.saveIndex(); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) saveIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Save()
}

// TierStatus is the reported state of one tier.
type TierStatus struct {
	Names     []string `json:"names"`
	TotalSize int64    `json:"total_size"`
}

// BackupInfo is the reported state of one backup across tiers.
type BackupInfo struct {
	Sizes          map[Tier]int64 `json:"sizes"`
	RawHash        string         `json:"raw_hash,omitempty"`
	CompressedHash string         `json:"compressed_hash,omitempty"`
	Complete       bool           `json:"complete"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Pending         bool                  `json:"pending"`
	RemoteAvailable bool                  `json:"remote_available"`
	Tiers           map[Tier]TierStatus   `json:"tiers"`
	Backups         map[string]BackupInfo `json:"backups"`
}

// Status reports the current tier contents. Safe to call while a run is in
// flight; the snapshot is a deep copy taken under the index lock.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Pending:         m.pending.Load(),
		RemoteAvailable: m.remoteAvailable,
		Tiers:           make(map[Tier]TierStatus, 4),
		Backups:         make(map[string]BackupInfo),
	}
	for _, t := range Tiers() {
		ts := TierStatus{Names: m.index.Names(t)}
		for _, name := range ts.Names {
			if e, ok := m.index.Entity(name); ok {
				ts.TotalSize += e.SizeOnTier(t)
			}
		}
		st.Tiers[t] = ts
	}
	for _, name := range m.index.AllNames() {
		e, ok := m.index.Entity(name)
		if !ok {
			continue
		}
		info := BackupInfo{
			Sizes:          make(map[Tier]int64, 4),
			RawHash:        e.RawHash(),
			CompressedHash: e.CompressedHash(),
			Complete:       e.IsComplete(),
		}
		for _, t := range Tiers() {
			if e.Present(t) {
				info.Sizes[t] = e.SizeOnTier(t)
			}
		}
		st.Backups[name] = info
	}
	return st
}

// deleters maps each tier to its physical deletion routine, for retention
// and for Delete.
func (m *Manager) deleters(ctx context.Context) map[Tier]func(string) error {
	d := map[Tier]func(string) error{
		TierLocalRaw: func(name string) error {
			return os.RemoveAll(m.localRawPath(name))
		},
		TierLocalCompressed: func(name string) error {
			p, _, err := localArchivePath(m.cfg.TargetPath, name)
			if err != nil {
				// already gone; detaching is the right outcome
				return nil
			}
			return os.Remove(p)
		},
	}
	if store := m.remoteStore(); store != nil {
		d[TierS3Raw] = func(name string) error {
			return store.DeleteByPrefix(ctx, name)
		}
		d[TierS3Compressed] = func(name string) error {
			return store.DeleteObject(ctx, name+m.format.Extension())
		}
	}
	return d
}

// enforceRetention applies the configured policy, persisting after every
// eviction. The whole pass runs under the index lock, so Persist uses the
// unguarded Save directly.
func (m *Manager) enforceRetention(ctx context.Context) ([]Deletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en := &Enforcer{
		Index:    m.index,
		Deleters: m.deleters(ctx),
		Persist:  func() error { return m.index.Save() },
	}
	return en.Enforce(m.cfg.Keep)
}

// ensureFreeSpace projects the next raw copy onto the target filesystem
// and fails early when it would not fit with the configured margin left.
func (m *Manager) ensureFreeSpace() error {
	if m.cfg.MinFreeSpace <= 0 {
		return nil
	}
	need, err := internal.DirSize(m.cfg.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to size source tree: %w", err)
	}
	free, err := internal.FreeSpace(m.cfg.TargetPath)
	if err != nil {
		return fmt.Errorf("failed to stat target filesystem: %w", err)
	}
	if free < uint64(need)+uint64(m.cfg.MinFreeSpace) {
		return fmt.Errorf("not enough space on %s: %s free, need %s plus %s margin",
			m.cfg.TargetPath, humanize.IBytes(free),
			humanize.IBytes(uint64(need)), humanize.IBytes(uint64(m.cfg.MinFreeSpace)))
	}
	return nil
}

// NewBackupName returns the canonical name for a backup started at t.
func NewBackupName(t time.Time) string {
	return t.Format(NameTimeLayout)
}

func (m *Manager) localRawPath(name string) string {
	return filepath.Join(m.cfg.TargetPath, name)
}
