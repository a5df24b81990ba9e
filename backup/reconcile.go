package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhengshuai-xiao/TierBak/internal"
	"github.com/zhengshuai-xiao/TierBak/pkg/archive"
)

// Listing is the observed physical content of one tier. Available is false
// when the tier could not be inspected at all (object store unreachable,
// destination unmounted); an unavailable tier is left untouched by
// reconciliation instead of being emptied.
type Listing struct {
	Names     []string
	Available bool
}

// PhysicalState is a snapshot of what actually exists on each tier.
type PhysicalState map[Tier]Listing

// TierDiff records what reconciliation changed on one tier.
type TierDiff struct {
	Added   []string
	Removed []string
}

// DiffReport maps each reconciled tier to its changes. Tiers with no drift
// and unavailable tiers are absent.
type DiffReport map[Tier]TierDiff

// Empty reports whether reconciliation changed nothing.
func (r DiffReport) Empty() bool {
	return len(r) == 0
}

func (r DiffReport) String() string {
	if r.Empty() {
		return "index matches physical storage"
	}
	var b strings.Builder
	for _, t := range Tiers() {
		d, ok := r[t]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: +%d -%d ", t, len(d.Added), len(d.Removed))
	}
	return strings.TrimSpace(b.String())
}

// Reconcile aligns the index with physical reality: names found on a tier
// but missing from the index are attached, names indexed but physically
// gone are detached. Physical storage always wins. Reconciling twice
// against the same state is a no-op the second time.
//
// The caller persists the index afterwards if the report is non-empty.
func (ix *TierIndex) Reconcile(state PhysicalState) DiffReport {
	report := make(DiffReport)
	for _, t := range Tiers() {
		listing, ok := state[t]
		if !ok || !listing.Available {
			logger.Warnf("tier %s unavailable, skipping reconciliation", t)
			continue
		}

		physical := internal.NewStringSet()
		var diff TierDiff
		for _, name := range listing.Names {
			if !ValidName(name) {
				logger.Debugf("tier %s: ignoring foreign object %q", t, name)
				continue
			}
			physical.Add(name)
			if !ix.Contains(t, name) {
				logger.Warnf("tier %s: found unlisted backup %s, adding to index", t, name)
				ix.Attach(t, name)
				diff.Added = append(diff.Added, name)
			}
		}
		for _, name := range ix.Names(t) {
			if !physical.Contains(name) {
				logger.Warnf("tier %s: indexed backup %s no longer exists, removing", t, name)
				ix.Detach(t, name)
				diff.Removed = append(diff.Removed, name)
			}
		}
		if len(diff.Added) > 0 || len(diff.Removed) > 0 {
			report[t] = diff
		}
	}
	return report
}

// ObserveLocal lists the two local tiers under targetDir. Raw backups are
// directories named like backups; compressed ones are archive files whose
// stem is a backup name. The index document itself and anything foreign is
// ignored.
func ObserveLocal(targetDir string) PhysicalState {
	state := make(PhysicalState)

	dirs, err := internal.ListDirNames(targetDir)
	if err != nil {
		logger.Errorf("cannot list local raw tier %s: %v", targetDir, err)
		state[TierLocalRaw] = Listing{}
	} else {
		state[TierLocalRaw] = Listing{Names: filterBackupNames(dirs), Available: true}
	}

	files, err := internal.ListFileNames(targetDir)
	if err != nil {
		logger.Errorf("cannot list local compressed tier %s: %v", targetDir, err)
		state[TierLocalCompressed] = Listing{}
	} else {
		var names []string
		for _, f := range files {
			if name, ok := archiveStem(f); ok {
				names = append(names, name)
			}
		}
		state[TierLocalCompressed] = Listing{Names: names, Available: true}
	}
	return state
}

// ObserveRemote lists the two remote tiers through the object store. When
// store is nil both remote tiers are reported unavailable.
func ObserveRemote(ctx context.Context, store ObjectStore) PhysicalState {
	state := PhysicalState{
		TierS3Raw:        {},
		TierS3Compressed: {},
	}
	if store == nil {
		return state
	}

	dirs, err := store.ListDirectoriesUnderPrefix(ctx, "")
	if err != nil {
		logger.Errorf("cannot list remote raw tier: %v", err)
	} else {
		state[TierS3Raw] = Listing{Names: filterBackupNames(dirs), Available: true}
	}

	files, err := store.ListFilesUnderPrefix(ctx, "")
	if err != nil {
		logger.Errorf("cannot list remote compressed tier: %v", err)
	} else {
		var names []string
		for _, f := range files {
			if name, ok := archiveStem(filepath.Base(f)); ok {
				names = append(names, name)
			}
		}
		state[TierS3Compressed] = Listing{Names: names, Available: true}
	}
	return state
}

// Observe gathers all four tier listings, the two local ones and the two
// remote ones in parallel. Each worker fills its own slot; results are
// merged only after both finish, so no listing is shared while in flight.
func Observe(ctx context.Context, targetDir string, store ObjectStore) PhysicalState {
	var local, remote PhysicalState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local = ObserveLocal(targetDir)
		return nil
	})
	g.Go(func() error {
		remote = ObserveRemote(gctx, store)
		return nil
	})
	g.Wait()

	state := make(PhysicalState, 4)
	for t, l := range local {
		state[t] = l
	}
	for t, l := range remote {
		state[t] = l
	}
	return state
}

// RebuildTierIndex constructs a fresh index purely from physical listings,
// for when the index document is lost or unreadable. Unavailable tiers
// come back empty; a later reconciliation fills them in once reachable.
func RebuildTierIndex(path string, state PhysicalState) *TierIndex {
	ix := NewTierIndex(path)
	for _, t := range Tiers() {
		listing, ok := state[t]
		if !ok || !listing.Available {
			continue
		}
		for _, name := range listing.Names {
			if ValidName(name) {
				ix.Attach(t, name)
			}
		}
	}
	logger.Warnf("index rebuilt from storage: %d backups", len(ix.entities))
	return ix
}

// VerifyLocalHashes re-hashes the artifacts of both local tiers and
// compares against the recorded digests: raw trees through hashTree, the
// compressed archives through hashFile. Mismatching backups are reported;
// when exclude is true they are also detached from the affected tier so a
// later run cannot restore corrupt content silently.
func (ix *TierIndex) VerifyLocalHashes(targetDir string, exclude bool, hashTree func(string) (string, error), hashFile func(string) (string, error)) []string {
	type drift struct {
		tier Tier
		name string
	}
	var corrupt []drift
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, name := range ix.Names(TierLocalRaw) {
		name := name
		e, ok := ix.Entity(name)
		if !ok || e.RawHash() == "" {
			continue
		}
		want := e.RawHash()
		g.Go(func() error {
			got, err := hashTree(filepath.Join(targetDir, name))
			if err != nil {
				logger.Errorf("cannot verify raw backup %s: %v", name, err)
				return nil
			}
			if got != want {
				logger.Errorf("raw backup %s failed verification: recorded %s, computed %s", name, want, got)
				mu.Lock()
				corrupt = append(corrupt, drift{TierLocalRaw, name})
				mu.Unlock()
			}
			return nil
		})
	}
	for _, name := range ix.Names(TierLocalCompressed) {
		name := name
		e, ok := ix.Entity(name)
		if !ok || e.CompressedHash() == "" {
			continue
		}
		want := e.CompressedHash()
		g.Go(func() error {
			p, _, err := localArchivePath(targetDir, name)
			if err != nil {
				logger.Errorf("cannot verify archive of %s: %v", name, err)
				return nil
			}
			got, err := hashFile(p)
			if err != nil {
				logger.Errorf("cannot verify archive of %s: %v", name, err)
				return nil
			}
			if got != want {
				logger.Errorf("archive of %s failed verification: recorded %s, computed %s", name, want, got)
				mu.Lock()
				corrupt = append(corrupt, drift{TierLocalCompressed, name})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	names := make([]string, 0, len(corrupt))
	for _, d := range corrupt {
		if exclude {
			ix.Detach(d.tier, d.name)
		}
		names = append(names, d.name)
	}
	return names
}

// filterBackupNames keeps only entries that look like backup names.
func filterBackupNames(names []string) []string {
	var out []string
	for _, n := range names {
		if ValidName(n) {
			out = append(out, n)
		}
	}
	return out
}

// archiveStem extracts the backup name from an archive file name, e.g.
// "2024_01_01_00_00_00.tar.gz" -> "2024_01_01_00_00_00".
func archiveStem(fileName string) (string, bool) {
	format, err := archive.FormatFromPath(fileName)
	if err != nil {
		return "", false
	}
	name := strings.TrimSuffix(fileName, format.Extension())
	if !ValidName(name) {
		return "", false
	}
	return name, true
}

// localArchivePath finds the compressed artifact for name under dir, trying
// every supported extension. Needed because the archive format is
// configurable and may have changed between runs.
func localArchivePath(dir, name string) (string, archive.Format, error) {
	for _, f := range archive.Formats() {
		p := filepath.Join(dir, name+f.Extension())
		if _, err := os.Stat(p); err == nil {
			return p, f, nil
		}
	}
	return "", "", fmt.Errorf("%w: no archive for %s under %s", ErrNotFound, name, dir)
}
