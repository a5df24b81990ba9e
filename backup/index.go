package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/zhengshuai-xiao/TierBak/internal"
)

// IndexFileName is the index document kept at the root of the backup
// destination. It is the sole durable source of truth between runs;
// physical storage is the ground truth the index reconciles toward.
const IndexFileName = "backup_info.json"

// indexDocument is the persisted JSON form: four ordered name arrays plus
// the digests needed to verify entities on load. Field order is stable and
// the document is indented so operators can diff revisions.
type indexDocument struct {
	LocalRaw        []string                  `json:"local_raw"`
	LocalCompressed []string                  `json:"local_compressed"`
	S3Raw           []string                  `json:"s3_raw"`
	S3Compressed    []string                  `json:"s3_compressed"`
	Hashes          map[string]documentHashes `json:"hashes,omitempty"`
}

type documentHashes struct {
	Raw        string `json:"raw,omitempty"`
	Compressed string `json:"compressed,omitempty"`
}

// TierIndex maps each tier to the ordered set of backup names present
// there, backed by one Entity per known name. Insertion order is
// chronological; names sort lexicographically by construction, so the two
// orders never diverge.
//
// TierIndex is not safe for concurrent use. The orchestrator owns it and
// serializes all mutation behind its pending-operation gate.
type TierIndex struct {
	path     string
	tiers    map[Tier][]string
	entities map[string]*Entity
}

// NewTierIndex returns an empty index that persists to path.
func NewTierIndex(path string) *TierIndex {
	ix := &TierIndex{
		path:     path,
		tiers:    make(map[Tier][]string, 4),
		entities: make(map[string]*Entity),
	}
	for _, t := range Tiers() {
		ix.tiers[t] = nil
	}
	return ix
}

// LoadTierIndex reads the index document at path. A missing document yields
// an empty index, not an error: first run, or a lost index to be rebuilt by
// reconciliation.
func LoadTierIndex(path string) (*TierIndex, error) {
	ix := NewTierIndex(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("index document %s not found, starting empty", path)
			return ix, nil
		}
		return nil, fmt.Errorf("failed to read index document %s: %w", path, err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse index document %s: %w", path, err)
	}

	for t, names := range map[Tier][]string{
		TierLocalRaw:        doc.LocalRaw,
		TierLocalCompressed: doc.LocalCompressed,
		TierS3Raw:           doc.S3Raw,
		TierS3Compressed:    doc.S3Compressed,
	} {
		for _, name := range names {
			if !ValidName(name) {
				logger.Warnf("ignoring malformed backup name %q in %s of %s", name, t, path)
				continue
			}
			ix.Attach(t, name)
		}
	}
	for name, h := range doc.Hashes {
		if e, ok := ix.entities[name]; ok {
			e.setHashes(h.Raw, h.Compressed)
		}
	}
	return ix, nil
}

// Save writes the whole index as one atomic document write: temp file in
// the same directory, then rename. A crash can lose the latest revision but
// can never leave a truncated document.
func (ix *TierIndex) Save() error {
	doc := indexDocument{
		LocalRaw:        append([]string{}, ix.tiers[TierLocalRaw]...),
		LocalCompressed: append([]string{}, ix.tiers[TierLocalCompressed]...),
		S3Raw:           append([]string{}, ix.tiers[TierS3Raw]...),
		S3Compressed:    append([]string{}, ix.tiers[TierS3Compressed]...),
	}
	for name, e := range ix.entities {
		if e.rawHash == "" && e.compressedHash == "" {
			continue
		}
		if doc.Hashes == nil {
			doc.Hashes = make(map[string]documentHashes)
		}
		doc.Hashes[name] = documentHashes{Raw: e.rawHash, Compressed: e.compressedHash}
	}

	data, err := json.MarshalIndent(&doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize index: %w", err)
	}
	if err := internal.AtomicWriteFile(ix.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist index to %s: %w", ix.path, err)
	}
	logger.Debugf("index persisted to %s", ix.path)
	return nil
}

// Path returns the location of the persisted document.
func (ix *TierIndex) Path() string { return ix.path }

// Entity returns the entity for name, if any tier knows it.
func (ix *TierIndex) Entity(name string) (*Entity, bool) {
	e, ok := ix.entities[name]
	return e, ok
}

// Names returns a copy of the tier's member names in chronological order.
func (ix *TierIndex) Names(t Tier) []string {
	return append([]string{}, ix.tiers[t]...)
}

// AllNames returns every known backup name, oldest first.
func (ix *TierIndex) AllNames() []string {
	names := make([]string, 0, len(ix.entities))
	for name := range ix.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of backups on the tier.
func (ix *TierIndex) Count(t Tier) int {
	return len(ix.tiers[t])
}

// Oldest returns the chronologically first name on the tier.
func (ix *TierIndex) Oldest(t Tier) (string, bool) {
	if len(ix.tiers[t]) == 0 {
		return "", false
	}
	return ix.tiers[t][0], true
}

// Contains reports tier membership.
func (ix *TierIndex) Contains(t Tier, name string) bool {
	for _, n := range ix.tiers[t] {
		if n == name {
			return true
		}
	}
	return false
}

// Attach records name as present on tier: the name joins the tier's
// ordered collection and the entity's presence flag is set, creating the
// entity if the index has never seen the name. Attach is idempotent.
//
// Callers attach only after the physical artifact is confirmed to exist:
// either a stage just produced it, or a storage listing reported it.
func (ix *TierIndex) Attach(t Tier, name string) *Entity {
	if !t.valid() {
		logger.Errorf("attach %s: unknown tier %q", name, t)
		return nil
	}
	e, ok := ix.entities[name]
	if !ok {
		// names are validated at every entrance, so this cannot fail
		e, _ = NewEntity(name)
		if e == nil {
			return nil
		}
		ix.entities[name] = e
	}
	e.setPresent(t, true)
	if !ix.Contains(t, name) {
		ix.tiers[t] = insertSorted(ix.tiers[t], name)
	}
	return e
}

// Ensure returns the entity for name, creating one with no tiers if the
// index has never seen the name. The entity joins tier collections only
// through Attach.
func (ix *TierIndex) Ensure(name string) (*Entity, error) {
	if e, ok := ix.entities[name]; ok {
		return e, nil
	}
	e, err := NewEntity(name)
	if err != nil {
		return nil, err
	}
	ix.entities[name] = e
	return e, nil
}

// Discard drops the entity for name when no tier retains it. Operations
// that Ensure an entity and then fail before the first Attach use it so
// the index never reports a backup that exists nowhere. Attached entities
// are left alone.
func (ix *TierIndex) Discard(name string) {
	if e, ok := ix.entities[name]; ok && !e.Retained() {
		delete(ix.entities, name)
	}
}

// Detach removes name from the tier and clears the entity's flag. When no
// tier retains the backup anymore, the entity is dropped from the index.
func (ix *TierIndex) Detach(t Tier, name string) {
	members := ix.tiers[t]
	for i, n := range members {
		if n == name {
			ix.tiers[t] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if e, ok := ix.entities[name]; ok {
		e.ClearTier(t)
		if !e.Retained() {
			delete(ix.entities, name)
		}
	}
}

// insertSorted keeps the chronological (= lexical) order even when a stale
// name is attached by reconciliation after newer ones.
func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}
