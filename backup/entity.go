package backup

import "regexp"

// nameRe pins the lexical form of a backup name. The format makes
// lexicographic order equal to chronological order, so the index needs no
// separate timestamp field.
var nameRe = regexp.MustCompile(`^\d{4}_\d{2}_\d{2}_\d{2}_\d{2}_\d{2}$`)

// NameTimeLayout is the time.Format layout producing a valid backup name.
const NameTimeLayout = "2006_01_02_15_04_05"

// ValidName reports whether s has the YYYY_MM_DD_HH_MM_SS form.
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}

// Entity is the state of one named backup across tiers. All mutation goes
// through the mark/clear methods below, which validate that the predecessor
// state is consistent; nothing outside this package flips a flag directly.
//
// A presence flag is only ever set after the physical artifact has been
// confirmed, and a digest is only stored once the corresponding tier is
// complete, so a stored digest can always be trusted for verification.
type Entity struct {
	name string

	rawPresent          bool
	compressedPresent   bool
	s3RawPresent        bool
	s3CompressedPresent bool

	rawHash        string
	compressedHash string

	sizes map[Tier]int64
}

// NewEntity creates an entity with no tier present yet.
func NewEntity(name string) (*Entity, error) {
	if !ValidName(name) {
		return nil, &StateError{Backup: name, Op: "create", Reason: "name is not of the form YYYY_MM_DD_HH_MM_SS"}
	}
	return &Entity{name: name, sizes: make(map[Tier]int64)}, nil
}

func (e *Entity) Name() string { return e.name }

// Present reports whether the backup physically exists on the tier,
// according to the last confirmation.
func (e *Entity) Present(t Tier) bool {
	switch t {
	case TierLocalRaw:
		return e.rawPresent
	case TierLocalCompressed:
		return e.compressedPresent
	case TierS3Raw:
		return e.s3RawPresent
	case TierS3Compressed:
		return e.s3CompressedPresent
	}
	return false
}

// Retained reports whether any tier still holds the backup. An entity that
// retains nothing is removed from the index.
func (e *Entity) Retained() bool {
	return e.rawPresent || e.compressedPresent || e.s3RawPresent || e.s3CompressedPresent
}

// IsComplete reports whether the local pipeline finished: raw copy and
// compressed archive both present.
func (e *Entity) IsComplete() bool {
	return e.rawPresent && e.compressedPresent
}

// SizeOnTier returns the recorded artifact size for the tier, 0 if unknown.
func (e *Entity) SizeOnTier(t Tier) int64 {
	return e.sizes[t]
}

// RawHash returns the digest of the raw tree, empty until the raw tier
// completed.
func (e *Entity) RawHash() string { return e.rawHash }

// CompressedHash returns the digest of the archive file, empty until the
// compressed tier completed.
func (e *Entity) CompressedHash() string { return e.compressedHash }

// MarkRawComplete records that the raw copy finished and was hashed.
func (e *Entity) MarkRawComplete(hash string, size int64) error {
	if e.rawPresent {
		return &StateError{Backup: e.name, Op: "mark raw", Reason: "raw tier already complete"}
	}
	if hash == "" {
		return &StateError{Backup: e.name, Op: "mark raw", Reason: "empty digest"}
	}
	e.rawPresent = true
	e.rawHash = hash
	e.sizes[TierLocalRaw] = size
	return nil
}

// MarkCompressed records that the archive was produced from a complete raw
// copy and hashed.
func (e *Entity) MarkCompressed(hash string, size int64) error {
	if !e.rawPresent {
		return &StateError{Backup: e.name, Op: "mark compressed", Reason: "raw tier is not complete"}
	}
	if e.compressedPresent {
		return &StateError{Backup: e.name, Op: "mark compressed", Reason: "compressed tier already complete"}
	}
	if hash == "" {
		return &StateError{Backup: e.name, Op: "mark compressed", Reason: "empty digest"}
	}
	e.compressedPresent = true
	e.compressedHash = hash
	e.sizes[TierLocalCompressed] = size
	return nil
}

// MarkUploaded records a confirmed upload of the matching local artifact.
func (e *Entity) MarkUploaded(t Tier, size int64) error {
	switch t {
	case TierS3Raw:
		if !e.rawPresent {
			return &StateError{Backup: e.name, Op: "mark uploaded", Reason: "raw tier is not complete"}
		}
		if e.s3RawPresent {
			return &StateError{Backup: e.name, Op: "mark uploaded", Reason: "s3 raw tier already complete"}
		}
		e.s3RawPresent = true
	case TierS3Compressed:
		if !e.compressedPresent {
			return &StateError{Backup: e.name, Op: "mark uploaded", Reason: "compressed tier is not complete"}
		}
		if e.s3CompressedPresent {
			return &StateError{Backup: e.name, Op: "mark uploaded", Reason: "s3 compressed tier already complete"}
		}
		e.s3CompressedPresent = true
	default:
		return &StateError{Backup: e.name, Op: "mark uploaded", Reason: "not a remote tier: " + string(t)}
	}
	e.sizes[t] = size
	return nil
}

// ClearTier forces a tier back to absent after an explicit deletion. The
// matching digest is dropped with it; tiers are independent, so clearing
// the local raw tier does not touch its remote mirror.
func (e *Entity) ClearTier(t Tier) {
	switch t {
	case TierLocalRaw:
		e.rawPresent = false
		e.rawHash = ""
	case TierLocalCompressed:
		e.compressedPresent = false
		e.compressedHash = ""
	case TierS3Raw:
		e.s3RawPresent = false
	case TierS3Compressed:
		e.s3CompressedPresent = false
	}
	delete(e.sizes, t)
}

// setPresent flips a presence flag without transition checks. Reserved for
// the index when it mirrors confirmed physical reality (reconcile, load).
func (e *Entity) setPresent(t Tier, present bool) {
	switch t {
	case TierLocalRaw:
		e.rawPresent = present
	case TierLocalCompressed:
		e.compressedPresent = present
	case TierS3Raw:
		e.s3RawPresent = present
	case TierS3Compressed:
		e.s3CompressedPresent = present
	}
}

// setHashes restores digests recorded in a loaded index document.
func (e *Entity) setHashes(raw, compressed string) {
	e.rawHash = raw
	e.compressedHash = compressed
}
