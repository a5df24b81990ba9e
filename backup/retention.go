package backup

import (
	"errors"
	"fmt"
)

// Policy is the per-tier retention count: keep at most N backups on a
// tier, newest retained, oldest evicted. A count of 0 empties the tier.
// An unset count leaves the tier unenforced. Tiers are enforced
// independently, so a backup evicted locally may live on in the object
// store.
type Policy struct {
	LocalRaw        *int `json:"keep_local_raw,omitempty"`
	LocalCompressed *int `json:"keep_local_compressed,omitempty"`
	S3Raw           *int `json:"keep_s3_raw,omitempty"`
	S3Compressed    *int `json:"keep_s3_compressed,omitempty"`
}

// Retain builds a set retention count for a Policy literal.
func Retain(n int) *int { return &n }

// Keep returns the retention count for the tier and whether one is set.
func (p Policy) Keep(t Tier) (int, bool) {
	var v *int
	switch t {
	case TierLocalRaw:
		v = p.LocalRaw
	case TierLocalCompressed:
		v = p.LocalCompressed
	case TierS3Raw:
		v = p.S3Raw
	case TierS3Compressed:
		v = p.S3Compressed
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Validate rejects negative counts.
func (p Policy) Validate() error {
	for _, t := range Tiers() {
		if keep, set := p.Keep(t); set && keep < 0 {
			return configErrorf("keep_"+string(t), "must not be negative, got %d", keep)
		}
	}
	return nil
}

// Deletion identifies one evicted artifact.
type Deletion struct {
	Tier Tier
	Name string
}

// Enforcer evicts backups beyond the policy limit, oldest first. Each
// eviction is a small transaction: delete the physical artifact, detach it
// from the index, persist the index. A failed physical delete aborts
// enforcement for that tier only; the index keeps listing the artifact, and
// the other tiers proceed.
type Enforcer struct {
	Index    *TierIndex
	Deleters map[Tier]func(name string) error
	Persist  func() error
}

// Enforce applies policy to every tier with a set count and a registered
// deleter. A set count of 0 deletes every backup on the tier. It returns
// what was evicted and the first error per failed tier, joined.
func (en *Enforcer) Enforce(policy Policy) ([]Deletion, error) {
	var deleted []Deletion
	var failures []error

	for _, t := range Tiers() {
		keep, set := policy.Keep(t)
		if !set {
			continue
		}
		del, ok := en.Deleters[t]
		if !ok {
			continue
		}

		for en.Index.Count(t) > keep {
			name, _ := en.Index.Oldest(t)
			logger.Infof("retention: tier %s holds %d > %d backups, evicting %s",
				t, en.Index.Count(t), keep, name)

			if err := del(name); err != nil {
				failures = append(failures, fmt.Errorf("tier %s: failed to delete %s: %w", t, name, err))
				logger.Errorf("retention: tier %s: cannot delete %s, leaving tier as is: %v", t, name, err)
				break
			}
			en.Index.Detach(t, name)
			deleted = append(deleted, Deletion{Tier: t, Name: name})
			if en.Persist != nil {
				if err := en.Persist(); err != nil {
					// the artifact is gone but the index still lists it;
					// the next reconciliation repairs the entry
					failures = append(failures, err)
					break
				}
			}
		}
	}

	return deleted, errors.Join(failures...)
}
