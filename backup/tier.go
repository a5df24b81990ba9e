// Package backup implements the tiered backup index and reconciliation
// engine: point-in-time copies of a source tree tracked across a local raw
// tier, a local compressed tier, and their mirrors in an object store.
package backup

import "github.com/zhengshuai-xiao/TierBak/internal"

var logger = internal.GetLogger("tierbak_backup")

// Tier is one of the four storage locations a backup may exist in.
type Tier string

const (
	TierLocalRaw        Tier = "local_raw"
	TierLocalCompressed Tier = "local_compressed"
	TierS3Raw           Tier = "s3_raw"
	TierS3Compressed    Tier = "s3_compressed"
)

// Tiers lists all tiers in document order.
func Tiers() []Tier {
	return []Tier{TierLocalRaw, TierLocalCompressed, TierS3Raw, TierS3Compressed}
}

// Remote reports whether the tier lives in the object store.
func (t Tier) Remote() bool {
	return t == TierS3Raw || t == TierS3Compressed
}

func (t Tier) valid() bool {
	switch t {
	case TierLocalRaw, TierLocalCompressed, TierS3Raw, TierS3Compressed:
		return true
	}
	return false
}
