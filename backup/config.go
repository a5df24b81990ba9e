package backup

import (
	"os"
	"path/filepath"

	"github.com/zhengshuai-xiao/TierBak/pkg/archive"
)

// Config is everything a Manager needs: where the source tree lives, where
// the local tiers go, what to exclude, how to compress, how much to keep,
// and optionally where the remote tiers live.
type Config struct {
	// SourcePath is the tree being backed up.
	SourcePath string `json:"source_path"`

	// TargetPath is the local backup destination: raw copies as
	// subdirectories, archives as files, plus the index document.
	TargetPath string `json:"target_path"`

	// IgnorePatterns are filepath.Match patterns applied to base names
	// while copying the source tree.
	IgnorePatterns []string `json:"ignore_patterns"`

	// ArchiveFormat selects the compressed artifact type. Empty means
	// tar.gz.
	ArchiveFormat string `json:"archive_format"`

	// CompressEnabled turns the compressed tiers on. When false a run
	// stops after the raw copy and its upload.
	CompressEnabled bool `json:"compress_enabled"`

	// Keep is the per-tier retention policy. A count of 0 empties the
	// tier after every run; an omitted count disables enforcement for
	// that tier.
	Keep Policy `json:"keep"`

	// S3 enables the remote tiers when non-nil.
	S3 *S3Config `json:"s3,omitempty"`

	// Schedule is validated at startup so a broken expression fails fast
	// rather than at the first missed firing. Nil means no schedule.
	Schedule *Schedule `json:"schedule,omitempty"`

	// ExcludeOnHashMismatch detaches local backups whose content no longer
	// matches the recorded digest, instead of only reporting them.
	ExcludeOnHashMismatch bool `json:"exclude_on_hash_mismatch"`

	// MinFreeSpace is the number of bytes that must remain free on the
	// target filesystem after the projected copy. 0 disables the check.
	MinFreeSpace int64 `json:"min_free_space"`
}

// Validate checks the whole configuration before any I/O. The first
// violation is returned as a ConfigError naming the field.
func (c *Config) Validate() error {
	if c.SourcePath == "" {
		return configErrorf("source_path", "must not be empty")
	}
	if c.TargetPath == "" {
		return configErrorf("target_path", "must not be empty")
	}
	src, err := filepath.Abs(c.SourcePath)
	if err != nil {
		return configErrorf("source_path", "cannot resolve: %v", err)
	}
	dst, err := filepath.Abs(c.TargetPath)
	if err != nil {
		return configErrorf("target_path", "cannot resolve: %v", err)
	}
	if src == dst {
		return configErrorf("target_path", "must differ from source_path")
	}
	if info, err := os.Stat(src); err != nil {
		return configErrorf("source_path", "not accessible: %v", err)
	} else if !info.IsDir() {
		return configErrorf("source_path", "%s is not a directory", src)
	}

	if _, err := archive.ParseFormat(c.Format()); err != nil {
		return configErrorf("archive_format", "%v", err)
	}
	if err := c.Keep.Validate(); err != nil {
		return err
	}
	if c.S3 != nil {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}
	if c.Schedule != nil {
		if err := c.Schedule.Validate(); err != nil {
			return err
		}
	}
	if c.MinFreeSpace < 0 {
		return configErrorf("min_free_space", "must not be negative")
	}
	return nil
}

// Format returns the configured archive format name, defaulted.
func (c *Config) Format() string {
	if c.ArchiveFormat == "" {
		return string(archive.TarGz)
	}
	return c.ArchiveFormat
}

// IndexPath returns the location of the index document.
func (c *Config) IndexPath() string {
	return filepath.Join(c.TargetPath, IndexFileName)
}
