package backup

import (
	"context"
)

// ObjectStore is the capability surface the orchestrator needs from remote
// storage. Keys are bucket-relative; directory operations map a local tree
// onto a key prefix. Implementations classify failures via RemoteError so
// the caller can tell transient from permanent without knowing the SDK.
type ObjectStore interface {
	// UploadFile stores one local file under key.
	UploadFile(ctx context.Context, key, localPath string) error

	// UploadDirectory mirrors the tree rooted at localDir under prefix,
	// one object per regular file.
	UploadDirectory(ctx context.Context, prefix, localDir string) error

	// DownloadFile fetches the object at key into localPath.
	DownloadFile(ctx context.Context, key, localPath string) error

	// DownloadDirectory fetches every object under prefix into localDir,
	// recreating the relative layout.
	DownloadDirectory(ctx context.Context, prefix, localDir string) error

	// DeleteObject removes one object. Deleting a missing object is not
	// an error.
	DeleteObject(ctx context.Context, key string) error

	// DeleteByPrefix removes every object under prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// ListFilesUnderPrefix returns the keys of the objects directly under
	// prefix, not descending into sub-prefixes.
	ListFilesUnderPrefix(ctx context.Context, prefix string) ([]string, error)

	// ListDirectoriesUnderPrefix returns the immediate sub-prefix names
	// under prefix, without trailing separators.
	ListDirectoriesUnderPrefix(ctx context.Context, prefix string) ([]string, error)

	// ObjectExists reports whether key names an existing object.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// BucketTotalSize sums the size of every object in the bucket.
	BucketTotalSize(ctx context.Context) (int64, error)

	// TestConnectivity verifies the store is reachable and the bucket
	// exists. Called once at startup; failure downgrades the remote tiers
	// to unavailable instead of aborting.
	TestConnectivity(ctx context.Context) error
}
