package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuai-xiao/TierBak/pkg/hashing"
)

func makeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"a.txt":          "alpha",
		"sub/b.txt":      "bravo bravo bravo bravo bravo bravo",
		"sub/deep/c.bin": "charlie",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0755))
	return dir
}

func TestParseFormat(t *testing.T) {
	for _, name := range []string{"tar", "tar.gz", "tar.bz2", "tar.xz", "zip"} {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, "."+name, f.Extension())
	}

	_, err := ParseFormat("rar")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = ParseFormat("")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]Format{
		"b.tar":             Tar,
		"b.tar.gz":          TarGz,
		"b.tar.bz2":         TarBz2,
		"b.tar.xz":          TarXz,
		"b.zip":             Zip,
		"2024_01_01.tar.gz": TarGz,
	}
	for path, want := range cases {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := FormatFromPath("backup.rar")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestCompressExtractRoundTrip(t *testing.T) {
	src := makeTree(t)
	srcHash, err := hashing.TreeHash(src)
	require.NoError(t, err)

	for _, format := range []Format{Tar, TarGz, TarBz2, TarXz, Zip} {
		t.Run(string(format), func(t *testing.T) {
			archivePath := filepath.Join(t.TempDir(), "backup"+format.Extension())
			require.NoError(t, Compress(src, archivePath, format))

			info, err := os.Stat(archivePath)
			require.NoError(t, err)
			assert.Greater(t, info.Size(), int64(0), "archive must be non-empty")

			dest := filepath.Join(t.TempDir(), "restored")
			require.NoError(t, Extract(archivePath, dest))

			destHash, err := hashing.TreeHash(dest)
			require.NoError(t, err)
			assert.Equal(t, srcHash, destHash, "tree content must survive the round trip")
		})
	}
}

func TestCompressPreservesSymlinksInTar(t *testing.T) {
	src := makeTree(t)
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	archivePath := filepath.Join(t.TempDir(), "b.tar.gz")
	require.NoError(t, Compress(src, archivePath, TarGz))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(archivePath, dest))

	link, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", link)
}

func TestCompressUnsupportedFormat(t *testing.T) {
	src := makeTree(t)
	dest := filepath.Join(t.TempDir(), "b.rar")
	err := Compress(src, dest, Format("rar"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no file may be created for a rejected format")
}

func TestCompressMissingSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "b.tar")
	err := Compress(filepath.Join(t.TempDir(), "nope"), dest, Tar)
	assert.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCompressEmptyDir(t *testing.T) {
	src := t.TempDir()
	archivePath := filepath.Join(t.TempDir(), "empty.tar.gz")
	require.NoError(t, Compress(src, archivePath, TarGz))

	info, err := os.Stat(archivePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(archivePath, dest))
}

func TestExtractRejectsTraversal(t *testing.T) {
	// hand-built archive with an entry escaping the destination
	archivePath := filepath.Join(t.TempDir(), "evil.tar")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	content := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Mode: 0644,
		Size: int64(len(content)),
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	assert.Error(t, Extract(archivePath, dest))
	_, statErr := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPartition(t *testing.T) {
	entries := make([]entry, 10)
	batches := partition(entries, 4)
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, 10, total)

	assert.Len(t, partition(nil, 4), 0)
	assert.Len(t, partition(entries, 0), 1)
}
