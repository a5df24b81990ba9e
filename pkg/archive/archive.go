// Package archive produces and extracts compressed archives of directory
// trees. Compression fans file reads out over a bounded worker pool; all
// writes into the single archive handle are serialized through one mutex,
// since none of the supported container formats tolerate concurrent writers.
package archive

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
)

// Format identifies one of the supported archive formats.
type Format string

const (
	Tar    Format = "tar"
	TarGz  Format = "tar.gz"
	TarBz2 Format = "tar.bz2"
	TarXz  Format = "tar.xz"
	Zip    Format = "zip"
)

var ErrUnsupportedFormat = errors.New("unsupported archive format")

var formats = map[string]Format{
	"tar":     Tar,
	"tar.gz":  TarGz,
	"tar.bz2": TarBz2,
	"tar.xz":  TarXz,
	"zip":     Zip,
}

// ParseFormat maps a format name to a Format. Unknown names fail with
// ErrUnsupportedFormat before any I/O happens.
func ParseFormat(s string) (Format, error) {
	f, ok := formats[strings.ToLower(s)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	return f, nil
}

// Formats lists all supported formats in a stable order.
func Formats() []Format {
	return []Format{Tar, TarGz, TarBz2, TarXz, Zip}
}

// Extension returns the file name suffix for the format, dot included.
func (f Format) Extension() string {
	return "." + string(f)
}

// FormatFromPath infers the archive format from a file name.
func FormatFromPath(path string) (Format, error) {
	for name, f := range formats {
		if strings.HasSuffix(path, "."+name) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: cannot infer format of %q", ErrUnsupportedFormat, path)
}

// entry is one filesystem object to be archived, with its path relative to
// the source directory.
type entry struct {
	abs     string
	rel     string
	info    os.FileInfo
	link    string // symlink target, when the entry is a link
	regular bool
}

// Compress archives srcDir into destPath. On any failure the destination
// file is removed, so a half-written archive is never left behind.
func Compress(srcDir, destPath string, format Format) error {
	if _, ok := formats[string(format)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", srcDir)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", destPath, err)
	}

	switch format {
	case Zip:
		err = zipCompress(srcDir, out)
	default:
		err = tarCompress(srcDir, out, format)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}

// Extract unpacks archivePath into destDir, inferring the format from the
// file name. destDir is created if missing.
func Extract(archivePath, destDir string) error {
	format, err := FormatFromPath(archivePath)
	if err != nil {
		return err
	}
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer in.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination %s: %w", destDir, err)
	}

	if format == Zip {
		info, err := in.Stat()
		if err != nil {
			return err
		}
		return zipExtract(in, info.Size(), destDir)
	}
	return tarExtract(in, destDir, format)
}

// workerCount is the fan-out bound for parallel file reads.
func workerCount() int {
	return runtime.NumCPU() * 2
}

// partition splits entries into batches of len(entries)/n, so roughly one
// batch per worker.
func partition(entries []entry, n int) [][]entry {
	if n < 1 {
		n = 1
	}
	chunk := len(entries) / n
	if chunk == 0 {
		chunk = 1
	}
	var batches [][]entry
	for i := 0; i < len(entries); i += chunk {
		end := i + chunk
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[i:end])
	}
	return batches
}

// sortEntries keeps archive layout stable run to run.
func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
}
