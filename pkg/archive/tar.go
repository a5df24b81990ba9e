package archive

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dbzip2 "github.com/dsnet/compress/bzip2"
	pgzip "github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"
)

// Files up to this size are read fully in the worker, so only the archive
// write itself happens under the fan-in mutex. Larger files are streamed
// while holding the mutex to keep memory bounded.
const inlineReadLimit = 32 << 20

func enumerate(srcDir string) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := entry{abs: path, rel: filepath.ToSlash(rel), info: info}
		switch {
		case d.IsDir():
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			e.link = link
		case info.Mode().IsRegular():
			e.regular = true
		default:
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func tarCompress(srcDir string, out io.Writer, format Format) error {
	entries, err := enumerate(srcDir)
	if err != nil {
		return err
	}
	sortEntries(entries)

	wc, err := wrapWriter(out, format)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(wc)

	// Directory and symlink headers carry no payload; write them up front
	// so every parent exists before its children on extraction.
	var files []entry
	for _, e := range entries {
		if e.regular {
			files = append(files, e)
			continue
		}
		hdr, err := tar.FileInfoHeader(e.info, e.link)
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", e.rel, err)
		}
		hdr.Name = e.rel
		if e.info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", hdr.Name, err)
		}
	}

	var wmu sync.Mutex
	var g errgroup.Group
	for _, batch := range partition(files, workerCount()) {
		batch := batch
		g.Go(func() error {
			for _, e := range batch {
				if err := addTarFile(tw, &wmu, e); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tw.Close()
		wc.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		wc.Close()
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	return wc.Close()
}

func addTarFile(tw *tar.Writer, wmu *sync.Mutex, e entry) error {
	hdr, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return fmt.Errorf("creating tar header for %s: %w", e.rel, err)
	}
	hdr.Name = e.rel

	if e.info.Size() <= inlineReadLimit {
		data, err := os.ReadFile(e.abs)
		if err != nil {
			return fmt.Errorf("opening file %s: %w", e.abs, err)
		}
		// the file may have grown or shrunk since enumeration
		hdr.Size = int64(len(data))

		wmu.Lock()
		defer wmu.Unlock()
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", hdr.Name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("copying file content for %s: %w", hdr.Name, err)
		}
		return nil
	}

	f, err := os.Open(e.abs)
	if err != nil {
		return fmt.Errorf("opening file %s: %w", e.abs, err)
	}
	defer f.Close()

	wmu.Lock()
	defer wmu.Unlock()
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copying file content for %s: %w", hdr.Name, err)
	}
	return nil
}

func tarExtract(in io.Reader, destDir string, format Format) error {
	r, closeFn, err := wrapReader(in, format)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading next tar entry: %w", err)
		}

		target := filepath.Join(destDir, hdr.Name)

		// Guard against path traversal (e.g. "../../etc/passwd").
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("unsafe file path in tar archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("creating file %s: %w", target, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("writing file content for %s: %w", target, err)
			}
			outFile.Close()
		default:
			// hard links, devices and the like are not backup material
		}
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func wrapWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case Tar:
		return nopWriteCloser{w}, nil
	case TarGz:
		return pgzip.NewWriter(w), nil
	case TarBz2:
		return dbzip2.NewWriter(w, &dbzip2.WriterConfig{Level: dbzip2.DefaultCompression})
	case TarXz:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func wrapReader(r io.Reader, format Format) (io.Reader, func() error, error) {
	switch format {
	case Tar:
		return r, func() error { return nil }, nil
	case TarGz:
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, zr.Close, nil
	case TarBz2:
		return bzip2.NewReader(r), func() error { return nil }, nil
	case TarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		return xr, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
