package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

func zipCompress(srcDir string, out io.Writer) error {
	entries, err := enumerate(srcDir)
	if err != nil {
		return err
	}
	sortEntries(entries)

	zw := zip.NewWriter(out)

	var files []entry
	for _, e := range entries {
		if e.regular {
			files = append(files, e)
			continue
		}
		if !e.info.IsDir() {
			// zip has no portable symlink representation; links are
			// preserved only by the tar family
			continue
		}
		hdr, err := zip.FileInfoHeader(e.info)
		if err != nil {
			return fmt.Errorf("creating zip header for %s: %w", e.rel, err)
		}
		hdr.Name = e.rel + "/"
		if _, err := zw.CreateHeader(hdr); err != nil {
			return fmt.Errorf("writing zip header for %s: %w", hdr.Name, err)
		}
	}

	var wmu sync.Mutex
	var g errgroup.Group
	for _, batch := range partition(files, workerCount()) {
		batch := batch
		g.Go(func() error {
			for _, e := range batch {
				if err := addZipFile(zw, &wmu, e); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func addZipFile(zw *zip.Writer, wmu *sync.Mutex, e entry) error {
	hdr, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return fmt.Errorf("creating zip header for %s: %w", e.rel, err)
	}
	hdr.Name = e.rel
	hdr.Method = zip.Deflate

	if e.info.Size() <= inlineReadLimit {
		data, err := os.ReadFile(e.abs)
		if err != nil {
			return fmt.Errorf("opening file %s: %w", e.abs, err)
		}
		wmu.Lock()
		defer wmu.Unlock()
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("writing zip header for %s: %w", hdr.Name, err)
		}
		if _, err := w.Write(data); err != nil {
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
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("writing zip header for %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying file content for %s: %w", hdr.Name, err)
	}
	return nil
}

func zipExtract(in io.ReaderAt, size int64, destDir string) error {
	zr, err := zip.NewReader(in, size)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("unsafe file path in zip archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, f.Mode().Perm()); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return fmt.Errorf("creating file %s: %w", target, err)
		}
		if _, err := io.Copy(outFile, rc); err != nil {
			outFile.Close()
			rc.Close()
			return fmt.Errorf("writing file content for %s: %w", target, err)
		}
		outFile.Close()
		rc.Close()
	}
	return nil
}
