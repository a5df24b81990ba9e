// Package hashing computes SHA-256 digests over single files and whole
// directory trees for backup integrity verification.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// FileHash streams the file at path through SHA-256 and returns the digest
// in hex form.
func FileHash(path string) (string, error) {
	h := sha256.New()
	if err := feedFile(h, path); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TreeHash computes one running SHA-256 digest over every regular file under
// root, visited in lexicographic order of the relative path. The order is
// what makes the digest reproducible across runs and across machines; the
// content of two equal trees always hashes to the same value.
//
// Symlinks are skipped, never followed: a link target may live outside the
// tree and its presence must not change the tree's identity.
func TreeHash(root string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}

	h := sha256.New()
	// filepath.WalkDir visits entries in lexical order within each
	// directory, which yields a lexicographic order of relative paths.
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return feedFile(h, path)
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func feedFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 128*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
