// Package artifact packages build products into a single reproducible zip
// archive and computes its content hash.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrDigestMismatch is returned by Verify when the archive bytes changed.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// epoch is the modification time written for every entry so identical inputs
// produce identical archives.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Info describes a packaged archive.
type Info struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Files  int    `json:"files"`
}

// Package archives the contents of srcDir into dst. Entries are written in
// lexical order with fixed timestamps; directories keep mode 0755 and empty
// directories are preserved. The digest is computed over the archive bytes
// after they are flushed to disk.
func Package(srcDir, dst string) (*Info, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	files, err := writeZip(f, srcDir)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, err
	}

	sum, size, err := Digest(dst)
	if err != nil {
		return nil, err
	}
	return &Info{Path: dst, SHA256: sum, Size: size, Files: files}, nil
}

func writeZip(w io.Writer, srcDir string) (int, error) {
	zw := zip.NewWriter(w)
	files := 0

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &zip.FileHeader{Name: name, Modified: epoch}
		switch {
		case d.IsDir():
			hdr.Name += "/"
			hdr.Method = zip.Store
			hdr.SetMode(fs.ModeDir | 0o755)
			_, err := zw.CreateHeader(hdr)
			return err

		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Method = zip.Store
			hdr.SetMode(fs.ModeSymlink | 0o777)
			ew, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			_, err = io.WriteString(ew, target)
			files++
			return err

		case info.Mode().IsRegular():
			mode := fs.FileMode(0o644)
			if info.Mode()&0o111 != 0 {
				mode = 0o755
			}
			hdr.Method = zip.Deflate
			hdr.SetMode(mode)
			ew, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			if err := copyFile(ew, path); err != nil {
				return err
			}
			files++
			return nil
		}
		// Sockets, devices and pipes are not build products.
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archiving %s: %w", srcDir, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalizing archive: %w", err)
	}
	return files, nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Digest returns the hex SHA-256 and size of the file at path.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify recomputes the digest of path and compares it to want.
func Verify(path, want string) error {
	got, _, err := Digest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s has %s, expected %s", ErrDigestMismatch, path, got, want)
	}
	return nil
}
