// archive.go: tar.gz packing, extraction and file tree helpers for backups
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	manifestName      = "manifest.json"
	codeDirName       = "code"
	configPayloadName = "config.json"
	dataPayloadName   = "data.bin"

	// Upper bound for a single extracted entry.
	maxEntrySize = 4 << 30
)

// validateExtensionName rejects names that could escape a per-extension directory.
func validateExtensionName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return NewInvalidNameError(name)
	}
	return nil
}

// packDirectory writes srcDir as a gzip compressed tar stream to dst.
// Entry names are relative to srcDir and use forward slashes.
func packDirectory(srcDir string, dst io.Writer) error {
	gz := gzip.NewWriter(dst)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
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
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Only regular files and directories are archived.
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path) // #nosec G304 -- path comes from walking srcDir
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		closeErr := f.Close()
		if err != nil {
			return err
		}
		return closeErr
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		return NewArchiveError("pack "+srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return NewArchiveError("finalize tar", err)
	}
	if err := gz.Close(); err != nil {
		return NewArchiveError("finalize gzip", err)
	}
	return nil
}

// extractArchive unpacks a tar.gz file into destDir. Entries that would land
// outside destDir are rejected.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath) // #nosec G304 -- catalog controlled path
	if err != nil {
		return NewArchiveError("open "+archivePath, err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return NewArchiveError("read gzip header", err)
	}
	defer func() { _ = gz.Close() }()

	return extractTar(tar.NewReader(gz), destDir)
}

func extractTar(tr *tar.Reader, destDir string) error {
	root, err := filepath.Abs(destDir)
	if err != nil {
		return NewArchiveError("resolve destination", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewArchiveError("read tar entry", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return NewArchiveError("create directory", err)
			}
		case tar.TypeReg:
			if hdr.Size > maxEntrySize {
				return NewArchiveError("extract", fmt.Errorf("entry %s exceeds %d bytes", hdr.Name, maxEntrySize))
			}
			if err := writeEntry(tr, target, hdr); err != nil {
				return err
			}
		default:
			// Links and devices are never produced by packDirectory.
			return NewArchiveError("extract", fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name))
		}
	}
}

func writeEntry(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return NewArchiveError("create directory", err)
	}
	mode := fs.FileMode(hdr.Mode).Perm() // #nosec G115 -- mode masked to permission bits
	if mode == 0 {
		mode = 0o600
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) // #nosec G304 -- target checked by safeJoin
	if err != nil {
		return NewArchiveError("create "+hdr.Name, err)
	}
	if _, err := io.CopyN(out, r, hdr.Size); err != nil {
		_ = out.Close()
		return NewArchiveError("write "+hdr.Name, err)
	}
	if err := out.Close(); err != nil {
		return NewArchiveError("close "+hdr.Name, err)
	}
	return nil
}

// safeJoin joins name below root and rejects results outside root.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", NewPathTraversalError(name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", NewPathTraversalError(name)
	}
	return target, nil
}

// fileChecksum returns the hex SHA-256 of a file and its size.
func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path) // #nosec G304 -- catalog controlled path
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func bytesChecksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// copyTree copies the regular files and directories of src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304 -- walked path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) // #nosec G304 -- derived from walked path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// replaceDirectory swaps the contents of src in as dst. The previous dst is kept
// aside until the swap succeeds so a failed rename leaves dst untouched.
func replaceDirectory(src, dst string) error {
	staging := dst + ".restore-staging"
	old := dst + ".restore-old"
	_ = os.RemoveAll(staging)
	_ = os.RemoveAll(old)

	if err := copyTree(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	hadOld := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, old); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		hadOld = true
	}
	if err := os.Rename(staging, dst); err != nil {
		if hadOld {
			_ = os.Rename(old, dst)
		}
		_ = os.RemoveAll(staging)
		return err
	}
	if hadOld {
		_ = os.RemoveAll(old)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
