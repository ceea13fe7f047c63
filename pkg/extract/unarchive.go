package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flanksource/provision/pkg/types"
	"github.com/ulikunitz/xz"
)

// Result lists the regular files written by Unarchive, relative to the destination.
type Result struct {
	Files []string
}

// Unarchive extracts a supported archive into dest. Entries that would land
// outside dest are rejected.
func Unarchive(archivePath, dest string) (*Result, error) {
	ext := GetExtension(archivePath)
	if !IsArchive(archivePath) {
		return nil, types.Errorf(types.KindUnsupportedArchive, "extract", "unsupported archive format %q for %s", ext, filepath.Base(archivePath))
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, err
	}

	if ext == ".zip" {
		return unzip(archivePath, dest)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	switch ext {
	case ".tar.gz", ".tgz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case ".tar.xz", ".txz":
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		r = xzr
	case ".tar.bz2", ".tbz2":
		r = bzip2.NewReader(f)
	}
	return untar(r, dest)
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func untar(r io.Reader, dest string) (*Result, error) {
	result := &Result{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return nil, err
			}
			result.Files = append(result.Files, filepath.ToSlash(hdr.Name))
		case tar.TypeSymlink:
			// shared libraries ship as libfoo.so -> libfoo.so.1 chains
			if filepath.IsAbs(hdr.Linkname) {
				return nil, fmt.Errorf("archive symlink %q points to absolute path", hdr.Name)
			}
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, err
			}
			result.Files = append(result.Files, filepath.ToSlash(hdr.Name))
		}
	}
	return result, nil
}

func unzip(archivePath, dest string) (*Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	result := &Result{}
	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		err = writeFile(target, rc, mode)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, filepath.ToSlash(f.Name))
	}
	return result, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
