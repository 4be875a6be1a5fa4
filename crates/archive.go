package crates

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/isdmx/cratebox/errdefs"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// FileSystem defines the file system operations used to materialize sources
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Create(path string, perm os.FileMode) (io.WriteCloser, error)
	Symlink(oldname, newname string) error
	Link(oldname, newname string) error
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Create creates a new file, replacing whatever was at path without
// following it if it was a symlink.
func (RealFileSystem) Create(path string, perm os.FileMode) (io.WriteCloser, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
}

func (RealFileSystem) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (RealFileSystem) Link(oldname, newname string) error {
	return os.Link(oldname, newname)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// EvalSymlinks resolves path on disk.
func (RealFileSystem) EvalSymlinks(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Unpack extracts a gzip-compressed tar archive into dest, dropping the first
// stripComponents path components of every entry (a .crate archive wraps
// everything in a "<name>-<version>/" directory).
//
// Entries whose name or link target would resolve outside dest are rejected
// with an integrity error before anything is written for them. Nothing is
// written through a symlink the archive itself created, and when fsys can
// resolve links every extracted symlink is checked on disk at the end.
// Device nodes and fifos are skipped.
func Unpack(fsys FileSystem, r io.Reader, dest string, stripComponents int) error {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindIntegrity, "crates.unpack", "failed to create gzip reader")
	}
	defer gzipReader.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.unpack")
	}
	tarReader := tar.NewReader(gzipReader)
	links := make(map[string]string)

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.Wrapf(err, errdefs.KindIntegrity, "crates.unpack", "error reading tar")
		}

		if isAbsName(header.Name) {
			return traversalError(header.Name, "")
		}
		name, ok := stripPath(header.Name, stripComponents)
		if !ok {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return traversalError(header.Name, "")
		}
		if throughLink(links, dest, filepath.Dir(target)) {
			return traversalError(header.Name, "")
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if _, ok := links[target]; ok {
				return traversalError(header.Name, "")
			}
			if err := fsys.MkdirAll(target, DirPermission); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create directory")
			}
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old archives still carry TypeRegA
			if err := writeEntry(fsys, tarReader, target, fs.FileMode(header.Mode)); err != nil {
				return err
			}
			delete(links, target)
		case tar.TypeSymlink:
			if isAbsName(header.Linkname) {
				return traversalError(header.Name, header.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(header.Linkname))
			if !within(dest, resolved) || throughLink(links, dest, resolved) {
				return traversalError(header.Name, header.Linkname)
			}
			if err := fsys.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create parent directories")
			}
			if err := fsys.RemoveAll(target); err != nil {
				return errdefs.Wrap(err, errdefs.KindIO, "crates.unpack")
			}
			if err := fsys.Symlink(filepath.FromSlash(header.Linkname), target); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create symlink")
			}
			links[target] = header.Name
		case tar.TypeLink:
			linkName, ok := stripPath(header.Linkname, stripComponents)
			if !ok || isAbsName(header.Linkname) {
				return traversalError(header.Name, header.Linkname)
			}
			linkTarget, err := safeJoin(dest, linkName)
			if err != nil || throughLink(links, dest, filepath.Dir(linkTarget)) {
				return traversalError(header.Name, header.Linkname)
			}
			if err := fsys.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create parent directories")
			}
			if err := fsys.Link(linkTarget, target); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create hard link")
			}
			delete(links, target)
		case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			continue
		default:
			return errdefs.Newf(errdefs.KindIntegrity, "crates.unpack", "unsupported file type in tar: %c", header.Typeflag).
				WithDetail("entry", header.Name)
		}
	}

	return checkLinks(fsys, dest, links)
}

// linkResolver is implemented by file systems that can resolve symlinks on disk.
type linkResolver interface {
	EvalSymlinks(path string) (string, error)
}

// checkLinks resolves every extracted symlink and fails on the first one
// that lands outside dest, removing it. Dangling links are left alone.
func checkLinks(fsys FileSystem, dest string, links map[string]string) error {
	resolver, ok := fsys.(linkResolver)
	if !ok || len(links) == 0 {
		return nil
	}
	root, err := resolver.EvalSymlinks(dest)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.unpack")
	}
	paths := make([]string, 0, len(links))
	for path := range links {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		resolved, err := resolver.EvalSymlinks(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !within(root, resolved) {
			_ = fsys.RemoveAll(path)
			return traversalError(links[path], "")
		}
	}
	return nil
}

// throughLink reports whether path or one of its parents below dest is a
// symlink extracted from the archive.
func throughLink(links map[string]string, dest, path string) bool {
	dest = filepath.Clean(dest)
	for p := filepath.Clean(path); p != dest && within(dest, p); p = filepath.Dir(p) {
		if _, ok := links[p]; ok {
			return true
		}
	}
	return false
}

func writeEntry(fsys FileSystem, r io.Reader, target string, mode fs.FileMode) error {
	if err := fsys.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create parent directories")
	}
	f, err := fsys.Create(target, mode.Perm()|0o600)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to create file")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to write file content")
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "crates.unpack", "failed to write file content")
	}
	return nil
}

// stripPath removes the first n components of a tar entry name. ok is false
// when nothing is left, i.e. the entry is one of the stripped directories.
func stripPath(name string, n int) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(name, "./"), "/")
	var kept []string
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) <= n {
		return "", false
	}
	return strings.Join(kept[n:], "/"), true
}

func isAbsName(name string) bool {
	native := filepath.FromSlash(name)
	return strings.HasPrefix(name, "/") || filepath.IsAbs(native) || filepath.VolumeName(native) != ""
}

// safeJoin joins a slash-separated relative name onto dest and fails if the
// result is not inside dest.
func safeJoin(dest, name string) (string, error) {
	if isAbsName(name) {
		return "", errors.New("absolute path")
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !within(dest, target) || target == filepath.Clean(dest) {
		return "", errors.New("path escapes destination")
	}
	return target, nil
}

func within(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func traversalError(entry, link string) error {
	err := errdefs.Newf(errdefs.KindIntegrity, "crates.unpack", "archive entry %q escapes the destination", entry).
		WithDetail("entry", entry)
	if link != "" {
		err.WithDetail("link", link)
	}
	return err
}
