package crates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/isdmx/cratebox/errdefs"
)

// DefaultLocalExcludes skips the build output of the source tree itself.
var DefaultLocalExcludes = []string{"/target/"}

// copyOptions controls how a directory tree is copied into a build directory.
type copyOptions struct {
	excludes  []string
	hardLinks bool
}

// copyTree copies src into dest. Symlinks are followed: their targets are
// copied as regular files or directories. A broken symlink, or a symlink loop
// back into one of its own ancestors, fails the copy.
func copyTree(fsys FileSystem, src, dest string, opts copyOptions) error {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.Newf(errdefs.KindNotFound, "crates.copy", "source directory %s does not exist", src)
		}
		return errdefs.Wrap(err, errdefs.KindIO, "crates.copy")
	}
	if !info.IsDir() {
		return errdefs.Newf(errdefs.KindNotFound, "crates.copy", "source %s is not a directory", src)
	}
	if err := fsys.MkdirAll(dest, DirPermission); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.copy")
	}
	return copyDir(fsys, src, dest, "", []os.FileInfo{info}, opts)
}

func copyDir(fsys FileSystem, srcDir, destDir, rel string, ancestors []os.FileInfo, opts copyOptions) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "crates.copy", "read %s", srcDir)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(srcDir, entry.Name())
		destPath := filepath.Join(destDir, entry.Name())
		relPath := path.Join(rel, entry.Name())

		info, err := os.Stat(srcPath)
		if err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "crates.copy", "broken symlink or unreadable entry").
				WithDetail("path", srcPath)
		}

		if info.IsDir() {
			if shouldExcludeFile(relPath+"/", opts.excludes) {
				continue
			}
			for _, ancestor := range ancestors {
				if os.SameFile(ancestor, info) {
					return errdefs.Newf(errdefs.KindIO, "crates.copy", "symlink loop at %s", srcPath).
						WithDetail("path", srcPath)
				}
			}
			if err := fsys.MkdirAll(destPath, DirPermission); err != nil {
				return errdefs.Wrap(err, errdefs.KindIO, "crates.copy")
			}
			if err := copyDir(fsys, srcPath, destPath, relPath, append(ancestors, info), opts); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() || shouldExcludeFile(relPath, opts.excludes) {
			continue
		}
		if err := copyFile(fsys, srcPath, destPath, info.Mode(), opts.hardLinks); err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "crates.copy", "copy %s", relPath)
		}
	}
	return nil
}

// copyFile copies src to dest. With hardLink set, read-only files are linked
// instead; writable ones are always copied so a build rewriting them in
// place cannot reach the caller's tree.
func copyFile(fsys FileSystem, src, dest string, mode os.FileMode, hardLink bool) error {
	if hardLink && mode.Perm()&0o222 == 0 {
		if err := fsys.Link(src, dest); err == nil {
			return nil
		}
		// Cross-device or unsupported: fall back to a copy.
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.Create(dest, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// shouldExcludeFile reports whether a slash separated path relative to the
// copy root matches one of the patterns. Directories are passed with a
// trailing slash.
//
// Patterns:
//   - "name/" matches a directory called name at any depth
//   - "/name/" matches only a top level directory
//   - "/pattern" matches the whole relative path
//   - anything else is matched against the base name with filepath.Match
//
// Invalid patterns never match.
func shouldExcludeFile(relPath string, excludePatterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	parts := strings.Split(relPath, "/")
	dirs := parts[:len(parts)-1]
	base := parts[len(parts)-1]

	for _, pattern := range excludePatterns {
		anchored := strings.HasPrefix(pattern, "/")
		pattern = strings.TrimPrefix(pattern, "/")

		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			for i, dir := range dirs {
				if anchored && i > 0 {
					break
				}
				if matched, err := path.Match(dirPattern, dir); err == nil && matched {
					return true
				}
			}
			continue
		}

		if anchored {
			if matched, err := path.Match(pattern, strings.TrimSuffix(relPath, "/")); err == nil && matched {
				return true
			}
			continue
		}

		if base == "" {
			continue
		}
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// clearDir empties dir, keeping dir itself.
func clearDir(fsys FileSystem, dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := fsys.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("clean %s: %w", dir, err)
		}
	}
	return nil
}
