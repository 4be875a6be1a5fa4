package crates

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Cache layout under <workspace>/cache.
const (
	registryCacheDir = "registry"
	gitCacheDir      = "git"
	gitRefsDir       = "refs"
	gitSourceDir     = "source"
	entryFileName    = "entry.yaml"
	stagingPrefix    = ".staging-"
)

// cacheEntry is the record written beside every cached source.
type cacheEntry struct {
	Source    Source    `yaml:"source"`
	Checksum  string    `yaml:"checksum,omitempty"`
	Commit    string    `yaml:"commit,omitempty"`
	FetchedAt time.Time `yaml:"fetched_at"`
}

// refEntry records what a git revision resolved to on the last fetch.
type refEntry struct {
	URL        string    `yaml:"url"`
	Rev        string    `yaml:"rev"`
	Commit     string    `yaml:"commit"`
	ResolvedAt time.Time `yaml:"resolved_at"`
}

type cacheLayout struct {
	root string
}

func (c cacheLayout) registryDir(src Source) string {
	return filepath.Join(c.root, registryCacheDir, src.Name, src.Version)
}

func (c cacheLayout) registryArchive(src Source) string {
	return filepath.Join(c.registryDir(src), fmt.Sprintf("%s-%s.crate", src.Name, src.Version))
}

// gitRepoDir is keyed by a hash of the URL so any URL maps to a safe name.
func (c cacheLayout) gitRepoDir(url string) string {
	return filepath.Join(c.root, gitCacheDir, gitKey(url))
}

func (c cacheLayout) gitCommitDir(url, commit string) string {
	return filepath.Join(c.gitRepoDir(url), commit)
}

func (c cacheLayout) gitRefFile(url, rev string) string {
	if rev == "" {
		rev = "HEAD"
	}
	return filepath.Join(c.gitRepoDir(url), gitRefsDir, gitKey(rev)[:16]+".yaml")
}

func gitKey(s string) string {
	sum := blake3.Sum256([]byte(strings.TrimSuffix(s, "/")))
	return hex.EncodeToString(sum[:16])
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either nothing or the whole file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// publishFile moves a finished temp file to its final cache path without
// ever replacing an existing entry. Losing the race to another writer is
// not an error: both wrote the same verified bytes.
func publishFile(tmp, final string) error {
	err := os.Link(tmp, final)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	// Filesystems without hard links: rename, which may replace an
	// identical file written concurrently.
	if exists(final) {
		return nil
	}
	return os.Rename(tmp, final)
}

// publishDir renames a staging directory into place. A non-empty directory
// already at final means another writer won.
func publishDir(staging, final string) error {
	if err := os.Rename(staging, final); err != nil {
		if exists(filepath.Join(final, entryFileName)) {
			return os.RemoveAll(staging)
		}
		return err
	}
	return nil
}
