// Package crates acquires crate source code for builds.
//
// A Source is one of three variants: a registry crate (name and version), a
// git repository (URL and revision) or a local directory. Fetcher.Fetch
// materializes any of them into a build directory's source/ subdirectory.
//
// Registry archives are verified against the sha256 checksum published in
// the registry index before they enter the cache, and every archive entry
// that would land outside the destination is rejected. Git checkouts are
// cached per resolved commit with their .git directory removed. Local
// directories are copied (symlinks followed, top-level target/ skipped) and
// never cached.
//
// Network failures are retried with exponential backoff; integrity and
// not-found failures are returned at once.
package crates
