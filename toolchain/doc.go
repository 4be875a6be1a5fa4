// Package toolchain installs, lists and removes compiler toolchains inside a
// workspace.
//
// Distributed toolchains ("stable", "1.79.0", "nightly-2024-05-01") are
// installed by an Installer, by default RustupInstaller, into
// <workspace>/toolchains/dist-<name>. A toolchain counts as installed once its
// toolchain.yaml manifest exists; installs happen in a staging directory that
// is renamed into place, so readers never observe a partial install.
//
// Local toolchains ("path:/opt/rust") are used in place and never modified.
package toolchain
