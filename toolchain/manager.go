package toolchain

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/metrics"
	"github.com/isdmx/cratebox/workspace"
)

const (
	manifestName  = "toolchain.yaml"
	stagingPrefix = ".staging-"
)

// Installed describes an installed toolchain, as recorded in its manifest.
type Installed struct {
	Spec        Spec      `yaml:"spec" json:"spec"`
	Dir         string    `yaml:"-" json:"dir"`
	InstalledAt time.Time `yaml:"installed_at" json:"installed_at"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitzero"`
}

// Toolchain is a resolved toolchain handed to the process runner.
type Toolchain struct {
	spec      Spec
	dir       string
	installer Installer
}

// Spec returns the toolchain spec.
func (t Toolchain) Spec() Spec { return t.spec }

// Dir returns the host directory of the toolchain.
func (t Toolchain) Dir() string { return t.dir }

// Environment returns the toolchain environment for a build on the host.
func (t Toolchain) Environment() Environment {
	return t.EnvironmentAt(t.dir)
}

// EnvironmentAt returns the toolchain environment with the toolchain
// directory seen at root, e.g. a container mount target.
func (t Toolchain) EnvironmentAt(root string) Environment {
	if t.installer == nil {
		return Environment{}
	}
	return t.installer.Environment(t.spec, root)
}

// Manager installs, lists and removes toolchains in a workspace.
type Manager struct {
	ws        *workspace.Workspace
	installer Installer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records install attempts
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a toolchain manager for ws.
func NewManager(ws *workspace.Workspace, installer Installer, opts ...ManagerOption) *Manager {
	m := &Manager{
		ws:        ws,
		installer: installer,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Install makes spec available. An installed toolchain is detected under
// the shared lock, so builds using it never wait for each other; the
// exclusive lock is only taken to install a missing one. Dist toolchains are
// installed into a staging directory and moved into place once complete, so
// a crash never leaves a half-installed toolchain behind.
func (m *Manager) Install(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Kind == KindLocal {
		return checkLocal(spec, "toolchain.install")
	}

	dir := m.dir(spec)
	var installed bool
	err := m.ws.WithShared(ctx, func(context.Context) error {
		var err error
		installed, err = m.present(dir)
		return err
	})
	if err != nil {
		m.metrics.ObserveToolchainInstall("error")
		return err
	}
	if installed {
		m.logger.Debug("toolchain already installed", zap.String("toolchain", spec.String()))
		m.metrics.ObserveToolchainInstall("present")
		return nil
	}

	return m.ws.WithExclusive(ctx, func(ctx context.Context) error {
		m.removeStaging()

		if present, err := m.present(dir); err != nil {
			m.metrics.ObserveToolchainInstall("error")
			return err
		} else if present {
			m.logger.Debug("toolchain already installed", zap.String("toolchain", spec.String()))
			m.metrics.ObserveToolchainInstall("present")
			return nil
		}

		err := m.install(ctx, spec, dir)
		if err != nil {
			m.metrics.ObserveToolchainInstall("error")
			return err
		}
		m.metrics.ObserveToolchainInstall("installed")
		m.logger.Info("toolchain installed", zap.String("toolchain", spec.String()), zap.String("dir", dir))
		return nil
	})
}

func (m *Manager) install(ctx context.Context, spec Spec, dir string) error {
	staging := filepath.Join(m.ws.ToolchainsDir(), stagingPrefix+spec.dirName()+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(staging, workspace.DirPermission); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "toolchain.install")
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := m.installer.Install(ctx, spec, staging); err != nil {
		return err
	}

	manifest, err := yaml.Marshal(Installed{Spec: spec, InstalledAt: time.Now().UTC()})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "toolchain.install")
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), manifest, workspace.FilePermission); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "toolchain.install")
	}

	// A directory without a manifest is leftover from an older crash.
	if err := os.RemoveAll(dir); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "toolchain.install")
	}
	if err := os.Rename(staging, dir); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.install", "move %s into place", spec)
	}
	committed = true
	return nil
}

// Uninstall removes an installed dist toolchain. Local toolchains are never
// touched.
func (m *Manager) Uninstall(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Kind == KindLocal {
		return errdefs.Newf(errdefs.KindConfig, "toolchain.uninstall", "local toolchain %s is not managed by cratebox", spec.Path)
	}

	return m.ws.WithExclusive(ctx, func(ctx context.Context) error {
		dir := m.dir(spec)
		present, err := m.present(dir)
		if err != nil {
			return err
		}
		if !present {
			return errdefs.Newf(errdefs.KindNotFound, "toolchain.uninstall", "toolchain %s is not installed", spec)
		}

		if err := m.installer.Uninstall(ctx, spec, dir); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.uninstall", "remove %s", dir)
		}
		m.logger.Info("toolchain uninstalled", zap.String("toolchain", spec.String()))
		return nil
	})
}

// Update brings an installed dist toolchain up to date under the exclusive
// lock, so no build is using it meanwhile.
func (m *Manager) Update(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Kind == KindLocal {
		return errdefs.Newf(errdefs.KindConfig, "toolchain.update", "local toolchain %s is not managed by cratebox", spec.Path)
	}
	updater, ok := m.installer.(Updater)
	if !ok {
		return errdefs.New(errdefs.KindConfig, "toolchain.update", "the toolchain installer cannot update toolchains")
	}

	return m.ws.WithExclusive(ctx, func(ctx context.Context) error {
		dir := m.dir(spec)
		installed, err := readManifest(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return errdefs.Newf(errdefs.KindNotFound, "toolchain.update", "toolchain %s is not installed", spec)
		}
		if err != nil {
			return err
		}

		if err := updater.Update(ctx, spec, dir); err != nil {
			m.metrics.ObserveToolchainInstall("error")
			return err
		}
		installed.UpdatedAt = time.Now().UTC()
		manifest, err := yaml.Marshal(installed)
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "toolchain.update")
		}
		if err := os.WriteFile(filepath.Join(dir, manifestName), manifest, workspace.FilePermission); err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "toolchain.update")
		}
		m.metrics.ObserveToolchainInstall("updated")
		m.logger.Info("toolchain updated", zap.String("toolchain", spec.String()))
		return nil
	})
}

// ListInstalled returns the installed dist toolchains sorted by name.
func (m *Manager) ListInstalled(ctx context.Context) ([]Installed, error) {
	var result []Installed
	err := m.ws.WithShared(ctx, func(context.Context) error {
		entries, err := os.ReadDir(m.ws.ToolchainsDir())
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "toolchain.list")
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			dir := filepath.Join(m.ws.ToolchainsDir(), entry.Name())
			installed, err := readManifest(dir)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			result = append(result, installed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Spec.Name < result[j].Spec.Name })
	return result, nil
}

// IsInstalled reports whether spec is ready to use. The caller should hold
// the workspace lock.
func (m *Manager) IsInstalled(spec Spec) (bool, error) {
	if spec.Kind == KindLocal {
		err := checkLocal(spec, "toolchain.is_installed")
		if errdefs.Is(err, errdefs.KindNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	return m.present(m.dir(spec))
}

// Resolve returns the toolchain the runner needs for spec. The caller must
// hold at least the shared workspace lock until the build is done.
func (m *Manager) Resolve(spec Spec) (Toolchain, error) {
	if err := spec.Validate(); err != nil {
		return Toolchain{}, err
	}
	if spec.Kind == KindLocal {
		if err := checkLocal(spec, "toolchain.resolve"); err != nil {
			return Toolchain{}, err
		}
		return Toolchain{spec: spec, dir: spec.Path, installer: m.installer}, nil
	}

	dir := m.dir(spec)
	present, err := m.present(dir)
	if err != nil {
		return Toolchain{}, err
	}
	if !present {
		return Toolchain{}, errdefs.Newf(errdefs.KindNotFound, "toolchain.resolve", "toolchain %s is not installed", spec)
	}
	return Toolchain{spec: spec, dir: dir, installer: m.installer}, nil
}

func (m *Manager) dir(spec Spec) string {
	return filepath.Join(m.ws.ToolchainsDir(), spec.dirName())
}

func (m *Manager) present(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, manifestName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, errdefs.Wrap(err, errdefs.KindIO, "toolchain.present")
	}
}

// removeStaging deletes staging directories left by crashed installs. Only
// called under the exclusive lock.
func (m *Manager) removeStaging() {
	entries, err := os.ReadDir(m.ws.ToolchainsDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			path := filepath.Join(m.ws.ToolchainsDir(), entry.Name())
			m.logger.Warn("removing interrupted toolchain install", zap.String("dir", path))
			_ = os.RemoveAll(path)
		}
	}
}

func readManifest(dir string) (Installed, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Installed{}, err
		}
		return Installed{}, errdefs.Wrap(err, errdefs.KindIO, "toolchain.manifest")
	}
	var installed Installed
	if err := yaml.Unmarshal(data, &installed); err != nil {
		return Installed{}, errdefs.Wrapf(err, errdefs.KindIO, "toolchain.manifest", "parse %s", filepath.Join(dir, manifestName))
	}
	installed.Dir = dir
	return installed, nil
}

func checkLocal(spec Spec, op string) error {
	info, err := os.Stat(spec.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return errdefs.Newf(errdefs.KindNotFound, op, "local toolchain %s does not exist", spec.Path)
	}
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, op)
	}
	if !info.IsDir() {
		return errdefs.Newf(errdefs.KindNotFound, op, "local toolchain %s is not a directory", spec.Path)
	}
	return nil
}
