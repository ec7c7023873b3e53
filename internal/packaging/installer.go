package packaging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plexsphere/relayd/internal/fsutil"
)

// InstallOptions selects what Install does after the files are in place.
type InstallOptions struct {
	// Enable enables the unit to start on boot.
	Enable bool

	// Start (re)starts the service.
	Start bool
}

// Installer installs and uninstalls relayd as a systemd service.
type Installer struct {
	cfg        InstallConfig
	systemd    SystemdController
	root       RootChecker
	executable func() (string, error)
	logger     *slog.Logger
}

// NewInstaller creates a new Installer with defaults applied.
func NewInstaller(cfg InstallConfig, systemd SystemdController, root RootChecker, logger *slog.Logger) *Installer {
	cfg.ApplyDefaults()
	return &Installer{
		cfg:        cfg,
		systemd:    systemd,
		root:       root,
		executable: os.Executable,
		logger:     logger.With("component", "packaging"),
	}
}

// Config returns the effective installation layout.
func (ins *Installer) Config() InstallConfig {
	return ins.cfg
}

// Install copies the running binary, writes a starter config unless one
// exists, writes the unit file and reloads systemd.
func (ins *Installer) Install(opts InstallOptions) error {
	if !ins.root.IsRoot() {
		return errors.New("packaging: install requires root privileges")
	}
	if !ins.systemd.IsAvailable() {
		return errors.New("packaging: systemd is not available")
	}
	if err := ins.cfg.Validate(); err != nil {
		return err
	}

	for _, d := range []struct {
		path string
		perm os.FileMode
	}{
		{ins.cfg.ConfigDir, 0o755},
		{ins.cfg.AuditDir, 0o750},
	} {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("packaging: create directory %s: %w", d.path, err)
		}
	}

	if err := ins.copyBinary(); err != nil {
		return err
	}

	configPath := ins.cfg.ConfigPath()
	err := fsutil.WriteFileAtomic(configPath, []byte(GenerateDefaultConfig(ins.cfg)), 0o640, true)
	switch {
	case err == nil:
		ins.logger.Info("default config written", "path", configPath)
	case errors.Is(err, os.ErrExist):
		ins.logger.Info("existing config preserved", "path", configPath)
	default:
		return fmt.Errorf("packaging: write config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(ins.cfg.UnitFilePath), 0o755); err != nil {
		return fmt.Errorf("packaging: create unit file directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(ins.cfg.UnitFilePath, []byte(GenerateUnitFile(ins.cfg)), 0o644, false); err != nil {
		return fmt.Errorf("packaging: write unit file: %w", err)
	}
	ins.logger.Info("unit file written", "path", ins.cfg.UnitFilePath)

	if err := ins.systemd.DaemonReload(); err != nil {
		return fmt.Errorf("packaging: daemon-reload: %w", err)
	}
	if opts.Enable {
		if err := ins.systemd.Enable(ins.cfg.ServiceName); err != nil {
			return fmt.Errorf("packaging: enable: %w", err)
		}
		ins.logger.Info("service enabled", "service", ins.cfg.ServiceName)
	}
	if opts.Start {
		if err := ins.systemd.Restart(ins.cfg.ServiceName); err != nil {
			return fmt.Errorf("packaging: start: %w", err)
		}
		ins.logger.Info("service started", "service", ins.cfg.ServiceName)
	}
	return nil
}

// Uninstall stops and removes the service. With purge the config and audit
// directories are removed as well.
func (ins *Installer) Uninstall(purge bool) error {
	if !ins.root.IsRoot() {
		return errors.New("packaging: uninstall requires root privileges")
	}

	if _, err := os.Stat(ins.cfg.UnitFilePath); errors.Is(err, os.ErrNotExist) {
		ins.logger.Info("relayd is not installed, nothing to do")
		return nil
	}

	// The service may already be stopped or disabled.
	if err := ins.systemd.Stop(ins.cfg.ServiceName); err != nil {
		ins.logger.Info("stop service", "error", err)
	}
	if err := ins.systemd.Disable(ins.cfg.ServiceName); err != nil {
		ins.logger.Info("disable service", "error", err)
	}

	if err := os.Remove(ins.cfg.UnitFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("packaging: remove unit file: %w", err)
	}
	if err := ins.systemd.DaemonReload(); err != nil {
		return fmt.Errorf("packaging: daemon-reload: %w", err)
	}
	if err := os.Remove(ins.cfg.BinaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("packaging: remove binary: %w", err)
	}
	ins.logger.Info("service removed", "unit", ins.cfg.UnitFilePath, "binary", ins.cfg.BinaryPath)

	if purge {
		for _, dir := range []string{ins.cfg.ConfigDir, ins.cfg.AuditDir} {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("packaging: remove directory %s: %w", dir, err)
			}
			ins.logger.Info("directory removed", "path", dir)
		}
	}
	return nil
}

// copyBinary installs the running executable at BinaryPath. The file is
// replaced by rename, so a running copy of the old binary is unaffected.
func (ins *Installer) copyBinary() error {
	src, err := ins.executable()
	if err != nil {
		return fmt.Errorf("packaging: resolve executable path: %w", err)
	}
	src, err = filepath.EvalSymlinks(src)
	if err != nil {
		return fmt.Errorf("packaging: resolve symlinks: %w", err)
	}

	dst := ins.cfg.BinaryPath
	if src == dst {
		ins.logger.Info("binary already at install path", "path", dst)
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("packaging: read binary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("packaging: create binary directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(dst, data, 0o755, false); err != nil {
		return fmt.Errorf("packaging: install binary: %w", err)
	}
	ins.logger.Info("binary installed", "src", src, "dst", dst)
	return nil
}
