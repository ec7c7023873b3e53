package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/relayd/internal/packaging"
)

var (
	installBinary      string
	installConfigDir   string
	installAuditDir    string
	installMetricsAddr string
	installEnable      bool
	installStart       bool
	uninstallPurge     bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install relayd as a systemd service",
	Long: "Copy this binary, write a starter config unless one exists and install the\n" +
		"relayd systemd unit.",
	Args: cobra.NoArgs,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the relayd systemd service",
	Args:  cobra.NoArgs,
	RunE:  runUninstall,
}

func init() {
	installCmd.Flags().StringVar(&installBinary, "binary", packaging.DefaultBinaryPath, "install path of the binary")
	installCmd.Flags().StringVar(&installConfigDir, "config-dir", packaging.DefaultConfigDir, "configuration directory")
	installCmd.Flags().StringVar(&installAuditDir, "audit-dir", packaging.DefaultAuditDir, "directory the service may write audit logs to")
	installCmd.Flags().StringVar(&installMetricsAddr, "metrics-addr", packaging.DefaultMetricsAddr, "metrics address written into a new config")
	installCmd.Flags().BoolVar(&installEnable, "enable", false, "enable the service at boot")
	installCmd.Flags().BoolVar(&installStart, "now", false, "start the service after installing")
	uninstallCmd.Flags().BoolVar(&uninstallPurge, "purge", false, "also remove the config and audit directories")
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}

func newInstaller() *packaging.Installer {
	cfg := packaging.InstallConfig{
		BinaryPath:  installBinary,
		ConfigDir:   installConfigDir,
		AuditDir:    installAuditDir,
		MetricsAddr: installMetricsAddr,
	}
	return packaging.NewInstaller(cfg, packaging.NewSystemdController(), packaging.NewRootChecker(), setupLogger(logLevel, logFormat))
}

func runInstall(cmd *cobra.Command, _ []string) error {
	ins := newInstaller()
	if err := ins.Install(packaging.InstallOptions{Enable: installEnable, Start: installStart}); err != nil {
		return fmt.Errorf("relayd install: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "relayd installed; edit %s and run relayd validate\n", ins.Config().ConfigPath())
	return nil
}

func runUninstall(cmd *cobra.Command, _ []string) error {
	if err := newInstaller().Uninstall(uninstallPurge); err != nil {
		return fmt.Errorf("relayd uninstall: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "relayd uninstalled")
	return nil
}
