package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plexsphere/relayd/internal/config"
	"github.com/plexsphere/relayd/internal/endpoint"
	"github.com/plexsphere/relayd/internal/listener"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file",
	Long: "Parse and validate the config file, load every certificate it names and\n" +
		"print the forwarding topology without opening any socket.",
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("relayd validate: %w", err)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	orchs, err := config.Build(cfg, config.Deps{}, logger)
	if err != nil {
		return fmt.Errorf("relayd validate: %w", err)
	}
	defer closeAll(orchs, logger)

	out := cmd.OutOrStdout()
	printTopology(out, cfg)
	fmt.Fprintf(out, "config OK: %d orchestrator(s)\n", len(orchs))
	return nil
}

func printTopology(w io.Writer, cfg *config.Config) {
	for _, r := range cfg.Redirects {
		fmt.Fprintf(w, "redirect %s: %s -> %s\n", r.Name, describeListener(r.Listen), describeTarget(r.Target))
	}
	for _, m := range cfg.Multiplexers {
		addrs := make([]string, 0, len(m.Listen))
		for _, lc := range m.Listen {
			addrs = append(addrs, describeListener(lc))
		}
		fmt.Fprintf(w, "multiplexer %s: %s -> %s\n", m.Name, strings.Join(addrs, ", "), describeTarget(m.Target))
	}
	for _, d := range cfg.Demultiplexers {
		fmt.Fprintf(w, "demultiplexer %s: %s\n", d.Name, describeListener(d.Listen))
		ports := make([]uint32, 0, len(d.Routes))
		for p := range d.Routes {
			ports = append(ports, p)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
		for _, p := range ports {
			fmt.Fprintf(w, "  tag %d -> %s\n", p, describeTarget(d.Routes[p]))
		}
	}
}

func describeListener(lc listener.Config) string {
	s := lc.Addr()
	if lc.CertFile != "" {
		s += " (tls"
		if n := len(lc.AcceptedPeers); n > 0 {
			s += fmt.Sprintf(", %d peer rule(s)", n)
		}
		s += ")"
	}
	return s
}

func describeTarget(t endpoint.Target) string {
	s := t.Addr()
	if t.TLS {
		s += " (tls"
		if t.ExpectedCert != nil {
			s += ", pinned"
		}
		s += ")"
	}
	return s
}
