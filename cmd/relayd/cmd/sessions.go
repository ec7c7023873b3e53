package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexsphere/relayd/internal/registry"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	Long: "List the sessions recorded in the shared session registry. Only the redis\n" +
		"backend is visible outside the running daemon.",
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("relayd sessions: %w", err)
	}
	if cfg.Registry.Backend != registry.BackendRedis {
		return fmt.Errorf("relayd sessions: registry backend %q is local to the daemon", cfg.Registry.Backend)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	store, err := registry.New(cmd.Context(), cfg.Registry, logger)
	if err != nil {
		return fmt.Errorf("relayd sessions: %w", err)
	}
	defer store.Close()

	sessions, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("relayd sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return fmt.Errorf("relayd sessions: format response: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORCHESTRATOR\tTOPOLOGY\tLISTEN\tREMOTE\tTARGET\tAGE")
	now := time.Now()
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Orchestrator, s.Topology, s.Listen, s.Remote, s.Target,
			now.Sub(s.StartedAt).Truncate(time.Second))
	}
	return tw.Flush()
}
