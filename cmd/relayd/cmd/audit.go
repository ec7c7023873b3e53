package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plexsphere/relayd/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect audit logs",
	Long:  "Read traffic audit files written by relayd.",
}

var auditDumpHex bool

var auditDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the records of an audit file",
	Long: "Print every record of an audit file with its direction and size.\n" +
		"Files ending in .zst are decompressed.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditDump,
}

func init() {
	auditDumpCmd.Flags().BoolVar(&auditDumpHex, "hex", false, "print a hex dump of every record")
	auditCmd.AddCommand(auditDumpCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditDump(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("relayd audit dump: %w", err)
	}
	defer f.Close()

	r, err := audit.NewReader(f, strings.HasSuffix(args[0], ".zst"))
	if err != nil {
		return fmt.Errorf("relayd audit dump: %w", err)
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	var requests, responses int
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("relayd audit dump: %w", err)
		}
		switch rec.Direction {
		case audit.Request:
			requests += len(rec.Data)
		case audit.Response:
			responses += len(rec.Data)
		}
		fmt.Fprintf(out, "%c %s %d bytes\n", byte(rec.Direction), rec.Direction, len(rec.Data))
		if auditDumpHex {
			fmt.Fprint(out, hex.Dump(rec.Data))
		}
	}
	fmt.Fprintf(out, "total: %d request bytes, %d response bytes\n", requests, responses)
	return nil
}
