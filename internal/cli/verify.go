package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/timestamp"
	"github.com/ywci/tbc/internal/verify"
)

var verifyBackend string

// verifyCmd compares the journals of several nodes
var verifyCmd = &cobra.Command{
	Use:   "verify <journal> [journal...]",
	Short: "Check that journals agree on delivery order",
	Long: `Check every journal for timestamps that regress within an origin, then
compare each journal against the first: common messages must appear in
the same relative order.

Examples:
    tbc verify --backend pebble /var/lib/tbc/n0 /var/lib/tbc/n1 /var/lib/tbc/n2
    tbc verify --backend sqlite n0.db n1.db`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyBackend, "backend", "pebble", "journal backend of every path")
}

func readJournal(backend, path string) ([]timestamp.Timestamp, error) {
	j, err := journal.Open(&journal.Config{Backend: backend, Path: path}, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer j.Close()
	return j.Timestamps()
}

func runVerify(cmd *cobra.Command, args []string) error {
	streams := make([][]timestamp.Timestamp, len(args))
	for i, path := range args {
		tss, err := readJournal(verifyBackend, path)
		if err != nil {
			return err
		}
		if err := verify.CheckStream(tss); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		streams[i] = tss
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d messages\n", args[0], len(streams[0]))
	for i := 1; i < len(streams); i++ {
		common, err := verify.CompareOrders(streams[0], streams[i])
		if err != nil {
			return fmt.Errorf("%s vs %s: %w", args[0], args[i], err)
		}
		fmt.Fprintf(out, "%s: %d messages, %d in common, order agrees\n", args[i], len(streams[i]), common)
	}
	return nil
}
