package cli

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/ywci/tbc/internal/journal"
)

var (
	journalBackend string
	journalPath    string
	journalFrom    uint64
	journalHex     bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the delivered-order journal",
}

var journalDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print journal entries in delivery order",
	Long: `Print one line per delivered message: index, timestamp and payload.
The journal of the configured node is read unless --backend and --path
are given.`,
	Args: cobra.NoArgs,
	RunE: runJournalDump,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalDumpCmd)

	journalCmd.PersistentFlags().StringVar(&journalBackend, "backend", "", "journal backend (overrides the configuration)")
	journalCmd.PersistentFlags().StringVar(&journalPath, "path", "", "journal path (overrides the configuration)")
	journalDumpCmd.Flags().Uint64Var(&journalFrom, "from", 0, "first index to print")
	journalDumpCmd.Flags().BoolVar(&journalHex, "hex", false, "print payloads as hex")
}

func journalConfig() (*journal.Config, error) {
	if journalBackend != "" {
		return &journal.Config{Backend: journalBackend, Path: journalPath}, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	jc := cfg.Journal
	if journalPath != "" {
		jc.Path = journalPath
	}
	return &jc, nil
}

func runJournalDump(cmd *cobra.Command, args []string) error {
	jc, err := journalConfig()
	if err != nil {
		return err
	}
	j, err := journal.Open(jc, nil)
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	return j.Iterate(journalFrom, func(e journal.Entry) error {
		_, err := fmt.Fprintf(out, "%d\t%s\t%s\n", e.Index, e.Timestamp, formatPayload(e.Payload, journalHex))
		return err
	})
}

func formatPayload(p []byte, asHex bool) string {
	if asHex || !utf8.Valid(p) {
		return hex.EncodeToString(p)
	}
	return fmt.Sprintf("%q", p)
}
