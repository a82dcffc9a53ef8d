package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ywci/tbc/internal/grpc"
)

var (
	submitAddr    string
	submitCount   int
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <payload>...",
	Short: "Broadcast payloads through a node",
	Long: `Send each payload to a node's broker service and print the timestamp
it was given. Without --addr the RPC address of the configured node is used.

Examples:
    tbc submit hello world
    tbc submit --addr 10.0.0.2:9003 --count 100 ping`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitAddr, "addr", "", "RPC address of the node")
	submitCmd.Flags().IntVarP(&submitCount, "count", "n", 1, "times to send each payload")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Second, "per-request timeout")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	addr := submitAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		self, err := cfg.ResolveSelf()
		if err != nil {
			return err
		}
		addr = cfg.RPCAddrs()[self]
	}

	client, err := grpc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	for i := 0; i < submitCount; i++ {
		for _, payload := range args {
			ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
			ts, err := client.Submit(ctx, []byte(payload))
			cancel()
			if err != nil {
				return fmt.Errorf("submit %q: %w", payload, err)
			}
			fmt.Fprintf(out, "%s\t%s\n", ts, payload)
		}
	}
	return nil
}
