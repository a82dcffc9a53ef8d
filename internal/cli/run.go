package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/config"
	"github.com/ywci/tbc/internal/grpc"
	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/node"
	"github.com/ywci/tbc/internal/overlay"
)

// runCmd represents the run command (default action)
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a broadcast node",
	Long: `Run one node of the cluster described by the configuration file:
- overlay transport between the nodes
- heartbeat and broker RPC server
- delivered-order journal
- Prometheus metrics, when ports.metrics is set

This is the default command when no subcommand is specified.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Set run as the default command
	rootCmd.RunE = runNode
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	self, err := cfg.ResolveSelf()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, cleanup, err := buildNode(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("starting node",
		zap.Uint8("node", uint8(self)),
		zap.Strings("servers", cfg.Servers),
		zap.String("mode", cfg.Mode),
		zap.String("journal", cfg.Journal.Backend))
	return n.Run(ctx)
}

// buildNode wires a node from the configuration. cleanup releases the
// journal and RPC connections.
func buildNode(cfg *config.Config, log *zap.Logger) (*node.Node, func(), error) {
	self, err := cfg.ResolveSelf()
	if err != nil {
		return nil, nil, err
	}

	mesh, err := overlay.NewMesh(overlay.DefaultMeshConfig(self, cfg.OverlayAddrs()), log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create overlay: %w", err)
	}
	j, err := journal.Open(&cfg.Journal, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	pool := grpc.NewPool(self, cfg.RPCAddrs())
	cleanup := func() {
		pool.Close()
		if err := j.Close(); err != nil {
			log.Warn("failed to close journal", zap.Error(err))
		}
	}

	batchCfg, err := cfg.BatcherConfig()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	rpcCfg := grpc.DefaultServerConfig()
	rpcCfg.Address = cfg.RPCAddrs()[self]

	n, err := node.New(cfg.Size(), self, mesh,
		node.WithLogger(log),
		node.WithBatchConfig(batchCfg),
		node.WithTrackerConfig(cfg.TrackerConfig()),
		node.WithCollectorConfig(cfg.CollectorConfig()),
		node.WithHeartbeat(pool, cfg.HeartbeatConfig()),
		node.WithJournal(j),
		node.WithRPC(rpcCfg),
		node.WithMetricsAddr(cfg.MetricsAddr(self)),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return n, cleanup, nil
}
