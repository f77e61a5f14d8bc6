// Command rye-master is the per-node HA supervisor: it owns the
// pidfile singleton lock, runs the heartbeat controller's gossip and
// election state machine, fork/execs the per-database rye_server and
// rye_repl children through the resource manager, and answers the
// Unix-domain request socket those children and the rye CLI dial
// into.
//
// Grounded on cuemby-warren/cmd/warren/main.go's cobra entrypoint
// shape and original_source/src/executables/master_heartbeat.c's
// responsibilities.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rye-db/rye/internal/config"
	"github.com/rye-db/rye/internal/heartbeat"
	"github.com/rye-db/rye/internal/master"
	"github.com/rye-db/rye/internal/shm"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rye-master",
	Short:   "rye-master supervises a node's replicated database processes and runs HA election",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rye-master version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "path to rye.yaml (defaults vary by environment)")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor: heartbeat, resource manager, request socket",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rlog.Init(rlog.Config{
		Level:      rlog.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	log := rlog.WithComponent("master")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	region, err := shm.CreateMaster(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("create master shared-memory region: %w", err)
	}
	defer region.Close()

	peers, err := config.ParseNodeList(cfg.NodeList)
	if err != nil {
		return fmt.Errorf("parse ha_node_list: %w", err)
	}
	_, hbPort, err := net.SplitHostPort(cfg.HeartbeatListenAddr)
	if err != nil {
		return fmt.Errorf("parse ha_heartbeat_listen_addr: %w", err)
	}
	peerAddrs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerAddrs = append(peerAddrs, net.JoinHostPort(p.IP, hbPort))
	}

	ctrl := heartbeat.New(heartbeat.Config{
		SelfIP:     cfg.NodeID,
		Priority:   cfg.Priority,
		Peers:      peerAddrs,
		ListenAddr: cfg.HeartbeatListenAddr,
		Interval:   cfg.HeartbeatInterval,
	})
	ctrl.OnStateChange(func(state types.NodeState) {
		log.Info().Str("state", string(state)).Msg("node state changed")
	})

	rm := heartbeat.NewResourceManager()

	srv, err := master.New(master.Config{
		SocketPath: cfg.SocketPath,
		PidPath:    cfg.PidPath,
	}, rm)
	if err != nil {
		return fmt.Errorf("start request socket: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- ctrl.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx) }()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rmetrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Info().
		Str("socket", cfg.SocketPath).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("ha_mode", cfg.HAMode).
		Msg("rye-master started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("subsystem failed")
	}

	cancel()
	return nil
}
