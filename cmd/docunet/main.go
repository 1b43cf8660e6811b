package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docunet-network/core"
	"docunet-network/pkg/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "docunet",
		Short: "docunet replicated document store peer",
	}
	cmd.PersistentFlags().StringVar(&envName, "env", "", "config environment to merge (cmd/config/<env>.yaml)")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the peer daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(envName)
		},
	}
	cmd.AddCommand(start)
	return cmd
}

func runStart(envName string) error {
	// .env is optional; real deployments configure via files + env.
	_ = godotenv.Load()

	cfg, err := config.Load(envName)
	if err != nil {
		return err
	}

	lg := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		lg.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		lg.SetOutput(f)
	}

	var kv core.KV
	switch cfg.Storage.Backend {
	case "log":
		logKV, err := core.OpenLogKV(cfg.Storage.DBPath, lg)
		if err != nil {
			return err
		}
		defer logKV.Close()
		kv = logKV
	default:
		kv = core.NewMemoryKV()
	}

	store, err := core.NewStore(kv, lg)
	if err != nil {
		return err
	}
	gateway := core.NewGateway(store, lg)

	localPeer, peers, err := peerSet(cfg)
	if err != nil {
		return err
	}
	consensus, err := core.NewGenesisStore(localPeer, peers, cfg.Consensus.CacheSize, lg)
	if err != nil {
		return err
	}

	transport, err := newHTTPTransport(cfg, lg)
	if err != nil {
		return err
	}

	repl := core.NewReplicator(store, gateway, consensus, transport, localPeer, peers, lg)
	repl.SetSkipTimeout(time.Duration(cfg.Consensus.SkipTimeoutMS) * time.Millisecond)

	srv := newServer(cfg, store, gateway, consensus, repl, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return repl.Run(ctx) })
	g.Go(func() error { return srv.run(ctx) })

	lg.Infof("docunet peer %s listening on %s", localPeer.Hex(), cfg.HTTP.Addr)
	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func peerSet(cfg *config.Config) (core.PeerID, []core.PeerID, error) {
	localRaw, err := hex.DecodeString(cfg.Network.PeerID)
	if err != nil {
		return "", nil, fmt.Errorf("network.peer_id must be hex: %w", err)
	}
	local := core.PeerID(localRaw)

	peers := make([]core.PeerID, 0, len(cfg.Network.Peers))
	for _, p := range cfg.Network.Peers {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return "", nil, fmt.Errorf("network.peers entry %q must be hex: %w", p, err)
		}
		peers = append(peers, core.PeerID(raw))
	}
	return local, peers, nil
}
