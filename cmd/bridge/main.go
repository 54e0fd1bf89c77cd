package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"ClawdCity-Bridge/internal/bridgeapi"
	"ClawdCity-Bridge/internal/config"
	"ClawdCity-Bridge/internal/core/network"
	"ClawdCity-Bridge/internal/msgtypes"
	"ClawdCity-Bridge/internal/publisher"
)

var log = logging.Logger("bridge")

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "ClawdCity pub/sub bridge",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the bridge API over HTTP and WebSocket",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "List the message types the bridge can publish",
	RunE:  runSchemas,
}

var (
	configPath string
	listenAddr string
	debug      bool
	force      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	serveCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "override http listen address")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(schemasCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadTypes(cfg *config.Config) (*msgtypes.Registry, error) {
	types := msgtypes.NewRegistry()
	for _, path := range cfg.Schemas.Files {
		if err := types.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func openTransport(ctx context.Context, cfg *config.Config) (network.Transport, func() error, error) {
	if cfg.Transport.Kind == config.TransportMemory {
		return network.NewMemoryPubSub(), func() error { return nil }, nil
	}
	p, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
		ListenAddrs:     cfg.Transport.Listen,
		Bootstrap:       cfg.Transport.Bootstrap,
		Rendezvous:      cfg.Transport.Rendezvous,
		EnableMDNS:      cfg.Transport.EnableMDNS,
		IdentityKeyFile: cfg.Transport.IdentityKeyFile,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Infof("peer id: %s", p.PeerID())
	for _, addr := range p.ListenAddrs() {
		log.Infof("listening on: %s", addr)
	}
	return p, p.Close, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.HTTP.Listen = listenAddr
	}

	types, err := loadTypes(cfg)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	transport, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	defer func() {
		if err := closeTransport(); err != nil {
			log.Warnf("close transport: %v", err)
		}
	}()

	publishers := publisher.NewRegistry(transport, types, types,
		publisher.WithBufferTimeout(cfg.Publisher.BufferTimeout))
	defer publishers.Close()

	mux := http.NewServeMux()
	bridgeapi.NewServer(publishers, transport, types).Register(mux)

	srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("ClawdCity-Bridge listening on %s (%s transport)", cfg.HTTP.Listen, cfg.Transport.Kind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	log.Infof("Initialized bridge configuration at %s", path)
	return nil
}

func runSchemas(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	types, err := loadTypes(cfg)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}
	for _, name := range types.Names() {
		s, err := types.Resolve(name)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (unresolved: %v)\n", name, err)
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
		for _, f := range s.Fields {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", f.Type, f.Name)
		}
	}
	return nil
}
