package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/bridge"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/dashboard"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/dedup"
	"github.com/zulandar/signalbox/internal/devices"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/supervisor"
	"github.com/zulandar/signalbox/internal/transport"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long:  "Connects to the backend, serves attached devices, and exposes the diagnostics API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "diagnostics port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port <= 0 {
		port = cfg.Dashboard.Port
	}

	b, err := buildBridge(cfg, out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go func() {
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(out, "bridge stopped: %v\n", err)
			cancel()
		}
	}()

	fmt.Fprintf(out, "Bridge connecting to %s\n", cfg.Backend.URL)
	return dashboard.Start(ctx, dashboard.StartOpts{
		Bridge: b,
		Port:   port,
		Out:    out,
	})
}

// buildBridge assembles the full stack from config: transport, supervisor,
// stores, registry, queue, device coordinator, dedup cache, and alert sinks.
func buildBridge(cfg *config.Config, out io.Writer) (*bridge.Bridge, error) {
	ws, err := transport.NewWebSocket(transport.WebSocketOpts{URL: cfg.Backend.URL})
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Opts{
		Transport:   ws,
		BaseBackoff: cfg.BaseBackoff(),
		MaxBackoff:  cfg.MaxBackoff(),
		MaxAttempts: cfg.Supervisor.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, err
	}

	var (
		regStore        registry.Store
		qStore          queue.Store
		devStore        devices.Store
		preloadSessions []registry.Session
		preloadMessages []queue.Message
	)
	if cfg.Database.Driver != "" {
		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			return nil, err
		}
		st := store.New(gormDB)
		if preloadSessions, err = st.LoadSessions(); err != nil {
			return nil, fmt.Errorf("recover sessions: %w", err)
		}
		if preloadMessages, err = st.LoadUndelivered(); err != nil {
			return nil, fmt.Errorf("recover messages: %w", err)
		}
		fmt.Fprintf(out, "Recovered %d sessions and %d undelivered messages\n",
			len(preloadSessions), len(preloadMessages))
		regStore, qStore, devStore = st, st, st
	}

	reg := registry.New(registry.Opts{
		IdleTTL: cfg.SessionIdleTTL(),
		Store:   regStore,
		Preload: preloadSessions,
	})
	dev := devices.New(devices.Opts{
		Store:             devStore,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	q := queue.New(queue.Opts{
		MaxDepth:    cfg.Queue.MaxDepth,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Devices:     dev,
		Store:       qStore,
		Preload:     preloadMessages,
	})

	b, err := bridge.New(bridge.Opts{
		Transport:      ws,
		Supervisor:     sup,
		Registry:       reg,
		Queue:          q,
		Devices:        dev,
		Dedup:          dedup.NewCache(cfg.Dedup.Capacity),
		Notify:         notify.FromConfig(cfg.Notify),
		QueueRetention: cfg.QueueRetention(),
		SweepCron:      cfg.Registry.SweepCron,
	})
	if err != nil {
		return nil, err
	}
	dev.SetAuthority(b)
	return b, nil
}
