// Command coordinator is the shuthost control plane: it loads the host and
// client roster, tracks online/offline state, enforces lease-implied
// desired state, and serves the REST/WebSocket facade used by the web
// dashboard and M2M clients.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shuthost/shuthost/internal/auth"
	"github.com/shuthost/shuthost/internal/broadcast"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/httpapi"
	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/logging"
	"github.com/shuthost/shuthost/internal/persistence"
	"github.com/shuthost/shuthost/internal/reconcile"
	"github.com/shuthost/shuthost/openapi"
)

var configPath string

func main() {
	logging.Setup()

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "shuthost coordinator: wake/shutdown control plane",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/shuthost/coordinator.toml", "path to the coordinator's TOML config file")
	root.AddCommand(controlServiceCmd(), demoServiceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func controlServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "control-service",
		Short: "Run the coordinator in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(configPath)
		},
	}
}

// demoServiceCmd runs the coordinator against an in-memory config and
// ephemeral SQLite database, for a quick local trial without editing a
// real config file.
func demoServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo-service",
		Short: "Run the coordinator against a throwaway in-memory database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinatorWithDB(configPath, ":memory:")
		},
	}
}

func runCoordinator(path string) error {
	cfg, err := config.NewHolder(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var dbPath string
	if cfg.Current().DB.Enable {
		dbPath = cfg.Current().DB.Path
	}
	return runCoordinatorHolder(cfg, dbPath)
}

// runCoordinatorWithDB always opens a durable store at dbPath, bypassing
// [db].enable — used by demo-service to force an ephemeral in-memory
// database regardless of what the loaded config says.
func runCoordinatorWithDB(path, dbPath string) error {
	cfg, err := config.NewHolder(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runCoordinatorHolder(cfg, dbPath)
}

func runCoordinatorHolder(cfg *config.Holder, dbPath string) error {
	var durable *persistence.Store
	if dbPath != "" {
		store, err := persistence.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open durable store: %w", err)
		}
		defer store.Close()
		durable = store
	}

	leases, err := leasestore.New(storeOrNil(durable))
	if err != nil {
		return fmt.Errorf("init lease store: %w", err)
	}

	seedOverrides := map[string]hoststatus.Override{}
	if durable != nil {
		loaded, err := durable.LoadHostOverrides()
		if err != nil {
			return fmt.Errorf("load host overrides: %w", err)
		}
		for host, ov := range loaded {
			seedOverrides[host] = hoststatus.Override{IP: ov.IP, Port: ov.Port}
		}
	}
	overrides := hoststatus.NewOverrides(seedOverrides)

	poller := hoststatus.NewPoller(cfg, overrides)
	reconciler := reconcile.New(cfg, leases, poller)

	authRuntime, err := auth.Resolve(cfg.Current().Server.Auth, secretStoreOrNil(durable))
	if err != nil {
		return fmt.Errorf("resolve auth runtime: %w", err)
	}

	if _, err := openapi.Load(); err != nil {
		// A malformed bundled contract document is a build defect the
		// safety net exists to catch; it must not prevent the process
		// (and its real, correct handlers) from starting.
		fmt.Fprintf(os.Stderr, "openapi document failed validation: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := cfg.Watch(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "config watcher stopped: %v\n", err)
		}
	}()
	go poller.Run(ctx)
	go reconciler.RunOnLeaseChange(ctx)
	go reconciler.RunEnforcer(ctx, hoststatus.PollInterval)

	var listener *broadcast.Listener
	if broadcastPort := cfg.Current().Server.BroadcastPort; broadcastPort != 0 {
		listener = broadcast.New(cfg, poller, overrides, overridePersisterOrNil(durable))
		go func() {
			if err := listener.ListenAndServe(broadcastPort); err != nil {
				fmt.Fprintf(os.Stderr, "broadcast listener stopped: %v\n", err)
			}
		}()
	}

	srv := httpapi.New(cfg, poller, leases, reconciler, authRuntime)

	addr := net.JoinHostPort(cfg.Current().Server.Bind, fmt.Sprintf("%d", cfg.Current().Server.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Current().Server.TLS.Enable {
			err = httpSrv.ListenAndServeTLS(cfg.Current().Server.TLS.CertPath, cfg.Current().Server.TLS.KeyPath)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			cancel()
			if listener != nil {
				listener.Close()
			}
			return fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	if listener != nil {
		listener.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func storeOrNil(s *persistence.Store) leasestore.Durable {
	if s == nil {
		return nil
	}
	return s
}

func secretStoreOrNil(s *persistence.Store) auth.SecretStore {
	if s == nil {
		return nil
	}
	return s
}

func overridePersisterOrNil(s *persistence.Store) broadcast.OverridePersister {
	if s == nil {
		return nil
	}
	return s
}
