// Command droidlabd runs the droidlab coordinator, its workers, and the
// HTTP facade that fronts them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/droidlab/droidlab/pkg/audit"
	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/coordinator"
	"github.com/droidlab/droidlab/pkg/facade"
	"github.com/droidlab/droidlab/pkg/proxy"
	"github.com/droidlab/droidlab/pkg/registry"
	"github.com/droidlab/droidlab/pkg/reward"
	"github.com/droidlab/droidlab/pkg/settings"
	"github.com/droidlab/droidlab/pkg/trajectory"
	"github.com/droidlab/droidlab/pkg/util"
	"github.com/droidlab/droidlab/pkg/version"
	"github.com/droidlab/droidlab/pkg/worker"
)

var (
	settingsPath string
	host         string
	port         int
	logLevel     string
)

func main() {
	root := &cobra.Command{
		Use:     "droidlabd",
		Short:   "droidlab coordinator daemon",
		Version: version.Info(),
	}
	root.PersistentFlags().StringVar(&settingsPath, "config", settings.DefaultSettingsPath(), "path to settings.json")
	root.PersistentFlags().StringVar(&host, "host", "0.0.0.0", "HTTP bind host")
	root.PersistentFlags().IntVar(&port, "port", 8080, "HTTP bind port")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the coordinator, its workers, and the HTTP facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.SetLogLevel(logLevel); err != nil {
				return err
			}
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := settings.LoadFrom(settingsPath)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	fileLogger, err := audit.NewFileLogger(cfg.GetAuditLogPath(), audit.RotationConfig{
		MaxSize:    int64(cfg.GetAuditMaxSizeMB()) * 1024 * 1024,
		MaxBackups: cfg.GetAuditMaxBackups(),
	})
	if err != nil {
		util.Warnf("audit log disabled: %v", err)
	} else {
		audit.SetDefaultLogger(fileLogger)
		defer fileLogger.Close()
	}

	bridgeClient := bridge.NewClient(cfg.GetBridgeBinary())
	if err := bridgeClient.EnsureBridgeServer(context.Background()); err != nil {
		util.Warnf("device bridge not ready at startup: %v", err)
	}

	if cfg.ActionMapPath != "" {
		if err := trajectory.LoadActionMapOverrides(cfg.ActionMapPath); err != nil {
			util.Warnf("action map overrides not applied: %v", err)
		}
	}

	ports := trajectory.NewPortAllocator(cfg.GetClaimDir(), cfg.GetBasePort(), bridgeClient)
	supervisor := trajectory.NewSupervisor(bridgeClient, ports, cfg.LogDir, time.Duration(cfg.GetBootTimeoutSeconds())*time.Second)
	observationBuilder := trajectory.NewBuilder(bridgeClient)

	snapshots, err := trajectory.NewSnapshotStore(cfg.GetSnapshotDir())
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	manager := trajectory.NewManager(bridgeClient, ports, supervisor, observationBuilder, snapshots, trajectory.Config{
		AVDName:        cfg.AVDName,
		EmulatorBinary: "emulator",
		BootOptions:    trajectory.DefaultBootOptions(),
		MaxIdleTime:    time.Duration(cfg.GetMaxIdleSeconds()) * time.Second,
	})

	sharedRegistry := registry.New(cfg.RedisAddr)
	if sharedRegistry != nil {
		if err := sharedRegistry.Ping(context.Background()); err != nil {
			util.Warnf("shared registry unreachable, continuing without it: %v", err)
			sharedRegistry = nil
		}
		defer sharedRegistry.Close()
	}
	manager.SetRegistry(sharedRegistry)

	coord := coordinator.New(prometheus.DefaultRegisterer)
	coord.SetRegistry(sharedRegistry)

	envWorker := worker.NewEnvironmentWorker(manager, time.Duration(cfg.GetMaxIdleSeconds())*time.Second)
	envID := coord.Register(envWorker)

	rewardWorker := reward.New()
	rewardID := coord.Register(rewardWorker)

	proxyWorker := proxy.New("/etc/droidlab/proxy.conf", nil)
	coord.Register(proxyWorker)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := coord.StartAll(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	srv := facade.New(coord, envID, rewardID)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		util.Infof("droidlab facade listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		util.Infof("shutting down")
	case err := <-errCh:
		util.Errorf("http server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		util.Warnf("http shutdown: %v", err)
	}

	return coord.StopAll(shutdownCtx)
}
