// Command storage-scriptd bridges a virtualization manager's storage
// JSON-RPC API to pluggable script-based backends. It wires configuration,
// logging, the message switch, the attached-SR index, the datapath
// registry, the plugin watchers and the dispatch engine together, then
// runs until signaled to stop. Grounded on the teacher's cmd/nvr/main.go
// wiring order.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xapi-storage/storage-scriptd/internal/adminapi"
	"github.com/xapi-storage/storage-scriptd/internal/config"
	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/dispatch"
	"github.com/xapi-storage/storage-scriptd/internal/logging"
	"github.com/xapi-storage/storage-scriptd/internal/pathresolver"
	"github.com/xapi-storage/storage-scriptd/internal/srindex"
	"github.com/xapi-storage/storage-scriptd/internal/supervisor"
	"github.com/xapi-storage/storage-scriptd/internal/switchrpc"
	"github.com/xapi-storage/storage-scriptd/internal/watch"
)

func main() {
	if err := run(); err != nil {
		slog.Error("storage-scriptd exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("STORAGE_SCRIPTD_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ringBuffer := logging.NewRingBuffer(2048)
	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	handler := logging.NewHandler(baseHandler, ringBuffer)
	log := slog.New(handler).With("component", "storage-scriptd")
	slog.SetDefault(log)

	log.Info("starting", "root", cfg.Root, "state", cfg.State, "admin_addr", cfg.AdminAddr)

	sw, err := switchrpc.NewEmbedded(log.With("component", "switch"))
	if err != nil {
		return err
	}
	defer sw.Close()

	srIndex, err := srindex.Open(cfg.State, log.With("component", "srindex"))
	if err != nil {
		return err
	}
	defer srIndex.Close()

	resolver := pathresolver.New(cfg.Root)
	datapaths := datapath.NewRegistry(log.With("component", "datapath-registry"))
	volumes := watch.NewVolumeSet()
	watcher := watch.New(log.With("component", "watch"), resolver, datapaths, volumes)

	metrics := dispatch.NewSwitchMetricRegistrar(sw)
	engine := dispatch.New(log.With("component", "dispatch"), resolver, srIndex, datapaths, metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := registerDispatchOverSwitch(ctx, sw, engine); err != nil {
		return err
	}

	admin := adminapi.New(log.With("component", "adminapi"), datapaths, volumes, srIndex, ringBuffer)
	httpServer := &http.Server{Addr: cfg.AdminAddr, Handler: admin}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), supervisor.RestartBackoff)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	super := supervisor.New(log.With("component", "supervisor"), supervisor.NoopProcessSupervisor{},
		supervisor.Loop{Name: "volume-watcher", Run: watcher.RunVolumes},
		supervisor.Loop{Name: "datapath-watcher", Run: watcher.RunDatapaths},
	)
	super.Run(ctx)

	log.Info("stopped")
	return nil
}
