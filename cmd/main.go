package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpapi "memlog/internal/http"
	"memlog/pkg/backup"
	"memlog/pkg/cluster"
	"memlog/pkg/config"
	"memlog/pkg/metrics"
	"memlog/pkg/recovery"
	"memlog/pkg/rpc"
	"memlog/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	roleCoordinator = "coordinator"
	roleBackup      = "backup"
)

func main() {
	role := flag.String("role", roleCoordinator, "process role: coordinator or backup")
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg, os.Stdout)

	switch *role {
	case roleCoordinator:
		err = runCoordinator(ctx, cfg, logger)
	case roleBackup:
		err = runBackup(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}
	if err != nil {
		logger.Error("memlog stopped with error", "role", *role, "error", err)
		os.Exit(1)
	}
	logger.Info("memlog stopped", "role", *role)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func runCoordinator(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// --- ZooKeeper roster ---
	roster, err := cluster.NewZKRoster(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.ZooKeeper.SessionTimeout)
	if err != nil {
		return fmt.Errorf("connect to ZooKeeper: %w", err)
	}
	defer roster.Close()

	// смена состава кластера только логируется: восстановление запускается через API
	roster.RunWatch(ctx, func(servers []cluster.ServerInfo) {
		ids := make([]types.ServerID, 0, len(servers))
		for _, s := range servers {
			ids = append(ids, s.ID)
		}
		logger.Info("cluster membership changed", "servers", ids)
	})

	reg := newRegistry()
	opts := append(recovery.OptionsFromConfig(cfg.Recovery),
		recovery.WithLogger(logger.With("component", "recovery")),
		recovery.WithMetrics(metrics.NewPrometheus(reg, "memlog")),
	)
	coordinator := recovery.NewCoordinator(rpc.NewBackupClient(roster), opts...)
	defer coordinator.Shutdown()

	server := httpapi.NewServer(cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	server.SetLogger(logger)
	server.SetCoordinator(coordinator, roster)
	server.SetMetrics(reg)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("coordinator is running", "port", cfg.Server.Port, "zk", cfg.ZooKeeper.Servers)
	<-ctx.Done()
	return server.Stop()
}

// publishingStore announces every uploaded replica in ZooKeeper.
type publishingStore struct {
	*backup.Store
	roster *cluster.ZKRoster
}

func (p *publishingStore) WriteSegment(h backup.Header, entries []backup.Entry) error {
	if err := p.Store.WriteSegment(h, entries); err != nil {
		return err
	}
	for _, r := range p.Store.Replicas(h.Master) {
		if r.Segment == h.Segment {
			return p.roster.PublishReplica(h.Master, r)
		}
	}
	return nil
}

func runBackup(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	id := types.ServerID(cfg.Backup.ID)
	if id == 0 || cfg.Backup.Locator == "" {
		return fmt.Errorf("backup.id and backup.locator must be set")
	}

	store, err := backup.Open(cfg.Backup.DataDir, id, backup.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open backup store: %w", err)
	}
	defer store.Close()

	roster, err := cluster.NewZKRoster(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.ZooKeeper.SessionTimeout)
	if err != nil {
		return fmt.Errorf("connect to ZooKeeper: %w", err)
	}
	defer roster.Close()

	reg := newRegistry()
	server := httpapi.NewServer(cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	server.SetLogger(logger)
	server.SetBackup(&publishingStore{Store: store, roster: roster})
	server.SetMetrics(reg)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warn("failed to stop HTTP server", "error", err)
		}
	}()

	// реплики с диска публикуются сразу: пока они загружаются, backup отвечает 503
	for _, master := range store.Masters() {
		for _, p := range store.Replicas(master) {
			if err := roster.PublishReplica(master, p); err != nil {
				return err
			}
		}
	}

	services := []cluster.Service{cluster.BackupService}
	if cfg.Backup.Recoverer {
		services = append(services, cluster.MasterService)
	}
	if err := roster.Register(ctx, cluster.ServerInfo{ID: id, Locator: cfg.Backup.Locator, Services: services}); err != nil {
		return fmt.Errorf("register in ZooKeeper: %w", err)
	}

	logger.Info("backup is running", "id", id, "port", cfg.Server.Port, "replicas_of", store.Masters())
	<-ctx.Done()
	return nil
}
