package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/config"
	"github.com/dan/bws/explorer"
	"github.com/dan/bws/lock"
	"github.com/dan/bws/monitor"
	"github.com/dan/bws/push"
	"github.com/dan/bws/server"
	"github.com/dan/bws/service"
	"github.com/dan/bws/storage"
)

// Command builds the root bwsd command.
func Command() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:          "bwsd",
		Short:        "coordination server for shared multisig bitcoin wallets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	c.Flags().StringVar(&configFile, "config", "", "path to an optional config file")
	config.AddFlags(c.Flags())
	return c
}

func newLogger(cfg *config.Config) hclog.Logger {
	out := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "bwsd",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: out,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenLevelDB(cfg.DataDir, logger.Named("storage"))
	if err != nil {
		return err
	}
	store := storage.New(db, logger.Named("storage"))
	defer store.Close()

	locks := lock.NewManager(0, 0)
	brk := broker.New(logger.Named("broker"))
	defer brk.Close()

	explorers := make(map[string]explorer.Explorer, len(cfg.Networks))
	sources := make(map[string]monitor.Source, len(cfg.Networks))
	for _, network := range cfg.Networks {
		spec := cfg.Explorers[network]
		explorers[network] = explorer.NewInsightClient(spec.URL, cfg.ExplorerTimeout,
			logger.Named("explorer").With("network", network))
		if spec.SocketURL != "" {
			sources[network] = explorer.NewSocket(spec.SocketURL,
				logger.Named("socket").With("network", network))
		}
	}

	metrics := prometheus.NewRegistry()

	svc := service.New(store, locks, brk, explorers, logger.Named("service"), service.Options{})
	mon := monitor.New(store, locks, brk, explorers, sources, logger.Named("monitor"),
		monitor.Options{}, metrics)
	srv := server.New(svc, logger.Named("http"), server.Options{
		ListenAddr: cfg.ListenAddr,
		BasePath:   cfg.BasePath,
	}, metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	if cfg.PushURL != "" {
		dispatcher := push.New(store, brk, logger.Named("push"),
			push.Options{ServerURL: cfg.PushURL}, metrics)
		g.Go(func() error { return dispatcher.Run(ctx) })
	}

	logger.Info("server started", "listen", cfg.ListenAddr, "networks", cfg.Networks)
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		logger.Info("server stopped")
		return nil
	}
	return err
}
