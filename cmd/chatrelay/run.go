// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/chatrelay/pkg/admin"
	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/driver/matrix"
	"github.com/aiku/chatrelay/pkg/driver/mattermost"
	"github.com/aiku/chatrelay/pkg/relationdb"
	"github.com/aiku/chatrelay/pkg/relay"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand() *cobra.Command {
	var configPath string
	var noUpdate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, !noUpdate)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	cmd.Flags().BoolVar(&noUpdate, "no-update", false, "Do not write the upgraded configuration back to disk")
	return cmd
}

func run(ctx context.Context, configPath string, save bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(configPath, save)
	if err != nil {
		return err
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = logPtr

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}
	log.Info().
		Str("version", Tag).
		Strs("platforms", a.registry.Platforms()).
		Msg("Relay started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	a.stop()
	return nil
}

// app holds the running relay.
type app struct {
	cfg        *config.Config
	topology   *relay.Topology
	relations  *relay.RelationStore
	journal    *relationdb.Journal
	registry   *relay.Registry
	runners    []relay.Runner
	dispatcher *relay.Dispatcher
	admin      *admin.Server
	log        zerolog.Logger
}

// newApp builds every component from cfg without connecting to any platform.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	topo, err := relay.BuildTopology(log, cfg.Rules(), cfg.Defaults())
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	a.topology = topo
	explicit, defaults := topo.EdgeCount()
	log.Info().Int("edges", explicit).Int("default_edges", defaults).Msg("Topology loaded")

	opts := []relay.RelationStoreOption{relay.WithResolveTimeout(cfg.Relay.ResolveTimeoutDuration())}
	if cfg.Relay.RelationDB != "" {
		j, err := relationdb.Open(ctx, cfg.Relay.RelationDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open relation database: %w", err)
		}
		a.journal = j
		opts = append(opts, relay.WithJournal(j))
	}
	a.relations = relay.NewRelationStore(log, opts...)
	if a.journal != nil {
		// Drop expired rows before replaying them.
		a.relations.Purge(ctx, time.Now().Add(-cfg.Relay.RelationMaxAgeDuration()))
		if _, err := a.relations.Restore(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	a.registry = relay.NewRegistry()
	if cfg.Mattermost.Enabled {
		mm := mattermost.New(mattermost.Config{
			ServerURL: cfg.Mattermost.ServerURL,
			Token:     cfg.Mattermost.Token,
			BotPrefix: cfg.Mattermost.BotPrefix,
			Platform:  cfg.Mattermost.Platform,
		}, log)
		if err := a.register(mm); err != nil {
			return nil, err
		}
	}
	if cfg.Matrix.Enabled {
		mx, err := matrix.New(matrix.Config{
			HomeserverURL: cfg.Matrix.HomeserverURL,
			UserID:        cfg.Matrix.UserID,
			AccessToken:   cfg.Matrix.AccessToken,
			Platform:      cfg.Matrix.Platform,
			MediaDir:      filepath.Join(cfg.Relay.DataRoot, "matrix-media"),
		}, log)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.register(mx); err != nil {
			return nil, err
		}
	}

	a.dispatcher = relay.NewDispatcher(relay.DispatcherParams{
		Topology:  topo,
		Relations: a.relations,
		Hooks:     relay.NewHookPipeline(),
		Drivers:   a.registry,
		Images:    relay.NewImageCache(cfg.Relay.DataRoot, nil, log),
		Accounts:  cfg.Accounts(),
	}, log)

	if cfg.AdminAPI.Address != "" {
		a.admin = admin.New(admin.Params{
			Addr:      cfg.AdminAPI.Address,
			Token:     cfg.AdminAPI.Token,
			Topology:  topo,
			Relations: a.relations,
			MaxAge:    cfg.Relay.RelationMaxAgeDuration(),
		}, log)
	}
	return a, nil
}

func (a *app) register(d relay.Driver) error {
	if err := a.registry.Register(d); err != nil {
		a.close()
		return fmt.Errorf("failed to register driver: %w", err)
	}
	if r, ok := d.(relay.Runner); ok {
		a.runners = append(a.runners, r)
	}
	return nil
}

// start connects every driver and starts the background loops. Drivers that
// fail to start are reported together. Drivers outlive ctx until stop is
// called so in-flight dispatches can still send.
func (a *app) start(ctx context.Context) error {
	go a.relations.RunPurger(ctx, a.cfg.Relay.PurgeIntervalDuration(), a.cfg.Relay.RelationMaxAgeDuration())

	driverCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, r := range a.runners {
		if err := r.Start(driverCtx, a.dispatcher); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to start drivers: %w", err)
	}
	if a.admin != nil {
		a.admin.Start()
	}
	return nil
}

// stop disconnects drivers and waits for in-flight dispatches.
func (a *app) stop() {
	for _, r := range a.runners {
		r.Stop()
	}
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.admin.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop admin API")
		}
		cancel()
	}
	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.log.Warn().Msg("Timed out waiting for in-flight dispatches")
	}
}

func (a *app) close() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close relation database")
	}
	a.journal = nil
}
