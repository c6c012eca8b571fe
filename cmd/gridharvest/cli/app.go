package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"gridharvest/internal/cache"
	"gridharvest/internal/config"
	configfile "gridharvest/internal/config/file"
	configmem "gridharvest/internal/config/memory"
	"gridharvest/internal/home"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/manager"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/store"
	storefile "gridharvest/internal/store/file"
	storemem "gridharvest/internal/store/memory"
	storesqlite "gridharvest/internal/store/sqlite"
	"gridharvest/internal/transport"
	"gridharvest/internal/transport/memory"
	"gridharvest/internal/transport/solr"
)

// app is one command's view of the engine.
type app struct {
	logger   *slog.Logger
	version  string
	home     home.Dir
	cfg      *config.Config
	cfgStore config.Store
	state    store.Store
	client   transport.Client
	pool     *scheduler.Pool
	cron     *scheduler.Cron
	mgr      *manager.Manager
}

// openApp resolves the home directory, loads config and saved state, and
// wires the engine.
func (e *env) openApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	logger := e.logger()

	homeFlag, _ := cmd.Flags().GetString("home")
	storeFlag, _ := cmd.Flags().GetString("store")
	demo, _ := cmd.Flags().GetBool("demo")

	hd, err := resolveHome(homeFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	var cfgStore config.Store
	if storeFlag == config.StoreMemory {
		cfgStore = configmem.NewStore()
	} else {
		if err := hd.EnsureExists(); err != nil {
			return nil, err
		}
		cfgStore = configfile.NewStore(hd.ConfigPath())
	}
	cfg, err := config.LoadOrBootstrap(ctx, cfgStore)
	if err != nil {
		return nil, err
	}
	if storeFlag != "" {
		cfg.StoreType = storeFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	a := &app{
		logger:   logger,
		version:  e.version,
		home:     hd,
		cfg:      cfg,
		cfgStore: cfgStore,
	}

	if demo {
		grid, node := memory.DemoGrid()
		a.client = grid
		cfg.IndexNode = node
	} else {
		timeout, _ := cfg.Timeout()
		maxBody, _ := cfg.ResponseLimit()
		a.client = solr.New(solr.Config{
			Timeout:      timeout,
			RateLimit:    rate.Limit(cfg.RateLimit),
			Burst:        cfg.RateBurst,
			MaxBodyBytes: maxBody,
			UserAgent:    "gridharvest/" + e.version,
			Logger:       logger,
		})
	}

	a.state, err = openStateStore(hd, cfg.StoreType, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	a.pool = scheduler.NewPool(cfg.PoolSize, logger)
	a.cron, err = scheduler.NewCron(logger)
	if err != nil {
		a.pool.Close()
		_ = a.state.Close()
		return nil, err
	}

	poll, _ := cfg.LockPoll()
	a.mgr = manager.New(manager.Config{
		IndexNode:    cfg.IndexNode,
		Facets:       cfg.Facets,
		Client:       a.client,
		Cache:        cache.New(logger),
		Locks:        lockreg.New(),
		Pool:         a.pool,
		Cron:         a.cron,
		AutoUpdate:   cfg.AutoUpdate,
		PollInterval: poll,
		Logger:       logger,
	})
	if _, err := a.mgr.Load(ctx, a.state); err != nil {
		a.close(context.WithoutCancel(ctx), false)
		return nil, fmt.Errorf("load saved searches: %w", err)
	}
	if demo {
		// Restored state may target a real node; the demo grid has its own.
		a.mgr.SetAutoUpdate(false)
		_ = a.mgr.SetIndexNode(ctx, cfg.IndexNode)
		a.mgr.SetAutoUpdate(cfg.AutoUpdate)
	}
	return a, nil
}

// close optionally saves the state, then shuts everything down.
func (a *app) close(ctx context.Context, save bool) error {
	var errs []error
	if save {
		if err := a.mgr.Save(ctx, a.state); err != nil {
			errs = append(errs, fmt.Errorf("save state: %w", err))
		}
	}
	a.mgr.Close()
	if err := a.cron.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.pool.Close()
	if err := a.state.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// run opens the app, runs fn and closes the app, saving state when save is
// set. The state is saved even when fn fails.
func (e *env) run(cmd *cobra.Command, save bool, fn func(ctx context.Context, a *app) error) error {
	a, err := e.openApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	runErr := fn(ctx, a)
	closeErr := a.close(context.WithoutCancel(ctx), save)
	return errors.Join(runErr, closeErr)
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// openStateStore creates a store.Store based on store type and home directory.
func openStateStore(hd home.Dir, storeType string, logger *slog.Logger) (store.Store, error) {
	switch storeType {
	case config.StoreMemory:
		return storemem.NewStore(), nil
	case config.StoreFile:
		return storefile.NewStore(hd.StatePath(storeType), logger), nil
	case config.StoreSQLite:
		return storesqlite.NewStore(hd.StatePath(storeType), logger)
	default:
		return nil, fmt.Errorf("unknown state store type: %q", storeType)
	}
}
