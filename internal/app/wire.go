package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Bidon15/nsigner/internal/approval"
	"github.com/Bidon15/nsigner/internal/bunker"
	"github.com/Bidon15/nsigner/internal/config"
	"github.com/Bidon15/nsigner/internal/database"
	"github.com/Bidon15/nsigner/internal/permission"
	"github.com/Bidon15/nsigner/internal/relay"
	"github.com/Bidon15/nsigner/internal/repository"
	"github.com/Bidon15/nsigner/internal/vault"
)

// Build opens every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	v, err := vault.Open(vault.Config{
		Path: cfg.Vault.Path,
		KDF: vault.KDFParams{
			Time:    cfg.Vault.KDFTime,
			Memory:  cfg.Vault.KDFMemory,
			Threads: cfg.Vault.KDFThreads,
		},
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("open vault: %w", err))
	}

	var store permission.GrantStore
	switch cfg.Permission.Store {
	case "postgres":
		pg, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { pg.Close(); return nil })
		if err := pg.RunMigrations(cfg.Database); err != nil {
			return fail(err)
		}
		store = repository.NewGrantRepository(pg.Pool())
		logger.Info("grant store: postgres", slog.String("host", cfg.Database.Host))
	default:
		fs, err := permission.NewFileGrantStore(cfg.Permission.GrantsPath)
		if err != nil {
			return fail(fmt.Errorf("open grants: %w", err))
		}
		store = fs
		logger.Info("grant store: file", slog.String("path", cfg.Permission.GrantsPath))
	}

	var window permission.RateWindow
	if cfg.Permission.RateBackend == "redis" {
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rdb.Close)
		window = permission.NewRedisWindow(rdb.Client())
		logger.Info("rate window: redis", slog.String("addr", cfg.Redis.Addr()))
	}

	perms, err := permission.NewEngine(permission.Config{
		Store:            store,
		Window:           window,
		RateWindow:       cfg.Permission.RateWindow,
		MaxAutoApprovals: cfg.Permission.MaxAutoApprovals,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}

	approvals := approval.New(approval.Config{
		Timeout:   cfg.Approval.Timeout,
		Retention: cfg.Approval.Retention,
		Logger:    logger,
	})

	a, err := New(Deps{
		Vault:       v,
		Permissions: perms,
		Approvals:   approvals,
		Bunker: BunkerOptions{
			Relays:    cfg.Bunker.Relays,
			Secret:    cfg.Bunker.Secret,
			DedupSize: cfg.Bunker.DedupSize,
			Dial: bunker.PoolDialer(relay.Options{
				DialTimeout:  cfg.Bunker.ConnectTimeout,
				ReconnectMin: cfg.Bunker.ReconnectMin,
				ReconnectMax: cfg.Bunker.ReconnectMax,
				Logger:       logger,
			}),
		},
		LockAfter: cfg.Security.LockAfter,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	return a, nil
}
