package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/codedogQBY/nimbus-sub000/catalog"
	"github.com/codedogQBY/nimbus-sub000/cmd/flags"
	"github.com/codedogQBY/nimbus-sub000/foldersync"
	"github.com/codedogQBY/nimbus-sub000/pool"
	"github.com/codedogQBY/nimbus-sub000/quota"
	"github.com/codedogQBY/nimbus-sub000/secrets"
	"github.com/codedogQBY/nimbus-sub000/storage"
	"github.com/urfave/cli/v2"
)

// service is the wired storage layer shared by every subcommand.
type service struct {
	manager *pool.Manager
	folders *foldersync.Engine
	closeFn func() error
}

func (s *service) Close(ctx context.Context) {
	s.manager.Close(ctx)
	if s.closeFn != nil {
		s.closeFn()
	}
}

func newService(cCtx *cli.Context, logger *slog.Logger) (*service, error) {
	ctx := cCtx.Context

	store, closeFn, err := catalog.Open(ctx, cCtx.String(flags.CatalogFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to open source catalog", "err", err)
		return nil, err
	}

	factory := storage.NewFactory(logger).
		WithHTTPClient(&http.Client{Timeout: cCtx.Duration(flags.RequestTimeoutFlag.Name)})

	if addr := cCtx.String(flags.VaultAddrFlag.Name); addr != "" {
		resolver, err := secrets.NewVaultResolver(secrets.VaultOpts{
			Address: addr,
			Token:   cCtx.String(flags.VaultTokenFlag.Name),
		}, logger)
		if err != nil {
			closeFn()
			logger.Error("Failed to create Vault client", "err", err)
			return nil, err
		}
		factory.WithSecretResolver(resolver)
		logger.Info("Vault secret references enabled", "address", addr)
	}

	manager, err := pool.NewManager(pool.Config{
		Store:   store,
		Builder: factory,
		Ledger:  quota.NewLedger(store, logger),
		Policy:  pool.HeuristicPolicy{BulkThreshold: cCtx.Int64(flags.BulkThresholdFlag.Name)},
		Log:     logger,

		InitTimeout: cCtx.Duration(flags.RequestTimeoutFlag.Name),
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	folders := foldersync.NewEngine(foldersync.Config{
		Sources:        manager,
		MaxConcurrency: cCtx.Int(flags.SyncConcurrencyFlag.Name),
		Log:            logger,
	})

	return &service{manager: manager, folders: folders, closeFn: closeFn}, nil
}
