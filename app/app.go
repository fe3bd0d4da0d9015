/*
Package app assembles an economy.Engine from configuration.

STORAGE LAYOUT:
  currency   SQLite (balances + journal)
  tokens     LevelDB (balances + journal)
  orbs       remote service, journaled into SQLite; absent when orbs.base_url is empty
  grants, jackpots, incidents, reconciliation runs   SQLite

LOCKING:
  One Locker is shared by every ledger, the distributor and the jackpot:
  Redis when redis.addr is set, otherwise an in-process KeyedMutex.

SEE ALSO:
  - cmd/server/main.go: HTTP server
  - cli/: operator tool
*/
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/economy-engine/config"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/lock"
	"github.com/warp/economy-engine/orbs"
	"github.com/warp/economy-engine/rewards"
	"github.com/warp/economy-engine/store/leveldb"
	"github.com/warp/economy-engine/store/sqlite"
)

// App owns the engine and every resource it was built on.
type App struct {
	Engine  *economy.Engine
	SQL     *sqlite.Store
	Tokens  *leveldb.Store
	Orbs    *orbs.Client // nil when not configured
	Catalog *rewards.Catalog
	Locker  economy.Locker

	closers []func() error
}

// Options adjusts Open.
type Options struct {
	Observer economy.Observer
}

// Open builds the engine. On error every resource opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.SQL, err = sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a.closers = append(a.closers, a.SQL.Close)

	a.Tokens, err = leveldb.Open(cfg.Storage.TokensPath)
	if err != nil {
		return nil, fmt.Errorf("open tokens store: %w", err)
	}
	a.closers = append(a.closers, a.Tokens.Close)

	if cfg.Redis.Addr != "" {
		r, err := lock.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger.Named("lock"))
		if err != nil {
			return nil, err
		}
		r.TTL = cfg.Redis.LockTTL
		a.Locker = r
		a.closers = append(a.closers, r.Close)
	} else {
		a.Locker = economy.NewKeyedMutex()
	}

	currency := economy.NewLocalLedger(economy.LedgerCurrency, a.SQL, a.Locker)
	currency.Observer = opts.Observer
	tokens := economy.NewLocalLedger(economy.LedgerTokens, a.Tokens, a.Locker)
	tokens.Observer = opts.Observer
	ledgers := economy.Ledgers{
		economy.LedgerCurrency: currency,
		economy.LedgerTokens:   tokens,
	}

	if cfg.Orbs.BaseURL != "" {
		a.Orbs, err = orbs.NewClient(orbs.Config{
			BaseURL:        cfg.Orbs.BaseURL,
			Token:          cfg.Orbs.Token,
			Timeout:        cfg.Orbs.Timeout,
			BalanceEnabled: cfg.Orbs.BalanceEnabled,
		})
		if err != nil {
			return nil, err
		}
		a.Orbs.Journal = a.SQL
		a.Orbs.Logger = logger.Named("orbs")
		a.Orbs.Observer = opts.Observer
		ledgers[economy.LedgerOrbs] = a.Orbs
	} else {
		logger.Info("orbs ledger not configured, orb rewards will fail")
	}

	catalogCfg, err := cfg.CatalogConfig()
	if err != nil {
		return nil, err
	}
	a.Catalog, err = rewards.NewCatalog(catalogCfg)
	if err != nil {
		return nil, err
	}
	rates, err := cfg.RateTable()
	if err != nil {
		return nil, err
	}

	a.Engine, err = economy.NewEngine(economy.Deps{
		Ledgers:     ledgers,
		Grants:      a.SQL,
		Jackpots:    a.SQL,
		Incidents:   a.SQL,
		Journals:    []economy.JournalReader{a.SQL, a.Tokens},
		Catalog:     a.Catalog,
		Rates:       rates,
		Locker:      a.Locker,
		JackpotBase: cfg.Jackpot.BaseAmount,
		Logger:      logger,
		Observer:    opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	a.Engine.Reconciler.Grace = cfg.Reconcile.Grace
	return a, nil
}

// Close releases resources in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
