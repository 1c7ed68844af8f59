package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospector.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLedgerStore opens the store, runs migrations, and wraps it in the
// ledger service. Callers should defer st.Close().
func initLedgerStore(ctx context.Context) (store.Store, *ledger.Service, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, err
	}
	return st, ledger.New(st, cfg.Ledger), nil
}
