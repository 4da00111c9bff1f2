package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/crawler"
	"github.com/sells-group/mining-intel/internal/edgar"
	"github.com/sells-group/mining-intel/internal/exhibit"
	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/ratelimit"
	"github.com/sells-group/mining-intel/internal/store"
)

// initStore opens the configured store without migrating it.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, opens the store, and applies
// migrations. Callers should defer st.Close().
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newFetcher builds the EDGAR fetcher. Every request it makes shares one
// limiter, so crawl traffic and document downloads draw from the same budget.
func newFetcher(m *metrics.Metrics) *fetcher.HTTPFetcher {
	lim := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.Edgar.RequestsPerWindow,
		Window:            cfg.Edgar.Window,
		Cooldown:          cfg.Edgar.Cooldown,
		OnTrip: func(reason string, until time.Time) {
			m.Tripped(reason, until)
			zap.L().Warn("edgar rate limit tripped, cooling down",
				zap.String("reason", reason),
				zap.Time("until", until),
			)
		},
	})
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Edgar.UserAgent,
		Timeout:    cfg.Edgar.Timeout,
		MaxRetries: cfg.Edgar.MaxRetries,
		Limiter:    lim,
		OnResponse: m.Upstream,
	})
}

// detectorRules returns the exhibit rules from edgar.rules_file, or the
// built-in rules when none is configured.
func detectorRules(c config.EdgarConfig) ([]exhibit.Rule, error) {
	if c.RulesFile == "" {
		return exhibit.DefaultRules(), nil
	}
	rules, err := exhibit.LoadRules(c.RulesFile)
	if err != nil {
		return nil, eris.Wrap(err, "load exhibit rules")
	}
	zap.L().Info("loaded exhibit rules", zap.String("path", c.RulesFile), zap.Int("rules", len(rules)))
	return rules, nil
}

// initCrawler wires the walker, detector, and crawler around one fetcher.
func initCrawler(st store.Store, m *metrics.Metrics) (*crawler.Crawler, error) {
	f := newFetcher(m)

	rules, err := detectorRules(cfg.Edgar)
	if err != nil {
		return nil, err
	}
	detector, err := exhibit.NewDetector(rules)
	if err != nil {
		return nil, eris.Wrap(err, "build exhibit detector")
	}

	client := edgar.NewClient(f, edgar.Config{
		DataBaseURL:     cfg.Edgar.DataBaseURL,
		ArchivesBaseURL: cfg.Edgar.ArchivesBaseURL,
		SearchURL:       cfg.Edgar.SearchURL,
	})
	walker := edgar.NewWalker(client, edgar.WalkerOptions{
		FormTypes:      cfg.Edgar.FormTypes,
		DiscoveryQuery: cfg.Edgar.DiscoveryQuery,
	})

	return crawler.New(walker, detector, f, st, crawler.Options{
		Concurrency:   cfg.Edgar.Concurrency,
		CIKs:          cfg.Edgar.CIKs,
		Lookback:      cfg.Edgar.Lookback,
		ProgressEvery: cfg.Edgar.ProgressEvery,
		SkipGuesses:   cfg.Edgar.SkipGuesses,
		Metrics:       m,
	}), nil
}
