package main

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/enrich"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/rates"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/tariffsync"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/fedreg"
	"github.com/sells-group/tariff-cli/pkg/hts"
	"github.com/sells-group/tariff-cli/pkg/openrouter"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds everything a command may need. Fields are built together so
// every command wires the same graph.
type appEnv struct {
	Store    store.Store
	Breakers *resilience.ServiceBreakers
	AI       *llm.Chain
	Enricher *enrich.Enricher
	Cache    *ratecache.Cache
	Rates    *rates.Service
	Alerter  *monitoring.Alerter
	Engine   *tariffsync.Engine
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store, and builds
// the service graph.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
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

	env := &appEnv{Store: st}
	if mode == "store" {
		return env, nil
	}

	env.Breakers = resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Enrich.BreakerThreshold,
		ResetTimeout:     time.Duration(cfg.Enrich.BreakerResetSecs) * time.Second,
	})
	env.AI = buildChain(cfg, env.Breakers)

	policy := freshness.Default()
	env.Enricher = enrich.New(env.AI, st, policy, enrich.Config{
		MaxConcurrency: cfg.Enrich.MaxConcurrency,
		MaxTokens:      cfg.Anthropic.MaxTokens,
	})

	process := ratecache.NewMemoryCache(
		cfg.Cache.ProcessMaxEntries,
		time.Duration(cfg.Cache.ProcessTTLSecs)*time.Second,
		cfg.Cache.EvictFraction,
	)
	env.Cache = ratecache.New(process, time.Duration(cfg.Cache.RequestTTLSecs)*time.Second)
	env.Rates = rates.NewService(env.Cache, st, env.Enricher, policy)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)

	env.Engine, err = buildEngine(cfg, st, env.AI, env.Alerter, env.Rates.Invalidate)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// buildChain orders the providers: OpenRouter first, Anthropic second. Either
// may be absent when its key is unset.
func buildChain(c *config.Config, breakers *resilience.ServiceBreakers) *llm.Chain {
	var providers []llm.Provider
	if c.OpenRouter.Key != "" {
		client := openrouter.NewClient(c.OpenRouter.Key,
			openrouter.WithBaseURL(c.OpenRouter.BaseURL),
			openrouter.WithModel(c.OpenRouter.Model),
			openrouter.WithReferer(c.OpenRouter.Referer),
			openrouter.WithHTTPClient(&http.Client{Timeout: time.Duration(c.OpenRouter.TimeoutSecs) * time.Second}),
		)
		providers = append(providers, llm.NewOpenRouter(client, c.OpenRouter.Model))
	}
	if c.Anthropic.Key != "" {
		client := anthropic.NewClient(c.Anthropic.Key,
			option.WithRequestTimeout(time.Duration(c.Anthropic.TimeoutSecs)*time.Second),
		)
		providers = append(providers, llm.NewAnthropic(client, c.Anthropic.Model, c.Anthropic.MaxTokens))
	}

	timeout := time.Duration(max(c.OpenRouter.TimeoutSecs, c.Anthropic.TimeoutSecs)) * time.Second
	return llm.NewChain(timeout, breakers, providers...)
}

func buildEngine(c *config.Config, st store.Store, ai *llm.Chain, notifier tariffsync.Notifier, onWrite func(string)) (*tariffsync.Engine, error) {
	mfnCadence, err := tariffsync.ParseCadence(c.Sync.MFNCadence)
	if err != nil {
		return nil, err
	}
	noticeCadence, err := tariffsync.ParseCadence(c.Sync.Section301Cadence)
	if err != nil {
		return nil, err
	}

	htsFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      time.Duration(c.HTS.TimeoutSecs) * time.Second,
		RateLimiters: hostLimit(c.HTS.BaseURL, c.HTS.RatePerSec),
	})
	frFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      time.Duration(c.FedReg.TimeoutSecs) * time.Second,
		RateLimiters: hostLimit(c.FedReg.BaseURL, c.FedReg.RatePerSec),
	})

	mfn := tariffsync.NewMFNSync(
		hts.NewClient(htsFetcher, hts.WithBaseURL(c.HTS.BaseURL)),
		st,
		tariffsync.MFNConfig{
			BatchSize:  c.Sync.MFNBatchSize,
			BatchPause: time.Duration(c.Sync.MFNBatchPauseMS) * time.Millisecond,
			Cadence:    mfnCadence,
		},
	)
	mfn.OnWrite = onWrite

	notices := tariffsync.NewNoticeSync(
		fedreg.NewClient(frFetcher, fedreg.WithBaseURL(c.FedReg.BaseURL)),
		tariffsync.NewLLMExtractor(ai, 0, 0),
		st,
		tariffsync.NoticeConfig{
			Term:     c.FedReg.Term,
			Agencies: c.FedReg.Agencies,
			Lookback: time.Duration(c.FedReg.LookbackDays) * 24 * time.Hour,
			Cadence:  noticeCadence,
		},
	)
	notices.OnWrite = onWrite

	return tariffsync.NewEngine(st, notifier, c.Sync.LockTTL(), mfn, notices), nil
}

// hostLimit overrides the default limiter for baseURL's host.
func hostLimit(baseURL string, perSec float64) map[string]*rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return map[string]*rate.Limiter{u.Host: rate.NewLimiter(rate.Limit(perSec), 1)}
}
