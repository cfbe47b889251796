package shopmesh

import (
	"context"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/shopmesh/analytics/duckdb"
	"github.com/hupe1980/shopmesh/compiler"
	"github.com/hupe1980/shopmesh/config"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/engine"
	"github.com/hupe1980/shopmesh/episode/sqlite"
	"github.com/hupe1980/shopmesh/fetcher"
	"github.com/hupe1980/shopmesh/handler"
	"github.com/hupe1980/shopmesh/logging"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/hupe1980/shopmesh/memory/neo4j"
	"github.com/hupe1980/shopmesh/model"
	"github.com/hupe1980/shopmesh/model/anthropic"
	"github.com/hupe1980/shopmesh/model/openai"
	"github.com/hupe1980/shopmesh/personalize"
	"github.com/hupe1980/shopmesh/router"
	"github.com/hupe1980/shopmesh/search"
	"github.com/hupe1980/shopmesh/session/redis"
	"github.com/hupe1980/shopmesh/synchronizer"
)

// NewLoggerFromConfig builds the structured logger described by cfg.
func NewLoggerFromConfig(cfg config.LoggingConfig) (*logging.ShopLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(func(o *logging.LoggerOptions) {
		o.Level = level
		o.Format = cfg.Format
		o.Output = os.Stderr
		o.Component = "shopmesh"
		if cfg.File != "" {
			o.File = &logging.FileConfig{Path: cfg.File, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28, Compress: true}
		}
	}), nil
}

// NewFromConfig builds a ShopMesh whose backends, providers and tuning come
// from cfg. Backends opened here are released by Close. Extra optFns are
// applied last, e.g. to attach a speech service or engine callbacks.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*ShopMesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLoggerFromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*ShopMesh, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	rules := memory.Rules{Cap: cfg.Memory.Cap, DecayWindow: cfg.Memory.DecayWindow, HalfLife: cfg.Memory.HalfLife}

	var mem core.MemoryStore
	switch cfg.Memory.Backend {
	case "neo4j":
		driver, err := neo4j.Connect(ctx, cfg.Memory.Neo4jURI, cfg.Memory.Neo4jUser, cfg.Memory.Neo4jPassword)
		if err != nil {
			return fail(fmt.Errorf("connect memory graph: %w", err))
		}
		closers = append(closers, func() error { return driver.Close(context.Background()) })
		store := neo4j.New(driver, func(o *neo4j.Options) {
			o.Rules = rules
			o.Logger = logger.WithComponent("memory")
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("prepare memory graph: %w", err))
		}
		mem = store
	default:
		mem = memory.NewInMemoryStore(func(o *memory.Options) { o.Rules = rules })
	}
	if cfg.Memory.CacheTTL > 0 {
		cached, err := memory.NewCachedStore(mem, cfg.Memory.CacheMaxEntries, cfg.Memory.CacheTTL)
		if err != nil {
			return fail(fmt.Errorf("memory cache: %w", err))
		}
		closers = append(closers, func() error { cached.Close(); return nil })
		mem = cached
	}

	var sessions core.SessionStore
	if cfg.Session.Backend == "redis" {
		rdb, err := redis.Connect(ctx, cfg.Session.RedisAddr, "", cfg.Session.RedisDB)
		if err != nil {
			return fail(fmt.Errorf("connect session store: %w", err))
		}
		closers = append(closers, rdb.Close)
		sessions = redis.New(rdb, func(o *redis.Options) {
			o.KeyPrefix = cfg.Session.KeyPrefix
			o.IdleTTL = cfg.Engine.SessionIdleTTL
		})
	}

	var warehouse core.AnalyticsWarehouse
	if cfg.Warehouse.Backend == "duckdb" {
		w, err := duckdb.Open(ctx, cfg.Warehouse.Path, func(o *duckdb.Options) {
			o.QueueSize = cfg.Warehouse.QueueSize
			o.Logger = logger.WithComponent("warehouse")
		})
		if err != nil {
			return fail(fmt.Errorf("open warehouse: %w", err))
		}
		closers = append(closers, w.Close)
		warehouse = w
	}

	var journal core.EpisodeJournal
	if cfg.Journal.Backend == "sqlite" {
		j, err := sqlite.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fail(fmt.Errorf("open episode journal: %w", err))
		}
		closers = append(closers, j.Close)
		journal = j
	}

	reasoner := model.NewReasoner(newModel(cfg.Reasoning), func(o *model.ReasonerOptions) {
		o.RateLimit = cfg.Reasoning.RateLimit
		o.Burst = cfg.Reasoning.Burst
		o.MaxTokens = int64(cfg.Reasoning.MaxTokens)
		o.Logger = logger.WithComponent("reasoning")
	})

	products := search.DefaultProducts()
	if cfg.Search.CatalogPath != "" {
		if products, err = search.LoadProducts(cfg.Search.CatalogPath); err != nil {
			return fail(fmt.Errorf("load catalog: %w", err))
		}
	}
	catalog, err := search.New(ctx, products, func(o *search.Options) {
		o.Embedder = search.NewHashEmbedder(cfg.Search.Dimensions).Func()
		o.MinScore = cfg.Search.MinScore
		o.Logger = logger.WithComponent("search")
	})
	if err != nil {
		return fail(fmt.Errorf("build catalog: %w", err))
	}

	m, err := New(func(o *Options) {
		o.Reasoner = reasoner
		o.Search = catalog
		o.Sessions = sessions
		o.Memory = mem
		o.Warehouse = warehouse
		o.Journal = journal
		o.SessionIdleTTL = cfg.Engine.SessionIdleTTL
		o.SweepInterval = cfg.Engine.SweepInterval
		o.EnableSynchronizer = cfg.Synchronizer.Enabled
		o.Logger = logger
		o.Engine = append(o.Engine, engineOptions(cfg, reasoner, catalog, logger))
		o.Synchronizer = append(o.Synchronizer, synchronizerOptions(cfg))
		for _, fn := range optFns {
			fn(o)
		}
		o.closers = append(o.closers, closers...)
	})
	if err != nil {
		return fail(err)
	}
	return m, nil
}

func newModel(cfg config.ReasoningConfig) model.Model {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		})
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.MaxTokens = int64(cfg.MaxTokens)
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		})
	default:
		return NewDemoModel()
	}
}

// engineOptions builds every pipeline component from cfg. The session and
// memory stores are filled in by New before this runs.
func engineOptions(cfg *config.Config, reasoner core.ReasoningService, catalog *search.Catalog, logger *logging.ShopLogger) func(o *engine.Options) {
	return func(o *engine.Options) {
		o.MaxConcurrentTurns = cfg.Engine.MaxConcurrentTurns
		o.EmitterPoolSize = cfg.Engine.EmitterPoolSize
		o.HistorySize = cfg.Engine.HistorySize
		o.FetchDeadline = cfg.Deadlines.Fetch
		o.JoinGrace = cfg.Deadlines.JoinGrace
		o.RealtimeWrites = cfg.Memory.RealtimeWrites
		o.RealtimeDelta = cfg.Memory.RealtimeDelta
		o.MemoryWriteDeadline = cfg.Deadlines.MemoryWrite

		sessions := o.Sessions
		o.Components = engine.Components{
			Fetcher: fetcher.New(o.Memory, func(f *fetcher.Options) {
				f.Deadline = cfg.Deadlines.Fetch
				f.MaxEdges = cfg.Memory.MaxEdges
				f.MinConfidence = cfg.Memory.MinConfidence
				f.Sessions = sessions
				f.Logger = logger.WithComponent("fetcher")
			}),
			Router: router.New(reasoner, func(r *router.Options) {
				r.Deadline = cfg.Deadlines.Route
				r.Midpoint = cfg.Router.Midpoint
				r.PaceWeight = cfg.Router.PaceWeight
				r.UrgencyWeight = cfg.Router.UrgencyWeight
				r.EmphasisWeight = cfg.Router.EmphasisWeight
				r.DefaultLimit = cfg.Router.DefaultLimit
				r.MaxResultLimit = cfg.Router.MaxResultLimit
				r.MemoryLines = cfg.Router.MemoryLines
				r.Logger = logger.WithComponent("router")
			}),
			Search: handler.NewSearch(catalog, func(s *handler.SearchOptions) {
				s.Deadline = cfg.Deadlines.Search
				s.MaxResultLimit = cfg.Router.MaxResultLimit
				s.Logger = logger.WithComponent("search")
			}),
			Order: handler.NewOrder(sessions, func(h *handler.OrderOptions) {
				h.MaxQuantity = cfg.Engine.MaxQuantity
				h.Catalog = catalog
				h.Logger = logger.WithComponent("order")
			}),
			Chat: handler.NewChat(reasoner, func(c *handler.ChatOptions) {
				c.Deadline = cfg.Deadlines.Chat
				c.MemoryLines = cfg.Router.MemoryLines
				c.Logger = logger.WithComponent("chat")
			}),
			Personalizer: personalize.New(func(p *personalize.Options) {
				p.AvoidThreshold = cfg.Personalization.AvoidThreshold
				p.PreferWeight = cfg.Personalization.PreferWeight
				p.AvoidPenalty = cfg.Personalization.AvoidPenalty
				p.MinResults = cfg.Personalization.MinResults
				p.MaxResults = cfg.Personalization.MaxResults
			}),
			Compiler: compiler.New(),
		}
	}
}

func synchronizerOptions(cfg *config.Config) func(o *synchronizer.Options) {
	s := cfg.Synchronizer
	return func(o *synchronizer.Options) {
		o.Interval = s.Interval
		o.MinObservation = s.MinObservation
		o.Lookback = s.Lookback
		o.QualityThreshold = s.QualityThreshold
		o.Scorer = synchronizer.Scorer{
			Weights:         synchronizer.Weights{Strength: s.StrengthWeight, Stability: s.StabilityWeight, Recency: s.RecencyWeight},
			StrengthScale:   s.StrengthScale,
			RecencyHalfLife: s.RecencyHalfLife,
		}
		o.BatchSize = s.BatchSize
		o.Parallelism = s.Parallelism
		o.WriteDeadline = cfg.Deadlines.MemoryWrite
	}
}
