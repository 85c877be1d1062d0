// Package app assembles the engine from configuration: store, event hub,
// providers, worker pool, orchestrator and service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/expressions"
	"github.com/rendis/galaxy/internal/providers"
	"github.com/rendis/galaxy/internal/secrets"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// Options configure an App. The zero value is an in-memory engine with no
// providers.
type Options struct {
	// DBPath selects the libSQL store; empty means the in-memory store.
	// A bare path is opened as a local file.
	DBPath           string
	PoolSize         int
	RetryPerProvider int
	ProviderTimeout  time.Duration
	WaitTimeout      time.Duration
	Backoff          *schema.RetryPolicy
	StrictReferences bool

	// MockProviders completes every known provider locally.
	MockProviders bool
	// ProviderEndpoints maps provider id to its submission endpoint.
	ProviderEndpoints map[string]string
	CallbackBaseURL   string
	// VaultKey is the 32-byte key sealing provider credentials. Without it
	// providers submit unauthenticated and App.Vault is nil.
	VaultKey []byte
	// CircuitBreaker enables per-provider breakers when set.
	CircuitBreaker *engine.CircuitBreakerConfig

	Logger *slog.Logger
}

// App is an assembled engine.
type App struct {
	Store      store.Store
	Hub        streaming.EventHub
	Contracts  *contracts.Registry
	Providers  *providers.Registry
	Waitpoints *engine.Waitpoints
	Service    *engine.Service
	Vault      *secrets.AESVault
	Pool       *engine.WorkerPool

	logger *slog.Logger
}

const defaultPoolSize = 4

// New builds an App. The store is migrated before use.
func New(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}

	reg, err := contracts.NewBuiltinRegistry()
	if err != nil {
		st.Close()
		return nil, err
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("expression engines: %w", err)
	}

	var vault *secrets.AESVault
	if len(opts.VaultKey) > 0 {
		ss, ok := st.(store.SecretStore)
		if !ok {
			st.Close()
			return nil, schema.NewError(schema.ErrCodeConfig, "store cannot hold secrets")
		}
		vault, err = secrets.NewAESVault(ss, secrets.VaultConfig{MasterKey: opts.VaultKey})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	wp := engine.NewWaitpoints()
	provs, err := buildProviders(opts, wp, vault, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var hub streaming.EventHub = streaming.NewMemoryHub()
	events, _ := st.(store.EventLog)
	if events != nil {
		hub = streaming.NewPersistentHub(hub, events)
	}

	var breakers *engine.CircuitBreakerRegistry
	if opts.CircuitBreaker != nil {
		breakers = engine.NewCircuitBreakerRegistry(*opts.CircuitBreaker)
	}

	exec := engine.NewNodeExecutor(engine.NodeExecutorDeps{
		Store:      st,
		Contracts:  reg,
		Providers:  provs,
		Waitpoints: wp,
		Engines:    engines,
		Breakers:   breakers,
		Hub:        hub,
		Logger:     logger,
	}, engine.NodeExecutorConfig{
		RetryPerProvider: opts.RetryPerProvider,
		ProviderTimeout:  opts.ProviderTimeout,
		WaitTimeout:      opts.WaitTimeout,
		Backoff:          opts.Backoff,
	})

	size := opts.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	pool := engine.NewWorkerPool(size)
	orch := engine.NewOrchestrator(st, reg, engine.NewPoolDispatcher(pool, exec, logger), hub,
		engine.OrchestratorConfig{StrictReferences: opts.StrictReferences}, logger)

	svc := engine.NewService(engine.ServiceDeps{
		Store:        st,
		Contracts:    reg,
		Orchestrator: orch,
		Waitpoints:   wp,
		Hub:          hub,
		Events:       events,
		Logger:       logger,
	})

	logger.Info("engine ready",
		slog.String("store", storeKind(opts.DBPath)),
		slog.Int("pool_size", size),
		slog.Any("providers", provs.IDs()),
		slog.Bool("mock_providers", opts.MockProviders),
		slog.Bool("vault", vault != nil),
	)

	return &App{
		Store:      st,
		Hub:        hub,
		Contracts:  reg,
		Providers:  provs,
		Waitpoints: wp,
		Service:    svc,
		Vault:      vault,
		Pool:       pool,
		logger:     logger,
	}, nil
}

// Close drains background runs until ctx ends, then stops the pool and
// closes the store.
func (a *App) Close(ctx context.Context) error {
	shutdownErr := a.Service.Shutdown(ctx)
	a.Pool.Shutdown()
	closeErr := a.Store.Close()
	return errors.Join(shutdownErr, closeErr)
}

func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	dsn := dbPath
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open store %q: %s", dbPath, err.Error()).WithCause(err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "migrate store: %s", err.Error()).WithCause(err)
	}
	return st, nil
}

func buildProviders(opts Options, wp *engine.Waitpoints, vault *secrets.AESVault, logger *slog.Logger) (*providers.Registry, error) {
	var list []providers.Provider
	for _, id := range contracts.KnownProviders {
		cfg := providers.CallbackConfig{
			ID:              id,
			MockMode:        opts.MockProviders,
			Endpoint:        opts.ProviderEndpoints[id],
			CallbackBaseURL: opts.CallbackBaseURL,
			Logger:          logger,
		}
		if vault != nil {
			cfg.Credentials = vault
			cfg.CredentialKey = secrets.ProviderKey(id)
		}
		if !cfg.MockMode && cfg.Endpoint == "" {
			continue
		}
		p, err := providers.NewCallbackProvider(cfg, wp)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	for id := range opts.ProviderEndpoints {
		if !slices.Contains(contracts.KnownProviders, id) {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown provider %q", id)
		}
	}
	return providers.NewRegistry(list...)
}

func storeKind(dbPath string) string {
	if dbPath == "" {
		return "memory"
	}
	return "libsql"
}
