// Package app assembles the sync client from configuration.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wadesk/syncd/internal/cache"
	"github.com/wadesk/syncd/internal/campaigns"
	"github.com/wadesk/syncd/internal/config"
	"github.com/wadesk/syncd/internal/inbox"
	"github.com/wadesk/syncd/internal/realtime"
	"github.com/wadesk/syncd/internal/restapi"
	"github.com/wadesk/syncd/internal/server"
	"github.com/wadesk/syncd/internal/session"
)

const shutdownTimeout = 10 * time.Second

// REST is the combined REST collaborator of both reconcilers.
type REST interface {
	inbox.API
	campaigns.API
}

// Overrides replaces network collaborators, mainly for tests.
type Overrides struct {
	Transport realtime.Transport
	REST      REST
	Clock     func() time.Time
	Wait      func(ctx context.Context, delay time.Duration) error
}

// App owns every long-lived component of the client.
type App struct {
	cfg        config.AppConfig
	logger     *zap.Logger
	identity   session.Identity
	registry   *prometheus.Registry
	manager    *realtime.Manager
	inbox      *inbox.Reconciler
	campaigns  *campaigns.Reconciler
	dispatcher *server.ChangeDispatcher
	handler    http.Handler
	db         *gorm.DB

	closeOnce     sync.Once
	unsubscribers []func()
}

// New builds the component graph. Nothing touches the network until Start.
func New(cfg config.AppConfig, logger *zap.Logger, overrides Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := overrides.Clock
	if clock == nil {
		clock = time.Now
	}

	identity, err := session.IdentityFromToken(cfg.Token, cfg.TenantID)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(registry)

	transport := overrides.Transport
	if transport == nil {
		transport, err = realtime.NewWebSocketTransport(realtime.WebSocketConfig{
			URL:              cfg.PushURL,
			HandshakeTimeout: cfg.PushHandshakeTimeout,
			WriteTimeout:     cfg.PushWriteTimeout,
			Logger:           logger.Named("push"),
		})
		if err != nil {
			return nil, err
		}
	}

	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Transport: transport,
		Policy: realtime.ReconnectPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.Multiplier,
			Jitter:       cfg.Jitter,
		},
		Logger:  logger.Named("push"),
		Metrics: metrics,
		Clock:   clock,
		Wait:    overrides.Wait,
	})
	if err != nil {
		return nil, err
	}

	rest := overrides.REST
	if rest == nil {
		rest, err = restapi.NewClient(restapi.ClientConfig{
			BaseURL:  cfg.RESTURL,
			Identity: identity,
			Timeout:  cfg.RESTTimeout,
			Logger:   logger.Named("rest"),
		})
		if err != nil {
			return nil, err
		}
	}

	application := &App{
		cfg:        cfg,
		logger:     logger,
		identity:   identity,
		registry:   registry,
		manager:    manager,
		dispatcher: server.NewChangeDispatcher(),
	}

	var (
		inboxCache    inbox.Cache
		campaignCache campaigns.Cache
	)
	if cfg.CachePath != "" {
		db, err := cache.OpenSQLite(cfg.CachePath, logger.Named("cache"))
		if err != nil {
			return nil, err
		}
		application.db = db
		store, err := cache.NewStore(cache.StoreConfig{
			Database: db,
			TenantID: identity.TenantID(),
			Clock:    clock,
			Logger:   logger.Named("cache"),
		})
		if err != nil {
			_ = cache.Close(db)
			return nil, err
		}
		inboxCache = store
		campaignCache = store
	}

	application.inbox, err = inbox.NewReconciler(inbox.Config{
		API:    rest,
		Push:   manager,
		Cache:  inboxCache,
		Clock:  clock,
		Logger: logger.Named("inbox"),
	})
	if err != nil {
		_ = cache.Close(application.db)
		return nil, err
	}
	application.campaigns, err = campaigns.NewReconciler(campaigns.Config{
		API:    rest,
		Push:   manager,
		Cache:  campaignCache,
		Clock:  clock,
		Logger: logger.Named("campaigns"),
	})
	if err != nil {
		application.inbox.Close()
		_ = cache.Close(application.db)
		return nil, err
	}

	application.bridgeViewEvents()

	application.handler, err = server.NewHTTPHandler(server.Dependencies{
		Connection:        manager,
		Inbox:             application.inbox,
		Campaigns:         application.campaigns,
		Dispatcher:        application.dispatcher,
		Gatherer:          registry,
		AllowedOrigins:    cfg.AllowedOrigins,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger.Named("http"),
	})
	if err != nil {
		_ = application.Close()
		return nil, err
	}

	return application, nil
}

// bridgeViewEvents forwards reconciler and connection changes to UI streams.
func (a *App) bridgeViewEvents() {
	a.unsubscribers = append(a.unsubscribers,
		a.inbox.OnChange(func(change inbox.Change) {
			a.dispatcher.Publish(server.ViewEventInbox, change)
		}),
		a.campaigns.OnChange(func(change campaigns.Change) {
			a.dispatcher.Publish(server.ViewEventCampaign, change)
		}),
		a.manager.OnStateChange(func(change realtime.StateChange) {
			a.dispatcher.Publish(server.ViewEventConnection, a.manager.Snapshot())
			if change.GaveUp {
				a.logger.Warn("push connection gave up", zap.Int("attempts", change.Attempt), zap.Error(change.Err))
			}
		}),
	)
}

// Start seeds the inbox from the cache, opens the push connection and loads
// the first REST baseline. A failed baseline is logged, not returned; the
// reconciler keeps the error in its list view.
func (a *App) Start(ctx context.Context) error {
	if err := a.inbox.RestoreFromCache(ctx); err != nil {
		a.logger.Warn("cached inbox unavailable", zap.Error(err))
	}
	if err := a.manager.Connect(a.identity); err != nil {
		return err
	}
	if err := a.inbox.LoadConversations(ctx, inbox.Filter{}); err != nil {
		a.logger.Warn("initial inbox load failed", zap.Error(err))
	}
	return nil
}

// Run starts the client and serves the local API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Close())
	}

	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddress,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("local api starting", zap.String("address", a.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(shutdownErr, a.Close())
	case err := <-errCh:
		return errors.Join(err, a.Close())
	}
}

// Close releases the reconcilers, the push connection and the cache.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		for _, unsubscribe := range a.unsubscribers {
			unsubscribe()
		}
		a.inbox.Close()
		a.campaigns.Close()
		a.manager.Close()
		err = cache.Close(a.db)
	})
	return err
}

// Handler returns the local view-model API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Manager returns the push connection manager.
func (a *App) Manager() *realtime.Manager {
	return a.manager
}

// Inbox returns the inbox reconciler.
func (a *App) Inbox() *inbox.Reconciler {
	return a.inbox
}

// Campaigns returns the campaign progress reconciler.
func (a *App) Campaigns() *campaigns.Reconciler {
	return a.campaigns
}

// Identity returns the identity the client connects with.
func (a *App) Identity() session.Identity {
	return a.identity
}
