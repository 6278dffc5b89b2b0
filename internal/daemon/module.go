// Package daemon composes the engine with fx and exposes its control API.
package daemon

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/cache"
	"github.com/KLOUTZINMODZ/zenithchat/internal/cache/persist"
	"github.com/KLOUTZINMODZ/zenithchat/internal/config"
	"github.com/KLOUTZINMODZ/zenithchat/internal/conversation"
	"github.com/KLOUTZINMODZ/zenithchat/internal/logging"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
	"github.com/KLOUTZINMODZ/zenithchat/internal/outbox"
	"github.com/KLOUTZINMODZ/zenithchat/internal/rest"
	"github.com/KLOUTZINMODZ/zenithchat/internal/status"
	"github.com/KLOUTZINMODZ/zenithchat/internal/transport"
	"github.com/KLOUTZINMODZ/zenithchat/internal/typing"
)

// Params carries everything the engine needs that comes from outside the
// dependency graph: resolved paths and the loaded configuration.
type Params struct {
	Profile     string
	Config      config.Config
	SocketPath  string
	CacheDBPath string
	LogPath     string
	Debug       bool
}

// Module assembles the engine for one profile.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			bus.New,
			metrics.New,
			providePersist,
			provideCache,
			provideMachine,
			provideTransport,
			provideOutbox,
			provideTyping,
			provideRest,
			provideManager,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.LogPath, p.Profile, p.Debug)
}

// providePersist opens the configured durable tier. Failure is not fatal:
// the engine runs memory-only and says so.
func providePersist(p Params, log *zap.Logger) persist.Store {
	var (
		store persist.Store
		err   error
	)
	switch p.Config.Cache.Backend {
	case "redis":
		store, err = persist.OpenRedis(context.Background(),
			p.Config.Cache.RedisAddr, p.Config.Cache.RedisPassword,
			p.Config.Cache.RedisDB, "zenithchat:"+p.Profile)
	default:
		store, err = persist.OpenSQLite(p.CacheDBPath)
	}
	if err != nil {
		log.Warn("durable cache tier unavailable, running memory-only", zap.Error(err))
		return nil
	}
	return store
}

func provideCache(p Params, ps persist.Store, log *zap.Logger, m *metrics.Metrics) *cache.Store {
	return cache.New(cache.Options{
		Capacity:      p.Config.Cache.Capacity,
		SweepInterval: p.Config.Cache.Sweep(),
		Persist:       ps,
		Logger:        log.Named("cache"),
		Metrics:       m,
	})
}

func provideMachine(b *bus.Bus, log *zap.Logger) *status.Machine {
	return status.NewMachine(b, log.Named("status"))
}

func provideTransport(p Params, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *transport.Adapter {
	return transport.NewAdapter(transport.Options{
		URL:              p.Config.GatewayURL,
		Token:            p.Config.Token,
		HandshakeTimeout: p.Config.Transport.HandshakeTimeout(),
		HeartbeatEvery:   p.Config.Transport.Heartbeat(),
		ReconnectBase:    p.Config.Transport.ReconnectBase(),
		ReconnectCap:     p.Config.Transport.ReconnectCap(),
		MaxReconnects:    p.Config.Transport.MaxReconnects,
	}, b, log.Named("transport"), m)
}

func provideOutbox(p Params, adapter *transport.Adapter, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *outbox.Manager {
	return outbox.NewManager(outbox.Options{
		SelfID:      p.Config.UserID,
		AckTimeout:  p.Config.Retry.AckTimeout(),
		RetryBase:   p.Config.Retry.Base(),
		RetryCap:    p.Config.Retry.Cap(),
		MaxAttempts: p.Config.Retry.MaxAttempts,
	}, adapter, b, log.Named("outbox"), m)
}

func provideTyping(p Params, b *bus.Bus) *typing.Tracker {
	return typing.NewTracker(p.Config.Typing.Window(), b)
}

func provideRest(p Params, log *zap.Logger) *rest.Client {
	return rest.NewClient(p.Config.APIURL, p.Config.Token, log.Named("rest"))
}

func provideManager(
	p Params,
	b *bus.Bus,
	store *cache.Store,
	adapter *transport.Adapter,
	ob *outbox.Manager,
	tracker *typing.Tracker,
	client *rest.Client,
	machine *status.Machine,
	log *zap.Logger,
	m *metrics.Metrics,
) *conversation.Manager {
	return conversation.NewManager(conversation.Params{
		SelfID:    p.Config.UserID,
		CacheTTL:  p.Config.Cache.TTL(),
		Bus:       b,
		Cache:     store,
		Transport: adapter,
		Outbox:    ob,
		Typing:    tracker,
		History:   client,
		Machine:   machine,
		Logger:    log.Named("conversation"),
		Metrics:   m,
	})
}

func provideServer(p Params, mgr *conversation.Manager, m *metrics.Metrics, log *zap.Logger) *Server {
	return NewServer(p.SocketPath, p.Profile, mgr, m, log.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	store *cache.Store,
	ps persist.Store,
	adapter *transport.Adapter,
	ob *outbox.Manager,
	tracker *typing.Tracker,
	mgr *conversation.Manager,
	machine *status.Machine,
	srv *Server,
	log *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			store.Start(runCtx)
			ob.Start(runCtx)
			mgr.Start(runCtx)

			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("control api failed", zap.Error(err))
				}
			}()

			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}
			go func() {
				if err := adapter.Connect(runCtx); err != nil {
					log.Error("initial gateway connection failed", zap.Error(err))
					machine.Transition(status.Failed)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			adapter.Disconnect()
			machine.Transition(status.Offline)
			mgr.Stop()
			ob.Stop()
			tracker.Close()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn("control api shutdown", zap.Error(err))
			}
			store.Stop()
			cancel()
			if ps != nil {
				if err := ps.Close(); err != nil {
					log.Warn("closing durable cache tier", zap.Error(err))
				}
			}
			log.Sync()
			return nil
		},
	})
}
