package app

import (
	"context"
	"net/http"
	"os"

	"github.com/google/wire"
	"github.com/rs/zerolog"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/api"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/config"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/db"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/friends"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/logging"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/push"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/websocket"
)

// App is the assembled server.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *websocket.Registry
	Handler  http.Handler
}

// Shutdown stops every coordinator. Storage is released by the cleanup
// function returned from Initialize.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Registry.Shutdown(ctx)
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideDB,
	ProvideFriends,
	ProvidePush,
	ProvideAuth,
	ProvideRegistry,
	ProvideThreadNotifier,
	ProvideHandlers,
	ProvideRouter,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
}

func ProvideDB(cfg *config.Config, logger zerolog.Logger) (*db.DB, func(), error) {
	logger = logging.Component(logger, "db")
	path := cfg.CleanDatabasePath()

	database, err := db.NewDB(path, db.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("path", path).Msg("database connection established")

	return database, func() {
		if err := database.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close database")
		}
	}, nil
}

// ProvideFriends connects to the social graph, or treats everyone as a
// stranger when no DSN is configured.
func ProvideFriends(cfg *config.Config, logger zerolog.Logger) (friends.Graph, func(), error) {
	logger = logging.Component(logger, "friends")
	if cfg.Friends.DSN == "" {
		logger.Warn().Msg("no friends dsn configured, every new thread starts as a message request")
		return friends.None{}, func() {}, nil
	}

	graph, err := friends.Open(cfg.Friends.DSN)
	if err != nil {
		return nil, nil, err
	}
	return graph, func() {
		if err := graph.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close friends database")
		}
	}, nil
}

func ProvidePush(cfg *config.Config, logger zerolog.Logger) push.Notifier {
	if !cfg.Push.Enabled() {
		pushLogger := logging.Component(logger, "push")
		pushLogger.Info().Msg("push delivery disabled")
		return push.Nop{}
	}
	tokens := push.NewTokenSource(cfg.Push.TokenURL, cfg.Push.ClientID, cfg.Push.ClientSecret, nil)
	return push.NewHTTPNotifier(cfg.Push.URL, tokens, nil)
}

func ProvideAuth(cfg *config.Config) (*auth.Authenticator, error) {
	return auth.New(cfg.Auth.Secret, cfg.Auth.InternalTTL)
}

func ProvideRegistry(cfg *config.Config, store *db.DB, notifier push.Notifier, logger zerolog.Logger) *websocket.Registry {
	return websocket.NewRegistry(store, notifier, websocket.Config{
		IdleTimeout:   cfg.Coordinator.IdleTimeout,
		PendingReply:  cfg.ReplyPolicy(),
		SendBuffer:    cfg.WebSocket.SendBuffer,
		PingPeriod:    cfg.WebSocket.PingPeriod,
		RatePerSecond: cfg.WebSocket.RatePerSecond,
		Burst:         cfg.WebSocket.Burst,
	}, logger)
}

// ProvideThreadNotifier reaches coordinators in this process directly, or
// through the signed notify endpoint when they are hosted elsewhere.
func ProvideThreadNotifier(cfg *config.Config, registry *websocket.Registry, authenticator *auth.Authenticator) api.ThreadNotifier {
	if cfg.Coordinator.RemoteURL != "" {
		return api.NewRemoteNotifier(cfg.Coordinator.RemoteURL, authenticator, nil)
	}
	return registry
}

func ProvideHandlers(
	cfg *config.Config,
	store *db.DB,
	graph friends.Graph,
	notifier api.ThreadNotifier,
	registry *websocket.Registry,
	authenticator *auth.Authenticator,
	logger zerolog.Logger,
) *api.Handlers {
	return api.NewHandlers(store, graph, notifier, registry, authenticator, api.HandlersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logging.Component(logger, "api"))
}

func ProvideRouter(cfg *config.Config, h *api.Handlers, authenticator *auth.Authenticator, logger zerolog.Logger) http.Handler {
	return api.NewRouter(h, authenticator, cfg.Server.AllowedOrigins, logging.Component(logger, "http"))
}
