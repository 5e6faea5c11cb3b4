package kaeru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via:
// -ldflags "-X github.com/minesa-org/kaeru/kaeru.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Kaeru is the top-level coordinator: it owns the record store, the
// Discord session, the OpenAI client, the ticket manager, and the HTTP
// servers, and wires interactions through to the command handlers.
type Kaeru struct {
	config *Config

	db    *gorm.DB
	store KVStore

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles OpenAI API integration. Nil when no token is configured,
	// which disables title summarization, /moodcheck and /translate.
	openai *OpenAI

	// Updates linked-role metadata for users who completed the OAuth flow
	roleConnections *RoleConnectionClient

	// The ticket lifecycle manager
	ticketManager *TicketManager

	// Serves the OAuth2 linked-roles flow
	api *API

	// Receives Discord interactions when the websocket/gateway isn't
	// being used
	discordWebhookServer *DiscordWebhookServer

	// signalReady has a value sent on it once startup completes
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New initializes a Kaeru instance from the given config. The database
// isn't opened and no connections are made until [Kaeru.Run].
func New(config *Config) (*Kaeru, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	k := &Kaeru{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	k.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	if config.OpenAI != nil && config.OpenAI.Token != "" {
		k.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	}

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	k.discord = disc
	disc.k = k

	k.roleConnections = NewRoleConnectionClient(
		config.Discord.Token,
		config.Discord.ApplicationID,
		config.HTTPClient,
		k.logger,
	)

	api, err := newAPI(k, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	k.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(k, config.Discord.WebhookServer)
		if e != nil {
			errs = append(errs, e)
		}
		k.discordWebhookServer = webhookServer
	}

	return k, errors.Join(errs...)
}

func (k *Kaeru) ValidateConfig() error {
	return structValidator.Struct(k.config)
}

// Run starts the bot and blocks until ctx is canceled or a component
// fails. Startup (database, discord session, command registration) is
// bounded by [Config.StartupTimeout]; shutdown of the HTTP servers by
// [Config.ShutdownTimeout].
func (k *Kaeru) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", k.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	if err := k.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			httpErr := k.api.Serve(gctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)

	if k.discordWebhookServer != nil {
		g.Go(
			func() error {
				httpErr := k.discordWebhookServer.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(
						gctx,
						"error serving webhook HTTP",
						tint.Err(httpErr),
					)
					return httpErr
				}
				return nil
			},
		)
	}

	// graceful shutdown once the runtime context ends
	g.Go(
		func() error {
			<-gctx.Done()
			return k.shutdown(logger)
		},
	)

	if k.config.Discord.GatewayEnabled {
		logger.InfoContext(ctx, "connecting to discord")
		if err := k.discord.session.Open(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}

	k.signalReady <- struct{}{}
	logger.InfoContext(ctx, "startup complete")

	return g.Wait()
}

// initRun opens the database, builds the ticket manager, initializes
// the discord session, and registers commands and role connection
// metadata.
func (k *Kaeru) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, k.config.DatabaseType, k.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	k.db = db
	k.store = NewKVStore(
		db,
		k.logger,
		k.config.DatabaseType == dbTypePostgres,
	)

	session, err := k.discord.newSession()
	if err != nil {
		return err
	}
	k.discord.session = session

	k.ticketManager = NewTicketManager(
		k.store,
		session,
		k.config.Ticket,
		k.openai,
		k.roleConnections,
		k.logger,
	)
	k.ticketManager.authorizeURL = k.oauthLinkURL()

	if k.config.Discord.GatewayEnabled {
		k.registerGatewayHandlers(session)
	}

	if _, err = k.discord.registerCommands(
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if err = k.roleConnections.RegisterMetadata(ctx); err != nil {
		// the linked role is optional, so a failure here shouldn't
		// block startup
		k.logger.WarnContext(
			ctx,
			"error registering role connection metadata",
			tint.Err(err),
		)
	}

	return nil
}

// registerGatewayHandlers attaches the gateway event handlers. Each
// interaction is handled in its own goroutine, bounded by the discord
// interaction token lifespan.
func (k *Kaeru) registerGatewayHandlers(session DiscordSessionHandler) {
	k.discord.discordgoRemoveHandlerFuncs = append(
		k.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(k.discord.handlerReady()),
		session.AddHandler(k.discord.handlerConnect()),
		session.AddHandler(k.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := GatewayHandler{
					session:     session,
					interaction: i,
					logger:      k.discord.logger,
				}
				go func() {
					handlerCtx, handlerCancel := context.WithTimeout(
						context.Background(),
						discordInteractionTokenLifespan,
					)
					defer handlerCancel()
					k.handleInteraction(
						WithLogger(handlerCtx, k.discord.logger),
						handler,
					)
				}()
			},
		),
	)
}

// shutdown closes the discord session and the HTTP servers.
func (k *Kaeru) shutdown(logger *slog.Logger) error {
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		k.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	var errs []error

	for _, removeHandler := range k.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	if k.config.Discord.GatewayEnabled && k.discord.session != nil {
		if err := k.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if k.api != nil && k.api.httpServer != nil {
		if err := k.api.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if k.discordWebhookServer != nil && k.discordWebhookServer.httpServer != nil {
		if err := k.discordWebhookServer.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down webhook server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	logger.Info("shutdown complete", "uptime", time.Since(k.startedAt))
	return errors.Join(errs...)
}
