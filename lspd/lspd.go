package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Dyas-07/bot/lspd.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
	setupPollInterval            = 5 * time.Second
)

// Bot is the LSPD discord bot. It owns the shift tracking engine (clock
// store, tracker, report aggregator and lifecycle monitor), the ticket
// system, the admin API and the discord session.
type Bot struct {
	dbNotifier DBNotifier
	config     *Config

	// Read connection. With sqlite, writes must go through writeDB.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations, which
	// serializes writes when using sqlite
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord

	// Provides the admin API
	api *API

	// Receives discord interactions over HTTP, when the gateway
	// isn't used for them
	discordWebhookServer      *DiscordWebhookServer
	webhookInteractionHandler func(c *gin.Context)

	clock         ClockStore
	tracker       *ShiftTracker
	reports       *ReportAggregator
	monitor       *Monitor
	monitorLogger *slog.Logger

	tickets        TicketStore
	ticketMessages *TicketMessages
	ticketGuard    *cache.Cache
	ticketLogger   *slog.Logger

	presence *presenceRotator

	// now is the clock used for shifts, reports and tickets
	now func() time.Time

	// loc is the display timezone
	loc *time.Location

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown finishes
	eventShutdown chan struct{}

	runMu     sync.Mutex
	startedAt time.Time

	// pendingSetup is true until admin credentials are set. Run holds
	// after starting the API until then.
	pendingSetup atomic.Bool

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a Bot from config. Nothing is opened or connected
// until Run is called.
func New(config *Config) (*Bot, error) {
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

	b := &Bot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		now:                           time.Now,
		loc:                           config.Location(),
		ticketGuard:                   newTicketGuard(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.ticketLogger = newComponentLogger("tickets", config.Tickets.LogLevel)
	b.monitorLogger = newComponentLogger("monitor", config.Monitor.LogLevel)

	texts, err := LoadTicketMessages(config.Tickets.MessagesFile)
	if err != nil {
		errs = append(errs, err)
	}
	b.ticketMessages = texts

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		return b, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)
	disc.logger = newComponentLogger("discord", b.config.Discord.LogLevel)
	b.discord = disc
	disc.dc = b
	b.presence = newPresenceRotator(disc)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config's binding tags, and settings the
// tags can't express
func (b *Bot) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}
	return b.config.Monitor.validate()
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// RegisterSlashCommands overwrites the bot's application commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run initializes the database, starts the API, connects to discord and
// starts the monitor, then blocks until ctx is cancelled or a stop
// signal is received, and shuts down.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b, runtimeWG)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// cancelling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			b.stop()
		}
	}()

	if setupErr := b.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	runtimeCfg := b.RuntimeConfig()

	if b.config.Discord.WebhookServer.Enabled {
		b.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = b.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	if removed, rErr := b.reconcileTickets(ctx); rErr != nil {
		logger.WarnContext(ctx, "error reconciling tickets", tint.Err(rErr))
	} else if removed > 0 {
		logger.InfoContext(ctx, "removed tickets for deleted channels", "removed", removed)
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	// the monitor only starts ticking once discord is usable
	ready := make(chan struct{})
	if b.monitor != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			b.monitor.Run(ctx, ready)
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.presence.Run(ctx)
	}()

	for _, channel := range []string{
		b.dbNotifier.RuntimeConfigChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, ch); e != nil {
				b.logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e), "channel", ch)
			}
		}(channel)
	}

	close(ready)
	select {
	case b.signalReady <- struct{}{}:
		b.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// stop sends a non-blocking stop signal
func (b *Bot) stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the database, loads (or creates) the runtime config and
// builds the shift tracking engine on top of the database.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	var state RuntimeConfig
	getStateErr := b.db.WithContext(ctx).Last(&state).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		state = DefaultRuntimeConfig()
		if _, err := b.writeDB.Create(ctx, &state); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(state); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		b.pendingSetup.Store(true)
	}
	b.setRuntimeLevels(state)
	b.cfgMu.Lock()
	b.runtimeConfig = &state
	b.cfgMu.Unlock()

	b.clock = NewClockStore(b.writeDB, b.now)
	b.tracker = NewShiftTracker(b.clock, b.logger.With(loggerNameKey, "tracker"))
	b.reports = NewReportAggregator(b.clock, b.loc)
	b.tickets = NewTicketStore(b.writeDB)

	if b.config.Monitor.Enabled {
		m, err := NewMonitor(
			*b.config.Monitor,
			b.clock,
			b.tracker,
			discordOverdueNotifier{b: b, logger: b.monitorLogger},
			b.monitorLogger,
		)
		if err != nil {
			return err
		}
		m.now = b.now
		m.paused = func() bool {
			return b.RuntimeConfig().MonitorPaused
		}
		b.monitor = m
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	logger := loggerFrom(ctx, b.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db, logger); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

// waitOnSetup holds Run until admin credentials have been set through
// the API
func (b *Bot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !b.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", b.config.API.Listen, apiPathSetup),
	)
	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()

	for b.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return b.shutdown(ctx, runtimeWG)
		case <-ticker.C:
			var state RuntimeConfig
			if err := b.db.WithContext(ctx).Last(&state).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
				continue
			}
			if state.AdminUsername != "" && state.AdminPassword != "" {
				b.pendingSetup.Store(false)
			}
		}
	}
	return nil
}

// initDiscordSession creates the discord session and adds the gateway
// event handlers. Interactions and messages are each handled in their
// own goroutine, tracked by runtimeWG.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = disc
	}

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if act := b.presence.current(); act != nil {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Game:   *act,
			Status: string(discordgo.StatusOnline),
		}
	}
	b.discord.session.SetIdentify(identify)

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger:      b.discord.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
			}
		}
	}
	return nil
}

// discordInit registers the slash commands, then opens the gateway
// connection if it's enabled
func (b *Bot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if _, err := b.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	}
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (b *Bot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := b.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startRuntimeConfigRefresher reloads the runtime config every
// RuntimeConfigTTL, and whenever a refresh is requested on
// triggerRuntimeConfigRefreshCh (true forces the refresh).
func (b *Bot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := b.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-b.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				b.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database,
// if forced or if it's older than RuntimeConfigTTL
func (b *Bot) refreshRuntimeConfig(ctx context.Context, force bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	var latest RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&latest).Error; err != nil {
		b.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(latest.UpdatedAt))
	if !force && lastUpdated <= b.config.RuntimeConfigTTL {
		b.logger.Debug("runtime config is up to date, skipping refresh")
		return
	}
	b.logger.Info("refreshing runtime config", "last_updated", lastUpdated)
	b.applyRuntimeConfig(b.runtimeConfig, &latest)
}

// applyRuntimeConfig swaps in updated, opening or closing the gateway
// connection if DiscordGatewayEnabled changed. cfgMu must be held.
func (b *Bot) applyRuntimeConfig(previous, updated *RuntimeConfig) {
	if b.discord.session != nil && previous != nil {
		switch {
		case previous.DiscordGatewayEnabled && !updated.DiscordGatewayEnabled:
			if err := b.discord.session.Close(); err != nil {
				b.logger.Error("error closing discord connection", tint.Err(err))
			}
		case !previous.DiscordGatewayEnabled && updated.DiscordGatewayEnabled:
			if err := b.discord.session.Open(); err != nil {
				b.logger.Error("error opening discord connection", tint.Err(err))
			}
		}
	}
	if previous != nil && previous.MonitorPaused != updated.MonitorPaused {
		b.monitorLogger.Warn("monitor paused state changed", "paused", updated.MonitorPaused)
	}
	b.runtimeConfig = updated
	b.setRuntimeLevels(*updated)
}

func (b *Bot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
	b.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.Monitor.LogLevel.Set(state.MonitorLogLevel.Level())
	b.config.Tickets.LogLevel.Set(state.TicketLogLevel.Level())
}

// shutdown waits for in-flight handlers, then stops the HTTP servers
// and closes the discord session. If that takes longer than
// ShutdownTimeout, the servers are closed forcefully.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	done := make(chan error, 1)
	go func() {
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		g := new(errgroup.Group)
		if b.api != nil && b.api.httpServer != nil {
			g.Go(
				func() error {
					return b.api.httpServer.Shutdown(closeCtx)
				},
			)
		}
		if b.discordWebhookServer != nil {
			g.Go(
				func() error {
					return b.discordWebhookServer.httpServer.Shutdown(closeCtx)
				},
			)
		}
		if b.discord != nil && b.discord.session != nil {
			g.Go(
				func() error {
					err := b.discord.session.Close()
					for _, h := range b.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					return err
				},
			)
		}
		done <- g.Wait()
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.WarnContext(ctx, "error during shutdown", tint.Err(err))
			}
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			b.logger.Warn("shutdown did not finish in time, forcing close")
			if b.api != nil && b.api.httpServer != nil {
				_ = b.api.httpServer.Close()
			}
			if b.discordWebhookServer != nil {
				_ = b.discordWebhookServer.httpServer.Close()
			}
			return errors.New("shutdown did not finish in time")
		}
	}
}
