package lspd

import (
	"bytes"
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiDiscordInteractions  = "/discord/interactions"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathShifts           = "/shifts"
	apiPathShiftCalendar    = "/shifts/:subject_id/calendar.ics"
	apiPathShiftClockOut    = "/shifts/:subject_id/clock-out"
	apiPathReportHours      = "/reports/hours"
	apiPathReportHoursXLSX  = "/reports/hours.xlsx"
	apiPathTickets          = "/tickets"
	apiPathInteractions     = "/interactions"
	apiPathMonitorTick      = "/monitor/tick"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	apiDateLayout    = "2006-01-02"
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	icsContentType   = "text/calendar; charset=utf-8"
	calendarLookback = 30 * 24 * time.Hour
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It exposes shift, report and ticket
// data, and runtime configuration, to a logged-in administrator.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// If SSL.Cert is set but the file doesn't exist yet, a self-signed
// certificate is generated at SSL.Cert/SSL.Key. Without SSL.Cert,
// the API is served over plain HTTP.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newComponentLogger("api", config.LogLevel)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	apiHandlers := NewAPIHandlers(b, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if config.SSL.Cert != "" {
		if _, statErr := os.Stat(config.SSL.Cert); errors.Is(statErr, os.ErrNotExist) {
			logger.Warn(
				"api certificate not found, generating self-signed certificate",
				"cert", config.SSL.Cert,
				"key", config.SSL.Key,
			)
			if _, err := generateSelfSignedCert(config.SSL.Cert, config.SSL.Key); err != nil {
				return nil, fmt.Errorf("error generating self-signed cert: %w", err)
			}
		}
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)
	r.GET(apiPrefix+apiHealthCheck, apiHandlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathShifts, apiHandlers.getShifts)
	protected.GET(apiPathShiftCalendar, apiHandlers.getShiftCalendar)
	protected.POST(apiPathShiftClockOut, apiHandlers.forceClockOut)
	protected.GET(apiPathReportHours, apiHandlers.getHoursReport)
	protected.GET(apiPathReportHoursXLSX, apiHandlers.getHoursReportXLSX)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.GET(apiPathInteractions, apiHandlers.getInteractions)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathMonitorTick, apiHandlers.monitorTick)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting api without TLS", "listen", a.config.Listen)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. If no API secret is
// configured, a random one is generated, so sessions don't survive
// a restart.
func NewAPIHandlers(b *Bot, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(b.config.API))
	return &APIHandlers{b: b, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.b.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, if they haven't been set yet.
//
// Responses:
//   - 201 Created: credentials set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: credentials were already set
func (h *APIHandlers) adminSetup(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.b.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	var payload adminSetupPayload
	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}
	logger.Info("first time admin setup", "username", payload.Username)

	password, err := hashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	if _, err = h.b.applyRuntimeConfigUpdates(
		c.Request.Context(), map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.b.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the stored admin
// credentials, and starts a session.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong credentials, or credentials not set
//   - 429 Too Many Requests: login rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.b.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many requests"},
		)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.b.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyAdminPassword(runtimeConfig, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if err != nil {
		// an invalid existing cookie still yields a fresh session
		logger.Warn("discarding invalid session", tint.Err(err))
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if session == nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.b.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// healthCheck reports gateway and monitor state, and the number of
// open shifts. Responds with 503 if the database can't be queried.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
		MonitorEnabled:          h.b.monitor != nil,
		MonitorPaused:           h.b.RuntimeConfig().MonitorPaused,
		Version:                 Version,
	}
	if !h.b.startedAt.IsZero() {
		rv.Uptime = time.Since(h.b.startedAt).Round(time.Second).String()
	}

	if h.b.clock == nil {
		c.JSON(http.StatusServiceUnavailable, rv)
		return
	}
	open, err := h.b.clock.ListOpen(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing open shifts", tint.Err(err))
		c.JSON(http.StatusServiceUnavailable, rv)
		return
	}
	rv.OpenShifts = len(open)
	c.JSON(http.StatusOK, rv)
}

// getShifts lists shifts, most recent clock-in first by default.
// With open=true, only shifts still in progress are returned.
func (h *APIHandlers) getShifts(c *gin.Context) {
	var q GetShiftsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Order == "" {
		q.Order = Descending
	}
	if q.Limit == 0 {
		q.Limit = 25
	}

	query := h.b.db.WithContext(c.Request.Context()).
		Model(&ShiftRecord{}).
		Limit(q.Limit).
		Offset(q.Offset)
	if q.Open {
		query = query.Where("clock_out_at IS NULL")
	}
	if q.SubjectID != "" {
		query = query.Where("subject_id = ?", q.SubjectID)
	}
	switch q.Order {
	case Ascending:
		query = query.Order("clock_in_at asc")
	default:
		query = query.Order("clock_in_at desc")
	}

	var recs []ShiftRecord
	if err := query.Find(&recs).Error; err != nil {
		ginContextLogger(c).Error("error getting shifts", tint.Err(err))
		ginReplyError(c, "error getting shifts")
		return
	}

	now := h.b.now()
	shifts := make([]shiftView, 0, len(recs))
	for _, rec := range recs {
		d := rec.Duration(now)
		shifts = append(
			shifts, shiftView{
				ShiftRecord:     rec,
				Duration:        FormatDuration(d),
				DurationSeconds: int64(d.Seconds()),
			},
		)
	}
	c.JSON(http.StatusOK, shifts)
}

// forceClockOut closes a subject's open shift on an administrator's
// behalf, and announces it in the punch logs channel.
//
// Responses:
//   - 200 OK: shift closed
//   - 404 Not Found: the subject has no open shift
//   - 409 Conflict: the shift was closed concurrently
func (h *APIHandlers) forceClockOut(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ginContextLogger(c)
	subjectID := c.Param("subject_id")

	rec, err := h.b.clock.FindOpen(ctx, subjectID)
	if err != nil {
		logger.Error("error finding open shift", tint.Err(err))
		ginReplyError(c, "error finding open shift")
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "no open shift"})
		return
	}

	now := h.b.now()
	d, err := h.b.tracker.ForceClose(ctx, rec, now, ShiftClosedByAdmin)
	switch {
	case errors.Is(err, ErrNotOpen):
		c.JSON(http.StatusConflict, httpError{Error: "shift already closed"})
		return
	case err != nil:
		logger.Error("error closing shift", tint.Err(err))
		ginReplyError(c, "error closing shift")
		return
	}

	if h.b.discord.session != nil {
		h.b.sendPunchLog(
			ctx,
			fmt.Sprintf(
				punchAdminClosed,
				rec.SubjectName,
				rec.SubjectID,
				h.b.formatTimestamp(now),
				FormatDuration(d),
			),
		)
	}
	c.JSON(
		http.StatusOK, shiftView{
			ShiftRecord:     *rec,
			Duration:        FormatDuration(d),
			DurationSeconds: int64(d.Seconds()),
		},
	)
}

// getShiftCalendar exports a subject's shifts as an iCalendar feed.
// Defaults to the last 30 days.
func (h *APIHandlers) getShiftCalendar(c *gin.Context) {
	ctx := c.Request.Context()
	var q dateRangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	now := h.b.now()
	start := now.Add(-calendarLookback)
	end := now
	if q.Start != "" {
		start, _ = time.ParseInLocation(apiDateLayout, q.Start, h.b.loc)
	}
	if q.End != "" {
		e, _ := time.ParseInLocation(apiDateLayout, q.End, h.b.loc)
		end = e.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	subjectID := c.Param("subject_id")
	recs, err := h.b.clock.ListBySubject(ctx, subjectID, start.UTC(), end.UTC())
	if err != nil {
		ginContextLogger(c).Error("error listing shifts", tint.Err(err))
		ginReplyError(c, "error listing shifts")
		return
	}
	name := subjectID
	if len(recs) > 0 {
		name = recs[len(recs)-1].SubjectName
	}

	cal := ShiftsCalendar(name, recs, now, h.b.loc)
	c.Header(
		"Content-Disposition",
		fmt.Sprintf(`attachment; filename="servico_%s.ics"`, subjectID),
	)
	c.Data(http.StatusOK, icsContentType, []byte(cal.Serialize()))
}

func (h *APIHandlers) hoursReport(c *gin.Context) (*Report, bool) {
	var q hoursReportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return nil, false
	}
	start, _ := time.ParseInLocation(apiDateLayout, q.Start, h.b.loc)
	end, _ := time.ParseInLocation(apiDateLayout, q.End, h.b.loc)

	report, err := h.b.reports.Generate(c.Request.Context(), start, end)
	switch {
	case errors.Is(err, ErrEmptyRange):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return nil, false
	case err != nil:
		ginContextLogger(c).Error("error generating report", tint.Err(err))
		ginReplyError(c, "error generating report")
		return nil, false
	}
	return report, true
}

func (h *APIHandlers) getHoursReport(c *gin.Context) {
	report, ok := h.hoursReport(c)
	if !ok {
		return
	}
	rv := hoursReportResponse{
		Start:        report.Start.Format(apiDateLayout),
		End:          report.End.Format(apiDateLayout),
		Entries:      make([]hoursReportEntry, 0, len(report.Entries)),
		Total:        FormatDuration(report.Total()),
		TotalSeconds: int64(report.Total().Seconds()),
	}
	for _, e := range report.Entries {
		rv.Entries = append(
			rv.Entries, hoursReportEntry{
				SubjectID:    e.SubjectID,
				SubjectName:  e.SubjectName,
				Total:        FormatDuration(e.Total),
				TotalSeconds: int64(e.Total.Seconds()),
			},
		)
	}
	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) getHoursReportXLSX(c *gin.Context) {
	report, ok := h.hoursReport(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := WriteReportXLSX(&buf, report); err != nil {
		ginContextLogger(c).Error("error writing spreadsheet", tint.Err(err))
		ginReplyError(c, "error writing spreadsheet")
		return
	}
	c.Header(
		"Content-Disposition",
		fmt.Sprintf(
			`attachment; filename="horas_%s_%s.xlsx"`,
			report.Start.Format(apiDateLayout),
			report.End.Format(apiDateLayout),
		),
	)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	tickets, err := h.b.tickets.ListOpen(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing tickets", tint.Err(err))
		ginReplyError(c, "error listing tickets")
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *APIHandlers) getInteractions(c *gin.Context) {
	var q GetInteractionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 25
	}

	query := h.b.db.WithContext(c.Request.Context()).
		Model(&InteractionLog{}).
		Limit(q.Limit).
		Offset(q.Offset)
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	switch q.Order {
	case Ascending:
		query = query.Order("created_at asc")
	default:
		query = query.Order("created_at desc")
	}

	var logs []InteractionLog
	if err := query.Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error getting interactions", tint.Err(err))
		ginReplyError(c, "error getting interactions")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig applies a partial runtime config update. Only
// fields present in the payload are changed.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := h.b.updateRuntimeConfig(c.Request.Context(), update)
	switch {
	case errors.Is(err, ErrInvalidRuntimeConfig):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	logger.Info("updated runtime config")
	c.JSON(http.StatusOK, updated)
}

// monitorTick runs one overdue shift monitor pass immediately.
//
// Responses:
//   - 200 OK: the tick result
//   - 409 Conflict: the monitor is disabled, or a tick is already running
func (h *APIHandlers) monitorTick(c *gin.Context) {
	if h.b.monitor == nil {
		c.JSON(http.StatusConflict, httpError{Error: "monitor disabled"})
		return
	}
	result, err := h.b.monitor.Tick(c.Request.Context())
	switch {
	case errors.Is(err, errTickInProgress):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case err != nil:
		ginContextLogger(c).Error("monitor tick failed", tint.Err(err))
		ginReplyError(c, "monitor tick failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// discordRegisterCommands overwrites the bot's slash commands.
//
// Responses:
//   - 201 Created: the registered commands
//   - 500 Internal Server Error: registration failed
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	if h.b.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not ready"})
		return
	}
	created, err := h.b.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{})
	go func() {
		h.b.dbNotifier.Stop(ctx)
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the sort order of a listing, Ascending or Descending
type Sort string

type GetShiftsQuery struct {
	Pagination
	Open      bool   `form:"open"`
	SubjectID string `form:"subject_id"`
}

type GetInteractionsQuery struct {
	Pagination
	UserID string `form:"user_id"`
}

type dateRangeQuery struct {
	Start string `form:"start" binding:"omitempty,datetime=2006-01-02"`
	End   string `form:"end" binding:"omitempty,datetime=2006-01-02"`
}

type hoursReportQuery struct {
	Start string `form:"start" binding:"required,datetime=2006-01-02"`
	End   string `form:"end" binding:"required,datetime=2006-01-02"`
}

type shiftView struct {
	ShiftRecord
	Duration        string `json:"duration"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type hoursReportEntry struct {
	SubjectID    string `json:"subject_id"`
	SubjectName  string `json:"subject_name"`
	Total        string `json:"total"`
	TotalSeconds int64  `json:"total_seconds"`
}

type hoursReportResponse struct {
	Start        string             `json:"start"`
	End          string             `json:"end"`
	Entries      []hoursReportEntry `json:"entries"`
	Total        string             `json:"total"`
	TotalSeconds int64              `json:"total_seconds"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	MonitorEnabled          bool   `json:"monitor_enabled"`
	MonitorPaused           bool   `json:"monitor_paused"`
	OpenShifts              int    `json:"open_shifts"`
	Uptime                  string `json:"uptime,omitempty"`
	Version                 string `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while admin setup is pending.
func authMiddleware(b *Bot, a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a UUID to each request, set on the
// context and the response under X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by
// ginLoggingMiddleware, or, if there isn't one, creates one from
// slog.Default() with request details included.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return newRequestLogger(c, slog.Default())
}

func newRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and response status.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := newRequestLogger(c, base)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with HTTP 500 and a JSON error message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := cryprand.Int(cryprand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	certTemplate := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"LSPD"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err = os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)},
	)
	if err = os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
