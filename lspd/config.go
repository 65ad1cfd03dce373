//nolint:lll // struct tags can't be split
package lspd

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/robfig/cron/v3"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "LSPD_ENV_PREFIX"
	DefaultEnvPrefix       = "LSPD"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "lspd.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultDisplayTimezone = "Europe/Lisbon"

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	DefaultDiscordWebhookLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordErrorMessage     = "❌ Ocorreu um erro inesperado."
	DefaultDiscordCommandPrefix    = "!"
	DefaultDiscordActivityInterval = 30 * time.Second
	discordMaxMessageLength        = 2000
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour

	DefaultMonitorSchedule         = "@every 5m"
	DefaultMonitorOverdueThreshold = 12 * time.Hour
	DefaultMonitorLogLevel         = slog.LevelInfo

	DefaultTicketMaxOpenPerUser = 2
	DefaultTicketCloseDelay     = 5 * time.Second
	DefaultTicketLogLevel       = slog.LevelInfo

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

// MonitorPolicy selects what the lifecycle monitor does with overdue shifts.
type MonitorPolicy string

const (
	// MonitorPolicyNotify leaves overdue shifts open and sends the subject
	// a single private reminder.
	MonitorPolicyNotify MonitorPolicy = "notify"

	// MonitorPolicyAutoClose closes overdue shifts and announces it in the
	// punch logs channel.
	MonitorPolicyAutoClose MonitorPolicy = "auto_close"
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Content-Disposition",
		xRequestIDHeader,
		"Location",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour

	// DefaultDiscordActivities are shown as "playing", or as "streaming"
	// when a URL follows the name
	DefaultDiscordActivities = []string{
		"LSPD - KUMA RP",
		"Moon Clara|https://www.twitch.tv/xirilikika",
		"Sofia Bicho|https://www.twitch.tv/sofialameiras",
		"Zuka ZK|https://www.twitch.tv/hyag0o0",
		"Mika Gomez|https://www.twitch.tv/laraxcross",
	}
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DisplayTimezone is the IANA timezone used to render timestamps in
	// Discord messages and to interpret report dates.
	DisplayTimezone string `yaml:"display_timezone" mapstructure:"display_timezone" json:"display_timezone" binding:"required,timezone"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Monitor configures the overdue shift monitor
	Monitor *MonitorConfig `yaml:"monitor" mapstructure:"monitor" json:"monitor"`

	// Tickets configures the support ticket system
	Tickets *TicketConfig `yaml:"tickets" mapstructure:"tickets" json:"tickets"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// If this TTL is set above 0, the config will be refreshed from the
	// database at least every TTL duration. If using PostgreSQL,
	// LISTEN/NOTIFY will be used to announce updates in addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Location returns the *time.Location for DisplayTimezone, falling back
// to UTC if it can't be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MonitorConfig configures the overdue shift monitor
type MonitorConfig struct {
	// Enabled toggles the monitor on startup
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Schedule is a cron spec (ex: "@every 5m", "*/10 * * * *")
	Schedule string `yaml:"schedule" mapstructure:"schedule" json:"schedule" binding:"required_if=Enabled true"`

	// Policy is either 'notify' or 'auto_close'
	Policy MonitorPolicy `yaml:"policy" mapstructure:"policy" json:"policy" binding:"oneof=notify auto_close"`

	// OverdueThreshold is the minimum age of an open shift before
	// the monitor acts on it
	OverdueThreshold time.Duration `yaml:"overdue_threshold" mapstructure:"overdue_threshold" json:"overdue_threshold" binding:"min=1m"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// validate checks the schedule parses as a standard cron spec. The
// remaining fields are covered by their binding tags.
func (m MonitorConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(m.Schedule); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", m.Schedule, err)
	}
	return nil
}

// TicketCategory is a ticket category offered in the ticket panel dropdown.
// Categories without a CategoryID aren't offered.
type TicketCategory struct {
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
	Emoji       string `yaml:"emoji" json:"emoji"`
	CategoryID  string `yaml:"category_id" json:"category_id"`
}

// TicketConfig configures the ticket system
type TicketConfig struct {
	// Discord channel category IDs, one per ticket category
	AdministrationCategoryID string `yaml:"administration_category_id" mapstructure:"administration_category_id" json:"administration_category_id"`
	GeneralSupportCategoryID string `yaml:"general_support_category_id" mapstructure:"general_support_category_id" json:"general_support_category_id"`
	HRCategoryID             string `yaml:"hr_category_id" mapstructure:"hr_category_id" json:"hr_category_id"`
	EventsCategoryID         string `yaml:"events_category_id" mapstructure:"events_category_id" json:"events_category_id"`

	// MaxOpenPerUser is the number of tickets a single user may have open
	MaxOpenPerUser int `yaml:"max_open_per_user" mapstructure:"max_open_per_user" json:"max_open_per_user" binding:"min=1"`

	// CloseDelay is how long to wait between the close announcement and
	// the deletion of the ticket channel
	CloseDelay time.Duration `yaml:"close_delay" mapstructure:"close_delay" json:"close_delay"`

	// MessagesFile is an optional YAML file overriding the default
	// ticket texts
	MessagesFile string `yaml:"messages_file" mapstructure:"messages_file" json:"messages_file"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Categories returns the ticket categories, in panel order
func (t TicketConfig) Categories() []TicketCategory {
	return []TicketCategory{
		{
			Label:       "Administração",
			Description: "Entrar em contacto diretamente com a Administração.",
			Emoji:       "💼",
			CategoryID:  t.AdministrationCategoryID,
		},
		{
			Label:       "Suporte Geral",
			Description: "Para dúvidas e assistência geral.",
			Emoji:       "❓",
			CategoryID:  t.GeneralSupportCategoryID,
		},
		{
			Label:       "Recursos Humanos",
			Description: "Assuntos de Recursos Humanos.",
			Emoji:       "👔",
			CategoryID:  t.HRCategoryID,
		},
		{
			Label:       "Eventos",
			Description: "Contactar a equipa de eventos.",
			Emoji:       "🎆",
			CategoryID:  t.EventsCategoryID,
		},
	}
}

// Category returns the category with the given label
func (t TicketConfig) Category(label string) (TicketCategory, bool) {
	for _, c := range t.Categories() {
		if c.Label == label {
			return c, true
		}
	}
	return TicketCategory{}, false
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// PunchChannelID is where the punch panel is posted
	PunchChannelID string `yaml:"punch_channel_id" mapstructure:"punch_channel_id" json:"punch_channel_id"`

	// PunchLogsChannelID receives a message for every clock in/out
	PunchLogsChannelID string `yaml:"punch_logs_channel_id" mapstructure:"punch_logs_channel_id" json:"punch_logs_channel_id"`

	// TicketPanelChannelID is where the ticket panel is posted
	TicketPanelChannelID string `yaml:"ticket_panel_channel_id" mapstructure:"ticket_panel_channel_id" json:"ticket_panel_channel_id"`

	// TicketTranscriptsChannelID receives ticket transcripts
	TicketTranscriptsChannelID string `yaml:"ticket_transcripts_channel_id" mapstructure:"ticket_transcripts_channel_id" json:"ticket_transcripts_channel_id"`

	// RoleID is the role allowed to run /horas, !clear and !mascote
	RoleID string `yaml:"role_id" mapstructure:"role_id" json:"role_id"`

	// TicketModeratorRoleID is the role allowed to manage tickets
	TicketModeratorRoleID string `yaml:"ticket_moderator_role_id" mapstructure:"ticket_moderator_role_id" json:"ticket_moderator_role_id"`

	// CommandPrefix is the prefix for message commands (ex: "!clear 10")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Activities are rotated as the bot's status, as "name" (playing)
	// or "name|url" (streaming). Leave empty to disable rotation.
	Activities []string `yaml:"activities" mapstructure:"activities" json:"activities"`

	// ActivityInterval is how often the activity is rotated
	ActivityInterval time.Duration `yaml:"activity_interval" mapstructure:"activity_interval" json:"activity_interval"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord
// interactions endpoint, used when interactions are received over HTTP
// instead of the gateway.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DisplayTimezone:       DefaultDisplayTimezone,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Monitor: &MonitorConfig{
			Enabled:          true,
			Schedule:         DefaultMonitorSchedule,
			Policy:           MonitorPolicyNotify,
			OverdueThreshold: DefaultMonitorOverdueThreshold,
			LogLevel:         newLevelVar(DefaultMonitorLogLevel),
		},
		Tickets: &TicketConfig{
			MaxOpenPerUser: DefaultTicketMaxOpenPerUser,
			CloseDelay:     DefaultTicketCloseDelay,
			LogLevel:       newLevelVar(DefaultTicketLogLevel),
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			CommandPrefix:     DefaultDiscordCommandPrefix,
			Activities:        append([]string{}, DefaultDiscordActivities...),
			ActivityInterval:  DefaultDiscordActivityInterval,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
