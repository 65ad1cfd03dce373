package cmd

import (
	"bytes"
	"github.com/Dyas-07/bot/lspd"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetConfig restores the package-level config and viper state the
// commands share, before and after the test
func resetConfig(t testing.TB) {
	t.Helper()
	viper.Reset()
	cfg = lspd.DefaultConfig()
	configFile = ""
	t.Cleanup(
		func() {
			viper.Reset()
			cfg = lspd.DefaultConfig()
			configFile = ""
			rootCmd.SetArgs(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
		},
	)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()
	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

const testEnvFile = `
# General/database config

LSPD_DATABASE=/srv/lspd/lspd.sqlite3
LSPD_DATABASE_TYPE=sqlite
LSPD_DATABASE_LOG_LEVEL=WARN
LSPD_DATABASE_SLOW_THRESHOLD=300ms
LSPD_DISPLAY_TIMEZONE=Europe/Lisbon
LSPD_LOG_LEVEL=DEBUG
LSPD_STARTUP_TIMEOUT=20s
LSPD_SHUTDOWN_TIMEOUT=45s
LSPD_RUNTIME_CONFIG_TTL=1m

# Discord bot config

LSPD_DISCORD_TOKEN=your-discord-bot-token
LSPD_DISCORD_APPLICATION_ID=1300000000000000001
LSPD_DISCORD_GUILD_ID=1300000000000000002
LSPD_DISCORD_PUNCH_CHANNEL_ID=1300000000000000003
LSPD_DISCORD_PUNCH_LOGS_CHANNEL_ID=1300000000000000004
LSPD_DISCORD_TICKET_PANEL_CHANNEL_ID=1300000000000000005
LSPD_DISCORD_TICKET_TRANSCRIPTS_CHANNEL_ID=1300000000000000006
LSPD_DISCORD_ROLE_ID=1300000000000000007
LSPD_DISCORD_TICKET_MODERATOR_ROLE_ID=1300000000000000008
LSPD_DISCORD_COMMAND_PREFIX=?
LSPD_DISCORD_ACTIVITIES="LSPD - KUMA RP,Moon Clara|https://www.twitch.tv/xirilikika"
LSPD_DISCORD_ACTIVITY_INTERVAL=1m
LSPD_DISCORD_LOG_LEVEL=INFO
LSPD_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
LSPD_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

LSPD_DISCORD_WEBHOOK_SERVER_ENABLED=true
LSPD_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5101
LSPD_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
LSPD_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
LSPD_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=772
LSPD_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=WARN
LSPD_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
LSPD_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=6s

# Monitor

LSPD_MONITOR_ENABLED=true
LSPD_MONITOR_SCHEDULE="*/10 * * * *"
LSPD_MONITOR_POLICY=auto_close
LSPD_MONITOR_OVERDUE_THRESHOLD=10h
LSPD_MONITOR_LOG_LEVEL=DEBUG

# Tickets

LSPD_TICKETS_ADMINISTRATION_CATEGORY_ID=1300000000000000011
LSPD_TICKETS_GENERAL_SUPPORT_CATEGORY_ID=1300000000000000012
LSPD_TICKETS_HR_CATEGORY_ID=1300000000000000013
LSPD_TICKETS_EVENTS_CATEGORY_ID=1300000000000000014
LSPD_TICKETS_MAX_OPEN_PER_USER=3
LSPD_TICKETS_CLOSE_DELAY=10s
LSPD_TICKETS_MESSAGES_FILE=/srv/lspd/ticket_messages.yaml

# API server

LSPD_API_LISTEN=127.0.0.1:5100
LSPD_API_SSL_CERT=/etc/ssl/api.pem
LSPD_API_SSL_KEY=/etc/ssl/api.key
LSPD_API_SECRET=your-api-secret
LSPD_API_LOG_LEVEL=DEBUG
LSPD_API_DEVELOPMENT=true
LSPD_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
LSPD_API_CORS_ALLOW_METHODS=GET POST PATCH
LSPD_API_CORS_MAX_AGE=1h
LSPD_API_SESSION_MAX_AGE=2h
`

// clearLSPDEnv unsets LSPD_ variables for the duration of the test
func clearLSPDEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, lspd.DefaultEnvPrefix+"_") {
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetConfig(t)
	clearLSPDEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(testEnvFile), 0o600))

	// godotenv sets these in the process environment
	t.Cleanup(clearEnvFileVars(t, envFile))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config=" + envFile, "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/srv/lspd/lspd.sqlite3", viper.GetString("database"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("monitor.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	assert.Equal(t, "/srv/lspd/lspd.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 300*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, "Europe/Lisbon", cfg.DisplayTimezone)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.RuntimeConfigTTL)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "1300000000000000001", cfg.Discord.ApplicationID)
	assert.Equal(t, "1300000000000000002", cfg.Discord.GuildID)
	assert.Equal(t, "1300000000000000003", cfg.Discord.PunchChannelID)
	assert.Equal(t, "1300000000000000004", cfg.Discord.PunchLogsChannelID)
	assert.Equal(t, "1300000000000000005", cfg.Discord.TicketPanelChannelID)
	assert.Equal(t, "1300000000000000006", cfg.Discord.TicketTranscriptsChannelID)
	assert.Equal(t, "1300000000000000007", cfg.Discord.RoleID)
	assert.Equal(t, "1300000000000000008", cfg.Discord.TicketModeratorRoleID)
	assert.Equal(t, "?", cfg.Discord.CommandPrefix)
	assert.Equal(
		t,
		[]string{"LSPD - KUMA RP", "Moon Clara|https://www.twitch.tv/xirilikika"},
		cfg.Discord.Activities,
	)
	assert.Equal(t, time.Minute, cfg.Discord.ActivityInterval)
	assert.Equal(t, slog.LevelInfo, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	webhook := cfg.Discord.WebhookServer
	assert.True(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:5101", webhook.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(772), webhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelWarn, webhook.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, 6*time.Second, webhook.ReadTimeout)
	assert.Equal(t, lspd.DefaultWriteTimeout, webhook.WriteTimeout)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, "*/10 * * * *", cfg.Monitor.Schedule)
	assert.Equal(t, lspd.MonitorPolicyAutoClose, cfg.Monitor.Policy)
	assert.Equal(t, 10*time.Hour, cfg.Monitor.OverdueThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.Monitor.LogLevel.Level())

	assert.Equal(t, "1300000000000000011", cfg.Tickets.AdministrationCategoryID)
	assert.Equal(t, "1300000000000000012", cfg.Tickets.GeneralSupportCategoryID)
	assert.Equal(t, "1300000000000000013", cfg.Tickets.HRCategoryID)
	assert.Equal(t, "1300000000000000014", cfg.Tickets.EventsCategoryID)
	assert.Equal(t, 3, cfg.Tickets.MaxOpenPerUser)
	assert.Equal(t, 10*time.Second, cfg.Tickets.CloseDelay)
	assert.Equal(t, "/srv/lspd/ticket_messages.yaml", cfg.Tickets.MessagesFile)

	assert.Equal(t, "127.0.0.1:5100", cfg.API.Listen)
	assert.Equal(t, "/etc/ssl/api.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/api.key", cfg.API.SSL.Key)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, cfg.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "PATCH"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, lspd.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 2*time.Hour, cfg.API.SessionMaxAge)
}

// clearEnvFileVars returns a func unsetting every variable envFile sets
func clearEnvFileVars(t *testing.T, envFile string) func() {
	t.Helper()
	data, err := os.ReadFile(envFile)
	require.NoError(t, err)
	return func() {
		for _, line := range bytes.Split(data, []byte("\n")) {
			if k, _, ok := bytes.Cut(line, []byte("=")); ok && !bytes.HasPrefix(k, []byte("#")) {
				_ = os.Unsetenv(string(bytes.TrimSpace(k)))
			}
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	resetConfig(t)
	clearLSPDEnv(t)
	t.Chdir(t.TempDir())

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	defaults := lspd.DefaultConfig()
	assert.Equal(t, defaults.Database, cfg.Database)
	assert.Equal(t, defaults.DatabaseType, cfg.DatabaseType)
	assert.Equal(t, defaults.Monitor.Schedule, cfg.Monitor.Schedule)
	assert.Equal(t, defaults.Monitor.Policy, cfg.Monitor.Policy)
	assert.Equal(t, defaults.Discord.Activities, cfg.Discord.Activities)
	assert.Equal(t, defaults.Discord.CommandPrefix, cfg.Discord.CommandPrefix)
	assert.Equal(t, defaults.Tickets.MaxOpenPerUser, cfg.Tickets.MaxOpenPerUser)
	assert.Equal(t, defaults.API.Listen, cfg.API.Listen)
	assert.Equal(t, lspd.DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, lspd.DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
}

func TestEnvPrefixOverride(t *testing.T) {
	resetConfig(t)
	clearLSPDEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv(lspd.EnvvarSetEnvPrefix, "POLICIA")
	t.Setenv("POLICIA_DISCORD_COMMAND_PREFIX", "$")

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "$", cfg.Discord.CommandPrefix)
}

func TestGetLogLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		got, err := getLogLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := getLogLevel("TRACE")
	assert.Error(t, err)
}
