package lspd

import (
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

const (
	testGuildID              = "100000000000000001"
	testApplicationID        = "100000000000000002"
	testPunchChannelID       = "100000000000000003"
	testPunchLogsChannelID   = "100000000000000004"
	testTicketPanelChannelID = "100000000000000005"
	testTranscriptsChannelID = "100000000000000006"
	testRoleID               = "100000000000000007"
	testModeratorRoleID      = "100000000000000008"
	testAdminCategoryID      = "100000000000000009"
	testSupportCategoryID    = "100000000000000010"
	testHRCategoryID         = "100000000000000011"
	testEventsCategoryID     = "100000000000000012"
)

func init() {
	gin.DefaultWriter = io.Discard
}

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.DisplayTimezone = "UTC"
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.RuntimeConfigTTL = 0

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testApplicationID
	cfg.Discord.GuildID = testGuildID
	cfg.Discord.PunchChannelID = testPunchChannelID
	cfg.Discord.PunchLogsChannelID = testPunchLogsChannelID
	cfg.Discord.TicketPanelChannelID = testTicketPanelChannelID
	cfg.Discord.TicketTranscriptsChannelID = testTranscriptsChannelID
	cfg.Discord.RoleID = testRoleID
	cfg.Discord.TicketModeratorRoleID = testModeratorRoleID
	cfg.Discord.Activities = nil

	cfg.Tickets.AdministrationCategoryID = testAdminCategoryID
	cfg.Tickets.GeneralSupportCategoryID = testSupportCategoryID
	cfg.Tickets.HRCategoryID = testHRCategoryID
	cfg.Tickets.EventsCategoryID = testEventsCategoryID
	cfg.Tickets.CloseDelay = 10 * time.Millisecond

	cfg.Monitor.Enabled = false

	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Discord.WebhookServer.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Monitor.LogLevel.Set(logLevel)
	cfg.Tickets.LogLevel.Set(logLevel)
	return cfg
}

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DisplayTimezone = "UTC"
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = testApplicationID

	require.NoError(t, structValidator.Struct(cfg))
	require.NoError(t, cfg.Monitor.validate())
}

func TestConfig_MissingDiscordToken(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestConfig_InvalidTimezone(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DisplayTimezone = "Not/AZone"
	require.Error(t, structValidator.Struct(cfg))
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestMonitorConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		config  MonitorConfig
		wantErr bool
	}{
		{
			name:   "disabled ignores schedule",
			config: MonitorConfig{Enabled: false, Schedule: "nope"},
		},
		{
			name:   "every",
			config: MonitorConfig{Enabled: true, Schedule: "@every 1m"},
		},
		{
			name:   "cron expression",
			config: MonitorConfig{Enabled: true, Schedule: "*/10 * * * *"},
		},
		{
			name:    "invalid",
			config:  MonitorConfig{Enabled: true, Schedule: "every five minutes"},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				err := tc.config.validate()
				if tc.wantErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
			},
		)
	}
}

func TestMonitorConfig_InvalidPolicy(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Monitor.Policy = "ignore"
	require.Error(t, structValidator.Struct(cfg))

	cfg.Monitor.Policy = MonitorPolicyAutoClose
	require.NoError(t, structValidator.Struct(cfg))
}

func TestTicketConfig_Category(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)

	c, ok := cfg.Tickets.Category("Recursos Humanos")
	require.True(t, ok)
	assert.Equal(t, testHRCategoryID, c.CategoryID)

	_, ok = cfg.Tickets.Category("Inexistente")
	assert.False(t, ok)

	labels := make([]string, 0, 4)
	for _, c := range cfg.Tickets.Categories() {
		labels = append(labels, c.Label)
	}
	assert.Equal(
		t,
		[]string{"Administração", "Suporte Geral", "Recursos Humanos", "Eventos"},
		labels,
	)
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	v := cfg.LogValue().String()
	assert.NotContains(t, v, cfg.Discord.Token)
	assert.NotContains(t, v, cfg.API.Secret)
}
