package cmd

import (
	"context"
	"fmt"
	"github.com/Dyas-07/bot/lspd"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = lspd.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "lspd [flags]",
	Short: "LSPD community bot: shift tracking, tickets and moderation",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(configDecodeHook()),
			func(c *mapstructure.DecoderConfig) {
				// replace default slices (activities, CORS) instead of
				// merging into them
				c.ZeroFields = true
			},
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("INFO", "debug") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

//nolint:funlen // flat list of defaults
func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", lspd.DefaultDatabase)
	viper.SetDefault("database_type", lspd.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", lspd.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", lspd.DefaultDatabaseLogLevel.String())
	viper.SetDefault("display_timezone", lspd.DefaultDisplayTimezone)
	viper.SetDefault("runtime_config_ttl", lspd.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", lspd.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", lspd.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", lspd.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.punch_channel_id", "")
	viper.SetDefault("discord.punch_logs_channel_id", "")
	viper.SetDefault("discord.ticket_panel_channel_id", "")
	viper.SetDefault("discord.ticket_transcripts_channel_id", "")
	viper.SetDefault("discord.role_id", "")
	viper.SetDefault("discord.ticket_moderator_role_id", "")
	viper.SetDefault("discord.command_prefix", lspd.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.activities", lspd.DefaultDiscordActivities)
	viper.SetDefault("discord.activity_interval", lspd.DefaultDiscordActivityInterval)
	viper.SetDefault("discord.log_level", lspd.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", lspd.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", lspd.DefaultDiscordGatewayIntent)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", lspd.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", lspd.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", lspd.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", lspd.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", lspd.DefaultIdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", lspd.DefaultDiscordWebhookLogLevel.String())
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		lspd.DefaultDiscordWebhookServerTLSminVersion,
	)

	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")

	// Monitor config
	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.schedule", lspd.DefaultMonitorSchedule)
	viper.SetDefault("monitor.policy", string(lspd.MonitorPolicyNotify))
	viper.SetDefault("monitor.overdue_threshold", lspd.DefaultMonitorOverdueThreshold)
	viper.SetDefault("monitor.log_level", lspd.DefaultMonitorLogLevel.String())

	// Ticket config
	viper.SetDefault("tickets.administration_category_id", "")
	viper.SetDefault("tickets.general_support_category_id", "")
	viper.SetDefault("tickets.hr_category_id", "")
	viper.SetDefault("tickets.events_category_id", "")
	viper.SetDefault("tickets.max_open_per_user", lspd.DefaultTicketMaxOpenPerUser)
	viper.SetDefault("tickets.close_delay", lspd.DefaultTicketCloseDelay)
	viper.SetDefault("tickets.messages_file", "")
	viper.SetDefault("tickets.log_level", lspd.DefaultTicketLogLevel.String())

	// API config
	viper.SetDefault("api.listen", lspd.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", lspd.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", lspd.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", lspd.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", lspd.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", lspd.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", lspd.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", lspd.DefaultUITLSMinVersion)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", lspd.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", lspd.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", lspd.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", lspd.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", lspd.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(lspd.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = lspd.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// space-separated in the environment
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_server.log_level",
		"api.log_level",
		"monitor.log_level",
		"tickets.log_level",
	} {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		".env file to load settings from",
	)
}
