package lspd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"strconv"
)

// ErrInvalidRuntimeConfig is returned for runtime config updates that
// fail validation
var ErrInvalidRuntimeConfig = errors.New("invalid runtime config update")

const (
	columnRuntimeConfigAdminUsername        = "admin_username"
	columnRuntimeConfigAdminPassword        = "admin_password"
	columnRuntimeConfigPunchPanelMessageID  = "punch_panel_message_id"
	columnRuntimeConfigTicketPanelMessageID = "ticket_panel_message_id"
)

// RuntimeConfig holds the settings that can be changed while the bot
// is running, and the state that has to survive restarts (like the
// IDs of the panel messages). There's a single row, the latest one
// wins.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Opens a discord gateway websocket connection.
	// If the bot receives interactions via gateway, this is required.
	// Prefix commands (!clear, !setuppunch...) are only received
	// over the gateway.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// MonitorPaused skips overdue shift monitor ticks until unset
	MonitorPaused bool `json:"monitor_paused" gorm:"not null;default:false"`

	// RecoverPanic recovers panics in interaction handlers, replying
	// with DiscordErrorMessage instead of crashing
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// DiscordErrorMessage is shown to users when an interaction fails
	// unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// PunchPanelMessageID is the ID of the last posted punch panel
	// message, edited in place by !setuppunch
	PunchPanelMessageID string `json:"punch_panel_message_id" gorm:"type:string"`

	// TicketPanelMessageID is the ID of the last posted ticket panel
	// message, edited in place by !setuptickets
	TicketPanelMessageID string `json:"ticket_panel_message_id" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2 hash of the admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	MonitorLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:monitor_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"monitor_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	TicketLogLevel         DBLogLevel `gorm:"default:INFO;type:string;check:ticket_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"ticket_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

// DefaultRuntimeConfig returns the RuntimeConfig created on first run
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:  true,
		DiscordErrorMessage:    DefaultDiscordErrorMessage,
		LogLevel:               DBLogLevelInfo,
		DiscordLogLevel:        DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:      DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:       DBLogLevel(DefaultDatabaseLogLevel.String()),
		DiscordWebhookLogLevel: DBLogLevel(DefaultDiscordWebhookLogLevel.String()),
		APILogLevel:            DBLogLevel(DefaultAPILogLevel.String()),
		MonitorLogLevel:        DBLogLevel(DefaultMonitorLogLevel.String()),
		TicketLogLevel:         DBLogLevel(DefaultTicketLogLevel.String()),
	}
}

// RuntimeConfigUpdate is the PATCH body for the runtime config. Only
// non-nil fields are written. JSON names match the column names.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	MonitorPaused         *bool   `json:"monitor_paused,omitempty"`
	RecoverPanic          *bool   `json:"recover_panic,omitempty"`
	DiscordErrorMessage   *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	PunchPanelMessageID   *string `json:"punch_panel_message_id,omitempty"`
	TicketPanelMessageID  *string `json:"ticket_panel_message_id,omitempty"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	MonitorLogLevel        *DBLogLevel `json:"monitor_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	TicketLogLevel         *DBLogLevel `json:"ticket_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validate checks the binding tags, and that the panel message IDs
// are discord snowflakes. An empty ID is allowed, and clears it.
func (u RuntimeConfigUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	for name, id := range map[string]*string{
		columnRuntimeConfigPunchPanelMessageID:  u.PunchPanelMessageID,
		columnRuntimeConfigTicketPanelMessageID: u.TicketPanelMessageID,
	} {
		if id == nil || *id == "" {
			continue
		}
		if _, err := strconv.ParseUint(*id, 10, 64); err != nil {
			return fmt.Errorf("%s must be a discord ID", name)
		}
	}
	return nil
}

// values returns the non-nil fields keyed by column name
func (u RuntimeConfigUpdate) values() (map[string]any, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// updateRuntimeConfig validates and applies u, returning the updated
// config. Other instances sharing a postgres database are notified.
func (b *Bot) updateRuntimeConfig(ctx context.Context, u RuntimeConfigUpdate) (
	RuntimeConfig,
	error,
) {
	if err := u.validate(); err != nil {
		return b.RuntimeConfig(), fmt.Errorf("%w: %w", ErrInvalidRuntimeConfig, err)
	}
	updates, err := u.values()
	if err != nil {
		return b.RuntimeConfig(), err
	}
	if len(updates) == 0 {
		return b.RuntimeConfig(), nil
	}
	return b.applyRuntimeConfigUpdates(ctx, updates)
}

// updateRuntimeConfigField sets a single runtime config column
func (b *Bot) updateRuntimeConfigField(ctx context.Context, column string, value string) error {
	_, err := b.applyRuntimeConfigUpdates(ctx, map[string]any{column: value})
	return err
}

func (b *Bot) applyRuntimeConfigUpdates(ctx context.Context, updates map[string]any) (
	RuntimeConfig,
	error,
) {
	b.cfgMu.Lock()
	previous := b.runtimeConfig
	updated := *previous

	err := b.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(&updated).Updates(updates).Error; e != nil {
				return e
			}
			return tx.First(&updated, updated.ID).Error
		},
	)
	if err != nil {
		b.cfgMu.Unlock()
		return *previous, fmt.Errorf("error updating runtime config: %w", err)
	}
	b.applyRuntimeConfig(previous, &updated)
	b.cfgMu.Unlock()

	b.logger.InfoContext(ctx, "runtime config updated", "columns", len(updates))
	if b.dbNotifier != nil && b.config.DatabaseType == dbTypePostgres {
		if !b.dbNotifier.ReloadRuntimeConfig(ctx) {
			b.logger.WarnContext(ctx, "error sending config update notification")
		}
	}
	return updated, nil
}

// LoadRuntimeConfig returns the latest runtime config row, creating
// the default one if the table is empty.
func LoadRuntimeConfig(ctx context.Context, db *gorm.DB) (RuntimeConfig, error) {
	var state RuntimeConfig
	err := db.WithContext(ctx).Last(&state).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = DefaultRuntimeConfig()
		if err = db.WithContext(ctx).Create(&state).Error; err != nil {
			return state, fmt.Errorf("error creating runtime config: %w", err)
		}
	case err != nil:
		return state, fmt.Errorf("error getting runtime config: %w", err)
	}
	return state, nil
}

// SetAdminCredentials stores the admin username and a hash of password
// on the given runtime config row
func SetAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	state *RuntimeConfig,
	username string,
	password string,
) error {
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return db.WithContext(ctx).Model(state).Updates(
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	).Error
}

// VerifyAdminPassword reports whether password matches the stored
// admin password hash
func VerifyAdminPassword(state RuntimeConfig, password string) (bool, error) {
	if state.AdminPassword == "" {
		return false, nil
	}
	return verifyPassword(state.AdminPassword, password)
}
