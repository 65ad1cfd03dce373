package lspd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

const (
	guildRolesCacheTTL     = 5 * time.Minute
	guildRolesCacheCleanup = 10 * time.Minute
)

// Discord manages the discord session, gateway event handlers, command
// registration and presence.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// botUser is the bot's own user, set on Ready
	botUser atomic.Pointer[discordgo.User]

	// guildRoles caches GuildRoles responses by guild ID, for
	// permission checks on prefix commands
	guildRoles *cache.Cache
	dc         *Bot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		guildRoles:                  cache.New(guildRolesCacheTTL, guildRolesCacheCleanup),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, as reported on Ready. Before
// the gateway is ready (or in webhook-only mode), the application ID
// is used, which matches the bot user ID for bot applications.
func (d *Discord) BotUserID() string {
	if u := d.botUser.Load(); u != nil {
		return u.ID
	}
	return d.config.ApplicationID
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUser.Store(r.User)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", d.BotUserID(),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info(
			"Connected",
			"connects", d.metricConnects.Load(),
			"user_id", d.BotUserID(),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info(
			"disconnected",
			"disconnects", d.metricDisconnects.Load(),
			"user_id", d.BotUserID(),
		)
	}
}

// registerCommands sends the bot's slash commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := slashCommands()
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) != len(commands) {
		d.logger.Warn(
			"unexpected number of commands registered",
			"expected", len(commands),
			"registered", len(created),
		)
	}
	return created, nil
}

// activity is a single entry of the presence rotation
type activity struct {
	Name string
	URL  string
}

// parseActivity parses "name" (playing) or "name|url" (streaming)
func parseActivity(s string) activity {
	name, url, _ := strings.Cut(s, "|")
	return activity{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)}
}

func (a activity) statusUpdate() discordgo.UpdateStatusData {
	act := &discordgo.Activity{Name: a.Name, Type: discordgo.ActivityTypeGame}
	if a.URL != "" {
		act.Type = discordgo.ActivityTypeStreaming
		act.URL = a.URL
	}
	return discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{act},
		Status:     string(discordgo.StatusOnline),
	}
}

// presenceRotator cycles through the configured activities on a cron
// schedule. Updates are skipped while the gateway isn't connected.
type presenceRotator struct {
	d          *Discord
	activities []activity
	next       atomic.Int64
}

func newPresenceRotator(d *Discord) *presenceRotator {
	p := &presenceRotator{d: d}
	for _, a := range d.config.Activities {
		if act := parseActivity(a); act.Name != "" {
			p.activities = append(p.activities, act)
		}
	}
	return p
}

// current returns the activity to show at startup
func (p *presenceRotator) current() *discordgo.Activity {
	if len(p.activities) == 0 {
		return nil
	}
	return p.activities[0].statusUpdate().Activities[0]
}

func (p *presenceRotator) rotate() {
	if len(p.activities) == 0 || !p.d.connected.Load() {
		return
	}
	i := int(p.next.Add(1)) % len(p.activities)
	act := p.activities[i]
	if err := p.d.session.UpdateStatusComplex(act.statusUpdate()); err != nil {
		p.d.logger.Warn("error updating presence", tint.Err(err), "activity", act.Name)
		return
	}
	p.d.logger.Debug("updated presence", "activity", act.Name)
}

// Run rotates the presence until ctx is cancelled. It returns
// immediately if there's nothing to rotate.
func (p *presenceRotator) Run(ctx context.Context) {
	if len(p.activities) < 2 || p.d.config.ActivityInterval <= 0 {
		return
	}
	logger := p.d.logger.With(loggerNameKey, "presence")
	c := cron.New(
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(
			cron.Recover(cronLogger{logger: logger}),
			cron.SkipIfStillRunning(cronLogger{logger: logger}),
		),
	)
	c.Schedule(cron.Every(p.d.config.ActivityInterval), cron.FuncJob(p.rotate))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// isAdministrator reports whether the member has the Administrator
// permission in the guild, or owns it. Interaction members carry
// their computed permissions, message members only have role IDs, so
// guild roles are fetched for the latter.
func (d *Discord) isAdministrator(guildID string, member *discordgo.Member) (bool, error) {
	if member == nil || guildID == "" {
		return false, nil
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true, nil
	}
	roles, err := d.cachedGuildRoles(guildID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Permissions&discordgo.PermissionAdministrator == 0 {
			continue
		}
		if role.ID == guildID || slices.Contains(member.Roles, role.ID) {
			return true, nil
		}
	}

	if member.User != nil {
		guild, gErr := d.session.Guild(guildID)
		if gErr != nil {
			return false, fmt.Errorf("error fetching guild: %w", gErr)
		}
		return guild.OwnerID == member.User.ID, nil
	}
	return false, nil
}

func (d *Discord) cachedGuildRoles(guildID string) ([]*discordgo.Role, error) {
	if v, ok := d.guildRoles.Get(guildID); ok {
		return v.([]*discordgo.Role), nil
	}
	roles, err := d.session.GuildRoles(guildID)
	if err != nil {
		return nil, fmt.Errorf("error fetching guild roles: %w", err)
	}
	d.guildRoles.SetDefault(guildID, roles)
	return roles, nil
}

// hasRole reports whether the member has the given role. An empty
// roleID never matches.
func hasRole(member *discordgo.Member, roleID string) bool {
	if member == nil || roleID == "" {
		return false
	}
	return slices.Contains(member.Roles, roleID)
}

// isNotFound reports whether err is a discord REST 404
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// isForbidden reports whether err is a discord REST 403
func isForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusForbidden
	}
	return false
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit (max 100) messages, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID, afterID, aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error
	ChannelMessageDelete(
		channelID, messageID string,
		options ...discordgo.RequestOption,
	) error

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelPermissionSet(
		channelID, targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow, deny int64,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns) the DM channel with a user
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (
		*discordgo.Channel,
		error,
	)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (
		*discordgo.Member,
		error,
	)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "command_id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
	if err != nil {
		d.logger.Error(
			"error bulk deleting messages",
			tint.Err(err),
			"channel_id", channelID,
			"count", len(messages),
		)
	}
	return err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID, messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error("error creating channel", tint.Err(err), "name", data.Name)
	} else {
		d.logger.Info("created channel", "channel_id", ch.ID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEdit(channelID, data, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error("error deleting channel", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) ChannelPermissionSet(
	channelID, targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow, deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}
