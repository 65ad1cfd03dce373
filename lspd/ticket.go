package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	customIDTicketCategorySelect = "ticket_category_select"
	customIDCloseTicket          = "close_ticket_button"
	customIDTranscriptTicket     = "transcript_ticket_button"

	ticketCreateGuardTTL     = 30 * time.Second
	ticketCreateGuardCleanup = time.Minute
	ticketChannelNameMax     = 100

	ticketSetupChannelNotFound = "Erro: Canal do painel de tickets (ID: %s) não encontrado."
	ticketSetupNoCategories    = "Erro: Nenhuma categoria de ticket configurada."
	ticketSetupUpdated         = "Painel de tickets atualizado com sucesso!"
	ticketSetupSent            = "Painel de tickets enviado com sucesso!"
	ticketSetupRecreated       = "Painel de tickets recriado com sucesso!"
	ticketSetupFailed          = "Erro ao enviar/atualizar painel de tickets: %s"

	ticketNotTicketChannel = "Este comando só pode ser usado em um canal de ticket."
	ticketNoModeratorRole  = "🚫 Não tens permissões para usar este comando. Requer o cargo de moderador de tickets."
	ticketAdded            = "✅ %s foi adicionado(a) ao ticket."
	ticketAddForbidden     = "❌ Não tenho permissão para gerenciar permissões neste canal."
	ticketAddFailed        = "❌ Erro ao adicionar %s: %s"
	ticketRenameTooLong    = "O nome do canal não pode ter mais de 100 caracteres."
	ticketRenameInvalid    = "O nome do canal tem de conter pelo menos uma letra ou número."
	ticketRenamed          = "✅ Nome do ticket alterado de `%s` para `%s`."
	ticketRenameForbidden  = "❌ Não tenho permissão para gerenciar canais."
	ticketRenameFailed     = "❌ Erro ao renomear o ticket: %s"

	ticketClearNone     = "Não há tickets abertos para limpar."
	ticketClearDone     = "Limpeza concluída! %d tickets limpos."
	ticketClearDoneErrs = "Limpeza concluída. %d tickets limpos.\nErros:\n```\n%s\n```"
)

var (
	// ErrTicketLimit is returned when the creator already has the
	// maximum number of open tickets
	ErrTicketLimit = errors.New("ticket limit reached")

	// ErrTicketExists is returned when the creator already has an open
	// ticket in the requested category. See TicketExistsError.
	ErrTicketExists = errors.New("ticket already open in category")

	// ErrNotTicketChannel is returned for ticket operations in a channel
	// that isn't an open ticket
	ErrNotTicketChannel = errors.New("not a ticket channel")

	// ErrForbidden is returned when the user may not manage the ticket
	ErrForbidden = errors.New("forbidden")

	// ErrTicketCreationInProgress is returned when a second ticket is
	// requested while the first is still being created
	ErrTicketCreationInProgress = errors.New("ticket creation in progress")

	ErrInvalidCategory = errors.New("invalid ticket category")
)

// TicketExistsError carries the channel of the ticket that's
// already open
type TicketExistsError struct {
	ChannelID string
}

func (e *TicketExistsError) Error() string {
	return fmt.Sprintf("%s: <#%s>", ErrTicketExists, e.ChannelID)
}

func (e *TicketExistsError) Is(target error) bool {
	return target == ErrTicketExists
}

// Ticket is an open support ticket. Rows are removed when the ticket
// channel is deleted.
type Ticket struct {
	ChannelID   string    `gorm:"primaryKey;type:varchar(32)" json:"channel_id"`
	CreatorID   string    `gorm:"type:string;not null;index" json:"creator_id"`
	CreatorName string    `gorm:"type:string;not null" json:"creator_name"`
	Category    string    `gorm:"type:string;not null" json:"category"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

func (t Ticket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", t.ChannelID),
		slog.String("creator_id", t.CreatorID),
		slog.String("category", t.Category),
	)
}

// TicketStore persists open tickets
type TicketStore interface {
	Add(ctx context.Context, t *Ticket) error

	// Get returns the ticket for the channel, or nil if there isn't one
	Get(ctx context.Context, channelID string) (*Ticket, error)
	Remove(ctx context.Context, channelID string) error
	ListOpen(ctx context.Context) ([]Ticket, error)
	ListByCreator(ctx context.Context, creatorID string) ([]Ticket, error)
}

type gormTicketStore struct {
	db DBI
}

func NewTicketStore(db DBI) TicketStore {
	return &gormTicketStore{db: db}
}

func (s *gormTicketStore) Add(ctx context.Context, t *Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if _, err := s.db.Create(ctx, t); err != nil {
		return fmt.Errorf("error saving ticket: %w", err)
	}
	return nil
}

func (s *gormTicketStore) Get(ctx context.Context, channelID string) (*Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var t Ticket
	rv := s.db.DB().WithContext(ctx).Where("channel_id = ?", channelID).Limit(1).Find(&t)
	if rv.Error != nil {
		return nil, fmt.Errorf("error getting ticket: %w", rv.Error)
	}
	if rv.RowsAffected == 0 {
		return nil, nil
	}
	return &t, nil
}

func (s *gormTicketStore) Remove(ctx context.Context, channelID string) error {
	_, err := s.db.Delete(ctx, &Ticket{}, "channel_id = ?", channelID)
	if err != nil {
		return fmt.Errorf("error removing ticket: %w", err)
	}
	return nil
}

func (s *gormTicketStore) ListOpen(ctx context.Context) ([]Ticket, error) {
	return s.list(ctx, nil)
}

func (s *gormTicketStore) ListByCreator(ctx context.Context, creatorID string) (
	[]Ticket,
	error,
) {
	return s.list(
		ctx, func(db *gorm.DB) *gorm.DB {
			return db.Where("creator_id = ?", creatorID)
		},
	)
}

func (s *gormTicketStore) list(ctx context.Context, scope func(*gorm.DB) *gorm.DB) (
	[]Ticket,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := s.db.DB().WithContext(ctx)
	if scope != nil {
		db = db.Scopes(scope)
	}
	tickets := []Ticket{}
	if err := db.Order("created_at asc").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("error listing tickets: %w", err)
	}
	return tickets, nil
}

// ticketChannelName returns "ticket-{username}", lowercased, with
// spaces replaced by dashes
func ticketChannelName(username string) string {
	name := "ticket-" + strings.ReplaceAll(strings.ToLower(username), " ", "-")
	return truncate(name, ticketChannelNameMax)
}

// formatChannelName normalizes a /rename argument: lowercase, spaces
// become dashes, and anything that's not a letter, digit or dash is
// dropped
func formatChannelName(name string) string {
	name = strings.ReplaceAll(strings.ToLower(name), " ", "-")
	return strings.Map(
		func(r rune) rune {
			if r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, name,
	)
}

// ticketOverwrites hides the channel from @everyone (whose role ID is
// the guild ID) and grants access to the creator, the bot and the
// moderator role, if one is configured
func ticketOverwrites(
	guildID, creatorID, botID, moderatorRoleID string,
) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:   creatorID,
			Type: discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel |
				discordgo.PermissionSendMessages |
				discordgo.PermissionAttachFiles,
		},
	}
	if botID != "" {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:   botID,
				Type: discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel |
					discordgo.PermissionSendMessages |
					discordgo.PermissionEmbedLinks |
					discordgo.PermissionAttachFiles |
					discordgo.PermissionManageChannels,
			},
		)
	}
	if moderatorRoleID != "" {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:   moderatorRoleID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Allow: discordgo.PermissionViewChannel |
					discordgo.PermissionSendMessages |
					discordgo.PermissionManageChannels,
			},
		)
	}
	return overwrites
}

// ticketControls returns the close/transcript buttons posted with the
// welcome message
func ticketControls(disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Fechar Ticket",
					Style:    discordgo.DangerButton,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔒"},
					CustomID: customIDCloseTicket,
					Disabled: disabled,
				},
				discordgo.Button{
					Label:    "Transcrever Ticket",
					Style:    discordgo.SecondaryButton,
					Emoji:    &discordgo.ComponentEmoji{Name: "📄"},
					CustomID: customIDTranscriptTicket,
					Disabled: disabled,
				},
			},
		},
	}
}

// ticketPanel returns the ticket panel embed and its category select.
// Categories without a discord category ID aren't offered.
func (b *Bot) ticketPanel() (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	msgs := b.ticketMessages
	embed := msgs.Panel.render(
		strings.NewReplacer(placeholderDateTime, b.now().In(b.loc).Format(ticketFooterTimeLayout)),
	)

	var options []discordgo.SelectMenuOption
	for _, c := range b.config.Tickets.Categories() {
		if c.CategoryID == "" {
			b.ticketLogger.Warn("category has no ID configured, not offered", "category", c.Label)
			continue
		}
		options = append(
			options, discordgo.SelectMenuOption{
				Label:       c.Label,
				Value:       c.Label,
				Description: msgs.dropdownDescription(c),
				Emoji:       &discordgo.ComponentEmoji{Name: c.Emoji},
			},
		)
	}
	if len(options) == 0 {
		return embed, nil
	}

	minValues := 1
	return embed, []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    customIDTicketCategorySelect,
					Placeholder: msgs.Panel.DropdownPlaceholder,
					MinValues:   &minValues,
					MaxValues:   1,
					Options:     options,
				},
			},
		},
	}
}

// setupTicketPanel posts or updates the ticket panel, returning the
// reply for the admin who ran !setuptickets
func (b *Bot) setupTicketPanel(ctx context.Context) string {
	logger := loggerFrom(ctx, b.ticketLogger)
	channelID := b.config.Discord.TicketPanelChannelID
	if channelID == "" {
		return fmt.Sprintf(ticketSetupChannelNotFound, channelID)
	}
	if _, err := b.discord.session.Channel(channelID); err != nil {
		logger.ErrorContext(ctx, "ticket panel channel not found", tint.Err(err), "channel_id", channelID)
		return fmt.Sprintf(ticketSetupChannelNotFound, channelID)
	}

	embed, components := b.ticketPanel()
	if len(components) == 0 {
		return ticketSetupNoCategories
	}
	reply, err := b.upsertPanel(
		ctx,
		channelID,
		b.RuntimeConfig().TicketPanelMessageID,
		columnRuntimeConfigTicketPanelMessageID,
		embed,
		components,
		[3]string{ticketSetupUpdated, ticketSetupSent, ticketSetupRecreated},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error setting up ticket panel", tint.Err(err))
		return fmt.Sprintf(ticketSetupFailed, err)
	}
	return reply
}

// openTicket creates a ticket channel for the member under the
// category with the given label, records it, and posts the welcome
// message.
func (b *Bot) openTicket(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	u *discordgo.User,
	label string,
) (*Ticket, error) {
	logger := loggerFrom(ctx, b.ticketLogger).With("category", label)
	category, ok := b.config.Tickets.Category(label)
	if !ok || category.CategoryID == "" {
		return nil, ErrInvalidCategory
	}

	if err := b.ticketGuard.Add(u.ID, struct{}{}, ticketCreateGuardTTL); err != nil {
		return nil, ErrTicketCreationInProgress
	}
	defer b.ticketGuard.Delete(u.ID)

	open, err := b.tickets.ListByCreator(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if len(open) >= b.config.Tickets.MaxOpenPerUser {
		return nil, ErrTicketLimit
	}
	for _, t := range open {
		if t.Category == category.Label {
			return nil, &TicketExistsError{ChannelID: t.ChannelID}
		}
	}

	parent, err := b.discord.session.Channel(category.CategoryID)
	if err != nil || parent.Type != discordgo.ChannelTypeGuildCategory {
		if err != nil {
			logger.ErrorContext(ctx, "error fetching ticket category", tint.Err(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category.CategoryID)
	}

	name := memberDisplayName(member, u)
	moderatorRoleID := b.config.Discord.TicketModeratorRoleID
	ch, err := b.discord.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:     ticketChannelName(u.Username),
			Type:     discordgo.ChannelTypeGuildText,
			Topic:    fmt.Sprintf("Ticket de suporte para %s (%s - ID: %s)", name, category.Label, u.ID),
			ParentID: category.CategoryID,
			PermissionOverwrites: ticketOverwrites(
				guildID,
				u.ID,
				b.discord.BotUserID(),
				moderatorRoleID,
			),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ticket channel: %w", err)
	}

	ticket := &Ticket{
		ChannelID:   ch.ID,
		CreatorID:   u.ID,
		CreatorName: name,
		Category:    category.Label,
		CreatedAt:   b.now(),
	}
	if err = b.tickets.Add(ctx, ticket); err != nil {
		if _, delErr := b.discord.session.ChannelDelete(ch.ID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting orphaned ticket channel", tint.Err(delErr))
		}
		return nil, err
	}
	logger = logger.With("ticket", ticket)
	logger.InfoContext(ctx, "ticket created")

	welcome := b.ticketMessages.welcomeFor(category.Label).render(
		strings.NewReplacer(
			placeholderCategory, category.Label,
			placeholderUser, name,
			placeholderTicketID, ch.ID,
			placeholderDateTime, b.now().In(b.loc).Format(ticketFooterTimeLayout),
		),
	)
	content := "<@" + u.ID + ">"
	if moderatorRoleID != "" {
		content += " <@&" + moderatorRoleID + ">"
	}
	_, err = b.discord.session.ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{
			Content:    content,
			Embeds:     []*discordgo.MessageEmbed{welcome},
			Components: ticketControls(false),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending ticket welcome message", tint.Err(err))
	}
	return ticket, nil
}

// createTicket handles a selection in the ticket panel dropdown
func (b *Bot) createTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	u := interactionUser(i)
	msgs := b.ticketMessages
	logger := loggerFrom(ctx, b.ticketLogger).With("user_id", u.ID)

	if err := deferEphemeral(ctx, h); err != nil {
		return
	}

	values := i.MessageComponentData().Values
	if len(values) == 0 {
		_ = editContent(ctx, h, msgs.InvalidCategory)
		return
	}
	label := values[0]

	ticket, err := b.openTicket(ctx, i.GuildID, i.Member, u, label)
	var exists *TicketExistsError
	switch {
	case err == nil:
		_ = editContent(
			ctx, h,
			fillPlaceholders(msgs.CreatedSuccess, placeholderChannelMention, "<#"+ticket.ChannelID+">"),
		)
	case errors.Is(err, ErrTicketCreationInProgress):
		_ = editContent(ctx, h, msgs.CreationInProgress)
	case errors.Is(err, ErrTicketLimit):
		logger.WarnContext(ctx, "ticket limit reached")
		_ = editContent(
			ctx, h,
			fillPlaceholders(
				msgs.LimitReached,
				placeholderLimit, strconv.Itoa(b.config.Tickets.MaxOpenPerUser),
			),
		)
	case errors.As(err, &exists):
		logger.WarnContext(ctx, "ticket already open in category", "channel_id", exists.ChannelID)
		_ = editContent(
			ctx, h,
			fillPlaceholders(msgs.AlreadyOpen, placeholderChannelMention, "<#"+exists.ChannelID+">"),
		)
	case errors.Is(err, ErrInvalidCategory):
		logger.ErrorContext(ctx, "invalid ticket category", tint.Err(err), "category", label)
		if _, ok := b.config.Tickets.Category(label); !ok {
			_ = editContent(ctx, h, msgs.InvalidCategory)
			return
		}
		_ = editContent(ctx, h, fillPlaceholders(msgs.CategoryNotFound, placeholderCategory, label))
	default:
		logger.ErrorContext(ctx, "error creating ticket", tint.Err(err))
		_ = editContent(ctx, h, fillPlaceholders(msgs.ErrorCreating, placeholderError, err.Error()))
	}
}

// authorizeTicket returns the ticket for the interaction's channel, if
// the user is its creator or a ticket moderator
func (b *Bot) authorizeTicket(ctx context.Context, i *discordgo.InteractionCreate) (
	*Ticket,
	error,
) {
	ticket, err := b.tickets.Get(ctx, i.ChannelID)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, ErrNotTicketChannel
	}
	u := interactionUser(i)
	if ticket.CreatorID == u.ID || hasRole(i.Member, b.config.Discord.TicketModeratorRoleID) {
		return ticket, nil
	}
	return nil, ErrForbidden
}

// closeTicket handles the close button: disables the controls,
// announces the close, waits tickets.close_delay, posts the transcript
// and deletes the channel. If the channel can't be deleted, the
// controls are re-enabled.
func (b *Bot) closeTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	u := interactionUser(i)
	msgs := b.ticketMessages
	logger := loggerFrom(ctx, b.ticketLogger).With("user_id", u.ID, "channel_id", i.ChannelID)

	if err := deferEphemeral(ctx, h); err != nil {
		return
	}

	ticket, err := b.authorizeTicket(ctx, i)
	switch {
	case errors.Is(err, ErrNotTicketChannel):
		_ = editContent(ctx, h, ticketNotTicketChannel)
		return
	case errors.Is(err, ErrForbidden):
		logger.WarnContext(ctx, "user not allowed to close ticket")
		_ = editContent(ctx, h, msgs.NoPermissionClose)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error getting ticket", tint.Err(err))
		_ = editContent(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}
	logger = logger.With("ticket", ticket)

	session := b.discord.session
	b.setTicketControls(ctx, i, true)
	if _, err = session.ChannelMessageSend(i.ChannelID, msgs.CloseMessage); err != nil {
		logger.ErrorContext(ctx, "error sending close message", tint.Err(err))
	}

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "ticket close cancelled", tint.Err(ctx.Err()))
		b.setTicketControls(context.WithoutCancel(ctx), i, false)
		return
	case <-time.After(b.config.Tickets.CloseDelay):
	}

	if err = b.postTranscript(ctx, ticket); err != nil {
		logger.ErrorContext(ctx, "error posting transcript", tint.Err(err))
	}

	if _, err = session.ChannelDelete(i.ChannelID); err != nil && !isNotFound(err) {
		logger.ErrorContext(ctx, "error deleting ticket channel", tint.Err(err))
		_ = editContent(ctx, h, fillPlaceholders(msgs.CloseFailed, placeholderError, err.Error()))
		b.setTicketControls(ctx, i, false)
		return
	}
	if err = b.tickets.Remove(ctx, ticket.ChannelID); err != nil {
		logger.ErrorContext(ctx, "error removing ticket", tint.Err(err))
	}
	logger.InfoContext(ctx, "ticket closed", "closed_by", u.ID)
}

// setTicketControls edits the message holding the ticket buttons
func (b *Bot) setTicketControls(ctx context.Context, i *discordgo.InteractionCreate, disabled bool) {
	if i.Message == nil {
		return
	}
	components := ticketControls(disabled)
	_, err := b.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         i.Message.ID,
			Channel:    i.ChannelID,
			Components: &components,
		},
	)
	if err != nil {
		loggerFrom(ctx, b.ticketLogger).ErrorContext(
			ctx,
			"error updating ticket controls",
			tint.Err(err),
			"disabled", disabled,
		)
	}
}

// transcriptTicket handles the transcript button
func (b *Bot) transcriptTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	msgs := b.ticketMessages
	logger := loggerFrom(ctx, b.ticketLogger).With("channel_id", i.ChannelID)

	if err := deferEphemeral(ctx, h); err != nil {
		return
	}

	ticket, err := b.authorizeTicket(ctx, i)
	switch {
	case errors.Is(err, ErrNotTicketChannel):
		_ = editContent(ctx, h, ticketNotTicketChannel)
		return
	case errors.Is(err, ErrForbidden):
		logger.WarnContext(ctx, "user not allowed to transcript ticket")
		_ = editContent(ctx, h, msgs.NoPermissionTranscript)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error getting ticket", tint.Err(err))
		_ = editContent(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}

	_ = editContent(ctx, h, msgs.TranscriptCreating)
	if err = b.postTranscript(ctx, ticket); err != nil {
		logger.ErrorContext(ctx, "error posting transcript", tint.Err(err))
		_ = editContent(ctx, h, fillPlaceholders(msgs.TranscriptFailed, placeholderError, err.Error()))
		return
	}
	_ = editContent(ctx, h, msgs.TranscriptSuccess)
}

// requireTicketModerator checks the moderator role and that the
// command is used in a ticket channel, replying when it isn't
func (b *Bot) requireTicketModerator(ctx context.Context, h InteractionHandler) bool {
	i := h.GetInteraction()
	if !hasRole(i.Member, b.config.Discord.TicketModeratorRoleID) {
		_ = respondEphemeral(ctx, h, ticketNoModeratorRole)
		return false
	}
	ticket, err := b.tickets.Get(ctx, i.ChannelID)
	if err != nil {
		loggerFrom(ctx, b.ticketLogger).ErrorContext(ctx, "error getting ticket", tint.Err(err))
		_ = respondEphemeral(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return false
	}
	if ticket == nil {
		_ = respondEphemeral(ctx, h, ticketNotTicketChannel)
		return false
	}
	return true
}

// addToTicket handles /add, granting a member or role access to the
// current ticket
func (b *Bot) addToTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := loggerFrom(ctx, b.ticketLogger).With("channel_id", i.ChannelID)
	if !b.requireTicketModerator(ctx, h) {
		return
	}

	opt, ok := discordInteractionOptions(i)[optionMemberOrRole]
	if !ok {
		_ = respondEphemeral(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}
	targetID := fmt.Sprint(opt.Value)

	targetType := discordgo.PermissionOverwriteTypeMember
	mention := "<@" + targetID + ">"
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if _, isRole := resolved.Roles[targetID]; isRole {
			targetType = discordgo.PermissionOverwriteTypeRole
			mention = "<@&" + targetID + ">"
		}
	}

	err := b.discord.session.ChannelPermissionSet(
		i.ChannelID,
		targetID,
		targetType,
		discordgo.PermissionViewChannel|
			discordgo.PermissionSendMessages|
			discordgo.PermissionAttachFiles,
		0,
	)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "added to ticket", "target_id", targetID)
		_ = respondEphemeral(ctx, h, fmt.Sprintf(ticketAdded, mention))
	case isForbidden(err):
		logger.ErrorContext(ctx, "forbidden adding to ticket", tint.Err(err))
		_ = respondEphemeral(ctx, h, ticketAddForbidden)
	default:
		logger.ErrorContext(ctx, "error adding to ticket", tint.Err(err))
		_ = respondEphemeral(ctx, h, fmt.Sprintf(ticketAddFailed, mention, err))
	}
}

// renameTicket handles /rename
func (b *Bot) renameTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := loggerFrom(ctx, b.ticketLogger).With("channel_id", i.ChannelID)
	if !b.requireTicketModerator(ctx, h) {
		return
	}

	opt, ok := discordInteractionOptions(i)[optionNewName]
	if !ok {
		_ = respondEphemeral(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}
	newName := opt.StringValue()
	if len([]rune(newName)) > ticketChannelNameMax {
		_ = respondEphemeral(ctx, h, ticketRenameTooLong)
		return
	}
	formatted := formatChannelName(newName)
	if strings.Trim(formatted, "-") == "" {
		_ = respondEphemeral(ctx, h, ticketRenameInvalid)
		return
	}

	session := b.discord.session
	oldName := i.ChannelID
	if ch, err := session.Channel(i.ChannelID); err == nil {
		oldName = ch.Name
	}

	_, err := session.ChannelEdit(i.ChannelID, &discordgo.ChannelEdit{Name: formatted})
	switch {
	case err == nil:
		logger.InfoContext(ctx, "ticket renamed", "old_name", oldName, "new_name", formatted)
		_ = respondEphemeral(ctx, h, fmt.Sprintf(ticketRenamed, oldName, formatted))
	case isForbidden(err):
		logger.ErrorContext(ctx, "forbidden renaming ticket", tint.Err(err))
		_ = respondEphemeral(ctx, h, ticketRenameForbidden)
	default:
		logger.ErrorContext(ctx, "error renaming ticket", tint.Err(err))
		_ = respondEphemeral(ctx, h, fmt.Sprintf(ticketRenameFailed, err))
	}
}

// clearTickets deletes every ticket channel and row. Channels that
// no longer exist only have their row removed. Returns the number of
// tickets cleared, and the joined errors of those that weren't.
func (b *Bot) clearTickets(ctx context.Context) (int, error) {
	logger := loggerFrom(ctx, b.ticketLogger)
	tickets, err := b.tickets.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	cleared := 0
	for _, t := range tickets {
		_, delErr := b.discord.session.ChannelDelete(t.ChannelID)
		if delErr != nil && !isNotFound(delErr) {
			logger.ErrorContext(ctx, "error deleting ticket channel", tint.Err(delErr), "ticket", t)
			errs = append(
				errs,
				fmt.Errorf("%s (ID: %s): %w", ticketChannelName(t.CreatorName), t.ChannelID, delErr),
			)
			continue
		}
		if rmErr := b.tickets.Remove(ctx, t.ChannelID); rmErr != nil {
			errs = append(errs, fmt.Errorf("ID %s: %w", t.ChannelID, rmErr))
			continue
		}
		cleared++
		logger.InfoContext(ctx, "ticket cleared", "ticket", t, "channel_existed", delErr == nil)
	}
	return cleared, errors.Join(errs...)
}

// clearTicketsReply renders the result of clearTickets
func clearTicketsReply(cleared int, err error) string {
	if err == nil {
		return fmt.Sprintf(ticketClearDone, cleared)
	}
	return fmt.Sprintf(ticketClearDoneErrs, cleared, err.Error())
}

// reconcileTickets removes rows for ticket channels that were deleted
// while the bot wasn't watching. Channels that can't be fetched for
// other reasons are kept.
func (b *Bot) reconcileTickets(ctx context.Context) (removed int, err error) {
	logger := loggerFrom(ctx, b.ticketLogger)
	tickets, err := b.tickets.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tickets {
		_, chErr := b.discord.session.Channel(t.ChannelID)
		switch {
		case chErr == nil:
			continue
		case isNotFound(chErr):
			if rmErr := b.tickets.Remove(ctx, t.ChannelID); rmErr != nil {
				logger.ErrorContext(ctx, "error removing stale ticket", tint.Err(rmErr), "ticket", t)
				continue
			}
			removed++
			logger.WarnContext(ctx, "ticket channel not found, removed", "ticket", t)
		default:
			logger.ErrorContext(ctx, "error checking ticket channel", tint.Err(chErr), "ticket", t)
		}
	}
	return removed, nil
}

// newTicketGuard returns the cache tracking in-flight ticket creations
func newTicketGuard() *cache.Cache {
	return cache.New(ticketCreateGuardTTL, ticketCreateGuardCleanup)
}
