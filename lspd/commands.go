package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"sync"
)

const (
	DiscordSlashCommandHours  = "horas"
	DiscordSlashCommandAdd    = "add"
	DiscordSlashCommandRename = "rename"

	optionStartDate    = "data_inicio"
	optionEndDate      = "data_fim"
	optionMemberOrRole = "membro_ou_cargo"
	optionNewName      = "novo_nome"

	hoursNoPermission = "🚫 Não tens permissões para usar este comando. Requer o cargo autorizado."
	hoursInvalidDate  = "Formato de data inválido. Use DD/MM/YYYY. Ex: `/horas 01/01/2025 31/01/2025`"
	hoursEmptyRange   = "Erro: A data de início não pode ser posterior à data de fim."
	hoursNoRecords    = "Nenhum registro de ponto encontrado para o período especificado."
	hoursFailed       = "Ocorreu um erro ao gerar o relatório: `%s`"
)

// Capability identifies what an interaction asks the bot to do
type Capability string

const (
	CapabilityClockIn          Capability = "clock_in"
	CapabilityClockOut         Capability = "clock_out"
	CapabilityCreateTicket     Capability = "create_ticket"
	CapabilityCloseTicket      Capability = "close_ticket"
	CapabilityTranscriptTicket Capability = "transcript_ticket"
	CapabilityAddParticipant   Capability = "add_participant"
	CapabilityRename           Capability = "rename"
	CapabilityHoursReport      Capability = "hours_report"
)

// command is a resolved interaction. Category is only set for
// CapabilityCreateTicket.
type command struct {
	Capability Capability
	Category   string
}

// resolveCommand maps a component or application command interaction
// to the capability it requests
func resolveCommand(i *discordgo.InteractionCreate) (command, bool) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		switch data.CustomID {
		case customIDPunchIn:
			return command{Capability: CapabilityClockIn}, true
		case customIDPunchOut:
			return command{Capability: CapabilityClockOut}, true
		case customIDTicketCategorySelect:
			cmd := command{Capability: CapabilityCreateTicket}
			if len(data.Values) > 0 {
				cmd.Category = data.Values[0]
			}
			return cmd, true
		case customIDCloseTicket:
			return command{Capability: CapabilityCloseTicket}, true
		case customIDTranscriptTicket:
			return command{Capability: CapabilityTranscriptTicket}, true
		}
	case discordgo.InteractionApplicationCommand:
		switch i.ApplicationCommandData().Name {
		case DiscordSlashCommandHours:
			return command{Capability: CapabilityHoursReport}, true
		case DiscordSlashCommandAdd:
			return command{Capability: CapabilityAddParticipant}, true
		case DiscordSlashCommandRename:
			return command{Capability: CapabilityRename}, true
		}
	}
	return command{}, false
}

// slashCommands returns the application commands registered on startup
func slashCommands() []*discordgo.ApplicationCommand {
	guildOnly := &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandHours,
			Description: "Gera um relatório de horas de serviço por período.",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionStartDate,
					Description: "A data de início do período (DD/MM/YYYY).",
					Required:    true,
					MaxLength:   10,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionEndDate,
					Description: "A data de fim do período (DD/MM/YYYY).",
					Required:    true,
					MaxLength:   10,
				},
			},
		},
		{
			Name:        DiscordSlashCommandAdd,
			Description: "Adiciona um usuário ou cargo ao ticket atual.",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionMentionable,
					Name:        optionMemberOrRole,
					Description: "O usuário ou cargo a ser adicionado.",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandRename,
			Description: "Muda o nome do canal do ticket atual.",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionNewName,
					Description: "O novo nome para o canal do ticket.",
					Required:    true,
					MaxLength:   ticketChannelNameMax,
				},
			},
		},
	}
}

// handleInteraction logs the interaction, then dispatches it to the
// handler for the capability it requests
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	u := interactionUser(i)
	if u == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(u))

	cmd, known := resolveCommand(i)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, u, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		interactionLog.Capability = string(cmd.Capability)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(
				context.WithoutCancel(ctx),
				interactionLog,
			); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if u.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", u)
		return
	}

	if !known {
		logger.WarnContext(ctx, "unknown interaction, ignoring")
		return
	}

	if b.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
				msg := b.RuntimeConfig().DiscordErrorMessage
				if respondEphemeral(ctx, handler, msg) != nil {
					_ = editContent(ctx, handler, msg)
				}
			}
		}()
	}

	logger.InfoContext(ctx, "dispatching", "capability", cmd.Capability, "category", cmd.Category)
	b.dispatch(ctx, handler, cmd)
}

func (b *Bot) dispatch(ctx context.Context, h InteractionHandler, cmd command) {
	switch cmd.Capability {
	case CapabilityClockIn:
		b.punchIn(ctx, h)
	case CapabilityClockOut:
		b.punchOut(ctx, h)
	case CapabilityCreateTicket:
		b.createTicket(ctx, h)
	case CapabilityCloseTicket:
		b.closeTicket(ctx, h)
	case CapabilityTranscriptTicket:
		b.transcriptTicket(ctx, h)
	case CapabilityAddParticipant:
		b.addToTicket(ctx, h)
	case CapabilityRename:
		b.renameTicket(ctx, h)
	case CapabilityHoursReport:
		b.hoursReport(ctx, h)
	}
}

// hoursReport handles /horas data_inicio data_fim
func (b *Bot) hoursReport(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := loggerFrom(ctx, b.logger)

	if !hasRole(i.Member, b.config.Discord.RoleID) {
		_ = respondEphemeral(ctx, h, hoursNoPermission)
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}

	opts := discordInteractionOptions(i)
	startOpt, hasStart := opts[optionStartDate]
	endOpt, hasEnd := opts[optionEndDate]
	if !hasStart || !hasEnd {
		_ = editContent(ctx, h, hoursInvalidDate)
		return
	}
	start, startErr := ParseReportDate(startOpt.StringValue(), b.loc)
	end, endErr := ParseReportDate(endOpt.StringValue(), b.loc)
	if startErr != nil || endErr != nil {
		_ = editContent(ctx, h, hoursInvalidDate)
		return
	}

	report, err := b.reports.Generate(ctx, start, end)
	switch {
	case errors.Is(err, ErrEmptyRange):
		_ = editContent(ctx, h, hoursEmptyRange)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error generating report", tint.Err(err))
		_ = editContent(ctx, h, fmt.Sprintf(hoursFailed, err))
		return
	case len(report.Entries) == 0:
		_ = editContent(ctx, h, hoursNoRecords)
		return
	}

	embeds := []*discordgo.MessageEmbed{ReportEmbed(report)}
	if _, err = h.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		logger.ErrorContext(ctx, "error sending report", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "report sent", "entries", len(report.Entries))
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack_trace", stackTrace,
	)
}
