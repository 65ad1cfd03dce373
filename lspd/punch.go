package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	customIDPunchIn  = "punch_in_button"
	customIDPunchOut = "punch_out_button"

	punchPanelTitle       = "🕒 Sistema de Picagem de Ponto LSPD"
	punchPanelDescription = "Utiliza os botões abaixo para registar o início ou o fim do teu serviço."
	punchPanelFieldValue  = "Este sistema garante a organização e monitorização dos horários da LSPD."
	punchPanelFooter      = "Developed by Dyas"
	punchPanelColor       = 0x3498DB

	punchInReply        = "Você entrou em serviço em: %s"
	punchOutReply       = "Você saiu de serviço em: %s. Tempo em serviço: %s"
	punchAlreadyInReply = "Você já está em serviço! Utilize o botão de 'Sair' para registrar sua saída."
	punchNotInReply     = "Você não está em serviço! Utilize o botão de 'Entrar' para registrar sua entrada."

	punchInLog       = "🟢 **%s** (`%s`) entrou em serviço em: `%s`."
	punchOutLog      = "🔴 **%s** (`%s`) saiu de serviço em: `%s`. Tempo total: `%s`."
	punchAutoClosed  = "⏱️ **%s** (`%s`) teve o serviço encerrado automaticamente em: `%s`. Tempo total: `%s`."
	punchAdminClosed = "🛑 **%s** (`%s`) teve o serviço encerrado por um administrador em: `%s`. Tempo total: `%s`."
	punchOverdueDM   = "⚠️ Estás em serviço desde `%s` (há `%s`). Não te esqueças de registar a tua saída no painel de picagem de ponto."

	punchSetupChannelNotFound = "Erro: Canal de picagem de ponto com ID %s não encontrado."
	punchSetupUpdated         = "Mensagem de picagem de ponto atualizada com sucesso!"
	punchSetupSent            = "Mensagem de picagem de ponto enviada com sucesso!"
	punchSetupRecreated       = "Mensagem de picagem de ponto recriada com sucesso!"
	punchSetupFailed          = "Erro ao enviar/atualizar mensagem de picagem de ponto: %s"
)

// punchPanel returns the punch panel embed and its buttons
func punchPanel() (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	embed := &discordgo.MessageEmbed{
		Title:       punchPanelTitle,
		Description: punchPanelDescription,
		Color:       punchPanelColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "\u200b", Value: punchPanelFieldValue},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: punchPanelFooter},
	}
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Entrar em Serviço",
					Style:    discordgo.SuccessButton,
					Emoji:    &discordgo.ComponentEmoji{Name: "🟢"},
					CustomID: customIDPunchIn,
				},
				discordgo.Button{
					Label:    "Sair de Serviço",
					Style:    discordgo.DangerButton,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔴"},
					CustomID: customIDPunchOut,
				},
			},
		},
	}
	return embed, components
}

// formatTimestamp renders t in the display timezone
func (b *Bot) formatTimestamp(t time.Time) string {
	return t.In(b.loc).Format(displayTimestampLayout)
}

func (b *Bot) punchIn(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	u := interactionUser(i)
	name := memberDisplayName(i.Member, u)
	logger := loggerFrom(ctx, b.logger).With("subject_id", u.ID)

	rec, err := b.tracker.ClockIn(ctx, u.ID, name, b.now())
	switch {
	case errors.Is(err, ErrAlreadyOpen):
		logger.WarnContext(ctx, "clock-in while already in service")
		_ = respondEphemeral(ctx, h, punchAlreadyInReply)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error clocking in", tint.Err(err))
		_ = respondEphemeral(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}

	at := b.formatTimestamp(rec.ClockInAt)
	_ = respondEphemeral(ctx, h, fmt.Sprintf(punchInReply, at))
	b.sendPunchLog(ctx, fmt.Sprintf(punchInLog, name, u.ID, at))
}

func (b *Bot) punchOut(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	u := interactionUser(i)
	name := memberDisplayName(i.Member, u)
	logger := loggerFrom(ctx, b.logger).With("subject_id", u.ID)

	rec, d, err := b.tracker.ClockOut(ctx, u.ID, b.now())
	switch {
	case errors.Is(err, ErrNotOpen):
		logger.WarnContext(ctx, "clock-out while not in service")
		_ = respondEphemeral(ctx, h, punchNotInReply)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error clocking out", tint.Err(err))
		_ = respondEphemeral(ctx, h, b.RuntimeConfig().DiscordErrorMessage)
		return
	}

	at := b.formatTimestamp(*rec.ClockOutAt)
	total := FormatDuration(d)
	_ = respondEphemeral(ctx, h, fmt.Sprintf(punchOutReply, at, total))
	b.sendPunchLog(ctx, fmt.Sprintf(punchOutLog, name, u.ID, at, total))
}

// sendPunchLog posts to the punch logs channel, if one is configured.
// Failures are logged, the punch itself has already been recorded.
func (b *Bot) sendPunchLog(ctx context.Context, content string) {
	channelID := b.config.Discord.PunchLogsChannelID
	if channelID == "" {
		return
	}
	if _, err := b.discord.session.ChannelMessageSend(channelID, content); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(
			ctx,
			"error sending punch log",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// setupPunchPanel posts the punch panel, or edits the one already
// posted. A panel message that was deleted is recreated. Returns the
// reply to show the admin who ran the command.
func (b *Bot) setupPunchPanel(ctx context.Context) string {
	logger := loggerFrom(ctx, b.logger)
	channelID := b.config.Discord.PunchChannelID
	if channelID == "" {
		return fmt.Sprintf(punchSetupChannelNotFound, channelID)
	}
	if _, err := b.discord.session.Channel(channelID); err != nil {
		logger.ErrorContext(ctx, "punch channel not found", tint.Err(err), "channel_id", channelID)
		return fmt.Sprintf(punchSetupChannelNotFound, channelID)
	}

	embed, components := punchPanel()
	reply, err := b.upsertPanel(
		ctx,
		channelID,
		b.RuntimeConfig().PunchPanelMessageID,
		columnRuntimeConfigPunchPanelMessageID,
		embed,
		components,
		[3]string{punchSetupUpdated, punchSetupSent, punchSetupRecreated},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error setting up punch panel", tint.Err(err))
		return fmt.Sprintf(punchSetupFailed, err)
	}
	return reply
}

// upsertPanel edits the panel message messageID in channelID, or sends
// a new one when there's no ID yet or the message is gone. New message
// IDs are saved to the runtime config column. replies holds the
// updated/sent/recreated messages, in that order.
func (b *Bot) upsertPanel(
	ctx context.Context,
	channelID, messageID, column string,
	embed *discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
	replies [3]string,
) (string, error) {
	logger := loggerFrom(ctx, b.logger).With("channel_id", channelID, "column", column)
	session := b.discord.session

	reply := replies[1]
	if messageID != "" {
		_, err := session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:         messageID,
				Channel:    channelID,
				Embeds:     &[]*discordgo.MessageEmbed{embed},
				Components: &components,
			},
		)
		switch {
		case err == nil:
			logger.InfoContext(ctx, "panel updated", "message_id", messageID)
			return replies[0], nil
		case isNotFound(err):
			logger.WarnContext(ctx, "panel message not found, recreating", "message_id", messageID)
			reply = replies[2]
		default:
			return "", err
		}
	}

	msg, err := session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	)
	if err != nil {
		return "", err
	}
	if err = b.updateRuntimeConfigField(ctx, column, msg.ID); err != nil {
		return "", fmt.Errorf("panel sent, but its ID wasn't saved: %w", err)
	}
	logger.InfoContext(ctx, "panel sent", "message_id", msg.ID)
	return reply, nil
}

// discordOverdueNotifier delivers monitor notifications over discord
type discordOverdueNotifier struct {
	b      *Bot
	logger *slog.Logger
}

// NotifyOverdue sends the subject a DM. DMs fail when the user has
// them disabled, which the monitor logs and retries on the next tick.
func (n discordOverdueNotifier) NotifyOverdue(
	ctx context.Context,
	rec ShiftRecord,
	age time.Duration,
) error {
	session := n.b.discord.session
	ch, err := session.UserChannelCreate(rec.SubjectID)
	if err != nil {
		return fmt.Errorf("error opening DM channel: %w", err)
	}
	content := fmt.Sprintf(
		punchOverdueDM,
		n.b.formatTimestamp(rec.ClockInAt),
		FormatDuration(age),
	)
	if _, err = session.ChannelMessageSend(ch.ID, content); err != nil {
		return fmt.Errorf("error sending DM: %w", err)
	}
	n.logger.InfoContext(ctx, "notified subject of overdue shift", "subject_id", rec.SubjectID)
	return nil
}

func (n discordOverdueNotifier) NotifyAutoClosed(
	ctx context.Context,
	rec ShiftRecord,
	d time.Duration,
) error {
	channelID := n.b.config.Discord.PunchLogsChannelID
	if channelID == "" {
		n.logger.WarnContext(ctx, "no punch logs channel, auto-close not announced")
		return nil
	}
	at := rec.ClockInAt.Add(d)
	if rec.ClockOutAt != nil {
		at = *rec.ClockOutAt
	}
	_, err := n.b.discord.session.ChannelMessageSend(
		channelID,
		fmt.Sprintf(
			punchAutoClosed,
			rec.SubjectName,
			rec.SubjectID,
			n.b.formatTimestamp(at),
			FormatDuration(d),
		),
	)
	return err
}
