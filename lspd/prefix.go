package lspd

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
	"time"
)

const (
	prefixCommandClear        = "clear"
	prefixCommandMascot       = "mascote"
	prefixCommandClearPunchDB = "clearpunchdb"
	prefixCommandSetupPunch   = "setuppunch"
	prefixCommandSetupTickets = "setuptickets"
	prefixCommandClearTickets = "cleartickets"

	// discord refuses to bulk delete messages older than two weeks
	bulkDeleteMaxAge   = 14 * 24 * time.Hour
	bulkDeleteMaxCount = 100

	prefixGuildOnly         = "Este comando só pode ser usado num servidor."
	prefixNoRole            = "🚫 Não tens permissões para usar este comando. Requer o cargo autorizado."
	prefixNoAdmin           = "🚫 Não tens permissões para isso. Requer permissões de administrador."
	prefixClearUsage        = "Por favor, especifique um número positivo de mensagens para limpar."
	prefixClearDone         = "✅ Foram limpas %d mensagens."
	prefixClearForbidden    = "❌ Não tenho permissão para gerenciar mensagens neste canal. Por favor, verifique as minhas permissões."
	prefixClearFailed       = "❌ Ocorreu um erro ao tentar limpar mensagens: %s"
	prefixMascot            = "A atual mascote da LSPD é o SKIBIDI ZEKA!"
	prefixMascotNoRole      = "🚫 Não tens permissões para isso."
	prefixClearPunchDBDone  = "✅ Base de dados de picagem de ponto limpa. %d registos removidos."
	prefixClearPunchDBError = "❌ Erro ao limpar a base de dados de picagem de ponto."
	prefixClearTicketsStart = "A iniciar limpeza de %d tickets..."
)

// prefixCommand is a parsed "!name arg..." message
type prefixCommand struct {
	Name string
	Args []string
}

// parsePrefixCommand parses content as a prefix command, returning
// false if it doesn't start with prefix or has no command name
func parsePrefixCommand(prefix, content string) (prefixCommand, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return prefixCommand{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return prefixCommand{}, false
	}
	return prefixCommand{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// handleDiscordMessage runs prefix commands received over the gateway.
// Messages from bots, or without the command prefix, are ignored.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	cmd, ok := parsePrefixCommand(b.config.Discord.CommandPrefix, m.Content)
	if !ok {
		return
	}

	logger := b.logger.With(
		"prefix_command", cmd.Name,
		"user_id", m.Author.ID,
		"channel_id", m.ChannelID,
	)
	ctx = WithLogger(ctx, logger)

	switch cmd.Name {
	case prefixCommandClear, prefixCommandMascot:
		if m.GuildID == "" || m.Member == nil {
			b.reply(ctx, m, prefixGuildOnly)
			return
		}
	case prefixCommandClearPunchDB, prefixCommandSetupPunch,
		prefixCommandSetupTickets, prefixCommandClearTickets:
		if !b.requireAdministrator(ctx, m) {
			return
		}
	default:
		return
	}
	logger.InfoContext(ctx, "running prefix command", "args", cmd.Args)

	if b.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
	}

	switch cmd.Name {
	case prefixCommandClear:
		b.clearCommand(ctx, m, cmd.Args)
	case prefixCommandMascot:
		if !hasRole(m.Member, b.config.Discord.RoleID) {
			b.reply(ctx, m, prefixMascotNoRole)
			return
		}
		b.reply(ctx, m, prefixMascot)
	case prefixCommandClearPunchDB:
		rows, err := b.clock.ClearAll(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "error clearing shift records", tint.Err(err))
			b.reply(ctx, m, prefixClearPunchDBError)
			return
		}
		logger.WarnContext(ctx, "cleared all shift records", "rows", rows)
		b.reply(ctx, m, fmt.Sprintf(prefixClearPunchDBDone, rows))
	case prefixCommandSetupPunch:
		b.reply(ctx, m, b.setupPunchPanel(ctx))
	case prefixCommandSetupTickets:
		b.reply(ctx, m, b.setupTicketPanel(ctx))
	case prefixCommandClearTickets:
		b.clearTicketsCommand(ctx, m)
	}
}

// requireAdministrator checks the message author is a guild
// administrator, replying when they aren't
func (b *Bot) requireAdministrator(ctx context.Context, m *discordgo.MessageCreate) bool {
	if m.GuildID == "" || m.Member == nil {
		b.reply(ctx, m, prefixGuildOnly)
		return false
	}
	member := *m.Member
	if member.User == nil {
		member.User = m.Author
	}
	isAdmin, err := b.discord.isAdministrator(m.GuildID, &member)
	if err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error checking permissions", tint.Err(err))
		b.reply(ctx, m, b.RuntimeConfig().DiscordErrorMessage)
		return false
	}
	if !isAdmin {
		b.reply(ctx, m, prefixNoAdmin)
		return false
	}
	return true
}

func (b *Bot) reply(ctx context.Context, m *discordgo.MessageCreate, content string) {
	_, err := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   ellipsize(content, discordMaxMessageLength),
			Reference: m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				RepliedUser: false,
			},
		},
	)
	if err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error replying to message", tint.Err(err))
	}
}

// clearCommand handles "!clear N", deleting the last N messages plus
// the command message itself
func (b *Bot) clearCommand(ctx context.Context, m *discordgo.MessageCreate, args []string) {
	logger := loggerFrom(ctx, b.logger)
	if !hasRole(m.Member, b.config.Discord.RoleID) {
		b.reply(ctx, m, prefixNoRole)
		return
	}
	if len(args) == 0 {
		b.reply(ctx, m, prefixClearUsage)
		return
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount <= 0 {
		b.reply(ctx, m, prefixClearUsage)
		return
	}

	deleted, err := b.purgeMessages(ctx, m.ChannelID, amount+1)
	switch {
	case err == nil:
	case isForbidden(err):
		logger.ErrorContext(ctx, "forbidden purging messages", tint.Err(err))
		b.send(ctx, m.ChannelID, prefixClearForbidden)
		return
	default:
		logger.ErrorContext(ctx, "error purging messages", tint.Err(err), "deleted", deleted)
		b.send(ctx, m.ChannelID, fmt.Sprintf(prefixClearFailed, err))
		return
	}

	logger.InfoContext(ctx, "purged messages", "deleted", deleted)
	b.send(ctx, m.ChannelID, fmt.Sprintf(prefixClearDone, max(deleted-1, 0)))
}

// send posts content to the channel without replying to a message.
// Used once the command message may have been deleted.
func (b *Bot) send(ctx context.Context, channelID, content string) {
	if _, err := b.discord.session.ChannelMessageSend(channelID, content); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error sending message", tint.Err(err))
	}
}

// purgeMessages deletes up to limit of the channel's most recent
// messages. Messages young enough are bulk deleted in chunks of up to
// 100, older ones are deleted one at a time.
func (b *Bot) purgeMessages(ctx context.Context, channelID string, limit int) (int, error) {
	session := b.discord.session
	cutoff := b.now().Add(-bulkDeleteMaxAge)
	deleted := 0
	before := ""

	for remaining := limit; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		page := min(remaining, bulkDeleteMaxCount)
		msgs, err := session.ChannelMessages(
			channelID,
			page,
			before,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return deleted, err
		}
		if len(msgs) == 0 {
			break
		}
		before = msgs[len(msgs)-1].ID
		remaining -= len(msgs)

		var recent, old []string
		for _, msg := range msgs {
			if msg.Timestamp.After(cutoff) {
				recent = append(recent, msg.ID)
			} else {
				old = append(old, msg.ID)
			}
		}
		for _, chunk := range chunkItems(bulkDeleteMaxCount, recent...) {
			if len(chunk) == 1 {
				old = append(old, chunk[0])
				continue
			}
			if err = session.ChannelMessagesBulkDelete(channelID, chunk); err != nil {
				return deleted, err
			}
			deleted += len(chunk)
		}
		for _, id := range old {
			if err = session.ChannelMessageDelete(channelID, id); err != nil && !isNotFound(err) {
				return deleted, err
			}
			deleted++
		}

		if len(msgs) < page {
			break
		}
	}
	return deleted, nil
}

// clearTicketsCommand handles !cleartickets
func (b *Bot) clearTicketsCommand(ctx context.Context, m *discordgo.MessageCreate) {
	logger := loggerFrom(ctx, b.ticketLogger)
	open, err := b.tickets.ListOpen(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error listing tickets", tint.Err(err))
		b.reply(ctx, m, b.RuntimeConfig().DiscordErrorMessage)
		return
	}
	if len(open) == 0 {
		b.reply(ctx, m, ticketClearNone)
		return
	}

	b.reply(ctx, m, fmt.Sprintf(prefixClearTicketsStart, len(open)))
	cleared, err := b.clearTickets(ctx)
	if err != nil {
		logger.WarnContext(ctx, "tickets cleared with errors", tint.Err(err), "cleared", cleared)
	} else {
		logger.InfoContext(ctx, "tickets cleared", "cleared", cleared)
	}
	b.send(ctx, m.ChannelID, clearTicketsReply(cleared, err))
}
