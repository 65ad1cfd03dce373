package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"slices"
	"strings"
	"time"
)

const (
	transcriptPageSize   = 100
	transcriptMaxPages   = 100
	transcriptTimeLayout = "02/01/2006 15:04:05"
	transcriptEmbedDesc  = 100
)

var errNoTranscriptChannel = errors.New("no transcripts channel configured")

// transcript is a text rendering of a ticket channel's history
type transcript struct {
	ChannelName string
	Ticket      *Ticket
	ClosedAt    time.Time

	// Messages in chronological order
	Messages []*discordgo.Message

	// BotID identifies the bot's own welcome and close messages,
	// which are left out
	BotID    string
	Location *time.Location
	Texts    *TicketMessages
}

func (t transcript) skip(m *discordgo.Message) bool {
	if m.Author == nil || t.BotID == "" || m.Author.ID != t.BotID {
		return false
	}
	if m.Content == t.Texts.CloseMessage {
		return true
	}
	return len(m.Embeds) > 0 && t.Texts.isWelcomeTitle(m.Embeds[0].Title)
}

func (t transcript) String() string {
	var sb strings.Builder
	creatorName, creatorID, category, createdAt := "Desconhecido", "Desconhecido ID", "N/A", "N/A"
	if t.Ticket != nil {
		creatorName = t.Ticket.CreatorName
		creatorID = t.Ticket.CreatorID
		category = t.Ticket.Category
		createdAt = t.Ticket.CreatedAt.In(t.Location).Format(transcriptTimeLayout)
	}

	fmt.Fprintf(&sb, "--- Transcrito do Ticket: %s (%s) ---\n", t.ChannelName, category)
	fmt.Fprintf(&sb, "Criado por: %s (%s) em %s\n", creatorName, creatorID, createdAt)
	fmt.Fprintf(&sb, "Fechado em: %s\n\n", t.ClosedAt.In(t.Location).Format(transcriptTimeLayout))

	for _, m := range t.Messages {
		if t.skip(m) {
			continue
		}
		author := "Desconhecido"
		if m.Author != nil {
			author = memberDisplayName(m.Member, m.Author)
		}
		fmt.Fprintf(
			&sb,
			"[%s] %s: %s\n",
			m.Timestamp.In(t.Location).Format(transcriptTimeLayout),
			author,
			m.Content,
		)
		for _, a := range m.Attachments {
			fmt.Fprintf(&sb, "     [Anexo: %s]\n", a.URL)
		}
		for _, e := range m.Embeds {
			title := e.Title
			if title == "" {
				title = "Sem Título"
			}
			fmt.Fprintf(
				&sb,
				"     [Embed: Título='%s', Descrição='%s']\n",
				title,
				ellipsize(e.Description, transcriptEmbedDesc+3),
			)
		}
	}
	sb.WriteString("\n--- Fim do Transcrito ---\n")
	return sb.String()
}

// channelHistory returns the channel's messages, oldest first
func (b *Bot) channelHistory(ctx context.Context, channelID string) (
	[]*discordgo.Message,
	error,
) {
	var all []*discordgo.Message
	before := ""
	for page := 0; page < transcriptMaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := b.discord.session.ChannelMessages(
			channelID,
			transcriptPageSize,
			before,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("error fetching messages: %w", err)
		}
		all = append(all, msgs...)
		if len(msgs) < transcriptPageSize {
			break
		}
		before = msgs[len(msgs)-1].ID
	}
	slices.Reverse(all)
	return all, nil
}

// postTranscript sends the ticket channel's transcript, as a text file
// with an embed, to the transcripts channel
func (b *Bot) postTranscript(ctx context.Context, ticket *Ticket) error {
	transcriptsChannelID := b.config.Discord.TicketTranscriptsChannelID
	if transcriptsChannelID == "" {
		return errNoTranscriptChannel
	}
	session := b.discord.session

	channelName := ticket.ChannelID
	if ch, err := session.Channel(ticket.ChannelID); err == nil {
		channelName = ch.Name
	}

	history, err := b.channelHistory(ctx, ticket.ChannelID)
	if err != nil {
		return err
	}

	now := b.now()
	t := transcript{
		ChannelName: channelName,
		Ticket:      ticket,
		ClosedAt:    now,
		Messages:    history,
		BotID:       b.discord.BotUserID(),
		Location:    b.loc,
		Texts:       b.ticketMessages,
	}
	embed := b.ticketMessages.Transcript.render(
		strings.NewReplacer(
			placeholderChannel, channelName,
			placeholderCreator, ticket.CreatorName,
			placeholderCategory, ticket.Category,
			placeholderDateTime, now.In(b.loc).Format(ticketFooterTimeLayout),
		),
	)

	_, err = session.ChannelMessageSendComplex(
		transcriptsChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Files: []*discordgo.File{
				{
					Name:        channelName + ".txt",
					ContentType: "text/plain; charset=utf-8",
					Reader:      strings.NewReader(t.String()),
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error sending transcript: %w", err)
	}
	loggerFrom(ctx, b.ticketLogger).InfoContext(
		ctx,
		"transcript posted",
		"ticket", ticket,
		"messages", len(history),
	)
	return nil
}
