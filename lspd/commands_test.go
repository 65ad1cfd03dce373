package lspd

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestResolveCommand(t *testing.T) {
	t.Parallel()
	member := newTestMember("500")
	tests := []struct {
		name        string
		interaction *discordgo.InteractionCreate
		want        command
		known       bool
	}{
		{
			name:        "punch in",
			interaction: newComponentInteraction(member, testPunchChannelID, customIDPunchIn),
			want:        command{Capability: CapabilityClockIn},
			known:       true,
		},
		{
			name:        "punch out",
			interaction: newComponentInteraction(member, testPunchChannelID, customIDPunchOut),
			want:        command{Capability: CapabilityClockOut},
			known:       true,
		},
		{
			name: "ticket category",
			interaction: newComponentInteraction(
				member, testTicketPanelChannelID, customIDTicketCategorySelect, "Eventos",
			),
			want:  command{Capability: CapabilityCreateTicket, Category: "Eventos"},
			known: true,
		},
		{
			name:        "close ticket",
			interaction: newComponentInteraction(member, "c", customIDCloseTicket),
			want:        command{Capability: CapabilityCloseTicket},
			known:       true,
		},
		{
			name:        "transcript",
			interaction: newComponentInteraction(member, "c", customIDTranscriptTicket),
			want:        command{Capability: CapabilityTranscriptTicket},
			known:       true,
		},
		{
			name:        "horas",
			interaction: newSlashInteraction(member, "c", DiscordSlashCommandHours),
			want:        command{Capability: CapabilityHoursReport},
			known:       true,
		},
		{
			name:        "add",
			interaction: newSlashInteraction(member, "c", DiscordSlashCommandAdd),
			want:        command{Capability: CapabilityAddParticipant},
			known:       true,
		},
		{
			name:        "rename",
			interaction: newSlashInteraction(member, "c", DiscordSlashCommandRename),
			want:        command{Capability: CapabilityRename},
			known:       true,
		},
		{
			name:        "unknown button",
			interaction: newComponentInteraction(member, "c", "old_feedback_button"),
		},
		{
			name:        "unknown command",
			interaction: newSlashInteraction(member, "c", "chat"),
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				got, known := resolveCommand(tc.interaction)
				assert.Equal(t, tc.known, known)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestSlashCommands(t *testing.T) {
	t.Parallel()
	cmds := slashCommands()
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description)
		for _, o := range c.Options {
			assert.True(t, o.Required, "%s.%s", c.Name, o.Name)
		}
	}
	assert.Equal(
		t,
		[]string{DiscordSlashCommandHours, DiscordSlashCommandAdd, DiscordSlashCommandRename},
		names,
	)
}

func TestHandleInteraction_Ping(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	h := newStubInteractionHandler(
		t,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing},
		},
	)
	bot.handleInteraction(context.Background(), h)

	select {
	case r := <-h.callRespond:
		assert.Equal(t, discordgo.InteractionResponsePong, r.Type)
	default:
		t.Fatal("expected a pong")
	}
}

func TestHandleInteraction_LogsAndDispatches(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(newTestMember("501"), testPunchChannelID, customIDPunchIn),
	)
	bot.handleInteraction(ctx, h)
	assert.Contains(t, h.respondedContent(t), "Você entrou em serviço")
	assert.Len(t, session.SentTo(testPunchLogsChannelID), 1)

	var logs []InteractionLog
	require.NoError(t, bot.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "501", logs[0].UserID)
	assert.Equal(t, string(CapabilityClockIn), logs[0].Capability)
	assert.Equal(t, DiscordInteractionReceiveMethod("testcase"), logs[0].Method)
	assert.Equal(t, testPunchChannelID, logs[0].ChannelID)
	assert.Equal(t, "guild", logs[0].Context)
	assert.Contains(t, logs[0].Payload, customIDPunchIn)
}

func TestInteractionContextName(t *testing.T) {
	t.Parallel()
	tests := map[discordgo.InteractionContextType]string{
		discordgo.InteractionContextGuild:          "guild",
		discordgo.InteractionContextBotDM:          "bot_dm",
		discordgo.InteractionContextPrivateChannel: "private_channel",
		discordgo.InteractionContextType(9):        "unknown(9)",
	}
	for input, want := range tests {
		assert.Equal(t, want, interactionContextName(input))
	}

	i := newComponentInteraction(newTestMember("504"), testPunchChannelID, customIDPunchIn)
	i.Context = discordgo.InteractionContextBotDM
	entry, err := newInteractionLog(i, i.Member.User, newStubInteractionHandler(t, i))
	require.NoError(t, err)
	assert.Equal(t, "bot_dm", entry.Context)
}

func TestHandleInteraction_IgnoresBotsAndUnknown(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	botMember := newTestMember("502")
	botMember.User.Bot = true
	h := newStubInteractionHandler(t, newComponentInteraction(botMember, testPunchChannelID, customIDPunchIn))
	bot.handleInteraction(ctx, h)
	assert.Empty(t, h.callRespond)

	h = newStubInteractionHandler(t, newComponentInteraction(newTestMember("503"), "c", "old_feedback_button"))
	bot.handleInteraction(ctx, h)
	assert.Empty(t, h.callRespond)

	open, err := bot.clock.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// both are still logged
	var count int64
	require.NoError(t, bot.db.Model(&InteractionLog{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestHandleInteraction_NoUser(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	i := newComponentInteraction(nil, testPunchChannelID, customIDPunchIn)
	h := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.callRespond)
}

func TestHandleInteraction_RecoverPanic(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	recoverPanic := true
	errMsg := "Algo correu mal."
	_, err := bot.updateRuntimeConfig(
		ctx,
		RuntimeConfigUpdate{RecoverPanic: &recoverPanic, DiscordErrorMessage: &errMsg},
	)
	require.NoError(t, err)

	bot.tracker = nil
	h := newStubInteractionHandler(
		t,
		newComponentInteraction(newTestMember("504"), testPunchChannelID, customIDPunchIn),
	)
	require.NotPanics(t, func() { bot.handleInteraction(ctx, h) })
	assert.Equal(t, errMsg, h.respondedContent(t))
}

func horasInteraction(member *discordgo.Member, start, end string) *discordgo.InteractionCreate {
	return newSlashInteraction(
		member,
		testPunchChannelID,
		DiscordSlashCommandHours,
		stringOption(optionStartDate, start),
		stringOption(optionEndDate, end),
	)
}

func TestHoursReport(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	addClosedShift(t, bot.clock, "601", "Agente Silva", day, 2*time.Hour)
	addClosedShift(t, bot.clock, "602", "Agente Costa", day.Add(24*time.Hour), 5*time.Hour+30*time.Minute)
	addClosedShift(t, bot.clock, "601", "Agente Silva", day.Add(48*time.Hour), time.Hour)
	// outside the range
	addClosedShift(t, bot.clock, "603", "Agente Dias", day.Add(-72*time.Hour), time.Hour)

	h := newStubInteractionHandler(t, horasInteraction(newTestMember("600", testRoleID), "01/03/2025", "09/03/2025"))
	bot.hoursReport(ctx, h)

	deferred := <-h.callRespond
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, deferred.Type)

	edit := h.lastEdit(t)
	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, reportEmbedTitle, embeds[0].Title)
	assert.Equal(t, "**Período:** `01/03/2025 - 09/03/2025`", embeds[0].Description)
	require.Len(t, embeds[0].Fields, 1)
	assert.Equal(
		t,
		"**1. Agente Costa** (`602`)\nTempo Total: `5h 30m 0s`\n"+
			"**2. Agente Silva** (`601`)\nTempo Total: `3h 0m 0s`",
		embeds[0].Fields[0].Value,
	)
}

func TestHoursReport_Rejected(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	ctx := context.Background()
	authorized := newTestMember("610", testRoleID)

	h := newStubInteractionHandler(t, horasInteraction(newTestMember("611"), "01/03/2025", "09/03/2025"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursNoPermission, h.respondedContent(t))

	h = newStubInteractionHandler(t, horasInteraction(authorized, "2025-03-01", "09/03/2025"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursInvalidDate, h.lastEditContent(t))

	h = newStubInteractionHandler(t, horasInteraction(authorized, "31/02/2025", "09/03/2025"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursInvalidDate, h.lastEditContent(t))

	h = newStubInteractionHandler(t, horasInteraction(authorized, "10/03/2025", "09/03/2025"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursEmptyRange, h.lastEditContent(t))

	h = newStubInteractionHandler(t, horasInteraction(authorized, "01/01/2024", "31/01/2024"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursNoRecords, h.lastEditContent(t))

	h = newStubInteractionHandler(
		t,
		newSlashInteraction(
			authorized,
			testPunchChannelID,
			DiscordSlashCommandHours,
			stringOption(optionStartDate, "01/03/2025"),
		),
	)
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursInvalidDate, h.lastEditContent(t))
}

func TestHoursReport_OpenShiftsExcluded(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	ctx := context.Background()

	_, err := bot.tracker.ClockIn(ctx, "620", "Agente Aberto", clock.Now())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)

	h := newStubInteractionHandler(t, horasInteraction(newTestMember("621", testRoleID), "10/03/2025", "10/03/2025"))
	bot.hoursReport(ctx, h)
	assert.Equal(t, hoursNoRecords, h.lastEditContent(t))
}
