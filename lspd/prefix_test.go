package lspd

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
	"time"
)

const (
	testCommandChannelID = "100000000000000700"
	testAdminRoleID      = "100000000000000701"
)

// newTestMessage returns a guild message from member in the command
// channel
func newTestMessage(member *discordgo.Member, content string) *discordgo.MessageCreate {
	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg_" + member.User.ID,
			ChannelID: testCommandChannelID,
			GuildID:   testGuildID,
			Content:   content,
			Author:    member.User,
		},
	}
	// message members don't carry the user
	m.Member = &discordgo.Member{Roles: member.Roles, Nick: member.Nick}
	return m
}

// withAdminRole makes testAdminRoleID an administrator role in the
// mock guild
func withAdminRole(session *mockDiscordSession) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.roles = []*discordgo.Role{
		{ID: testGuildID, Name: "@everyone"},
		{ID: testAdminRoleID, Name: "Comando", Permissions: discordgo.PermissionAdministrator},
	}
}

func TestParsePrefixCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		content string
		want    prefixCommand
		ok      bool
	}{
		{content: "!clear 10", want: prefixCommand{Name: "clear", Args: []string{"10"}}, ok: true},
		{content: "!MASCOTE", want: prefixCommand{Name: "mascote", Args: []string{}}, ok: true},
		{content: "!  setuppunch  ", want: prefixCommand{Name: "setuppunch", Args: []string{}}, ok: true},
		{content: "clear 10"},
		{content: "!"},
		{content: ""},
	}
	for _, tc := range tests {
		t.Run(
			tc.content, func(t *testing.T) {
				t.Parallel()
				got, ok := parsePrefixCommand("!", tc.content)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestPrefix_Mascot(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	m := newTestMessage(newTestMember("700", testRoleID), "!mascote")
	bot.handleDiscordMessage(ctx, m)
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, prefixMascot, sent[0].Content)
	require.NotNil(t, sent[0].Data.Reference)
	assert.Equal(t, m.ID, sent[0].Data.Reference.MessageID)

	bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("701"), "!mascote"))
	assert.Equal(t, prefixMascotNoRole, session.SentTo(testCommandChannelID)[1])
}

func TestPrefix_Ignored(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	botMember := newTestMember("702", testRoleID)
	botMember.User.Bot = true
	bot.handleDiscordMessage(ctx, newTestMessage(botMember, "!mascote"))
	bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("703", testRoleID), "mascote"))
	bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("703", testRoleID), "!chat olá"))
	bot.handleDiscordMessage(ctx, &discordgo.MessageCreate{Message: &discordgo.Message{Content: "!mascote"}})

	assert.Empty(t, session.Sent())
}

func TestPrefix_GuildOnly(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)

	m := newTestMessage(newTestMember("704", testRoleID), "!clear 5")
	m.GuildID = ""
	m.Member = nil
	bot.handleDiscordMessage(context.Background(), m)
	assert.Equal(t, []string{prefixGuildOnly}, session.SentTo(testCommandChannelID))
}

func TestPrefix_Clear(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	now := clock.Now()

	var history []*discordgo.Message
	for idx := range 3 {
		history = append(
			history, &discordgo.Message{
				Content:   fmt.Sprintf("antiga %d", idx),
				Timestamp: now.Add(-20 * 24 * time.Hour).Add(time.Duration(idx) * time.Minute),
			},
		)
	}
	for idx := range 5 {
		history = append(
			history, &discordgo.Message{
				Content:   fmt.Sprintf("recente %d", idx),
				Timestamp: now.Add(-time.Hour).Add(time.Duration(idx) * time.Minute),
			},
		)
	}
	m := newTestMessage(newTestMember("705", testRoleID), "!clear 6")
	history = append(history, &discordgo.Message{ID: m.ID, Content: m.Content, Timestamp: now})
	session.addHistory(testCommandChannelID, history...)

	bot.handleDiscordMessage(context.Background(), m)
	assert.Equal(t, []string{"✅ Foram limpas 6 mensagens."}, session.SentTo(testCommandChannelID))

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.bulkDeleted, 1)
	assert.Len(t, session.bulkDeleted[0], 6)
	assert.Contains(t, session.bulkDeleted[0], m.ID)
	assert.Len(t, session.deletedMessages, 1)

	remaining := session.history[testCommandChannelID]
	require.Len(t, remaining, 2)
	assert.Equal(t, "antiga 1", remaining[0].Content)
	assert.Equal(t, "antiga 0", remaining[1].Content)
}

func TestPrefix_ClearSingleRecentMessage(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)

	m := newTestMessage(newTestMember("706", testRoleID), "!clear 3")
	session.addHistory(
		testCommandChannelID,
		&discordgo.Message{ID: m.ID, Content: m.Content, Timestamp: clock.Now()},
	)
	bot.handleDiscordMessage(context.Background(), m)
	assert.Equal(t, []string{"✅ Foram limpas 0 mensagens."}, session.SentTo(testCommandChannelID))

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.bulkDeleted)
	assert.Equal(t, []string{m.ID}, session.deletedMessages)
}

func TestPrefix_ClearRejected(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	authorized := newTestMember("707", testRoleID)

	bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("708"), "!clear 5"))
	for _, content := range []string{"!clear", "!clear muitas", "!clear 0", "!clear -3"} {
		bot.handleDiscordMessage(ctx, newTestMessage(authorized, content))
	}
	assert.Equal(
		t,
		[]string{
			prefixNoRole,
			prefixClearUsage,
			prefixClearUsage,
			prefixClearUsage,
			prefixClearUsage,
		},
		session.SentTo(testCommandChannelID),
	)
}

func TestPrefix_ClearForbidden(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	session.addHistory(
		testCommandChannelID,
		&discordgo.Message{Content: "a", Timestamp: clock.Now()},
		&discordgo.Message{Content: "b", Timestamp: clock.Now()},
	)
	session.failWith("ChannelMessagesBulkDelete", restError(http.StatusForbidden))

	bot.handleDiscordMessage(context.Background(), newTestMessage(newTestMember("709", testRoleID), "!clear 1"))
	assert.Equal(t, []string{prefixClearForbidden}, session.SentTo(testCommandChannelID))
}

func TestPrefix_AdminCommandsRequireAdministrator(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	withAdminRole(session)
	ctx := context.Background()

	for _, name := range []string{"clearpunchdb", "setuppunch", "setuptickets", "cleartickets"} {
		bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("710", testRoleID), "!"+name))
	}
	sent := session.SentTo(testCommandChannelID)
	require.Len(t, sent, 4)
	for _, s := range sent {
		assert.Equal(t, prefixNoAdmin, s)
	}
	assert.Empty(t, session.SentTo(testPunchChannelID))

	session.mu.Lock()
	assert.Equal(t, 1, session.guildRoleCalls)
	session.mu.Unlock()
}

func TestPrefix_AdminCheckFails(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	session.failWith("GuildRoles", restError(http.StatusInternalServerError))

	bot.handleDiscordMessage(context.Background(), newTestMessage(newTestMember("711"), "!clearpunchdb"))
	assert.Equal(
		t,
		[]string{bot.RuntimeConfig().DiscordErrorMessage},
		session.SentTo(testCommandChannelID),
	)
}

func TestPrefix_ClearPunchDB(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	withAdminRole(session)
	ctx := context.Background()

	addClosedShift(t, bot.clock, "720", "Agente 720", clock.Now().Add(-48*time.Hour), time.Hour)
	_, err := bot.tracker.ClockIn(ctx, "721", "Agente 721", clock.Now())
	require.NoError(t, err)

	bot.handleDiscordMessage(ctx, newTestMessage(newTestMember("722", testAdminRoleID), "!clearpunchdb"))
	assert.Equal(
		t,
		[]string{"✅ Base de dados de picagem de ponto limpa. 2 registos removidos."},
		session.SentTo(testCommandChannelID),
	)

	open, err := bot.clock.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPrefix_SetupPanelsAsOwner(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	session.mu.Lock()
	session.guild = &discordgo.Guild{ID: testGuildID, OwnerID: "730"}
	session.mu.Unlock()
	ctx := context.Background()

	owner := newTestMember("730")
	bot.handleDiscordMessage(ctx, newTestMessage(owner, "!setuppunch"))
	bot.handleDiscordMessage(ctx, newTestMessage(owner, "!setuptickets"))

	assert.Equal(
		t,
		[]string{punchSetupSent, ticketSetupSent},
		session.SentTo(testCommandChannelID),
	)
	assert.Len(t, session.SentTo(testPunchChannelID), 1)
	assert.Len(t, session.SentTo(testTicketPanelChannelID), 1)
}

func TestPrefix_ClearTickets(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	withAdminRole(session)
	ctx := context.Background()
	admin := newTestMember("740", testAdminRoleID)

	bot.handleDiscordMessage(ctx, newTestMessage(admin, "!cleartickets"))
	assert.Equal(t, []string{ticketClearNone}, session.SentTo(testCommandChannelID))

	openTestTicket(t, bot, newTestMember("741"), "Eventos")
	openTestTicket(t, bot, newTestMember("742"), "Eventos")
	bot.handleDiscordMessage(ctx, newTestMessage(admin, "!cleartickets"))

	assert.Equal(
		t,
		[]string{
			ticketClearNone,
			"A iniciar limpeza de 2 tickets...",
			"Limpeza concluída! 2 tickets limpos.",
		},
		session.SentTo(testCommandChannelID),
	)
	assert.Len(t, session.DeletedChannels(), 2)
}

func TestPurgeMessages_Pages(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)

	total := bulkDeleteMaxCount + 30
	msgs := make([]*discordgo.Message, 0, total)
	for idx := range total {
		msgs = append(
			msgs, &discordgo.Message{
				Content:   fmt.Sprintf("m%d", idx),
				Timestamp: clock.Now().Add(-time.Duration(total-idx) * time.Second),
			},
		)
	}
	session.addHistory(testCommandChannelID, msgs...)

	deleted, err := bot.purgeMessages(context.Background(), testCommandChannelID, 120)
	require.NoError(t, err)
	assert.Equal(t, 120, deleted)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.bulkDeleted, 2)
	assert.Len(t, session.bulkDeleted[0], 100)
	assert.Len(t, session.bulkDeleted[1], 20)
	assert.Len(t, session.history[testCommandChannelID], 10)
}
