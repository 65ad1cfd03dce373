package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func TestPunch_InOut(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	ctx := context.Background()
	member := newTestMember("200")

	in := newStubInteractionHandler(t, newComponentInteraction(member, testPunchChannelID, customIDPunchIn))
	bot.punchIn(ctx, in)
	assert.Equal(t, "Você entrou em serviço em: 10/03/2025 09:00:00", in.respondedContent(t))

	clock.Advance(2*time.Hour + 5*time.Minute + 7*time.Second)

	out := newStubInteractionHandler(t, newComponentInteraction(member, testPunchChannelID, customIDPunchOut))
	bot.punchOut(ctx, out)
	assert.Equal(
		t,
		"Você saiu de serviço em: 10/03/2025 11:05:07. Tempo em serviço: 2h 5m 7s",
		out.respondedContent(t),
	)

	logs := session.SentTo(testPunchLogsChannelID)
	require.Len(t, logs, 2)
	assert.Equal(t, "🟢 **Agente 200** (`200`) entrou em serviço em: `10/03/2025 09:00:00`.", logs[0])
	assert.Equal(
		t,
		"🔴 **Agente 200** (`200`) saiu de serviço em: `10/03/2025 11:05:07`. Tempo total: `2h 5m 7s`.",
		logs[1],
	)

	shifts, err := bot.clock.ListBySubject(ctx, "200", clock.Now().Add(-24*time.Hour), clock.Now())
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, ShiftClosedBySubject, shifts[0].ClosedBy)
	assert.Equal(t, "Agente 200", shifts[0].SubjectName)
}

func TestPunch_NicknameUsedAsName(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	member := newTestMember("201")
	member.Nick = "Sgt. Silva"

	h := newStubInteractionHandler(t, newComponentInteraction(member, testPunchChannelID, customIDPunchIn))
	bot.punchIn(context.Background(), h)
	_ = h.respondedContent(t)

	logs := session.SentTo(testPunchLogsChannelID)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "**Sgt. Silva**")
}

func TestPunch_DoubleIn(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	ctx := context.Background()
	member := newTestMember("202")

	first := newStubInteractionHandler(t, newComponentInteraction(member, testPunchChannelID, customIDPunchIn))
	bot.punchIn(ctx, first)
	_ = first.respondedContent(t)

	clock.Advance(time.Minute)
	second := newStubInteractionHandler(t, newComponentInteraction(member, testPunchChannelID, customIDPunchIn))
	bot.punchIn(ctx, second)
	assert.Equal(t, punchAlreadyInReply, second.respondedContent(t))

	assert.Len(t, session.SentTo(testPunchLogsChannelID), 1)
	open, err := bot.clock.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.WithinDuration(t, clock.Now().Add(-time.Minute), open[0].ClockInAt, 0)
}

func TestPunch_OutWithoutIn(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(newTestMember("203"), testPunchChannelID, customIDPunchOut),
	)
	bot.punchOut(context.Background(), h)
	assert.Equal(t, punchNotInReply, h.respondedContent(t))
	assert.Empty(t, session.SentTo(testPunchLogsChannelID))
}

func TestPunch_LogFailureKeepsShift(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	session.failWith("ChannelMessageSend", restError(http.StatusForbidden))
	ctx := context.Background()

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(newTestMember("204"), testPunchChannelID, customIDPunchIn),
	)
	bot.punchIn(ctx, h)
	assert.Contains(t, h.respondedContent(t), "Você entrou em serviço")

	rec, err := bot.clock.FindOpen(ctx, "204")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestPunch_NoLogsChannel(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.PunchLogsChannelID = ""
	bot, session, _ := newTestBotWithConfig(t, cfg)

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(newTestMember("205"), testPunchChannelID, customIDPunchIn),
	)
	bot.punchIn(context.Background(), h)
	_ = h.respondedContent(t)
	assert.Empty(t, session.Sent())
}

func TestSetupPunchPanel(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	assert.Equal(t, punchSetupSent, bot.setupPunchPanel(ctx))
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testPunchChannelID, sent[0].ChannelID)
	require.Len(t, sent[0].Data.Embeds, 1)
	assert.Equal(t, punchPanelTitle, sent[0].Data.Embeds[0].Title)
	require.Len(t, sent[0].Data.Components, 1)

	messageID := bot.RuntimeConfig().PunchPanelMessageID
	require.NotEmpty(t, messageID)

	assert.Equal(t, punchSetupUpdated, bot.setupPunchPanel(ctx))
	edits := session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, messageID, edits[0].ID)
	assert.Equal(t, testPunchChannelID, edits[0].Channel)
	assert.Len(t, session.Sent(), 1)

	// the panel message was deleted by hand
	session.failWith("ChannelMessageEditComplex", restError(http.StatusNotFound))
	assert.Equal(t, punchSetupRecreated, bot.setupPunchPanel(ctx))
	assert.Len(t, session.Sent(), 2)
	newID := bot.RuntimeConfig().PunchPanelMessageID
	assert.NotEqual(t, messageID, newID)

	// the saved ID survives a reload
	var stored RuntimeConfig
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.Equal(t, newID, stored.PunchPanelMessageID)
}

func TestSetupPunchPanel_EditFails(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	require.Equal(t, punchSetupSent, bot.setupPunchPanel(ctx))
	session.failWith("ChannelMessageEditComplex", restError(http.StatusForbidden))

	reply := bot.setupPunchPanel(ctx)
	assert.Contains(t, reply, "Erro ao enviar/atualizar mensagem de picagem de ponto")
	assert.Len(t, session.Sent(), 1)
}

func TestSetupPunchPanel_ChannelNotFound(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.PunchChannelID = "100000000000000099"
	bot, session, _ := newTestBotWithConfig(t, cfg)

	assert.Equal(
		t,
		fmt.Sprintf(punchSetupChannelNotFound, "100000000000000099"),
		bot.setupPunchPanel(context.Background()),
	)
	assert.Empty(t, session.Sent())
}

func TestDiscordOverdueNotifier(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	ctx := context.Background()
	n := discordOverdueNotifier{b: bot, logger: slog.Default()}

	rec := ShiftRecord{
		ID:          "shift-1",
		SubjectID:   "206",
		SubjectName: "Agente 206",
		ClockInAt:   clock.Now(),
	}
	require.NoError(t, n.NotifyOverdue(ctx, rec, 13*time.Hour))
	dms := session.SentTo("dm-206")
	require.Len(t, dms, 1)
	assert.Contains(t, dms[0], "`10/03/2025 09:00:00`")
	assert.Contains(t, dms[0], "`13h 0m 0s`")

	closedAt := clock.Now().Add(13 * time.Hour)
	rec.ClockOutAt = &closedAt
	require.NoError(t, n.NotifyAutoClosed(ctx, rec, 13*time.Hour))
	logs := session.SentTo(testPunchLogsChannelID)
	require.Len(t, logs, 1)
	assert.Equal(
		t,
		"⏱️ **Agente 206** (`206`) teve o serviço encerrado automaticamente em: `10/03/2025 22:00:00`. Tempo total: `13h 0m 0s`.",
		logs[0],
	)
}

func TestDiscordOverdueNotifier_DMsDisabled(t *testing.T) {
	t.Parallel()
	bot, session, clock := newTestBot(t)
	n := discordOverdueNotifier{b: bot, logger: slog.Default()}

	dmErr := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeCannotSendMessagesToThisUser},
	}
	session.failWith("ChannelMessageSend", dmErr)

	err := n.NotifyOverdue(
		context.Background(),
		ShiftRecord{ID: "shift-2", SubjectID: "207", ClockInAt: clock.Now()},
		time.Hour,
	)
	require.Error(t, err)
	var restErr *discordgo.RESTError
	assert.True(t, errors.As(err, &restErr))
}
