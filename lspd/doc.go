// Package lspd implements the LSPD community Discord bot.
//
// The bot tracks duty shifts ("picagem de ponto"): members clock in and
// out from a button panel, and the time spent in service is recorded per
// member. Administrators get per-period hour reports through the /horas
// command, or as JSON, XLSX and iCalendar exports from the admin API.
// A background monitor reminds members of shifts left open too long, or
// closes them, depending on configuration.
//
// It also runs a support ticket system: a category select menu opens a
// private channel per ticket, which staff can extend with /add, rename
// with /rename, and close with a transcript.
//
// Key components:
//
//   - Bot: wires the components together and runs the bot.
//   - ClockStore: persists shift records.
//   - ShiftTracker: clock-in and clock-out rules.
//   - Monitor: periodic overdue shift checks.
//   - ReportAggregator: per-subject totals over a date range.
//   - TicketStore: persists open tickets.
//   - Discord: the discord session, presence rotation and handlers.
//   - API: the admin HTTP API.
//   - DiscordWebhookServer: receives interactions over HTTP.
//
// Interactions can be received over the discord gateway, or via the
// webhook server. Prefix commands (!setuppunch, !setuptickets,
// !cleartickets, !clearpunchdb, !clear, !mascote) are only received
// over the gateway.
package lspd
