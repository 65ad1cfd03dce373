package lspd

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"sort"
	"strings"
	"time"
)

const (
	reportDateLayout       = "02/01/2006"
	reportEmbedColor       = 0x32CD32
	reportEmbedFieldMax    = 1024
	reportEmbedTitle       = "📊 Relatório de Horas de Serviço (LSPD)"
	reportEmbedFieldName   = "Membros em Serviço"
	reportEmbedFooter      = "Relatório gerado automaticamente pelo Sistema de Ponto LSPD."
	displayTimestampLayout = "02/01/2006 15:04:05"
)

// ReportEntry is one subject's total worked time in a report
type ReportEntry struct {
	SubjectID   string        `json:"subject_id"`
	SubjectName string        `json:"subject_name"`
	Total       time.Duration `json:"total"`
}

// Report is the output of ReportAggregator.Generate. Start and End
// are the requested calendar days in the reporting timezone.
type Report struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Entries []ReportEntry `json:"entries"`
}

// ReportAggregator sums closed shift durations per subject
type ReportAggregator struct {
	store ClockStore
	loc   *time.Location
}

// NewReportAggregator returns a ReportAggregator which interprets
// calendar days in loc (UTC when nil).
func NewReportAggregator(store ClockStore, loc *time.Location) *ReportAggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportAggregator{store: store, loc: loc}
}

// ParseReportDate parses a DD/MM/YYYY date in loc
func ParseReportDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(reportDateLayout, strings.TrimSpace(s), loc)
}

// dayBounds returns the first and last instant of the calendar days
// containing start and end, in loc.
func dayBounds(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	start = start.In(loc)
	end = end.In(loc)
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), loc)
	return from, to
}

// Generate totals closed shifts that started between startDate and
// endDate (both inclusive, as whole days). Entries are sorted by total
// descending, ties keeping the order each subject was first seen.
// The most recently seen name is used for each subject.
//
// ErrEmptyRange is returned if startDate is after endDate. A valid
// range without shifts returns a Report with no entries.
func (a *ReportAggregator) Generate(
	ctx context.Context,
	startDate, endDate time.Time,
) (*Report, error) {
	from, to := dayBounds(startDate, endDate, a.loc)
	if from.After(to) {
		return nil, ErrEmptyRange
	}

	recs, err := a.store.ListClosedInRange(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	report := &Report{
		Start:   from,
		End:     time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, a.loc),
		Entries: []ReportEntry{},
	}

	index := map[string]int{}
	for _, rec := range recs {
		if rec.ClockOutAt == nil {
			continue
		}
		i, seen := index[rec.SubjectID]
		if !seen {
			i = len(report.Entries)
			index[rec.SubjectID] = i
			report.Entries = append(report.Entries, ReportEntry{SubjectID: rec.SubjectID})
		}
		report.Entries[i].SubjectName = rec.SubjectName
		report.Entries[i].Total += rec.Duration(*rec.ClockOutAt)
	}

	sort.SliceStable(
		report.Entries, func(i, j int) bool {
			return report.Entries[i].Total > report.Entries[j].Total
		},
	)
	return report, nil
}

// Total returns the sum of all entries
func (r Report) Total() time.Duration {
	var total time.Duration
	for _, e := range r.Entries {
		total += e.Total
	}
	return total
}

// reportEmbedFieldValues renders one line per entry, grouped into
// chunks that fit in a single embed field.
func reportEmbedFieldValues(entries []ReportEntry) []string {
	var fields []string
	current := ""
	for i, e := range entries {
		line := fmt.Sprintf(
			"**%d. %s** (`%s`)\nTempo Total: `%s`",
			i+1, e.SubjectName, e.SubjectID, FormatDuration(e.Total),
		)
		if current != "" && len(current)+len(line)+1 > reportEmbedFieldMax {
			fields = append(fields, current)
			current = ""
		}
		if current == "" {
			current = line
		} else {
			current += "\n" + line
		}
	}
	if current != "" {
		fields = append(fields, current)
	}
	return fields
}

// ReportEmbed renders a report for the /horas command
func ReportEmbed(r *Report) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: reportEmbedTitle,
		Description: fmt.Sprintf(
			"**Período:** `%s - %s`",
			r.Start.Format(reportDateLayout),
			r.End.Format(reportDateLayout),
		),
		Color:  reportEmbedColor,
		Footer: &discordgo.MessageEmbedFooter{Text: reportEmbedFooter},
	}

	values := reportEmbedFieldValues(r.Entries)
	for i, v := range values {
		name := reportEmbedFieldName
		if len(values) > 1 {
			name = fmt.Sprintf("%s (parte %d)", reportEmbedFieldName, i+1)
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: name, Value: v},
		)
	}
	return embed
}
