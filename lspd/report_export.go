package lspd

import (
	"fmt"
	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
	"io"
	"math"
	"time"
)

const (
	reportSheetName      = "Horas"
	reportDefaultSheet   = "Sheet1"
	shiftEventSummary    = "Serviço LSPD"
	shiftCalendarProduct = "LSPD"
)

var reportSheetHeader = []any{"#", "Nome", "ID", "Tempo Total", "Horas"}

func hours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}

// WriteReportXLSX writes the report as a spreadsheet, one row per
// subject followed by a total row
func WriteReportXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName(reportDefaultSheet, reportSheetName); err != nil {
		return fmt.Errorf("error naming sheet: %w", err)
	}
	sheet := reportSheetName

	period := []any{
		"Período",
		r.Start.Format(reportDateLayout) + " - " + r.End.Format(reportDateLayout),
	}
	if err := f.SetSheetRow(sheet, "A1", &period); err != nil {
		return err
	}
	header := append([]any{}, reportSheetHeader...)
	if err := f.SetSheetRow(sheet, "A3", &header); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err = f.SetCellStyle(sheet, "A1", "A1", bold); err != nil {
		return err
	}
	if err = f.SetCellStyle(sheet, "A3", "E3", bold); err != nil {
		return err
	}

	row := 4
	for i, e := range r.Entries {
		cell, cellErr := excelize.CoordinatesToCellName(1, row)
		if cellErr != nil {
			return cellErr
		}
		values := []any{i + 1, e.SubjectName, e.SubjectID, FormatDuration(e.Total), hours(e.Total)}
		if err = f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
		row++
	}

	totalCell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	total := []any{"Total", "", "", FormatDuration(r.Total()), hours(r.Total())}
	if err = f.SetSheetRow(sheet, totalCell, &total); err != nil {
		return err
	}
	totalEnd, err := excelize.CoordinatesToCellName(5, row)
	if err != nil {
		return err
	}
	if err = f.SetCellStyle(sheet, totalCell, totalEnd, bold); err != nil {
		return err
	}

	if err = f.SetColWidth(sheet, "B", "C", 24); err != nil {
		return err
	}
	if err = f.SetColWidth(sheet, "D", "D", 16); err != nil {
		return err
	}
	if err = f.SetPanes(
		sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      3,
			TopLeftCell: "A4",
			ActivePane:  "bottomLeft",
		},
	); err != nil {
		return err
	}
	return f.Write(w)
}

// ShiftsCalendar renders shifts as calendar events. Open shifts end at
// now and are marked tentative.
func ShiftsCalendar(
	subjectName string,
	recs []ShiftRecord,
	now time.Time,
	loc *time.Location,
) *ics.Calendar {
	if loc == nil {
		loc = time.UTC
	}
	cal := ics.NewCalendarFor(shiftCalendarProduct)
	cal.SetMethod(ics.MethodPublish)
	cal.SetXWRCalName(fmt.Sprintf("%s - %s", shiftEventSummary, subjectName))
	cal.SetXWRTimezone(loc.String())

	for _, rec := range recs {
		event := cal.AddEvent(rec.ID + "@lspd")
		event.SetDtStampTime(now.UTC())
		event.SetStartAt(rec.ClockInAt.UTC())
		event.SetSummary(shiftEventSummary)

		d := rec.Duration(now)
		if rec.Open() {
			event.SetEndAt(now.UTC())
			event.SetStatus(ics.ObjectStatusTentative)
			event.SetDescription(fmt.Sprintf("Em serviço há %s", FormatDuration(d)))
			continue
		}
		event.SetEndAt(rec.ClockOutAt.UTC())
		event.SetStatus(ics.ObjectStatusConfirmed)
		event.SetDescription(fmt.Sprintf("Tempo em serviço: %s", FormatDuration(d)))
	}
	return cal
}
