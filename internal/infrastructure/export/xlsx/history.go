package xlsx

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

const (
	historySheet = "Score history"
	summarySheet = "Summary"
)

// WriteScoreHistory renders a deal's daily score series as a workbook with a
// history sheet and a summary sheet.
func WriteScoreHistory(w io.Writer, deal *domain.Deal, points []domain.ScoreHistoryPoint) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetRow(historySheet, "A1", &[]any{"Date", "Score", "Events"}); err != nil {
		return fmt.Errorf("write history header: %w", err)
	}
	if err := f.SetCellStyle(historySheet, "A1", "C1", header); err != nil {
		return fmt.Errorf("style history header: %w", err)
	}
	for idx, point := range points {
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return err
		}
		row := []any{point.Date.UTC().Format("2006-01-02"), point.Score, point.EventCount}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("write history row %d: %w", idx+1, err)
		}
	}
	if err := f.SetColWidth(historySheet, "A", "A", 14); err != nil {
		return fmt.Errorf("size date column: %w", err)
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	for idx, row := range summaryRows(deal) {
		cell, err := excelize.CoordinatesToCellName(1, idx+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", "A5", header); err != nil {
		return fmt.Errorf("style summary labels: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func summaryRows(deal *domain.Deal) [][]any {
	return [][]any{
		{"Company", deal.CompanyName},
		{"Current score", optionalInt(deal.CurrentScore)},
		{"Base score", optionalInt(deal.BaseScore)},
		{"Trend", string(deal.ScoreTrend)},
		{"Trend delta", deal.ScoreTrendDelta},
	}
}

func optionalInt(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}
