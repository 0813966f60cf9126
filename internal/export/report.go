// Package export writes job outcome reports as xlsx workbooks.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"imigrate/internal/database"
	"imigrate/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

type Reporter struct {
	db     *database.DB
	dir    string
	logger zerolog.Logger
}

func NewReporter(db *database.DB, dir string, logger *zerolog.Logger) *Reporter {
	return &Reporter{
		db:     db,
		dir:    dir,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// JobReport writes a two-sheet workbook for one job: a summary sheet with
// the job's counters and a row sheet with per-row outcome and the latest
// attempt's error. Returns the written file path.
func (r *Reporter) JobReport(ctx context.Context, jobID string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	job, err := r.db.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	rows, err := r.db.ListRowsByJobStatus(ctx, jobID, nil)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := r.writeSummarySheet(f, job); err != nil {
		return "", err
	}
	if err := r.writeRowSheet(ctx, f, rows); err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("job_%s_%s.xlsx", job.ID, time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(r.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	r.logger.Info().Str("job_id", jobID).Str("file_path", filePath).Msg("job report written")
	return filePath, nil
}

func (r *Reporter) writeSummarySheet(f *excelize.File, job *models.Job) error {
	const sheet = "Summary"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	total := ""
	if job.TotalRows != nil {
		total = fmt.Sprintf("%d", *job.TotalRows)
	}

	pairs := [][2]any{
		{"Job ID", job.ID},
		{"Name", job.Name},
		{"Status", string(job.Status)},
		{"Mode", string(job.Mode)},
		{"Source", job.SourcePath},
		{"Destination entity", job.DestEntity},
		{"Total rows", total},
		{"Processed", job.ProcessedRows},
		{"Succeeded", job.SucceededRows},
		{"Failed", job.FailedRows},
		{"Failed pages", len(job.FailedOffsets)},
		{"Error", job.ErrorMessage},
		{"Created", job.CreatedAt.Format("02.01.2006 15:04")},
	}
	if job.StartedAt != nil {
		pairs = append(pairs, [2]any{"Started", job.StartedAt.Format("02.01.2006 15:04")})
	}
	if job.CompletedAt != nil {
		pairs = append(pairs, [2]any{"Completed", job.CompletedAt.Format("02.01.2006 15:04")})
	}

	labelStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, pair := range pairs {
		labelCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valueCell, _ := excelize.CoordinatesToCellName(2, i+1)
		_ = f.SetCellValue(sheet, labelCell, pair[0])
		_ = f.SetCellValue(sheet, valueCell, pair[1])
		_ = f.SetCellStyle(sheet, labelCell, labelCell, labelStyle)
	}

	_ = f.SetColWidth(sheet, "A", "A", 22)
	_ = f.SetColWidth(sheet, "B", "B", 45)
	return nil
}

func (r *Reporter) writeRowSheet(ctx context.Context, f *excelize.File, rows []models.Row) error {
	const sheet = "Rows"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	headers := []string{"Row", "Status", "Attempts", "Identity", "Last Error"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E2EFDA"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
	})

	for i, row := range rows {
		attempts, err := r.db.ListAttemptsByRow(ctx, row.ID)
		if err != nil {
			r.logger.Error().Int64("row_id", row.ID).Err(err).Msg("loading attempts for report failed")
		}

		lastError := ""
		if n := len(attempts); n > 0 && attempts[n-1].ErrorMessage != nil {
			lastError = *attempts[n-1].ErrorMessage
		}

		line := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), row.RowIndex)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), string(row.Status))
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", line), len(attempts))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", line), row.IdentityElements)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", line), lastError)
		if row.Status == models.RowStatusFailed {
			_ = f.SetCellStyle(sheet, fmt.Sprintf("B%d", line), fmt.Sprintf("B%d", line), failedStyle)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 8)
	_ = f.SetColWidth(sheet, "B", "C", 12)
	_ = f.SetColWidth(sheet, "D", "D", 35)
	_ = f.SetColWidth(sheet, "E", "E", 60)
	return nil
}
