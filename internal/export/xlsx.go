package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kolis/internal/config"
	"kolis/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter writes delivery-history spreadsheets for support and
// bookkeeping.
type Exporter struct {
	cfg    config.ExportConfig
	logger *zerolog.Logger
}

func NewExporter(cfg config.ExportConfig, logger *zerolog.Logger) *Exporter {
	return &Exporter{cfg: cfg, logger: logger}
}

// DeliveryHistory writes all deliveries to an xlsx file, grouped by
// creation day, and returns its path. Deliveries are expected sorted
// newest-first.
func (e *Exporter) DeliveryHistory(deliveries []models.Delivery) (string, error) {
	if err := os.MkdirAll(e.cfg.Path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheetName = "Deliveries"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Status", "Proposed Price", "Final Price", "Courier",
		"Pickup Commune", "Dropoff Commune", "Size", "Fragile", "Urgent",
		"Created", "Updated",
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	dayStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E2EFDA"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})

	row := 1
	currentDay := ""
	for _, d := range deliveries {
		day := d.CreatedAt.Format("02.01.2006")
		if day != currentDay {
			currentDay = day
			row++
			cell := fmt.Sprintf("A%d", row)
			_ = f.SetCellValue(sheetName, cell, day)
			_ = f.MergeCell(sheetName, cell, fmt.Sprintf("L%d", row))
			_ = f.SetCellStyle(sheetName, cell, cell, dayStyle)
		}
		row++
		finalPrice := ""
		if d.FinalPrice != nil {
			finalPrice = fmt.Sprintf("%.0f", *d.FinalPrice)
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), d.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), string(d.Status))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), d.ProposedPrice)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), finalPrice)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), d.CourierID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), d.Pickup.Commune)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), d.Dropoff.Commune)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), string(d.Attributes.Size))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), boolToYesNo(d.Attributes.Fragile))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("J%d", row), boolToYesNo(d.Attributes.Urgent))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("K%d", row), d.CreatedAt.Format("02.01.2006 15:04"))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("L%d", row), d.UpdatedAt.Format("02.01.2006 15:04"))
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "B", 12)
	_ = f.SetColWidth(sheetName, "C", "E", 15)
	_ = f.SetColWidth(sheetName, "F", "G", 16)
	_ = f.SetColWidth(sheetName, "H", "J", 10)
	_ = f.SetColWidth(sheetName, "K", "L", 18)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("deliveries_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.cfg.Path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("failed to save export file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("deliveries", len(deliveries)).Msg("delivery history exported")
	return filePath, nil
}

func boolToYesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
