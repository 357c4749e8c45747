package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/contentpilot/tokenmeter/internal/domain/usage"
)

// BuildUsageXLSX renders the account's usage history as a workbook:
// one header row, one row per record, a totals row at the bottom.
func BuildUsageXLSX(records []usage.Record) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())

	header := []interface{}{"id", "action", "tokens_used", "related_content_id", "created_at"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}

	var total int64
	row := 2
	for _, rec := range records {
		related := ""
		if rec.RelatedContentID != nil {
			related = *rec.RelatedContentID
		}
		line := []interface{}{
			rec.ID,
			string(rec.Action),
			rec.TokensUsed,
			related,
			rec.CreatedAt.Format(time.RFC3339),
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &line); err != nil {
			return nil, err
		}
		total += rec.TokensUsed
		row++
	}

	totals := []interface{}{"", "total", total, "", ""}
	if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &totals); err != nil {
		return nil, err
	}

	return f.WriteToBuffer()
}
