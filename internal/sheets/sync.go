package sheets

import (
	"context"
	"fmt"
	"log/slog"

	sheetsapi "google.golang.org/api/sheets/v4"
)

// SyncWorksheet copies the data worksheet into a public mirror spreadsheet.
// Unlike the metrics write this is a deliberate full rewrite: the mirror has
// no state of its own to preserve.
func (c *Client) SyncWorksheet(ctx context.Context, targetTableID, worksheet string, maxRows int) error {
	resp, err := c.service.Spreadsheets.Values.Get(c.tableID, worksheet).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read source worksheet %s: %w", worksheet, err)
	}

	rows := resp.Values
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	rows = padRows(rows)

	slog.Info("copying worksheet to public table",
		slog.String("worksheet", worksheet),
		slog.String("target_table", targetTableID),
		slog.Int("rows", len(rows)))

	targetSheetID, _, err := c.sheetProperties(ctx, targetTableID, worksheet)
	if err != nil {
		return err
	}

	rowCount, columnCount := len(rows), 1
	if rowCount == 0 {
		rowCount = 1
	} else {
		columnCount = len(rows[0])
	}

	resize := &sheetsapi.Request{
		UpdateSheetProperties: &sheetsapi.UpdateSheetPropertiesRequest{
			Properties: &sheetsapi.SheetProperties{
				SheetId: targetSheetID,
				GridProperties: &sheetsapi.GridProperties{
					RowCount:    int64(rowCount),
					ColumnCount: int64(columnCount),
				},
			},
			Fields: "gridProperties(rowCount,columnCount)",
		},
	}
	rowHeight := &sheetsapi.Request{
		UpdateDimensionProperties: &sheetsapi.UpdateDimensionPropertiesRequest{
			Range: &sheetsapi.DimensionRange{
				SheetId:   targetSheetID,
				Dimension: "ROWS",
				EndIndex:  int64(rowCount),
			},
			Properties: &sheetsapi.DimensionProperties{PixelSize: rowHeightPixels},
			Fields:     "pixelSize",
		},
	}

	_, err = c.service.Spreadsheets.Values.Clear(targetTableID, worksheet, &sheetsapi.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear target worksheet: %w", err)
	}
	_, err = c.service.Spreadsheets.BatchUpdate(targetTableID, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{resize, rowHeight},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("resize target worksheet: %w", err)
	}

	if len(rows) == 0 {
		return nil
	}
	_, err = c.service.Spreadsheets.Values.Update(targetTableID, worksheet+"!A1", &sheetsapi.ValueRange{
		Values: rows,
	}).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write target worksheet: %w", err)
	}
	return nil
}

// padRows extends ragged rows with empty cells so every row has the same
// width.
func padRows(rows [][]any) [][]any {
	maxColumns := 0
	for _, row := range rows {
		if len(row) > maxColumns {
			maxColumns = len(row)
		}
	}
	for i, row := range rows {
		for len(row) < maxColumns {
			row = append(row, "")
		}
		rows[i] = row
	}
	return rows
}
