// Package sheets persists aggregated metrics into Google Sheets. The merge
// engine in this package computes range-scoped writes; the client issues them
// through the Sheets API, never a full-sheet clear.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/mik888em/threads/internal/models"
	"github.com/mik888em/threads/internal/state"
)

const (
	AccountsWorksheet = "accounts_threads"
	MetricsWorksheet  = "Data_Po_kagdomy_posty"

	rowHeightPixels = 21
	driveScope      = "https://www.googleapis.com/auth/drive"
)

type Client struct {
	service *sheetsapi.Service
	tableID string
	state   *state.Store
}

func NewClient(ctx context.Context, tableID string, serviceAccountJSON []byte, st *state.Store) (*Client, error) {
	jwtConfig, err := google.JWTConfigFromJSON(serviceAccountJSON, sheetsapi.SpreadsheetsScope, driveScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	service, err := sheetsapi.NewService(ctx, option.WithTokenSource(jwtConfig.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{service: service, tableID: tableID, state: st}, nil
}

// ReadAccountTokens reads the credential worksheet. Column headers resolve
// case- and whitespace-insensitively; rows missing a token or an account
// name are skipped.
func (c *Client) ReadAccountTokens(ctx context.Context, worksheet string) ([]models.AccountToken, error) {
	resp, err := c.service.Spreadsheets.Values.Get(c.tableID, worksheet).Context(ctx).Do()
	if err != nil {
		slog.Error("failed to read account tokens",
			slog.String("worksheet", worksheet), slog.String("error", err.Error()))
		return nil, fmt.Errorf("read worksheet %s: %w", worksheet, err)
	}
	if len(resp.Values) < 2 {
		return nil, nil
	}

	header := make([]string, len(resp.Values[0]))
	for i, cell := range resp.Values[0] {
		header[i] = normalizeHeader(Stringify(cell))
	}

	var tokens []models.AccountToken
	var nicknames []string
	for i, raw := range resp.Values[1:] {
		row := make(map[string]string, len(header))
		for j, cell := range raw {
			if j < len(header) {
				row[header[j]] = strings.TrimSpace(Stringify(cell))
			}
		}
		token := firstPresent(row, "token", "access_token", "bearer_token")
		account := firstPresent(row, "account", "name", "nickname")
		slog.Info("read credential row",
			slog.Int("row", i+2),
			slog.String("nickname", account),
			slog.Bool("has_token", token != ""))
		if token == "" || account == "" {
			continue
		}
		nicknames = append(nicknames, account)
		tokens = append(tokens, models.AccountToken{AccountName: account, Token: token})
	}
	slog.Info("credential worksheet summary",
		slog.String("worksheet", worksheet),
		slog.Int("total_rows", len(resp.Values)-1),
		slog.Any("nicknames", nicknames))
	return tokens, nil
}

// WritePostMetrics merges the aggregated rows into the metrics worksheet.
// Untouched rows are never rewritten, so manual edits to them survive.
func (c *Client) WritePostMetrics(ctx context.Context, rows []models.AggregatedRow) error {
	if len(rows) == 0 {
		c.state.TouchLastMetricsWrite()
		return nil
	}

	resp, err := c.service.Spreadsheets.Values.Get(c.tableID, MetricsWorksheet).Context(ctx).Do()
	if err != nil {
		slog.Error("failed to read metrics worksheet",
			slog.String("worksheet", MetricsWorksheet), slog.String("error", err.Error()))
		return fmt.Errorf("read worksheet %s: %w", MetricsWorksheet, err)
	}

	now := time.Now().In(models.Timezone).Format(time.RFC3339)
	result := Merge(SnapshotFromValues(resp.Values), RowsFromAggregated(rows), RowColumns, now)
	if !result.Touched() {
		c.state.TouchLastMetricsWrite()
		return nil
	}

	if err := c.applyMerge(ctx, &result); err != nil {
		slog.Error("failed to write metrics",
			slog.String("worksheet", MetricsWorksheet),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()))
		return err
	}

	c.formatTouchedRows(ctx, &result)
	c.state.TouchLastMetricsWrite()
	return nil
}

func (c *Client) applyMerge(ctx context.Context, result *MergeResult) error {
	sheetID, rowCount, err := c.sheetProperties(ctx, c.tableID, MetricsWorksheet)
	if err != nil {
		return err
	}

	lastNeeded := int64(result.AppendStart + len(result.Appends) - 1)
	if lastNeeded > rowCount {
		grow := &sheetsapi.Request{
			AppendDimension: &sheetsapi.AppendDimensionRequest{
				SheetId:   sheetID,
				Dimension: "ROWS",
				Length:    lastNeeded - rowCount,
			},
		}
		_, err = c.service.Spreadsheets.BatchUpdate(c.tableID, &sheetsapi.BatchUpdateSpreadsheetRequest{
			Requests: []*sheetsapi.Request{grow},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("grow worksheet: %w", err)
		}
	}

	endColumn := columnLetter(len(result.Header))
	var data []*sheetsapi.ValueRange
	if result.HeaderChanged {
		data = append(data, &sheetsapi.ValueRange{
			Range:  fmt.Sprintf("%s!A1:%s1", MetricsWorksheet, endColumn),
			Values: [][]any{anyCells(result.Header)},
		})
	}
	for _, update := range result.Updates {
		data = append(data, &sheetsapi.ValueRange{
			Range:  fmt.Sprintf("%s!A%d:%s%d", MetricsWorksheet, update.SheetRow, endColumn, update.SheetRow),
			Values: [][]any{anyCells(update.Values)},
		})
	}
	if len(result.Appends) > 0 {
		appendEnd := result.AppendStart + len(result.Appends) - 1
		values := make([][]any, len(result.Appends))
		for i, row := range result.Appends {
			values[i] = anyCells(row)
		}
		data = append(data, &sheetsapi.ValueRange{
			Range:  fmt.Sprintf("%s!A%d:%s%d", MetricsWorksheet, result.AppendStart, endColumn, appendEnd),
			Values: values,
		})
	}

	_, err = c.service.Spreadsheets.Values.BatchUpdate(c.tableID, &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("batch update values: %w", err)
	}
	return nil
}

// formatTouchedRows applies text wrap and row height to just-written rows.
// Formatting is cosmetic; failures are logged, never fatal.
func (c *Client) formatTouchedRows(ctx context.Context, result *MergeResult) {
	sheetID, _, err := c.sheetProperties(ctx, c.tableID, MetricsWorksheet)
	if err != nil {
		slog.Warn("skipping formatting", slog.String("error", err.Error()))
		return
	}

	var requests []*sheetsapi.Request
	addRowRange := func(startRow, endRow int) {
		requests = append(requests,
			&sheetsapi.Request{
				RepeatCell: &sheetsapi.RepeatCellRequest{
					Range: &sheetsapi.GridRange{
						SheetId:        sheetID,
						StartRowIndex:  int64(startRow - 1),
						EndRowIndex:    int64(endRow),
						EndColumnIndex: int64(len(result.Header)),
					},
					Cell: &sheetsapi.CellData{
						UserEnteredFormat: &sheetsapi.CellFormat{WrapStrategy: "OVERFLOW_CELL"},
					},
					Fields: "userEnteredFormat.wrapStrategy",
				},
			},
			&sheetsapi.Request{
				UpdateDimensionProperties: &sheetsapi.UpdateDimensionPropertiesRequest{
					Range: &sheetsapi.DimensionRange{
						SheetId:    sheetID,
						Dimension:  "ROWS",
						StartIndex: int64(startRow - 1),
						EndIndex:   int64(endRow),
					},
					Properties: &sheetsapi.DimensionProperties{PixelSize: rowHeightPixels},
					Fields:     "pixelSize",
				},
			})
	}

	for _, update := range result.Updates {
		addRowRange(update.SheetRow, update.SheetRow)
	}
	if len(result.Appends) > 0 {
		addRowRange(result.AppendStart, result.AppendStart+len(result.Appends)-1)
	}
	if len(requests) == 0 {
		return
	}

	_, err = c.service.Spreadsheets.BatchUpdate(c.tableID, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}).Context(ctx).Do()
	if err != nil {
		slog.Warn("failed to format touched rows",
			slog.Int("updates", len(result.Updates)),
			slog.Int("appends", len(result.Appends)),
			slog.String("error", err.Error()))
	}
}

func (c *Client) sheetProperties(ctx context.Context, tableID, worksheet string) (int64, int64, error) {
	spreadsheet, err := c.service.Spreadsheets.Get(tableID).Context(ctx).Do()
	if err != nil {
		return 0, 0, fmt.Errorf("get spreadsheet %s: %w", tableID, err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == worksheet {
			rows := int64(0)
			if sheet.Properties.GridProperties != nil {
				rows = sheet.Properties.GridProperties.RowCount
			}
			return sheet.Properties.SheetId, rows, nil
		}
	}
	return 0, 0, fmt.Errorf("worksheet %s not found in spreadsheet %s", worksheet, tableID)
}

func normalizeHeader(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), "_")
}

func firstPresent(row map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := row[key]; value != "" {
			return value
		}
	}
	return ""
}

func anyCells(cells []string) []any {
	out := make([]any, len(cells))
	for i, cell := range cells {
		out[i] = cell
	}
	return out
}

// columnLetter converts a 1-based column number to its A1 letter form.
func columnLetter(n int) string {
	letters := ""
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters
}
