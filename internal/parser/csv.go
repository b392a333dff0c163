package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
)

// parseCSV reads the coin-pack CSV layout:
// coin_amount, original_price, discount_price, product_id, ...
// The discount price is the one that gets submitted; the original price
// column is informational and ignored. Exported files often start with a
// UTF-8 BOM, so it is stripped before decoding.
func parseCSV(fileName string, r io.Reader) (*Result, error) {
	br := bufio.NewReader(r)
	stripBOM(br)

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1

	result := &Result{}
	row := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &FormatError{FileName: fileName, Reason: "reading csv", Err: err}
		}
		row++

		if isBlankRow(fields) {
			continue
		}
		// The header row, whether it is first or repeated mid-file.
		if row == 1 || strings.Contains(strings.Join(fields, ","), "金币数") {
			continue
		}

		rec, rowErr := coinPackRecord(row, fields)
		if rowErr != nil {
			result.RowErrors = append(result.RowErrors, *rowErr)
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// coinPackRecord validates one coin-pack row shared by CSV and XLSX input.
func coinPackRecord(row int, fields []string) (rec models.ImportRecord, rowErr *RowError) {
	if len(fields) < 4 {
		return rec, &RowError{Row: row, Message: "expected at least 4 columns (coins, original price, discount price, product id)"}
	}

	coinAmount := strings.TrimSpace(fields[0])
	discountPrice := strings.TrimSpace(fields[2])
	productID := strings.TrimSpace(fields[3])

	coins, err := strconv.ParseFloat(coinAmount, 64)
	if err != nil {
		return rec, &RowError{Row: row, Message: fmt.Sprintf("invalid coin amount %q", coinAmount)}
	}
	if _, err := strconv.ParseFloat(discountPrice, 64); err != nil {
		return rec, &RowError{Row: row, Message: fmt.Sprintf("invalid discount price %q", discountPrice)}
	}
	if productID == "" {
		return rec, &RowError{Row: row, Message: "missing product id"}
	}

	displayName := fmt.Sprintf("%d cons", int(coins))
	return newRecord(productID, displayName, displayName, discountPrice, appstore.TypeConsumable), nil
}

func isBlankRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// stripBOM drops a leading UTF-8 byte order mark if present.
func stripBOM(br *bufio.Reader) {
	bom, err := br.Peek(3)
	if err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}
}
