package parser

import (
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// parseXLSX reads the first sheet of a workbook using the same column
// contract as the CSV layout.
func parseXLSX(fileName string, r io.Reader) (*Result, error) {
	workbook, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{FileName: fileName, Reason: "opening workbook", Err: err}
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, &FormatError{FileName: fileName, Reason: "workbook has no sheets"}
	}
	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, &FormatError{FileName: fileName, Reason: "reading sheet", Err: err}
	}

	result := &Result{}
	for i, fields := range rows {
		row := i + 1

		if isBlankRow(fields) {
			continue
		}
		// A first row whose leading cell is not numeric is a header.
		if row == 1 {
			first := ""
			if len(fields) > 0 {
				first = strings.TrimSpace(fields[0])
			}
			if _, err := strconv.ParseFloat(first, 64); err != nil {
				continue
			}
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
