// Package parser turns import files (JSON, TXT, CSV, XLSX) into product
// records. A malformed row never aborts the file: the valid subset and a
// row-indexed error list come back together, so the caller can show the
// user exactly which lines were dropped.
package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
)

// FormatError means the file as a whole is unusable: unknown extension,
// broken encoding, or no valid rows at all.
type FormatError struct {
	FileName string
	Reason   string
	Err      error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot parse %s: %s: %v", e.FileName, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot parse %s: %s", e.FileName, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// RowError reports one rejected row. Row numbers are 1-based and count
// file lines (or array indices for JSON).
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// Result is the outcome of parsing one file.
type Result struct {
	Records   []models.ImportRecord `json:"records"`
	RowErrors []RowError            `json:"row_errors,omitempty"`
}

// Parse dispatches on the file extension. It returns a FormatError when
// the extension is unsupported, the file cannot be decoded, or not a
// single valid record survives.
func Parse(fileName string, r io.Reader) (*Result, error) {
	var (
		result *Result
		err    error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".json":
		result, err = parseJSON(fileName, r)
	case ".txt":
		result, err = parseTXT(fileName, r)
	case ".csv":
		result, err = parseCSV(fileName, r)
	case ".xlsx":
		result, err = parseXLSX(fileName, r)
	default:
		return nil, &FormatError{FileName: fileName, Reason: "unsupported file type (want .json, .txt, .csv or .xlsx)"}
	}
	if err != nil {
		return nil, err
	}

	result.dropDuplicates()

	if len(result.Records) == 0 {
		return nil, &FormatError{FileName: fileName, Reason: "no valid product rows found"}
	}
	return result, nil
}

// dropDuplicates rejects repeated product ids; the first occurrence wins.
func (r *Result) dropDuplicates() {
	seen := make(map[string]bool, len(r.Records))
	kept := r.Records[:0]
	for i, rec := range r.Records {
		if seen[rec.ProductID] {
			r.RowErrors = append(r.RowErrors, RowError{
				Row:     i + 1,
				Message: fmt.Sprintf("duplicate product id %q", rec.ProductID),
			})
			continue
		}
		seen[rec.ProductID] = true
		kept = append(kept, rec)
	}
	r.Records = kept
}

// newRecord builds a record with the default en-US localization derived
// from the display name, the way single-locale import files expect.
func newRecord(productID, displayName, description, price string, iapType appstore.IAPType) models.ImportRecord {
	if description == "" {
		description = displayName
	}
	return models.ImportRecord{
		ID:            uuid.New().String(),
		ProductID:     productID,
		Type:          iapType,
		ReferenceName: displayName,
		Description:   description,
		Price:         price,
		Localizations: []appstore.Localization{{
			Locale:      "en-US",
			Name:        displayName,
			Description: description,
		}},
	}
}
