package parser

import (
	"encoding/json"
	"io"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
)

// jsonProduct tolerates the key spellings seen in the wild: camelCase,
// snake_case, and referenceName as a display-name alias.
type jsonProduct struct {
	ProductID     string `json:"productId"`
	ProductIDAlt  string `json:"product_id"`
	DisplayName   string `json:"displayName"`
	DisplayAlt    string `json:"display_name"`
	ReferenceName string `json:"referenceName"`
	Description   string `json:"description"`
	Price         string `json:"price"`
	Type          string `json:"type"`
}

func (p jsonProduct) productID() string {
	if p.ProductID != "" {
		return p.ProductID
	}
	return p.ProductIDAlt
}

func (p jsonProduct) displayName() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.DisplayAlt != "":
		return p.DisplayAlt
	default:
		return p.ReferenceName
	}
}

// parseJSON accepts either a bare array of products or a
// {"products": [...]} wrapper.
func parseJSON(fileName string, r io.Reader) (*Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &FormatError{FileName: fileName, Reason: "reading file", Err: err}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapper struct {
			Products []json.RawMessage `json:"products"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Products == nil {
			return nil, &FormatError{FileName: fileName, Reason: "expected an array of products or a {\"products\": [...]} object"}
		}
		items = wrapper.Products
	}

	result := &Result{}
	for i, item := range items {
		row := i + 1

		var p jsonProduct
		if err := json.Unmarshal(item, &p); err != nil {
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: "not a product object"})
			continue
		}

		productID := p.productID()
		displayName := p.displayName()
		switch {
		case productID == "" && displayName == "":
			// Fully blank entries are skipped without complaint.
			continue
		case productID == "":
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: "missing product id"})
			continue
		case displayName == "":
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: "missing display name"})
			continue
		}

		iapType, err := appstore.ParseIAPType(p.Type)
		if err != nil {
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: err.Error()})
			continue
		}

		price := p.Price
		if price == "" {
			price = models.DefaultPrice
		}
		result.Records = append(result.Records, newRecord(productID, displayName, p.Description, price, iapType))
	}
	return result, nil
}
