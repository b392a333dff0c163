package parser

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
)

func TestParseRejectsUnsupportedExtension(t *testing.T) {
	_, err := Parse("products.pdf", strings.NewReader("whatever"))

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Error(), "unsupported file type")
}

func TestParseJSONArray(t *testing.T) {
	input := `[
		{"productId": "com.app.coins100", "displayName": "100 coins", "price": "0.99"},
		{"product_id": "com.app.coins500", "display_name": "500 coins", "price": "4.99", "type": "NON_CONSUMABLE"},
		{"productId": "com.app.coins1000", "referenceName": "1000 coins"}
	]`

	result, err := Parse("products.json", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.Empty(t, result.RowErrors)

	assert.Equal(t, "com.app.coins100", result.Records[0].ProductID)
	assert.Equal(t, "100 coins", result.Records[0].ReferenceName)
	assert.Equal(t, appstore.TypeConsumable, result.Records[0].Type)

	// snake_case keys work just as well
	assert.Equal(t, "com.app.coins500", result.Records[1].ProductID)
	assert.Equal(t, appstore.TypeNonConsumable, result.Records[1].Type)

	// referenceName is a display-name alias, price defaults
	assert.Equal(t, "1000 coins", result.Records[2].ReferenceName)
	assert.Equal(t, models.DefaultPrice, result.Records[2].Price)
}

func TestParseJSONWrapperObject(t *testing.T) {
	input := `{"products": [{"productId": "com.app.a", "displayName": "A"}]}`

	result, err := Parse("products.json", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "com.app.a", result.Records[0].ProductID)
}

func TestParseJSONCollectsRowErrors(t *testing.T) {
	input := `[
		{"productId": "com.app.good", "displayName": "Good"},
		{"displayName": "no id"},
		{"productId": "com.app.noname"},
		{"productId": "com.app.badtype", "displayName": "Bad", "type": "LOOT_BOX"},
		{}
	]`

	result, err := Parse("products.json", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "com.app.good", result.Records[0].ProductID)

	// blank entry is skipped silently, the other three are reported
	require.Len(t, result.RowErrors, 3)
	assert.Equal(t, 2, result.RowErrors[0].Row)
	assert.Contains(t, result.RowErrors[0].Message, "missing product id")
	assert.Contains(t, result.RowErrors[1].Message, "missing display name")
	assert.Contains(t, result.RowErrors[2].Message, "LOOT_BOX")
}

func TestParseJSONGarbage(t *testing.T) {
	_, err := Parse("products.json", strings.NewReader(`{"items": []}`))

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestParseTXTTemplate(t *testing.T) {
	input := strings.Join([]string{
		"项目信息",
		"包名: gems",
		"内购id: 金额 数量",
		"0.99 100 com.app.gems100",
		"4.99 500 com.app.gems500",
		"abc 200 com.app.bad",
		"姓名: 张三",
		"9.99 1000 com.app.after.footer",
	}, "\n")

	result, err := Parse("products.txt", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	assert.Equal(t, "com.app.gems100", result.Records[0].ProductID)
	assert.Equal(t, "100 gems cons", result.Records[0].ReferenceName)
	assert.Equal(t, "0.99", result.Records[0].Price)
	assert.Equal(t, appstore.TypeConsumable, result.Records[0].Type)

	// bad price is reported, rows after the footer marker never parse
	require.Len(t, result.RowErrors, 1)
	assert.Contains(t, result.RowErrors[0].Message, `invalid price "abc"`)
	for _, rec := range result.Records {
		assert.NotEqual(t, "com.app.after.footer", rec.ProductID)
	}
}

func TestParseTXTDefaultPackageName(t *testing.T) {
	input := "金额 数量 内购id\n1.99 250 com.app.coins250\n"

	result, err := Parse("products.txt", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "250 coins cons", result.Records[0].ReferenceName)
}

func TestParseCSVWithBOM(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xEF, 0xBB, 0xBF})
	buf.WriteString("金币数,原价,折扣价,产品ID\n")
	buf.WriteString("100,1.99,0.99,com.app.c100\n")
	buf.WriteString("500,9.99,4.99,com.app.c500\n")
	buf.WriteString(",,,\n")
	buf.WriteString("x00,1.99,0.99,com.app.bad\n")
	buf.WriteString("300,1.99,0.99,\n")

	result, err := Parse("products.csv", &buf)
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	assert.Equal(t, "com.app.c100", result.Records[0].ProductID)
	assert.Equal(t, "100 cons", result.Records[0].ReferenceName)
	// the discount price column is the submitted one
	assert.Equal(t, "0.99", result.Records[0].Price)

	require.Len(t, result.RowErrors, 2)
	assert.Contains(t, result.RowErrors[0].Message, "invalid coin amount")
	assert.Contains(t, result.RowErrors[1].Message, "missing product id")
}

func TestParseCSVShortRow(t *testing.T) {
	input := "金币数,原价,折扣价,产品ID\n100,0.99\n200,1.99,0.99,com.app.ok\n"

	result, err := Parse("products.csv", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Len(t, result.RowErrors, 1)
	assert.Contains(t, result.RowErrors[0].Message, "at least 4 columns")
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"金币数", "原价", "折扣价", "产品ID"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{100, 1.99, 0.99, "com.app.x100"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{500, 9.99, 4.99, "com.app.x500"}))

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	result, err := Parse("products.xlsx", &buf)
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "com.app.x100", result.Records[0].ProductID)
	assert.Equal(t, "100 cons", result.Records[0].ReferenceName)
	assert.Equal(t, "0.99", result.Records[0].Price)
}

func TestParseDropsDuplicateProductIDs(t *testing.T) {
	input := `[
		{"productId": "com.app.dup", "displayName": "First"},
		{"productId": "com.app.other", "displayName": "Other"},
		{"productId": "com.app.dup", "displayName": "Second"}
	]`

	result, err := Parse("products.json", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	// the first occurrence wins
	assert.Equal(t, "First", result.Records[0].ReferenceName)
	require.Len(t, result.RowErrors, 1)
	assert.Contains(t, result.RowErrors[0].Message, `duplicate product id "com.app.dup"`)
}

func TestParseNoValidRowsIsFormatError(t *testing.T) {
	_, err := Parse("products.csv", strings.NewReader("金币数,原价,折扣价,产品ID\n"))

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Error(), "no valid product rows")
}

func TestRecordsGetUniqueIDsAndLocalization(t *testing.T) {
	input := `[{"productId": "com.app.one", "displayName": "One", "description": "A pack"}]`

	result, err := Parse("products.json", strings.NewReader(input))
	require.NoError(t, err)
	rec := result.Records[0]

	assert.NotEmpty(t, rec.ID)
	require.Len(t, rec.Localizations, 1)
	assert.Equal(t, "en-US", rec.Localizations[0].Locale)
	assert.Equal(t, "One", rec.Localizations[0].Name)
	assert.Equal(t, "A pack", rec.Localizations[0].Description)
}

func TestFormatErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &FormatError{FileName: "f.csv", Reason: "reading", Err: inner}
	assert.ErrorIs(t, err, inner)
}
