package parser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/iapkit/asc-importer/internal/appstore"
)

// stopKeywords mark the footer of the TXT template: once one of these
// appears, the data section is over.
var stopKeywords = []string{"姓名", "账户", "银行", "配置地址", "正式官网"}

// parseTXT reads the fixed-column TXT template: a header line marks the
// start of the data section, then rows of "price quantity product_id"
// separated by whitespace. A "包名:" line overrides the package noun used
// in the generated display names.
func parseTXT(fileName string, r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	result := &Result{}

	packageName := "coins"
	inDataSection := false
	row := 0

	for scanner.Scan() {
		row++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.Contains(line, "包名:") || strings.Contains(line, "包名：") {
			sep := ":"
			if !strings.Contains(line, ":") {
				sep = "："
			}
			if _, name, found := strings.Cut(line, sep); found && strings.TrimSpace(name) != "" {
				packageName = strings.TrimSpace(name)
			}
			continue
		}

		// The header line starts the data section.
		if strings.Contains(line, "内购id:") || strings.Contains(line, "金额") {
			inDataSection = true
			continue
		}
		if !inDataSection {
			continue
		}

		if containsAny(line, stopKeywords) {
			break
		}

		parts := strings.Fields(line)
		if len(parts) < 3 {
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: "expected price, quantity and product id columns"})
			continue
		}

		price, quantity, productID := parts[0], parts[1], parts[2]
		if _, err := strconv.ParseFloat(price, 64); err != nil {
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: fmt.Sprintf("invalid price %q", price)})
			continue
		}
		if _, err := strconv.Atoi(quantity); err != nil {
			result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: fmt.Sprintf("invalid quantity %q", quantity)})
			continue
		}

		displayName := fmt.Sprintf("%s %s cons", quantity, packageName)
		result.Records = append(result.Records, newRecord(productID, displayName, displayName, price, appstore.TypeConsumable))
	}
	if err := scanner.Err(); err != nil {
		return nil, &FormatError{FileName: fileName, Reason: "reading file", Err: err}
	}
	return result, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
