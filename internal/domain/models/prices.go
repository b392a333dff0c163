package models

// DefaultPrice is applied when an import file omits a price.
const DefaultPrice = "0.99"

// CommonPrices are the usual US storefront price presets offered to
// clients building create requests by hand.
var CommonPrices = []string{
	"0.99", "1.99", "2.99", "4.99", "6.99",
	"9.99", "14.99", "19.99", "29.99", "49.99", "99.99",
}
