package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencyInfo describes how a supported currency is displayed.
type CurrencyInfo struct {
	Code         string
	Symbol       string
	Name         string
	Decimals     int32
	SymbolBefore bool
}

// supportedCurrencies is the closed set of currencies invoices may be issued
// in. Write paths must validate codes with IsValidCurrency; FormatAmount only
// falls back for display.
var supportedCurrencies = map[string]CurrencyInfo{
	"USD": {Code: "USD", Symbol: "$", Name: "US Dollar", Decimals: 2, SymbolBefore: true},
	"EUR": {Code: "EUR", Symbol: "€", Name: "Euro", Decimals: 2, SymbolBefore: true},
	"GBP": {Code: "GBP", Symbol: "£", Name: "British Pound", Decimals: 2, SymbolBefore: true},
	"INR": {Code: "INR", Symbol: "₹", Name: "Indian Rupee", Decimals: 2, SymbolBefore: true},
	"CAD": {Code: "CAD", Symbol: "CA$", Name: "Canadian Dollar", Decimals: 2, SymbolBefore: true},
	"AUD": {Code: "AUD", Symbol: "A$", Name: "Australian Dollar", Decimals: 2, SymbolBefore: true},
	"JPY": {Code: "JPY", Symbol: "¥", Name: "Japanese Yen", Decimals: 0, SymbolBefore: true},
	"CHF": {Code: "CHF", Symbol: "CHF", Name: "Swiss Franc", Decimals: 2, SymbolBefore: true},
	"AED": {Code: "AED", Symbol: "AED", Name: "UAE Dirham", Decimals: 2, SymbolBefore: false},
	"SGD": {Code: "SGD", Symbol: "S$", Name: "Singapore Dollar", Decimals: 2, SymbolBefore: true},
}

// DefaultCurrency is used for display fallback and as the settings default.
const DefaultCurrency = "USD"

// IsValidCurrency reports whether code is a supported ISO currency code.
// Matching is case-insensitive.
func IsValidCurrency(code string) bool {
	_, ok := supportedCurrencies[strings.ToUpper(code)]
	return ok
}

// CurrencyFor returns the display metadata for code, falling back to the
// default currency when the code is unrecognized.
func CurrencyFor(code string) CurrencyInfo {
	if info, ok := supportedCurrencies[strings.ToUpper(code)]; ok {
		return info
	}
	return supportedCurrencies[DefaultCurrency]
}

// MinorUnits returns the number of decimal places for code, falling back to
// the default currency's scale for unknown codes.
func MinorUnits(code string) int32 {
	return CurrencyFor(code).Decimals
}

// RoundMinor rounds amount half-up at the currency's minor-unit boundary.
// Amounts are never rounded anywhere else; intermediate products keep full
// precision.
func RoundMinor(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(MinorUnits(code))
}

// FormatAmount renders amount with the currency's symbol, position and
// minor-unit scale, e.g. "$1,234.50" style without grouping: "$1234.50".
func FormatAmount(amount decimal.Decimal, code string) string {
	info := CurrencyFor(code)
	fixed := amount.Round(info.Decimals).StringFixed(info.Decimals)
	if info.SymbolBefore {
		return info.Symbol + fixed
	}
	return fmt.Sprintf("%s %s", fixed, info.Symbol)
}
