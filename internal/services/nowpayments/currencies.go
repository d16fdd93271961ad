package nowpayments

import "strings"

// SuggestedCurrency has the lowest gateway minimum and is offered when a
// requested amount is below the minimum for the chosen currency
const SuggestedCurrency = "usdttrc20"

// ResolveCurrency maps a user-supplied alias or gateway code to a gateway code
func ResolveCurrency(table map[string]string, input string) (string, bool) {
	code, ok := table[strings.ToLower(strings.TrimSpace(input))]
	return code, ok
}
