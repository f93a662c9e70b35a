package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Normalize parses a user-supplied amount and returns its canonical form with
// exactly two fractional digits, e.g. "1234,56" -> "1234.56". Both '.' and ','
// are accepted as the decimal separator. Values carrying more than two
// fractional digits are rejected, not truncated. Negative values are rejected.
func Normalize(in string) (string, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return "", fmt.Errorf("amount is required")
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q", in)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("amount must not be negative")
	}
	if d.Exponent() < -2 && !d.Equal(d.Truncate(2)) {
		return "", fmt.Errorf("amount %q has more than two decimal places", in)
	}
	return d.StringFixed(2), nil
}
