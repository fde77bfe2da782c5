package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a request value into a decimal. Accepts strings
// ("1,250.50", "-20") and JSON numbers. NaN and infinities are rejected with
// ErrNonFiniteDecimal so callers can map them to their own domain error.
func ParseAmount(i interface{}) (decimal.Decimal, error) {
	switch v := i.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if isNonFiniteLiteral(s) {
			return decimal.Zero, ErrNonFiniteDecimal
		}
		s = strings.ReplaceAll(s, ",", "")
		if s == "" {
			return decimal.Zero, fmt.Errorf("invalid value")
		}
		return decimal.NewFromString(s)
	case json.Number:
		if isNonFiniteLiteral(v.String()) {
			return decimal.Zero, ErrNonFiniteDecimal
		}
		return decimal.NewFromString(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, ErrNonFiniteDecimal
		}
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid value")
	}
}

// FitsDecimal reports whether d can be stored in a DECIMAL(precision, scale)
// column without rounding or overflow. Trailing zeros do not count.
func FitsDecimal(d decimal.Decimal, precision int32, scale int32) bool {
	if !d.Equal(d.Truncate(scale)) {
		return false
	}
	return d.Abs().LessThan(decimal.New(1, precision-scale))
}

func isNonFiniteLiteral(s string) bool {
	s = strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), "+-"))
	return s == "nan" || s == "inf" || s == "infinity"
}
