package module

import (
	"github.com/go-errors/errors"
	"github.com/shopspring/decimal"
)

func init() {
	register("decimal", func(worker Worker) interface{} {
		return NewDecimal
	})
}

// NewDecimal takes a numeric string or a script number. A number goes through
// its shortest decimal form, so decimal(0.1) is exactly 0.1.
func NewDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	}
	return decimal.Zero, errors.Errorf("decimal: cannot convert %T", v)
}
