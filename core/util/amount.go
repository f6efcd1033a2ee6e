package util

import (
	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// ParseAmount parses a NUMERIC(78,0)-class decimal amount string.
func ParseAmount(amount string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid amount %q", amount)
	}
	return d, nil
}

// AmountInBounds reports whether min <= amount <= max.
func AmountInBounds(amount, min, max *apd.Decimal) bool {
	return amount.Cmp(min) >= 0 && amount.Cmp(max) <= 0
}

// MulFraction returns amount * fraction rounded down to an integer value,
// used for stake slashing.
func MulFraction(amount *apd.Decimal, fraction float64) (*apd.Decimal, error) {
	c := apd.BaseContext.WithPrecision(78)
	c.Rounding = apd.RoundFloor
	frac := new(apd.Decimal)
	if _, err := frac.SetFloat64(fraction); err != nil {
		return nil, errors.Wrap(err, "invalid fraction")
	}
	out := new(apd.Decimal)
	if _, err := c.Mul(out, amount, frac); err != nil {
		return nil, errors.Wrap(err, "multiply failed")
	}
	if _, err := c.Quantize(out, out, 0); err != nil {
		return nil, errors.Wrap(err, "quantize failed")
	}
	return out, nil
}
