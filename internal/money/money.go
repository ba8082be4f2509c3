package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point monetary amount. All order and payment amounts in
// the service go through this type so that totals are exact to the cent;
// float64 is never used for money.
type Money struct {
	amount decimal.Decimal
}

func Zero() Money {
	return Money{amount: decimal.Zero}
}

// FromCents builds a Money from an integer number of minor units, the
// representation the payment gateway speaks.
func FromCents(cents int64) Money {
	return Money{amount: decimal.New(cents, -2)}
}

func FromDecimal(d decimal.Decimal) Money {
	return Money{amount: d}
}

// Parse parses a decimal string like "12.50".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: failed to parse amount %q: %w", s, err)
	}
	return Money{amount: d}, nil
}

// Cents returns the amount in minor units, rounded to the cent.
func (m Money) Cents() int64 {
	return m.amount.Round(2).Mul(decimal.New(100, 0)).IntPart()
}

func (m Money) Decimal() decimal.Decimal {
	return m.amount
}

func (m Money) Add(other Money) Money {
	return Money{amount: m.amount.Add(other.amount)}
}

func (m Money) Sub(other Money) Money {
	return Money{amount: m.amount.Sub(other.amount)}
}

// MulInt multiplies by an integer count (quantity times unit price).
func (m Money) MulInt(n int) Money {
	return Money{amount: m.amount.Mul(decimal.New(int64(n), 0))}
}

func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount)
}

func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

func (m Money) IsNegative() bool {
	return m.amount.IsNegative()
}

func (m Money) String() string {
	return m.amount.StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.amount.StringFixed(2) + `"`), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: failed to unmarshal amount: %w", err)
	}
	m.amount = d
	return nil
}

// Value implements driver.Valuer so Money maps to a numeric column.
func (m Money) Value() (driver.Value, error) {
	return m.amount.Value()
}

// Scan implements sql.Scanner for reading numeric columns.
func (m *Money) Scan(src any) error {
	return m.amount.Scan(src)
}
