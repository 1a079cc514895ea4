package engine

import (
	"strings"

	"github.com/shopspring/decimal"
)

const defaultMinorUnits int32 = 2

// money converts base-currency amounts and rounds them to a currency's minor unit.
type money struct {
	base  string
	rates map[string]decimal.Decimal
	minor map[string]int32
}

func newMoney(base string, rates map[string]decimal.Decimal, minor map[string]int32) money {
	m := money{
		base:  strings.ToUpper(base),
		rates: make(map[string]decimal.Decimal, len(rates)+1),
		minor: minor,
	}
	for code, rate := range rates {
		m.rates[strings.ToUpper(code)] = rate
	}
	if _, ok := m.rates[m.base]; !ok {
		m.rates[m.base] = decimal.NewFromInt(1)
	}
	return m
}

func (m money) known(currency string) bool {
	rate, ok := m.rates[currency]
	return ok && rate.IsPositive()
}

func (m money) convert(amount decimal.Decimal, currency string) decimal.Decimal {
	if currency == m.base {
		return amount
	}
	return amount.Mul(m.rates[currency])
}

// round applies round-half-to-even at the currency's minor unit precision.
func (m money) round(amount decimal.Decimal, currency string) decimal.Decimal {
	places, ok := m.minor[currency]
	if !ok {
		places = defaultMinorUnits
	}
	return amount.RoundBank(places)
}

// settle converts then rounds.
func (m money) settle(amount decimal.Decimal, currency string) decimal.Decimal {
	return m.round(m.convert(amount, currency), currency)
}
