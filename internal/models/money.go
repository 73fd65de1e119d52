package models

import (
	"github.com/shopspring/decimal"
)

const minorUnitPlaces = 2

var half = decimal.New(5, -1)

// ToMinorUnits converts a major-unit amount (rupees) to integer minor units
// (paise), rounding half up.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(minorUnitPlaces).Add(half).Floor().IntPart()
}

func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorUnitPlaces)
}

// RoundAmount normalises a major-unit amount to two places, half up.
func RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return FromMinorUnits(ToMinorUnits(amount))
}
