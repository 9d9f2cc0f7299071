// Package alloc sizes orders from the configured capital pool. Options
// trade in whole lots, so quantities are always lot-size multiples.
package alloc

// Allocator converts a premium and lot size into an order quantity.
// multiplier scales the capital pool for the trade (index weight times
// any signal-side scale factor).
type Allocator interface {
	Quantity(price float64, lotSize int, multiplier float64) int
}

// FixedCapital allocates out of a fixed rupee pool per trade.
// MaxLotsPerTrade of zero means uncapped.
type FixedCapital struct {
	CapitalRupees   float64
	MaxLotsPerTrade int
}

func NewFixedCapital(capitalRupees float64, maxLotsPerTrade int) FixedCapital {
	return FixedCapital{CapitalRupees: capitalRupees, MaxLotsPerTrade: maxLotsPerTrade}
}

// Quantity floors the affordable lot count and returns units. Anything
// unaffordable or malformed returns zero; callers treat that as a
// rejected entry, never an error.
func (a FixedCapital) Quantity(price float64, lotSize int, multiplier float64) int {
	if price <= 0 || lotSize <= 0 || a.CapitalRupees <= 0 {
		return 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}

	budget := a.CapitalRupees * multiplier
	perLot := price * float64(lotSize)
	lots := int(budget / perLot)
	if lots <= 0 {
		return 0
	}
	if a.MaxLotsPerTrade > 0 && lots > a.MaxLotsPerTrade {
		lots = a.MaxLotsPerTrade
	}
	return lots * lotSize
}
