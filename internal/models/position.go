package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Merge folds a new fill into the position using a weighted-average cost basis:
//
//	newCost = (oldQty*oldCost + addedQty*addedCost) / (oldQty + addedQty)
func (p Position) Merge(addedQty int64, addedCost decimal.Decimal) (Position, error) {
	if addedQty <= 0 {
		return p, fmt.Errorf("merge quantity must be positive, got %d", addedQty)
	}
	if !addedCost.IsPositive() {
		return p, fmt.Errorf("merge cost basis must be positive, got %s", addedCost)
	}

	total := p.Quantity + addedQty
	oldNotional := decimal.NewFromInt(p.Quantity).Mul(p.CostBasis)
	addNotional := decimal.NewFromInt(addedQty).Mul(addedCost)

	merged := p
	merged.Quantity = total
	merged.CostBasis = oldNotional.Add(addNotional).Div(decimal.NewFromInt(total))
	return merged, nil
}

// Reduce closes part of the position. Cost basis is unchanged by a partial close.
// The returned flag reports whether the position is now fully closed.
func (p Position) Reduce(qty int64) (Position, bool, error) {
	if qty <= 0 {
		return p, false, fmt.Errorf("close quantity must be positive, got %d", qty)
	}
	if qty > p.Quantity {
		return p, false, fmt.Errorf("cannot close %d of %s, only %d held", qty, p.Symbol, p.Quantity)
	}
	reduced := p
	reduced.Quantity -= qty
	return reduced, reduced.Quantity == 0, nil
}
