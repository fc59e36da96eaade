package discount

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// CalculateBulk applies the item's bulk percent once the invoice holds enough units of the
// same item type. Services and medicines have separate thresholds; packages never qualify.
// In simulated mode the quantity check is replaced by Simulation.AssumeBulkEligible.
func CalculateBulk(in Input) (*Candidate, error) {
	if !in.Hospital.BulkEnabled {
		return nil, nil
	}
	if from := in.Hospital.BulkEffectiveFrom; from != nil && dateOnly(in.InvoiceDate).Before(dateOnly(*from)) {
		return nil, nil
	}
	pct := in.Item.BulkDiscountPercent
	if err := checkPercent("bulk discount percent", pct); err != nil {
		return nil, err
	}
	if !pct.IsPositive() {
		return nil, nil
	}

	var threshold int
	switch in.Line.ItemType {
	case ItemService:
		threshold = in.Hospital.BulkMinServiceCount
	case ItemMedicine:
		threshold = in.Hospital.BulkMinMedicineQuantity
	default:
		return nil, nil
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("bulk threshold for %s items is not configured", in.Line.ItemType)
	}

	source := map[string]string{
		"item_type": string(in.Line.ItemType),
		"threshold": strconv.Itoa(threshold),
	}
	if in.Mode == Simulated {
		if !in.Simulation.AssumeBulkEligible {
			return nil, nil
		}
		source["eligibility"] = "assumed"
	} else {
		count := decimal.Zero
		for _, l := range in.lines() {
			if l.ItemType == in.Line.ItemType {
				count = count.Add(l.Quantity)
			}
		}
		if count.LessThan(decimal.NewFromInt(int64(threshold))) {
			return nil, nil
		}
		source["count"] = count.String()
	}

	return &Candidate{
		Category: CategoryBulk,
		Basis:    BasisPercent,
		Percent:  capPercent(pct, in.Item.MaxDiscount),
		Source:   source,
	}, nil
}
