package discount

// CalculateStandard returns the item's standard discount. It only survives stacking when no
// other category contributes.
func CalculateStandard(in Input) (*Candidate, error) {
	pct := in.Item.StandardDiscountPercent
	if err := checkPercent("standard discount percent", pct); err != nil {
		return nil, err
	}
	if !pct.IsPositive() {
		return nil, nil
	}
	return &Candidate{
		Category: CategoryStandard,
		Basis:    BasisPercent,
		Percent:  capPercent(pct, in.Item.MaxDiscount),
	}, nil
}
