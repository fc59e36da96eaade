package discount

// CalculateVIP is the legacy VIP path: a flagged patient gets their own VIP percent, or the
// item's VIP percent when the patient has none. Campaigns targeting the special group are
// the preferred way to express VIP pricing.
func CalculateVIP(in Input) (*Candidate, error) {
	if in.Patient == nil || !(in.Patient.IsVIP || in.Patient.IsSpecialGroup) {
		return nil, nil
	}
	if err := checkPercent("patient VIP discount percent", in.Patient.VIPDiscountPercent); err != nil {
		return nil, err
	}
	if err := checkPercent("item VIP discount percent", in.Item.VIPDiscountPercent); err != nil {
		return nil, err
	}
	pct, origin := in.Patient.VIPDiscountPercent, "patient"
	if !pct.IsPositive() {
		pct, origin = in.Item.VIPDiscountPercent, "item"
	}
	if !pct.IsPositive() {
		return nil, nil
	}
	return &Candidate{
		Category: CategoryVIP,
		Basis:    BasisPercent,
		Percent:  ceilPercent(pct),
		Source:   map[string]string{"origin": origin},
	}, nil
}
