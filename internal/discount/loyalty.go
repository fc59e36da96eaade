package discount

// CalculateLoyalty returns the card-level percent of an active, unexpired loyalty wallet.
// The percent is the same for every line of the patient.
func CalculateLoyalty(in Input) (*Candidate, error) {
	if in.Patient == nil || in.Patient.Wallet == nil {
		return nil, nil
	}
	wallet := in.Patient.Wallet
	if !wallet.Active {
		return nil, nil
	}
	if wallet.ExpiresAt != nil && dateOnly(*wallet.ExpiresAt).Before(dateOnly(in.InvoiceDate)) {
		return nil, nil
	}
	if err := checkPercent("loyalty tier discount percent", wallet.DiscountPercent); err != nil {
		return nil, err
	}
	if !wallet.DiscountPercent.IsPositive() {
		return nil, nil
	}
	return &Candidate{
		Category: CategoryLoyalty,
		Basis:    BasisPercent,
		Percent:  ceilPercent(wallet.DiscountPercent),
		Source: map[string]string{
			"card_number": wallet.CardNumber,
			"tier":        wallet.TierName,
		},
	}, nil
}
