package discount

import (
	"errors"
	"fmt"

	"github.com/medibill/discounts/internal/promotion"
)

// CalculatePromotion returns the single best campaign discount for the line. Malformed
// campaigns are skipped; an error is returned only when every campaign was malformed.
func CalculatePromotion(in Input) (*Candidate, error) {
	c, sel := evaluatePromotion(in)
	if c != nil {
		return c, nil
	}
	return nil, malformedOnly(sel)
}

func malformedOnly(sel promotion.Selection) error {
	if len(sel.Skipped) == 0 {
		return nil
	}
	errs := make([]error, 0, len(sel.Skipped))
	for _, skip := range sel.Skipped {
		if !errors.Is(skip.Err, promotion.ErrMalformedCampaign) {
			return nil
		}
		errs = append(errs, fmt.Errorf("campaign %s: %w", skip.CampaignID, skip.Err))
	}
	return errors.Join(errs...)
}

func evaluatePromotion(in Input) (*Candidate, promotion.Selection) {
	req := promotionRequest(in)
	sel := promotion.Select(in.Campaigns, in.PromoCode, req)
	if sel.Offer == nil {
		return nil, sel
	}
	offer := sel.Offer
	c := &Candidate{
		Category: CategoryCampaign,
		Basis:    Basis(offer.Basis),
		Percent:  offer.Percent,
		Amount:   offer.Amount,
		Source: map[string]string{
			"campaign_id":       offer.Campaign.ID,
			"campaign_name":     offer.Campaign.Name,
			"campaign_kind":     string(offer.Campaign.Kind),
			"effective_percent": offer.EffectivePercent.String(),
		},
	}
	if offer.ViaCode {
		c.Source["promo_code"] = offer.Campaign.Code
	}
	return c, sel
}

func promotionRequest(in Input) promotion.Request {
	others := make([]promotion.Line, 0, len(in.OtherLines))
	for _, l := range in.OtherLines {
		others = append(others, promotionLine(l))
	}
	patient := promotion.Patient{Usage: in.CampaignUsage}
	if in.Patient != nil {
		patient.ID = in.Patient.ID
		patient.SpecialGroup = in.Patient.IsSpecialGroup || in.Patient.IsVIP
	}
	return promotion.Request{
		Line:    promotionLine(in.Line),
		Others:  others,
		Patient: patient,
		Date:    in.InvoiceDate,
	}
}

func promotionLine(l LineItem) promotion.Line {
	return promotion.Line{
		LineID:    l.LineID,
		ItemType:  string(l.ItemType),
		ItemID:    l.ItemID,
		UnitPrice: l.UnitPrice,
		Quantity:  l.Quantity,
		GroupIDs:  l.GroupIDs,
	}
}
