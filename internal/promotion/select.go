package promotion

import (
	"fmt"
	"sort"
)

// Skip records why a campaign produced no offer.
type Skip struct {
	CampaignID string
	Err        error
}

// Selection is the outcome of evaluating every campaign for one line.
type Selection struct {
	Offer   *Offer
	Skipped []Skip
	// CodeErr explains why a manually entered promo code was rejected.
	CodeErr error
}

// Select picks the single campaign offer for the line.
//
// An eligible manually entered code wins outright. Otherwise the best simple discount and
// the best buy-X-get-Y reward are chosen independently (highest effective percent, then the
// older campaign, then the lower id) and the higher of the two wins, buy-X-get-Y on ties.
func Select(campaigns []Campaign, code *Campaign, req Request) Selection {
	var sel Selection
	if code != nil {
		offer, err := evaluate(*code, req, true)
		if err == nil {
			offer.ViaCode = true
			sel.Offer = &offer
			return sel
		}
		sel.CodeErr = err
	}

	var simple, bxgy []Offer
	for _, c := range campaigns {
		if code != nil && c.ID == code.ID {
			continue
		}
		offer, err := evaluate(c, req, false)
		if err != nil {
			sel.Skipped = append(sel.Skipped, Skip{CampaignID: c.ID, Err: err})
			continue
		}
		if c.Kind == KindBuyXGetY {
			bxgy = append(bxgy, offer)
		} else {
			simple = append(simple, offer)
		}
	}

	bestSimple, okSimple := rank(simple)
	bestBXGY, okBXGY := rank(bxgy)
	switch {
	case okSimple && okBXGY:
		if bestSimple.EffectivePercent.GreaterThan(bestBXGY.EffectivePercent) {
			sel.Offer = &bestSimple
		} else {
			sel.Offer = &bestBXGY
		}
	case okSimple:
		sel.Offer = &bestSimple
	case okBXGY:
		sel.Offer = &bestBXGY
	}
	return sel
}

func evaluate(c Campaign, req Request, viaCode bool) (Offer, error) {
	if err := c.Check(req, viaCode); err != nil {
		return Offer{}, err
	}
	switch c.Kind {
	case KindSimpleDiscount, "":
		return Simple(c, req.Line)
	case KindBuyXGetY:
		return BuyXGetY(c, req)
	default:
		return Offer{}, fmt.Errorf("%w: unknown campaign kind %q", ErrMalformedCampaign, c.Kind)
	}
}

func rank(offers []Offer) (Offer, bool) {
	if len(offers) == 0 {
		return Offer{}, false
	}
	sorted := make([]Offer, len(offers))
	copy(sorted, offers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.EffectivePercent.Equal(b.EffectivePercent) {
			return a.EffectivePercent.GreaterThan(b.EffectivePercent)
		}
		if !a.Campaign.StartDate.Equal(b.Campaign.StartDate) {
			return a.Campaign.StartDate.Before(b.Campaign.StartDate)
		}
		return a.Campaign.ID < b.Campaign.ID
	})
	return sorted[0], true
}
