package discount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type presentCandidate struct {
	category Category
	percent  decimal.Decimal
}

// CalculateStacked resolves the candidate discounts of a single line into one percentage.
//
// Exclusive categories win outright and are returned as-is: MaxTotalDiscount does not
// apply to an exclusive winner, so its percent may exceed the hospital cap. Otherwise
// incremental categories are summed, the best absolute category is added on top of that sum,
// and standard is used only when nothing else contributed. The configured cap and a hard 100%
// ceiling are enforced last. Identical inputs always produce identical output.
func CalculateStacked(candidates map[Category]Candidate, cfg StackingConfig, unitPrice decimal.Decimal) (StackedResult, error) {
	if unitPrice.IsNegative() {
		return StackedResult{}, fmt.Errorf("%w: negative unit price %s", ErrInvalidLine, unitPrice)
	}
	if err := cfg.Validate(); err != nil {
		return StackedResult{}, err
	}
	for key, c := range candidates {
		if !key.Valid() {
			return StackedResult{}, fmt.Errorf("%w: unknown category %q", ErrInvalidCandidate, key)
		}
		if c.Category != "" && c.Category != key {
			return StackedResult{}, fmt.Errorf("%w: candidate for %s is tagged %s", ErrInvalidCandidate, key, c.Category)
		}
	}

	result := StackedResult{
		TotalPercent:      decimal.Zero,
		Breakdown:         []BreakdownEntry{},
		AppliedDiscounts:  []Category{},
		ExcludedDiscounts: []Exclusion{},
	}

	present := make([]presentCandidate, 0, len(candidates))
	var standard *presentCandidate
	for _, cat := range Categories {
		c, ok := candidates[cat]
		if !ok {
			continue
		}
		pct, err := normalize(c, unitPrice)
		if err != nil {
			return StackedResult{}, fmt.Errorf("%s: %w", cat, err)
		}
		if !pct.IsPositive() {
			continue
		}
		if cat == CategoryStandard {
			standard = &presentCandidate{category: cat, percent: pct}
			continue
		}
		present = append(present, presentCandidate{category: cat, percent: pct})
	}

	if winner, ok := best(present, func(p presentCandidate) bool {
		return cfg.Policy(p.category).Mode == ModeExclusive
	}); ok {
		result.TotalPercent = winner.percent
		result.add(winner, ModeExclusive)
		reason := fmt.Sprintf("%s is exclusive", winner.category)
		for _, p := range present {
			if p.category != winner.category {
				result.exclude(p.category, reason)
			}
		}
		if standard != nil {
			result.exclude(standard.category, reason)
		}
		return result, nil
	}

	campaignPresent := false
	for _, p := range present {
		if p.category == CategoryCampaign {
			campaignPresent = true
			break
		}
	}

	total := decimal.Zero
	absolutes := make([]presentCandidate, 0, len(present))
	for _, p := range present {
		policy := cfg.Policy(p.category)
		if policy.ExcludeWithCampaign && campaignPresent {
			result.exclude(p.category, fmt.Sprintf("%s is excluded when a campaign discount applies", p.category))
			continue
		}
		switch policy.Mode {
		case ModeIncremental:
			total = total.Add(p.percent)
			result.add(p, ModeIncremental)
		case ModeAbsolute:
			absolutes = append(absolutes, p)
		}
	}

	if winner, ok := best(absolutes, nil); ok {
		total = total.Add(winner.percent)
		result.add(winner, ModeAbsolute)
		for _, p := range absolutes {
			if p.category == winner.category {
				continue
			}
			result.exclude(p.category, fmt.Sprintf("%s (%s%%) lost to %s (%s%%) among absolute discounts",
				p.category, p.percent, winner.category, winner.percent))
		}
	}

	if standard != nil {
		if total.IsZero() {
			total = standard.percent
			result.add(*standard, ModeFallback)
		} else {
			result.exclude(standard.category, "standard is a fallback and other discounts apply")
		}
	}

	if cfg.MaxTotalDiscount != nil && total.GreaterThan(*cfg.MaxTotalDiscount) {
		pre := total
		result.CapApplied = &pre
		result.Capped = true
		total = *cfg.MaxTotalDiscount
	}
	if total.GreaterThan(hundred) {
		pre := total
		result.CapApplied = &pre
		result.Capped = true
		total = hundred
	}
	result.TotalPercent = total
	return result, nil
}

func (r *StackedResult) add(p presentCandidate, mode Mode) {
	r.Breakdown = append(r.Breakdown, BreakdownEntry{Source: p.category, Percent: p.percent, Mode: mode})
	r.AppliedDiscounts = append(r.AppliedDiscounts, p.category)
}

func (r *StackedResult) exclude(cat Category, reason string) {
	r.ExcludedDiscounts = append(r.ExcludedDiscounts, Exclusion{Source: cat, Reason: reason})
}

// best returns the highest percent among candidates accepted by keep. Candidates arrive in
// category order, so ties go to the earlier category.
func best(candidates []presentCandidate, keep func(presentCandidate) bool) (presentCandidate, bool) {
	var (
		winner presentCandidate
		found  bool
	)
	for _, p := range candidates {
		if keep != nil && !keep(p) {
			continue
		}
		if !found || p.percent.GreaterThan(winner.percent) {
			winner = p
			found = true
		}
	}
	return winner, found
}

// normalize converts a candidate into an effective percent of the unit price, clamped to 100.
func normalize(c Candidate, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	var pct decimal.Decimal
	switch c.Basis {
	case BasisPercent, BasisEffectivePercent, "":
		pct = c.Percent
	case BasisFixedAmount:
		if c.Amount.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: negative amount %s", ErrInvalidCandidate, c.Amount)
		}
		if !unitPrice.IsPositive() {
			return decimal.Zero, nil
		}
		pct = c.Amount.Div(unitPrice).Mul(hundred)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown basis %q", ErrInvalidCandidate, c.Basis)
	}
	if pct.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative percent %s", ErrInvalidCandidate, pct)
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	return pct, nil
}
