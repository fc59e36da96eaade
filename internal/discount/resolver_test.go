package discount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func pct(cat Category, v string) Candidate {
	return Candidate{Category: cat, Basis: BasisPercent, Percent: d(v)}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "expected %s, got %s", want, got)
}

func allIncremental() StackingConfig {
	cfg := DefaultStackingConfig()
	cfg.VIP.Mode = ModeIncremental
	return cfg
}

func TestCalculateStackedEmptyCandidates(t *testing.T) {
	res, err := CalculateStacked(nil, DefaultStackingConfig(), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "0", res.TotalPercent)
	require.Empty(t, res.AppliedDiscounts)
	require.NotNil(t, res.AppliedDiscounts)
	require.False(t, res.Capped)
	require.Nil(t, res.CapApplied)
}

func TestCalculateStackedIsDeterministic(t *testing.T) {
	candidates := map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "10"),
		CategoryBulk:     pct(CategoryBulk, "5"),
		CategoryLoyalty:  pct(CategoryLoyalty, "3"),
		CategoryVIP:      pct(CategoryVIP, "8"),
		CategoryStandard: pct(CategoryStandard, "2"),
	}
	first, err := CalculateStacked(candidates, DefaultStackingConfig(), d("1000"))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := CalculateStacked(candidates, DefaultStackingConfig(), d("1000"))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCalculateStackedExclusivePrecedence(t *testing.T) {
	cfg := DefaultStackingConfig()
	cfg.Bulk.Mode = ModeExclusive
	cfg.Loyalty.Mode = ModeExclusive
	cfg.MaxTotalDiscount = dp("5")
	candidates := map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "30"),
		CategoryBulk:     pct(CategoryBulk, "12"),
		CategoryLoyalty:  pct(CategoryLoyalty, "15"),
		CategoryVIP:      pct(CategoryVIP, "8"),
		CategoryStandard: pct(CategoryStandard, "4"),
	}

	res, err := CalculateStacked(candidates, cfg, d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "15", res.TotalPercent)
	require.Equal(t, []Category{CategoryLoyalty}, res.AppliedDiscounts)
	require.False(t, res.Capped)

	excluded := map[Category]string{}
	for _, ex := range res.ExcludedDiscounts {
		excluded[ex.Source] = ex.Reason
	}
	require.Len(t, excluded, 4)
	for _, cat := range []Category{CategoryCampaign, CategoryBulk, CategoryVIP, CategoryStandard} {
		require.Equal(t, "loyalty is exclusive", excluded[cat])
	}
}

func TestCalculateStackedExclusiveTieUsesCategoryOrder(t *testing.T) {
	cfg := DefaultStackingConfig()
	cfg.VIP.Mode = ModeExclusive
	cfg.Bulk.Mode = ModeExclusive
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryVIP:  pct(CategoryVIP, "10"),
		CategoryBulk: pct(CategoryBulk, "10"),
	}, cfg, d("100"))
	require.NoError(t, err)
	require.Equal(t, []Category{CategoryBulk}, res.AppliedDiscounts)
}

func TestCalculateStackedIncrementalAdditivity(t *testing.T) {
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "10"),
		CategoryBulk:     pct(CategoryBulk, "5"),
		CategoryLoyalty:  pct(CategoryLoyalty, "3"),
		CategoryVIP:      pct(CategoryVIP, "8"),
	}, allIncremental(), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "26", res.TotalPercent)
	require.Equal(t, []Category{CategoryCampaign, CategoryBulk, CategoryLoyalty, CategoryVIP}, res.AppliedDiscounts)
	require.Len(t, res.Breakdown, 4)
	for _, entry := range res.Breakdown {
		require.Equal(t, ModeIncremental, entry.Mode)
	}
	require.Empty(t, res.ExcludedDiscounts)
}

func TestCalculateStackedAbsoluteWinnerAddsToIncrementals(t *testing.T) {
	cfg := DefaultStackingConfig()
	cfg.Loyalty.Mode = ModeAbsolute
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "10"),
		CategoryLoyalty:  pct(CategoryLoyalty, "8"),
		CategoryVIP:      pct(CategoryVIP, "15"),
	}, cfg, d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "25", res.TotalPercent)
	require.Equal(t, []Category{CategoryCampaign, CategoryVIP}, res.AppliedDiscounts)
	require.Len(t, res.ExcludedDiscounts, 1)
	require.Equal(t, CategoryLoyalty, res.ExcludedDiscounts[0].Source)
	require.Contains(t, res.ExcludedDiscounts[0].Reason, "vip")
	require.Contains(t, res.ExcludedDiscounts[0].Reason, "8%")
	require.Contains(t, res.ExcludedDiscounts[0].Reason, "15%")
}

func TestCalculateStackedAbsoluteTieUsesCategoryOrder(t *testing.T) {
	cfg := DefaultStackingConfig()
	cfg.Loyalty.Mode = ModeAbsolute
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryVIP:     pct(CategoryVIP, "7"),
		CategoryLoyalty: pct(CategoryLoyalty, "7"),
	}, cfg, d("1000"))
	require.NoError(t, err)
	require.Equal(t, []Category{CategoryLoyalty}, res.AppliedDiscounts)
	require.Equal(t, CategoryVIP, res.ExcludedDiscounts[0].Source)
}

func TestCalculateStackedCap(t *testing.T) {
	cfg := allIncremental()
	cfg.MaxTotalDiscount = dp("25")
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "20"),
		CategoryBulk:     pct(CategoryBulk, "10"),
		CategoryLoyalty:  pct(CategoryLoyalty, "5"),
	}, cfg, d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "25", res.TotalPercent)
	require.True(t, res.Capped)
	require.NotNil(t, res.CapApplied)
	requireDecimal(t, "35", *res.CapApplied)
}

func TestCalculateStackedHardCeiling(t *testing.T) {
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "70"),
		CategoryBulk:     pct(CategoryBulk, "50"),
	}, DefaultStackingConfig(), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "100", res.TotalPercent)
	require.True(t, res.Capped)
	requireDecimal(t, "120", *res.CapApplied)
}

func TestCalculateStackedStandardFallback(t *testing.T) {
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "0"),
		CategoryStandard: pct(CategoryStandard, "5"),
	}, DefaultStackingConfig(), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "5", res.TotalPercent)
	require.Equal(t, []Category{CategoryStandard}, res.AppliedDiscounts)
	require.Equal(t, ModeFallback, res.Breakdown[0].Mode)

	res, err = CalculateStacked(map[Category]Candidate{
		CategoryBulk:     pct(CategoryBulk, "4"),
		CategoryStandard: pct(CategoryStandard, "5"),
	}, DefaultStackingConfig(), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "4", res.TotalPercent)
	require.Equal(t, []Category{CategoryBulk}, res.AppliedDiscounts)
	require.Equal(t, CategoryStandard, res.ExcludedDiscounts[0].Source)
}

func TestCalculateStackedFixedAmountNormalisation(t *testing.T) {
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: {Category: CategoryCampaign, Basis: BasisFixedAmount, Amount: d("500")},
	}, DefaultStackingConfig(), d("2500"))
	require.NoError(t, err)
	requireDecimal(t, "20", res.TotalPercent)
	requireDecimal(t, "20", res.Breakdown[0].Percent)
}

func TestCalculateStackedFixedAmountAbovePriceClampsTo100(t *testing.T) {
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: {Category: CategoryCampaign, Basis: BasisFixedAmount, Amount: d("900")},
	}, DefaultStackingConfig(), d("300"))
	require.NoError(t, err)
	requireDecimal(t, "100", res.TotalPercent)
	require.False(t, res.Capped)
}

func TestCalculateStackedExcludeWithCampaign(t *testing.T) {
	cfg := DefaultStackingConfig()
	cfg.Bulk.ExcludeWithCampaign = true
	res, err := CalculateStacked(map[Category]Candidate{
		CategoryCampaign: pct(CategoryCampaign, "10"),
		CategoryBulk:     pct(CategoryBulk, "5"),
		CategoryLoyalty:  pct(CategoryLoyalty, "2"),
	}, cfg, d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "12", res.TotalPercent)
	require.Equal(t, []Category{CategoryCampaign, CategoryLoyalty}, res.AppliedDiscounts)
	require.Equal(t, []Exclusion{{Source: CategoryBulk, Reason: "bulk is excluded when a campaign discount applies"}}, res.ExcludedDiscounts)

	// Without a campaign the flag has no effect.
	res, err = CalculateStacked(map[Category]Candidate{
		CategoryBulk: pct(CategoryBulk, "5"),
	}, cfg, d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "5", res.TotalPercent)
}

func TestCalculateStackedRejectsBadInput(t *testing.T) {
	_, err := CalculateStacked(nil, DefaultStackingConfig(), d("-1"))
	require.ErrorIs(t, err, ErrInvalidLine)

	_, err = CalculateStacked(map[Category]Candidate{
		CategoryBulk: pct(CategoryBulk, "-3"),
	}, DefaultStackingConfig(), d("100"))
	require.ErrorIs(t, err, ErrInvalidCandidate)

	cfg := DefaultStackingConfig()
	cfg.Standard.Mode = ModeIncremental
	_, err = CalculateStacked(nil, cfg, d("100"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = CalculateStacked(map[Category]Candidate{"coupon": pct("coupon", "3")}, DefaultStackingConfig(), d("100"))
	require.ErrorIs(t, err, ErrInvalidCandidate)
}
