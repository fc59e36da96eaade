package discount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var invoiceDay = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func serviceLine(id string, qty string) LineItem {
	return LineItem{LineID: id, ItemType: ItemService, ItemID: "svc-" + id, UnitPrice: d("1000"), Quantity: d(qty)}
}

func bulkInput(line LineItem, siblings ...LineItem) Input {
	return Input{
		Line:       line,
		OtherLines: siblings,
		Item:       ItemSettings{BulkDiscountPercent: d("12"), MaxDiscount: d("10")},
		Hospital: HospitalSettings{
			BulkEnabled:             true,
			BulkMinServiceCount:     3,
			BulkMinMedicineQuantity: 10,
		},
		InvoiceDate: invoiceDay,
	}
}

func TestCalculateBulkCountsSameItemType(t *testing.T) {
	line := serviceLine("1", "1")
	in := bulkInput(line, serviceLine("2", "1"))
	cand, err := CalculateBulk(in)
	require.NoError(t, err)
	require.Nil(t, cand)

	in = bulkInput(line, serviceLine("2", "1"), serviceLine("3", "1"))
	cand, err = CalculateBulk(in)
	require.NoError(t, err)
	require.NotNil(t, cand)
	requireDecimal(t, "10", cand.Percent)
	require.Equal(t, "3", cand.Source["count"])
}

func TestCalculateBulkIgnoresOtherItemTypes(t *testing.T) {
	line := serviceLine("1", "1")
	med := LineItem{LineID: "m", ItemType: ItemMedicine, ItemID: "med", UnitPrice: d("10"), Quantity: d("40")}
	cand, err := CalculateBulk(bulkInput(line, med))
	require.NoError(t, err)
	require.Nil(t, cand)
}

func TestCalculateBulkMedicineThreshold(t *testing.T) {
	med := LineItem{LineID: "m", ItemType: ItemMedicine, ItemID: "med", UnitPrice: d("10"), Quantity: d("10")}
	cand, err := CalculateBulk(bulkInput(med))
	require.NoError(t, err)
	require.NotNil(t, cand)
	require.Equal(t, "10", cand.Source["threshold"])
}

func TestCalculateBulkGates(t *testing.T) {
	line := serviceLine("1", "5")

	in := bulkInput(line)
	in.Hospital.BulkEnabled = false
	cand, err := CalculateBulk(in)
	require.NoError(t, err)
	require.Nil(t, cand)

	in = bulkInput(line)
	from := invoiceDay.AddDate(0, 0, 1)
	in.Hospital.BulkEffectiveFrom = &from
	cand, err = CalculateBulk(in)
	require.NoError(t, err)
	require.Nil(t, cand)

	in = bulkInput(line)
	same := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	in.Hospital.BulkEffectiveFrom = &same
	cand, err = CalculateBulk(in)
	require.NoError(t, err)
	require.NotNil(t, cand)

	in = bulkInput(LineItem{LineID: "p", ItemType: ItemPackage, ItemID: "pkg", UnitPrice: d("1"), Quantity: d("50")})
	cand, err = CalculateBulk(in)
	require.NoError(t, err)
	require.Nil(t, cand)

	in = bulkInput(line)
	in.Hospital.BulkMinServiceCount = 0
	_, err = CalculateBulk(in)
	require.Error(t, err)
}

func TestCalculateBulkSimulatedUsesAssumedEligibility(t *testing.T) {
	in := bulkInput(serviceLine("1", "1"))
	in.Mode = Simulated
	cand, err := CalculateBulk(in)
	require.NoError(t, err)
	require.Nil(t, cand)

	in.Simulation.AssumeBulkEligible = true
	cand, err = CalculateBulk(in)
	require.NoError(t, err)
	require.NotNil(t, cand)
	require.Equal(t, "assumed", cand.Source["eligibility"])
}

func TestCalculateStandard(t *testing.T) {
	cand, err := CalculateStandard(Input{Item: ItemSettings{StandardDiscountPercent: d("8"), MaxDiscount: d("5")}})
	require.NoError(t, err)
	requireDecimal(t, "5", cand.Percent)

	cand, err = CalculateStandard(Input{})
	require.NoError(t, err)
	require.Nil(t, cand)

	_, err = CalculateStandard(Input{Item: ItemSettings{StandardDiscountPercent: d("-1")}})
	require.Error(t, err)
}

func TestCalculateLoyalty(t *testing.T) {
	expires := invoiceDay
	patient := &Patient{ID: "p1", Wallet: &LoyaltyWallet{
		CardNumber: "LC-1", TierName: "gold", DiscountPercent: d("4"), Active: true, ExpiresAt: &expires,
	}}
	cand, err := CalculateLoyalty(Input{Patient: patient, InvoiceDate: invoiceDay.Add(6 * time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, cand)
	requireDecimal(t, "4", cand.Percent)
	require.Equal(t, "gold", cand.Source["tier"])

	cand, err = CalculateLoyalty(Input{Patient: patient, InvoiceDate: invoiceDay.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Nil(t, cand, "expired wallet")

	patient.Wallet.Active = false
	cand, err = CalculateLoyalty(Input{Patient: patient, InvoiceDate: invoiceDay})
	require.NoError(t, err)
	require.Nil(t, cand, "inactive wallet")

	cand, err = CalculateLoyalty(Input{InvoiceDate: invoiceDay})
	require.NoError(t, err)
	require.Nil(t, cand)
}

func TestCalculateVIP(t *testing.T) {
	item := ItemSettings{VIPDiscountPercent: d("6")}

	cand, err := CalculateVIP(Input{Patient: &Patient{IsVIP: true, VIPDiscountPercent: d("9")}, Item: item})
	require.NoError(t, err)
	requireDecimal(t, "9", cand.Percent)
	require.Equal(t, "patient", cand.Source["origin"])

	cand, err = CalculateVIP(Input{Patient: &Patient{IsSpecialGroup: true}, Item: item})
	require.NoError(t, err)
	requireDecimal(t, "6", cand.Percent)
	require.Equal(t, "item", cand.Source["origin"])

	cand, err = CalculateVIP(Input{Patient: &Patient{}, Item: item})
	require.NoError(t, err)
	require.Nil(t, cand)
}
