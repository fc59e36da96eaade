package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/promotion"
	"github.com/medibill/discounts/internal/settings"
	"github.com/medibill/discounts/internal/store"
	"github.com/medibill/discounts/internal/tenant"
	"github.com/medibill/discounts/internal/usage"
)

const hospitalID = "33333333-3333-3333-3333-333333333333"

var may3 = time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingPublisher struct {
	published []usage.Settlement
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, s usage.Settlement) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, s)
	return nil
}

type flakyPatients struct {
	store.Reader
}

func (flakyPatients) Patient(context.Context, string) (*discount.Patient, error) {
	return nil, errors.New("connection reset")
}

func seededStore() *store.Memory {
	mem := store.NewMemory()
	mem.PutHospital(hospitalID, store.Hospital{Name: "St. Mary"})
	mem.PutItem(hospitalID, store.Item{
		Key:      store.ItemKey{Type: discount.ItemService, ID: "consult"},
		Settings: discount.ItemSettings{StandardDiscountPercent: d("3")},
	})
	mem.PutItem(hospitalID, store.Item{
		Key:      store.ItemKey{Type: discount.ItemService, ID: "xray"},
		Settings: discount.ItemSettings{StandardDiscountPercent: d("5")},
		GroupIDs: []string{"radiology"},
	})
	mem.PutPatient(hospitalID, discount.Patient{
		ID:     "p-1",
		Wallet: &discount.LoyaltyWallet{Active: true, DiscountPercent: d("2"), TierName: "silver", CardNumber: "LC-1"},
	})
	mem.PutCampaign(hospitalID, promotion.Campaign{
		ID:            "spring",
		Name:          "Spring check-up",
		Kind:          promotion.KindSimpleDiscount,
		DiscountKind:  promotion.DiscountPercentage,
		DiscountValue: d("10"),
		StartDate:     may3.AddDate(0, 0, -2),
		EndDate:       may3.AddDate(0, 0, 20),
		Status:        promotion.StatusActive,
		Approved:      true,
		AppliesTo:     promotion.AppliesToAll,
	})
	return mem
}

func newService(reader store.Reader, pub UsagePublisher) *Service {
	return &Service{
		Store:    reader,
		Settings: &settings.Loader{Store: reader, Logger: zerolog.Nop()},
		Engine:   discount.NewEngine(zerolog.Nop()),
		Usage:    pub,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return may3.Add(10 * time.Hour) },
	}
}

func draft() QuoteRequest {
	return QuoteRequest{
		InvoiceID: "inv-1",
		PatientID: "p-1",
		Lines: []LineInput{
			{LineID: "l1", ItemType: "service", ItemID: "consult", UnitPrice: d("2500"), Quantity: d("2")},
			{LineID: "l2", ItemType: "service", ItemID: "xray", UnitPrice: d("1000"), Quantity: d("1"),
				Overrides: discount.Overrides{ExcludeCampaign: true}},
		},
	}
}

func ctxFor() context.Context {
	return tenant.With(context.Background(), hospitalID)
}

func TestQuoteStacksPerLine(t *testing.T) {
	svc := newService(seededStore(), nil)

	q, err := svc.Quote(ctxFor(), draft())
	require.NoError(t, err)
	require.Equal(t, "2024-05-03", q.InvoiceDate)
	require.Len(t, q.Lines, 2)

	l1 := q.Lines[0]
	require.Equal(t, discount.DiscountTypeStacked, l1.DiscountType)
	require.True(t, l1.DiscountPercent.Equal(d("12")), l1.DiscountPercent.String())
	require.True(t, l1.DiscountAmount.Equal(d("600")))
	require.Equal(t, "spring", l1.Metadata.Promotion.CampaignID)
	require.Equal(t, discount.StatusExcludedByStacking, l1.Metadata.Categories[discount.CategoryStandard])

	l2 := q.Lines[1]
	require.Equal(t, string(discount.CategoryLoyalty), l2.DiscountType)
	require.Equal(t, discount.StatusExcludedByStaff, l2.Metadata.Categories[discount.CategoryCampaign])
	require.True(t, l2.DiscountAmount.Equal(d("20")))

	require.True(t, q.OriginalTotal.Equal(d("6000")))
	require.True(t, q.DiscountTotal.Equal(d("620")))
	require.True(t, q.FinalTotal.Equal(d("5380")))
	require.Empty(t, q.Warnings)
	require.False(t, q.StackingDefaults)
}

func TestQuoteFallsBackToStandardWithoutOtherDiscounts(t *testing.T) {
	svc := newService(seededStore(), nil)
	req := QuoteRequest{
		InvoiceDate: "2024-07-01",
		Lines:       []LineInput{{LineID: "l1", ItemType: "service", ItemID: "xray", UnitPrice: d("1000"), Quantity: d("1")}},
	}

	q, err := svc.Quote(ctxFor(), req)
	require.NoError(t, err)
	require.Equal(t, string(discount.CategoryStandard), q.Lines[0].DiscountType)
	require.True(t, q.DiscountTotal.Equal(d("50")))
}

func TestQuoteReportsUnknownPromoCode(t *testing.T) {
	svc := newService(seededStore(), nil)
	req := draft()
	req.PromoCode = "NOPE"

	q, err := svc.Quote(ctxFor(), req)
	require.NoError(t, err)
	require.Equal(t, discount.PromoCodeUnknown, q.Lines[0].Metadata.Promotion.PromoCodeStatus)
	require.Equal(t, discount.PromoCodeIgnored, q.Lines[1].Metadata.Promotion.PromoCodeStatus)
}

func TestQuoteDegradesWhenPatientReadFails(t *testing.T) {
	svc := newService(flakyPatients{Reader: seededStore()}, nil)

	q, err := svc.Quote(ctxFor(), draft())
	require.NoError(t, err)
	require.Contains(t, q.Warnings, "patient unavailable")
	require.Equal(t, string(discount.CategoryCampaign), q.Lines[0].DiscountType)
	require.True(t, q.Lines[0].DiscountPercent.Equal(d("10")))
}

func TestQuoteRejectsInvalidInput(t *testing.T) {
	svc := newService(seededStore(), nil)

	req := draft()
	req.Lines[0].Quantity = decimal.Zero
	_, err := svc.Quote(ctxFor(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = draft()
	req.Lines[1].LineID = req.Lines[0].LineID
	_, err = svc.Quote(ctxFor(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = draft()
	req.InvoiceDate = "03/05/2024"
	_, err = svc.Quote(ctxFor(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Quote(tenant.With(context.Background(), "unknown"), draft())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSimulateIgnoresQuantityAndOverrides(t *testing.T) {
	svc := newService(seededStore(), nil)

	sim, err := svc.Simulate(ctxFor(), SimulateRequest{ItemType: "service", ItemID: "consult", UnitPrice: d("100")})
	require.NoError(t, err)
	require.Equal(t, "simulated", sim.Result.Metadata.Mode)
	require.True(t, sim.Result.DiscountPercent.Equal(d("10")))
	require.True(t, sim.Result.OriginalPrice.Equal(d("100")))

	sim, err = svc.Simulate(ctxFor(), SimulateRequest{ItemType: "service", ItemID: "consult", UnitPrice: d("100"), PatientID: "p-1"})
	require.NoError(t, err)
	require.True(t, sim.Result.DiscountPercent.Equal(d("12")))
}

func TestSettleSchedulesCampaignUsage(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(seededStore(), pub)

	out, err := svc.Settle(ctxFor(), draft())
	require.NoError(t, err)
	require.True(t, out.Queued)
	require.Len(t, pub.published, 1)

	st := pub.published[0]
	require.Equal(t, "inv-1", st.InvoiceID)
	require.Equal(t, "p-1", st.PatientID)
	require.Len(t, st.Usages, 1)
	require.Equal(t, "spring", st.Usages[0].CampaignID)
	require.Equal(t, "l1", st.Usages[0].LineID)
	require.True(t, st.Usages[0].DiscountAmount.Equal(d("500")))
}

func TestSettleWithoutCampaignDoesNotPublish(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(seededStore(), pub)
	req := draft()
	req.Lines = req.Lines[1:]

	out, err := svc.Settle(ctxFor(), req)
	require.NoError(t, err)
	require.False(t, out.Queued)
	require.Empty(t, pub.published)

	req.InvoiceID = ""
	_, err = svc.Settle(ctxFor(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSettlePropagatesPublishFailure(t *testing.T) {
	svc := newService(seededStore(), &recordingPublisher{err: errors.New("redis down")})
	_, err := svc.Settle(ctxFor(), draft())
	require.ErrorContains(t, err, "redis down")
}
