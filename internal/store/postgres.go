package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/promotion"
)

// NewPostgres constructs a Store backed by a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const campaignColumns = `id::text, name, COALESCE(code, ''), kind, discount_kind, discount_value, max_discount_amount,
start_date, end_date, status, approved, personalized, applies_to, target_item_ids, target_group_ids,
target_special_group, max_uses_total, used_count, max_uses_per_patient, rule`

// Hospital loads the hospital row for the tenant in context.
func (s *pgStore) Hospital(ctx context.Context) (Hospital, error) {
	if s == nil || s.pool == nil {
		return Hospital{}, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return Hospital{}, err
	}
	var (
		h    Hospital
		from pgtype.Date
		raw  []byte
	)
	err = s.pool.QueryRow(ctx, `SELECT id::text, name, bulk_discount_enabled, bulk_min_service_count,
bulk_min_medicine_quantity, bulk_effective_from, stacking_config, updated_at
FROM hospitals WHERE id = $1`, tid).Scan(
		&h.ID, &h.Name, &h.Settings.BulkEnabled, &h.Settings.BulkMinServiceCount,
		&h.Settings.BulkMinMedicineQuantity, &from, &raw, &h.UpdatedAt,
	)
	if err != nil {
		return Hospital{}, notFound(err)
	}
	h.Settings.BulkEffectiveFrom = datePtr(from)
	h.StackingConfig = raw
	return h, nil
}

// Items loads discount settings for the requested items. Missing items are left out.
func (s *pgStore) Items(ctx context.Context, keys []ItemKey) (map[ItemKey]Item, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[ItemKey]Item, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	types := make([]string, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		types = append(types, string(k.Type))
		ids = append(ids, k.ID)
	}
	rows, err := s.pool.Query(ctx, `SELECT i.item_type, i.item_id, i.name, i.bulk_discount_percent,
i.standard_discount_percent, i.vip_discount_percent, i.max_discount, i.group_ids
FROM discount_items i
JOIN unnest($2::text[], $3::text[]) AS k(item_type, item_id)
  ON k.item_type = i.item_type AND k.item_id = i.item_id
WHERE i.hospital_id = $1`, tid, types, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item                      Item
			itemType                  string
			bulk, standard, vip, maxD pgtype.Numeric
		)
		if err := rows.Scan(&itemType, &item.Key.ID, &item.Name, &bulk, &standard, &vip, &maxD, &item.GroupIDs); err != nil {
			return nil, err
		}
		item.Key.Type = discount.ItemType(itemType)
		item.Settings = discount.ItemSettings{
			BulkDiscountPercent:     decimalValue(bulk),
			StandardDiscountPercent: decimalValue(standard),
			VIPDiscountPercent:      decimalValue(vip),
			MaxDiscount:             decimalValue(maxD),
		}
		result[item.Key] = item
	}
	return result, rows.Err()
}

// Patient loads VIP flags and the loyalty wallet joined with its tier.
func (s *pgStore) Patient(ctx context.Context, patientID string) (*discount.Patient, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var (
		p        discount.Patient
		vip      pgtype.Numeric
		card     pgtype.Text
		tierName pgtype.Text
		tierPct  pgtype.Numeric
		active   pgtype.Bool
		expires  pgtype.Date
	)
	err = s.pool.QueryRow(ctx, `SELECT p.id, p.is_vip, p.is_special_group, p.vip_discount_percent,
w.card_number, t.name, t.discount_percent, w.active, w.expires_at
FROM patients p
LEFT JOIN loyalty_wallets w ON w.hospital_id = p.hospital_id AND w.patient_id = p.id
LEFT JOIN loyalty_tiers t ON t.id = w.tier_id
WHERE p.hospital_id = $1 AND p.id = $2`, tid, patientID).Scan(
		&p.ID, &p.IsVIP, &p.IsSpecialGroup, &vip, &card, &tierName, &tierPct, &active, &expires,
	)
	if err != nil {
		return nil, notFound(err)
	}
	p.VIPDiscountPercent = decimalValue(vip)
	if card.Valid {
		p.Wallet = &discount.LoyaltyWallet{
			CardNumber:      card.String,
			TierName:        tierName.String,
			DiscountPercent: decimalValue(tierPct),
			Active:          active.Valid && active.Bool,
			ExpiresAt:       datePtr(expires),
		}
	}
	return &p, nil
}

// ActiveCampaigns lists active, approved campaigns whose window contains the date. Campaigns
// are ordered by start date and id.
func (s *pgStore) ActiveCampaigns(ctx context.Context, on time.Time) ([]promotion.Campaign, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+campaignColumns+`
FROM campaigns
WHERE hospital_id = $1 AND status = 'active' AND approved
  AND start_date <= $2::date AND end_date >= $2::date
ORDER BY start_date, id`, tid, on)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := make([]promotion.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// CampaignByCode looks up a campaign by promo code regardless of status so the caller can
// explain why a code was rejected.
func (s *pgStore) CampaignByCode(ctx context.Context, code string) (*promotion.Campaign, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+`
FROM campaigns WHERE hospital_id = $1 AND lower(code) = lower($2)`, tid, code)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// PatientCampaignUsage counts settled uses per campaign for the patient.
func (s *pgStore) PatientCampaignUsage(ctx context.Context, patientID string) (map[string]int, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]int)
	if strings.TrimSpace(patientID) == "" {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT campaign_id::text, COUNT(DISTINCT invoice_id)
FROM campaign_usages WHERE hospital_id = $1 AND patient_id = $2
GROUP BY campaign_id`, tid, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			total int
		)
		if err := rows.Scan(&id, &total); err != nil {
			return nil, err
		}
		result[id] = total
	}
	return result, rows.Err()
}

// RecordCampaignUsage inserts the usage row and bumps the campaign counter in one
// transaction. A repeated (campaign, invoice, line) is a no-op.
func (s *pgStore) RecordCampaignUsage(ctx context.Context, usage CampaignUsage) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	if err := usage.Validate(); err != nil {
		return false, err
	}
	tid, err := tenantUUIDFromContext(ctx)
	if err != nil {
		return false, err
	}
	campaignID, err := uuidValue(usage.CampaignID)
	if err != nil {
		return false, fmt.Errorf("invalid campaign id: %w", err)
	}
	usedAt := usage.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var patient any
	if id := strings.TrimSpace(usage.PatientID); id != "" {
		patient = id
	}
	tag, err := tx.Exec(ctx, `INSERT INTO campaign_usages (hospital_id, campaign_id, invoice_id, line_id, patient_id, discount_amount, used_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
ON CONFLICT (campaign_id, invoice_id, line_id) DO NOTHING`,
		tid, campaignID, usage.InvoiceID, usage.LineID, patient, usage.DiscountAmount.String(), usedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	// The counter tracks invoices, not lines.
	tag, err = tx.Exec(ctx, `UPDATE campaigns SET used_count = used_count + 1
WHERE id = $1 AND hospital_id = $2
  AND NOT EXISTS (
    SELECT 1 FROM campaign_usages
    WHERE campaign_id = $1 AND invoice_id = $3 AND line_id <> $4
  )`, campaignID, tid, usage.InvoiceID, usage.LineID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func scanCampaign(row pgx.Row) (promotion.Campaign, error) {
	var (
		c             promotion.Campaign
		kind          string
		discountKind  string
		appliesTo     string
		value         pgtype.Numeric
		maxAmount     pgtype.Numeric
		start, end    pgtype.Date
		maxTotal      pgtype.Int4
		maxPerPatient pgtype.Int4
		rule          []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Code, &kind, &discountKind, &value, &maxAmount,
		&start, &end, &c.Status, &c.Approved, &c.Personalized, &appliesTo, &c.TargetItemIDs, &c.TargetGroupIDs,
		&c.TargetSpecialGroup, &maxTotal, &c.UsedCount, &maxPerPatient, &rule)
	if err != nil {
		return promotion.Campaign{}, err
	}
	c.Kind = promotion.Kind(kind)
	c.DiscountKind = promotion.DiscountKind(discountKind)
	c.AppliesTo = promotion.AppliesTo(appliesTo)
	c.DiscountValue = decimalValue(value)
	if maxAmount.Valid {
		v := decimalValue(maxAmount)
		c.MaxDiscountAmount = &v
	}
	if start.Valid {
		c.StartDate = start.Time
	}
	if end.Valid {
		c.EndDate = end.Time
	}
	c.MaxUsesTotal = intPtr(maxTotal)
	c.MaxUsesPerPatient = intPtr(maxPerPatient)
	c.Rule = rule
	return c, nil
}

func decimalValue(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func datePtr(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

func intPtr(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
