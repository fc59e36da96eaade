package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/promotion"
	"github.com/medibill/discounts/internal/tenant"
)

var (
	// ErrNotFound is returned when a requested row does not exist for the tenant.
	ErrNotFound = errors.New("store: not found")
	// ErrStoreUnavailable indicates the backing database is not configured.
	ErrStoreUnavailable = errors.New("store: unavailable")
	// ErrTenantMissing indicates the hospital identifier was not found in context.
	ErrTenantMissing = errors.New("tenant missing")
	// ErrTenantInvalid indicates the hospital identifier could not be parsed.
	ErrTenantInvalid = errors.New("tenant invalid")
)

// Hospital is the tenant-level discount configuration. StackingConfig is kept raw so that a
// malformed value can be reported by the settings loader instead of failing the read.
type Hospital struct {
	ID             string
	Name           string
	Settings       discount.HospitalSettings
	StackingConfig json.RawMessage
	UpdatedAt      time.Time
}

// ItemKey identifies a billable item within a hospital.
type ItemKey struct {
	Type discount.ItemType
	ID   string
}

func (k ItemKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Item carries the discount settings and group membership of a billable item.
type Item struct {
	Key      ItemKey
	Name     string
	Settings discount.ItemSettings
	GroupIDs []string
}

// CampaignUsage is one settled use of a campaign on an invoice line.
type CampaignUsage struct {
	CampaignID     string          `json:"campaign_id"`
	InvoiceID      string          `json:"invoice_id"`
	LineID         string          `json:"line_id"`
	PatientID      string          `json:"patient_id,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	UsedAt         time.Time       `json:"used_at"`
}

// Validate checks the identifiers required for idempotent recording.
func (u CampaignUsage) Validate() error {
	switch {
	case strings.TrimSpace(u.CampaignID) == "":
		return errors.New("campaign id is required")
	case strings.TrimSpace(u.InvoiceID) == "":
		return errors.New("invoice id is required")
	case strings.TrimSpace(u.LineID) == "":
		return errors.New("line id is required")
	case u.DiscountAmount.IsNegative():
		return fmt.Errorf("negative discount amount %s", u.DiscountAmount)
	}
	return nil
}

// Reader is the read path the discount engine depends on. Every method is scoped to the
// hospital in the context.
type Reader interface {
	Hospital(ctx context.Context) (Hospital, error)
	Items(ctx context.Context, keys []ItemKey) (map[ItemKey]Item, error)
	// Patient returns ErrNotFound for unknown patients.
	Patient(ctx context.Context, patientID string) (*discount.Patient, error)
	ActiveCampaigns(ctx context.Context, on time.Time) ([]promotion.Campaign, error)
	// CampaignByCode matches the promo code case-insensitively and returns ErrNotFound when
	// no campaign carries it.
	CampaignByCode(ctx context.Context, code string) (*promotion.Campaign, error)
	PatientCampaignUsage(ctx context.Context, patientID string) (map[string]int, error)
}

// UsageWriter records campaign usage. RecordCampaignUsage is idempotent per
// (campaign, invoice, line) and reports whether a new row was written.
type UsageWriter interface {
	RecordCampaignUsage(ctx context.Context, usage CampaignUsage) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	Reader
	UsageWriter
}

func tenantFromContext(ctx context.Context) (string, error) {
	id, ok := tenant.From(ctx)
	if !ok {
		return "", ErrTenantMissing
	}
	return id, nil
}

func tenantUUIDFromContext(ctx context.Context) (pgtype.UUID, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return pgtype.UUID{}, err
	}
	tid, err := uuidValue(tenantID)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("%w: %v", ErrTenantInvalid, err)
	}
	return tid, nil
}

func uuidValue(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, err
	}
	var tid pgtype.UUID
	tid.Bytes = parsed
	tid.Valid = true
	return tid, nil
}
