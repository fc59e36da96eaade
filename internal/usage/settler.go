package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medibill/discounts/internal/obs"
	"github.com/medibill/discounts/internal/queue"
	"github.com/medibill/discounts/internal/store"
)

// Kind is the queue kind carrying invoice settlements.
const Kind = "campaign-usage"

// ErrInvalidSettlement marks a settlement that can never be recorded.
var ErrInvalidSettlement = errors.New("usage: invalid settlement")

// Settlement lists the campaign discounts applied on one finalised invoice.
type Settlement struct {
	InvoiceID string                `json:"invoice_id"`
	PatientID string                `json:"patient_id,omitempty"`
	SettledAt time.Time             `json:"settled_at"`
	Usages    []store.CampaignUsage `json:"usages"`
}

// Validate checks that every usage belongs to the invoice and can be recorded.
func (s Settlement) Validate() error {
	if strings.TrimSpace(s.InvoiceID) == "" {
		return fmt.Errorf("%w: invoice id is required", ErrInvalidSettlement)
	}
	for i, u := range s.Usages {
		if u.InvoiceID != s.InvoiceID {
			return fmt.Errorf("%w: usage %d belongs to invoice %q", ErrInvalidSettlement, i, u.InvoiceID)
		}
		if err := u.Validate(); err != nil {
			return fmt.Errorf("%w: usage %d: %v", ErrInvalidSettlement, i, err)
		}
	}
	return nil
}

// Publisher schedules settlements on the queue.
type Publisher struct {
	Queue queue.Enqueuer
}

// Publish enqueues s for the tenant in ctx, keyed by invoice so a repeated settle call for
// the same invoice is collapsed while the first one is pending.
func (p Publisher) Publish(ctx context.Context, s Settlement) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return p.Queue.EnqueueJSON(ctx, Kind, s.InvoiceID, s)
}

// Locker serialises work on a named resource.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Settler records settlements. Each campaign is updated under its own lock.
type Settler struct {
	Store   store.UsageWriter
	Locker  Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// Report summarises one settlement run.
type Report struct {
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
}

// Handle is the queue handler for Kind. Undecodable or invalid payloads are dropped after
// logging since a retry cannot fix them.
func (s Settler) Handle(ctx context.Context, task queue.Task) error {
	var st Settlement
	if err := json.Unmarshal(task.Payload, &st); err != nil {
		s.Logger.Error().Err(err).Str("key", task.IdempotencyKey).Msg("dropping undecodable settlement")
		countSettlement("invalid", 1)
		return nil
	}
	_, err := s.Settle(ctx, st)
	if errors.Is(err, ErrInvalidSettlement) {
		s.Logger.Error().Err(err).Str("invoice_id", st.InvoiceID).Msg("dropping invalid settlement")
		countSettlement("invalid", 1)
		return nil
	}
	return err
}

// Settle records every usage of st. Recording is idempotent per line, so a retried
// settlement only writes what is missing.
func (s Settler) Settle(ctx context.Context, st Settlement) (Report, error) {
	ctx, span := otel.Tracer("usage.Settler").Start(ctx, "Settler.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", st.InvoiceID), attribute.Int("usage.count", len(st.Usages)))

	if s.Store == nil {
		return Report{}, errors.New("usage: store not configured")
	}
	if err := st.Validate(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, campaignID := range campaignOrder(st.Usages) {
		record := func(ctx context.Context) error {
			for _, u := range st.Usages {
				if u.CampaignID != campaignID {
					continue
				}
				if u.UsedAt.IsZero() {
					u.UsedAt = st.SettledAt
				}
				if u.PatientID == "" {
					u.PatientID = st.PatientID
				}
				inserted, err := s.Store.RecordCampaignUsage(ctx, u)
				if err != nil {
					return fmt.Errorf("record usage of campaign %s on line %s: %w", u.CampaignID, u.LineID, err)
				}
				if inserted {
					report.Recorded++
				} else {
					report.Duplicates++
				}
			}
			return nil
		}

		var err error
		if s.Locker != nil {
			err = s.Locker.WithLock(ctx, "campaign:"+campaignID, s.LockTTL, record)
		} else {
			err = record(ctx)
		}
		if err != nil {
			countSettlement("failed", 1)
			span.RecordError(err)
			s.Logger.Warn().Err(err).
				Str("invoice_id", st.InvoiceID).
				Str("campaign_id", campaignID).
				Msg("campaign usage settlement failed")
			return report, err
		}
	}

	countSettlement("recorded", report.Recorded)
	countSettlement("duplicate", report.Duplicates)
	s.Logger.Info().
		Str("invoice_id", st.InvoiceID).
		Int("recorded", report.Recorded).
		Int("duplicates", report.Duplicates).
		Msg("campaign usage settled")
	return report, nil
}

func campaignOrder(usages []store.CampaignUsage) []string {
	seen := make(map[string]struct{}, len(usages))
	ids := make([]string, 0, len(usages))
	for _, u := range usages {
		if _, ok := seen[u.CampaignID]; ok {
			continue
		}
		seen[u.CampaignID] = struct{}{}
		ids = append(ids, u.CampaignID)
	}
	sort.Strings(ids)
	return ids
}

func countSettlement(result string, n int) {
	if obs.CampaignUsageSettlements == nil || n <= 0 {
		return
	}
	obs.CampaignUsageSettlements.WithLabelValues(result).Add(float64(n))
}
