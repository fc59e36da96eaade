package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/promotion"
)

// Memory is an in-process Store used by tests and local development. Data is partitioned by
// the tenant in context; any tenant string is accepted.
type Memory struct {
	mu        sync.RWMutex
	hospitals map[string]Hospital
	items     map[string]map[ItemKey]Item
	patients  map[string]map[string]discount.Patient
	campaigns map[string]map[string]promotion.Campaign
	usages    map[string][]CampaignUsage
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		hospitals: make(map[string]Hospital),
		items:     make(map[string]map[ItemKey]Item),
		patients:  make(map[string]map[string]discount.Patient),
		campaigns: make(map[string]map[string]promotion.Campaign),
		usages:    make(map[string][]CampaignUsage),
	}
}

// PutHospital stores the hospital under tenantID.
func (m *Memory) PutHospital(tenantID string, h Hospital) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = tenantID
	}
	m.hospitals[tenantID] = h
}

// PutItem stores an item under tenantID.
func (m *Memory) PutItem(tenantID string, item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[tenantID] == nil {
		m.items[tenantID] = make(map[ItemKey]Item)
	}
	m.items[tenantID][item.Key] = item
}

// PutPatient stores a patient under tenantID.
func (m *Memory) PutPatient(tenantID string, p discount.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.patients[tenantID] == nil {
		m.patients[tenantID] = make(map[string]discount.Patient)
	}
	m.patients[tenantID][p.ID] = p
}

// PutCampaign stores a campaign under tenantID.
func (m *Memory) PutCampaign(tenantID string, c promotion.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.campaigns[tenantID] == nil {
		m.campaigns[tenantID] = make(map[string]promotion.Campaign)
	}
	m.campaigns[tenantID][c.ID] = c
}

// Usages returns a copy of the recorded usages for tenantID.
func (m *Memory) Usages(tenantID string) []CampaignUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CampaignUsage(nil), m.usages[tenantID]...)
}

func (m *Memory) Hospital(ctx context.Context) (Hospital, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return Hospital{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hospitals[tid]
	if !ok {
		return Hospital{}, ErrNotFound
	}
	return h, nil
}

func (m *Memory) Items(ctx context.Context, keys []ItemKey) (map[ItemKey]Item, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[ItemKey]Item, len(keys))
	for _, k := range keys {
		if item, ok := m.items[tid][k]; ok {
			result[k] = item
		}
	}
	return result, nil
}

func (m *Memory) Patient(ctx context.Context, patientID string) (*discount.Patient, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[tid][patientID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Wallet != nil {
		w := *p.Wallet
		p.Wallet = &w
	}
	return &p, nil
}

func (m *Memory) ActiveCampaigns(ctx context.Context, on time.Time) ([]promotion.Campaign, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := truncateDay(on)
	out := make([]promotion.Campaign, 0)
	for _, c := range m.campaigns[tid] {
		if c.Status != promotion.StatusActive || !c.Approved {
			continue
		}
		if truncateDay(c.StartDate).After(day) || truncateDay(c.EndDate).Before(day) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CampaignByCode(ctx context.Context, code string) (*promotion.Campaign, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.campaigns[tid] {
		if c.Code != "" && strings.EqualFold(c.Code, code) {
			found := c
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) PatientCampaignUsage(ctx context.Context, patientID string) (map[string]int, error) {
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	invoices := make(map[string]map[string]struct{})
	for _, u := range m.usages[tid] {
		if patientID == "" || u.PatientID != patientID {
			continue
		}
		if invoices[u.CampaignID] == nil {
			invoices[u.CampaignID] = make(map[string]struct{})
		}
		invoices[u.CampaignID][u.InvoiceID] = struct{}{}
	}
	result := make(map[string]int, len(invoices))
	for id, set := range invoices {
		result[id] = len(set)
	}
	return result, nil
}

func (m *Memory) RecordCampaignUsage(ctx context.Context, usage CampaignUsage) (bool, error) {
	if err := usage.Validate(); err != nil {
		return false, err
	}
	tid, err := tenantFromContext(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[tid][usage.CampaignID]
	if !ok {
		return false, ErrNotFound
	}
	newInvoice := true
	for _, u := range m.usages[tid] {
		if u.CampaignID != usage.CampaignID || u.InvoiceID != usage.InvoiceID {
			continue
		}
		if u.LineID == usage.LineID {
			return false, nil
		}
		newInvoice = false
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now().UTC()
	}
	m.usages[tid] = append(m.usages[tid], usage)
	if newInvoice {
		c.UsedCount++
		m.campaigns[tid][c.ID] = c
	}
	return true, nil
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
