package discount

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Policy is the stacking behaviour configured for one category.
type Policy struct {
	Mode Mode `json:"mode"`
	// ExcludeWithCampaign drops the category whenever a non-exclusive campaign discount is
	// contributing to the same line.
	ExcludeWithCampaign bool `json:"exclude_with_campaign,omitempty"`
}

// StackingConfig is the per-tenant stacking policy. It is read-only during a calculation.
type StackingConfig struct {
	Campaign         Policy           `json:"campaign"`
	Bulk             Policy           `json:"bulk"`
	Loyalty          Policy           `json:"loyalty"`
	VIP              Policy           `json:"vip"`
	Standard         Policy           `json:"standard"`
	MaxTotalDiscount *decimal.Decimal `json:"max_total_discount"`
}

// DefaultStackingConfig is used when a tenant has not configured stacking.
func DefaultStackingConfig() StackingConfig {
	return StackingConfig{
		Campaign: Policy{Mode: ModeIncremental},
		Bulk:     Policy{Mode: ModeIncremental},
		Loyalty:  Policy{Mode: ModeIncremental},
		VIP:      Policy{Mode: ModeAbsolute},
		Standard: Policy{Mode: ModeFallback},
	}
}

// Policy returns the configured policy for a category.
func (c StackingConfig) Policy(cat Category) Policy {
	switch cat {
	case CategoryCampaign:
		return c.Campaign
	case CategoryBulk:
		return c.Bulk
	case CategoryLoyalty:
		return c.Loyalty
	case CategoryVIP:
		return c.VIP
	case CategoryStandard:
		return c.Standard
	default:
		return Policy{}
	}
}

// Validate reports configuration mistakes. A tenant config that fails here is a tenant
// configuration bug, never a runtime condition.
func (c StackingConfig) Validate() error {
	for _, cat := range Categories {
		p := c.Policy(cat)
		switch p.Mode {
		case ModeExclusive, ModeIncremental, ModeAbsolute:
			if cat == CategoryStandard {
				return fmt.Errorf("%w: standard must use %q mode, got %q", ErrInvalidConfig, ModeFallback, p.Mode)
			}
		case ModeFallback:
			if cat != CategoryStandard {
				return fmt.Errorf("%w: %s cannot use %q mode", ErrInvalidConfig, cat, ModeFallback)
			}
		default:
			return fmt.Errorf("%w: %s has unknown mode %q", ErrInvalidConfig, cat, p.Mode)
		}
		if p.ExcludeWithCampaign && (cat == CategoryCampaign || cat == CategoryStandard) {
			return fmt.Errorf("%w: exclude_with_campaign is not supported for %s", ErrInvalidConfig, cat)
		}
	}
	if c.MaxTotalDiscount != nil {
		if c.MaxTotalDiscount.IsNegative() || c.MaxTotalDiscount.GreaterThan(hundred) {
			return fmt.Errorf("%w: max_total_discount must be between 0 and 100, got %s", ErrInvalidConfig, c.MaxTotalDiscount)
		}
	}
	return nil
}

type rawStackingConfig struct {
	Campaign         *Policy          `json:"campaign"`
	Bulk             *Policy          `json:"bulk"`
	Loyalty          *Policy          `json:"loyalty"`
	VIP              *Policy          `json:"vip"`
	Standard         *Policy          `json:"standard"`
	MaxTotalDiscount *decimal.Decimal `json:"max_total_discount"`
}

// ParseStackingConfig decodes tenant JSON on top of the defaults. Unknown keys and modes
// are rejected.
func ParseStackingConfig(data []byte) (StackingConfig, error) {
	cfg := DefaultStackingConfig()
	if len(bytes.TrimSpace(data)) == 0 || strings.TrimSpace(string(data)) == "null" {
		return cfg, nil
	}
	var raw rawStackingConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return StackingConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	overlay := func(dst *Policy, src *Policy) {
		if src == nil {
			return
		}
		mode := Mode(strings.ToLower(strings.TrimSpace(string(src.Mode))))
		if mode == "" {
			mode = dst.Mode
		}
		*dst = Policy{Mode: mode, ExcludeWithCampaign: src.ExcludeWithCampaign}
	}
	overlay(&cfg.Campaign, raw.Campaign)
	overlay(&cfg.Bulk, raw.Bulk)
	overlay(&cfg.Loyalty, raw.Loyalty)
	overlay(&cfg.VIP, raw.VIP)
	overlay(&cfg.Standard, raw.Standard)
	cfg.MaxTotalDiscount = raw.MaxTotalDiscount
	if err := cfg.Validate(); err != nil {
		return StackingConfig{}, err
	}
	return cfg, nil
}
