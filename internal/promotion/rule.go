package promotion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Rule is the buy-X-get-Y definition stored on a campaign.
type Rule struct {
	Trigger Trigger `json:"trigger"`
	Reward  Reward  `json:"reward"`
}

// Trigger selects the purchase that unlocks the reward. An empty item set means any line.
// When both minimums are set, meeting either one is enough.
type Trigger struct {
	ItemIDs     []string         `json:"item_ids"`
	ItemTypes   []string         `json:"item_types"`
	MinAmount   *decimal.Decimal `json:"min_amount"`
	MinQuantity *decimal.Decimal `json:"min_quantity"`
}

// Reward lists the items discounted once the trigger is met.
type Reward struct {
	Items []RewardItem `json:"items"`
}

// RewardItem matches by item id, or by item type when no id is given.
type RewardItem struct {
	ItemID          string           `json:"item_id"`
	ItemType        string           `json:"item_type"`
	DiscountPercent *decimal.Decimal `json:"discount_percent"`
	// MaxQuantity limits how many units of the line receive the reward.
	MaxQuantity *decimal.Decimal `json:"max_quantity"`
}

// ParseRule decodes and validates a buy-X-get-Y rule.
func ParseRule(raw json.RawMessage) (Rule, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Rule{}, fmt.Errorf("%w: buy_x_get_y rule is empty", ErrMalformedCampaign)
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrMalformedCampaign, err)
	}
	if len(rule.Reward.Items) == 0 {
		return Rule{}, fmt.Errorf("%w: buy_x_get_y rule has no reward items", ErrMalformedCampaign)
	}
	for i, item := range rule.Reward.Items {
		if strings.TrimSpace(item.ItemID) == "" && strings.TrimSpace(item.ItemType) == "" {
			return Rule{}, fmt.Errorf("%w: reward item %d has neither item_id nor item_type", ErrMalformedCampaign, i)
		}
		if p := item.DiscountPercent; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
			return Rule{}, fmt.Errorf("%w: reward item %d discount_percent %s out of range", ErrMalformedCampaign, i, p)
		}
		if q := item.MaxQuantity; q != nil && !q.IsPositive() {
			return Rule{}, fmt.Errorf("%w: reward item %d max_quantity must be positive", ErrMalformedCampaign, i)
		}
	}
	return rule, nil
}

// Triggered returns the first of the other invoice rows that satisfies the trigger. The
// evaluated line never triggers its own reward.
func (r Rule) Triggered(req Request) (Line, bool) {
	for _, l := range req.Others {
		if r.Trigger.includes(l) && r.Trigger.satisfiedBy(l) {
			return l, true
		}
	}
	return Line{}, false
}

// RewardFor returns the reward entry listing the line, if any.
func (r Rule) RewardFor(line Line) (RewardItem, bool) {
	for _, item := range r.Reward.Items {
		if id := strings.TrimSpace(item.ItemID); id != "" {
			if id == line.ItemID {
				return item, true
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(item.ItemType), line.ItemType) {
			return item, true
		}
	}
	return RewardItem{}, false
}

func (t Trigger) includes(l Line) bool {
	if len(t.ItemIDs) == 0 && len(t.ItemTypes) == 0 {
		return true
	}
	if slices.Contains(t.ItemIDs, l.ItemID) {
		return true
	}
	for _, typ := range t.ItemTypes {
		if strings.EqualFold(typ, l.ItemType) {
			return true
		}
	}
	return false
}

func (t Trigger) satisfiedBy(l Line) bool {
	if t.MinAmount == nil && t.MinQuantity == nil {
		return l.Quantity.IsPositive()
	}
	if t.MinAmount != nil && l.Total().GreaterThanOrEqual(*t.MinAmount) {
		return true
	}
	if t.MinQuantity != nil && l.Quantity.GreaterThanOrEqual(*t.MinQuantity) {
		return true
	}
	return false
}

// BuyXGetY computes the reward offer of a buy_x_get_y campaign for the line. Lines that are
// not listed as rewards never receive a discount, even when the trigger is met.
func BuyXGetY(c Campaign, req Request) (Offer, error) {
	rule, err := ParseRule(c.Rule)
	if err != nil {
		return Offer{}, err
	}
	reward, ok := rule.RewardFor(req.Line)
	if !ok {
		return Offer{}, fmt.Errorf("%w: %s is not a reward item", ErrNotEligible, req.Line.ItemID)
	}
	if _, ok := rule.Triggered(req); !ok {
		return Offer{}, fmt.Errorf("%w: trigger condition not met", ErrNotEligible)
	}
	pct := hundred
	if reward.DiscountPercent != nil {
		pct = *reward.DiscountPercent
	}
	if !pct.IsPositive() {
		return Offer{}, ErrNotEligible
	}
	effective := pct
	if reward.MaxQuantity != nil && req.Line.Quantity.GreaterThan(*reward.MaxQuantity) {
		effective = pct.Mul(*reward.MaxQuantity).Div(req.Line.Quantity)
	}
	return Offer{
		Campaign:         c,
		Basis:            "effective_percent",
		Percent:          effective,
		EffectivePercent: effective,
	}, nil
}
