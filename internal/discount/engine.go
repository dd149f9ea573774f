// Package discount computes per-item and cart-level discounts for a priced
// item list under an active campaign. The engine is a pure function of its
// inputs; the reconciliation core treats it as a black box.
package discount

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

type ItemInput struct {
	ProductID  string
	Category   string
	PriceCents int64
	Quantity   int
	TaxRate    *float64
}

type ItemDiscount struct {
	// TotalLineDiscountCents is the discount for the whole line, not per unit.
	TotalLineDiscountCents int64
}

type Result struct {
	ItemDiscounts          map[string]ItemDiscount
	TotalItemDiscountCents int64
	TotalCartDiscountCents int64
	AppliedSummary         []domain.AppliedRuleInfo
}

type Engine interface {
	// Compute must not read or write any state outside its arguments.
	Compute(items []ItemInput, campaign *domain.DiscountCampaign, products map[string]domain.Product) Result
}

// RuleEngine evaluates the campaign's product rules (percentage or fixed
// amount per unit, gated on a minimum quantity) and a single cart rule
// applied to the item-discounted subtotal.
type RuleEngine struct{}

func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

func (e *RuleEngine) Compute(items []ItemInput, campaign *domain.DiscountCampaign, products map[string]domain.Product) Result {
	result := Result{ItemDiscounts: make(map[string]ItemDiscount, len(items))}
	if campaign == nil || !campaign.Active || len(items) == 0 {
		return result
	}

	rulesByProduct := make(map[string]domain.ProductDiscountRule, len(campaign.ProductRules))
	for _, rule := range campaign.ProductRules {
		rulesByProduct[rule.ProductID] = rule
	}

	subtotalAfterItemDiscounts := decimal.Zero
	for _, item := range items {
		lineValue := decimal.NewFromInt(item.PriceCents).Mul(decimal.NewFromInt(int64(item.Quantity)))
		lineDiscount := decimal.Zero

		rule, ok := rulesByProduct[item.ProductID]
		if ok && item.Quantity >= rule.MinQuantity {
			switch rule.Type {
			case domain.RulePercentage:
				lineDiscount = lineValue.Mul(decimal.NewFromFloat(rule.Percent)).Div(decimal.NewFromInt(100))
			case domain.RuleFixedAmount:
				lineDiscount = decimal.NewFromInt(rule.AmountCents).Mul(decimal.NewFromInt(int64(item.Quantity)))
			}
			if lineDiscount.GreaterThan(lineValue) {
				lineDiscount = lineValue
			}
			discountCents := lineDiscount.Round(0).IntPart()
			if discountCents > 0 {
				result.ItemDiscounts[item.ProductID] = ItemDiscount{TotalLineDiscountCents: discountCents}
				result.TotalItemDiscountCents += discountCents
				result.AppliedSummary = append(result.AppliedSummary, domain.AppliedRuleInfo{
					RuleID:        campaign.ID + ":" + rule.ProductID,
					RuleName:      campaign.Name,
					RuleType:      "product_" + string(rule.Type),
					ProductID:     rule.ProductID,
					DiscountCents: discountCents,
				})
			}
		}

		subtotalAfterItemDiscounts = subtotalAfterItemDiscounts.Add(lineValue.Sub(lineDiscount))
	}

	if campaign.CartRule != nil {
		cart := campaign.CartRule
		threshold := decimal.NewFromInt(cart.ThresholdCents)
		if subtotalAfterItemDiscounts.GreaterThanOrEqual(threshold) {
			cartDiscount := decimal.Zero
			switch cart.Type {
			case domain.RulePercentage:
				cartDiscount = subtotalAfterItemDiscounts.Mul(decimal.NewFromFloat(cart.Percent)).Div(decimal.NewFromInt(100))
			case domain.RuleFixedAmount:
				cartDiscount = decimal.NewFromInt(cart.AmountCents)
			}
			if cartDiscount.GreaterThan(subtotalAfterItemDiscounts) {
				cartDiscount = subtotalAfterItemDiscounts
			}
			cartCents := cartDiscount.Round(0).IntPart()
			if cartCents > 0 {
				result.TotalCartDiscountCents = cartCents
				result.AppliedSummary = append(result.AppliedSummary, domain.AppliedRuleInfo{
					RuleID:        campaign.ID + ":cart",
					RuleName:      campaign.Name,
					RuleType:      "cart_" + string(cart.Type),
					DiscountCents: cartCents,
				})
			}
		}
	}

	sort.Slice(result.AppliedSummary, func(i, j int) bool {
		return result.AppliedSummary[i].RuleID < result.AppliedSummary[j].RuleID
	})
	return result
}
