package domain

import (
	"fmt"
	"time"
)

// All monetary amounts are integer cents. FullyPaidEpsilonCents is the single
// tolerance used when deciding whether an outstanding credit balance counts
// as settled; do not compare against literal values elsewhere.
const FullyPaidEpsilonCents int64 = 1

type RecordType string

const (
	RecordTypeSale              RecordType = "SALE"
	RecordTypeReturnTransaction RecordType = "RETURN_TRANSACTION"
)

func ParseRecordType(raw string) (RecordType, error) {
	switch RecordType(raw) {
	case RecordTypeSale, RecordTypeReturnTransaction:
		return RecordType(raw), nil
	}
	return "", fmt.Errorf("unknown record type %q", raw)
}

type SaleStatus string

const (
	StatusCompletedOriginal          SaleStatus = "COMPLETED_ORIGINAL"
	StatusAdjustedActive             SaleStatus = "ADJUSTED_ACTIVE"
	StatusReturnTransactionCompleted SaleStatus = "RETURN_TRANSACTION_COMPLETED"
)

func ParseSaleStatus(raw string) (SaleStatus, error) {
	switch SaleStatus(raw) {
	case StatusCompletedOriginal, StatusAdjustedActive, StatusReturnTransactionCompleted:
		return SaleStatus(raw), nil
	}
	return "", fmt.Errorf("unknown sale status %q", raw)
}

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCredit PaymentMethod = "credit"
	PaymentMethodRefund PaymentMethod = "refund"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(raw) {
	case PaymentMethodCash, PaymentMethodCredit, PaymentMethodRefund:
		return PaymentMethod(raw), nil
	}
	return "", fmt.Errorf("unknown payment method %q", raw)
}

type CreditPaymentStatus string

const (
	CreditPending       CreditPaymentStatus = "PENDING"
	CreditPartiallyPaid CreditPaymentStatus = "PARTIALLY_PAID"
	CreditFullyPaid     CreditPaymentStatus = "FULLY_PAID"
)

func ParseCreditPaymentStatus(raw string) (CreditPaymentStatus, error) {
	switch CreditPaymentStatus(raw) {
	case CreditPending, CreditPartiallyPaid, CreditFullyPaid:
		return CreditPaymentStatus(raw), nil
	}
	return "", fmt.Errorf("unknown credit payment status %q", raw)
}

// DeriveCreditStatus computes the credit payment status from the outstanding
// balance. hasActivity marks partial activity beyond payments (e.g. an active
// return on the bill) which keeps a zero-payment bill out of PENDING.
func DeriveCreditStatus(outstandingCents int64, amountPaidCents int64, hasActivity bool) CreditPaymentStatus {
	if outstandingCents <= FullyPaidEpsilonCents {
		return CreditFullyPaid
	}
	if amountPaidCents > 0 || hasActivity {
		return CreditPartiallyPaid
	}
	return CreditPending
}

type UnitDefinition struct {
	BaseUnit     string   `json:"base_unit"`
	DerivedUnits []string `json:"derived_units,omitempty"`
}

func DefaultUnits() UnitDefinition {
	return UnitDefinition{BaseUnit: "pcs"}
}

// SaleItem is a line item frozen at sale time. Name, category and price are
// snapshots: they stay meaningful even after the product master changes or
// the product is deleted.
type SaleItem struct {
	ProductID                      string         `json:"product_id"`
	Name                           string         `json:"name"`
	Category                       string         `json:"category,omitempty"`
	Units                          UnitDefinition `json:"units"`
	Quantity                       int            `json:"quantity"`
	PriceAtSaleCents               int64          `json:"price_at_sale_cents"`
	EffectivePricePaidPerUnitCents int64          `json:"effective_price_paid_per_unit_cents"`
	LineDiscountCents              int64          `json:"line_discount_cents"`
}

// ReturnedItemDetail is one logical return event for one product line.
// Entries are soft-voided through IsUndone, never removed, except when the
// adjusted record collapses back to the pristine original.
type ReturnedItemDetail struct {
	ID                  string         `json:"id"`
	ItemID              string         `json:"item_id"`
	Name                string         `json:"name"`
	ReturnedQuantity    int            `json:"returned_quantity"`
	Units               UnitDefinition `json:"units"`
	RefundPerUnitCents  int64          `json:"refund_per_unit_cents"`
	TotalRefundCents    int64          `json:"total_refund_cents"`
	ReturnDate          time.Time      `json:"return_date"`
	ReturnTransactionID string         `json:"return_transaction_id"`
	IsUndone            bool           `json:"is_undone"`
	UndoneAt            *time.Time     `json:"undone_at,omitempty"`
	UndoneByUserID      string         `json:"undone_by_user_id,omitempty"`
	ProcessedByUserID   string         `json:"processed_by_user_id"`
}

type PaymentInstallment struct {
	ID               string    `json:"id"`
	SaleRecordID     string    `json:"sale_record_id"`
	AmountPaidCents  int64     `json:"amount_paid_cents"`
	Method           string    `json:"method"`
	PaymentDate      time.Time `json:"payment_date"`
	Notes            string    `json:"notes,omitempty"`
	RecordedByUserID string    `json:"recorded_by_user_id"`
	CreatedAt        time.Time `json:"created_at"`
}

type AppliedRuleInfo struct {
	RuleID        string `json:"rule_id"`
	RuleName      string `json:"rule_name"`
	RuleType      string `json:"rule_type"`
	ProductID     string `json:"product_id,omitempty"`
	DiscountCents int64  `json:"discount_cents"`
}

// SaleRecord is one version of a bill: the pristine original, the derived
// adjusted bill, or a standalone return transaction. Totals are always
// derived from the items, never authored independently.
type SaleRecord struct {
	ID                     string               `json:"id"`
	RecordType             RecordType           `json:"record_type"`
	BillNumber             string               `json:"bill_number"`
	Status                 SaleStatus           `json:"status"`
	Date                   time.Time            `json:"date"`
	CreatedByUserID        string               `json:"created_by_user_id"`
	CustomerName           string               `json:"customer_name,omitempty"`
	Items                  []SaleItem           `json:"items"`
	SubtotalOriginalCents  int64                `json:"subtotal_original_cents"`
	TotalItemDiscountCents int64                `json:"total_item_discount_cents"`
	TotalCartDiscountCents int64                `json:"total_cart_discount_cents"`
	NetSubtotalCents       int64                `json:"net_subtotal_cents"`
	TaxRate                float64              `json:"tax_rate"`
	TaxAmountCents         int64                `json:"tax_amount_cents"`
	TotalAmountCents       int64                `json:"total_amount_cents"`
	AppliedDiscountSummary []AppliedRuleInfo    `json:"applied_discount_summary,omitempty"`
	ActiveCampaignID       string               `json:"active_campaign_id,omitempty"`
	PaymentMethod          PaymentMethod        `json:"payment_method"`
	AmountPaidCents        int64                `json:"amount_paid_cents"`
	ChangeDueCents         int64                `json:"change_due_cents"`
	ReturnedItemsLog       []ReturnedItemDetail `json:"returned_items_log,omitempty"`
	OriginalSaleRecordID   string               `json:"original_sale_record_id,omitempty"`
	IsCreditSale           bool                 `json:"is_credit_sale"`
	CreditOutstandingCents int64                `json:"credit_outstanding_cents"`
	CreditPaymentStatus    CreditPaymentStatus  `json:"credit_payment_status,omitempty"`
	CreditLastPaymentDate  *time.Time           `json:"credit_last_payment_date,omitempty"`
	Installments           []PaymentInstallment `json:"installments,omitempty"`

	// HasReturns is a read-side flag: true when the bill currently carries at
	// least one non-undone return entry. Not persisted.
	HasReturns bool `json:"has_returns"`
}

// ActiveReturnEntries returns the log entries that have not been undone.
func (r *SaleRecord) ActiveReturnEntries() []ReturnedItemDetail {
	active := make([]ReturnedItemDetail, 0, len(r.ReturnedItemsLog))
	for _, entry := range r.ReturnedItemsLog {
		if !entry.IsUndone {
			active = append(active, entry)
		}
	}
	return active
}

// Clone deep-copies the record so stores and callers never alias slices.
func (r *SaleRecord) Clone() *SaleRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]SaleItem(nil), r.Items...)
	c.AppliedDiscountSummary = append([]AppliedRuleInfo(nil), r.AppliedDiscountSummary...)
	c.ReturnedItemsLog = append([]ReturnedItemDetail(nil), r.ReturnedItemsLog...)
	c.Installments = append([]PaymentInstallment(nil), r.Installments...)
	if r.CreditLastPaymentDate != nil {
		at := *r.CreditLastPaymentDate
		c.CreditLastPaymentDate = &at
	}
	return &c
}

// Product is the stock ledger view of a product. IsService is the single
// capability flag deciding whether stock is touched for this product;
// every stock mutation path checks it the same way.
type Product struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Category          string         `json:"category,omitempty"`
	Units             UnitDefinition `json:"units"`
	SellingPriceCents int64          `json:"selling_price_cents"`
	CostPriceCents    int64          `json:"cost_price_cents,omitempty"`
	Stock             int            `json:"stock"`
	IsService         bool           `json:"is_service"`
	SpecificTaxRate   *float64       `json:"specific_tax_rate,omitempty"`
	Active            bool           `json:"active"`
}

type DiscountRuleType string

const (
	RulePercentage  DiscountRuleType = "percentage"
	RuleFixedAmount DiscountRuleType = "fixed_amount"
)

type ProductDiscountRule struct {
	ProductID   string           `json:"product_id"`
	Type        DiscountRuleType `json:"type"`
	Percent     float64          `json:"percent,omitempty"`
	AmountCents int64            `json:"amount_cents,omitempty"`
	MinQuantity int              `json:"min_quantity,omitempty"`
}

type CartDiscountRule struct {
	Type           DiscountRuleType `json:"type"`
	Percent        float64          `json:"percent,omitempty"`
	AmountCents    int64            `json:"amount_cents,omitempty"`
	ThresholdCents int64            `json:"threshold_cents,omitempty"`
}

// DiscountCampaign identifies the discount configuration a sale was rung up
// under. Reconciliation replays the engine against the campaign referenced
// by the pristine original.
type DiscountCampaign struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Active       bool                  `json:"active"`
	ProductRules []ProductDiscountRule `json:"product_rules,omitempty"`
	CartRule     *CartDiscountRule     `json:"cart_rule,omitempty"`
}

type Actor struct {
	UserID string
	Role   string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	ID                string         `json:"id,omitempty"`
	Name              string         `json:"name" validate:"required"`
	Category          string         `json:"category"`
	Units             UnitDefinition `json:"units"`
	SellingPriceCents int64          `json:"selling_price_cents" validate:"gt=0"`
	CostPriceCents    int64          `json:"cost_price_cents" validate:"gte=0"`
	InitialStock      int            `json:"initial_stock" validate:"gte=0"`
	IsService         bool           `json:"is_service"`
	SpecificTaxRate   *float64       `json:"specific_tax_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
}

type ProductUpdateRequest struct {
	Name              *string  `json:"name,omitempty" validate:"omitempty,min=1"`
	Category          *string  `json:"category,omitempty"`
	SellingPriceCents *int64   `json:"selling_price_cents,omitempty" validate:"omitempty,gt=0"`
	Stock             *int     `json:"stock,omitempty" validate:"omitempty,gte=0"`
	SpecificTaxRate   *float64 `json:"specific_tax_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
	Active            *bool    `json:"active,omitempty"`
}

type SaleCommitItem struct {
	ProductID         string         `json:"product_id" validate:"required"`
	Name              string         `json:"name" validate:"required"`
	Category          string         `json:"category"`
	Units             UnitDefinition `json:"units"`
	Quantity          int            `json:"quantity" validate:"gt=0"`
	PriceAtSaleCents  int64          `json:"price_at_sale_cents" validate:"gte=0"`
	LineDiscountCents int64          `json:"line_discount_cents" validate:"gte=0"`
}

// SaleCommitRequest is the candidate sale handed to the commit protocol.
// Totals are intentionally absent: the protocol derives them from the lines.
type SaleCommitRequest struct {
	ID                     string            `json:"id,omitempty"`
	RecordType             RecordType        `json:"record_type" validate:"required"`
	Status                 SaleStatus        `json:"status" validate:"required"`
	BillNumber             string            `json:"bill_number" validate:"required"`
	Date                   time.Time         `json:"date"`
	CustomerName           string            `json:"customer_name"`
	Items                  []SaleCommitItem  `json:"items" validate:"required,min=1,dive"`
	CartDiscountCents      int64             `json:"cart_discount_cents" validate:"gte=0"`
	TaxRate                float64           `json:"tax_rate" validate:"gte=0,lte=1"`
	PaymentMethod          PaymentMethod     `json:"payment_method" validate:"required"`
	AmountPaidCents        int64             `json:"amount_paid_cents" validate:"gte=0"`
	ActiveCampaignID       string            `json:"active_campaign_id,omitempty"`
	AppliedDiscountSummary []AppliedRuleInfo `json:"applied_discount_summary,omitempty"`
	OriginalSaleRecordID   string            `json:"original_sale_record_id,omitempty"`
}

type ReturnLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type ProcessReturnRequest struct {
	BillNumber string       `json:"bill_number" validate:"required"`
	Lines      []ReturnLine `json:"lines" validate:"required,min=1,dive"`
}

type UndoReturnRequest struct {
	MasterSaleRecordID   string `json:"master_sale_record_id" validate:"required"`
	ReturnedItemDetailID string `json:"returned_item_detail_id" validate:"required"`
	ManagerPIN           string `json:"manager_pin,omitempty"`
}

type CreditPaymentRequest struct {
	SaleRecordID string `json:"sale_record_id" validate:"required"`
	AmountCents  int64  `json:"amount_cents" validate:"gt=0"`
	Method       string `json:"method" validate:"required"`
	Notes        string `json:"notes"`
}

// ReturnResult reports the outcome of processing a return: the immutable
// RETURN_TRANSACTION record that was written and the bill's active view
// after reconciliation.
type ReturnResult struct {
	ReturnTransaction *SaleRecord `json:"return_transaction"`
	ActiveView        *SaleRecord `json:"active_view"`
}

// SaleContext pairs the immutable original of a bill with its currently
// active view so callers can diff what returns changed.
type SaleContext struct {
	PristineOriginal *SaleRecord `json:"pristine_original"`
	ActiveView       *SaleRecord `json:"active_view"`
	HasActiveReturns bool        `json:"has_active_returns"`
}

type SaleListPage struct {
	Sales      []SaleRecord `json:"sales"`
	TotalCount int          `json:"total_count"`
}

type CreditSaleFilters struct {
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}
