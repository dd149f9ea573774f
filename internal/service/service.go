// Package service implements the sale ledger reconciliation core: the sale
// commit protocol, return processing and undo reconciliation, the credit
// payment ledger and the sale context resolver. All business invariants live
// here; stores only provide atomic persistence.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/discount"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/validate"
	"ledgerpos/backend/internal/xid"
)

const saleContextTTL = 5 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	engine  discount.Engine
	ctxs    cache.SaleContextCache
	nowFunc func() time.Time
}

func New(repo store.Repository, engine discount.Engine, ctxs cache.SaleContextCache) *Service {
	if engine == nil {
		engine = discount.NewRuleEngine()
	}
	if ctxs == nil {
		ctxs = cache.Noop{}
	}
	return &Service{
		repo:    repo,
		engine:  engine,
		ctxs:    ctxs,
		nowFunc: time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC()
}

// requireActor enforces actor attribution on every mutating operation.
// A missing actor is a hard failure, never an anonymous write.
func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing acting user", store.ErrInvalidInput)
	}
	return actor, nil
}

func (s *Service) invalidateSaleContext(ctx context.Context, billNumber string) {
	if billNumber == "" {
		return
	}
	if err := s.ctxs.Invalidate(ctx, billNumber); err != nil {
		log.Printf("[service] WARN: failed to invalidate sale context bill=%s: %v", billNumber, err)
	}
}

// --- Products ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if err := validate.Struct(req); err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.Units.BaseUnit == "" {
		req.Units = domain.DefaultUnits()
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	product := domain.Product{
		ID:                id,
		Name:              req.Name,
		Category:          req.Category,
		Units:             req.Units,
		SellingPriceCents: req.SellingPriceCents,
		CostPriceCents:    req.CostPriceCents,
		Stock:             req.InitialStock,
		IsService:         req.IsService,
		SpecificTaxRate:   req.SpecificTaxRate,
		Active:            true,
	}
	if product.IsService {
		// Services never carry stock; a seeded quantity would dangle forever.
		product.Stock = 0
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if err := validate.Struct(req); err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.SellingPriceCents != nil {
		updated.SellingPriceCents = *req.SellingPriceCents
	}
	if req.Stock != nil {
		if updated.IsService {
			return domain.Product{}, fmt.Errorf("%w: service products carry no stock", store.ErrInvalidInput)
		}
		updated.Stock = *req.Stock
	}
	if req.SpecificTaxRate != nil {
		updated.SpecificTaxRate = req.SpecificTaxRate
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

// --- Discount campaigns ---

func (s *Service) ListDiscountCampaigns(ctx context.Context) ([]domain.DiscountCampaign, error) {
	return s.repo.ListDiscountCampaigns(ctx)
}

func (s *Service) CreateDiscountCampaign(ctx context.Context, campaign domain.DiscountCampaign) (domain.DiscountCampaign, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.DiscountCampaign{}, fmt.Errorf("admin role required")
	}
	campaign.Name = strings.TrimSpace(campaign.Name)
	if campaign.Name == "" {
		return domain.DiscountCampaign{}, store.ErrInvalidInput
	}
	if campaign.ID == "" {
		campaign.ID = xid.New("dc")
	}
	created, err := s.repo.CreateDiscountCampaign(ctx, campaign)
	if err != nil {
		return domain.DiscountCampaign{}, err
	}
	return *created, nil
}

// --- Sale context resolver ---

// GetSaleContext resolves a bill number to its pristine original plus the
// currently active view. The active view is the adjusted record when one
// exists, otherwise the pristine original itself.
func (s *Service) GetSaleContext(ctx context.Context, billNumber string) (*domain.SaleContext, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	billNumber = strings.TrimSpace(billNumber)
	if billNumber == "" {
		return nil, fmt.Errorf("%w: bill number required", store.ErrInvalidInput)
	}

	if cached, ok, err := s.ctxs.Get(ctx, billNumber); err != nil {
		log.Printf("[service] WARN: sale context cache read bill=%s: %v", billNumber, err)
	} else if ok && cached.PristineOriginal != nil {
		if err := authorizeBillAccess(actor, cached.PristineOriginal); err != nil {
			return nil, err
		}
		return cached, nil
	}

	pristine, err := s.repo.FindOriginalByBillNumber(ctx, billNumber)
	if err != nil {
		return nil, err
	}
	if err := authorizeBillAccess(actor, pristine); err != nil {
		return nil, err
	}

	active := pristine
	adjusted, err := s.repo.FindAdjustedByOriginalID(ctx, pristine.ID)
	switch {
	case err == nil:
		active = adjusted
	case errors.Is(err, store.ErrNotFound):
		// No adjustments; the original is the active view.
	default:
		return nil, err
	}

	sc := &domain.SaleContext{
		PristineOriginal: pristine,
		ActiveView:       active,
		HasActiveReturns: len(active.ActiveReturnEntries()) > 0,
	}
	if err := s.ctxs.Set(ctx, billNumber, sc, saleContextTTL); err != nil {
		log.Printf("[service] WARN: sale context cache write bill=%s: %v", billNumber, err)
	}
	return sc, nil
}

// authorizeBillAccess scopes bill lookups to the user who created the sale.
// Admins see every bill.
func authorizeBillAccess(actor domain.Actor, pristine *domain.SaleRecord) error {
	if actor.Role == "admin" {
		return nil
	}
	if pristine.CreatedByUserID != actor.UserID {
		return store.ErrNotFound
	}
	return nil
}

// --- Listings ---

func (s *Service) ListSales(ctx context.Context, page, limit int) (domain.SaleListPage, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleListPage{}, err
	}
	page, limit = normalizePaging(page, limit)
	userID := actor.UserID
	if actor.Role == "admin" {
		userID = ""
	}
	return s.repo.ListOriginalSales(ctx, userID, page, limit)
}

func (s *Service) ListOpenCreditSales(ctx context.Context, page, limit int, filters domain.CreditSaleFilters) (domain.SaleListPage, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleListPage{}, err
	}
	page, limit = normalizePaging(page, limit)
	userID := actor.UserID
	if actor.Role == "admin" {
		userID = ""
	}
	return s.repo.ListOpenCreditSales(ctx, userID, page, limit, filters)
}

func (s *Service) GetSaleRecord(ctx context.Context, id string) (*domain.SaleRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.repo.GetSaleRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != "admin" && record.CreatedByUserID != actor.UserID {
		return nil, store.ErrNotFound
	}
	return record, nil
}

// ListInstallments returns the payment history of a credit bill. Installments
// are keyed to the pristine original, so callers may pass either the original
// or the adjusted record id.
func (s *Service) ListInstallments(ctx context.Context, saleRecordID string) ([]domain.PaymentInstallment, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	record, err := s.repo.GetSaleRecord(ctx, saleRecordID)
	if err != nil {
		return nil, err
	}
	billID := record.ID
	if record.OriginalSaleRecordID != "" {
		billID = record.OriginalSaleRecordID
	}
	return s.repo.ListInstallments(ctx, billID)
}

// --- Credit payment ledger ---

// RecordCreditPayment appends one installment against a credit bill and rolls
// the derived credit fields forward on both the pristine original and the
// adjusted record when one exists. The installment is keyed to the pristine
// original so payment history survives a later collapse of the adjustment.
func (s *Service) RecordCreditPayment(ctx context.Context, req domain.CreditPaymentRequest) (*domain.SaleRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	var result *domain.SaleRecord
	var billNumber string
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		record, err := tx.GetSaleRecord(ctx, req.SaleRecordID)
		if err != nil {
			return err
		}

		pristine, active, err := resolveBillPair(ctx, tx, record)
		if err != nil {
			return err
		}
		billNumber = pristine.BillNumber

		if !active.IsCreditSale || active.RecordType != domain.RecordTypeSale {
			return store.ErrNotCreditSale
		}
		if active.CreditPaymentStatus == domain.CreditFullyPaid {
			return store.ErrAlreadyFullyPaid
		}
		if req.AmountCents > active.CreditOutstandingCents {
			return fmt.Errorf("%w: amount %d exceeds outstanding %d",
				store.ErrOverpayment, req.AmountCents, active.CreditOutstandingCents)
		}

		now := s.now()
		installment := domain.PaymentInstallment{
			ID:               xid.New("pay"),
			SaleRecordID:     pristine.ID,
			AmountPaidCents:  req.AmountCents,
			Method:           strings.ToUpper(strings.TrimSpace(req.Method)),
			PaymentDate:      now,
			Notes:            strings.TrimSpace(req.Notes),
			RecordedByUserID: actor.UserID,
			CreatedAt:        now,
		}
		if err := tx.CreateInstallment(ctx, installment); err != nil {
			return err
		}

		applyCreditPayment(pristine, req.AmountCents, now, false)
		if err := tx.UpdateSaleRecord(ctx, pristine); err != nil {
			return err
		}
		if active.ID != pristine.ID {
			applyCreditPayment(active, req.AmountCents, now, len(active.ActiveReturnEntries()) > 0)
			if err := tx.UpdateSaleRecord(ctx, active); err != nil {
				return err
			}
		}

		result, err = tx.GetSaleRecord(ctx, active.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSaleContext(ctx, billNumber)
	return result, nil
}

// applyCreditPayment rolls AmountPaid forward and re-derives the outstanding
// balance and status against the record's own total.
func applyCreditPayment(record *domain.SaleRecord, amountCents int64, at time.Time, hasActivity bool) {
	record.AmountPaidCents += amountCents
	outstanding := record.TotalAmountCents - record.AmountPaidCents
	if outstanding < 0 {
		outstanding = 0
	}
	record.CreditOutstandingCents = outstanding
	record.CreditPaymentStatus = domain.DeriveCreditStatus(outstanding, record.AmountPaidCents, hasActivity)
	paidAt := at
	record.CreditLastPaymentDate = &paidAt
}

// resolveBillPair maps any record of a bill to its (pristine, active) pair.
// A dangling OriginalSaleRecordID is an integrity violation, not a miss.
func resolveBillPair(ctx context.Context, tx store.Tx, record *domain.SaleRecord) (pristine, active *domain.SaleRecord, err error) {
	if record.OriginalSaleRecordID != "" && record.RecordType == domain.RecordTypeSale {
		pristine, err = tx.GetSaleRecord(ctx, record.OriginalSaleRecordID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: adjusted record %s references missing original %s",
					store.ErrIntegrity, record.ID, record.OriginalSaleRecordID)
			}
			return nil, nil, err
		}
		return pristine, record, nil
	}

	pristine = record
	adjusted, err := tx.FindAdjustedByOriginalID(ctx, pristine.ID)
	switch {
	case err == nil:
		return pristine, adjusted, nil
	case errors.Is(err, store.ErrNotFound):
		return pristine, pristine, nil
	default:
		return nil, nil, err
	}
}

func normalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
