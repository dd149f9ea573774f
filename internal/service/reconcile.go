package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/discount"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/validate"
	"ledgerpos/backend/internal/xid"
)

// pricedLine pairs a finalized sale line with the tax rate that applies to
// it. Rates are resolved per line because products may override the bill's
// default rate.
type pricedLine struct {
	item    domain.SaleItem
	taxRate float64
}

type billTotals struct {
	SubtotalCents     int64
	ItemDiscountCents int64
	CartDiscountCents int64
	NetSubtotalCents  int64
	TaxCents          int64
	TotalCents        int64
}

// deriveBillTotals computes every financial total of a bill from its lines.
// The cart discount is allocated across lines proportionally to each line's
// item-discounted value before tax is applied, so tax is only charged on
// what the customer actually pays.
func deriveBillTotals(lines []pricedLine, cartDiscountCents int64) billTotals {
	var t billTotals
	for _, line := range lines {
		t.SubtotalCents += line.item.PriceAtSaleCents * int64(line.item.Quantity)
		t.ItemDiscountCents += line.item.LineDiscountCents
	}

	base := t.SubtotalCents - t.ItemDiscountCents
	if base < 0 {
		base = 0
	}
	if cartDiscountCents < 0 {
		cartDiscountCents = 0
	}
	if cartDiscountCents > base {
		cartDiscountCents = base
	}
	t.CartDiscountCents = cartDiscountCents
	t.NetSubtotalCents = base - cartDiscountCents

	tax := decimal.Zero
	baseDec := decimal.NewFromInt(base)
	cartDec := decimal.NewFromInt(cartDiscountCents)
	for _, line := range lines {
		lineNet := line.item.PriceAtSaleCents*int64(line.item.Quantity) - line.item.LineDiscountCents
		if lineNet <= 0 {
			continue
		}
		taxable := decimal.NewFromInt(lineNet)
		if cartDiscountCents > 0 && base > 0 {
			share := cartDec.Mul(decimal.NewFromInt(lineNet)).Div(baseDec)
			taxable = taxable.Sub(share)
		}
		if taxable.IsNegative() {
			continue
		}
		tax = tax.Add(taxable.Mul(decimal.NewFromFloat(line.taxRate)))
	}
	t.TaxCents = tax.Round(0).IntPart()
	if t.TaxCents < 0 {
		t.TaxCents = 0
	}
	t.TotalCents = t.NetSubtotalCents + t.TaxCents
	return t
}

// effectiveUnitPrice is the per-unit price after the line's own discount.
// Cart-level discounts do not flow into it; refunds use the item-level view.
func effectiveUnitPrice(priceCents, lineDiscountCents int64, quantity int) int64 {
	if quantity <= 0 {
		return priceCents
	}
	perUnit := decimal.NewFromInt(lineDiscountCents).
		Div(decimal.NewFromInt(int64(quantity))).
		Round(0).IntPart()
	effective := priceCents - perUnit
	if effective < 0 {
		effective = 0
	}
	return effective
}

func applyTotals(record *domain.SaleRecord, t billTotals) {
	record.SubtotalOriginalCents = t.SubtotalCents
	record.TotalItemDiscountCents = t.ItemDiscountCents
	record.TotalCartDiscountCents = t.CartDiscountCents
	record.NetSubtotalCents = t.NetSubtotalCents
	record.TaxAmountCents = t.TaxCents
	record.TotalAmountCents = t.TotalCents
}

// --- Sale commit protocol ---

// CommitSale persists a candidate sale as one atomic unit: the record, its
// stock decrements and, for credit sales with a down payment, the initial
// installment. Totals are derived server-side from the lines; any totals a
// client might compute are ignored. Resubmitting an existing record id
// updates that record in place without touching stock.
func (s *Service) CommitSale(ctx context.Context, req domain.SaleCommitRequest) (*domain.SaleRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if _, err := domain.ParseRecordType(string(req.RecordType)); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if _, err := domain.ParseSaleStatus(string(req.Status)); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if _, err := domain.ParsePaymentMethod(string(req.PaymentMethod)); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if req.RecordType == domain.RecordTypeReturnTransaction && req.Status != domain.StatusReturnTransactionCompleted {
		return nil, fmt.Errorf("%w: return transactions must be RETURN_TRANSACTION_COMPLETED", store.ErrInvalidInput)
	}
	if req.Status == domain.StatusAdjustedActive && req.OriginalSaleRecordID == "" {
		return nil, fmt.Errorf("%w: adjusted records must reference their original", store.ErrInvalidInput)
	}
	if req.PaymentMethod == domain.PaymentMethodCredit && req.RecordType != domain.RecordTypeSale {
		return nil, fmt.Errorf("%w: only sales can be credit", store.ErrInvalidInput)
	}

	date := req.Date
	if date.IsZero() {
		date = s.now()
	}

	var result *domain.SaleRecord
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.ID != "" {
			return s.commitUpdate(ctx, tx, req, date, &result)
		}
		return s.commitCreate(ctx, tx, req, actor, date, &result)
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSaleContext(ctx, req.BillNumber)
	return result, nil
}

func (s *Service) commitCreate(ctx context.Context, tx store.Tx, req domain.SaleCommitRequest, actor domain.Actor, date time.Time, result **domain.SaleRecord) error {
	newOriginal := req.RecordType == domain.RecordTypeSale &&
		req.Status == domain.StatusCompletedOriginal &&
		req.OriginalSaleRecordID == ""

	if newOriginal {
		_, err := tx.FindOriginalByBillNumber(ctx, req.BillNumber)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", store.ErrDuplicateBillNumber, req.BillNumber)
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}
	}

	lines, err := s.buildLines(ctx, tx, req)
	if err != nil {
		return err
	}

	record := s.assembleRecord(req, actor.UserID, date, lines)
	record.ID = uuid.NewString()

	if err := tx.CreateSaleRecord(ctx, record); err != nil {
		return err
	}

	if newOriginal {
		for _, line := range lines {
			product, err := tx.GetProduct(ctx, line.item.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				// Ad-hoc line not in the catalog; nothing to decrement.
				continue
			}
			if err != nil {
				return err
			}
			if product.IsService {
				continue
			}
			if err := tx.AdjustStock(ctx, line.item.ProductID, -line.item.Quantity, actor.UserID); err != nil {
				return fmt.Errorf("product %s: %w", line.item.ProductID, err)
			}
		}
	}

	if record.IsCreditSale && record.AmountPaidCents > 0 && record.Status == domain.StatusCompletedOriginal {
		now := s.now()
		installment := domain.PaymentInstallment{
			ID:               xid.New("pay"),
			SaleRecordID:     record.ID,
			AmountPaidCents:  record.AmountPaidCents,
			Method:           "CREDIT_INITIAL",
			PaymentDate:      date,
			Notes:            "Initial payment made at point of sale.",
			RecordedByUserID: actor.UserID,
			CreatedAt:        now,
		}
		if err := tx.CreateInstallment(ctx, installment); err != nil {
			return err
		}
	}

	saved, err := tx.GetSaleRecord(ctx, record.ID)
	if err != nil {
		return err
	}
	*result = saved
	return nil
}

// commitUpdate rewrites the financial content of an existing record. Stock
// was adjusted when the record was first committed, so updates never touch
// it again.
func (s *Service) commitUpdate(ctx context.Context, tx store.Tx, req domain.SaleCommitRequest, date time.Time, result **domain.SaleRecord) error {
	existing, err := tx.GetSaleRecord(ctx, req.ID)
	if err != nil {
		return err
	}

	// A rename onto another bill's number would leave two COMPLETED_ORIGINAL
	// records sharing it; updates get the same uniqueness check as creates.
	stillOriginal := req.RecordType == domain.RecordTypeSale &&
		req.Status == domain.StatusCompletedOriginal &&
		req.OriginalSaleRecordID == ""
	if stillOriginal && req.BillNumber != existing.BillNumber {
		conflict, err := tx.FindOriginalByBillNumber(ctx, req.BillNumber)
		switch {
		case err == nil:
			if conflict.ID != existing.ID {
				return fmt.Errorf("%w: %s", store.ErrDuplicateBillNumber, req.BillNumber)
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}
	}

	lines, err := s.buildLines(ctx, tx, req)
	if err != nil {
		return err
	}

	record := s.assembleRecord(req, existing.CreatedByUserID, date, lines)
	record.ID = existing.ID
	record.ReturnedItemsLog = existing.ReturnedItemsLog
	record.CreditLastPaymentDate = existing.CreditLastPaymentDate

	if err := tx.UpdateSaleRecord(ctx, record); err != nil {
		return err
	}
	saved, err := tx.GetSaleRecord(ctx, record.ID)
	if err != nil {
		return err
	}
	*result = saved
	return nil
}

// buildLines snapshots the request lines against the catalog: line prices
// come from the request (falling back to the live product when absent) and
// tax rates resolve per product.
func (s *Service) buildLines(ctx context.Context, tx store.Tx, req domain.SaleCommitRequest) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	for _, in := range req.Items {
		if seen[in.ProductID] {
			return nil, fmt.Errorf("%w: duplicate line for product %s", store.ErrInvalidInput, in.ProductID)
		}
		seen[in.ProductID] = true

		price := in.PriceAtSaleCents
		rate := req.TaxRate
		units := in.Units
		if units.BaseUnit == "" {
			units = domain.DefaultUnits()
		}

		product, err := tx.GetProduct(ctx, in.ProductID)
		switch {
		case err == nil:
			if price == 0 {
				price = product.SellingPriceCents
			}
			if product.SpecificTaxRate != nil {
				rate = *product.SpecificTaxRate
			}
			if units.BaseUnit == domain.DefaultUnits().BaseUnit && product.Units.BaseUnit != "" {
				units = product.Units
			}
		case errors.Is(err, store.ErrNotFound):
			if price == 0 {
				return nil, fmt.Errorf("%w: product %s has no price", store.ErrInvalidInput, in.ProductID)
			}
		default:
			return nil, err
		}

		lineValue := price * int64(in.Quantity)
		lineDiscount := in.LineDiscountCents
		if lineDiscount > lineValue {
			lineDiscount = lineValue
		}

		lines = append(lines, pricedLine{
			item: domain.SaleItem{
				ProductID:                      in.ProductID,
				Name:                           strings.TrimSpace(in.Name),
				Category:                       strings.TrimSpace(in.Category),
				Units:                          units,
				Quantity:                       in.Quantity,
				PriceAtSaleCents:               price,
				EffectivePricePaidPerUnitCents: effectiveUnitPrice(price, lineDiscount, in.Quantity),
				LineDiscountCents:              lineDiscount,
			},
			taxRate: rate,
		})
	}
	return lines, nil
}

func (s *Service) assembleRecord(req domain.SaleCommitRequest, createdBy string, date time.Time, lines []pricedLine) *domain.SaleRecord {
	totals := deriveBillTotals(lines, req.CartDiscountCents)

	items := make([]domain.SaleItem, len(lines))
	for i, line := range lines {
		items[i] = line.item
	}

	record := &domain.SaleRecord{
		RecordType:             req.RecordType,
		BillNumber:             strings.TrimSpace(req.BillNumber),
		Status:                 req.Status,
		Date:                   date,
		CreatedByUserID:        createdBy,
		CustomerName:           strings.TrimSpace(req.CustomerName),
		Items:                  items,
		TaxRate:                req.TaxRate,
		AppliedDiscountSummary: req.AppliedDiscountSummary,
		ActiveCampaignID:       req.ActiveCampaignID,
		PaymentMethod:          req.PaymentMethod,
		AmountPaidCents:        req.AmountPaidCents,
		OriginalSaleRecordID:   req.OriginalSaleRecordID,
	}
	applyTotals(record, totals)

	if req.PaymentMethod == domain.PaymentMethodCredit && req.RecordType == domain.RecordTypeSale {
		record.IsCreditSale = true
		outstanding := record.TotalAmountCents - record.AmountPaidCents
		if outstanding < 0 {
			outstanding = 0
		}
		record.CreditOutstandingCents = outstanding
		record.CreditPaymentStatus = domain.DeriveCreditStatus(outstanding, record.AmountPaidCents, false)
		if record.AmountPaidCents > 0 {
			paidAt := date
			record.CreditLastPaymentDate = &paidAt
		}
	} else {
		change := record.AmountPaidCents - record.TotalAmountCents
		if change < 0 {
			change = 0
		}
		record.ChangeDueCents = change
	}
	return record
}

// --- Return processing ---

// ProcessReturn takes back items against a committed sale. It writes an
// immutable RETURN_TRANSACTION record, restocks returned goods, appends
// return log entries and reconciles the bill's adjusted view, all in one
// transaction.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ProcessReturnRequest) (*domain.ReturnResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	var result domain.ReturnResult
	var billNumber string
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pristine, err := tx.FindOriginalByBillNumber(ctx, req.BillNumber)
		if err != nil {
			return err
		}
		if pristine.RecordType != domain.RecordTypeSale {
			return fmt.Errorf("%w: returns only apply to sales", store.ErrInvalidInput)
		}
		billNumber = pristine.BillNumber

		var adjusted *domain.SaleRecord
		adjusted, err = tx.FindAdjustedByOriginalID(ctx, pristine.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			adjusted = nil
		}

		alreadyReturned := make(map[string]int)
		if adjusted != nil {
			for _, entry := range adjusted.ActiveReturnEntries() {
				alreadyReturned[entry.ItemID] += entry.ReturnedQuantity
			}
		}
		pristineItems := make(map[string]domain.SaleItem, len(pristine.Items))
		for _, item := range pristine.Items {
			pristineItems[item.ProductID] = item
		}

		now := s.now()
		returnID := uuid.NewString()
		seen := make(map[string]bool, len(req.Lines))
		returnItems := make([]domain.SaleItem, 0, len(req.Lines))
		logEntries := make([]domain.ReturnedItemDetail, 0, len(req.Lines))
		var refundTotal int64

		for _, line := range req.Lines {
			if seen[line.ProductID] {
				return fmt.Errorf("%w: duplicate return line for product %s", store.ErrInvalidInput, line.ProductID)
			}
			seen[line.ProductID] = true

			item, ok := pristineItems[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %s is not on bill %s", store.ErrInvalidInput, line.ProductID, pristine.BillNumber)
			}
			returnable := item.Quantity - alreadyReturned[line.ProductID]
			if line.Quantity > returnable {
				return fmt.Errorf("%w: product %s has %d returnable units, got %d",
					store.ErrInvalidInput, line.ProductID, returnable, line.Quantity)
			}

			// Refunds repay what the customer actually paid per unit on the
			// pristine original, not the live catalog price.
			refundPerUnit := item.EffectivePricePaidPerUnitCents
			lineRefund := refundPerUnit * int64(line.Quantity)
			refundTotal += lineRefund

			returnItems = append(returnItems, domain.SaleItem{
				ProductID:                      item.ProductID,
				Name:                           item.Name,
				Category:                       item.Category,
				Units:                          item.Units,
				Quantity:                       line.Quantity,
				PriceAtSaleCents:               refundPerUnit,
				EffectivePricePaidPerUnitCents: refundPerUnit,
			})
			logEntries = append(logEntries, domain.ReturnedItemDetail{
				ID:                  xid.New("rlog"),
				ItemID:              item.ProductID,
				Name:                item.Name,
				ReturnedQuantity:    line.Quantity,
				Units:               item.Units,
				RefundPerUnitCents:  refundPerUnit,
				TotalRefundCents:    lineRefund,
				ReturnDate:          now,
				ReturnTransactionID: returnID,
				ProcessedByUserID:   actor.UserID,
			})
		}

		returnRecord := &domain.SaleRecord{
			ID:                   returnID,
			RecordType:           domain.RecordTypeReturnTransaction,
			BillNumber:           xid.New("RTN"),
			Status:               domain.StatusReturnTransactionCompleted,
			Date:                 now,
			CreatedByUserID:      actor.UserID,
			CustomerName:         pristine.CustomerName,
			Items:                returnItems,
			PaymentMethod:        domain.PaymentMethodRefund,
			AmountPaidCents:      refundTotal,
			OriginalSaleRecordID: pristine.ID,
		}
		returnRecord.SubtotalOriginalCents = refundTotal
		returnRecord.NetSubtotalCents = refundTotal
		returnRecord.TotalAmountCents = refundTotal
		if err := tx.CreateSaleRecord(ctx, returnRecord); err != nil {
			return err
		}

		for _, line := range req.Lines {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if product.IsService {
				continue
			}
			if err := tx.AdjustStock(ctx, line.ProductID, line.Quantity, actor.UserID); err != nil {
				return err
			}
		}

		if adjusted == nil {
			adjusted = &domain.SaleRecord{
				ID:                   uuid.NewString(),
				RecordType:           domain.RecordTypeSale,
				BillNumber:           pristine.BillNumber,
				Status:               domain.StatusAdjustedActive,
				Date:                 now,
				CreatedByUserID:      pristine.CreatedByUserID,
				CustomerName:         pristine.CustomerName,
				TaxRate:              pristine.TaxRate,
				ActiveCampaignID:     pristine.ActiveCampaignID,
				PaymentMethod:        pristine.PaymentMethod,
				AmountPaidCents:      pristine.AmountPaidCents,
				IsCreditSale:         pristine.IsCreditSale,
				OriginalSaleRecordID: pristine.ID,
				ReturnedItemsLog:     logEntries,
			}
			if err := tx.CreateSaleRecord(ctx, adjusted); err != nil {
				return err
			}
		} else {
			adjusted.ReturnedItemsLog = append(adjusted.ReturnedItemsLog, logEntries...)
		}

		if err := s.reconcileAdjusted(ctx, tx, pristine, adjusted, now); err != nil {
			return err
		}

		savedReturn, err := tx.GetSaleRecord(ctx, returnID)
		if err != nil {
			return err
		}
		savedActive, err := tx.GetSaleRecord(ctx, adjusted.ID)
		if err != nil {
			return err
		}
		result = domain.ReturnResult{ReturnTransaction: savedReturn, ActiveView: savedActive}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSaleContext(ctx, billNumber)
	return &result, nil
}

// --- Return undo reconciliation ---

// UndoReturn voids one return log entry and rebuilds the bill's active view
// from the pristine original. When the last active entry is undone the
// adjusted record collapses: it is deleted and the pristine original becomes
// the active view again, financially untouched.
func (s *Service) UndoReturn(ctx context.Context, req domain.UndoReturnRequest) (*domain.SaleRecord, error) {
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
		master, err := tx.GetSaleRecord(ctx, req.MasterSaleRecordID)
		if err != nil {
			return err
		}
		if master.RecordType != domain.RecordTypeSale {
			return fmt.Errorf("%w: record %s is not a sale", store.ErrInvalidInput, master.ID)
		}

		pristine := master
		if master.OriginalSaleRecordID != "" {
			pristine, err = tx.GetSaleRecord(ctx, master.OriginalSaleRecordID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: adjusted record %s references missing original %s",
						store.ErrIntegrity, master.ID, master.OriginalSaleRecordID)
				}
				return err
			}
		}
		billNumber = pristine.BillNumber

		idx := -1
		for i := range master.ReturnedItemsLog {
			if master.ReturnedItemsLog[i].ID == req.ReturnedItemDetailID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", store.ErrReturnEntryNotFound, req.ReturnedItemDetailID)
		}
		entry := &master.ReturnedItemsLog[idx]
		if entry.IsUndone {
			return fmt.Errorf("%w: %s", store.ErrReturnAlreadyUndone, entry.ID)
		}

		now := s.now()
		entry.IsUndone = true
		undoneAt := now
		entry.UndoneAt = &undoneAt
		entry.UndoneByUserID = actor.UserID

		// The return restocked these units; undoing the return takes them
		// back out. A shortfall aborts the whole undo.
		product, err := tx.GetProduct(ctx, entry.ItemID)
		switch {
		case err == nil:
			if !product.IsService {
				if err := tx.AdjustStock(ctx, entry.ItemID, -entry.ReturnedQuantity, actor.UserID); err != nil {
					return fmt.Errorf("product %s: %w", entry.ItemID, err)
				}
			}
		case errors.Is(err, store.ErrNotFound):
			// Product removed from the catalog since the return; no stock
			// ledger left to reverse.
		default:
			return err
		}

		if len(master.ActiveReturnEntries()) == 0 {
			if master.ID != pristine.ID {
				if err := tx.DeleteSaleRecord(ctx, master.ID); err != nil {
					return err
				}
				result, err = tx.GetSaleRecord(ctx, pristine.ID)
				return err
			}
			// The log lives on the pristine record itself; keep the undone
			// marks but leave the financials alone.
			if err := tx.UpdateSaleRecord(ctx, master); err != nil {
				return err
			}
			result, err = tx.GetSaleRecord(ctx, master.ID)
			return err
		}

		if err := s.reconcileAdjusted(ctx, tx, pristine, master, now); err != nil {
			return err
		}
		result, err = tx.GetSaleRecord(ctx, master.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSaleContext(ctx, billNumber)
	return result, nil
}

// reconcileAdjusted rebuilds an adjusted record from first principles: kept
// quantities are the pristine lines minus active returns, prices come from
// the live catalog (falling back to the sale snapshot), discounts are
// replayed against the campaign the sale was rung up under, and totals are
// re-derived. The pristine original is never written here.
func (s *Service) reconcileAdjusted(ctx context.Context, tx store.Tx, pristine, adjusted *domain.SaleRecord, now time.Time) error {
	activeEntries := adjusted.ActiveReturnEntries()
	returnedQty := make(map[string]int, len(activeEntries))
	for _, entry := range activeEntries {
		returnedQty[entry.ItemID] += entry.ReturnedQuantity
	}

	catalog, err := tx.ListProducts(ctx)
	if err != nil {
		return err
	}
	products := make(map[string]domain.Product, len(catalog))
	for _, p := range catalog {
		products[p.ID] = p
	}

	var campaign *domain.DiscountCampaign
	if pristine.ActiveCampaignID != "" {
		campaign, err = tx.GetDiscountCampaign(ctx, pristine.ActiveCampaignID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			log.Printf("[service] WARN: campaign %s referenced by bill %s no longer exists",
				pristine.ActiveCampaignID, pristine.BillNumber)
			campaign = nil
		}
	}

	kept := make([]domain.SaleItem, 0, len(pristine.Items))
	rates := make([]float64, 0, len(pristine.Items))
	inputs := make([]discount.ItemInput, 0, len(pristine.Items))
	for _, item := range pristine.Items {
		qty := item.Quantity - returnedQty[item.ProductID]
		if qty <= 0 {
			continue
		}
		price := item.PriceAtSaleCents
		rate := pristine.TaxRate
		if p, ok := products[item.ProductID]; ok {
			price = p.SellingPriceCents
			if p.SpecificTaxRate != nil {
				rate = *p.SpecificTaxRate
			}
		}
		kept = append(kept, domain.SaleItem{
			ProductID:        item.ProductID,
			Name:             item.Name,
			Category:         item.Category,
			Units:            item.Units,
			Quantity:         qty,
			PriceAtSaleCents: price,
		})
		rates = append(rates, rate)
		inputs = append(inputs, discount.ItemInput{
			ProductID:  item.ProductID,
			Category:   item.Category,
			PriceCents: price,
			Quantity:   qty,
		})
	}

	discounts := s.engine.Compute(inputs, campaign, products)

	lines := make([]pricedLine, len(kept))
	for i := range kept {
		lineDiscount := discounts.ItemDiscounts[kept[i].ProductID].TotalLineDiscountCents
		kept[i].LineDiscountCents = lineDiscount
		kept[i].EffectivePricePaidPerUnitCents = effectiveUnitPrice(kept[i].PriceAtSaleCents, lineDiscount, kept[i].Quantity)
		lines[i] = pricedLine{item: kept[i], taxRate: rates[i]}
	}
	totals := deriveBillTotals(lines, discounts.TotalCartDiscountCents)

	adjusted.Items = kept
	applyTotals(adjusted, totals)
	adjusted.AppliedDiscountSummary = discounts.AppliedSummary
	adjusted.TaxRate = pristine.TaxRate
	adjusted.Status = domain.StatusAdjustedActive
	adjusted.Date = now

	if adjusted.IsCreditSale {
		outstanding := adjusted.TotalAmountCents - adjusted.AmountPaidCents
		if outstanding < 0 {
			outstanding = 0
		}
		adjusted.CreditOutstandingCents = outstanding
		adjusted.CreditPaymentStatus = domain.DeriveCreditStatus(outstanding, adjusted.AmountPaidCents, len(activeEntries) > 0)
	}

	return tx.UpdateSaleRecord(ctx, adjusted)
}
