package service

import (
	"context"
	"errors"
	"testing"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, nil)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "admin", Role: "admin"})
}

func cashierCtx(userID string) context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: userID, Role: "cashier"})
}

func mustCreateProduct(t *testing.T, svc *Service, id string, priceCents int64, stock int) {
	t.Helper()
	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		ID:                id,
		Name:              "Test " + id,
		Category:          "test",
		SellingPriceCents: priceCents,
		InitialStock:      stock,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", id, err)
	}
}

func mustCommitSale(t *testing.T, svc *Service, ctx context.Context, req domain.SaleCommitRequest) *domain.SaleRecord {
	t.Helper()
	record, err := svc.CommitSale(ctx, req)
	if err != nil {
		t.Fatalf("commit sale %s: %v", req.BillNumber, err)
	}
	return record
}

func productStock(t *testing.T, svc *Service, productID string) int {
	t.Helper()
	product, err := svc.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product %s: %v", productID, err)
	}
	return product.Stock
}

func TestCommitSaleDerivesTotals(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-001",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		TaxRate:         0.10,
		PaymentMethod:   domain.PaymentMethodCash,
		AmountPaidCents: 25000,
	})

	if record.SubtotalOriginalCents != 20000 {
		t.Fatalf("expected subtotal 20000, got %d", record.SubtotalOriginalCents)
	}
	if record.TaxAmountCents != 2000 {
		t.Fatalf("expected tax 2000, got %d", record.TaxAmountCents)
	}
	if record.TotalAmountCents != 22000 {
		t.Fatalf("expected total 22000, got %d", record.TotalAmountCents)
	}
	if record.ChangeDueCents != 3000 {
		t.Fatalf("expected change 3000, got %d", record.ChangeDueCents)
	}
	if record.Items[0].EffectivePricePaidPerUnitCents != 10000 {
		t.Fatalf("expected effective price 10000, got %d", record.Items[0].EffectivePricePaidPerUnitCents)
	}
	if got := productStock(t, svc, "prod-test"); got != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", got)
	}
}

func TestCommitSaleRejectsDuplicateBillNumber(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	req := domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-DUP",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	}
	mustCommitSale(t, svc, ctx, req)

	_, err := svc.CommitSale(ctx, req)
	if !errors.Is(err, store.ErrDuplicateBillNumber) {
		t.Fatalf("expected ErrDuplicateBillNumber, got %v", err)
	}
}

func TestCommitUpdateRejectsBillNumberCollision(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-A",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	second := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-B",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})

	// Renaming BILL-B onto BILL-A would leave two originals sharing a bill.
	_, err := svc.CommitSale(ctx, domain.SaleCommitRequest{
		ID:            second.ID,
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-A",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if !errors.Is(err, store.ErrDuplicateBillNumber) {
		t.Fatalf("expected ErrDuplicateBillNumber on update collision, got %v", err)
	}

	// Updating a record under its own bill number stays legal.
	updated, err := svc.CommitSale(ctx, domain.SaleCommitRequest{
		ID:            second.ID,
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-B",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 9000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if err != nil {
		t.Fatalf("update under own bill number: %v", err)
	}
	if updated.TotalAmountCents != 9000 {
		t.Fatalf("expected updated total 9000, got %d", updated.TotalAmountCents)
	}
}

func TestCommitSaleInsufficientStockRollsBack(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-scarce", 5000, 3)
	ctx := cashierCtx("cashier")

	_, err := svc.CommitSale(ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-OVERSOLD",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-scarce", Name: "Scarce", Quantity: 99, PriceAtSaleCents: 5000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The whole commit rolled back: no record, no stock change.
	if _, err := svc.GetSaleContext(ctx, "BILL-OVERSOLD"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record after failed commit, got %v", err)
	}
	if got := productStock(t, svc, "prod-scarce"); got != 3 {
		t.Fatalf("expected stock untouched at 3, got %d", got)
	}
}

func TestCommitSaleServiceProductSkipsStock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-SVC",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-giftwrap", Name: "Gift Wrapping", Quantity: 3, PriceAtSaleCents: 5000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if record.TotalAmountCents != 15000 {
		t.Fatalf("expected total 15000, got %d", record.TotalAmountCents)
	}
	if got := productStock(t, svc, "prod-giftwrap"); got != 0 {
		t.Fatalf("expected service stock to stay 0, got %d", got)
	}
}

func TestCommitSaleRequiresActor(t *testing.T) {
	svc := newTestService()
	_, err := svc.CommitSale(context.Background(), domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-ANON",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-soap-bar", Name: "Soap", Quantity: 1, PriceAtSaleCents: 7400}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing actor, got %v", err)
	}
}

// A sale of 2 units at 100.00 with 10% tax totals 220.00. Returning one unit
// must drop the active view to 110.00 and restock it; undoing that return
// must restore the 220.00 original exactly and take the unit back out of
// stock. The full cycle is financially and physically a no-op.
func TestReturnThenUndoRestoresOriginal(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	original := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-CYCLE",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		TaxRate:         0.10,
		PaymentMethod:   domain.PaymentMethodCash,
		AmountPaidCents: 22000,
	})
	if original.TotalAmountCents != 22000 {
		t.Fatalf("expected original total 22000, got %d", original.TotalAmountCents)
	}
	if got := productStock(t, svc, "prod-test"); got != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", got)
	}

	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-CYCLE",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	active := returned.ActiveView
	if active.Status != domain.StatusAdjustedActive {
		t.Fatalf("expected ADJUSTED_ACTIVE, got %s", active.Status)
	}
	if active.ID == original.ID {
		t.Fatalf("adjusted view must be a distinct record")
	}
	if active.TotalAmountCents != 11000 {
		t.Fatalf("expected adjusted total 11000, got %d", active.TotalAmountCents)
	}
	if returned.ReturnTransaction.RecordType != domain.RecordTypeReturnTransaction {
		t.Fatalf("expected a return transaction record")
	}
	if got := productStock(t, svc, "prod-test"); got != 9 {
		t.Fatalf("expected stock 9 after return, got %d", got)
	}

	// The pristine original is untouched by the return.
	sc, err := svc.GetSaleContext(ctx, "BILL-CYCLE")
	if err != nil {
		t.Fatalf("get sale context: %v", err)
	}
	if sc.PristineOriginal.TotalAmountCents != 22000 {
		t.Fatalf("pristine original changed: total %d", sc.PristineOriginal.TotalAmountCents)
	}
	if !sc.HasActiveReturns {
		t.Fatalf("expected active returns flag set")
	}

	entryID := active.ReturnedItemsLog[0].ID
	restored, err := svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   active.ID,
		ReturnedItemDetailID: entryID,
	})
	if err != nil {
		t.Fatalf("undo return: %v", err)
	}
	if restored.ID != original.ID {
		t.Fatalf("expected collapse back to the pristine original")
	}
	if restored.TotalAmountCents != 22000 {
		t.Fatalf("expected restored total 22000, got %d", restored.TotalAmountCents)
	}
	if got := productStock(t, svc, "prod-test"); got != 8 {
		t.Fatalf("expected stock back to 8 after undo, got %d", got)
	}

	sc, err = svc.GetSaleContext(ctx, "BILL-CYCLE")
	if err != nil {
		t.Fatalf("get sale context after undo: %v", err)
	}
	if sc.ActiveView.ID != original.ID {
		t.Fatalf("expected pristine original as active view after collapse")
	}
	if sc.HasActiveReturns {
		t.Fatalf("expected no active returns after collapse")
	}
}

func TestUndoReturnTwiceFails(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-a", 10000, 10)
	mustCreateProduct(t, svc, "prod-b", 5000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-UNDO2",
		Items: []domain.SaleCommitItem{
			{ProductID: "prod-a", Name: "A", Quantity: 2, PriceAtSaleCents: 10000},
			{ProductID: "prod-b", Name: "B", Quantity: 2, PriceAtSaleCents: 5000},
		},
		PaymentMethod: domain.PaymentMethodCash,
	})
	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-UNDO2",
		Lines: []domain.ReturnLine{
			{ProductID: "prod-a", Quantity: 1},
			{ProductID: "prod-b", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	active := returned.ActiveView
	entryID := active.ReturnedItemsLog[0].ID

	if _, err := svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   active.ID,
		ReturnedItemDetailID: entryID,
	}); err != nil {
		t.Fatalf("first undo: %v", err)
	}

	// One entry remains active, so the adjusted record survives and the
	// undone mark on the first entry is durable.
	_, err = svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   active.ID,
		ReturnedItemDetailID: entryID,
	})
	if !errors.Is(err, store.ErrReturnAlreadyUndone) {
		t.Fatalf("expected ErrReturnAlreadyUndone, got %v", err)
	}

	_, err = svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   active.ID,
		ReturnedItemDetailID: "no-such-entry",
	})
	if !errors.Is(err, store.ErrReturnEntryNotFound) {
		t.Fatalf("expected ErrReturnEntryNotFound, got %v", err)
	}
}

func TestUndoAfterCollapseReportsNotFound(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-GONE",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-GONE",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	req := domain.UndoReturnRequest{
		MasterSaleRecordID:   returned.ActiveView.ID,
		ReturnedItemDetailID: returned.ActiveView.ReturnedItemsLog[0].ID,
	}
	if _, err := svc.UndoReturn(ctx, req); err != nil {
		t.Fatalf("first undo: %v", err)
	}

	// The adjusted record collapsed; re-submitting the undo finds nothing.
	_, err = svc.UndoReturn(ctx, req)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after collapse, got %v", err)
	}
}

func TestAdjustedRecordWithMissingOriginalSurfacesIntegrityError(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, nil, nil)
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	original := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-ORPHAN",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCredit,
	})
	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-ORPHAN",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}

	// Sever the back-reference: drop the pristine original out from under
	// the adjusted record.
	if err := repo.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteSaleRecord(ctx, original.ID)
	}); err != nil {
		t.Fatalf("delete original: %v", err)
	}

	_, err = svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   returned.ActiveView.ID,
		ReturnedItemDetailID: returned.ActiveView.ReturnedItemsLog[0].ID,
	})
	if !errors.Is(err, store.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity from undo, got %v", err)
	}

	_, err = svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: returned.ActiveView.ID,
		AmountCents:  1000,
		Method:       "cash",
	})
	if !errors.Is(err, store.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity from credit payment, got %v", err)
	}
}

func TestUndoReturnStockShortfallAborts(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 2)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-SHORT",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-SHORT",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}

	// Drain the restocked unit so the undo's reversal would go negative.
	zero := 0
	if _, err := svc.UpdateProduct(adminCtx(), "prod-test", domain.ProductUpdateRequest{Stock: &zero}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	_, err = svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   returned.ActiveView.ID,
		ReturnedItemDetailID: returned.ActiveView.ReturnedItemsLog[0].ID,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The failed undo left the return entry active and the bill adjusted.
	sc, err := svc.GetSaleContext(ctx, "BILL-SHORT")
	if err != nil {
		t.Fatalf("get sale context: %v", err)
	}
	if !sc.HasActiveReturns {
		t.Fatalf("expected the return to survive a failed undo")
	}
	if sc.ActiveView.Status != domain.StatusAdjustedActive {
		t.Fatalf("expected adjusted view to survive, got %s", sc.ActiveView.Status)
	}
}

func TestReturnExceedingReturnableRejected(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-LIMIT",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})

	if _, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-LIMIT",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 3}},
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for over-return, got %v", err)
	}

	// Two sequential returns of one unit are fine; a third exceeds the line.
	for i := 0; i < 2; i++ {
		if _, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
			BillNumber: "BILL-LIMIT",
			Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
		}); err != nil {
			t.Fatalf("return %d: %v", i+1, err)
		}
	}
	if _, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-LIMIT",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput once fully returned, got %v", err)
	}
}

func TestReconcileReplaysCampaignRules(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// prod-oil-1l carries a 5% discount at min quantity 2 under dc-weekly.
	// 3 units at 38500 discount to 5775; the client rings that up.
	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:       domain.RecordTypeSale,
		Status:           domain.StatusCompletedOriginal,
		BillNumber:       "BILL-CAMPAIGN",
		Items:            []domain.SaleCommitItem{{ProductID: "prod-oil-1l", Name: "Cooking Oil 1L", Quantity: 3, PriceAtSaleCents: 38500, LineDiscountCents: 5775}},
		ActiveCampaignID: "dc-weekly",
		PaymentMethod:    domain.PaymentMethodCash,
	})
	if record.TotalAmountCents != 109725 {
		t.Fatalf("expected discounted total 109725, got %d", record.TotalAmountCents)
	}

	// Returning 2 units leaves quantity 1, below the rule's threshold, so
	// the replayed engine drops the discount entirely.
	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-CAMPAIGN",
		Lines:      []domain.ReturnLine{{ProductID: "prod-oil-1l", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	active := returned.ActiveView
	if active.TotalItemDiscountCents != 0 {
		t.Fatalf("expected discount to vanish below min quantity, got %d", active.TotalItemDiscountCents)
	}
	if active.TotalAmountCents != 38500 {
		t.Fatalf("expected adjusted total 38500, got %d", active.TotalAmountCents)
	}
	if len(active.AppliedDiscountSummary) != 0 {
		t.Fatalf("expected empty discount summary, got %v", active.AppliedDiscountSummary)
	}
}

func TestReconcileUsesSnapshotPriceForDeactivatedProduct(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-DEACT",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 3, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})

	// Raise the catalog price, then deactivate. A deactivated product drops
	// out of the catalog listing, so reconciliation must keep the snapshot
	// price instead of repricing at 15000.
	newPrice := int64(15000)
	inactive := false
	if _, err := svc.UpdateProduct(adminCtx(), "prod-test", domain.ProductUpdateRequest{
		SellingPriceCents: &newPrice,
		Active:            &inactive,
	}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-DEACT",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}

	active := returned.ActiveView
	if active.Items[0].PriceAtSaleCents != 10000 {
		t.Fatalf("expected snapshot price 10000 on kept line, got %d", active.Items[0].PriceAtSaleCents)
	}
	if active.TotalAmountCents != 20000 {
		t.Fatalf("expected adjusted total 20000, got %d", active.TotalAmountCents)
	}
}

func TestCreditPaymentLifecycle(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 25000, 10)
	ctx := cashierCtx("cashier")

	// A 500.00 credit sale with no down payment starts PENDING.
	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-CREDIT",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 25000}},
		PaymentMethod: domain.PaymentMethodCredit,
	})
	if !record.IsCreditSale {
		t.Fatalf("expected a credit sale")
	}
	if record.CreditPaymentStatus != domain.CreditPending {
		t.Fatalf("expected PENDING, got %s", record.CreditPaymentStatus)
	}
	if record.CreditOutstandingCents != 50000 {
		t.Fatalf("expected outstanding 50000, got %d", record.CreditOutstandingCents)
	}

	after, err := svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: record.ID,
		AmountCents:  20000,
		Method:       "cash",
	})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if after.CreditPaymentStatus != domain.CreditPartiallyPaid {
		t.Fatalf("expected PARTIALLY_PAID, got %s", after.CreditPaymentStatus)
	}
	if after.CreditOutstandingCents != 30000 {
		t.Fatalf("expected outstanding 30000, got %d", after.CreditOutstandingCents)
	}

	// Overpayment is rejected before anything is written.
	if _, err := svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: record.ID,
		AmountCents:  30001,
		Method:       "cash",
	}); !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}

	after, err = svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: record.ID,
		AmountCents:  30000,
		Method:       "transfer",
	})
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if after.CreditPaymentStatus != domain.CreditFullyPaid {
		t.Fatalf("expected FULLY_PAID, got %s", after.CreditPaymentStatus)
	}
	if after.CreditOutstandingCents != 0 {
		t.Fatalf("expected outstanding 0, got %d", after.CreditOutstandingCents)
	}

	if _, err := svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: record.ID,
		AmountCents:  100,
		Method:       "cash",
	}); !errors.Is(err, store.ErrAlreadyFullyPaid) {
		t.Fatalf("expected ErrAlreadyFullyPaid, got %v", err)
	}

	installments, err := svc.ListInstallments(ctx, record.ID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	if len(installments) != 2 {
		t.Fatalf("expected 2 installments, got %d", len(installments))
	}
	var sum int64
	for _, in := range installments {
		sum += in.AmountPaidCents
	}
	if sum != 50000 {
		t.Fatalf("expected installments to sum to 50000, got %d", sum)
	}
}

func TestCreditDownPaymentRecordsInitialInstallment(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 25000, 10)
	ctx := cashierCtx("cashier")

	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-DOWNPAY",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 25000}},
		PaymentMethod:   domain.PaymentMethodCredit,
		AmountPaidCents: 10000,
	})
	if record.CreditPaymentStatus != domain.CreditPartiallyPaid {
		t.Fatalf("expected PARTIALLY_PAID, got %s", record.CreditPaymentStatus)
	}
	if record.CreditOutstandingCents != 40000 {
		t.Fatalf("expected outstanding 40000, got %d", record.CreditOutstandingCents)
	}

	installments, err := svc.ListInstallments(ctx, record.ID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	if len(installments) != 1 {
		t.Fatalf("expected initial installment, got %d", len(installments))
	}
	if installments[0].Method != "CREDIT_INITIAL" {
		t.Fatalf("expected CREDIT_INITIAL method, got %s", installments[0].Method)
	}
}

func TestReturnTransactionCarriesNoInstallmentHistory(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 25000, 10)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-RTN-HIST",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 25000}},
		PaymentMethod:   domain.PaymentMethodCredit,
		AmountPaidCents: 10000,
	})

	result, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-RTN-HIST",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}

	// The refund record references the original but is not a credit ledger;
	// the bill's installment history belongs to the sale views only.
	if got := len(result.ReturnTransaction.Installments); got != 0 {
		t.Fatalf("expected no installments on the return transaction, got %d", got)
	}
	if got := len(result.ActiveView.Installments); got != 1 {
		t.Fatalf("expected the initial installment on the active view, got %d", got)
	}
}

func TestCreditPaymentOnCashSaleRejected(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)
	ctx := cashierCtx("cashier")

	record := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-CASH",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod:   domain.PaymentMethodCash,
		AmountPaidCents: 10000,
	})

	_, err := svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: record.ID,
		AmountCents:  1000,
		Method:       "cash",
	})
	if !errors.Is(err, store.ErrNotCreditSale) {
		t.Fatalf("expected ErrNotCreditSale, got %v", err)
	}
}

// Payments and returns interleave: installments ride on the pristine
// original so the payment history survives the adjusted record's collapse,
// and both records carry credit fields derived against their own totals.
func TestCreditPaymentsSurviveReturnAndUndo(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 25000, 10)
	ctx := cashierCtx("cashier")

	original := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-MIXED",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 2, PriceAtSaleCents: 25000}},
		PaymentMethod: domain.PaymentMethodCredit,
	})

	returned, err := svc.ProcessReturn(ctx, domain.ProcessReturnRequest{
		BillNumber: "BILL-MIXED",
		Lines:      []domain.ReturnLine{{ProductID: "prod-test", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	active := returned.ActiveView
	if active.CreditOutstandingCents != 25000 {
		t.Fatalf("expected adjusted outstanding 25000, got %d", active.CreditOutstandingCents)
	}

	// Pay against the adjusted record; the installment lands on the bill.
	after, err := svc.RecordCreditPayment(ctx, domain.CreditPaymentRequest{
		SaleRecordID: active.ID,
		AmountCents:  25000,
		Method:       "cash",
	})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if after.CreditPaymentStatus != domain.CreditFullyPaid {
		t.Fatalf("expected adjusted FULLY_PAID, got %s", after.CreditPaymentStatus)
	}

	restored, err := svc.UndoReturn(ctx, domain.UndoReturnRequest{
		MasterSaleRecordID:   active.ID,
		ReturnedItemDetailID: active.ReturnedItemsLog[0].ID,
	})
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if restored.ID != original.ID {
		t.Fatalf("expected collapse to the original")
	}
	// Against the full 500.00 bill the 250.00 paid is a partial payment.
	if restored.CreditOutstandingCents != 25000 {
		t.Fatalf("expected outstanding 25000 on the original, got %d", restored.CreditOutstandingCents)
	}
	if restored.CreditPaymentStatus != domain.CreditPartiallyPaid {
		t.Fatalf("expected PARTIALLY_PAID, got %s", restored.CreditPaymentStatus)
	}

	installments, err := svc.ListInstallments(ctx, original.ID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	if len(installments) != 1 {
		t.Fatalf("expected the payment to survive the collapse, got %d installments", len(installments))
	}
}

func TestGetSaleContextScopedToCreator(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 10)

	mustCommitSale(t, svc, cashierCtx("cashier-a"), domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-SCOPE",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCash,
	})

	if _, err := svc.GetSaleContext(cashierCtx("cashier-b"), "BILL-SCOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another cashier, got %v", err)
	}
	if _, err := svc.GetSaleContext(cashierCtx("cashier-a"), "BILL-SCOPE"); err != nil {
		t.Fatalf("creator should see the bill: %v", err)
	}
	if _, err := svc.GetSaleContext(adminCtx(), "BILL-SCOPE"); err != nil {
		t.Fatalf("admin should see the bill: %v", err)
	}
}

func TestListOpenCreditSales(t *testing.T) {
	svc := newTestService()
	mustCreateProduct(t, svc, "prod-test", 10000, 20)
	ctx := cashierCtx("cashier")

	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:    domain.RecordTypeSale,
		Status:        domain.StatusCompletedOriginal,
		BillNumber:    "BILL-OPEN-1",
		Items:         []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod: domain.PaymentMethodCredit,
	})
	settled := mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-OPEN-2",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod:   domain.PaymentMethodCredit,
		AmountPaidCents: 10000,
	})
	if settled.CreditPaymentStatus != domain.CreditFullyPaid {
		t.Fatalf("expected fully paid at commit, got %s", settled.CreditPaymentStatus)
	}
	mustCommitSale(t, svc, ctx, domain.SaleCommitRequest{
		RecordType:      domain.RecordTypeSale,
		Status:          domain.StatusCompletedOriginal,
		BillNumber:      "BILL-OPEN-3",
		Items:           []domain.SaleCommitItem{{ProductID: "prod-test", Name: "Test", Quantity: 1, PriceAtSaleCents: 10000}},
		PaymentMethod:   domain.PaymentMethodCash,
		AmountPaidCents: 10000,
	})

	page, err := svc.ListOpenCreditSales(ctx, 1, 20, domain.CreditSaleFilters{})
	if err != nil {
		t.Fatalf("list open credit sales: %v", err)
	}
	if page.TotalCount != 1 {
		t.Fatalf("expected 1 open credit sale, got %d", page.TotalCount)
	}
	if page.Sales[0].BillNumber != "BILL-OPEN-1" {
		t.Fatalf("expected BILL-OPEN-1, got %s", page.Sales[0].BillNumber)
	}
}

func TestDeriveBillTotalsProportionalCartShare(t *testing.T) {
	// Two lines, 10% and 0% tax, with a 1000-cent cart discount allocated
	// proportionally before tax.
	lines := []pricedLine{
		{item: domain.SaleItem{PriceAtSaleCents: 10000, Quantity: 3}, taxRate: 0.10}, // 30000
		{item: domain.SaleItem{PriceAtSaleCents: 10000, Quantity: 1}, taxRate: 0},     // 10000
	}
	totals := deriveBillTotals(lines, 1000)

	if totals.SubtotalCents != 40000 {
		t.Fatalf("expected subtotal 40000, got %d", totals.SubtotalCents)
	}
	if totals.NetSubtotalCents != 39000 {
		t.Fatalf("expected net subtotal 39000, got %d", totals.NetSubtotalCents)
	}
	// Taxed line nets 30000 - 750 cart share = 29250; 10% tax = 2925.
	if totals.TaxCents != 2925 {
		t.Fatalf("expected tax 2925, got %d", totals.TaxCents)
	}
	if totals.TotalCents != 41925 {
		t.Fatalf("expected total 41925, got %d", totals.TotalCents)
	}
}

func TestDeriveBillTotalsClampsCartDiscount(t *testing.T) {
	lines := []pricedLine{
		{item: domain.SaleItem{PriceAtSaleCents: 5000, Quantity: 1, LineDiscountCents: 1000}},
	}
	totals := deriveBillTotals(lines, 99999)
	if totals.CartDiscountCents != 4000 {
		t.Fatalf("expected cart discount clamped to 4000, got %d", totals.CartDiscountCents)
	}
	if totals.TotalCents != 0 {
		t.Fatalf("expected zero total, got %d", totals.TotalCents)
	}
}

func TestEffectiveUnitPrice(t *testing.T) {
	if got := effectiveUnitPrice(10000, 0, 2); got != 10000 {
		t.Fatalf("no discount: expected 10000, got %d", got)
	}
	if got := effectiveUnitPrice(10000, 3000, 2); got != 8500 {
		t.Fatalf("expected 8500, got %d", got)
	}
	// Discount larger than the price floors at zero.
	if got := effectiveUnitPrice(1000, 5000, 1); got != 0 {
		t.Fatalf("expected floor at 0, got %d", got)
	}
}
