// Package postgres persists the sale ledger in PostgreSQL. Bill documents
// (items, return log, discount summary) live in JSONB columns; everything
// the store filters or locks on is a first-class column.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type Store struct {
	db            *sql.DB
	commitTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, commitTimeout time.Duration) (*Store, error) {
	if commitTimeout <= 0 {
		commitTimeout = 10 * time.Second
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, commitTimeout: commitTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// queryer is the subset of *sql.DB and *sql.Tx the read helpers need, so
// the same scanning code serves both plain reads and transactional reads.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InTx runs fn inside one SERIALIZABLE transaction bounded by the commit
// timeout. Hitting the deadline rolls everything back and surfaces as
// ErrTxTimeout.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	pgTx, err := s.db.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translateTxErr(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(txCtx, &sqlTx{q: pgTx}); err != nil {
		return translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return translateTxErr(err)
	}
	return nil
}

func translateTxErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", store.ErrTxTimeout, err)
	case isUniqueViolation(err):
		if isBillNumberViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrDuplicateBillNumber, err)
		}
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	default:
		return err
	}
}

// sqlTx adapts one *sql.Tx to the store.Tx unit-of-work surface. Record
// lookups inside a transaction take row locks so concurrent reconciliations
// of the same bill serialize instead of clobbering each other.
type sqlTx struct {
	q *sql.Tx
}

func (t *sqlTx) GetSaleRecord(ctx context.Context, id string) (*domain.SaleRecord, error) {
	return getSaleRecord(ctx, t.q, id, true)
}

func (t *sqlTx) FindOriginalByBillNumber(ctx context.Context, billNumber string) (*domain.SaleRecord, error) {
	return findOriginalByBillNumber(ctx, t.q, billNumber, true)
}

func (t *sqlTx) FindAdjustedByOriginalID(ctx context.Context, originalID string) (*domain.SaleRecord, error) {
	return findAdjustedByOriginalID(ctx, t.q, originalID, true)
}

func (t *sqlTx) CreateSaleRecord(ctx context.Context, record *domain.SaleRecord) error {
	return insertSaleRecord(ctx, t.q, record)
}

func (t *sqlTx) UpdateSaleRecord(ctx context.Context, record *domain.SaleRecord) error {
	return updateSaleRecord(ctx, t.q, record)
}

func (t *sqlTx) DeleteSaleRecord(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sale_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *sqlTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, t.q, productID)
}

func (t *sqlTx) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return listProducts(ctx, t.q)
}

func (t *sqlTx) AdjustStock(ctx context.Context, productID string, delta int, actorID string) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0 AND is_service = false
	`, productID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		product, err := getProduct(ctx, t.q, productID)
		if err != nil {
			return err
		}
		if product.IsService {
			return fmt.Errorf("%w: product %s is a service", store.ErrInvalidInput, productID)
		}
		return fmt.Errorf("%w: product %s has %d, needs %d",
			store.ErrInsufficientStock, productID, product.Stock, -delta)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, delta, actor_id, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, xid.New("mv"), productID, delta, actorID)
	return err
}

func (t *sqlTx) CreateInstallment(ctx context.Context, installment domain.PaymentInstallment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payment_installments
			(id, sale_record_id, amount_paid_cents, method, payment_date, notes, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, installment.ID, installment.SaleRecordID, installment.AmountPaidCents, installment.Method,
		installment.PaymentDate, installment.Notes, installment.RecordedByUserID, installment.CreatedAt)
	return err
}

func (t *sqlTx) ListInstallments(ctx context.Context, saleRecordID string) ([]domain.PaymentInstallment, error) {
	return listInstallments(ctx, t.q, saleRecordID)
}

func (t *sqlTx) GetDiscountCampaign(ctx context.Context, id string) (*domain.DiscountCampaign, error) {
	return getCampaign(ctx, t.q, id)
}

// --- Repository reads ---

func (s *Store) GetSaleRecord(ctx context.Context, id string) (*domain.SaleRecord, error) {
	return getSaleRecord(ctx, s.db, id, false)
}

func (s *Store) FindOriginalByBillNumber(ctx context.Context, billNumber string) (*domain.SaleRecord, error) {
	return findOriginalByBillNumber(ctx, s.db, billNumber, false)
}

func (s *Store) FindAdjustedByOriginalID(ctx context.Context, originalID string) (*domain.SaleRecord, error) {
	return findAdjustedByOriginalID(ctx, s.db, originalID, false)
}

func (s *Store) ListOriginalSales(ctx context.Context, userID string, page int, limit int) (domain.SaleListPage, error) {
	where := `status = $1 AND record_type = $2 AND ($3 = '' OR created_by = $3)`
	args := []any{string(domain.StatusCompletedOriginal), string(domain.RecordTypeSale), userID}
	return listSales(ctx, s.db, where, args, page, limit)
}

func (s *Store) ListOpenCreditSales(ctx context.Context, userID string, page int, limit int, filters domain.CreditSaleFilters) (domain.SaleListPage, error) {
	where := `status = $1 AND record_type = $2 AND is_credit_sale = true
		AND credit_payment_status IN ($3, $4)
		AND ($5 = '' OR created_by = $5)`
	args := []any{
		string(domain.StatusCompletedOriginal), string(domain.RecordTypeSale),
		string(domain.CreditPending), string(domain.CreditPartiallyPaid), userID,
	}
	if filters.StartDate != nil {
		args = append(args, *filters.StartDate)
		where += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if filters.EndDate != nil {
		args = append(args, *filters.EndDate)
		where += fmt.Sprintf(" AND date <= $%d", len(args))
	}
	return listSales(ctx, s.db, where, args, page, limit)
}

func (s *Store) ListInstallments(ctx context.Context, saleRecordID string) ([]domain.PaymentInstallment, error) {
	return listInstallments(ctx, s.db, saleRecordID)
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, s.db, productID)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return listProducts(ctx, s.db)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	units, err := json.Marshal(product.Units)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products
			(id, name, category, units, selling_price_cents, cost_price_cents, stock,
			 is_service, specific_tax_rate, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
	`, product.ID, product.Name, product.Category, units, product.SellingPriceCents,
		product.CostPriceCents, product.Stock, product.IsService, product.SpecificTaxRate, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s already exists", store.ErrInvalidInput, product.ID)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	units, err := json.Marshal(product.Units)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, units = $4, selling_price_cents = $5,
		    cost_price_cents = $6, stock = $7, specific_tax_rate = $8, active = $9,
		    updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, units, product.SellingPriceCents,
		product.CostPriceCents, product.Stock, product.SpecificTaxRate, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	saved := product
	return &saved, nil
}

func (s *Store) GetDiscountCampaign(ctx context.Context, id string) (*domain.DiscountCampaign, error) {
	return getCampaign(ctx, s.db, id)
}

func (s *Store) ListDiscountCampaigns(ctx context.Context) ([]domain.DiscountCampaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, product_rules, cart_rule
		FROM discount_campaigns
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := make([]domain.DiscountCampaign, 0, 16)
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *campaign)
	}
	return campaigns, rows.Err()
}

func (s *Store) CreateDiscountCampaign(ctx context.Context, campaign domain.DiscountCampaign) (*domain.DiscountCampaign, error) {
	productRules, err := json.Marshal(campaign.ProductRules)
	if err != nil {
		return nil, err
	}
	var cartRule []byte
	if campaign.CartRule != nil {
		cartRule, err = json.Marshal(campaign.CartRule)
		if err != nil {
			return nil, err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discount_campaigns (id, name, active, product_rules, cart_rule, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, campaign.ID, campaign.Name, campaign.Active, productRules, cartRule)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: campaign %s already exists", store.ErrInvalidInput, campaign.ID)
		}
		return nil, err
	}
	created := campaign
	return &created, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Shared query helpers ---

const saleRecordColumns = `
	id, record_type, bill_number, status, date, created_by, customer_name, items,
	subtotal_original_cents, total_item_discount_cents, total_cart_discount_cents,
	net_subtotal_cents, tax_rate, tax_amount_cents, total_amount_cents,
	applied_discount_summary, active_campaign_id, payment_method,
	amount_paid_cents, change_due_cents, returned_items_log,
	original_sale_record_id, is_credit_sale, credit_outstanding_cents,
	credit_payment_status, credit_last_payment_date`

func lockSuffix(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func getSaleRecord(ctx context.Context, q queryer, id string, lock bool) (*domain.SaleRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+saleRecordColumns+` FROM sale_records WHERE id = $1`+lockSuffix(lock), id)
	record, err := scanSaleRecord(row)
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, q, record)
}

func findOriginalByBillNumber(ctx context.Context, q queryer, billNumber string, lock bool) (*domain.SaleRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+saleRecordColumns+` FROM sale_records
		 WHERE bill_number = $1 AND status = $2 AND record_type = $3`+lockSuffix(lock),
		billNumber, string(domain.StatusCompletedOriginal), string(domain.RecordTypeSale))
	record, err := scanSaleRecord(row)
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, q, record)
}

func findAdjustedByOriginalID(ctx context.Context, q queryer, originalID string, lock bool) (*domain.SaleRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+saleRecordColumns+` FROM sale_records
		 WHERE original_sale_record_id = $1 AND status = $2`+lockSuffix(lock),
		originalID, string(domain.StatusAdjustedActive))
	record, err := scanSaleRecord(row)
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, q, record)
}

func listSales(ctx context.Context, q queryer, where string, args []any, page int, limit int) (domain.SaleListPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := q.QueryRowContext(ctx,
		`SELECT count(*) FROM sale_records WHERE `+where, args...).Scan(&total); err != nil {
		return domain.SaleListPage{}, err
	}

	pagedArgs := append(append([]any(nil), args...), limit, (page-1)*limit)
	rows, err := q.QueryContext(ctx,
		`SELECT `+saleRecordColumns+` FROM sale_records WHERE `+where+
			fmt.Sprintf(` ORDER BY date DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2),
		pagedArgs...)
	if err != nil {
		return domain.SaleListPage{}, err
	}
	defer rows.Close()

	sales := make([]domain.SaleRecord, 0, limit)
	for rows.Next() {
		record, err := scanSaleRecord(rows)
		if err != nil {
			return domain.SaleListPage{}, err
		}
		hydrated, err := hydrate(ctx, q, record)
		if err != nil {
			return domain.SaleListPage{}, err
		}
		sales = append(sales, *hydrated)
	}
	if err := rows.Err(); err != nil {
		return domain.SaleListPage{}, err
	}
	return domain.SaleListPage{Sales: sales, TotalCount: total}, nil
}

func insertSaleRecord(ctx context.Context, q queryer, record *domain.SaleRecord) error {
	items, summary, returnLog, err := encodeRecordJSON(record)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sale_records (`+strings.TrimSpace(saleRecordColumns)+`, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,now(),now())
	`, record.ID, string(record.RecordType), record.BillNumber, string(record.Status),
		record.Date, record.CreatedByUserID, record.CustomerName, items,
		record.SubtotalOriginalCents, record.TotalItemDiscountCents, record.TotalCartDiscountCents,
		record.NetSubtotalCents, record.TaxRate, record.TaxAmountCents, record.TotalAmountCents,
		summary, nullString(record.ActiveCampaignID), string(record.PaymentMethod),
		record.AmountPaidCents, record.ChangeDueCents, returnLog,
		nullString(record.OriginalSaleRecordID), record.IsCreditSale, record.CreditOutstandingCents,
		nullString(string(record.CreditPaymentStatus)), record.CreditLastPaymentDate)
	if err != nil && isUniqueViolation(err) {
		if isBillNumberViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateBillNumber, record.BillNumber)
		}
		return fmt.Errorf("%w: sale record %s already exists", store.ErrInvalidInput, record.ID)
	}
	return err
}

func updateSaleRecord(ctx context.Context, q queryer, record *domain.SaleRecord) error {
	items, summary, returnLog, err := encodeRecordJSON(record)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE sale_records
		SET record_type = $2, bill_number = $3, status = $4, date = $5,
		    customer_name = $6, items = $7,
		    subtotal_original_cents = $8, total_item_discount_cents = $9,
		    total_cart_discount_cents = $10, net_subtotal_cents = $11,
		    tax_rate = $12, tax_amount_cents = $13, total_amount_cents = $14,
		    applied_discount_summary = $15, active_campaign_id = $16,
		    payment_method = $17, amount_paid_cents = $18, change_due_cents = $19,
		    returned_items_log = $20, is_credit_sale = $21,
		    credit_outstanding_cents = $22, credit_payment_status = $23,
		    credit_last_payment_date = $24, updated_at = now()
		WHERE id = $1
	`, record.ID, string(record.RecordType), record.BillNumber, string(record.Status),
		record.Date, record.CustomerName, items,
		record.SubtotalOriginalCents, record.TotalItemDiscountCents,
		record.TotalCartDiscountCents, record.NetSubtotalCents,
		record.TaxRate, record.TaxAmountCents, record.TotalAmountCents,
		summary, nullString(record.ActiveCampaignID),
		string(record.PaymentMethod), record.AmountPaidCents, record.ChangeDueCents,
		returnLog, record.IsCreditSale,
		record.CreditOutstandingCents, nullString(string(record.CreditPaymentStatus)),
		record.CreditLastPaymentDate)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeRecordJSON(record *domain.SaleRecord) (items, summary, returnLog []byte, err error) {
	if items, err = json.Marshal(record.Items); err != nil {
		return nil, nil, nil, err
	}
	if summary, err = json.Marshal(record.AppliedDiscountSummary); err != nil {
		return nil, nil, nil, err
	}
	if returnLog, err = json.Marshal(record.ReturnedItemsLog); err != nil {
		return nil, nil, nil, err
	}
	return items, summary, returnLog, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSaleRecord decodes one sale_records row. Malformed JSONB or an enum
// value outside the domain surfaces as ErrCorruptRecord; the store never
// substitutes defaults for data it cannot read.
func scanSaleRecord(row rowScanner) (*domain.SaleRecord, error) {
	var (
		record       domain.SaleRecord
		recordType   string
		status       string
		method       string
		items        []byte
		summary      []byte
		returnLog    []byte
		customerName sql.NullString
		campaignID   sql.NullString
		originalID   sql.NullString
		creditStatus sql.NullString
		lastPayment  sql.NullTime
	)
	err := row.Scan(
		&record.ID, &recordType, &record.BillNumber, &status, &record.Date,
		&record.CreatedByUserID, &customerName, &items,
		&record.SubtotalOriginalCents, &record.TotalItemDiscountCents,
		&record.TotalCartDiscountCents, &record.NetSubtotalCents,
		&record.TaxRate, &record.TaxAmountCents, &record.TotalAmountCents,
		&summary, &campaignID, &method,
		&record.AmountPaidCents, &record.ChangeDueCents, &returnLog,
		&originalID, &record.IsCreditSale, &record.CreditOutstandingCents,
		&creditStatus, &lastPayment,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if record.RecordType, err = domain.ParseRecordType(recordType); err != nil {
		return nil, corrupt(record.ID, "record_type", err)
	}
	if record.Status, err = domain.ParseSaleStatus(status); err != nil {
		return nil, corrupt(record.ID, "status", err)
	}
	if record.PaymentMethod, err = domain.ParsePaymentMethod(method); err != nil {
		return nil, corrupt(record.ID, "payment_method", err)
	}
	if creditStatus.Valid && creditStatus.String != "" {
		if record.CreditPaymentStatus, err = domain.ParseCreditPaymentStatus(creditStatus.String); err != nil {
			return nil, corrupt(record.ID, "credit_payment_status", err)
		}
	}

	if err := decodeJSON(items, &record.Items, record.ID, "items"); err != nil {
		return nil, err
	}
	if err := decodeJSON(summary, &record.AppliedDiscountSummary, record.ID, "applied_discount_summary"); err != nil {
		return nil, err
	}
	if err := decodeJSON(returnLog, &record.ReturnedItemsLog, record.ID, "returned_items_log"); err != nil {
		return nil, err
	}

	record.CustomerName = customerName.String
	record.ActiveCampaignID = campaignID.String
	record.OriginalSaleRecordID = originalID.String
	if lastPayment.Valid {
		at := lastPayment.Time
		record.CreditLastPaymentDate = &at
	}
	return &record, nil
}

func decodeJSON(raw []byte, target any, recordID string, field string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return corrupt(recordID, field, err)
	}
	return nil
}

func corrupt(recordID string, field string, err error) error {
	return fmt.Errorf("%w: record %s field %s: %v", store.ErrCorruptRecord, recordID, field, err)
}

// hydrate attaches the installment history and the read-side has-returns
// flag. Installments always ride on the bill's pristine original id.
func hydrate(ctx context.Context, q queryer, record *domain.SaleRecord) (*domain.SaleRecord, error) {
	installmentKey := record.ID
	if record.OriginalSaleRecordID != "" && record.RecordType == domain.RecordTypeSale {
		installmentKey = record.OriginalSaleRecordID
	}
	installments, err := listInstallments(ctx, q, installmentKey)
	if err != nil {
		return nil, err
	}
	record.Installments = installments

	record.HasReturns = len(record.ActiveReturnEntries()) > 0
	if !record.HasReturns && record.Status == domain.StatusCompletedOriginal {
		var adjustedLog []byte
		err := q.QueryRowContext(ctx, `
			SELECT returned_items_log FROM sale_records
			WHERE original_sale_record_id = $1 AND status = $2
		`, record.ID, string(domain.StatusAdjustedActive)).Scan(&adjustedLog)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			var entries []domain.ReturnedItemDetail
			if err := decodeJSON(adjustedLog, &entries, record.ID, "returned_items_log"); err != nil {
				return nil, err
			}
			for _, entry := range entries {
				if !entry.IsUndone {
					record.HasReturns = true
					break
				}
			}
		}
	}
	return record, nil
}

func listInstallments(ctx context.Context, q queryer, saleRecordID string) ([]domain.PaymentInstallment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_record_id, amount_paid_cents, method, payment_date, notes, recorded_by, created_at
		FROM payment_installments
		WHERE sale_record_id = $1
		ORDER BY payment_date, created_at
	`, saleRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	installments := make([]domain.PaymentInstallment, 0, 4)
	for rows.Next() {
		var in domain.PaymentInstallment
		var notes sql.NullString
		if err := rows.Scan(&in.ID, &in.SaleRecordID, &in.AmountPaidCents, &in.Method,
			&in.PaymentDate, &notes, &in.RecordedByUserID, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.Notes = notes.String
		installments = append(installments, in)
	}
	return installments, rows.Err()
}

func getProduct(ctx context.Context, q queryer, productID string) (*domain.Product, error) {
	var p domain.Product
	var units []byte
	var category sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, name, category, units, selling_price_cents, cost_price_cents,
		       stock, is_service, specific_tax_rate, active
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &category, &units, &p.SellingPriceCents,
		&p.CostPriceCents, &p.Stock, &p.IsService, &p.SpecificTaxRate, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Category = category.String
	if err := decodeJSON(units, &p.Units, p.ID, "units"); err != nil {
		return nil, err
	}
	return &p, nil
}

func listProducts(ctx context.Context, q queryer) ([]domain.Product, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, category, units, selling_price_cents, cost_price_cents,
		       stock, is_service, specific_tax_rate, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		var units []byte
		var category sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &category, &units, &p.SellingPriceCents,
			&p.CostPriceCents, &p.Stock, &p.IsService, &p.SpecificTaxRate, &p.Active); err != nil {
			return nil, err
		}
		p.Category = category.String
		if err := decodeJSON(units, &p.Units, p.ID, "units"); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func scanCampaign(row rowScanner) (*domain.DiscountCampaign, error) {
	var campaign domain.DiscountCampaign
	var productRules, cartRule []byte
	if err := row.Scan(&campaign.ID, &campaign.Name, &campaign.Active, &productRules, &cartRule); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := decodeJSON(productRules, &campaign.ProductRules, campaign.ID, "product_rules"); err != nil {
		return nil, err
	}
	if len(cartRule) > 0 {
		campaign.CartRule = &domain.CartDiscountRule{}
		if err := decodeJSON(cartRule, campaign.CartRule, campaign.ID, "cart_rule"); err != nil {
			return nil, err
		}
	}
	return &campaign, nil
}

func getCampaign(ctx context.Context, q queryer, id string) (*domain.DiscountCampaign, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, active, product_rules, cart_rule
		FROM discount_campaigns
		WHERE id = $1
	`, id)
	return scanCampaign(row)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isBillNumberViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.Contains(pgErr.ConstraintName, "bill_number")
	}
	return false
}
