package store

import (
	"context"
	"errors"

	"ledgerpos/backend/internal/domain"
)

// Sentinel errors forming the failure taxonomy of the ledger. Conflict and
// resource errors roll the surrounding transaction back; ErrIntegrity means
// the bill is not self-consistent and must be reported, never repaired.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateBillNumber = errors.New("bill number already exists")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReturnEntryNotFound = errors.New("return log entry not found")
	ErrReturnAlreadyUndone = errors.New("return entry already undone")
	ErrNotCreditSale       = errors.New("not an open credit sale")
	ErrAlreadyFullyPaid    = errors.New("credit sale already fully paid")
	ErrOverpayment         = errors.New("payment exceeds outstanding amount")
	ErrIntegrity           = errors.New("sale record integrity violation")
	ErrCorruptRecord       = errors.New("corrupt sale record data")
	ErrTxTimeout           = errors.New("transaction timed out")
)

// Tx is the transactional context handed to a unit of work. Every method
// observes and mutates state inside one all-or-nothing transaction; when the
// unit-of-work function returns an error nothing it did is visible.
type Tx interface {
	GetSaleRecord(ctx context.Context, id string) (*domain.SaleRecord, error)
	FindOriginalByBillNumber(ctx context.Context, billNumber string) (*domain.SaleRecord, error)
	FindAdjustedByOriginalID(ctx context.Context, originalID string) (*domain.SaleRecord, error)
	CreateSaleRecord(ctx context.Context, record *domain.SaleRecord) error
	UpdateSaleRecord(ctx context.Context, record *domain.SaleRecord) error
	DeleteSaleRecord(ctx context.Context, id string) error

	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// AdjustStock applies a signed delta to a product's on-hand quantity and
	// fails with ErrInsufficientStock when the result would go negative.
	AdjustStock(ctx context.Context, productID string, delta int, actorID string) error

	CreateInstallment(ctx context.Context, installment domain.PaymentInstallment) error
	ListInstallments(ctx context.Context, saleRecordID string) ([]domain.PaymentInstallment, error)

	GetDiscountCampaign(ctx context.Context, id string) (*domain.DiscountCampaign, error)
}

// Repository is the persistence boundary of the reconciliation core. Reads
// are not transactionally linked to later writes; mutating operations run
// their whole unit of work through InTx.
type Repository interface {
	// InTx runs fn inside a single atomic transaction with a bounded
	// execution timeout. A deadline hit surfaces as ErrTxTimeout.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSaleRecord(ctx context.Context, id string) (*domain.SaleRecord, error)
	FindOriginalByBillNumber(ctx context.Context, billNumber string) (*domain.SaleRecord, error)
	FindAdjustedByOriginalID(ctx context.Context, originalID string) (*domain.SaleRecord, error)
	ListOriginalSales(ctx context.Context, userID string, page int, limit int) (domain.SaleListPage, error)
	ListOpenCreditSales(ctx context.Context, userID string, page int, limit int, filters domain.CreditSaleFilters) (domain.SaleListPage, error)
	ListInstallments(ctx context.Context, saleRecordID string) ([]domain.PaymentInstallment, error)

	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	GetDiscountCampaign(ctx context.Context, id string) (*domain.DiscountCampaign, error)
	ListDiscountCampaigns(ctx context.Context) ([]domain.DiscountCampaign, error)
	CreateDiscountCampaign(ctx context.Context, campaign domain.DiscountCampaign) (*domain.DiscountCampaign, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
