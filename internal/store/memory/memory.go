// Package memory implements the ledger repository in process memory. It backs
// dev/demo deployments without a database and is the fake the service tests
// run against. InTx clones the whole state, runs the unit of work on the
// clone, and swaps it in only on success, so rollback semantics match the
// SQL store.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

type state struct {
	products     map[string]domain.Product
	records      map[string]*domain.SaleRecord
	installments map[string][]domain.PaymentInstallment
	campaigns    map[string]domain.DiscountCampaign
	users        map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		products:     make(map[string]domain.Product),
		records:      make(map[string]*domain.SaleRecord),
		installments: make(map[string][]domain.PaymentInstallment),
		campaigns:    make(map[string]domain.DiscountCampaign),
		users:        make(map[string]domain.UserAccount),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, p := range s.products {
		c.products[id] = p
	}
	for id, r := range s.records {
		c.records[id] = r.Clone()
	}
	for id, insts := range s.installments {
		c.installments[id] = append([]domain.PaymentInstallment(nil), insts...)
	}
	for id, campaign := range s.campaigns {
		c.campaigns[id] = campaign
	}
	for name, u := range s.users {
		c.users[name] = u
	}
	return c
}

type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// NewSeeded builds a store preloaded with a small catalog, a demo discount
// campaign and dev users, for demo mode and for tests.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, p := range []domain.Product{
		{ID: "prod-rice-5kg", Name: "Rice 5kg", Category: "grocery", Units: domain.DefaultUnits(), SellingPriceCents: 129000, CostPriceCents: 104000, Stock: 40, Active: true},
		{ID: "prod-oil-1l", Name: "Cooking Oil 1L", Category: "grocery", Units: domain.DefaultUnits(), SellingPriceCents: 38500, CostPriceCents: 31000, Stock: 60, Active: true},
		{ID: "prod-soap-bar", Name: "Soap Bar", Category: "household", Units: domain.DefaultUnits(), SellingPriceCents: 7400, CostPriceCents: 5200, Stock: 120, Active: true},
		{ID: "prod-tea-250g", Name: "Tea Leaves 250g", Category: "beverage", Units: domain.DefaultUnits(), SellingPriceCents: 21500, CostPriceCents: 16000, Stock: 55, Active: true},
		{ID: "prod-giftwrap", Name: "Gift Wrapping", Category: "service", Units: domain.DefaultUnits(), SellingPriceCents: 5000, IsService: true, Active: true},
	} {
		s.st.products[p.ID] = p
	}

	s.st.campaigns["dc-weekly"] = domain.DiscountCampaign{
		ID:     "dc-weekly",
		Name:   "Weekly Specials",
		Active: true,
		ProductRules: []domain.ProductDiscountRule{
			{ProductID: "prod-oil-1l", Type: domain.RulePercentage, Percent: 5, MinQuantity: 2},
		},
		CartRule: &domain.CartDiscountRule{Type: domain.RulePercentage, Percent: 2, ThresholdCents: 500000},
	}

	for _, u := range []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", "admin"},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", "cashier"},
	} {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
			log.Printf("[memory-store] WARNING: using default dev credentials for %s. Set %s to override.", u.username, u.envKey)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.st.users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}

	return s
}

// memTx implements store.Tx over a cloned state.
type memTx struct {
	st *state
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(ctx, &memTx{st: working}); err != nil {
		return err
	}
	s.st = working
	return nil
}

func (t *memTx) GetSaleRecord(_ context.Context, id string) (*domain.SaleRecord, error) {
	return getRecord(t.st, id)
}

func (t *memTx) FindOriginalByBillNumber(_ context.Context, billNumber string) (*domain.SaleRecord, error) {
	return findOriginal(t.st, billNumber)
}

func (t *memTx) FindAdjustedByOriginalID(_ context.Context, originalID string) (*domain.SaleRecord, error) {
	return findAdjusted(t.st, originalID)
}

func (t *memTx) CreateSaleRecord(_ context.Context, record *domain.SaleRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: sale record id required", store.ErrInvalidInput)
	}
	if _, exists := t.st.records[record.ID]; exists {
		return fmt.Errorf("%w: sale record %s already exists", store.ErrInvalidInput, record.ID)
	}
	t.st.records[record.ID] = record.Clone()
	return nil
}

func (t *memTx) UpdateSaleRecord(_ context.Context, record *domain.SaleRecord) error {
	if _, exists := t.st.records[record.ID]; !exists {
		return store.ErrNotFound
	}
	t.st.records[record.ID] = record.Clone()
	return nil
}

func (t *memTx) DeleteSaleRecord(_ context.Context, id string) error {
	if _, exists := t.st.records[id]; !exists {
		return store.ErrNotFound
	}
	delete(t.st.records, id)
	delete(t.st.installments, id)
	return nil
}

func (t *memTx) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	return getProduct(t.st, productID)
}

func (t *memTx) ListProducts(_ context.Context) ([]domain.Product, error) {
	return listProducts(t.st), nil
}

func (t *memTx) AdjustStock(_ context.Context, productID string, delta int, _ string) error {
	product, exists := t.st.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	next := product.Stock + delta
	if next < 0 {
		return fmt.Errorf("%w: product %s has %d, needs %d", store.ErrInsufficientStock, productID, product.Stock, -delta)
	}
	product.Stock = next
	t.st.products[productID] = product
	return nil
}

func (t *memTx) CreateInstallment(_ context.Context, installment domain.PaymentInstallment) error {
	if installment.SaleRecordID == "" {
		return fmt.Errorf("%w: installment needs a sale record id", store.ErrInvalidInput)
	}
	t.st.installments[installment.SaleRecordID] = append(t.st.installments[installment.SaleRecordID], installment)
	return nil
}

func (t *memTx) ListInstallments(_ context.Context, saleRecordID string) ([]domain.PaymentInstallment, error) {
	return listInstallments(t.st, saleRecordID), nil
}

func (t *memTx) GetDiscountCampaign(_ context.Context, id string) (*domain.DiscountCampaign, error) {
	return getCampaign(t.st, id)
}

// Read side of the repository.

func (s *Store) GetSaleRecord(_ context.Context, id string) (*domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(s.st, id)
}

func (s *Store) FindOriginalByBillNumber(_ context.Context, billNumber string) (*domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findOriginal(s.st, billNumber)
}

func (s *Store) FindAdjustedByOriginalID(_ context.Context, originalID string) (*domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findAdjusted(s.st, originalID)
}

func (s *Store) ListOriginalSales(_ context.Context, userID string, page int, limit int) (domain.SaleListPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*domain.SaleRecord, 0, len(s.st.records))
	for _, r := range s.st.records {
		if r.Status != domain.StatusCompletedOriginal || r.RecordType != domain.RecordTypeSale {
			continue
		}
		// An empty userID means no creator filter (admin scope).
		if userID != "" && r.CreatedByUserID != userID {
			continue
		}
		matches = append(matches, r)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Date.After(matches[j].Date) })

	return paginate(s.st, matches, page, limit), nil
}

func (s *Store) ListOpenCreditSales(_ context.Context, userID string, page int, limit int, filters domain.CreditSaleFilters) (domain.SaleListPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*domain.SaleRecord, 0, len(s.st.records))
	for _, r := range s.st.records {
		if !r.IsCreditSale || r.RecordType != domain.RecordTypeSale || r.Status != domain.StatusCompletedOriginal {
			continue
		}
		if userID != "" && r.CreatedByUserID != userID {
			continue
		}
		if r.CreditPaymentStatus != domain.CreditPending && r.CreditPaymentStatus != domain.CreditPartiallyPaid {
			continue
		}
		if filters.StartDate != nil && r.Date.Before(*filters.StartDate) {
			continue
		}
		if filters.EndDate != nil && r.Date.After(*filters.EndDate) {
			continue
		}
		matches = append(matches, r)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Date.After(matches[j].Date) })

	return paginate(s.st, matches, page, limit), nil
}

func (s *Store) ListInstallments(_ context.Context, saleRecordID string) ([]domain.PaymentInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInstallments(s.st, saleRecordID), nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(s.st, productID)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listProducts(s.st), nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.st.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrInvalidInput, product.ID)
	}
	s.st.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.st.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetDiscountCampaign(_ context.Context, id string) (*domain.DiscountCampaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCampaign(s.st, id)
}

func (s *Store) ListDiscountCampaigns(_ context.Context) ([]domain.DiscountCampaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	campaigns := make([]domain.DiscountCampaign, 0, len(s.st.campaigns))
	for _, c := range s.st.campaigns {
		campaigns = append(campaigns, c)
	}
	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].ID < campaigns[j].ID })
	return campaigns, nil
}

func (s *Store) CreateDiscountCampaign(_ context.Context, campaign domain.DiscountCampaign) (*domain.DiscountCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if campaign.ID == "" {
		return nil, store.ErrInvalidInput
	}
	s.st.campaigns[campaign.ID] = campaign
	created := campaign
	return &created, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.st.users[user.Username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, user.Username)
	}
	s.st.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.st.users))
	for _, u := range s.st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, exists := s.st.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.st.users[username] = user
	return nil
}

// Shared lookups used by both the repository and the transactional view.

func getRecord(st *state, id string) (*domain.SaleRecord, error) {
	record, exists := st.records[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return hydrate(st, record), nil
}

func findOriginal(st *state, billNumber string) (*domain.SaleRecord, error) {
	for _, r := range st.records {
		if r.BillNumber == billNumber && r.Status == domain.StatusCompletedOriginal {
			return hydrate(st, r), nil
		}
	}
	return nil, store.ErrNotFound
}

func findAdjusted(st *state, originalID string) (*domain.SaleRecord, error) {
	var latest *domain.SaleRecord
	for _, r := range st.records {
		if r.OriginalSaleRecordID == originalID && r.Status == domain.StatusAdjustedActive {
			if latest == nil || r.Date.After(latest.Date) {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return hydrate(st, latest), nil
}

func getProduct(st *state, productID string) (*domain.Product, error) {
	product, exists := st.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	p := product
	return &p, nil
}

// listProducts returns the active catalog, matching the postgres store.
// Deactivated products stay reachable through GetProduct but drop out of
// listings and of reconciliation repricing.
func listProducts(st *state) []domain.Product {
	products := make([]domain.Product, 0, len(st.products))
	for _, p := range st.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

func listInstallments(st *state, saleRecordID string) []domain.PaymentInstallment {
	installments := append([]domain.PaymentInstallment(nil), st.installments[saleRecordID]...)
	sort.Slice(installments, func(i, j int) bool { return installments[i].PaymentDate.Before(installments[j].PaymentDate) })
	return installments
}

func getCampaign(st *state, id string) (*domain.DiscountCampaign, error) {
	campaign, exists := st.campaigns[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	c := campaign
	return &c, nil
}

// hydrate clones the record and attaches installments and the read-side
// has-returns flag. Installments always come from the bill's durable
// identity: the pristine original record.
func hydrate(st *state, record *domain.SaleRecord) *domain.SaleRecord {
	out := record.Clone()

	installmentKey := record.ID
	if record.OriginalSaleRecordID != "" && record.RecordType == domain.RecordTypeSale {
		installmentKey = record.OriginalSaleRecordID
	}
	out.Installments = listInstallments(st, installmentKey)

	out.HasReturns = len(out.ActiveReturnEntries()) > 0
	if !out.HasReturns && record.Status == domain.StatusCompletedOriginal {
		for _, r := range st.records {
			if r.OriginalSaleRecordID == record.ID && r.Status == domain.StatusAdjustedActive && len(r.ActiveReturnEntries()) > 0 {
				out.HasReturns = true
				break
			}
		}
	}
	return out
}

func paginate(st *state, matches []*domain.SaleRecord, page int, limit int) domain.SaleListPage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	total := len(matches)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	sales := make([]domain.SaleRecord, 0, end-start)
	for _, r := range matches[start:end] {
		sales = append(sales, *hydrate(st, r))
	}
	return domain.SaleListPage{Sales: sales, TotalCount: total}
}
