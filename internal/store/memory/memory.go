package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokosegar/backend/internal/costing"
	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
	"tokosegar/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	productsByID    map[string]domain.Product
	productIDBySKU  map[string]string
	batchesByID     map[string]domain.InventoryBatch
	salesByID       map[string]*domain.Sale
	saleIDByNumber  map[string]string
	refundsByID     map[string]domain.Refund
	wallet          *domain.Wallet
	walletTxns      []domain.WalletTransaction
	suppliersByID   map[string]domain.Supplier
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
	saleSeq         map[string]int
}

func New() *Store {
	return &Store{
		productsByID:    map[string]domain.Product{},
		productIDBySKU:  map[string]string{},
		batchesByID:     map[string]domain.InventoryBatch{},
		salesByID:       map[string]*domain.Sale{},
		saleIDByNumber:  map[string]string{},
		refundsByID:     map[string]domain.Refund{},
		suppliersByID:   map[string]domain.Supplier{},
		usersByUsername: map[string]domain.UserAccount{},
		saleSeq:         map[string]int{},
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store pre-loaded with a small grocery catalogue,
// one or two opening batches per product, and dev user accounts.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	seed := []struct {
		sku       string
		name      string
		category  string
		price     int64
		threshold int
		lots      []struct {
			qty  int
			cost int64
			age  time.Duration
		}
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "grocery", 3500, 20, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{80, 2700, 72 * time.Hour}, {120, 2850, 24 * time.Hour}}},
		{"SKU-TELUR-01", "Telur 10 Butir", "grocery", 26500, 10, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{40, 23000, 48 * time.Hour}}},
		{"SKU-SUSU-01", "Susu UHT 1L", "dairy", 18900, 12, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{30, 13600, 96 * time.Hour}, {30, 14100, 12 * time.Hour}}},
		{"SKU-ROTI-01", "Roti Tawar", "bakery", 17800, 8, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{25, 12400, 24 * time.Hour}}},
		{"SKU-KOPI-01", "Kopi Sachet", "beverage", 2600, 30, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{200, 1700, 120 * time.Hour}}},
		{"SKU-GULA-01", "Gula 1kg", "grocery", 17400, 10, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{50, 15300, 72 * time.Hour}}},
		{"SKU-AIR-01", "Air Mineral 600ml", "beverage", 3900, 48, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{240, 3200, 48 * time.Hour}}},
		{"SKU-SABUN-01", "Sabun Mandi", "household", 7400, 12, []struct {
			qty  int
			cost int64
			age  time.Duration
		}{{60, 5000, 168 * time.Hour}}},
	}

	for _, p := range seed {
		product := domain.Product{
			ID:                xid.New("prod"),
			SKU:               p.sku,
			Name:              p.name,
			Category:          p.category,
			PriceCents:        p.price,
			LowStockThreshold: p.threshold,
			Active:            true,
			CreatedAt:         now,
		}
		for _, lot := range p.lots {
			b := domain.InventoryBatch{
				ID:            xid.New("batch"),
				ProductID:     product.ID,
				QtyReceived:   lot.qty,
				QtyRemaining:  lot.qty,
				UnitCostCents: lot.cost,
				Status:        domain.BatchStatusActive,
				SourceType:    "seed",
				ReceivedAt:    now.Add(-lot.age),
			}
			s.batchesByID[b.ID] = b
			product.StockQty += lot.qty
		}
		s.productsByID[product.ID] = product
		s.productIDBySKU[product.SKU] = product.ID
	}
	return s
}

// --- products ---

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.SKU, b.SKU)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.SKU) == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrValidation
	}
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	product.StockQty = 0
	s.productsByID[product.ID] = product
	s.productIDBySKU[product.SKU] = product.ID
	saved := product
	return &saved, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := p
	return &found, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.productIDBySKU[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.productsByID[id]
	found := p
	return &found, nil
}

// --- batch ledger ---

func (s *Store) CreateBatch(_ context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBatchLocked(batch)
}

func (s *Store) createBatchLocked(batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.QtyReceived <= 0 || batch.UnitCostCents < 0 {
		return nil, store.ErrValidation
	}
	product, ok := s.productsByID[batch.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.QtyRemaining = batch.QtyReceived
	batch.Status = domain.BatchStatusActive

	if batch.SupplierID != "" {
		supplier, ok := s.suppliersByID[batch.SupplierID]
		if !ok {
			return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, batch.SupplierID)
		}
		supplier.OwedCents += int64(batch.QtyReceived) * batch.UnitCostCents
		s.suppliersByID[batch.SupplierID] = supplier
	}

	s.batchesByID[batch.ID] = batch
	product.StockQty += batch.QtyReceived
	s.productsByID[product.ID] = product
	saved := batch
	return &saved, nil
}

func (s *Store) ListBatches(_ context.Context, productID string, includeFinished bool) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.productsByID[productID]; !ok {
		return nil, store.ErrNotFound
	}
	batches := s.productBatchesLocked(productID, includeFinished)
	costing.SortFIFO(batches)
	return batches, nil
}

func (s *Store) productBatchesLocked(productID string, includeFinished bool) []domain.InventoryBatch {
	var batches []domain.InventoryBatch
	for _, b := range s.batchesByID {
		if b.ProductID != productID {
			continue
		}
		if !includeFinished && b.Status == domain.BatchStatusFinished {
			continue
		}
		batches = append(batches, b)
	}
	return batches
}

func (s *Store) AllocateStock(_ context.Context, productID string, qty int) (*domain.AllocationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked(productID, qty)
}

func (s *Store) allocateLocked(productID string, qty int) (*domain.AllocationResult, error) {
	product, ok := s.productsByID[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	plan, err := costing.PlanAllocation(productID, qty, s.productBatchesLocked(productID, false))
	if err != nil {
		return nil, err
	}
	for _, d := range plan.Deductions {
		b := s.batchesByID[d.BatchID]
		b.QtyRemaining -= d.Qty
		b.Status = domain.BatchStatusFor(b.QtyRemaining, b.QtyReceived)
		s.batchesByID[b.ID] = b
	}
	product.StockQty -= qty
	s.productsByID[product.ID] = product

	return &domain.AllocationResult{
		ProductID:     productID,
		Qty:           qty,
		CostCents:     plan.CostCents,
		UnitCostCents: plan.CostCents / int64(qty),
	}, nil
}

func (s *Store) RestoreStock(_ context.Context, req domain.RestoreStockRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(req)
}

func (s *Store) restoreLocked(req domain.RestoreStockRequest) error {
	if req.Qty <= 0 {
		return store.ErrValidation
	}
	product, ok := s.productsByID[req.ProductID]
	if !ok {
		return store.ErrNotFound
	}

	batches := s.productBatchesLocked(req.ProductID, true)
	if targetID, ok := costing.RestoreTarget(req.OriginBatchID, batches); ok {
		b := s.batchesByID[targetID]
		b.QtyRemaining += req.Qty
		if b.QtyRemaining > b.QtyReceived {
			b.QtyReceived = b.QtyRemaining
		}
		b.Status = domain.BatchStatusFor(b.QtyRemaining, b.QtyReceived)
		s.batchesByID[b.ID] = b
	} else {
		b := domain.InventoryBatch{
			ID:            xid.New("batch"),
			ProductID:     req.ProductID,
			QtyReceived:   req.Qty,
			QtyRemaining:  req.Qty,
			UnitCostCents: req.UnitCostCents,
			Status:        domain.BatchStatusActive,
			SourceType:    "restock",
			ReceivedAt:    time.Now().UTC(),
		}
		s.batchesByID[b.ID] = b
	}

	product.StockQty += req.Qty
	s.productsByID[product.ID] = product
	return nil
}

// --- wallet ---

func (s *Store) walletLocked() *domain.Wallet {
	if s.wallet == nil {
		s.wallet = &domain.Wallet{Accounts: map[string]int64{}}
	}
	return s.wallet
}

func (s *Store) creditLocked(account string, amount int64, at time.Time) {
	w := s.walletLocked()
	w.Accounts[account] += amount
	w.UpdatedAt = at
}

func (s *Store) debitLocked(account string, amount int64, at time.Time) error {
	w := s.walletLocked()
	if w.Accounts[account] < amount {
		return fmt.Errorf("%w: account %s has %d, need %d",
			store.ErrInsufficientBalance, account, w.Accounts[account], amount)
	}
	w.Accounts[account] -= amount
	w.UpdatedAt = at
	return nil
}

func (s *Store) appendTxnLocked(txn domain.WalletTransaction) domain.WalletTransaction {
	if txn.ID == "" {
		txn.ID = xid.New("txn")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	s.walletTxns = append(s.walletTxns, txn)
	return txn
}

func (s *Store) GetWallet(_ context.Context) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := domain.Wallet{Accounts: map[string]int64{}}
	if s.wallet != nil {
		w.UpdatedAt = s.wallet.UpdatedAt
		for k, v := range s.wallet.Accounts {
			w.Accounts[k] = v
		}
	}
	return &w, nil
}

func (s *Store) MoveWallet(_ context.Context, txn domain.WalletTransaction) (*domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	if !validAccount(txn.Account) {
		return nil, fmt.Errorf("%w: unknown account %q", store.ErrValidation, txn.Account)
	}
	now := time.Now().UTC()

	switch txn.Type {
	case domain.TxnIncome:
		s.creditLocked(txn.Account, txn.AmountCents, now)
	case domain.TxnExpense:
		if err := s.debitLocked(txn.Account, txn.AmountCents, now); err != nil {
			return nil, err
		}
	case domain.TxnTransfer:
		if !validAccount(txn.DestAccount) || txn.DestAccount == txn.Account {
			return nil, fmt.Errorf("%w: invalid transfer destination %q", store.ErrValidation, txn.DestAccount)
		}
		if err := s.debitLocked(txn.Account, txn.AmountCents, now); err != nil {
			return nil, err
		}
		s.creditLocked(txn.DestAccount, txn.AmountCents, now)
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrValidation, txn.Type)
	}

	saved := s.appendTxnLocked(txn)
	return &saved, nil
}

func validAccount(account string) bool {
	return account == domain.AccountCash || account == domain.AccountBank
}

func (s *Store) ListWalletTransactions(_ context.Context, account string, limit int) ([]domain.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.WalletTransaction
	for _, t := range s.walletTxns {
		if account != "" && t.Account != account && t.DestAccount != account {
			continue
		}
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b domain.WalletTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- sales ---

func (s *Store) nextSaleNumberLocked(channel string) string {
	prefix := "INV"
	if channel == domain.ChannelOnline {
		prefix = "ORD"
	}
	s.saleSeq[channel]++
	return fmt.Sprintf("%s-%05d", prefix, s.saleSeq[channel])
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no lines", store.ErrValidation)
	}
	account, ok := domain.AccountForPayment(sale.PaymentMethod)
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, sale.PaymentMethod)
	}
	if sale.Channel != domain.ChannelPOS && sale.Channel != domain.ChannelOnline {
		return nil, fmt.Errorf("%w: unknown channel %q", store.ErrValidation, sale.Channel)
	}

	now := time.Now().UTC()

	// Plan every line before touching any batch so a failing line leaves
	// the ledger untouched. Later lines plan against what earlier lines
	// already drew, so duplicate-product lines cannot double-count a batch.
	plans := make([]*costing.Plan, len(sale.Lines))
	drawn := make(map[string]int)
	for i, line := range sale.Lines {
		if line.Qty <= 0 {
			return nil, fmt.Errorf("%w: line %d has non-positive qty", store.ErrValidation, i)
		}
		if _, ok := s.productsByID[line.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		batches := s.productBatchesLocked(line.ProductID, false)
		for j := range batches {
			batches[j].QtyRemaining -= drawn[batches[j].ID]
		}
		plan, err := costing.PlanAllocation(line.ProductID, line.Qty, batches)
		if err != nil {
			return nil, err
		}
		for _, d := range plan.Deductions {
			drawn[d.BatchID] += d.Qty
		}
		plans[i] = plan
	}

	sale.ID = xid.New("sale")
	sale.Number = s.nextSaleNumberLocked(sale.Channel)
	sale.CreatedAt = now
	sale.SubtotalCents = 0
	sale.CostCents = 0
	for i := range sale.Lines {
		line := &sale.Lines[i]
		line.CostCents = plans[i].CostCents
		line.ReturnedQty = 0
		sale.SubtotalCents += int64(line.Qty) * line.UnitPriceCents
		sale.CostCents += line.CostCents
	}
	sale.TotalCents = sale.SubtotalCents + sale.TaxCents
	sale.ProfitCents = sale.SubtotalCents - sale.CostCents
	sale.Cancelled = false
	sale.SettledAt = nil

	for i, plan := range plans {
		for _, d := range plan.Deductions {
			b := s.batchesByID[d.BatchID]
			b.QtyRemaining -= d.Qty
			b.Status = domain.BatchStatusFor(b.QtyRemaining, b.QtyReceived)
			s.batchesByID[b.ID] = b
		}
		product := s.productsByID[sale.Lines[i].ProductID]
		product.StockQty -= sale.Lines[i].Qty
		s.productsByID[product.ID] = product
	}

	if domain.IsDeferredPayment(sale.PaymentMethod) {
		sale.PaymentStatus = domain.PaymentStatusPending
		sale.PaymentCollected = false
	} else {
		sale.PaymentStatus = domain.PaymentStatusPaid
		sale.PaymentCollected = true
		s.creditLocked(account, sale.TotalCents, now)
		s.appendTxnLocked(domain.WalletTransaction{
			Type:        domain.TxnIncome,
			Category:    "sale",
			AmountCents: sale.TotalCents,
			Account:     account,
			Reference:   sale.Number,
			CreatedAt:   now,
		})
	}

	stored := sale
	s.salesByID[stored.ID] = &stored
	s.saleIDByNumber[stored.Number] = stored.ID
	return cloneSale(&stored), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByNumber(_ context.Context, number string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.saleByNumberLocked(number)
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) saleByNumberLocked(number string) (*domain.Sale, bool) {
	id, ok := s.saleIDByNumber[number]
	if !ok {
		return nil, false
	}
	sale, ok := s.salesByID[id]
	return sale, ok
}

func (s *Store) ListSales(_ context.Context, channel string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Sale
	for _, sale := range s.salesByID {
		if channel != "" && sale.Channel != channel {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.Number, a.Number)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SettleDeferredSale(_ context.Context, number string, at time.Time) (*domain.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.saleByNumberLocked(number)
	if !ok {
		return nil, store.ErrNotFound
	}
	if !domain.IsDeferredPayment(sale.PaymentMethod) {
		return nil, fmt.Errorf("%w: sale %s is not deferred-payment", store.ErrConflict, number)
	}
	if sale.PaymentCollected {
		return nil, fmt.Errorf("%w: sale %s already collected", store.ErrConflict, number)
	}

	// Fresh costing pass against current batches. The result can diverge
	// from the checkout snapshot when stock moved in between; a line whose
	// batches can no longer cover it keeps its original cost basis.
	recomputedCost := int64(0)
	for _, line := range sale.Lines {
		cost, err := costing.PreviewCost(line.ProductID, line.Qty, s.productBatchesLocked(line.ProductID, false))
		if err != nil {
			cost = line.CostCents
		}
		recomputedCost += cost
	}

	account, _ := domain.AccountForPayment(sale.PaymentMethod)
	s.creditLocked(account, sale.TotalCents, at)
	s.appendTxnLocked(domain.WalletTransaction{
		Type:        domain.TxnIncome,
		Category:    "cod-settlement",
		AmountCents: sale.TotalCents,
		Account:     account,
		Reference:   sale.Number,
		CreatedAt:   at,
	})

	settledAt := at
	sale.PaymentCollected = true
	sale.PaymentStatus = domain.PaymentStatusVerified
	sale.ProfitCents = sale.SubtotalCents - recomputedCost
	sale.CostCents = recomputedCost
	sale.SettledAt = &settledAt

	return &domain.SettlementResult{
		SaleNumber:         sale.Number,
		AmountCents:        sale.TotalCents,
		ProfitCents:        sale.ProfitCents,
		Account:            account,
		WalletBalanceCents: s.walletLocked().Accounts[account],
	}, nil
}

// --- refunds and voids ---

func (s *Store) CreateRefundRequest(_ context.Context, refund domain.Refund) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.saleByNumberLocked(refund.SaleNumber)
	if !ok {
		return nil, store.ErrNotFound
	}
	if refund.AmountCents <= 0 || len(refund.Items) == 0 {
		return nil, store.ErrValidation
	}

	// A sale can carry the same product on more than one line, and a
	// refund can list it more than once; validation compares per-product
	// totals, never individual lines.
	soldByProduct := map[string]int{}
	for _, line := range sale.Lines {
		soldByProduct[line.ProductID] += line.Qty
	}
	requested := map[string]int{}
	for _, item := range refund.Items {
		if item.Qty <= 0 {
			return nil, store.ErrValidation
		}
		requested[item.ProductID] += item.Qty
	}
	reversed := s.reversedByProductLocked(refund.SaleNumber)
	for productID, qty := range requested {
		sold, ok := soldByProduct[productID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not on sale %s", store.ErrValidation, productID, refund.SaleNumber)
		}
		if qty > sold-reversed[productID] {
			return nil, fmt.Errorf("%w: refund qty for %s exceeds remaining units", store.ErrConflict, productID)
		}
	}
	if refund.AmountCents > sale.TotalCents-s.refundedAmountLocked(refund.SaleNumber) {
		return nil, fmt.Errorf("%w: refund amount exceeds remaining total", store.ErrConflict)
	}

	refund.ID = xid.New("refund")
	refund.Status = domain.RefundStatusPending
	refund.CreatedAt = time.Now().UTC()
	refund.ResolvedAt = nil
	s.refundsByID[refund.ID] = refund
	saved := refund
	return &saved, nil
}

func (s *Store) FindRefundByID(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refundsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := refund
	return &found, nil
}

func (s *Store) ListRefunds(_ context.Context, status string, limit int) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Refund
	for _, r := range s.refundsByID {
		if status != "" && r.Status != status {
			continue
		}
		result = append(result, r)
	}
	slices.SortFunc(result, func(a, b domain.Refund) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ApproveRefund(_ context.Context, refundID string, approvedAmountCents int64, at time.Time) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refundsByID[refundID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if refund.Status != domain.RefundStatusPending {
		return nil, fmt.Errorf("%w: refund %s already %s", store.ErrConflict, refundID, refund.Status)
	}
	if approvedAmountCents < 0 {
		return nil, fmt.Errorf("%w: approved amount cannot be negative", store.ErrValidation)
	}
	if approvedAmountCents == 0 {
		approvedAmountCents = refund.AmountCents
	}
	if approvedAmountCents > refund.AmountCents {
		return nil, fmt.Errorf("%w: approved amount exceeds requested amount", store.ErrValidation)
	}
	sale, ok := s.saleByNumberLocked(refund.SaleNumber)
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, refund.SaleNumber)
	}
	if approvedAmountCents > sale.TotalCents-s.refundedAmountLocked(refund.SaleNumber) {
		return nil, fmt.Errorf("%w: approved amount exceeds remaining refundable total", store.ErrConflict)
	}

	// Cash leaves the wallet only when it entered it. An uncollected
	// deferred sale has no cash to give back.
	if sale.PaymentCollected {
		account, _ := domain.AccountForPayment(sale.PaymentMethod)
		if err := s.debitLocked(account, approvedAmountCents, at); err != nil {
			return nil, err
		}
		s.appendTxnLocked(domain.WalletTransaction{
			Type:        domain.TxnExpense,
			Category:    "refund",
			AmountCents: approvedAmountCents,
			Account:     account,
			Reference:   sale.Number,
			CreatedAt:   at,
		})
	}

	// Returned goods come back as new batches costed at the line price;
	// the original consumed batch is not traced.
	for _, item := range refund.Items {
		for i := range sale.Lines {
			line := &sale.Lines[i]
			if line.ProductID != item.ProductID {
				continue
			}
			b := domain.InventoryBatch{
				ProductID:     item.ProductID,
				QtyReceived:   item.Qty,
				UnitCostCents: line.UnitPriceCents,
				SourceType:    "refund",
				SourceRef:     refund.ID,
				ReceivedAt:    at,
			}
			if _, err := s.createBatchLocked(b); err != nil {
				return nil, err
			}
			line.ReturnedQty += item.Qty
			break
		}
	}

	resolvedAt := at
	refund.Status = domain.RefundStatusApproved
	refund.ApprovedAmountCents = approvedAmountCents
	refund.ResolvedAt = &resolvedAt
	s.refundsByID[refund.ID] = refund
	sale.Cancelled = true

	saved := refund
	return &saved, nil
}

func (s *Store) RejectRefund(_ context.Context, refundID string, at time.Time) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refundsByID[refundID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if refund.Status != domain.RefundStatusPending {
		return nil, fmt.Errorf("%w: refund %s already %s", store.ErrConflict, refundID, refund.Status)
	}
	resolvedAt := at
	refund.Status = domain.RefundStatusRejected
	refund.ResolvedAt = &resolvedAt
	s.refundsByID[refund.ID] = refund
	saved := refund
	return &saved, nil
}

// reversedByProductLocked aggregates units already reversed by approved
// or completed refunds against one sale number.
func (s *Store) reversedByProductLocked(saleNumber string) map[string]int {
	reversed := map[string]int{}
	for _, r := range s.refundsByID {
		if r.SaleNumber != saleNumber {
			continue
		}
		if r.Status != domain.RefundStatusApproved && r.Status != domain.RefundStatusCompleted {
			continue
		}
		for _, item := range r.Items {
			reversed[item.ProductID] += item.Qty
		}
	}
	return reversed
}

func (s *Store) refundedAmountLocked(saleNumber string) int64 {
	var total int64
	for _, r := range s.refundsByID {
		if r.SaleNumber != saleNumber {
			continue
		}
		if r.Status != domain.RefundStatusApproved && r.Status != domain.RefundStatusCompleted {
			continue
		}
		total += r.SettledAmountCents()
	}
	return total
}

func (s *Store) VoidSale(_ context.Context, number string, reason string, at time.Time) (*domain.VoidSaleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.saleByNumberLocked(number)
	if !ok {
		return nil, store.ErrNotFound
	}

	reversed := s.reversedByProductLocked(number)
	refunded := s.refundedAmountLocked(number)

	result := &domain.VoidSaleResult{SaleNumber: number}

	// Reverse cash first so an insufficient balance aborts before any
	// stock moves.
	if sale.PaymentCollected {
		account, _ := domain.AccountForPayment(sale.PaymentMethod)
		cash := sale.TotalCents - refunded
		if cash < 0 {
			cash = 0
		}
		if cash > 0 {
			if err := s.debitLocked(account, cash, at); err != nil {
				return nil, err
			}
		}
		result.CashReversedCents = cash
		result.Account = account
	}

	for _, line := range sale.Lines {
		remainder := line.Qty - reversed[line.ProductID]
		if remainder <= 0 {
			result.ItemsSkipped++
			continue
		}
		unitCost := line.CostCents / int64(line.Qty)
		err := s.restoreLocked(domain.RestoreStockRequest{
			ProductID:     line.ProductID,
			Qty:           remainder,
			UnitCostCents: unitCost,
		})
		if err != nil {
			// Stale product reference. Skip and report rather than
			// aborting the whole void.
			log.Printf("[memory-store] WARN: void %s: restore %s failed: %v", number, line.ProductID, err)
			result.ItemsSkipped++
			continue
		}
		result.ItemsRestored++
		result.UnitsRestored += remainder
	}

	// Every ledger entry referencing the sale goes, income and refund
	// expenses alike, so per-account signed sums still match balances.
	kept := s.walletTxns[:0]
	for _, t := range s.walletTxns {
		if t.Reference == number {
			continue
		}
		kept = append(kept, t)
	}
	s.walletTxns = kept

	for id, r := range s.refundsByID {
		if r.SaleNumber == number {
			delete(s.refundsByID, id)
		}
	}

	delete(s.salesByID, sale.ID)
	delete(s.saleIDByNumber, number)
	return result, nil
}

// --- suppliers ---

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrValidation
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliersByID[supplier.ID] = supplier
	saved := supplier
	return &saved, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, sup := range s.suppliersByID {
		suppliers = append(suppliers, sup)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return cmpString(a.Name, b.Name)
	})
	return suppliers, nil
}

func (s *Store) GetSupplierByID(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, ok := s.suppliersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := supplier
	return &found, nil
}

func (s *Store) PaySupplier(_ context.Context, supplierID string, amountCents int64, account string, at time.Time) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier, ok := s.suppliersByID[supplierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if amountCents <= 0 || !validAccount(account) {
		return nil, store.ErrValidation
	}
	if amountCents > supplier.OwedCents {
		return nil, fmt.Errorf("%w: payment exceeds owed balance", store.ErrConflict)
	}
	if err := s.debitLocked(account, amountCents, at); err != nil {
		return nil, err
	}
	s.appendTxnLocked(domain.WalletTransaction{
		Type:        domain.TxnExpense,
		Category:    "supplier-payment",
		AmountCents: amountCents,
		Account:     account,
		Reference:   supplier.ID,
		CreatedAt:   at,
	})
	supplier.OwedCents -= amountCents
	s.suppliersByID[supplier.ID] = supplier
	saved := supplier
	return &saved, nil
}

// --- reports ---

func (s *Store) GetValuationReport(_ context.Context) (*domain.ValuationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	valueByProduct := map[string]int64{}
	for _, b := range s.batchesByID {
		valueByProduct[b.ProductID] += int64(b.QtyRemaining) * b.UnitCostCents
	}

	report := &domain.ValuationReport{GeneratedAt: time.Now().UTC()}
	for _, p := range s.productsByID {
		line := domain.ValuationLine{
			ProductID:  p.ID,
			SKU:        p.SKU,
			Name:       p.Name,
			StockQty:   p.StockQty,
			ValueCents: valueByProduct[p.ID],
			LowStock:   p.StockQty <= p.LowStockThreshold,
		}
		if line.LowStock {
			report.LowStockCount++
		}
		report.TotalValueCents += line.ValueCents
		report.Lines = append(report.Lines, line)
	}
	slices.SortFunc(report.Lines, func(a, b domain.ValuationLine) int {
		return cmpString(a.SKU, b.SKU)
	})
	return report, nil
}

// --- audit and auth ---

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.AuditLog
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok || !user.Active {
		return nil, store.ErrNotFound
	}
	found := user
	return &found, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username %s taken", store.ErrConflict, user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

// --- helpers ---

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	clone := *src
	clone.Lines = make([]domain.SaleLine, len(src.Lines))
	copy(clone.Lines, src.Lines)
	if src.SettledAt != nil {
		t := *src.SettledAt
		clone.SettledAt = &t
	}
	return &clone
}
