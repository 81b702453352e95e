package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"tokosegar/backend/internal/cache"
	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
	"tokosegar/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const valuationCacheKey = "report:valuation"

type Service struct {
	repo        store.Repository
	reportCache cache.ReportCache
	cacheTTL    time.Duration
}

func New(repo store.Repository, reportCache cache.ReportCache, cacheTTL time.Duration) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:        repo,
		reportCache: reportCache,
		cacheTTL:    cacheTTL,
	}
}

// --- products ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(req.SKU) == "" || strings.TrimSpace(req.Name) == "" || req.PriceCents < 1 {
		return domain.Product{}, fmt.Errorf("%w: sku, name and price are required", store.ErrValidation)
	}
	if req.LowStockThreshold < 0 {
		return domain.Product{}, fmt.Errorf("%w: low stock threshold cannot be negative", store.ErrValidation)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:               strings.TrimSpace(req.SKU),
		Name:              strings.TrimSpace(req.Name),
		Category:          strings.TrimSpace(req.Category),
		PriceCents:        req.PriceCents,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.create", "product", created.ID, created.SKU)
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, idOrSKU string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, idOrSKU)
	if err == nil {
		return *product, nil
	}
	product, err = s.repo.GetProductBySKU(ctx, idOrSKU)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// --- purchases and batches ---

func (s *Service) ReceivePurchase(ctx context.Context, req domain.PurchaseReceiveRequest) (domain.PurchaseReceiveResponse, error) {
	if req.Qty <= 0 {
		return domain.PurchaseReceiveResponse{}, fmt.Errorf("%w: qty must be positive", store.ErrValidation)
	}
	if req.UnitCostCents < 0 {
		return domain.PurchaseReceiveResponse{}, fmt.Errorf("%w: unit cost cannot be negative", store.ErrValidation)
	}

	batch, err := s.repo.CreateBatch(ctx, domain.InventoryBatch{
		ProductID:     req.ProductID,
		QtyReceived:   req.Qty,
		UnitCostCents: req.UnitCostCents,
		SourceType:    "purchase",
		SourceRef:     req.Notes,
		SupplierID:    req.SupplierID,
	})
	if err != nil {
		return domain.PurchaseReceiveResponse{}, err
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.PurchaseReceiveResponse{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "purchase.receive", "batch", batch.ID,
		fmt.Sprintf("product=%s qty=%d unit_cost=%d", req.ProductID, req.Qty, req.UnitCostCents))
	return domain.PurchaseReceiveResponse{BatchID: batch.ID, StockQty: product.StockQty}, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string, includeFinished bool) ([]domain.InventoryBatch, error) {
	return s.repo.ListBatches(ctx, productID, includeFinished)
}

// AllocateStock consumes stock outside of a sale, e.g. for spoilage
// write-offs or internal use. It goes through the same FIFO costing as
// checkout so the write-off carries its realized cost.
func (s *Service) AllocateStock(ctx context.Context, req domain.AllocateStockRequest) (domain.AllocationResult, error) {
	if req.Qty <= 0 {
		return domain.AllocationResult{}, fmt.Errorf("%w: qty must be positive", store.ErrValidation)
	}
	result, err := s.repo.AllocateStock(ctx, req.ProductID, req.Qty)
	if err != nil {
		return domain.AllocationResult{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "stock.allocate", "product", req.ProductID,
		fmt.Sprintf("qty=%d cost=%d", result.Qty, result.CostCents))
	return *result, nil
}

// RestoreStock puts units back on the shelf, crediting the origin batch
// when the caller knows it.
func (s *Service) RestoreStock(ctx context.Context, req domain.RestoreStockRequest) (domain.Product, error) {
	if req.Qty <= 0 {
		return domain.Product{}, fmt.Errorf("%w: qty must be positive", store.ErrValidation)
	}
	if err := s.repo.RestoreStock(ctx, req); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "stock.restore", "product", req.ProductID,
		fmt.Sprintf("qty=%d origin_batch=%s", req.Qty, req.OriginBatchID))
	return *product, nil
}

// --- sales ---

// Checkout records a sale from either channel. Prices come from the
// catalogue, never from the caller.
func (s *Service) Checkout(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if len(req.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: at least one line required", store.ErrValidation)
	}
	if req.TaxCents < 0 {
		return domain.Sale{}, fmt.Errorf("%w: tax cannot be negative", store.ErrValidation)
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, lr := range req.Lines {
		if lr.Qty <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: qty must be positive", store.ErrValidation)
		}
		product, err := s.repo.GetProductByID(ctx, lr.ProductID)
		if err != nil {
			return domain.Sale{}, err
		}
		lines = append(lines, domain.SaleLine{
			ProductID:      product.ID,
			SKU:            product.SKU,
			Qty:            lr.Qty,
			UnitPriceCents: product.PriceCents,
		})
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		Channel:       req.Channel,
		PaymentMethod: req.PaymentMethod,
		TaxCents:      req.TaxCents,
		Lines:         lines,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale.create", "sale", sale.ID,
		fmt.Sprintf("number=%s channel=%s method=%s total=%d", sale.Number, sale.Channel, sale.PaymentMethod, sale.TotalCents))
	return *sale, nil
}

func (s *Service) GetSale(ctx context.Context, idOrNumber string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByID(ctx, idOrNumber)
	if err == nil {
		return *sale, nil
	}
	sale, err = s.repo.FindSaleByNumber(ctx, idOrNumber)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, channel string, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, channel, limit)
}

// SettleDeferredPayment collects the cash for a deferred-payment sale.
// A non-zero amount must match the sale total; zero means "collect the
// full total".
func (s *Service) SettleDeferredPayment(ctx context.Context, idOrNumber string, amountCents int64) (domain.SettlementResult, error) {
	sale, err := s.GetSale(ctx, idOrNumber)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if amountCents != 0 && amountCents != sale.TotalCents {
		return domain.SettlementResult{}, fmt.Errorf("%w: collected amount %d does not match sale total %d",
			store.ErrValidation, amountCents, sale.TotalCents)
	}

	result, err := s.repo.SettleDeferredSale(ctx, sale.Number, time.Now().UTC())
	if err != nil {
		return domain.SettlementResult{}, err
	}

	s.logAudit(ctx, "sale.settle", "sale", sale.ID,
		fmt.Sprintf("number=%s amount=%d profit=%d", result.SaleNumber, result.AmountCents, result.ProfitCents))
	return *result, nil
}

// --- refunds and voids ---

func (s *Service) RequestRefund(ctx context.Context, req domain.RefundCreateRequest) (domain.Refund, error) {
	if strings.TrimSpace(req.SaleNumber) == "" {
		return domain.Refund{}, fmt.Errorf("%w: sale number required", store.ErrValidation)
	}

	refund, err := s.repo.CreateRefundRequest(ctx, domain.Refund{
		SaleNumber:  req.SaleNumber,
		Items:       req.Items,
		AmountCents: req.AmountCents,
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.logAudit(ctx, "refund.request", "refund", refund.ID,
		fmt.Sprintf("sale=%s amount=%d", refund.SaleNumber, refund.AmountCents))
	return *refund, nil
}

// ApproveRefund settles a pending refund. A zero approvedAmountCents
// settles the full requested amount; a smaller one records a partial
// payout.
func (s *Service) ApproveRefund(ctx context.Context, refundID string, approvedAmountCents int64) (domain.Refund, error) {
	if approvedAmountCents < 0 {
		return domain.Refund{}, fmt.Errorf("%w: approved amount cannot be negative", store.ErrValidation)
	}
	refund, err := s.repo.ApproveRefund(ctx, refundID, approvedAmountCents, time.Now().UTC())
	if err != nil {
		return domain.Refund{}, err
	}
	s.invalidateReports(ctx)
	s.logAudit(ctx, "refund.approve", "refund", refund.ID,
		fmt.Sprintf("sale=%s requested=%d approved=%d", refund.SaleNumber, refund.AmountCents, refund.ApprovedAmountCents))
	return *refund, nil
}

func (s *Service) RejectRefund(ctx context.Context, refundID string) (domain.Refund, error) {
	refund, err := s.repo.RejectRefund(ctx, refundID, time.Now().UTC())
	if err != nil {
		return domain.Refund{}, err
	}
	s.logAudit(ctx, "refund.reject", "refund", refund.ID, "sale="+refund.SaleNumber)
	return *refund, nil
}

func (s *Service) ListRefunds(ctx context.Context, status string, limit int) ([]domain.Refund, error) {
	return s.repo.ListRefunds(ctx, status, limit)
}

func (s *Service) VoidSale(ctx context.Context, idOrNumber string, reason string) (domain.VoidSaleResult, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.VoidSaleResult{}, fmt.Errorf("%w: void reason required", store.ErrValidation)
	}
	sale, err := s.GetSale(ctx, idOrNumber)
	if err != nil {
		return domain.VoidSaleResult{}, err
	}

	result, err := s.repo.VoidSale(ctx, sale.Number, reason, time.Now().UTC())
	if err != nil {
		return domain.VoidSaleResult{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale.void", "sale", sale.ID,
		fmt.Sprintf("number=%s cash_reversed=%d items_restored=%d items_skipped=%d reason=%s",
			result.SaleNumber, result.CashReversedCents, result.ItemsRestored, result.ItemsSkipped, reason))
	return *result, nil
}

// --- wallet ---

func (s *Service) GetWallet(ctx context.Context) (domain.Wallet, error) {
	wallet, err := s.repo.GetWallet(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}
	return *wallet, nil
}

func (s *Service) MoveWallet(ctx context.Context, req domain.WalletMoveRequest) (domain.WalletTransaction, error) {
	txn, err := s.repo.MoveWallet(ctx, domain.WalletTransaction{
		Type:        req.Type,
		Category:    strings.TrimSpace(req.Category),
		AmountCents: req.AmountCents,
		Account:     req.Account,
		DestAccount: req.DestAccount,
		Reference:   req.Reference,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	s.logAudit(ctx, "wallet.move", "wallet_transaction", txn.ID,
		fmt.Sprintf("type=%s account=%s amount=%d", txn.Type, txn.Account, txn.AmountCents))
	return *txn, nil
}

func (s *Service) ListWalletTransactions(ctx context.Context, account string, limit int) ([]domain.WalletTransaction, error) {
	return s.repo.ListWalletTransactions(ctx, account, limit)
}

// --- suppliers ---

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Supplier{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Supplier{}, fmt.Errorf("%w: supplier name required", store.ErrValidation)
	}

	supplier, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:  strings.TrimSpace(req.Name),
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier.create", "supplier", supplier.ID, supplier.Name)
	return *supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) PaySupplier(ctx context.Context, supplierID string, req domain.SupplierPayRequest) (domain.Supplier, error) {
	supplier, err := s.repo.PaySupplier(ctx, supplierID, req.AmountCents, req.Account, time.Now().UTC())
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier.pay", "supplier", supplier.ID,
		fmt.Sprintf("amount=%d account=%s owed=%d", req.AmountCents, req.Account, supplier.OwedCents))
	return *supplier, nil
}

// --- reports ---

func (s *Service) ValuationReport(ctx context.Context) (domain.ValuationReport, error) {
	if cached, ok, err := s.reportCache.Get(ctx, valuationCacheKey); err == nil && ok {
		return *cached, nil
	}

	report, err := s.repo.GetValuationReport(ctx)
	if err != nil {
		return domain.ValuationReport{}, err
	}
	if err := s.reportCache.Set(ctx, valuationCacheKey, report, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache valuation report: %v", err)
	}
	return *report, nil
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reportCache.Delete(ctx, valuationCacheKey); err != nil {
		log.Printf("[service] WARN: failed to invalidate valuation report cache: %v", err)
	}
}

// --- audit ---

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	var from, to time.Time
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = day
		to = day.Add(24*time.Hour - time.Nanosecond)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
