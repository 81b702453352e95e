package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokosegar/backend/internal/cache"
	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
	"tokosegar/backend/internal/store/memory"
)

type countingCache struct {
	mu      sync.Mutex
	store   map[string]*domain.ValuationReport
	sets    int
	deletes int
}

func newCountingCache() *countingCache {
	return &countingCache{store: map[string]*domain.ValuationReport{}}
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.ValuationReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.store[key]
	return report, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.ValuationReport, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	c.sets++
	return nil
}

func (c *countingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	c.deletes++
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, domain.Product) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, cache.NoopReportCache{}, time.Second)

	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:               "SKU-BERAS-01",
		Name:              "Beras 5kg",
		Category:          "grocery",
		PriceCents:        78000,
		LowStockThreshold: 5,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := svc.ReceivePurchase(ctx, domain.PurchaseReceiveRequest{
		ProductID:     product.ID,
		Qty:           20,
		UnitCostCents: 60000,
	}); err != nil {
		t.Fatalf("receive purchase: %v", err)
	}
	return svc, repo, product
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func TestCreateProductRequiresAdminRole(t *testing.T) {
	svc := New(memory.New(), nil, 0)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		SKU: "SKU-X", Name: "X", PriceCents: 1000,
	})
	if err == nil {
		t.Fatal("expected role error for cashier")
	}
}

func TestCheckoutPricesFromCatalogue(t *testing.T) {
	svc, _, product := newTestService(t)

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if sale.Lines[0].UnitPriceCents != product.PriceCents {
		t.Fatalf("line price should come from catalogue, got %d", sale.Lines[0].UnitPriceCents)
	}
	if want := int64(2 * 78000); sale.TotalCents != want {
		t.Fatalf("expected total %d, got %d", want, sale.TotalCents)
	}
	if want := int64(2*78000 - 2*60000); sale.ProfitCents != want {
		t.Fatalf("expected profit %d, got %d", want, sale.ProfitCents)
	}
}

func TestCheckoutUnknownProductIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-missing", Qty: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckoutOversellIsConflict(t *testing.T) {
	svc, _, product := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelOnline,
		PaymentMethod: domain.PaymentTransfer,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 21}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var oos *store.OutOfStockError
	if !errors.As(err, &oos) || oos.Shortfall() != 1 {
		t.Fatalf("expected shortfall 1, got %v", err)
	}
}

func TestOnlineAndPOSSalesGetDistinctNumberSeries(t *testing.T) {
	svc, _, product := newTestService(t)

	pos, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("pos checkout: %v", err)
	}
	online, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelOnline,
		PaymentMethod: domain.PaymentQRIS,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("online checkout: %v", err)
	}
	if pos.Number == online.Number {
		t.Fatal("numbers must be unique across channels")
	}
	if pos.Number[:4] != "INV-" || online.Number[:4] != "ORD-" {
		t.Fatalf("unexpected number formats %s / %s", pos.Number, online.Number)
	}

	// Refund lookup works by number regardless of channel.
	if _, err := svc.GetSale(cashierCtx(), online.Number); err != nil {
		t.Fatalf("lookup by number: %v", err)
	}
}

func TestSettleDeferredPaymentValidatesAmount(t *testing.T) {
	svc, _, product := newTestService(t)

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelOnline,
		PaymentMethod: domain.PaymentCOD,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := svc.SettleDeferredPayment(adminCtx(), sale.Number, sale.TotalCents+1); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error on amount mismatch, got %v", err)
	}

	result, err := svc.SettleDeferredPayment(adminCtx(), sale.Number, sale.TotalCents)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Account != domain.AccountCash {
		t.Fatalf("cod settles into the cash account, got %s", result.Account)
	}

	if _, err := svc.SettleDeferredPayment(adminCtx(), sale.Number, 0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second settle, got %v", err)
	}
}

func TestVoidSaleAcceptsIDOrNumber(t *testing.T) {
	svc, _, product := newTestService(t)

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCard,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := svc.VoidSale(adminCtx(), sale.ID, ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty reason, got %v", err)
	}

	result, err := svc.VoidSale(adminCtx(), sale.ID, "cashier error")
	if err != nil {
		t.Fatalf("void by id: %v", err)
	}
	if result.SaleNumber != sale.Number || result.CashReversedCents != sale.TotalCents {
		t.Fatalf("unexpected void result %+v", result)
	}
	if result.Account != domain.AccountBank {
		t.Fatalf("card sale reverses from the bank account, got %s", result.Account)
	}

	if _, err := svc.VoidSale(adminCtx(), sale.Number, "again"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second void, got %v", err)
	}
}

func TestRefundFlowThroughService(t *testing.T) {
	svc, _, product := newTestService(t)
	ctx := adminCtx()

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 5}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	refund, err := svc.RequestRefund(ctx, domain.RefundCreateRequest{
		SaleNumber:  sale.Number,
		Items:       []domain.RefundItem{{ProductID: product.ID, Qty: 2}},
		AmountCents: 2 * product.PriceCents,
		Reason:      "expired on shelf",
	})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundStatusPending {
		t.Fatalf("new refund should be pending, got %s", refund.Status)
	}

	approved, err := svc.ApproveRefund(ctx, refund.ID, 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.RefundStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.ApprovedAmountCents != refund.AmountCents {
		t.Fatalf("zero amount approves the full request, got %d", approved.ApprovedAmountCents)
	}

	wallet, err := svc.GetWallet(ctx)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if want := sale.TotalCents - 2*product.PriceCents; wallet.BalanceFor(domain.AccountCash) != want {
		t.Fatalf("expected cash %d, got %d", want, wallet.BalanceFor(domain.AccountCash))
	}
}

func TestApproveRefundPartialAmount(t *testing.T) {
	svc, _, product := newTestService(t)
	ctx := adminCtx()

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	refund, err := svc.RequestRefund(ctx, domain.RefundCreateRequest{
		SaleNumber:  sale.Number,
		Items:       []domain.RefundItem{{ProductID: product.ID, Qty: 1}},
		AmountCents: product.PriceCents,
		Reason:      "dented packaging",
	})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	if _, err := svc.ApproveRefund(ctx, refund.ID, -1); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("negative amount should be a validation error, got %v", err)
	}
	if _, err := svc.ApproveRefund(ctx, refund.ID, refund.AmountCents+500); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("amount above the request should be a validation error, got %v", err)
	}

	partial := refund.AmountCents / 2
	approved, err := svc.ApproveRefund(ctx, refund.ID, partial)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedAmountCents != partial {
		t.Fatalf("expected settled amount %d, got %d", partial, approved.ApprovedAmountCents)
	}
	if approved.AmountCents != refund.AmountCents {
		t.Fatalf("requested amount must survive approval, got %d", approved.AmountCents)
	}

	wallet, err := svc.GetWallet(ctx)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if want := sale.TotalCents - partial; wallet.BalanceFor(domain.AccountCash) != want {
		t.Fatalf("wallet should lose only the settled amount: want %d, got %d", want, wallet.BalanceFor(domain.AccountCash))
	}
}

func TestValuationReportUsesCacheUntilStockMoves(t *testing.T) {
	repo := memory.New()
	reportCache := newCountingCache()
	svc := New(repo, reportCache, time.Minute)
	ctx := adminCtx()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "SKU-CACHE-01", Name: "Minyak Goreng 1L", PriceCents: 21000, LowStockThreshold: 4,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := svc.ReceivePurchase(ctx, domain.PurchaseReceiveRequest{
		ProductID: product.ID, Qty: 10, UnitCostCents: 16000,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}

	first, err := svc.ValuationReport(ctx)
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	if first.TotalValueCents != 160000 {
		t.Fatalf("expected valuation 160000, got %d", first.TotalValueCents)
	}
	if _, err := svc.ValuationReport(ctx); err != nil {
		t.Fatalf("valuation again: %v", err)
	}
	if reportCache.sets != 1 {
		t.Fatalf("second read should hit the cache, sets=%d", reportCache.sets)
	}

	// A sale moves stock and drops the cached report.
	if _, err := svc.Checkout(ctx, domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 4}},
	}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	after, err := svc.ValuationReport(ctx)
	if err != nil {
		t.Fatalf("valuation after sale: %v", err)
	}
	if after.TotalValueCents != 96000 {
		t.Fatalf("expected valuation 96000 after sale, got %d", after.TotalValueCents)
	}
	if reportCache.sets != 2 {
		t.Fatalf("stock movement should force a recompute, sets=%d", reportCache.sets)
	}
}

func TestAuditTrailRecordsStockAndCashOperations(t *testing.T) {
	svc, _, product := newTestService(t)
	ctx := adminCtx()

	sale, err := svc.Checkout(cashierCtx(), domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: product.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := svc.VoidSale(ctx, sale.Number, "test void"); err != nil {
		t.Fatalf("void: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "", 50)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	for _, want := range []string{"product.create", "purchase.receive", "sale.create", "sale.void"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
	for _, entry := range logs {
		if entry.Action == "sale.void" && entry.ActorUsername != "admin" {
			t.Fatalf("void should be attributed to admin, got %s", entry.ActorUsername)
		}
	}
}

func TestListAuditLogsRejectsBadDate(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.ListAuditLogs(adminCtx(), "04-2026", 10); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
