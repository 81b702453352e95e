package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokosegar/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid request")
	ErrConflict   = errors.New("conflict")

	// ErrInsufficientBalance is a Conflict: the wallet account cannot
	// cover the requested debit.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrConflict)
)

// OutOfStockError reports an all-or-nothing allocation failure: the
// product's batches cannot cover the requested quantity. It unwraps to
// ErrConflict so callers can classify it without a type assertion.
type OutOfStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: product %s requested %d available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *OutOfStockError) Unwrap() error { return ErrConflict }

// Shortfall is the missing quantity.
func (e *OutOfStockError) Shortfall() int { return e.Requested - e.Available }

// Repository is the persistence contract. The memory implementation
// backs tests and demos, the postgres implementation production. Flow
// operations (CreateSale, ApproveRefund, VoidSale, SettleDeferred,
// PaySupplier) are transactional units: either every side effect lands
// or none do.
type Repository interface {
	// Products.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)

	// Batch ledger.
	CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error)
	ListBatches(ctx context.Context, productID string, includeFinished bool) ([]domain.InventoryBatch, error)
	AllocateStock(ctx context.Context, productID string, qty int) (*domain.AllocationResult, error)
	RestoreStock(ctx context.Context, req domain.RestoreStockRequest) error

	// Sales.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByNumber(ctx context.Context, number string) (*domain.Sale, error)
	ListSales(ctx context.Context, channel string, limit int) ([]domain.Sale, error)
	SettleDeferredSale(ctx context.Context, number string, at time.Time) (*domain.SettlementResult, error)

	// Refunds and voids.
	CreateRefundRequest(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	FindRefundByID(ctx context.Context, id string) (*domain.Refund, error)
	ListRefunds(ctx context.Context, status string, limit int) ([]domain.Refund, error)
	ApproveRefund(ctx context.Context, refundID string, approvedAmountCents int64, at time.Time) (*domain.Refund, error)
	RejectRefund(ctx context.Context, refundID string, at time.Time) (*domain.Refund, error)
	VoidSale(ctx context.Context, number string, reason string, at time.Time) (*domain.VoidSaleResult, error)

	// Wallet ledger.
	GetWallet(ctx context.Context) (*domain.Wallet, error)
	MoveWallet(ctx context.Context, txn domain.WalletTransaction) (*domain.WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, account string, limit int) ([]domain.WalletTransaction, error)

	// Suppliers.
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	GetSupplierByID(ctx context.Context, id string) (*domain.Supplier, error)
	PaySupplier(ctx context.Context, supplierID string, amountCents int64, account string, at time.Time) (*domain.Supplier, error)

	// Reports.
	GetValuationReport(ctx context.Context) (*domain.ValuationReport, error)

	// Audit and auth.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}
