package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokosegar/backend/internal/costing"
	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
	"tokosegar/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- products ---

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, price_cents, stock_qty, low_stock_threshold, active, created_at
		FROM products
		WHERE active = true
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.StockQty, &p.LowStockThreshold, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	product.StockQty = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, price_cents, stock_qty, low_stock_threshold, active, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,true,$7)
	`, product.ID, product.SKU, product.Name, product.Category, product.PriceCents, product.LowStockThreshold, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.findProduct(ctx, "id", id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return s.findProduct(ctx, "sku", sku)
}

func (s *Store) findProduct(ctx context.Context, column string, value string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, price_cents, stock_qty, low_stock_threshold, active, created_at
		FROM products
		WHERE `+column+` = $1
	`, value).Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.StockQty, &p.LowStockThreshold, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// --- batch ledger ---

func (s *Store) CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.QtyReceived <= 0 || batch.UnitCostCents < 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	created, err := insertBatchTx(ctx, pgTx, batch)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func insertBatchTx(ctx context.Context, pgTx *sql.Tx, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.QtyRemaining = batch.QtyReceived
	batch.Status = domain.BatchStatusActive

	res, err := pgTx.ExecContext(ctx, `
		UPDATE products SET stock_qty = stock_qty + $1 WHERE id = $2
	`, batch.QtyReceived, batch.ProductID)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}

	if batch.SupplierID != "" {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE suppliers SET owed_cents = owed_cents + $1 WHERE id = $2
		`, int64(batch.QtyReceived)*batch.UnitCostCents, batch.SupplierID)
		if err != nil {
			return nil, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, batch.SupplierID)
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO inventory_batches (
			id, product_id, qty_received, qty_remaining, unit_cost_cents,
			status, source_type, source_ref, supplier_id, received_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, batch.ID, batch.ProductID, batch.QtyReceived, batch.QtyRemaining, batch.UnitCostCents,
		batch.Status, batch.SourceType, nullIfEmpty(batch.SourceRef), nullIfEmpty(batch.SupplierID), batch.ReceivedAt)
	if err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) ListBatches(ctx context.Context, productID string, includeFinished bool) ([]domain.InventoryBatch, error) {
	if _, err := s.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, product_id, qty_received, qty_remaining, unit_cost_cents,
			status, source_type, COALESCE(source_ref,''), COALESCE(supplier_id,''), received_at
		FROM inventory_batches
		WHERE product_id = $1
	`
	if !includeFinished {
		query += ` AND status <> 'finished'`
	}
	query += ` ORDER BY received_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.InventoryBatch, 0, 16)
	for rows.Next() {
		var b domain.InventoryBatch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.QtyReceived, &b.QtyRemaining, &b.UnitCostCents,
			&b.Status, &b.SourceType, &b.SourceRef, &b.SupplierID, &b.ReceivedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// lockBatchesTx reads a product's open batches inside the transaction,
// taking row locks so concurrent allocations serialize.
func lockBatchesTx(ctx context.Context, pgTx *sql.Tx, productID string) ([]domain.InventoryBatch, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, qty_received, qty_remaining, unit_cost_cents, status, received_at
		FROM inventory_batches
		WHERE product_id = $1 AND qty_remaining > 0
		ORDER BY received_at ASC, id ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.InventoryBatch, 0, 8)
	for rows.Next() {
		var b domain.InventoryBatch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.QtyReceived, &b.QtyRemaining, &b.UnitCostCents, &b.Status, &b.ReceivedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// applyPlanTx executes a FIFO plan with conditional decrements: each
// batch row only gives up quantity it still has, so a concurrent writer
// that slipped past the lock cannot push a batch negative.
func applyPlanTx(ctx context.Context, pgTx *sql.Tx, plan *costing.Plan) error {
	for _, d := range plan.Deductions {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET qty_remaining = qty_remaining - $1,
				status = CASE WHEN qty_remaining - $1 = 0 THEN 'finished' ELSE 'partial' END
			WHERE id = $2 AND qty_remaining >= $1
		`, d.Qty, d.BatchID)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return &store.OutOfStockError{ProductID: plan.ProductID, Requested: plan.Qty}
		}
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE products SET stock_qty = stock_qty - $1 WHERE id = $2 AND stock_qty >= $1
	`, plan.Qty, plan.ProductID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &store.OutOfStockError{ProductID: plan.ProductID, Requested: plan.Qty}
	}
	return nil
}

func (s *Store) AllocateStock(ctx context.Context, productID string, qty int) (*domain.AllocationResult, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	result, err := allocateTx(ctx, pgTx, productID, qty)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func allocateTx(ctx context.Context, pgTx *sql.Tx, productID string, qty int) (*domain.AllocationResult, error) {
	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT true FROM products WHERE id = $1`, productID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	batches, err := lockBatchesTx(ctx, pgTx, productID)
	if err != nil {
		return nil, err
	}
	plan, err := costing.PlanAllocation(productID, qty, batches)
	if err != nil {
		return nil, err
	}
	if err := applyPlanTx(ctx, pgTx, plan); err != nil {
		return nil, err
	}
	return &domain.AllocationResult{
		ProductID:     productID,
		Qty:           qty,
		CostCents:     plan.CostCents,
		UnitCostCents: plan.CostCents / int64(qty),
	}, nil
}

func (s *Store) RestoreStock(ctx context.Context, req domain.RestoreStockRequest) error {
	if req.Qty <= 0 {
		return store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := restoreTx(ctx, pgTx, req); err != nil {
		return err
	}
	return pgTx.Commit()
}

func restoreTx(ctx context.Context, pgTx *sql.Tx, req domain.RestoreStockRequest) error {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, received_at
		FROM inventory_batches
		WHERE product_id = $1
		ORDER BY received_at ASC, id ASC
		FOR UPDATE
	`, req.ProductID)
	if err != nil {
		return err
	}
	var batches []domain.InventoryBatch
	for rows.Next() {
		var b domain.InventoryBatch
		if err := rows.Scan(&b.ID, &b.ReceivedAt); err != nil {
			_ = rows.Close()
			return err
		}
		b.ProductID = req.ProductID
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if targetID, ok := costing.RestoreTarget(req.OriginBatchID, batches); ok {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET qty_remaining = qty_remaining + $1,
				qty_received = GREATEST(qty_received, qty_remaining + $1),
				status = CASE WHEN qty_remaining + $1 >= qty_received THEN 'active' ELSE 'partial' END
			WHERE id = $2
		`, req.Qty, targetID)
		if err != nil {
			return err
		}
	} else {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO inventory_batches (
				id, product_id, qty_received, qty_remaining, unit_cost_cents,
				status, source_type, received_at
			)
			VALUES ($1,$2,$3,$3,$4,'active','restock',$5)
		`, xid.New("batch"), req.ProductID, req.Qty, req.UnitCostCents, time.Now().UTC())
		if err != nil {
			return err
		}
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE products SET stock_qty = stock_qty + $1 WHERE id = $2
	`, req.Qty, req.ProductID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- wallet ---

func creditTx(ctx context.Context, pgTx *sql.Tx, account string, amount int64, at time.Time) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (account, balance_cents, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (account)
		DO UPDATE SET balance_cents = wallet_accounts.balance_cents + EXCLUDED.balance_cents, updated_at = $3
	`, account, amount, at)
	return err
}

func debitTx(ctx context.Context, pgTx *sql.Tx, account string, amount int64, at time.Time) error {
	res, err := pgTx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance_cents = balance_cents - $1, updated_at = $3
		WHERE account = $2 AND balance_cents >= $1
	`, amount, account, at)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: account %s cannot cover %d", store.ErrInsufficientBalance, account, amount)
	}
	return nil
}

func insertTxnTx(ctx context.Context, pgTx *sql.Tx, txn domain.WalletTransaction) (domain.WalletTransaction, error) {
	if txn.ID == "" {
		txn.ID = xid.New("txn")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, type, category, amount_cents, account, dest_account, reference, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, txn.ID, txn.Type, txn.Category, txn.AmountCents, txn.Account,
		nullIfEmpty(txn.DestAccount), nullIfEmpty(txn.Reference), nullIfEmpty(txn.Notes), txn.CreatedAt)
	return txn, err
}

func (s *Store) GetWallet(ctx context.Context) (*domain.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, balance_cents, updated_at FROM wallet_accounts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallet := domain.Wallet{Accounts: map[string]int64{}}
	for rows.Next() {
		var account string
		var balance int64
		var updatedAt time.Time
		if err := rows.Scan(&account, &balance, &updatedAt); err != nil {
			return nil, err
		}
		wallet.Accounts[account] = balance
		if updatedAt.After(wallet.UpdatedAt) {
			wallet.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *Store) MoveWallet(ctx context.Context, txn domain.WalletTransaction) (*domain.WalletTransaction, error) {
	if txn.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	if !validAccount(txn.Account) {
		return nil, fmt.Errorf("%w: unknown account %q", store.ErrValidation, txn.Account)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	switch txn.Type {
	case domain.TxnIncome:
		if err := creditTx(ctx, pgTx, txn.Account, txn.AmountCents, now); err != nil {
			return nil, err
		}
	case domain.TxnExpense:
		if err := debitTx(ctx, pgTx, txn.Account, txn.AmountCents, now); err != nil {
			return nil, err
		}
	case domain.TxnTransfer:
		if !validAccount(txn.DestAccount) || txn.DestAccount == txn.Account {
			return nil, fmt.Errorf("%w: invalid transfer destination %q", store.ErrValidation, txn.DestAccount)
		}
		if err := debitTx(ctx, pgTx, txn.Account, txn.AmountCents, now); err != nil {
			return nil, err
		}
		if err := creditTx(ctx, pgTx, txn.DestAccount, txn.AmountCents, now); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrValidation, txn.Type)
	}

	saved, err := insertTxnTx(ctx, pgTx, txn)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func validAccount(account string) bool {
	return account == domain.AccountCash || account == domain.AccountBank
}

func (s *Store) ListWalletTransactions(ctx context.Context, account string, limit int) ([]domain.WalletTransaction, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, category, amount_cents, account, COALESCE(dest_account,''), COALESCE(reference,''), COALESCE(notes,''), created_at
		FROM wallet_transactions
		WHERE ($1 = '' OR account = $1 OR dest_account = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.WalletTransaction, 0, limit)
	for rows.Next() {
		var t domain.WalletTransaction
		if err := rows.Scan(&t.ID, &t.Type, &t.Category, &t.AmountCents, &t.Account, &t.DestAccount, &t.Reference, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

// --- sales ---

func nextSaleNumberTx(ctx context.Context, pgTx *sql.Tx, channel string) (string, error) {
	prefix := "INV"
	if channel == domain.ChannelOnline {
		prefix = "ORD"
	}
	var seq int64
	err := pgTx.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (channel, seq)
		VALUES ($1, 1)
		ON CONFLICT (channel)
		DO UPDATE SET seq = sale_sequences.seq + 1
		RETURNING seq
	`, channel).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%05d", prefix, seq), nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
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

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	sale.ID = xid.New("sale")
	sale.CreatedAt = now
	sale.Cancelled = false
	sale.SettledAt = nil
	sale.SubtotalCents = 0
	sale.CostCents = 0

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.Qty <= 0 {
			return nil, fmt.Errorf("%w: line %d has non-positive qty", store.ErrValidation, i)
		}
		result, err := allocateTx(ctx, pgTx, line.ProductID, line.Qty)
		if err != nil {
			return nil, err
		}
		line.CostCents = result.CostCents
		line.ReturnedQty = 0
		sale.SubtotalCents += int64(line.Qty) * line.UnitPriceCents
		sale.CostCents += line.CostCents
	}
	sale.TotalCents = sale.SubtotalCents + sale.TaxCents
	sale.ProfitCents = sale.SubtotalCents - sale.CostCents

	sale.Number, err = nextSaleNumberTx(ctx, pgTx, sale.Channel)
	if err != nil {
		return nil, err
	}

	if domain.IsDeferredPayment(sale.PaymentMethod) {
		sale.PaymentStatus = domain.PaymentStatusPending
		sale.PaymentCollected = false
	} else {
		sale.PaymentStatus = domain.PaymentStatusPaid
		sale.PaymentCollected = true
		if err := creditTx(ctx, pgTx, account, sale.TotalCents, now); err != nil {
			return nil, err
		}
		if _, err := insertTxnTx(ctx, pgTx, domain.WalletTransaction{
			Type:        domain.TxnIncome,
			Category:    "sale",
			AmountCents: sale.TotalCents,
			Account:     account,
			Reference:   sale.Number,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, number, channel, payment_method, payment_status, payment_collected,
			subtotal_cents, tax_cents, total_cents, cost_cents, profit_cents,
			cancelled, created_at, settled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,$12,NULL)
	`, sale.ID, sale.Number, sale.Channel, sale.PaymentMethod, sale.PaymentStatus, sale.PaymentCollected,
		sale.SubtotalCents, sale.TaxCents, sale.TotalCents, sale.CostCents, sale.ProfitCents, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, sku, qty, unit_price_cents, cost_cents, returned_qty)
			VALUES ($1,$2,$3,$4,$5,$6,0)
		`, sale.ID, line.ProductID, line.SKU, line.Qty, line.UnitPriceCents, line.CostCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByNumber(ctx context.Context, number string) (*domain.Sale, error) {
	return s.findSale(ctx, "number", number)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	var settledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, channel, payment_method, payment_status, payment_collected,
			subtotal_cents, tax_cents, total_cents, cost_cents, profit_cents, cancelled, created_at, settled_at
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(&sale.ID, &sale.Number, &sale.Channel, &sale.PaymentMethod, &sale.PaymentStatus,
		&sale.PaymentCollected, &sale.SubtotalCents, &sale.TaxCents, &sale.TotalCents, &sale.CostCents,
		&sale.ProfitCents, &sale.Cancelled, &sale.CreatedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if settledAt.Valid {
		t := settledAt.Time.UTC()
		sale.SettledAt = &t
	}

	sale.Lines, err = s.saleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) saleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, sku, qty, unit_price_cents, cost_cents, returned_qty
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY sku
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.SKU, &line.Qty, &line.UnitPriceCents, &line.CostCents, &line.ReturnedQty); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, channel string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, channel, payment_method, payment_status, payment_collected,
			subtotal_cents, tax_cents, total_cents, cost_cents, profit_cents, cancelled, created_at, settled_at
		FROM sales
		WHERE ($1 = '' OR channel = $1)
		ORDER BY created_at DESC, number DESC
		LIMIT $2
	`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var settledAt sql.NullTime
		if err := rows.Scan(&sale.ID, &sale.Number, &sale.Channel, &sale.PaymentMethod, &sale.PaymentStatus,
			&sale.PaymentCollected, &sale.SubtotalCents, &sale.TaxCents, &sale.TotalCents, &sale.CostCents,
			&sale.ProfitCents, &sale.Cancelled, &sale.CreatedAt, &settledAt); err != nil {
			return nil, err
		}
		if settledAt.Valid {
			t := settledAt.Time.UTC()
			sale.SettledAt = &t
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		sales[i].Lines, err = s.saleLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) SettleDeferredSale(ctx context.Context, number string, at time.Time) (*domain.SettlementResult, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sale domain.Sale
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, number, payment_method, payment_collected, subtotal_cents, total_cents
		FROM sales
		WHERE number = $1
		FOR UPDATE
	`, number).Scan(&sale.ID, &sale.Number, &sale.PaymentMethod, &sale.PaymentCollected, &sale.SubtotalCents, &sale.TotalCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !domain.IsDeferredPayment(sale.PaymentMethod) {
		return nil, fmt.Errorf("%w: sale %s is not deferred-payment", store.ErrConflict, number)
	}
	if sale.PaymentCollected {
		return nil, fmt.Errorf("%w: sale %s already collected", store.ErrConflict, number)
	}

	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty, cost_cents FROM sale_lines WHERE sale_id = $1
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	type lineState struct {
		productID string
		qty       int
		cost      int64
	}
	var lines []lineState
	for lineRows.Next() {
		var l lineState
		if err := lineRows.Scan(&l.productID, &l.qty, &l.cost); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	// Fresh costing pass. A line whose current batches cannot cover it
	// keeps its checkout-time cost basis.
	recomputedCost := int64(0)
	for _, l := range lines {
		batches, err := lockBatchesTx(ctx, pgTx, l.productID)
		if err != nil {
			return nil, err
		}
		cost, err := costing.PreviewCost(l.productID, l.qty, batches)
		if err != nil {
			cost = l.cost
		}
		recomputedCost += cost
	}
	profit := sale.SubtotalCents - recomputedCost

	account, _ := domain.AccountForPayment(sale.PaymentMethod)
	if err := creditTx(ctx, pgTx, account, sale.TotalCents, at); err != nil {
		return nil, err
	}
	if _, err := insertTxnTx(ctx, pgTx, domain.WalletTransaction{
		Type:        domain.TxnIncome,
		Category:    "cod-settlement",
		AmountCents: sale.TotalCents,
		Account:     account,
		Reference:   sale.Number,
		CreatedAt:   at,
	}); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET payment_collected = true, payment_status = $2, profit_cents = $3, cost_cents = $4, settled_at = $5
		WHERE id = $1
	`, sale.ID, domain.PaymentStatusVerified, profit, recomputedCost, at)
	if err != nil {
		return nil, err
	}

	var balance int64
	if err := pgTx.QueryRowContext(ctx, `
		SELECT balance_cents FROM wallet_accounts WHERE account = $1
	`, account).Scan(&balance); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.SettlementResult{
		SaleNumber:         sale.Number,
		AmountCents:        sale.TotalCents,
		ProfitCents:        profit,
		Account:            account,
		WalletBalanceCents: balance,
	}, nil
}

// --- refunds and voids ---

func (s *Store) CreateRefundRequest(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	if refund.AmountCents <= 0 || len(refund.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var saleID string
	var totalCents int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, total_cents FROM sales WHERE number = $1 FOR UPDATE
	`, refund.SaleNumber).Scan(&saleID, &totalCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// Per-product totals on both sides: a sale can repeat a product
	// across lines and a refund can list it more than once.
	soldQty := map[string]int{}
	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty FROM sale_lines WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}
	for lineRows.Next() {
		var productID string
		var qty int
		if err := lineRows.Scan(&productID, &qty); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		soldQty[productID] += qty
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	reversed, refunded, err := reversedTotalsTx(ctx, pgTx, refund.SaleNumber)
	if err != nil {
		return nil, err
	}
	requested := map[string]int{}
	for _, item := range refund.Items {
		if item.Qty <= 0 {
			return nil, store.ErrValidation
		}
		requested[item.ProductID] += item.Qty
	}
	for productID, qty := range requested {
		sold, ok := soldQty[productID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not on sale %s", store.ErrValidation, productID, refund.SaleNumber)
		}
		if qty > sold-reversed[productID] {
			return nil, fmt.Errorf("%w: refund qty for %s exceeds remaining units", store.ErrConflict, productID)
		}
	}
	if refund.AmountCents > totalCents-refunded {
		return nil, fmt.Errorf("%w: refund amount exceeds remaining total", store.ErrConflict)
	}

	refund.ID = xid.New("refund")
	refund.Status = domain.RefundStatusPending
	refund.CreatedAt = time.Now().UTC()
	refund.ResolvedAt = nil

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO refunds (id, sale_number, amount_cents, reason, status, created_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULL)
	`, refund.ID, refund.SaleNumber, refund.AmountCents, refund.Reason, refund.Status, refund.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range refund.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO refund_items (refund_id, product_id, qty) VALUES ($1,$2,$3)
		`, refund.ID, item.ProductID, item.Qty)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	saved := refund
	return &saved, nil
}

// reversedTotalsTx aggregates, per product, units and cash already
// reversed by approved or completed refunds against a sale number.
func reversedTotalsTx(ctx context.Context, pgTx *sql.Tx, saleNumber string) (map[string]int, int64, error) {
	reversed := map[string]int{}
	rows, err := pgTx.QueryContext(ctx, `
		SELECT ri.product_id, SUM(ri.qty)
		FROM refund_items ri
		JOIN refunds r ON r.id = ri.refund_id
		WHERE r.sale_number = $1 AND r.status IN ('approved','completed')
		GROUP BY ri.product_id
	`, saleNumber)
	if err != nil {
		return nil, 0, err
	}
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			_ = rows.Close()
			return nil, 0, err
		}
		reversed[productID] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, err
	}
	_ = rows.Close()

	// Approved refunds count at their settled amount, which can be less
	// than what was requested.
	var refunded int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN approved_amount_cents > 0 THEN approved_amount_cents ELSE amount_cents END), 0)
		FROM refunds
		WHERE sale_number = $1 AND status IN ('approved','completed')
	`, saleNumber).Scan(&refunded)
	if err != nil {
		return nil, 0, err
	}
	return reversed, refunded, nil
}

func (s *Store) FindRefundByID(ctx context.Context, id string) (*domain.Refund, error) {
	var refund domain.Refund
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_number, amount_cents, COALESCE(approved_amount_cents,0), COALESCE(reason,''), status, created_at, resolved_at
		FROM refunds
		WHERE id = $1
	`, id).Scan(&refund.ID, &refund.SaleNumber, &refund.AmountCents, &refund.ApprovedAmountCents, &refund.Reason, &refund.Status, &refund.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		refund.ResolvedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty FROM refund_items WHERE refund_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.RefundItem
		if err := rows.Scan(&item.ProductID, &item.Qty); err != nil {
			return nil, err
		}
		refund.Items = append(refund.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (s *Store) ListRefunds(ctx context.Context, status string, limit int) ([]domain.Refund, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_number, amount_cents, COALESCE(approved_amount_cents,0), COALESCE(reason,''), status, created_at, resolved_at
		FROM refunds
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, limit)
	for rows.Next() {
		var refund domain.Refund
		var resolvedAt sql.NullTime
		if err := rows.Scan(&refund.ID, &refund.SaleNumber, &refund.AmountCents, &refund.ApprovedAmountCents, &refund.Reason, &refund.Status, &refund.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time.UTC()
			refund.ResolvedAt = &t
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}

func (s *Store) ApproveRefund(ctx context.Context, refundID string, approvedAmountCents int64, at time.Time) (*domain.Refund, error) {
	if approvedAmountCents < 0 {
		return nil, fmt.Errorf("%w: approved amount cannot be negative", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var refund domain.Refund
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, sale_number, amount_cents, COALESCE(reason,''), status, created_at
		FROM refunds
		WHERE id = $1
		FOR UPDATE
	`, refundID).Scan(&refund.ID, &refund.SaleNumber, &refund.AmountCents, &refund.Reason, &refund.Status, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if refund.Status != domain.RefundStatusPending {
		return nil, fmt.Errorf("%w: refund %s already %s", store.ErrConflict, refundID, refund.Status)
	}
	if approvedAmountCents == 0 {
		approvedAmountCents = refund.AmountCents
	}
	if approvedAmountCents > refund.AmountCents {
		return nil, fmt.Errorf("%w: approved amount exceeds requested amount", store.ErrValidation)
	}

	var saleID, paymentMethod string
	var totalCents int64
	var paymentCollected bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, payment_method, total_cents, payment_collected FROM sales WHERE number = $1 FOR UPDATE
	`, refund.SaleNumber).Scan(&saleID, &paymentMethod, &totalCents, &paymentCollected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, refund.SaleNumber)
		}
		return nil, err
	}

	_, refunded, err := reversedTotalsTx(ctx, pgTx, refund.SaleNumber)
	if err != nil {
		return nil, err
	}
	if approvedAmountCents > totalCents-refunded {
		return nil, fmt.Errorf("%w: approved amount exceeds remaining refundable total", store.ErrConflict)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty FROM refund_items WHERE refund_id = $1
	`, refundID)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var item domain.RefundItem
		if err := itemRows.Scan(&item.ProductID, &item.Qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		refund.Items = append(refund.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	// Cash leaves the wallet only when it entered it; an uncollected
	// deferred sale has nothing to give back.
	if paymentCollected {
		account, _ := domain.AccountForPayment(paymentMethod)
		if err := debitTx(ctx, pgTx, account, approvedAmountCents, at); err != nil {
			return nil, err
		}
		if _, err := insertTxnTx(ctx, pgTx, domain.WalletTransaction{
			Type:        domain.TxnExpense,
			Category:    "refund",
			AmountCents: approvedAmountCents,
			Account:     account,
			Reference:   refund.SaleNumber,
			CreatedAt:   at,
		}); err != nil {
			return nil, err
		}
	}

	// Returned goods come back as new batches costed at the line price;
	// the originally consumed batch is not traced.
	for _, item := range refund.Items {
		var unitPrice int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT unit_price_cents FROM sale_lines WHERE sale_id = $1 AND product_id = $2
		`, saleID, item.ProductID).Scan(&unitPrice)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s not on sale %s", store.ErrValidation, item.ProductID, refund.SaleNumber)
			}
			return nil, err
		}
		if _, err := insertBatchTx(ctx, pgTx, domain.InventoryBatch{
			ProductID:     item.ProductID,
			QtyReceived:   item.Qty,
			UnitCostCents: unitPrice,
			SourceType:    "refund",
			SourceRef:     refund.ID,
			ReceivedAt:    at,
		}); err != nil {
			return nil, err
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE sale_lines SET returned_qty = returned_qty + $1 WHERE sale_id = $2 AND product_id = $3
		`, item.Qty, saleID, item.ProductID)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE refunds SET status = $2, approved_amount_cents = $3, resolved_at = $4 WHERE id = $1
	`, refundID, domain.RefundStatusApproved, approvedAmountCents, at)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales SET cancelled = true WHERE id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	resolvedAt := at
	refund.Status = domain.RefundStatusApproved
	refund.ApprovedAmountCents = approvedAmountCents
	refund.ResolvedAt = &resolvedAt
	return &refund, nil
}

func (s *Store) RejectRefund(ctx context.Context, refundID string, at time.Time) (*domain.Refund, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refunds SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = $4
	`, refundID, domain.RefundStatusRejected, at, domain.RefundStatusPending)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		refund, lookupErr := s.FindRefundByID(ctx, refundID)
		if lookupErr != nil {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: refund %s already %s", store.ErrConflict, refundID, refund.Status)
	}
	return s.FindRefundByID(ctx, refundID)
}

func (s *Store) VoidSale(ctx context.Context, number string, reason string, at time.Time) (*domain.VoidSaleResult, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var saleID, paymentMethod string
	var paymentCollected bool
	var totalCents int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, payment_method, payment_collected, total_cents
		FROM sales
		WHERE number = $1
		FOR UPDATE
	`, number).Scan(&saleID, &paymentMethod, &paymentCollected, &totalCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	reversed, refunded, err := reversedTotalsTx(ctx, pgTx, number)
	if err != nil {
		return nil, err
	}

	result := &domain.VoidSaleResult{SaleNumber: number}

	// Reverse cash first so an insufficient balance aborts before any
	// stock moves.
	if paymentCollected {
		account, _ := domain.AccountForPayment(paymentMethod)
		cash := totalCents - refunded
		if cash < 0 {
			cash = 0
		}
		if cash > 0 {
			if err := debitTx(ctx, pgTx, account, cash, at); err != nil {
				return nil, err
			}
		}
		result.CashReversedCents = cash
		result.Account = account
	}

	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty, cost_cents FROM sale_lines WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}
	type lineState struct {
		productID string
		qty       int
		cost      int64
	}
	var lines []lineState
	for lineRows.Next() {
		var l lineState
		if err := lineRows.Scan(&l.productID, &l.qty, &l.cost); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	for _, l := range lines {
		remainder := l.qty - reversed[l.productID]
		if remainder <= 0 {
			result.ItemsSkipped++
			continue
		}
		err := restoreTx(ctx, pgTx, domain.RestoreStockRequest{
			ProductID:     l.productID,
			Qty:           remainder,
			UnitCostCents: l.cost / int64(l.qty),
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Stale product reference: skip and report rather than
				// aborting the whole void.
				result.ItemsSkipped++
				continue
			}
			return nil, err
		}
		result.ItemsRestored++
		result.UnitsRestored += remainder
	}

	// Every ledger entry referencing the sale goes, income and refund
	// expenses alike, so per-account signed sums still match balances.
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM wallet_transactions WHERE reference = $1
	`, number); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM refund_items WHERE refund_id IN (SELECT id FROM refunds WHERE sale_number = $1)
	`, number); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM refunds WHERE sale_number = $1
	`, number); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM sale_lines WHERE sale_id = $1
	`, saleID); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM sales WHERE id = $1
	`, saleID); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// --- suppliers ---

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, store.ErrValidation
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, owed_cents, created_at)
		VALUES ($1,$2,$3,0,$4)
	`, supplier.ID, supplier.Name, nullIfEmpty(supplier.Phone), supplier.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone,''), owed_cents, created_at
		FROM suppliers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.OwedCents, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

func (s *Store) GetSupplierByID(ctx context.Context, id string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone,''), owed_cents, created_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.OwedCents, &sup.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sup, nil
}

func (s *Store) PaySupplier(ctx context.Context, supplierID string, amountCents int64, account string, at time.Time) (*domain.Supplier, error) {
	if amountCents <= 0 || !validAccount(account) {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sup domain.Supplier
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone,''), owed_cents, created_at
		FROM suppliers
		WHERE id = $1
		FOR UPDATE
	`, supplierID).Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.OwedCents, &sup.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if amountCents > sup.OwedCents {
		return nil, fmt.Errorf("%w: payment exceeds owed balance", store.ErrConflict)
	}

	if err := debitTx(ctx, pgTx, account, amountCents, at); err != nil {
		return nil, err
	}
	if _, err := insertTxnTx(ctx, pgTx, domain.WalletTransaction{
		Type:        domain.TxnExpense,
		Category:    "supplier-payment",
		AmountCents: amountCents,
		Account:     account,
		Reference:   sup.ID,
		CreatedAt:   at,
	}); err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE suppliers SET owed_cents = owed_cents - $1 WHERE id = $2
	`, amountCents, sup.ID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	sup.OwedCents -= amountCents
	return &sup, nil
}

// --- reports ---

func (s *Store) GetValuationReport(ctx context.Context) (*domain.ValuationReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, p.stock_qty, p.low_stock_threshold,
			COALESCE(SUM(b.qty_remaining * b.unit_cost_cents), 0)
		FROM products p
		LEFT JOIN inventory_batches b ON b.product_id = p.id
		WHERE p.active = true
		GROUP BY p.id, p.sku, p.name, p.stock_qty, p.low_stock_threshold
		ORDER BY p.sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &domain.ValuationReport{GeneratedAt: time.Now().UTC()}
	for rows.Next() {
		var line domain.ValuationLine
		var threshold int
		if err := rows.Scan(&line.ProductID, &line.SKU, &line.Name, &line.StockQty, &threshold, &line.ValueCents); err != nil {
			return nil, err
		}
		line.LowStock = line.StockQty <= threshold
		if line.LowStock {
			report.LowStockCount++
		}
		report.TotalValueCents += line.ValueCents
		report.Lines = append(report.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// --- audit and auth ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1 AND active = true
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s taken", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
