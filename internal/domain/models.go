package domain

import "time"

type Product struct {
	ID                string    `json:"id"`
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	PriceCents        int64     `json:"price_cents"`
	StockQty          int       `json:"stock_qty"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	SKU               string `json:"sku"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	PriceCents        int64  `json:"price_cents"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

const (
	BatchStatusActive   = "active"
	BatchStatusPartial  = "partial"
	BatchStatusFinished = "finished"
)

// InventoryBatch is one received lot of a product at a fixed unit cost.
// ReceivedAt defines the FIFO consumption order. QtyRemaining never
// exceeds QtyReceived, and Status is finished exactly when QtyRemaining
// hits zero.
type InventoryBatch struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	QtyReceived   int       `json:"qty_received"`
	QtyRemaining  int       `json:"qty_remaining"`
	UnitCostCents int64     `json:"unit_cost_cents"`
	Status        string    `json:"status"`
	SourceType    string    `json:"source_type"`
	SourceRef     string    `json:"source_ref,omitempty"`
	SupplierID    string    `json:"supplier_id,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// BatchStatusFor returns the status matching a remaining quantity.
func BatchStatusFor(remaining, received int) string {
	switch {
	case remaining <= 0:
		return BatchStatusFinished
	case remaining < received:
		return BatchStatusPartial
	default:
		return BatchStatusActive
	}
}

type PurchaseReceiveRequest struct {
	ProductID     string `json:"product_id"`
	Qty           int    `json:"qty"`
	UnitCostCents int64  `json:"unit_cost_cents"`
	SupplierID    string `json:"supplier_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type PurchaseReceiveResponse struct {
	BatchID  string `json:"batch_id"`
	StockQty int    `json:"stock_qty"`
}

// AllocationResult reports the realized FIFO cost of a stock allocation.
// CostCents is the authoritative total; UnitCostCents is the truncated
// integer average and loses the remainder when CostCents is not an exact
// multiple of Qty.
type AllocationResult struct {
	ProductID     string `json:"product_id"`
	Qty           int    `json:"qty"`
	CostCents     int64  `json:"cost_cents"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

type AllocateStockRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type RestoreStockRequest struct {
	ProductID     string `json:"product_id"`
	Qty           int    `json:"qty"`
	OriginBatchID string `json:"origin_batch_id,omitempty"`
	// UnitCostCents seeds the replacement batch when the product has no
	// batches left to credit. Ignored otherwise.
	UnitCostCents int64 `json:"unit_cost_cents,omitempty"`
}

// Payment methods form a closed enumeration. Every method maps to exactly
// one wallet account; there is no fallback account for unknown methods.
const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentTransfer = "transfer"
	PaymentCOD      = "cod"
)

const (
	AccountCash = "cash"
	AccountBank = "bank"
)

// COD maps to the cash account because couriers settle in cash.
var paymentAccounts = map[string]string{
	PaymentCash:     AccountCash,
	PaymentCard:     AccountBank,
	PaymentQRIS:     AccountBank,
	PaymentTransfer: AccountBank,
	PaymentCOD:      AccountCash,
}

// AccountForPayment resolves the wallet account for a payment method.
// Unknown methods resolve to ok=false; callers reject those instead of
// crediting a default account.
func AccountForPayment(method string) (string, bool) {
	account, ok := paymentAccounts[method]
	return account, ok
}

// IsDeferredPayment reports whether cash is collected after fulfilment
// instead of at checkout.
func IsDeferredPayment(method string) bool {
	return method == PaymentCOD
}

const (
	ChannelPOS    = "pos"
	ChannelOnline = "online"
)

const (
	PaymentStatusPaid     = "paid"
	PaymentStatusPending  = "pending"
	PaymentStatusVerified = "verified"
)

type SaleLine struct {
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	CostCents      int64  `json:"cost_cents"`
	ReturnedQty    int    `json:"returned_qty"`
}

// Sale is a completed checkout from either channel. Number is the
// human-readable identifier refunds reference; it is unique across both
// channels. ProfitCents is a point-in-time snapshot taken when the cost
// basis is realized and is not adjusted by later returns.
type Sale struct {
	ID               string     `json:"id"`
	Number           string     `json:"number"`
	Channel          string     `json:"channel"`
	PaymentMethod    string     `json:"payment_method"`
	PaymentStatus    string     `json:"payment_status"`
	PaymentCollected bool       `json:"payment_collected"`
	SubtotalCents    int64      `json:"subtotal_cents"`
	TaxCents         int64      `json:"tax_cents"`
	TotalCents       int64      `json:"total_cents"`
	CostCents        int64      `json:"cost_cents"`
	ProfitCents      int64      `json:"profit_cents"`
	Cancelled        bool       `json:"cancelled"`
	CreatedAt        time.Time  `json:"created_at"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
	Lines            []SaleLine `json:"lines"`
}

type SaleLineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SaleCreateRequest struct {
	Channel       string            `json:"channel"`
	PaymentMethod string            `json:"payment_method"`
	TaxCents      int64             `json:"tax_cents"`
	Lines         []SaleLineRequest `json:"lines"`
}

type SettlementResult struct {
	SaleNumber         string `json:"sale_number"`
	AmountCents        int64  `json:"amount_cents"`
	ProfitCents        int64  `json:"profit_cents"`
	Account            string `json:"account"`
	WalletBalanceCents int64  `json:"wallet_balance_cents"`
}

const (
	RefundStatusPending   = "pending"
	RefundStatusApproved  = "approved"
	RefundStatusCompleted = "completed"
	RefundStatusRejected  = "rejected"
)

type RefundItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Refund references the sale by Number rather than ID so back office
// staff can file one against either channel's records. AmountCents is
// what the customer asked for; ApprovedAmountCents is what the manager
// actually settled, set on approval and zero before that.
type Refund struct {
	ID                  string       `json:"id"`
	SaleNumber          string       `json:"sale_number"`
	Items               []RefundItem `json:"items"`
	AmountCents         int64        `json:"amount_cents"`
	ApprovedAmountCents int64        `json:"approved_amount_cents,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	Status              string       `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
}

// SettledAmountCents is the cash a resolved refund actually returned.
// Refunds approved before partial settlement existed carry no approved
// amount and fall back to the requested amount.
func (r Refund) SettledAmountCents() int64 {
	if r.ApprovedAmountCents > 0 {
		return r.ApprovedAmountCents
	}
	return r.AmountCents
}

type RefundCreateRequest struct {
	SaleNumber  string       `json:"sale_number"`
	Items       []RefundItem `json:"items"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason"`
}

// RefundApproveRequest carries the amount the manager signs off on.
// A zero amount approves the full requested amount.
type RefundApproveRequest struct {
	AmountCents int64  `json:"amount_cents"`
	ManagerPIN  string `json:"manager_pin"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

// VoidSaleResult is the audit summary of a void: what stock came back,
// what was skipped because refunds had already reversed it, and how much
// cash left which account.
type VoidSaleResult struct {
	SaleNumber        string `json:"sale_number"`
	CashReversedCents int64  `json:"cash_reversed_cents"`
	Account           string `json:"account,omitempty"`
	ItemsRestored     int    `json:"items_restored"`
	ItemsSkipped      int    `json:"items_skipped"`
	UnitsRestored     int    `json:"units_restored"`
}

// Wallet holds the named cash-account balances. It is created lazily on
// the first cash movement and only mutated through repository operations
// that also write the matching WalletTransaction.
type Wallet struct {
	Accounts  map[string]int64 `json:"accounts"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// BalanceFor returns the balance of one account, zero when the account
// has never moved money.
func (w Wallet) BalanceFor(account string) int64 {
	if w.Accounts == nil {
		return 0
	}
	return w.Accounts[account]
}

const (
	TxnIncome   = "income"
	TxnExpense  = "expense"
	TxnTransfer = "transfer"
)

// WalletTransaction is an append-only ledger entry. The signed sum of
// entries per account reconstructs that account's balance. Entries are
// removed only when their originating sale is voided, and then all
// entries referencing the sale go together.
type WalletTransaction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Category    string    `json:"category"`
	AmountCents int64     `json:"amount_cents"`
	Account     string    `json:"account"`
	DestAccount string    `json:"dest_account,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type WalletMoveRequest struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
	Account     string `json:"account"`
	DestAccount string `json:"dest_account,omitempty"`
	Reference   string `json:"reference,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	OwedCents int64     `json:"owed_cents"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type SupplierPayRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Account     string `json:"account"`
}

type ValuationLine struct {
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	StockQty   int    `json:"stock_qty"`
	ValueCents int64  `json:"value_cents"`
	LowStock   bool   `json:"low_stock"`
}

type ValuationReport struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	TotalValueCents int64           `json:"total_value_cents"`
	LowStockCount   int             `json:"low_stock_count"`
	Lines           []ValuationLine `json:"lines"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is the persistence model for auth credentials. Password
// holds a bcrypt hash, never plaintext.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
