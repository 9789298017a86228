package domain

import (
	"encoding/json"
	"time"
)

type Product struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	CostCents  int64     `json:"cost_cents"`
	Stock      int       `json:"stock"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	CostCents    int64  `json:"cost_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	CostCents  *int64  `json:"cost_cents,omitempty"`
	Stock      *int    `json:"stock,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	// ID may be supplied by an offline terminal so the customer keeps the
	// same identity after reconciliation; the server generates one otherwise.
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type SaleItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	CostPriceCents int64  `json:"cost_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
}

type Sale struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	StoreID         string     `json:"store_id"`
	CashierID       string     `json:"cashier_id"`
	OfflineID       string     `json:"offline_id"`
	Items           []SaleItem `json:"items"`
	TotalCents      int64      `json:"total_cents"`
	CostTotalCents  int64      `json:"cost_total_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	PaymentMethod   string     `json:"payment_method"`
	IsCredit        bool       `json:"is_credit"`
	CustomerID      string     `json:"customer_id,omitempty"`
	DebtDueDate     *time.Time `json:"debt_due_date,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

type InventoryMovement struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ProductID string    `json:"product_id"`
	SaleID    string    `json:"sale_id"`
	Kind      string    `json:"kind"`
	Qty       int       `json:"qty"`
	CreatedAt time.Time `json:"created_at"`
}

type Payment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	OfflineID   string    `json:"offline_id,omitempty"`
	SaleID      string    `json:"sale_id,omitempty"`
	DebtID      string    `json:"debt_id,omitempty"`
	Method      string    `json:"method"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type Debt struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CustomerID      string     `json:"customer_id"`
	SaleID          string     `json:"sale_id"`
	AmountOwedCents int64      `json:"amount_owed_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	Status          string     `json:"status"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type MomoTransaction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SaleID      string    `json:"sale_id"`
	Provider    string    `json:"provider"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// SalePayload is the wire shape for a sale mutation, shared by the online
// checkout endpoint and the reconciliation endpoint. OfflineID is the
// client-generated idempotency key and stays stable across retries.
type SalePayload struct {
	OfflineID       string     `json:"offline_id"`
	StoreID         string     `json:"store_id"`
	CashierID       string     `json:"cashier_id"`
	Items           []SaleItem `json:"items"`
	TotalCents      int64      `json:"total_cents"`
	CostTotalCents  int64      `json:"cost_total_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	PaymentMethod   string     `json:"payment_method"`
	IsCredit        bool       `json:"is_credit"`
	CustomerID      string     `json:"customer_id,omitempty"`
	DebtDueDate     string     `json:"debt_due_date,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type DebtPaymentPayload struct {
	OfflineID   string    `json:"offline_id"`
	DebtID      string    `json:"debt_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProductUpdatePayload struct {
	OfflineID string               `json:"offline_id"`
	ProductID string               `json:"product_id"`
	Update    ProductUpdateRequest `json:"update"`
}

type CustomerCreatePayload struct {
	OfflineID string `json:"offline_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

// ReconcileRequest is a single queued mutation submitted for server-side
// apply. Data carries the kind-specific payload.
type ReconcileRequest struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type ReconcileResponse struct {
	ID        string `json:"id"`
	Message   string `json:"message,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// QueuedMutation is a pending offline mutation held in the terminal's
// local durable queue until the server confirms it.
type QueuedMutation struct {
	LocalID   string          `json:"local_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

type SyncStatus struct {
	IsSyncing    bool       `json:"is_syncing"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
}

type FlushSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type CatalogResponse struct {
	Products  []Product  `json:"products"`
	Customers []Customer `json:"customers"`
	FetchedAt time.Time  `json:"fetched_at"`
}

type DailyReportPayment struct {
	PaymentMethod string `json:"payment_method"`
	Sales         int64  `json:"sales"`
	TotalCents    int64  `json:"total_cents"`
}

type DailyReport struct {
	TenantID        string               `json:"tenant_id"`
	Date            string               `json:"date"`
	Sales           int64                `json:"sales"`
	GrossCents      int64                `json:"gross_cents"`
	CostCents       int64                `json:"cost_cents"`
	CreditOpenCents int64                `json:"credit_open_cents"`
	ByPayment       []DailyReportPayment `json:"by_payment"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
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
	TenantID string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierPasswordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	MutationKindSale           = "sale"
	MutationKindProductUpdate  = "product_update"
	MutationKindCustomerCreate = "customer_create"
	MutationKindDebtPayment    = "debt_payment"
)

const (
	MutationStatusPending = "pending"
	MutationStatusSyncing = "syncing"
	MutationStatusSynced  = "synced"
	MutationStatusFailed  = "failed"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCard   = "card"
	PaymentMethodMomo   = "momo"
	PaymentMethodCredit = "credit"
)

const (
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusPending   = "pending"
)

const (
	DebtStatusOpen    = "open"
	DebtStatusPartial = "partial"
	DebtStatusSettled = "settled"
)

const (
	MomoStatusPending = "pending"
)

const MovementKindSale = "sale"

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMomo, PaymentMethodCredit:
		return true
	default:
		return false
	}
}

func IsMutationKind(kind string) bool {
	switch kind {
	case MutationKindSale, MutationKindProductUpdate, MutationKindCustomerCreate, MutationKindDebtPayment:
		return true
	default:
		return false
	}
}
