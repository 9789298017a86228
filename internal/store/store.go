package store

import (
	"context"
	"errors"
	"time"

	"swiftpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidMutation   = errors.New("invalid mutation")
	// ErrDuplicateMutation signals a unique-constraint hit on an
	// offline_id; callers resolve it by replaying the stored result.
	ErrDuplicateMutation = errors.New("duplicate mutation")
)

// IsPermanent reports whether err describes a request that will never
// succeed on retry (validation, missing references). Everything else is
// treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidMutation)
}

type Repository interface {
	ListProducts(ctx context.Context, tenantID string, updatedSince time.Time) ([]domain.Product, error)
	GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, tenantID string, productID string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error)

	ListCustomers(ctx context.Context, tenantID string, updatedSince time.Time) ([]domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	FindSaleByOfflineID(ctx context.Context, tenantID string, offlineID string) (*domain.Sale, error)
	// CreateSale applies a sale and its side effects in one transaction:
	// the sale row (unique on offline_id), line items and guarded stock
	// decrements floored at zero. Returns ErrDuplicateMutation when the
	// offline_id already landed.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	CreateInventoryMovement(ctx context.Context, movement domain.InventoryMovement) error
	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	FindPaymentByOfflineID(ctx context.Context, tenantID string, offlineID string) (*domain.Payment, error)
	CreateMomoTransaction(ctx context.Context, tx domain.MomoTransaction) error

	CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error)
	GetDebt(ctx context.Context, tenantID string, debtID string) (*domain.Debt, error)
	ListDebts(ctx context.Context, tenantID string, customerID string, status string, limit int) ([]domain.Debt, error)
	// ApplyDebtPayment recomputes amount_paid and the derived status in a
	// single conditional update against the authoritative row.
	ApplyDebtPayment(ctx context.Context, tenantID string, debtID string, amountCents int64, at time.Time) (*domain.Debt, error)

	GetDailyReport(ctx context.Context, tenantID string, from time.Time, to time.Time) (domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
