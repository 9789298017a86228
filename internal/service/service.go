package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"swiftpos/backend/internal/cache"
	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	tenantID   string
	catalogTTL time.Duration
}

func New(repo store.Repository, catalog cache.CatalogCache, tenantID string, catalogTTL time.Duration) *Service {
	if tenantID == "" {
		tenantID = "main-tenant"
	}
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL < time.Second {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalog,
		tenantID:   tenantID,
		catalogTTL: catalogTTL,
	}
}

func (s *Service) catalogKey() string {
	return "catalog:" + s.tenantID
}

// Reconcile applies a single queued mutation from a terminal. Every kind is
// idempotent under replay: a mutation that already landed comes back with
// Duplicate set instead of being applied twice.
func (s *Service) Reconcile(ctx context.Context, req domain.ReconcileRequest) (domain.ReconcileResponse, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if !domain.IsMutationKind(kind) {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: unknown mutation kind %q", store.ErrInvalidMutation, req.Kind)
	}
	if len(req.Data) == 0 {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: empty mutation data", store.ErrInvalidMutation)
	}

	switch kind {
	case domain.MutationKindSale:
		var payload domain.SalePayload
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return domain.ReconcileResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
		}
		return s.applySale(ctx, payload)
	case domain.MutationKindDebtPayment:
		var payload domain.DebtPaymentPayload
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return domain.ReconcileResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
		}
		return s.applyDebtPayment(ctx, payload)
	case domain.MutationKindProductUpdate:
		var payload domain.ProductUpdatePayload
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return domain.ReconcileResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
		}
		return s.applyProductUpdate(ctx, payload)
	case domain.MutationKindCustomerCreate:
		var payload domain.CustomerCreatePayload
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return domain.ReconcileResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
		}
		return s.applyCustomerCreate(ctx, payload)
	default:
		return domain.ReconcileResponse{}, fmt.Errorf("%w: unknown mutation kind %q", store.ErrInvalidMutation, req.Kind)
	}
}

// Checkout is the online path. It shares the sale apply with reconciliation,
// so a terminal that checks out online and one that replays the same sale
// offline converge on the same row.
func (s *Service) Checkout(ctx context.Context, payload domain.SalePayload) (domain.ReconcileResponse, error) {
	if payload.OfflineID == "" {
		payload.OfflineID = xid.NewKey()
	}
	return s.applySale(ctx, payload)
}

func (s *Service) applySale(ctx context.Context, payload domain.SalePayload) (domain.ReconcileResponse, error) {
	if err := validateSalePayload(payload); err != nil {
		return domain.ReconcileResponse{}, err
	}

	if existing, err := s.repo.FindSaleByOfflineID(ctx, s.tenantID, payload.OfflineID); err == nil {
		return domain.ReconcileResponse{ID: existing.ID, Message: "already applied", Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ReconcileResponse{}, err
	}

	var dueDate *time.Time
	if strings.TrimSpace(payload.DebtDueDate) != "" {
		parsed, err := time.Parse("2006-01-02", payload.DebtDueDate)
		if err != nil {
			return domain.ReconcileResponse{}, fmt.Errorf("%w: bad debt_due_date %q", store.ErrInvalidMutation, payload.DebtDueDate)
		}
		due := parsed.UTC()
		dueDate = &due
	}

	createdAt := payload.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	sale := domain.Sale{
		ID:              xid.New("sale"),
		TenantID:        s.tenantID,
		StoreID:         payload.StoreID,
		CashierID:       payload.CashierID,
		OfflineID:       payload.OfflineID,
		Items:           payload.Items,
		TotalCents:      payload.TotalCents,
		CostTotalCents:  payload.CostTotalCents,
		AmountPaidCents: payload.AmountPaidCents,
		PaymentMethod:   payload.PaymentMethod,
		IsCredit:        payload.IsCredit,
		CustomerID:      payload.CustomerID,
		DebtDueDate:     dueDate,
		Notes:           payload.Notes,
		CreatedAt:       createdAt.UTC(),
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if errors.Is(err, store.ErrDuplicateMutation) {
		// Lost the race against a concurrent replay of the same mutation.
		winner, findErr := s.repo.FindSaleByOfflineID(ctx, s.tenantID, payload.OfflineID)
		if findErr != nil {
			return domain.ReconcileResponse{}, findErr
		}
		return domain.ReconcileResponse{ID: winner.ID, Message: "already applied", Duplicate: true}, nil
	}
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	s.recordSaleSideEffects(ctx, created)
	s.logAudit(ctx, "sale_apply", "sale", created.ID, fmt.Sprintf("offline_id=%s,total=%d,payment=%s,credit=%t", created.OfflineID, created.TotalCents, created.PaymentMethod, created.IsCredit))

	if err := s.catalog.Invalidate(ctx, s.catalogKey()); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}

	return domain.ReconcileResponse{ID: created.ID}, nil
}

// recordSaleSideEffects writes the auxiliary rows that hang off a sale.
// The sale row is already durable at this point, so failures here are
// logged and skipped rather than failing the mutation: a retry would hit
// the duplicate guard and never reach this code again.
func (s *Service) recordSaleSideEffects(ctx context.Context, sale *domain.Sale) {
	now := time.Now().UTC()

	for _, item := range sale.Items {
		err := s.repo.CreateInventoryMovement(ctx, domain.InventoryMovement{
			ID:        xid.New("mov"),
			TenantID:  sale.TenantID,
			ProductID: item.ProductID,
			SaleID:    sale.ID,
			Kind:      domain.MovementKindSale,
			Qty:       -item.Qty,
			CreatedAt: now,
		})
		if err != nil {
			log.Printf("[service] WARN: failed to record inventory movement sale=%s product=%s: %v", sale.ID, item.ProductID, err)
		}
	}

	// The payment row summarizes the tender: confirmed at the counter for
	// non-credit sales, pending until the debt settles for credit sales.
	// A zero-tender credit sale still gets the row so every sale carries a
	// payment trail.
	paymentStatus := domain.PaymentStatusConfirmed
	if sale.IsCredit {
		paymentStatus = domain.PaymentStatusPending
	}
	if _, err := s.repo.CreatePayment(ctx, domain.Payment{
		ID:          xid.New("pay"),
		TenantID:    sale.TenantID,
		SaleID:      sale.ID,
		Method:      sale.PaymentMethod,
		AmountCents: sale.AmountPaidCents,
		Status:      paymentStatus,
		CreatedAt:   now,
	}); err != nil {
		log.Printf("[service] WARN: failed to record payment sale=%s: %v", sale.ID, err)
	}

	if sale.PaymentMethod == domain.PaymentMethodMomo && sale.AmountPaidCents > 0 {
		if err := s.repo.CreateMomoTransaction(ctx, domain.MomoTransaction{
			ID:          xid.New("momo"),
			TenantID:    sale.TenantID,
			SaleID:      sale.ID,
			Provider:    "mtn",
			AmountCents: sale.AmountPaidCents,
			Status:      domain.MomoStatusPending,
			CreatedAt:   now,
		}); err != nil {
			log.Printf("[service] WARN: failed to record momo transaction sale=%s: %v", sale.ID, err)
		}
	}

	if sale.IsCredit && sale.TotalCents > sale.AmountPaidCents {
		status := domain.DebtStatusOpen
		if sale.AmountPaidCents > 0 {
			status = domain.DebtStatusPartial
		}
		if _, err := s.repo.CreateDebt(ctx, domain.Debt{
			ID:              xid.New("debt"),
			TenantID:        sale.TenantID,
			CustomerID:      sale.CustomerID,
			SaleID:          sale.ID,
			AmountOwedCents: sale.TotalCents,
			AmountPaidCents: sale.AmountPaidCents,
			Status:          status,
			DueDate:         sale.DebtDueDate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			log.Printf("[service] WARN: failed to record debt sale=%s customer=%s: %v", sale.ID, sale.CustomerID, err)
		}
	}
}

func (s *Service) applyDebtPayment(ctx context.Context, payload domain.DebtPaymentPayload) (domain.ReconcileResponse, error) {
	if payload.OfflineID == "" || payload.DebtID == "" {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: offline_id and debt_id are required", store.ErrInvalidMutation)
	}
	if payload.AmountCents < 1 {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: amount_cents must be positive", store.ErrInvalidMutation)
	}
	method := payload.Method
	if method == "" {
		method = domain.PaymentMethodCash
	}
	if !domain.IsSupportedPaymentMethod(method) || method == domain.PaymentMethodCredit {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidMutation, payload.Method)
	}

	if existing, err := s.repo.FindPaymentByOfflineID(ctx, s.tenantID, payload.OfflineID); err == nil {
		return domain.ReconcileResponse{ID: existing.ID, Message: "already applied", Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ReconcileResponse{}, err
	}

	if _, err := s.repo.GetDebt(ctx, s.tenantID, payload.DebtID); err != nil {
		return domain.ReconcileResponse{}, err
	}

	now := time.Now().UTC()

	// The payment insert carries the idempotency key; it must land before
	// the debt balance moves so a replay is caught up front.
	payment, err := s.repo.CreatePayment(ctx, domain.Payment{
		ID:          xid.New("pay"),
		TenantID:    s.tenantID,
		OfflineID:   payload.OfflineID,
		DebtID:      payload.DebtID,
		Method:      method,
		AmountCents: payload.AmountCents,
		Status:      domain.PaymentStatusConfirmed,
		CreatedAt:   now,
	})
	if errors.Is(err, store.ErrDuplicateMutation) {
		winner, findErr := s.repo.FindPaymentByOfflineID(ctx, s.tenantID, payload.OfflineID)
		if findErr != nil {
			return domain.ReconcileResponse{}, findErr
		}
		return domain.ReconcileResponse{ID: winner.ID, Message: "already applied", Duplicate: true}, nil
	}
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	debt, err := s.repo.ApplyDebtPayment(ctx, s.tenantID, payload.DebtID, payload.AmountCents, now)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	s.logAudit(ctx, "debt_payment_apply", "debt", debt.ID, fmt.Sprintf("offline_id=%s,amount=%d,status=%s", payload.OfflineID, payload.AmountCents, debt.Status))

	return domain.ReconcileResponse{ID: payment.ID}, nil
}

func (s *Service) applyProductUpdate(ctx context.Context, payload domain.ProductUpdatePayload) (domain.ReconcileResponse, error) {
	if payload.ProductID == "" {
		return domain.ReconcileResponse{}, fmt.Errorf("%w: product_id is required", store.ErrInvalidMutation)
	}

	// Field-level updates are last-write-wins, so replaying the same
	// update is harmless and needs no duplicate bookkeeping.
	updated, err := s.repo.UpdateProduct(ctx, s.tenantID, payload.ProductID, payload.Update, time.Now().UTC())
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	s.logAudit(ctx, "product_update_apply", "product", updated.ID, fmt.Sprintf("offline_id=%s", payload.OfflineID))

	if err := s.catalog.Invalidate(ctx, s.catalogKey()); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}

	return domain.ReconcileResponse{ID: updated.ID}, nil
}

func (s *Service) applyCustomerCreate(ctx context.Context, payload domain.CustomerCreatePayload) (domain.ReconcileResponse, error) {
	saved, err := s.upsertCustomer(ctx, payload.ID, payload.Name, payload.Phone)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	s.logAudit(ctx, "customer_create_apply", "customer", saved.ID, fmt.Sprintf("offline_id=%s,name=%s", payload.OfflineID, saved.Name))

	return domain.ReconcileResponse{ID: saved.ID}, nil
}

func (s *Service) upsertCustomer(ctx context.Context, id string, name string, phone string) (*domain.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrInvalidMutation)
	}

	id = strings.TrimSpace(id)
	if id == "" {
		id = xid.New("cust")
	}

	saved, err := s.repo.UpsertCustomer(ctx, domain.Customer{
		ID:        id,
		TenantID:  s.tenantID,
		Name:      name,
		Phone:     strings.TrimSpace(phone),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.catalog.Invalidate(ctx, s.catalogKey()); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}

	return saved, nil
}

// Catalog returns the data a terminal caches locally for offline operation.
// Full fetches go through the cache; incremental fetches always hit the store
// because updated_since makes every response distinct.
func (s *Service) Catalog(ctx context.Context, updatedSince time.Time) (domain.CatalogResponse, error) {
	full := updatedSince.IsZero()

	if full {
		if cached, ok, err := s.catalog.Get(ctx, s.catalogKey()); err != nil {
			log.Printf("[service] WARN: catalog cache read failed: %v", err)
		} else if ok {
			return *cached, nil
		}
	}

	products, err := s.repo.ListProducts(ctx, s.tenantID, updatedSince)
	if err != nil {
		return domain.CatalogResponse{}, err
	}
	customers, err := s.repo.ListCustomers(ctx, s.tenantID, updatedSince)
	if err != nil {
		return domain.CatalogResponse{}, err
	}

	resp := domain.CatalogResponse{
		Products:  products,
		Customers: customers,
		FetchedAt: time.Now().UTC(),
	}

	if full {
		if err := s.catalog.Set(ctx, s.catalogKey(), &resp, s.catalogTTL); err != nil {
			log.Printf("[service] WARN: catalog cache write failed: %v", err)
		}
	}

	return resp, nil
}

func (s *Service) ListProducts(ctx context.Context, updatedSince time.Time) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.tenantID, updatedSince)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidMutation
	}
	if req.PriceCents < 1 || req.CostCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidMutation
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:         xid.New("prod"),
		TenantID:   s.tenantID,
		SKU:        req.SKU,
		Name:       req.Name,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		Stock:      req.InitialStock,
		Active:     true,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%d,stock=%d", created.SKU, created.PriceCents, created.Stock))

	if err := s.catalog.Invalidate(ctx, s.catalogKey()); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(productID) == "" {
		return domain.Product{}, store.ErrInvalidMutation
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return domain.Product{}, store.ErrInvalidMutation
	}
	if req.PriceCents != nil && *req.PriceCents < 1 {
		return domain.Product{}, store.ErrInvalidMutation
	}
	if req.Stock != nil && *req.Stock < 0 {
		return domain.Product{}, store.ErrInvalidMutation
	}

	saved, err := s.repo.UpdateProduct(ctx, s.tenantID, productID, req, time.Now().UTC())
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("price=%d,stock=%d,active=%t", saved.PriceCents, saved.Stock, saved.Active))

	if err := s.catalog.Invalidate(ctx, s.catalogKey()); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}

	return *saved, nil
}

func (s *Service) ListCustomers(ctx context.Context, updatedSince time.Time) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, s.tenantID, updatedSince)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	saved, err := s.upsertCustomer(ctx, req.ID, req.Name, req.Phone)
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", saved.ID, fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) GetDebt(ctx context.Context, debtID string) (domain.Debt, error) {
	if strings.TrimSpace(debtID) == "" {
		return domain.Debt{}, store.ErrInvalidMutation
	}
	debt, err := s.repo.GetDebt(ctx, s.tenantID, debtID)
	if err != nil {
		return domain.Debt{}, err
	}
	return *debt, nil
}

func (s *Service) ListDebts(ctx context.Context, customerID string, status string, limit int) ([]domain.Debt, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListDebts(ctx, s.tenantID, strings.TrimSpace(customerID), strings.ToLower(strings.TrimSpace(status)), limit)
}

func (s *Service) PayDebt(ctx context.Context, payload domain.DebtPaymentPayload) (domain.ReconcileResponse, error) {
	if payload.OfflineID == "" {
		payload.OfflineID = xid.NewKey()
	}
	return s.applyDebtPayment(ctx, payload)
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.DailyReport{}, store.ErrInvalidMutation
		}
		day = parsed.UTC()
	}
	from := day
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, s.tenantID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.TenantID = s.tenantID
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidMutation
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, s.tenantID, from, to, limit)
}

func validateSalePayload(payload domain.SalePayload) error {
	if strings.TrimSpace(payload.OfflineID) == "" {
		return fmt.Errorf("%w: offline_id is required", store.ErrInvalidMutation)
	}
	if len(payload.Items) == 0 {
		return fmt.Errorf("%w: sale has no items", store.ErrInvalidMutation)
	}
	for _, item := range payload.Items {
		if item.ProductID == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			return fmt.Errorf("%w: bad sale item", store.ErrInvalidMutation)
		}
	}
	if payload.TotalCents < 0 || payload.AmountPaidCents < 0 {
		return fmt.Errorf("%w: negative amounts", store.ErrInvalidMutation)
	}
	if !domain.IsSupportedPaymentMethod(payload.PaymentMethod) {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidMutation, payload.PaymentMethod)
	}
	if payload.IsCredit && strings.TrimSpace(payload.CustomerID) == "" {
		return fmt.Errorf("%w: credit sale requires customer_id", store.ErrInvalidMutation)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TenantID:      s.tenantID,
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
