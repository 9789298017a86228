package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"swiftpos/backend/internal/cache"
	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded("main-tenant")
	svc := New(repo, cache.NoopCatalogCache{}, "main-tenant", 30*time.Second)
	return svc, repo
}

func salePayload(offlineID string, items ...domain.SaleItem) domain.SalePayload {
	total := int64(0)
	for _, item := range items {
		total += int64(item.Qty) * item.UnitPriceCents
	}
	return domain.SalePayload{
		OfflineID:       offlineID,
		StoreID:         "store-accra",
		CashierID:       "cashier-1",
		Items:           items,
		TotalCents:      total,
		AmountPaidCents: total,
		PaymentMethod:   domain.PaymentMethodCash,
		CreatedAt:       time.Now().UTC(),
	}
}

func reconcileSale(t *testing.T, svc *Service, payload domain.SalePayload) domain.ReconcileResponse {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := svc.Reconcile(context.Background(), domain.ReconcileRequest{
		Kind: domain.MutationKindSale,
		Data: data,
	})
	if err != nil {
		t.Fatalf("reconcile sale: %v", err)
	}
	return resp
}

func TestReconcileSaleReplayIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	payload := salePayload("off-replay-1", domain.SaleItem{
		ProductID: "prod-bread-01", Qty: 2, UnitPriceCents: 85000, CostPriceCents: 60000,
	})

	first := reconcileSale(t, svc, payload)
	if first.Duplicate {
		t.Fatalf("first apply should not be a duplicate")
	}

	second := reconcileSale(t, svc, payload)
	if !second.Duplicate {
		t.Fatalf("replay should be reported as duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("replay should resolve to sale %s, got %s", first.ID, second.ID)
	}

	product, err := repo.GetProduct(ctx, "main-tenant", "prod-bread-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 38 {
		t.Fatalf("expected stock decremented exactly once to 38, got %d", product.Stock)
	}
}

func TestReconcileSaleFloorsStockAtZero(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	// Seeded bread stock is 40; the sale outsells it.
	payload := salePayload("off-floor-1", domain.SaleItem{
		ProductID: "prod-bread-01", Qty: 55, UnitPriceCents: 85000,
	})
	reconcileSale(t, svc, payload)

	product, err := repo.GetProduct(ctx, "main-tenant", "prod-bread-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 0 {
		t.Fatalf("expected stock floored at 0, got %d", product.Stock)
	}
}

func TestReconcileSaleTenantIsolation(t *testing.T) {
	repo := memory.NewSeeded("tenant-a")
	ctx := context.Background()

	// Same product id under a second tenant with its own stock level.
	if _, err := repo.CreateProduct(ctx, domain.Product{
		ID: "prod-bread-01", TenantID: "tenant-b", SKU: "SKU-BREAD-01",
		Name: "Sliced Bread", PriceCents: 85000, CostCents: 60000, Stock: 10, Active: true,
	}); err != nil {
		t.Fatalf("seed tenant-b product: %v", err)
	}

	svcA := New(repo, cache.NoopCatalogCache{}, "tenant-a", 30*time.Second)
	svcB := New(repo, cache.NoopCatalogCache{}, "tenant-b", 30*time.Second)

	item := domain.SaleItem{ProductID: "prod-bread-01", Qty: 3, UnitPriceCents: 85000}
	reconcileSale(t, svcA, salePayload("off-iso-a", item))
	reconcileSale(t, svcB, salePayload("off-iso-b", item))

	productA, err := repo.GetProduct(ctx, "tenant-a", "prod-bread-01")
	if err != nil {
		t.Fatalf("get tenant-a product: %v", err)
	}
	productB, err := repo.GetProduct(ctx, "tenant-b", "prod-bread-01")
	if err != nil {
		t.Fatalf("get tenant-b product: %v", err)
	}
	if productA.Stock != 37 {
		t.Fatalf("expected tenant-a stock 37, got %d", productA.Stock)
	}
	if productB.Stock != 7 {
		t.Fatalf("expected tenant-b stock 7, got %d", productB.Stock)
	}
}

func TestReconcileCreditSaleOpensDebt(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	payload := salePayload("off-credit-1", domain.SaleItem{
		ProductID: "prod-rice-01", Qty: 1, UnitPriceCents: 650000,
	})
	payload.PaymentMethod = domain.PaymentMethodCredit
	payload.IsCredit = true
	payload.CustomerID = "cust-ama-01"
	payload.AmountPaidCents = 250000
	payload.DebtDueDate = "2026-09-30"

	resp := reconcileSale(t, svc, payload)

	debts, err := repo.ListDebts(ctx, "main-tenant", "cust-ama-01", "", 10)
	if err != nil {
		t.Fatalf("list debts: %v", err)
	}
	if len(debts) != 1 {
		t.Fatalf("expected one debt, got %d", len(debts))
	}
	debt := debts[0]
	if debt.SaleID != resp.ID {
		t.Fatalf("debt should reference sale %s, got %s", resp.ID, debt.SaleID)
	}
	if debt.AmountOwedCents != 650000 || debt.AmountPaidCents != 250000 {
		t.Fatalf("unexpected debt amounts owed=%d paid=%d", debt.AmountOwedCents, debt.AmountPaidCents)
	}
	if debt.Status != domain.DebtStatusPartial {
		t.Fatalf("expected partial debt, got %s", debt.Status)
	}
	if debt.DueDate == nil || debt.DueDate.Format("2006-01-02") != "2026-09-30" {
		t.Fatalf("expected due date 2026-09-30, got %v", debt.DueDate)
	}
}

func TestReconcileCreditSaleFullyPaidSkipsDebt(t *testing.T) {
	svc, repo := newTestService()

	payload := salePayload("off-credit-paid", domain.SaleItem{
		ProductID: "prod-sugar-01", Qty: 1, UnitPriceCents: 95000,
	})
	payload.PaymentMethod = domain.PaymentMethodCredit
	payload.IsCredit = true
	payload.CustomerID = "cust-kofi-01"
	reconcileSale(t, svc, payload)

	debts, err := repo.ListDebts(context.Background(), "main-tenant", "cust-kofi-01", "", 10)
	if err != nil {
		t.Fatalf("list debts: %v", err)
	}
	if len(debts) != 0 {
		t.Fatalf("expected no debt when nothing is outstanding, got %d", len(debts))
	}
}

func TestReconcileDebtPaymentLifecycle(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	payload := salePayload("off-debt-sale", domain.SaleItem{
		ProductID: "prod-milk-01", Qty: 1, UnitPriceCents: 320000,
	})
	payload.PaymentMethod = domain.PaymentMethodCredit
	payload.IsCredit = true
	payload.CustomerID = "cust-abena-01"
	payload.AmountPaidCents = 0
	payload.TotalCents = 100000
	reconcileSale(t, svc, payload)

	debts, err := repo.ListDebts(ctx, "main-tenant", "cust-abena-01", "", 10)
	if err != nil || len(debts) != 1 {
		t.Fatalf("expected one debt, got %d err=%v", len(debts), err)
	}
	debtID := debts[0].ID

	pay := func(offlineID string, amount int64) domain.ReconcileResponse {
		t.Helper()
		data, err := json.Marshal(domain.DebtPaymentPayload{
			OfflineID:   offlineID,
			DebtID:      debtID,
			AmountCents: amount,
			Method:      domain.PaymentMethodCash,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("marshal payment: %v", err)
		}
		resp, err := svc.Reconcile(ctx, domain.ReconcileRequest{Kind: domain.MutationKindDebtPayment, Data: data})
		if err != nil {
			t.Fatalf("reconcile debt payment: %v", err)
		}
		return resp
	}

	pay("off-pay-1", 40000)
	debt, err := repo.GetDebt(ctx, "main-tenant", debtID)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debt.Status != domain.DebtStatusPartial || debt.AmountPaidCents != 40000 {
		t.Fatalf("expected partial debt at 40000, got %s/%d", debt.Status, debt.AmountPaidCents)
	}

	pay("off-pay-2", 60000)
	debt, err = repo.GetDebt(ctx, "main-tenant", debtID)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debt.Status != domain.DebtStatusSettled || debt.AmountPaidCents != 100000 {
		t.Fatalf("expected settled debt at 100000, got %s/%d", debt.Status, debt.AmountPaidCents)
	}

	// Replaying a payment must not move the balance again.
	replay := pay("off-pay-2", 60000)
	if !replay.Duplicate {
		t.Fatalf("expected replayed payment to be a duplicate")
	}
	debt, err = repo.GetDebt(ctx, "main-tenant", debtID)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debt.AmountPaidCents != 100000 {
		t.Fatalf("replay moved the balance to %d", debt.AmountPaidCents)
	}
}

func TestReconcileMomoSaleApplies(t *testing.T) {
	svc, _ := newTestService()

	payload := salePayload("off-momo-1", domain.SaleItem{
		ProductID: "prod-soda-01", Qty: 2, UnitPriceCents: 55000,
	})
	payload.PaymentMethod = domain.PaymentMethodMomo
	resp := reconcileSale(t, svc, payload)
	if resp.Duplicate {
		t.Fatalf("fresh momo sale should not be a duplicate")
	}
}

func TestReconcileRejectsBadMutations(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, domain.ReconcileRequest{Kind: "teleport", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, store.ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for unknown kind, got %v", err)
	}

	data, _ := json.Marshal(domain.SalePayload{OfflineID: "off-bad-1", PaymentMethod: "cash"})
	_, err = svc.Reconcile(ctx, domain.ReconcileRequest{Kind: domain.MutationKindSale, Data: data})
	if !errors.Is(err, store.ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for empty items, got %v", err)
	}
	if !store.IsPermanent(err) {
		t.Fatalf("invalid mutation should be permanent, got %v", err)
	}

	payload := salePayload("off-missing-prod", domain.SaleItem{
		ProductID: "prod-nope-01", Qty: 1, UnitPriceCents: 100,
	})
	raw, _ := json.Marshal(payload)
	_, err = svc.Reconcile(ctx, domain.ReconcileRequest{Kind: domain.MutationKindSale, Data: raw})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}
	if !store.IsPermanent(err) {
		t.Fatalf("unknown product should be permanent, got %v", err)
	}
}

func TestReconcileCustomerCreateIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	data, _ := json.Marshal(domain.CustomerCreatePayload{
		OfflineID: "off-cust-1",
		ID:        "cust-yaw-01",
		Name:      "Yaw Darko",
		Phone:     "+233204444444",
	})

	first, err := svc.Reconcile(ctx, domain.ReconcileRequest{Kind: domain.MutationKindCustomerCreate, Data: data})
	if err != nil {
		t.Fatalf("reconcile customer create: %v", err)
	}
	second, err := svc.Reconcile(ctx, domain.ReconcileRequest{Kind: domain.MutationKindCustomerCreate, Data: data})
	if err != nil {
		t.Fatalf("replay customer create: %v", err)
	}
	if first.ID != "cust-yaw-01" || second.ID != "cust-yaw-01" {
		t.Fatalf("expected client-supplied id to stick, got %s / %s", first.ID, second.ID)
	}

	customers, err := repo.ListCustomers(ctx, "main-tenant", time.Time{})
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	count := 0
	for _, c := range customers {
		if c.ID == "cust-yaw-01" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one customer row, got %d", count)
	}
}

func TestCheckoutGeneratesIdempotencyKeyWhenMissing(t *testing.T) {
	svc, _ := newTestService()

	payload := salePayload("", domain.SaleItem{
		ProductID: "prod-oil-01", Qty: 1, UnitPriceCents: 180000,
	})
	resp, err := svc.Checkout(context.Background(), payload)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.ID == "" || resp.Duplicate {
		t.Fatalf("expected fresh sale with generated key, got %+v", resp)
	}
}

func TestCatalogFiltersByUpdatedSince(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	full, err := svc.Catalog(ctx, time.Time{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(full.Products) != 8 || len(full.Customers) != 3 {
		t.Fatalf("expected full seeded catalog, got %d products %d customers", len(full.Products), len(full.Customers))
	}

	future := time.Now().UTC().Add(time.Hour)
	delta, err := svc.Catalog(ctx, future)
	if err != nil {
		t.Fatalf("catalog delta: %v", err)
	}
	if len(delta.Products) != 0 || len(delta.Customers) != 0 {
		t.Fatalf("expected empty delta, got %d products %d customers", len(delta.Products), len(delta.Customers))
	}
}

func TestDailyReportAggregatesSales(t *testing.T) {
	svc, _ := newTestService()

	reconcileSale(t, svc, salePayload("off-report-1", domain.SaleItem{
		ProductID: "prod-candle-01", Qty: 4, UnitPriceCents: 30000, CostPriceCents: 20000,
	}))

	report, err := svc.DailyReport(context.Background(), "")
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if report.Sales != 1 {
		t.Fatalf("expected 1 sale in report, got %d", report.Sales)
	}
	if report.GrossCents != 120000 {
		t.Fatalf("expected gross 120000, got %d", report.GrossCents)
	}
}

func TestProductMutationsRequireAdmin(t *testing.T) {
	svc, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "kasi", Role: "cashier"})

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "SKU-NEW-01", Name: "New Item", PriceCents: 1000,
	})
	if err == nil {
		t.Fatalf("expected cashier product create to be rejected")
	}

	name := "Renamed"
	_, err = svc.UpdateProduct(ctx, "prod-rice-01", domain.ProductUpdateRequest{Name: &name})
	if err == nil {
		t.Fatalf("expected cashier product update to be rejected")
	}
}

// paymentRecorder captures every payment row the service writes, since the
// Repository has no payment read-back by sale.
type paymentRecorder struct {
	store.Repository
	payments []domain.Payment
}

func (r *paymentRecorder) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	created, err := r.Repository.CreatePayment(ctx, payment)
	if err == nil {
		r.payments = append(r.payments, *created)
	}
	return created, err
}

func TestReconcileSalePaymentStatusFollowsCreditFlag(t *testing.T) {
	repo := &paymentRecorder{Repository: memory.NewSeeded("main-tenant")}
	svc := New(repo, cache.NoopCatalogCache{}, "main-tenant", 30*time.Second)

	cash := salePayload("off-pay-cash", domain.SaleItem{
		ProductID: "prod-soap-01", Qty: 1, UnitPriceCents: 45000,
	})
	reconcileSale(t, svc, cash)

	credit := salePayload("off-pay-credit", domain.SaleItem{
		ProductID: "prod-rice-01", Qty: 1, UnitPriceCents: 650000,
	})
	credit.PaymentMethod = domain.PaymentMethodCredit
	credit.IsCredit = true
	credit.CustomerID = "cust-ama-01"
	credit.AmountPaidCents = 200000
	reconcileSale(t, svc, credit)

	zeroTender := salePayload("off-pay-credit-zero", domain.SaleItem{
		ProductID: "prod-sugar-01", Qty: 1, UnitPriceCents: 95000,
	})
	zeroTender.PaymentMethod = domain.PaymentMethodCredit
	zeroTender.IsCredit = true
	zeroTender.CustomerID = "cust-kofi-01"
	zeroTender.AmountPaidCents = 0
	reconcileSale(t, svc, zeroTender)

	if len(repo.payments) != 3 {
		t.Fatalf("expected one payment row per sale, got %d", len(repo.payments))
	}
	if repo.payments[0].Status != domain.PaymentStatusConfirmed {
		t.Fatalf("cash tender should be confirmed, got %s", repo.payments[0].Status)
	}
	if repo.payments[1].Status != domain.PaymentStatusPending {
		t.Fatalf("credit down payment should stay pending, got %s", repo.payments[1].Status)
	}
	if repo.payments[1].AmountCents != 200000 {
		t.Fatalf("credit payment should record the tendered amount, got %d", repo.payments[1].AmountCents)
	}
	if repo.payments[2].Status != domain.PaymentStatusPending || repo.payments[2].AmountCents != 0 {
		t.Fatalf("zero-tender credit sale should record a pending zero payment, got %+v", repo.payments[2])
	}
}
