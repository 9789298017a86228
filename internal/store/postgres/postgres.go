package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/xid"
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

func (s *Store) ListProducts(ctx context.Context, tenantID string, updatedSince time.Time) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sku, name, price_cents, cost_cents, stock, active, updated_at
		FROM products
		WHERE tenant_id = $1 AND updated_at > $2
		ORDER BY name, id
	`, tenantID, updatedSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.PriceCents, &p.CostCents, &p.Stock, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, sku, name, price_cents, cost_cents, stock, active, updated_at
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, productID).Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.PriceCents, &p.CostCents, &p.Stock, &p.Active, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.TenantID == "" || product.SKU == "" || product.Name == "" || product.PriceCents < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidMutation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, sku, name, price_cents, cost_cents, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),$9)
	`, product.ID, product.TenantID, product.SKU, product.Name, product.PriceCents, product.CostCents, product.Stock, product.Active, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidMutation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, tenantID string, productID string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, store.ErrInvalidMutation
	}
	if update.PriceCents != nil && *update.PriceCents < 1 {
		return nil, store.ErrInvalidMutation
	}
	if update.CostCents != nil && *update.CostCents < 0 {
		return nil, store.ErrInvalidMutation
	}
	if update.Stock != nil && *update.Stock < 0 {
		return nil, store.ErrInvalidMutation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = COALESCE($3, name),
			price_cents = COALESCE($4, price_cents),
			cost_cents = COALESCE($5, cost_cents),
			stock = COALESCE($6, stock),
			active = COALESCE($7, active),
			updated_at = $8
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, sku, name, price_cents, cost_cents, stock, active, updated_at
	`, tenantID, productID, update.Name, update.PriceCents, update.CostCents, update.Stock, update.Active, at).Scan(
		&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.PriceCents, &p.CostCents, &p.Stock, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListCustomers(ctx context.Context, tenantID string, updatedSince time.Time) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, COALESCE(phone,''), updated_at
		FROM customers
		WHERE tenant_id = $1 AND updated_at > $2
		ORDER BY name, id
	`, tenantID, updatedSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.TenantID == "" || customer.Name == "" {
		return nil, store.ErrInvalidMutation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.UpdatedAt.IsZero() {
		customer.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, name, phone, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),$5)
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at
	`, customer.ID, customer.TenantID, customer.Name, nullIfEmpty(customer.Phone), customer.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := customer
	return &saved, nil
}

func (s *Store) FindSaleByOfflineID(ctx context.Context, tenantID string, offlineID string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var dueDate sql.NullTime
	var syncedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, cashier_id, offline_id, total_cents, cost_total_cents,
			amount_paid_cents, payment_method, is_credit, customer_id, debt_due_date,
			COALESCE(notes,''), created_at, synced_at
		FROM sales
		WHERE tenant_id = $1 AND offline_id = $2
	`, tenantID, offlineID).Scan(
		&sale.ID,
		&sale.TenantID,
		&sale.StoreID,
		&sale.CashierID,
		&sale.OfflineID,
		&sale.TotalCents,
		&sale.CostTotalCents,
		&sale.AmountPaidCents,
		&sale.PaymentMethod,
		&sale.IsCredit,
		&customerID,
		&dueDate,
		&sale.Notes,
		&sale.CreatedAt,
		&syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if dueDate.Valid {
		at := dueDate.Time.UTC()
		sale.DebtDueDate = &at
	}
	if syncedAt.Valid {
		at := syncedAt.Time.UTC()
		sale.SyncedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty, unit_price_cents, cost_price_cents, discount_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ProductID, &item.Qty, &item.UnitPriceCents, &item.CostPriceCents, &item.DiscountCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Items = items

	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.TenantID == "" || sale.OfflineID == "" {
		return nil, store.ErrInvalidMutation
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidMutation
	}
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidMutation
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	sale.SyncedAt = &now

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// The sale insert is the idempotency-defining step: the unique index on
	// (tenant_id, offline_id) decides whether this mutation already landed,
	// even when two submissions race.
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, store_id, cashier_id, offline_id, total_cents, cost_total_cents,
			amount_paid_cents, payment_method, is_credit, customer_id, debt_due_date,
			notes, created_at, synced_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.TenantID, sale.StoreID, sale.CashierID, sale.OfflineID, sale.TotalCents,
		sale.CostTotalCents, sale.AmountPaidCents, sale.PaymentMethod, sale.IsCredit,
		nullIfEmpty(sale.CustomerID), nullDate(sale.DebtDueDate), strings.TrimSpace(sale.Notes),
		sale.CreatedAt, sale.SyncedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateMutation
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, qty, unit_price_cents, cost_price_cents, discount_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, item.ProductID, item.Qty, item.UnitPriceCents, item.CostPriceCents, item.DiscountCents)
		if err != nil {
			return nil, err
		}

		// Guarded decrement floored at zero. The sale already happened at
		// the terminal, so the record wins over the counter.
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = GREATEST(stock - $1, 0), updated_at = now()
			WHERE tenant_id = $2 AND id = $3
		`, item.Qty, sale.TenantID, item.ProductID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrNotFound
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) CreateInventoryMovement(ctx context.Context, movement domain.InventoryMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, tenant_id, product_id, sale_id, kind, qty, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, movement.ID, movement.TenantID, movement.ProductID, nullIfEmpty(movement.SaleID), movement.Kind, movement.Qty, movement.CreatedAt)
	return err
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.TenantID == "" || payment.AmountCents < 0 {
		return nil, store.ErrInvalidMutation
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, tenant_id, offline_id, sale_id, debt_id, method, amount_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, payment.ID, payment.TenantID, nullIfEmpty(payment.OfflineID), nullIfEmpty(payment.SaleID),
		nullIfEmpty(payment.DebtID), payment.Method, payment.AmountCents, payment.Status, payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateMutation
		}
		return nil, err
	}
	saved := payment
	return &saved, nil
}

func (s *Store) FindPaymentByOfflineID(ctx context.Context, tenantID string, offlineID string) (*domain.Payment, error) {
	var payment domain.Payment
	var saleID sql.NullString
	var debtID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, COALESCE(offline_id,''), sale_id, debt_id, method, amount_cents, status, created_at
		FROM payments
		WHERE tenant_id = $1 AND offline_id = $2
	`, tenantID, offlineID).Scan(
		&payment.ID,
		&payment.TenantID,
		&payment.OfflineID,
		&saleID,
		&debtID,
		&payment.Method,
		&payment.AmountCents,
		&payment.Status,
		&payment.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if saleID.Valid {
		payment.SaleID = saleID.String
	}
	if debtID.Valid {
		payment.DebtID = debtID.String
	}
	payment.CreatedAt = payment.CreatedAt.UTC()
	return &payment, nil
}

func (s *Store) CreateMomoTransaction(ctx context.Context, tx domain.MomoTransaction) error {
	if tx.ID == "" {
		tx.ID = xid.New("momo")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = domain.MomoStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO momo_transactions (id, tenant_id, sale_id, provider, amount_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tx.ID, tx.TenantID, tx.SaleID, tx.Provider, tx.AmountCents, tx.Status, tx.CreatedAt)
	return err
}

func (s *Store) CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error) {
	if debt.TenantID == "" || debt.CustomerID == "" || debt.AmountOwedCents < 1 {
		return nil, store.ErrInvalidMutation
	}
	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = time.Now().UTC()
	}
	if debt.Status == "" {
		debt.Status = domain.DebtStatusOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO debts (id, tenant_id, customer_id, sale_id, amount_owed_cents, amount_paid_cents, status, due_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, debt.ID, debt.TenantID, debt.CustomerID, nullIfEmpty(debt.SaleID), debt.AmountOwedCents,
		debt.AmountPaidCents, debt.Status, nullDate(debt.DueDate), debt.CreatedAt)
	if err != nil {
		return nil, err
	}
	debt.UpdatedAt = debt.CreatedAt
	saved := debt
	return &saved, nil
}

func (s *Store) GetDebt(ctx context.Context, tenantID string, debtID string) (*domain.Debt, error) {
	var debt domain.Debt
	var saleID sql.NullString
	var dueDate sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, sale_id, amount_owed_cents, amount_paid_cents, status, due_date, created_at, updated_at
		FROM debts
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, debtID).Scan(
		&debt.ID,
		&debt.TenantID,
		&debt.CustomerID,
		&saleID,
		&debt.AmountOwedCents,
		&debt.AmountPaidCents,
		&debt.Status,
		&dueDate,
		&debt.CreatedAt,
		&debt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if saleID.Valid {
		debt.SaleID = saleID.String
	}
	if dueDate.Valid {
		at := dueDate.Time.UTC()
		debt.DueDate = &at
	}
	debt.CreatedAt = debt.CreatedAt.UTC()
	debt.UpdatedAt = debt.UpdatedAt.UTC()
	return &debt, nil
}

func (s *Store) ListDebts(ctx context.Context, tenantID string, customerID string, status string, limit int) ([]domain.Debt, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, customer_id, sale_id, amount_owed_cents, amount_paid_cents, status, due_date, created_at, updated_at
		FROM debts
		WHERE tenant_id = $1
			AND ($2 = '' OR customer_id = $2)
			AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, customerID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debts := make([]domain.Debt, 0, limit)
	for rows.Next() {
		var debt domain.Debt
		var saleID sql.NullString
		var dueDate sql.NullTime
		if err := rows.Scan(&debt.ID, &debt.TenantID, &debt.CustomerID, &saleID, &debt.AmountOwedCents, &debt.AmountPaidCents, &debt.Status, &dueDate, &debt.CreatedAt, &debt.UpdatedAt); err != nil {
			return nil, err
		}
		if saleID.Valid {
			debt.SaleID = saleID.String
		}
		if dueDate.Valid {
			at := dueDate.Time.UTC()
			debt.DueDate = &at
		}
		debt.CreatedAt = debt.CreatedAt.UTC()
		debt.UpdatedAt = debt.UpdatedAt.UTC()
		debts = append(debts, debt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return debts, nil
}

func (s *Store) ApplyDebtPayment(ctx context.Context, tenantID string, debtID string, amountCents int64, at time.Time) (*domain.Debt, error) {
	if amountCents < 1 {
		return nil, store.ErrInvalidMutation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// One conditional update recomputes the paid amount and the derived
	// status from the authoritative row; no read-compute-write window.
	var debt domain.Debt
	var saleID sql.NullString
	var dueDate sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		UPDATE debts
		SET amount_paid_cents = amount_paid_cents + $3,
			status = CASE
				WHEN amount_paid_cents + $3 >= amount_owed_cents THEN 'settled'
				ELSE 'partial'
			END,
			updated_at = $4
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, customer_id, sale_id, amount_owed_cents, amount_paid_cents, status, due_date, created_at, updated_at
	`, tenantID, debtID, amountCents, at).Scan(
		&debt.ID,
		&debt.TenantID,
		&debt.CustomerID,
		&saleID,
		&debt.AmountOwedCents,
		&debt.AmountPaidCents,
		&debt.Status,
		&dueDate,
		&debt.CreatedAt,
		&debt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if saleID.Valid {
		debt.SaleID = saleID.String
	}
	if dueDate.Valid {
		d := dueDate.Time.UTC()
		debt.DueDate = &d
	}
	debt.CreatedAt = debt.CreatedAt.UTC()
	debt.UpdatedAt = debt.UpdatedAt.UTC()
	return &debt, nil
}

func (s *Store) GetDailyReport(ctx context.Context, tenantID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		TenantID:  tenantID,
		ByPayment: make([]domain.DailyReportPayment, 0, 4),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(total_cents),0)::bigint,
			COALESCE(SUM(cost_total_cents),0)::bigint
		FROM sales
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, tenantID, from, to).Scan(&report.Sales, &report.GrossCents, &report.CostCents)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_owed_cents - amount_paid_cents),0)::bigint
		FROM debts
		WHERE tenant_id = $1 AND status <> 'settled'
	`, tenantID).Scan(&report.CreditOpenCents)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::bigint, COALESCE(SUM(total_cents),0)::bigint
		FROM sales
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, tenantID, from, to)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		var row domain.DailyReportPayment
		if err := rows.Scan(&row.PaymentMethod, &row.Sales, &row.TotalCents); err != nil {
			return report, err
		}
		report.ByPayment = append(report.ByPayment, row)
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidMutation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidMutation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidMutation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}
