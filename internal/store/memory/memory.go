package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]map[string]domain.Product
	customers        map[string]map[string]domain.Customer
	salesByID        map[string]map[string]*domain.Sale
	salesByOffline   map[string]map[string]*domain.Sale
	movements        map[string][]domain.InventoryMovement
	payments         map[string]map[string]domain.Payment
	paymentsByOff    map[string]map[string]domain.Payment
	debtsByID        map[string]map[string]domain.Debt
	momoTransactions map[string][]domain.MomoTransaction
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:         make(map[string]map[string]domain.Product),
		customers:        make(map[string]map[string]domain.Customer),
		salesByID:        make(map[string]map[string]*domain.Sale),
		salesByOffline:   make(map[string]map[string]*domain.Sale),
		movements:        make(map[string][]domain.InventoryMovement),
		payments:         make(map[string]map[string]domain.Payment),
		paymentsByOff:    make(map[string]map[string]domain.Payment),
		debtsByID:        make(map[string]map[string]domain.Debt),
		momoTransactions: make(map[string][]domain.MomoTransaction),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func NewSeeded(tenantID string) *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-rice-01", SKU: "SKU-RICE-01", Name: "Rice 5kg", PriceCents: 650000, CostCents: 540000, Stock: 80, Active: true},
		{ID: "prod-oil-01", SKU: "SKU-OIL-01", Name: "Cooking Oil 1L", PriceCents: 180000, CostCents: 150000, Stock: 120, Active: true},
		{ID: "prod-soap-01", SKU: "SKU-SOAP-01", Name: "Laundry Soap Bar", PriceCents: 45000, CostCents: 32000, Stock: 200, Active: true},
		{ID: "prod-milk-01", SKU: "SKU-MILK-01", Name: "Powdered Milk 400g", PriceCents: 320000, CostCents: 265000, Stock: 60, Active: true},
		{ID: "prod-sugar-01", SKU: "SKU-SUGAR-01", Name: "Sugar 1kg", PriceCents: 95000, CostCents: 78000, Stock: 150, Active: true},
		{ID: "prod-bread-01", SKU: "SKU-BREAD-01", Name: "Sliced Bread", PriceCents: 85000, CostCents: 60000, Stock: 40, Active: true},
		{ID: "prod-candle-01", SKU: "SKU-CANDLE-01", Name: "Candle Pack", PriceCents: 30000, CostCents: 20000, Stock: 300, Active: true},
		{ID: "prod-soda-01", SKU: "SKU-SODA-01", Name: "Soda 500ml", PriceCents: 55000, CostCents: 40000, Stock: 180, Active: true},
	}
	s.products[tenantID] = make(map[string]domain.Product, len(products))
	for _, p := range products {
		p.TenantID = tenantID
		p.UpdatedAt = now
		s.products[tenantID][p.ID] = p
	}

	customers := []domain.Customer{
		{ID: "cust-ama-01", Name: "Ama Serwaa", Phone: "+233201111111"},
		{ID: "cust-kofi-01", Name: "Kofi Mensah", Phone: "+233202222222"},
		{ID: "cust-abena-01", Name: "Abena Owusu", Phone: "+233203333333"},
	}
	s.customers[tenantID] = make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		c.TenantID = tenantID
		c.UpdatedAt = now
		s.customers[tenantID][c.ID] = c
	}

	return s
}

func (s *Store) ListProducts(_ context.Context, tenantID string, updatedSince time.Time) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products[tenantID]))
	for _, p := range s.products[tenantID] {
		if !updatedSince.IsZero() && !p.UpdatedAt.After(updatedSince) {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, tenantID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[tenantID][productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.TenantID == "" || product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidMutation
	}
	if product.Stock < 0 {
		return nil, store.ErrInvalidMutation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	if _, ok := s.products[product.TenantID]; !ok {
		s.products[product.TenantID] = make(map[string]domain.Product)
	}
	if _, exists := s.products[product.TenantID][product.ID]; exists {
		return nil, store.ErrInvalidMutation
	}

	product.Active = true
	s.products[product.TenantID][product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, tenantID string, productID string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[tenantID][productID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if update.Name != nil {
		if strings.TrimSpace(*update.Name) == "" {
			return nil, store.ErrInvalidMutation
		}
		product.Name = *update.Name
	}
	if update.PriceCents != nil {
		if *update.PriceCents < 1 {
			return nil, store.ErrInvalidMutation
		}
		product.PriceCents = *update.PriceCents
	}
	if update.CostCents != nil {
		if *update.CostCents < 0 {
			return nil, store.ErrInvalidMutation
		}
		product.CostCents = *update.CostCents
	}
	if update.Stock != nil {
		if *update.Stock < 0 {
			return nil, store.ErrInvalidMutation
		}
		product.Stock = *update.Stock
	}
	if update.Active != nil {
		product.Active = *update.Active
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	product.UpdatedAt = at

	s.products[tenantID][productID] = product
	updated := product
	return &updated, nil
}

func (s *Store) ListCustomers(_ context.Context, tenantID string, updatedSince time.Time) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers[tenantID]))
	for _, c := range s.customers[tenantID] {
		if !updatedSince.IsZero() && !c.UpdatedAt.After(updatedSince) {
			continue
		}
		customers = append(customers, c)
	}

	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})

	return customers, nil
}

func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	if _, ok := s.customers[customer.TenantID]; !ok {
		s.customers[customer.TenantID] = make(map[string]domain.Customer)
	}

	s.customers[customer.TenantID][customer.ID] = customer
	saved := customer
	return &saved, nil
}

func (s *Store) FindSaleByOfflineID(_ context.Context, tenantID string, offlineID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByOffline[tenantID][offlineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.TenantID == "" || sale.OfflineID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidMutation
	}
	if _, exists := s.salesByOffline[sale.TenantID][sale.OfflineID]; exists {
		return nil, store.ErrDuplicateMutation
	}

	tenantProducts := s.products[sale.TenantID]
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidMutation
		}
		if _, exists := tenantProducts[item.ProductID]; !exists {
			return nil, store.ErrNotFound
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

	// Stock is floored at zero: an offline sale already happened in the
	// physical world, so the record wins over the counter.
	for _, item := range sale.Items {
		product := tenantProducts[item.ProductID]
		product.Stock -= item.Qty
		if product.Stock < 0 {
			product.Stock = 0
		}
		product.UpdatedAt = now
		tenantProducts[item.ProductID] = product
	}

	if _, ok := s.salesByID[sale.TenantID]; !ok {
		s.salesByID[sale.TenantID] = make(map[string]*domain.Sale)
		s.salesByOffline[sale.TenantID] = make(map[string]*domain.Sale)
	}
	saved := cloneSale(&sale)
	s.salesByID[sale.TenantID][sale.ID] = saved
	s.salesByOffline[sale.TenantID][sale.OfflineID] = saved

	return cloneSale(saved), nil
}

func (s *Store) CreateInventoryMovement(_ context.Context, movement domain.InventoryMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movements[movement.TenantID] = append(s.movements[movement.TenantID], movement)
	return nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payment.TenantID == "" || payment.AmountCents < 0 {
		return nil, store.ErrInvalidMutation
	}
	if payment.OfflineID != "" {
		if _, exists := s.paymentsByOff[payment.TenantID][payment.OfflineID]; exists {
			return nil, store.ErrDuplicateMutation
		}
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.payments[payment.TenantID]; !ok {
		s.payments[payment.TenantID] = make(map[string]domain.Payment)
		s.paymentsByOff[payment.TenantID] = make(map[string]domain.Payment)
	}
	s.payments[payment.TenantID][payment.ID] = payment
	if payment.OfflineID != "" {
		s.paymentsByOff[payment.TenantID][payment.OfflineID] = payment
	}
	saved := payment
	return &saved, nil
}

func (s *Store) FindPaymentByOfflineID(_ context.Context, tenantID string, offlineID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.paymentsByOff[tenantID][offlineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyPayment := payment
	return &copyPayment, nil
}

func (s *Store) CreateMomoTransaction(_ context.Context, tx domain.MomoTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = xid.New("momo")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = domain.MomoStatusPending
	}
	s.momoTransactions[tx.TenantID] = append(s.momoTransactions[tx.TenantID], tx)
	return nil
}

func (s *Store) CreateDebt(_ context.Context, debt domain.Debt) (*domain.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if debt.TenantID == "" || debt.CustomerID == "" || debt.AmountOwedCents < 1 {
		return nil, store.ErrInvalidMutation
	}
	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = time.Now().UTC()
	}
	debt.UpdatedAt = debt.CreatedAt
	if debt.Status == "" {
		debt.Status = domain.DebtStatusOpen
	}
	if _, ok := s.debtsByID[debt.TenantID]; !ok {
		s.debtsByID[debt.TenantID] = make(map[string]domain.Debt)
	}
	s.debtsByID[debt.TenantID][debt.ID] = debt
	saved := debt
	return &saved, nil
}

func (s *Store) GetDebt(_ context.Context, tenantID string, debtID string) (*domain.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	debt, exists := s.debtsByID[tenantID][debtID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyDebt := debt
	return &copyDebt, nil
}

func (s *Store) ListDebts(_ context.Context, tenantID string, customerID string, status string, limit int) ([]domain.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Debt, 0, len(s.debtsByID[tenantID]))
	for _, debt := range s.debtsByID[tenantID] {
		if customerID != "" && debt.CustomerID != customerID {
			continue
		}
		if status != "" && debt.Status != status {
			continue
		}
		result = append(result, debt)
	}
	slices.SortFunc(result, func(a, b domain.Debt) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ApplyDebtPayment(_ context.Context, tenantID string, debtID string, amountCents int64, at time.Time) (*domain.Debt, error) {
	if amountCents < 1 {
		return nil, store.ErrInvalidMutation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	debt, exists := s.debtsByID[tenantID][debtID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	debt.AmountPaidCents += amountCents
	if debt.AmountPaidCents >= debt.AmountOwedCents {
		debt.Status = domain.DebtStatusSettled
	} else {
		debt.Status = domain.DebtStatusPartial
	}
	debt.UpdatedAt = at

	s.debtsByID[tenantID][debtID] = debt
	updated := debt
	return &updated, nil
}

func (s *Store) GetDailyReport(_ context.Context, tenantID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		TenantID:  tenantID,
		ByPayment: make([]domain.DailyReportPayment, 0, 4),
	}
	byPayment := map[string]*domain.DailyReportPayment{}

	for _, sale := range s.salesByID[tenantID] {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}

		report.Sales++
		report.GrossCents += sale.TotalCents
		report.CostCents += sale.CostTotalCents

		payment := byPayment[sale.PaymentMethod]
		if payment == nil {
			payment = &domain.DailyReportPayment{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = payment
		}
		payment.Sales++
		payment.TotalCents += sale.TotalCents
	}

	for _, debt := range s.debtsByID[tenantID] {
		if debt.Status == domain.DebtStatusSettled {
			continue
		}
		report.CreditOpenCents += debt.AmountOwedCents - debt.AmountPaidCents
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})

	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidMutation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidMutation
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidMutation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	if src.SyncedAt != nil {
		at := *src.SyncedAt
		dup.SyncedAt = &at
	}
	return &dup
}
