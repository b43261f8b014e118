package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"botica/backend/internal/domain"
	"botica/backend/internal/store"
)

// Store is an in-memory Repository used by tests and DATABASE_URL-less dev
// runs. A single mutex stands in for the row locking the postgres store does;
// mutating operations validate fully before touching shared state so a
// failure leaves nothing half-applied.
type Store struct {
	mu sync.RWMutex

	seq int64

	categories  map[int64]domain.Category
	suppliers   map[int64]domain.Supplier
	products    map[int64]domain.Product
	lots        map[int64]domain.Lot
	clients     map[int64]domain.Client
	payments    []domain.CreditPayment
	sales       map[int64]domain.Sale
	salesByCode map[string]int64
	sessions    map[int64]domain.CashSession
	users       map[string]domain.User
	audits      []domain.AuditLog
}

func New() *Store {
	return &Store{
		categories:  make(map[int64]domain.Category),
		suppliers:   make(map[int64]domain.Supplier),
		products:    make(map[int64]domain.Product),
		lots:        make(map[int64]domain.Lot),
		clients:     make(map[int64]domain.Client),
		sales:       make(map[int64]domain.Sale),
		salesByCode: make(map[string]int64),
		sessions:    make(map[int64]domain.CashSession),
		users:       make(map[string]domain.User),
	}
}

// NewSeeded returns a store preloaded with a small pharmacy catalog and the
// default admin/cajero accounts. Seed passwords come from SEED_ADMIN_PASSWORD
// and SEED_CAJERO_PASSWORD; dev defaults apply when unset.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cajeroPwd := envOr("SEED_CAJERO_PASSWORD", "cajero123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CAJERO_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CAJERO_PASSWORD to override.")
	}
	adminHash, _ := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	cajeroHash, _ := bcrypt.GenerateFromPassword([]byte(cajeroPwd), bcrypt.DefaultCost)
	s.users["admin"] = domain.User{ID: s.next(), Name: "Administrador", Username: "admin", Password: string(adminHash), Role: domain.RoleAdmin, Active: true, CreatedAt: now}
	s.users["cajero"] = domain.User{ID: s.next(), Name: "Cajero Principal", Username: "cajero", Password: string(cajeroHash), Role: domain.RoleCashier, Active: true, CreatedAt: now}

	medID := s.next()
	vitID := s.next()
	s.categories[medID] = domain.Category{ID: medID, Name: "Medicamentos", Description: "Medicamentos generales"}
	s.categories[vitID] = domain.Category{ID: vitID, Name: "Vitaminas", Description: "Suplementos vitamínicos"}

	supID := s.next()
	s.suppliers[supID] = domain.Supplier{ID: supID, RUC: "20123456789", Name: "Distribuidora Farmacéutica S.A.", Phone: "01-555-1234", Email: "ventas@distrifarm.com", Address: "Av. Industrial 123, Lima"}

	seedProducts := []struct {
		code, name  string
		categoryID  int64
		purchase    domain.Money
		sale        domain.Money
		stock       int
		fractional  bool
		unitsPerBox int
		expiry      time.Time
	}{
		{"7751234567890", "Paracetamol 500mg", medID, 1500, 2500, 50, false, 1, now.AddDate(1, 0, 0)},
		{"7751234567891", "Ibuprofeno 400mg", medID, 1200, 2000, 30, false, 1, now.AddDate(0, 8, 0)},
		{"7751234567892", "Amoxicilina 500mg", medID, 1800, 3200, 25, true, 21, now.AddDate(0, 6, 0)},
		{"7751234567893", "Vitamina C 1000mg", vitID, 800, 1500, 40, false, 1, now.AddDate(2, 0, 0)},
	}
	for _, sp := range seedProducts {
		productID := s.next()
		categoryID := sp.categoryID
		supplierID := supID
		s.products[productID] = domain.Product{
			ID: productID, Code: sp.code, Name: sp.name, CategoryID: &categoryID,
			SupplierID: &supplierID, PurchasePrice: sp.purchase, SalePrice: sp.sale,
			Stock: sp.stock, MinStock: 10, Fractional: sp.fractional,
			UnitsPerBox: sp.unitsPerBox, Active: true, CreatedAt: now,
		}
		lotID := s.next()
		s.lots[lotID] = domain.Lot{
			ID: lotID, ProductID: productID, Code: "L-001", ExpiryDate: sp.expiry,
			InitialQty: sp.stock, Qty: sp.stock, ReceivedAt: now,
		}
	}

	clientID := s.next()
	limit := domain.Money(50000)
	s.clients[clientID] = domain.Client{
		ID: clientID, DocID: "45678912", Name: "María García", Phone: "987-654-321",
		Kind: domain.ClientKindCredit, CreditLimit: &limit, CreatedAt: now,
	}

	return s
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

// ---- catalog ----

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		c.ProductCount = 0
		for _, p := range s.products {
			if p.CategoryID != nil && *p.CategoryID == c.ID {
				c.ProductCount++
			}
		}
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, req domain.CategoryRequest) (*domain.Category, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.categories {
		if strings.EqualFold(c.Name, req.Name) {
			return nil, store.ErrInvalidInput
		}
	}
	c := domain.Category{ID: s.next(), Name: req.Name, Description: req.Description}
	s.categories[c.ID] = c
	return &c, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id int64, req domain.CategoryRequest) (*domain.Category, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Name = req.Name
	c.Description = req.Description
	s.categories[id] = c
	return &c, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return store.ErrNotFound
	}
	for _, p := range s.products {
		if p.CategoryID != nil && *p.CategoryID == id {
			return store.ErrInvalidState
		}
	}
	delete(s.categories, id)
	return nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sp := range s.suppliers {
		suppliers = append(suppliers, sp)
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].Name < suppliers[j].Name })
	return suppliers, nil
}

func (s *Store) CreateSupplier(ctx context.Context, req domain.SupplierRequest) (*domain.Supplier, error) {
	if req.Name == "" || req.RUC == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range s.suppliers {
		if sp.RUC == req.RUC {
			return nil, store.ErrInvalidInput
		}
	}
	sp := domain.Supplier{ID: s.next(), RUC: req.RUC, Name: req.Name, Phone: req.Phone, Email: req.Email, Address: req.Address}
	s.suppliers[sp.ID] = sp
	return &sp, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, id int64, req domain.SupplierRequest) (*domain.Supplier, error) {
	if req.Name == "" || req.RUC == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sp.RUC = req.RUC
	sp.Name = req.Name
	sp.Phone = req.Phone
	sp.Email = req.Email
	sp.Address = req.Address
	s.suppliers[id] = sp
	return &sp, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[id]; !ok {
		return store.ErrNotFound
	}
	for _, p := range s.products {
		if p.SupplierID != nil && *p.SupplierID == id {
			return store.ErrInvalidState
		}
	}
	delete(s.suppliers, id)
	return nil
}

func (s *Store) lotsForProduct(productID int64) []domain.Lot {
	lots := make([]domain.Lot, 0, 4)
	for _, lot := range s.lots {
		if lot.ProductID == productID {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiryDate.Equal(lots[j].ExpiryDate) {
			return lots[i].ExpiryDate.Before(lots[j].ExpiryDate)
		}
		return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
	})
	return lots
}

func (s *Store) productView(p domain.Product) domain.Product {
	p.Lots = s.lotsForProduct(p.ID)
	if p.CategoryID != nil {
		if c, ok := s.categories[*p.CategoryID]; ok {
			cc := c
			p.Category = &cc
		}
	}
	if p.SupplierID != nil {
		if sp, ok := s.suppliers[*p.SupplierID]; ok {
			spc := sp
			p.Supplier = &spc
		}
	}
	return p
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, s.productView(p))
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	view := s.productView(p)
	return &view, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialLot *domain.Lot) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.Code == product.Code {
			return nil, store.ErrInvalidInput
		}
	}
	if product.UnitsPerBox < 1 {
		product.UnitsPerBox = 1
	}
	product.ID = s.next()
	product.Active = true
	product.Stock = 0
	product.CreatedAt = time.Now().UTC()

	if initialLot != nil && initialLot.Qty > 0 {
		lot := *initialLot
		lot.ID = s.next()
		lot.ProductID = product.ID
		lot.InitialQty = lot.Qty
		lot.ReceivedAt = time.Now().UTC()
		s.lots[lot.ID] = lot
		product.Stock = lot.Qty
	}
	s.products[product.ID] = product

	view := s.productView(product)
	return &view, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.CategoryID != nil {
		p.CategoryID = req.CategoryID
	}
	if req.SupplierID != nil {
		p.SupplierID = req.SupplierID
	}
	if req.PurchasePrice != nil {
		p.PurchasePrice = *req.PurchasePrice
	}
	if req.SalePrice != nil {
		p.SalePrice = *req.SalePrice
	}
	if req.UnitPrice != nil {
		p.UnitPrice = req.UnitPrice
	}
	if req.MinStock != nil {
		p.MinStock = *req.MinStock
	}
	if req.Fractional != nil {
		p.Fractional = *req.Fractional
	}
	if req.UnitsPerBox != nil {
		if *req.UnitsPerBox < 1 {
			return nil, store.ErrInvalidInput
		}
		p.UnitsPerBox = *req.UnitsPerBox
	}
	s.products[id] = p

	view := s.productView(p)
	return &view, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Active = false
	s.products[id] = p
	return nil
}

func (s *Store) AddLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if lot.ProductID == 0 || lot.Qty < 1 || lot.ExpiryDate.IsZero() {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[lot.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	lot.ID = s.next()
	lot.InitialQty = lot.Qty
	lot.ReceivedAt = time.Now().UTC()
	s.lots[lot.ID] = lot

	p.Stock += lot.Qty
	s.products[p.ID] = p

	created := lot
	return &created, nil
}

func (s *Store) ListExpiringLots(ctx context.Context, before time.Time) ([]domain.ExpiringLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExpiringLot, 0, 16)
	for _, lot := range s.lots {
		if lot.Qty < 1 || lot.ExpiryDate.After(before) {
			continue
		}
		p, ok := s.products[lot.ProductID]
		if !ok || !p.Active {
			continue
		}
		result = append(result, domain.ExpiringLot{Lot: lot, ProductName: p.Name, ProductCode: p.Code})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiryDate.Before(result[j].ExpiryDate) })
	return result, nil
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if p.Active && p.Stock <= p.MinStock {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Stock != result[j].Stock {
			return result[i].Stock < result[j].Stock
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ---- sales ----

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Code == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.salesByCode[sale.Code]; ok {
		existing := s.saleView(s.sales[existingID])
		return &existing, nil
	}

	// Dry-run the whole allocation on scratch counters first, so a failing
	// item cannot leave earlier items applied.
	lotTaken := make(map[int64]int)
	stockDelta := make(map[int64]int)
	for i := range sale.Items {
		item := &sale.Items[i]
		p, ok := s.products[item.ProductID]
		if !ok || !p.Active {
			return nil, store.ErrNotFound
		}
		baseQty := p.BaseUnits(item.Qty, item.UnitMode)

		if p.Stock-stockDelta[p.ID] < baseQty {
			return nil, store.ErrInsufficientStock
		}
		lots := s.lotsForProduct(p.ID)
		available := 0
		for _, lot := range lots {
			available += lot.Qty - lotTaken[lot.ID]
		}
		if available < baseQty {
			return nil, store.ErrInsufficientStock
		}

		remaining := baseQty
		item.Allocations = nil
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			left := lot.Qty - lotTaken[lot.ID]
			if left < 1 {
				continue
			}
			take := remaining
			if take > left {
				take = left
			}
			lotTaken[lot.ID] += take
			item.Allocations = append(item.Allocations, domain.LotAllocation{LotID: lot.ID, Qty: take})
			remaining -= take
		}
		if remaining > 0 {
			return nil, store.ErrInsufficientStock
		}
		stockDelta[p.ID] += baseQty
	}

	var shortfall domain.Money
	if sale.PaymentMethod == domain.PaymentCredit && sale.ClientID != nil {
		client, ok := s.clients[*sale.ClientID]
		if !ok {
			return nil, store.ErrNotFound
		}
		shortfall = sale.Total - sale.Paid
		if client.CreditLimit != nil && client.Balance+shortfall > *client.CreditLimit {
			return nil, store.ErrCreditLimit
		}
	}

	// Validation passed; apply.
	for lotID, taken := range lotTaken {
		lot := s.lots[lotID]
		lot.Qty -= taken
		s.lots[lotID] = lot
	}
	for productID, delta := range stockDelta {
		p := s.products[productID]
		p.Stock -= delta
		s.products[productID] = p
	}
	if sale.PaymentMethod == domain.PaymentCredit && sale.ClientID != nil {
		client := s.clients[*sale.ClientID]
		client.Balance += shortfall
		s.clients[client.ID] = client
	}

	sale.ID = s.next()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	for i := range sale.Items {
		sale.Items[i].ID = s.next()
		sale.Items[i].SaleID = sale.ID
	}
	s.sales[sale.ID] = cloneSale(sale)
	s.salesByCode[sale.Code] = sale.ID

	view := s.saleView(sale)
	return &view, nil
}

func (s *Store) CancelSale(ctx context.Context, id int64, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidState
	}

	for _, item := range sale.Items {
		restored := 0
		for _, alloc := range item.Allocations {
			if lot, exists := s.lots[alloc.LotID]; exists {
				lot.Qty += alloc.Qty
				s.lots[alloc.LotID] = lot
			} else if lots := s.lotsForProduct(item.ProductID); len(lots) > 0 {
				first := s.lots[lots[0].ID]
				first.Qty += alloc.Qty
				s.lots[first.ID] = first
			}
			restored += alloc.Qty
		}
		if restored > 0 {
			p := s.products[item.ProductID]
			p.Stock += restored
			s.products[item.ProductID] = p
		}
	}

	if sale.PaymentMethod == domain.PaymentCredit && sale.ClientID != nil {
		if client, exists := s.clients[*sale.ClientID]; exists {
			client.Balance -= sale.Total - sale.Paid
			s.clients[client.ID] = client
		}
	}

	sale.Status = domain.SaleStatusCancelled
	s.sales[id] = cloneSale(sale)

	view := s.saleView(sale)
	return &view, nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	items := make([]domain.SaleItem, len(sale.Items))
	copy(items, sale.Items)
	for i := range items {
		allocs := make([]domain.LotAllocation, len(items[i].Allocations))
		copy(allocs, items[i].Allocations)
		items[i].Allocations = allocs
		items[i].Product = nil
	}
	sale.Items = items
	sale.Client = nil
	sale.Operator = nil
	return sale
}

func (s *Store) saleView(sale domain.Sale) domain.Sale {
	view := cloneSale(sale)
	for i := range view.Items {
		if p, ok := s.products[view.Items[i].ProductID]; ok {
			pc := p
			view.Items[i].Product = &pc
		}
	}
	if view.ClientID != nil {
		if client, ok := s.clients[*view.ClientID]; ok {
			cc := client
			view.Client = &cc
		}
	}
	for _, u := range s.users {
		if u.ID == view.OperatorID {
			view.Operator = &domain.UserSummary{Name: u.Name, Username: u.Username}
			break
		}
	}
	return view
}

func (s *Store) GetSaleByID(ctx context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	view := s.saleView(sale)
	return &view, nil
}

func (s *Store) GetSaleByCode(ctx context.Context, code string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	view := s.saleView(s.sales[id])
	return &view, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.CreatedAt.After(*filter.To) {
			continue
		}
		sales = append(sales, s.saleView(sale))
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

// ---- clients & credit ----

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	return clients, nil
}

func (s *Store) GetClientByID(ctx context.Context, id int64) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Payments = s.paymentsForClient(id, 0)
	return &c, nil
}

func (s *Store) CreateClient(ctx context.Context, req domain.ClientRequest) (*domain.Client, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := req.Kind
	if kind == "" {
		kind = domain.ClientKindCash
	}
	c := domain.Client{
		ID: s.next(), DocID: req.DocID, Name: req.Name, Phone: req.Phone,
		Address: req.Address, Kind: kind, CreditLimit: req.CreditLimit,
		CreatedAt: time.Now().UTC(),
	}
	s.clients[c.ID] = c
	return &c, nil
}

func (s *Store) UpdateClient(ctx context.Context, id int64, req domain.ClientRequest) (*domain.Client, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.DocID = req.DocID
	c.Name = req.Name
	c.Phone = req.Phone
	c.Address = req.Address
	if req.Kind != "" {
		c.Kind = req.Kind
	}
	c.CreditLimit = req.CreditLimit
	s.clients[id] = c
	return &c, nil
}

func (s *Store) RecordCreditPayment(ctx context.Context, payment domain.CreditPayment) (*domain.CreditPayment, error) {
	if payment.ClientID == 0 || payment.Amount < 1 {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[payment.ClientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if payment.Amount > c.Balance {
		return nil, store.ErrInvalidInput
	}
	c.Balance -= payment.Amount
	s.clients[c.ID] = c

	payment.ID = s.next()
	payment.CreatedAt = time.Now().UTC()
	s.payments = append(s.payments, payment)

	created := payment
	return &created, nil
}

func (s *Store) paymentsForClient(clientID int64, limit int) []domain.CreditPayment {
	payments := make([]domain.CreditPayment, 0, 8)
	for _, p := range s.payments {
		if p.ClientID == clientID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.After(payments[j].CreatedAt) })
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments
}

func (s *Store) ListDebtors(ctx context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	debtors := make([]domain.Client, 0, 8)
	for _, c := range s.clients {
		if c.Balance < 1 {
			continue
		}
		c.Payments = s.paymentsForClient(c.ID, 5)
		sales := make([]domain.Sale, 0, 4)
		for _, sale := range s.sales {
			if sale.ClientID != nil && *sale.ClientID == c.ID &&
				sale.PaymentMethod == domain.PaymentCredit &&
				sale.Status == domain.SaleStatusCompleted {
				view := s.saleView(sale)
				view.Client = nil
				sales = append(sales, view)
			}
		}
		sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
		c.Sales = sales
		debtors = append(debtors, c)
	}
	sort.Slice(debtors, func(i, j int) bool { return debtors[i].Balance > debtors[j].Balance })
	return debtors, nil
}

// ---- cash sessions ----

func (s *Store) OpenCashSession(ctx context.Context, operatorID int64, opening domain.Money, at time.Time) (*domain.CashSession, error) {
	if opening < 0 {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.OperatorID == operatorID && session.Status == domain.SessionStatusOpen {
			return nil, store.ErrSessionAlreadyOpen
		}
	}
	session := domain.CashSession{
		ID: s.next(), OperatorID: operatorID, OpenedAt: at.UTC(),
		Opening: opening, Status: domain.SessionStatusOpen,
	}
	s.sessions[session.ID] = session
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, operatorID int64) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.OperatorID == operatorID && session.Status == domain.SessionStatusOpen {
			found := session
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CloseCashSession(ctx context.Context, id int64, operatorID int64, counted domain.Money, notes string, at time.Time) (*domain.CashCloseResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.OperatorID != operatorID {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, store.ErrInvalidState
	}

	var totalSales domain.Money
	for _, sale := range s.sales {
		if sale.OperatorID == operatorID && sale.Status == domain.SaleStatusCompleted &&
			!sale.CreatedAt.Before(session.OpenedAt) {
			totalSales += sale.Total
		}
	}

	expected := session.Opening + totalSales
	variance := counted - expected
	closedAt := at.UTC()

	session.ClosedAt = &closedAt
	session.Counted = &counted
	session.Variance = &variance
	session.Notes = notes
	session.Status = domain.SessionStatusClosed
	s.sessions[id] = session

	return &domain.CashCloseResponse{
		Session: session,
		Summary: domain.CashSummary{
			Opening:  session.Opening,
			Sales:    totalSales,
			Expected: expected,
			Counted:  counted,
			Variance: variance,
		},
	}, nil
}

func (s *Store) SalesTotalsSince(ctx context.Context, operatorID int64, since time.Time) (*domain.CashTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.CashTotals{ByMethod: make(map[string]domain.Money)}
	for _, sale := range s.sales {
		if sale.OperatorID != operatorID || sale.Status != domain.SaleStatusCompleted ||
			sale.CreatedAt.Before(since) {
			continue
		}
		totals.ByMethod[sale.PaymentMethod] += sale.Total
		totals.Sales += sale.Total
		totals.Count++
	}
	return &totals, nil
}

func (s *Store) ListCashSessions(ctx context.Context, limit int) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	sessions := make([]domain.CashSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		for _, u := range s.users {
			if u.ID == session.OperatorID {
				session.Operator = &domain.UserSummary{Name: u.Name, Username: u.Username}
				break
			}
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].OpenedAt.After(sessions[j].OpenedAt) })
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ---- users & audit ----

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := u
	return &found, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.Password == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return nil, store.ErrInvalidInput
	}
	user.ID = s.next()
	user.Active = true
	user.CreatedAt = time.Now().UTC()
	s.users[user.Username] = user

	created := user
	return &created, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.audits {
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}
