package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"botica/backend/internal/alerts"
	"botica/backend/internal/cache"
	"botica/backend/internal/domain"
	"botica/backend/internal/store"
	"botica/backend/internal/xid"
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
	repo     store.Repository
	catalog  cache.CatalogCache
	cacheTTL time.Duration
}

func New(repo store.Repository, catalog cache.CatalogCache, cacheTTLSeconds int) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if cacheTTLSeconds < 1 {
		cacheTTLSeconds = 30
	}

	return &Service{
		repo:     repo,
		catalog:  catalog,
		cacheTTL: time.Duration(cacheTTLSeconds) * time.Second,
	}
}

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func (s *Service) requireOperator(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == 0 {
		return domain.Actor{}, fmt.Errorf("authenticated operator required")
	}
	return actor, nil
}

// ---- catalog ----

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if cached, found, err := s.catalog.GetProducts(ctx, cache.ProductListKey); err == nil && found {
		return cached, nil
	} else if err != nil {
		log.Printf("[cache] WARN: product list read failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetProducts(ctx, cache.ProductListKey, products, s.cacheTTL); err != nil {
		log.Printf("[cache] WARN: product list write failed: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Code = strings.TrimSpace(req.Code)
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.PurchasePrice < 0 || req.SalePrice < 1 {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.UnitsPerBox < 1 {
		req.UnitsPerBox = 1
	}
	if req.MinStock < 1 {
		req.MinStock = 5
	}

	product := domain.Product{
		Code:          req.Code,
		Name:          req.Name,
		Description:   strings.TrimSpace(req.Description),
		CategoryID:    req.CategoryID,
		SupplierID:    req.SupplierID,
		PurchasePrice: req.PurchasePrice,
		SalePrice:     req.SalePrice,
		UnitPrice:     req.UnitPrice,
		MinStock:      req.MinStock,
		Fractional:    req.Fractional,
		UnitsPerBox:   req.UnitsPerBox,
	}

	var initialLot *domain.Lot
	if req.Lot != nil && req.Lot.Qty > 0 {
		lot, err := buildIntakeLot(*req.Lot, product.Fractional, product.UnitsPerBox)
		if err != nil {
			return domain.Product{}, err
		}
		initialLot = lot
	}

	created, err := s.repo.CreateProduct(ctx, product, initialLot)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_create", "product", fmt.Sprintf("%d", created.ID), fmt.Sprintf("code=%s,name=%s,stock=%d", created.Code, created.Name, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update", "product", fmt.Sprintf("%d", id), "")
	return *updated, nil
}

func (s *Service) DeactivateProduct(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_deactivate", "product", fmt.Sprintf("%d", id), "")
	return nil
}

// AddLot registers a batch intake. Box quantities of fractional products
// expand to base units before hitting stock.
func (s *Service) AddLot(ctx context.Context, productID int64, req domain.LotIntakeRequest) (domain.Lot, error) {
	if _, err := s.requireOperator(ctx); err != nil {
		return domain.Lot{}, err
	}
	if req.Qty < 1 {
		return domain.Lot{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Lot{}, err
	}

	lot, err := buildIntakeLot(req, product.Fractional, product.UnitsPerBox)
	if err != nil {
		return domain.Lot{}, err
	}
	lot.ProductID = productID

	created, err := s.repo.AddLot(ctx, *lot)
	if err != nil {
		return domain.Lot{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "lot_intake", "product", fmt.Sprintf("%d", productID), fmt.Sprintf("lot=%s,qty=%d", created.Code, created.Qty))
	return *created, nil
}

func buildIntakeLot(req domain.LotIntakeRequest, fractional bool, unitsPerBox int) (*domain.Lot, error) {
	expiry, err := time.Parse("2006-01-02", strings.TrimSpace(req.ExpiryDate))
	if err != nil {
		return nil, store.ErrInvalidInput
	}

	qty := req.Qty
	if fractional && !req.UnitMode {
		if unitsPerBox < 1 {
			unitsPerBox = 1
		}
		qty = req.Qty * unitsPerBox
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = xid.New("L")
	}

	return &domain.Lot{Code: code, ExpiryDate: expiry, Qty: qty}, nil
}

func (s *Service) ListExpiringLots(ctx context.Context, days int) ([]domain.ExpiringLot, error) {
	if days < 1 {
		days = 30
	}
	return s.repo.ListExpiringLots(ctx, time.Now().UTC().AddDate(0, 0, days))
}

func (s *Service) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx)
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryRequest) (domain.Category, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	created, err := s.repo.CreateCategory(ctx, req)
	if err != nil {
		return domain.Category{}, err
	}
	return *created, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id int64, req domain.CategoryRequest) (domain.Category, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	updated, err := s.repo.UpdateCategory(ctx, id, req)
	if err != nil {
		return domain.Category{}, err
	}
	return *updated, nil
}

func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteCategory(ctx, id)
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierRequest) (domain.Supplier, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.RUC = strings.TrimSpace(req.RUC)
	created, err := s.repo.CreateSupplier(ctx, req)
	if err != nil {
		return domain.Supplier{}, err
	}
	return *created, nil
}

func (s *Service) UpdateSupplier(ctx context.Context, id int64, req domain.SupplierRequest) (domain.Supplier, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	updated, err := s.repo.UpdateSupplier(ctx, id, req)
	if err != nil {
		return domain.Supplier{}, err
	}
	return *updated, nil
}

func (s *Service) DeleteSupplier(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteSupplier(ctx, id)
}

// ---- sales ----

// CreateSale validates the request, fixes the totals, and hands the sale to
// the repository, which applies stock allocation, the client balance, and
// the sale rows in one transaction.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, err := s.requireOperator(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	if len(req.Items) == 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Sale{}, store.ErrInvalidInput
	}
	if req.Discount < 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}

	var subtotal domain.Money
	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID < 1 || item.Qty < 1 || item.UnitPrice < 0 {
			return domain.Sale{}, store.ErrInvalidInput
		}
		lineTotal := item.UnitPrice * domain.Money(item.Qty)
		subtotal += lineTotal
		items = append(items, domain.SaleItem{
			ProductID: item.ProductID,
			Qty:       item.Qty,
			UnitMode:  item.UnitMode,
			UnitPrice: item.UnitPrice,
			LineTotal: lineTotal,
		})
	}

	if req.Discount > subtotal {
		return domain.Sale{}, store.ErrInvalidInput
	}
	total := subtotal - req.Discount

	paid := total
	if req.Paid != nil {
		paid = *req.Paid
	}
	if paid < 0 || paid > total {
		return domain.Sale{}, store.ErrInvalidInput
	}

	var dueDate *time.Time
	if req.PaymentMethod == domain.PaymentCredit {
		if req.ClientID == nil {
			return domain.Sale{}, store.ErrInvalidInput
		}
		if strings.TrimSpace(req.DueDate) == "" {
			return domain.Sale{}, store.ErrInvalidInput
		}
		due, err := time.Parse("2006-01-02", strings.TrimSpace(req.DueDate))
		if err != nil {
			return domain.Sale{}, store.ErrInvalidInput
		}
		dueDate = &due
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = xid.New("VTA")
	}

	sale := domain.Sale{
		Code:          code,
		OperatorID:    actor.UserID,
		ClientID:      req.ClientID,
		Subtotal:      subtotal,
		Discount:      req.Discount,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		Paid:          paid,
		DueDate:       dueDate,
		Status:        domain.SaleStatusCompleted,
		CreatedAt:     time.Now().UTC(),
		Items:         items,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "sale_create", "sale", created.Code, fmt.Sprintf("total=%s,method=%s,items=%d", created.Total, created.PaymentMethod, len(created.Items)))
	return *created, nil
}

func (s *Service) CancelSale(ctx context.Context, id int64) (domain.Sale, error) {
	if _, err := s.requireOperator(ctx); err != nil {
		return domain.Sale{}, err
	}

	cancelled, err := s.repo.CancelSale(ctx, id, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "sale_cancel", "sale", cancelled.Code, "")
	return *cancelled, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer,
		domain.PaymentYape, domain.PaymentPlin, domain.PaymentCredit:
		return true
	}
	return false
}

// ---- clients & credit ----

func (s *Service) ListClients(ctx context.Context, search string) ([]domain.Client, error) {
	clients, err := s.repo.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	search = strings.TrimSpace(search)
	if search == "" {
		return clients, nil
	}
	needle := strings.ToLower(search)
	filtered := make([]domain.Client, 0, len(clients))
	for _, c := range clients {
		if strings.Contains(strings.ToLower(c.Name), needle) || strings.Contains(strings.ToLower(c.DocID), needle) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *Service) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	client, err := s.repo.GetClientByID(ctx, id)
	if err != nil {
		return domain.Client{}, err
	}
	return *client, nil
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientRequest) (domain.Client, error) {
	if _, err := s.requireOperator(ctx); err != nil {
		return domain.Client{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Client{}, store.ErrInvalidInput
	}
	if req.Kind != "" && req.Kind != domain.ClientKindCash && req.Kind != domain.ClientKindCredit {
		return domain.Client{}, store.ErrInvalidInput
	}
	created, err := s.repo.CreateClient(ctx, req)
	if err != nil {
		return domain.Client{}, err
	}
	s.logAudit(ctx, "client_create", "client", fmt.Sprintf("%d", created.ID), created.Name)
	return *created, nil
}

func (s *Service) UpdateClient(ctx context.Context, id int64, req domain.ClientRequest) (domain.Client, error) {
	if _, err := s.requireOperator(ctx); err != nil {
		return domain.Client{}, err
	}
	if req.Kind != "" && req.Kind != domain.ClientKindCash && req.Kind != domain.ClientKindCredit {
		return domain.Client{}, store.ErrInvalidInput
	}
	updated, err := s.repo.UpdateClient(ctx, id, req)
	if err != nil {
		return domain.Client{}, err
	}
	return *updated, nil
}

// RecordPayment applies a credit payment. Amounts above the outstanding
// balance are rejected rather than driving the balance negative.
func (s *Service) RecordPayment(ctx context.Context, req domain.CreditPaymentRequest) (domain.CreditPayment, error) {
	if _, err := s.requireOperator(ctx); err != nil {
		return domain.CreditPayment{}, err
	}
	if req.ClientID < 1 || req.Amount < 1 {
		return domain.CreditPayment{}, store.ErrInvalidInput
	}

	payment, err := s.repo.RecordCreditPayment(ctx, domain.CreditPayment{
		ClientID: req.ClientID,
		Amount:   req.Amount,
		Note:     strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.CreditPayment{}, err
	}

	if err := s.catalog.Invalidate(ctx, cache.DebtorListKey); err != nil {
		log.Printf("[cache] WARN: debtor list invalidation failed: %v", err)
	}
	s.logAudit(ctx, "credit_payment", "client", fmt.Sprintf("%d", req.ClientID), fmt.Sprintf("amount=%s", req.Amount))
	return *payment, nil
}

func (s *Service) ListDebtors(ctx context.Context) ([]domain.Client, error) {
	if cached, found, err := s.catalog.GetDebtors(ctx, cache.DebtorListKey); err == nil && found {
		return cached, nil
	} else if err != nil {
		log.Printf("[cache] WARN: debtor list read failed: %v", err)
	}

	debtors, err := s.repo.ListDebtors(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetDebtors(ctx, cache.DebtorListKey, debtors, s.cacheTTL); err != nil {
		log.Printf("[cache] WARN: debtor list write failed: %v", err)
	}
	return debtors, nil
}

// ---- cash sessions ----

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashOpenRequest) (domain.CashSession, error) {
	actor, err := s.requireOperator(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	if req.Opening < 0 {
		return domain.CashSession{}, store.ErrInvalidInput
	}

	session, err := s.repo.OpenCashSession(ctx, actor.UserID, req.Opening, time.Now().UTC())
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "cash_open", "cash_session", fmt.Sprintf("%d", session.ID), fmt.Sprintf("opening=%s", session.Opening))
	return *session, nil
}

func (s *Service) CloseCashSession(ctx context.Context, id int64, req domain.CashCloseRequest) (domain.CashCloseResponse, error) {
	actor, err := s.requireOperator(ctx)
	if err != nil {
		return domain.CashCloseResponse{}, err
	}
	if req.Counted < 0 {
		return domain.CashCloseResponse{}, store.ErrInvalidInput
	}

	closed, err := s.repo.CloseCashSession(ctx, id, actor.UserID, req.Counted, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.CashCloseResponse{}, err
	}

	s.logAudit(ctx, "cash_close", "cash_session", fmt.Sprintf("%d", id), fmt.Sprintf("counted=%s,variance=%s", closed.Summary.Counted, closed.Summary.Variance))
	return *closed, nil
}

func (s *Service) CurrentCashSession(ctx context.Context) (domain.CashStatusResponse, error) {
	actor, err := s.requireOperator(ctx)
	if err != nil {
		return domain.CashStatusResponse{}, err
	}

	session, err := s.repo.GetOpenCashSession(ctx, actor.UserID)
	if err != nil {
		if err == store.ErrNotFound {
			return domain.CashStatusResponse{Open: false}, nil
		}
		return domain.CashStatusResponse{}, err
	}

	totals, err := s.repo.SalesTotalsSince(ctx, actor.UserID, session.OpenedAt)
	if err != nil {
		return domain.CashStatusResponse{}, err
	}

	return domain.CashStatusResponse{Open: true, Session: session, Totals: totals}, nil
}

func (s *Service) CashSessionHistory(ctx context.Context) ([]domain.CashSession, error) {
	return s.repo.ListCashSessions(ctx, 50)
}

// ---- alerts ----

func (s *Service) AlertSummary(ctx context.Context, windowDays int) (domain.AlertSummary, error) {
	if windowDays < 1 {
		windowDays = alerts.DefaultWindowDays
	}

	lowStock, err := s.repo.ListLowStockProducts(ctx)
	if err != nil {
		return domain.AlertSummary{}, err
	}

	now := time.Now().UTC()
	expiring, err := s.repo.ListExpiringLots(ctx, now.AddDate(0, 0, windowDays))
	if err != nil {
		return domain.AlertSummary{}, err
	}

	return alerts.BuildSummary(lowStock, expiring, windowDays, now), nil
}

// ---- audit ----

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, cache.ProductListKey, cache.DebtorListKey); err != nil {
		log.Printf("[cache] WARN: catalog invalidation failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorID:    actor.UserID,
		ActorName:  actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
