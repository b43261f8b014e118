package store

import (
	"context"
	"errors"
	"time"

	"botica/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrCreditLimit        = errors.New("credit limit exceeded")
)

// Repository is the persistence boundary. CreateSale and CancelSale are the
// two stock-mutating operations; implementations must make each of them
// all-or-nothing, including lot depletion, the product aggregate, and the
// client balance.
type Repository interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, req domain.CategoryRequest) (*domain.Category, error)
	UpdateCategory(ctx context.Context, id int64, req domain.CategoryRequest) (*domain.Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	CreateSupplier(ctx context.Context, req domain.SupplierRequest) (*domain.Supplier, error)
	UpdateSupplier(ctx context.Context, id int64, req domain.SupplierRequest) (*domain.Supplier, error)
	DeleteSupplier(ctx context.Context, id int64) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product, initialLot *domain.Lot) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error)
	DeactivateProduct(ctx context.Context, id int64) error
	AddLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	ListExpiringLots(ctx context.Context, before time.Time) ([]domain.ExpiringLot, error)
	ListLowStockProducts(ctx context.Context) ([]domain.Product, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	CancelSale(ctx context.Context, id int64, at time.Time) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id int64) (*domain.Sale, error)
	GetSaleByCode(ctx context.Context, code string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	ListClients(ctx context.Context) ([]domain.Client, error)
	GetClientByID(ctx context.Context, id int64) (*domain.Client, error)
	CreateClient(ctx context.Context, req domain.ClientRequest) (*domain.Client, error)
	UpdateClient(ctx context.Context, id int64, req domain.ClientRequest) (*domain.Client, error)
	RecordCreditPayment(ctx context.Context, payment domain.CreditPayment) (*domain.CreditPayment, error)
	ListDebtors(ctx context.Context) ([]domain.Client, error)

	OpenCashSession(ctx context.Context, operatorID int64, opening domain.Money, at time.Time) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, operatorID int64) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, id int64, operatorID int64, counted domain.Money, notes string, at time.Time) (*domain.CashCloseResponse, error)
	SalesTotalsSince(ctx context.Context, operatorID int64, since time.Time) (*domain.CashTotals, error)
	ListCashSessions(ctx context.Context, limit int) ([]domain.CashSession, error)

	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
