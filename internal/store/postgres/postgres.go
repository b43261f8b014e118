package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"botica/backend/internal/domain"
	"botica/backend/internal/store"
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

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id BIGSERIAL PRIMARY KEY,
		ruc TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category_id BIGINT REFERENCES categories(id),
		supplier_id BIGINT REFERENCES suppliers(id),
		purchase_cents BIGINT NOT NULL DEFAULT 0,
		sale_cents BIGINT NOT NULL DEFAULT 0,
		unit_cents BIGINT,
		stock INTEGER NOT NULL DEFAULT 0,
		min_stock INTEGER NOT NULL DEFAULT 5,
		fractional BOOLEAN NOT NULL DEFAULT false,
		units_per_box INTEGER NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products(id),
		code TEXT NOT NULL,
		expiry_date DATE NOT NULL,
		initial_qty INTEGER NOT NULL,
		qty INTEGER NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (qty >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		id BIGSERIAL PRIMARY KEY,
		doc_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'CONTADO',
		credit_limit_cents BIGINT,
		balance_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_payments (
		id BIGSERIAL PRIMARY KEY,
		client_id BIGINT NOT NULL REFERENCES clients(id),
		amount_cents BIGINT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		operator_id BIGINT NOT NULL REFERENCES users(id),
		client_id BIGINT REFERENCES clients(id),
		subtotal_cents BIGINT NOT NULL,
		discount_cents BIGINT NOT NULL DEFAULT 0,
		total_cents BIGINT NOT NULL,
		payment_method TEXT NOT NULL,
		paid_cents BIGINT NOT NULL,
		due_date DATE,
		status TEXT NOT NULL DEFAULT 'COMPLETADO',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id BIGSERIAL PRIMARY KEY,
		sale_id BIGINT NOT NULL REFERENCES sales(id),
		product_id BIGINT NOT NULL REFERENCES products(id),
		qty INTEGER NOT NULL,
		unit_mode BOOLEAN NOT NULL DEFAULT false,
		unit_price_cents BIGINT NOT NULL,
		line_total_cents BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sale_item_lots (
		sale_item_id BIGINT NOT NULL REFERENCES sale_items(id),
		lot_id BIGINT NOT NULL REFERENCES lots(id),
		qty INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cash_sessions (
		id BIGSERIAL PRIMARY KEY,
		operator_id BIGINT NOT NULL REFERENCES users(id),
		opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		opening_cents BIGINT NOT NULL,
		closed_at TIMESTAMPTZ,
		counted_cents BIGINT,
		variance_cents BIGINT,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ABIERTA'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cash_sessions_open
		ON cash_sessions (operator_id) WHERE status = 'ABIERTA'`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_id BIGINT NOT NULL DEFAULT 0,
		actor_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_lots_product_expiry ON lots (product_id, expiry_date, received_at)`,
	`CREATE INDEX IF NOT EXISTS ix_sales_operator_created ON sales (operator_id, created_at)`,
}

// EnsureSchema creates the tables and the partial unique index that keeps at
// most one open cash session per operator.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

// ---- catalog ----

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.description,
			(SELECT COUNT(*) FROM products p WHERE p.category_id = c.id) AS product_count
		FROM categories c
		ORDER BY c.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ProductCount); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) CreateCategory(ctx context.Context, req domain.CategoryRequest) (*domain.Category, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (name, description) VALUES ($1,$2)
		RETURNING id, name, description
	`, req.Name, req.Description).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id int64, req domain.CategoryRequest) (*domain.Category, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `
		UPDATE categories SET name = $2, description = $3 WHERE id = $1
		RETURNING id, name, description
	`, id, req.Name, req.Description).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInvalidState
		}
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

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ruc, name, phone, email, address FROM suppliers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var sp domain.Supplier
		if err := rows.Scan(&sp.ID, &sp.RUC, &sp.Name, &sp.Phone, &sp.Email, &sp.Address); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sp)
	}
	return suppliers, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, req domain.SupplierRequest) (*domain.Supplier, error) {
	if req.Name == "" || req.RUC == "" {
		return nil, store.ErrInvalidInput
	}
	var sp domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO suppliers (ruc, name, phone, email, address)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, ruc, name, phone, email, address
	`, req.RUC, req.Name, req.Phone, req.Email, req.Address).
		Scan(&sp.ID, &sp.RUC, &sp.Name, &sp.Phone, &sp.Email, &sp.Address)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return &sp, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, id int64, req domain.SupplierRequest) (*domain.Supplier, error) {
	if req.Name == "" || req.RUC == "" {
		return nil, store.ErrInvalidInput
	}
	var sp domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		UPDATE suppliers SET ruc = $2, name = $3, phone = $4, email = $5, address = $6
		WHERE id = $1
		RETURNING id, ruc, name, phone, email, address
	`, id, req.RUC, req.Name, req.Phone, req.Email, req.Address).
		Scan(&sp.ID, &sp.RUC, &sp.Name, &sp.Phone, &sp.Email, &sp.Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sp, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suppliers WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInvalidState
		}
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

const productColumns = `id, code, name, description, category_id, supplier_id,
	purchase_cents, sale_cents, unit_cents, stock, min_stock, fractional,
	units_per_box, active, created_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var categoryID, supplierID, unitCents sql.NullInt64
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &categoryID, &supplierID,
		&p.PurchasePrice, &p.SalePrice, &unitCents, &p.Stock, &p.MinStock,
		&p.Fractional, &p.UnitsPerBox, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if categoryID.Valid {
		p.CategoryID = &categoryID.Int64
	}
	if supplierID.Valid {
		p.SupplierID = &supplierID.Int64
	}
	if unitCents.Valid {
		unit := domain.Money(unitCents.Int64)
		p.UnitPrice = &unit
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	ids := make([]int64, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lotsByProduct, err := s.lotsForProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].Lots = lotsByProduct[products[i].ID]
		if err := s.attachCatalogRefs(ctx, &products[i]); err != nil {
			return nil, err
		}
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lots, err := s.lotsForProducts(ctx, []int64{p.ID})
	if err != nil {
		return nil, err
	}
	p.Lots = lots[p.ID]
	if err := s.attachCatalogRefs(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) attachCatalogRefs(ctx context.Context, p *domain.Product) error {
	if p.CategoryID != nil {
		var c domain.Category
		err := s.db.QueryRowContext(ctx, `
			SELECT id, name, description FROM categories WHERE id = $1
		`, *p.CategoryID).Scan(&c.ID, &c.Name, &c.Description)
		if err == nil {
			p.Category = &c
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	if p.SupplierID != nil {
		var sp domain.Supplier
		err := s.db.QueryRowContext(ctx, `
			SELECT id, ruc, name, phone, email, address FROM suppliers WHERE id = $1
		`, *p.SupplierID).Scan(&sp.ID, &sp.RUC, &sp.Name, &sp.Phone, &sp.Email, &sp.Address)
		if err == nil {
			p.Supplier = &sp
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return nil
}

func (s *Store) lotsForProducts(ctx context.Context, productIDs []int64) (map[int64][]domain.Lot, error) {
	result := make(map[int64][]domain.Lot, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, code, expiry_date, initial_qty, qty, received_at
		FROM lots
		WHERE product_id = ANY($1)
		ORDER BY expiry_date ASC, received_at ASC
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var lot domain.Lot
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.Code, &lot.ExpiryDate, &lot.InitialQty, &lot.Qty, &lot.ReceivedAt); err != nil {
			return nil, err
		}
		lot.ExpiryDate = lot.ExpiryDate.UTC()
		lot.ReceivedAt = lot.ReceivedAt.UTC()
		result[lot.ProductID] = append(result[lot.ProductID], lot)
	}
	return result, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialLot *domain.Lot) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if product.UnitsPerBox < 1 {
		product.UnitsPerBox = 1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var productID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO products (
			code, name, description, category_id, supplier_id, purchase_cents,
			sale_cents, unit_cents, stock, min_stock, fractional, units_per_box, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$11,true,now())
		RETURNING id
	`, product.Code, product.Name, product.Description, nullInt64(product.CategoryID),
		nullInt64(product.SupplierID), product.PurchasePrice, product.SalePrice,
		nullMoney(product.UnitPrice), product.MinStock, product.Fractional, product.UnitsPerBox).
		Scan(&productID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	if initialLot != nil && initialLot.Qty > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lots (product_id, code, expiry_date, initial_qty, qty, received_at)
			VALUES ($1,$2,$3,$4,$4,now())
		`, productID, initialLot.Code, initialLot.ExpiryDate, initialLot.Qty)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1 WHERE id = $2
		`, initialLot.Qty, productID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProductByID(ctx, productID)
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
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

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, category_id = $4, supplier_id = $5,
			purchase_cents = $6, sale_cents = $7, unit_cents = $8, min_stock = $9,
			fractional = $10, units_per_box = $11
		WHERE id = $1
	`, id, p.Name, p.Description, nullInt64(p.CategoryID), nullInt64(p.SupplierID),
		p.PurchasePrice, p.SalePrice, nullMoney(p.UnitPrice), p.MinStock, p.Fractional, p.UnitsPerBox)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProductByID(ctx, id)
}

func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET active = false WHERE id = $1`, id)
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

func (s *Store) AddLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if lot.ProductID == 0 || lot.Qty < 1 || lot.ExpiryDate.IsZero() {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	created := lot
	err = tx.QueryRowContext(ctx, `
		INSERT INTO lots (product_id, code, expiry_date, initial_qty, qty, received_at)
		VALUES ($1,$2,$3,$4,$4,now())
		RETURNING id, received_at
	`, lot.ProductID, lot.Code, lot.ExpiryDate, lot.Qty).Scan(&created.ID, &created.ReceivedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created.InitialQty = lot.Qty
	created.ReceivedAt = created.ReceivedAt.UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $1 WHERE id = $2
	`, lot.Qty, lot.ProductID)
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

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) ListExpiringLots(ctx context.Context, before time.Time) ([]domain.ExpiringLot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.product_id, l.code, l.expiry_date, l.initial_qty, l.qty, l.received_at,
			p.name, p.code
		FROM lots l
		JOIN products p ON p.id = l.product_id
		WHERE l.qty > 0 AND l.expiry_date <= $1 AND p.active = true
		ORDER BY l.expiry_date ASC
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.ExpiringLot, 0, 32)
	for rows.Next() {
		var el domain.ExpiringLot
		if err := rows.Scan(&el.ID, &el.ProductID, &el.Code, &el.ExpiryDate, &el.InitialQty,
			&el.Qty, &el.ReceivedAt, &el.ProductName, &el.ProductCode); err != nil {
			return nil, err
		}
		el.ExpiryDate = el.ExpiryDate.UTC()
		el.ReceivedAt = el.ReceivedAt.UTC()
		lots = append(lots, el)
	}
	return lots, rows.Err()
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock <= min_stock
		ORDER BY stock ASC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// ---- sales ----

// CreateSale persists the sale, its line items, and every stock effect in
// one serializable transaction. Lots are depleted nearest expiry first and
// each (lot, qty) pair is recorded so cancellation can replay the inverse.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Code == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range sale.Items {
		item := &sale.Items[i]

		var fractional bool
		var unitsPerBox, stock int
		var active bool
		err := tx.QueryRowContext(ctx, `
			SELECT fractional, units_per_box, stock, active
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, item.ProductID).Scan(&fractional, &unitsPerBox, &stock, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if !active {
			return nil, store.ErrNotFound
		}

		baseQty := item.Qty
		if fractional && !item.UnitMode {
			if unitsPerBox < 1 {
				unitsPerBox = 1
			}
			baseQty = item.Qty * unitsPerBox
		}
		if stock < baseQty {
			return nil, store.ErrInsufficientStock
		}

		lotRows, err := tx.QueryContext(ctx, `
			SELECT id, qty
			FROM lots
			WHERE product_id = $1 AND qty > 0
			ORDER BY expiry_date ASC, received_at ASC
			FOR UPDATE
		`, item.ProductID)
		if err != nil {
			return nil, err
		}
		type lotState struct {
			id  int64
			qty int
		}
		lots := make([]lotState, 0, 8)
		available := 0
		for lotRows.Next() {
			var lot lotState
			if err := lotRows.Scan(&lot.id, &lot.qty); err != nil {
				_ = lotRows.Close()
				return nil, err
			}
			available += lot.qty
			lots = append(lots, lot)
		}
		if err := lotRows.Err(); err != nil {
			_ = lotRows.Close()
			return nil, err
		}
		_ = lotRows.Close()

		if available < baseQty {
			return nil, store.ErrInsufficientStock
		}

		remaining := baseQty
		item.Allocations = item.Allocations[:0]
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			take := remaining
			if take > lot.qty {
				take = lot.qty
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE lots SET qty = qty - $1 WHERE id = $2
			`, take, lot.id)
			if err != nil {
				return nil, err
			}
			item.Allocations = append(item.Allocations, domain.LotAllocation{LotID: lot.id, Qty: take})
			remaining -= take
		}
		if remaining > 0 {
			return nil, store.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1 WHERE id = $2
		`, baseQty, item.ProductID)
		if err != nil {
			return nil, err
		}
	}

	if sale.PaymentMethod == domain.PaymentCredit && sale.ClientID != nil {
		shortfall := int64(sale.Total - sale.Paid)
		var creditLimit sql.NullInt64
		var balance int64
		err := tx.QueryRowContext(ctx, `
			SELECT credit_limit_cents, balance_cents
			FROM clients
			WHERE id = $1
			FOR UPDATE
		`, *sale.ClientID).Scan(&creditLimit, &balance)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if creditLimit.Valid && balance+shortfall > creditLimit.Int64 {
			return nil, store.ErrCreditLimit
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET balance_cents = balance_cents + $1 WHERE id = $2
		`, shortfall, *sale.ClientID)
		if err != nil {
			return nil, err
		}
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	var saleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (
			code, operator_id, client_id, subtotal_cents, discount_cents, total_cents,
			payment_method, paid_cents, due_date, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, sale.Code, sale.OperatorID, nullInt64(sale.ClientID), sale.Subtotal, sale.Discount,
		sale.Total, sale.PaymentMethod, sale.Paid, nullDate(sale.DueDate), sale.Status, sale.CreatedAt).
		Scan(&saleID)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetSaleByCode(ctx, sale.Code)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		var itemID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, qty, unit_mode, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, saleID, item.ProductID, item.Qty, item.UnitMode, item.UnitPrice, item.LineTotal).Scan(&itemID)
		if err != nil {
			return nil, err
		}
		for _, alloc := range item.Allocations {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sale_item_lots (sale_item_id, lot_id, qty)
				VALUES ($1,$2,$3)
			`, itemID, alloc.LotID, alloc.Qty)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, saleID)
}

// CancelSale credits every recorded lot allocation back, restores the
// aggregate stock, reverses the credit shortfall, and marks the sale ANULADO.
// A sale that is already cancelled is rejected.
func (s *Store) CancelSale(ctx context.Context, id int64, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, paymentMethod string
	var clientID sql.NullInt64
	var total, paid int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, payment_method, client_id, total_cents, paid_cents
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &paymentMethod, &clientID, &total, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidState
	}

	type itemState struct {
		itemID    int64
		productID int64
	}
	itemRows, err := tx.QueryContext(ctx, `
		SELECT id, product_id FROM sale_items WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	items := make([]itemState, 0, 8)
	for itemRows.Next() {
		var it itemState
		if err := itemRows.Scan(&it.itemID, &it.productID); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, it := range items {
		allocRows, err := tx.QueryContext(ctx, `
			SELECT lot_id, qty FROM sale_item_lots WHERE sale_item_id = $1
		`, it.itemID)
		if err != nil {
			return nil, err
		}
		allocs := make([]domain.LotAllocation, 0, 4)
		for allocRows.Next() {
			var a domain.LotAllocation
			if err := allocRows.Scan(&a.LotID, &a.Qty); err != nil {
				_ = allocRows.Close()
				return nil, err
			}
			allocs = append(allocs, a)
		}
		if err := allocRows.Err(); err != nil {
			_ = allocRows.Close()
			return nil, err
		}
		_ = allocRows.Close()

		restored := 0
		for _, alloc := range allocs {
			res, err := tx.ExecContext(ctx, `
				UPDATE lots SET qty = qty + $1 WHERE id = $2
			`, alloc.Qty, alloc.LotID)
			if err != nil {
				return nil, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected == 0 {
				// Originating lot no longer exists; fall back to the
				// earliest-expiring lot of the product.
				if err := s.creditEarliestLot(ctx, tx, it.productID, alloc.Qty); err != nil {
					return nil, err
				}
			}
			restored += alloc.Qty
		}

		if restored > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE products SET stock = stock + $1 WHERE id = $2
			`, restored, it.productID)
			if err != nil {
				return nil, err
			}
		}
	}

	if paymentMethod == domain.PaymentCredit && clientID.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET balance_cents = balance_cents - $1 WHERE id = $2
		`, total-paid, clientID.Int64)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET status = $2 WHERE id = $1 AND status = $3
	`, id, domain.SaleStatusCancelled, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, id)
}

func (s *Store) creditEarliestLot(ctx context.Context, tx *sql.Tx, productID int64, qty int) error {
	var lotID int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM lots
		WHERE product_id = $1
		ORDER BY expiry_date ASC, received_at ASC
		LIMIT 1
		FOR UPDATE
	`, productID).Scan(&lotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No lot rows left at all; the aggregate credit still applies.
			return nil
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE lots SET qty = qty + $1 WHERE id = $2`, qty, lotID)
	return err
}

const saleColumns = `id, code, operator_id, client_id, subtotal_cents, discount_cents,
	total_cents, payment_method, paid_cents, due_date, status, created_at`

func scanSale(row interface{ Scan(...any) error }) (*domain.Sale, error) {
	var sale domain.Sale
	var clientID sql.NullInt64
	var dueDate sql.NullTime
	err := row.Scan(&sale.ID, &sale.Code, &sale.OperatorID, &clientID, &sale.Subtotal,
		&sale.Discount, &sale.Total, &sale.PaymentMethod, &sale.Paid, &dueDate,
		&sale.Status, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if clientID.Valid {
		sale.ClientID = &clientID.Int64
	}
	if dueDate.Valid {
		due := dueDate.Time.UTC()
		sale.DueDate = &due
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.hydrateSales(ctx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetSaleByCode(ctx context.Context, code string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE code = $1
	`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.hydrateSales(ctx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sales %s ORDER BY created_at DESC LIMIT $%d
	`, saleColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]*domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.hydrateSales(ctx, sales); err != nil {
		return nil, err
	}

	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, *sale)
	}
	return result, nil
}

// hydrateSales attaches line items, lot allocations, product snapshots,
// client snapshots, and operator identity.
func (s *Store) hydrateSales(ctx context.Context, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	saleIDs := make([]int64, 0, len(sales))
	byID := make(map[int64]*domain.Sale, len(sales))
	for _, sale := range sales {
		saleIDs = append(saleIDs, sale.ID)
		byID[sale.ID] = sale
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, qty, unit_mode, unit_price_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id
	`, saleIDs)
	if err != nil {
		return err
	}
	itemIDs := make([]int64, 0, 16)
	productIDs := make(map[int64]bool, 16)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Qty,
			&item.UnitMode, &item.UnitPrice, &item.LineTotal); err != nil {
			_ = itemRows.Close()
			return err
		}
		sale := byID[item.SaleID]
		sale.Items = append(sale.Items, item)
		itemIDs = append(itemIDs, item.ID)
		productIDs[item.ProductID] = true
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	// Index items only after every append: growing an Items slice reallocates
	// its backing array, which would invalidate pointers taken earlier.
	itemIndex := make(map[int64]*domain.SaleItem, len(itemIDs))
	for _, sale := range sales {
		for i := range sale.Items {
			itemIndex[sale.Items[i].ID] = &sale.Items[i]
		}
	}

	if len(itemIDs) > 0 {
		allocRows, err := s.db.QueryContext(ctx, `
			SELECT sale_item_id, lot_id, qty
			FROM sale_item_lots
			WHERE sale_item_id = ANY($1)
		`, itemIDs)
		if err != nil {
			return err
		}
		for allocRows.Next() {
			var itemID int64
			var alloc domain.LotAllocation
			if err := allocRows.Scan(&itemID, &alloc.LotID, &alloc.Qty); err != nil {
				_ = allocRows.Close()
				return err
			}
			if item, ok := itemIndex[itemID]; ok {
				item.Allocations = append(item.Allocations, alloc)
			}
		}
		if err := allocRows.Err(); err != nil {
			_ = allocRows.Close()
			return err
		}
		_ = allocRows.Close()
	}

	if len(productIDs) > 0 {
		ids := make([]int64, 0, len(productIDs))
		for id := range productIDs {
			ids = append(ids, id)
		}
		productRows, err := s.db.QueryContext(ctx, `
			SELECT `+productColumns+` FROM products WHERE id = ANY($1)
		`, ids)
		if err != nil {
			return err
		}
		products := make(map[int64]*domain.Product, len(ids))
		for productRows.Next() {
			p, err := scanProduct(productRows)
			if err != nil {
				_ = productRows.Close()
				return err
			}
			products[p.ID] = p
		}
		if err := productRows.Err(); err != nil {
			_ = productRows.Close()
			return err
		}
		_ = productRows.Close()
		for _, item := range itemIndex {
			item.Product = products[item.ProductID]
		}
	}

	for _, sale := range sales {
		if sale.ClientID != nil {
			client, err := s.GetClientByID(ctx, *sale.ClientID)
			if err == nil {
				client.Payments = nil
				client.Sales = nil
				sale.Client = client
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		var op domain.UserSummary
		err := s.db.QueryRowContext(ctx, `
			SELECT name, username FROM users WHERE id = $1
		`, sale.OperatorID).Scan(&op.Name, &op.Username)
		if err == nil {
			sale.Operator = &op
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return nil
}

// ---- clients & credit ----

const clientColumns = `id, doc_id, name, phone, address, kind, credit_limit_cents, balance_cents, created_at`

func scanClient(row interface{ Scan(...any) error }) (*domain.Client, error) {
	var c domain.Client
	var creditLimit sql.NullInt64
	err := row.Scan(&c.ID, &c.DocID, &c.Name, &c.Phone, &c.Address, &c.Kind,
		&creditLimit, &c.Balance, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if creditLimit.Valid {
		limit := domain.Money(creditLimit.Int64)
		c.CreditLimit = &limit
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+` FROM clients ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0, 64)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func (s *Store) GetClientByID(ctx context.Context, id int64) (*domain.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clients WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	payments, err := s.paymentsForClient(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	c.Payments = payments
	return c, nil
}

func (s *Store) CreateClient(ctx context.Context, req domain.ClientRequest) (*domain.Client, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.ClientKindCash
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO clients (doc_id, name, phone, address, kind, credit_limit_cents, balance_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,now())
		RETURNING id
	`, req.DocID, req.Name, req.Phone, req.Address, kind, nullMoney(req.CreditLimit)).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetClientByID(ctx, id)
}

func (s *Store) UpdateClient(ctx context.Context, id int64, req domain.ClientRequest) (*domain.Client, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.ClientKindCash
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET doc_id = $2, name = $3, phone = $4, address = $5, kind = $6, credit_limit_cents = $7
		WHERE id = $1
	`, id, req.DocID, req.Name, req.Phone, req.Address, kind, nullMoney(req.CreditLimit))
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
	return s.GetClientByID(ctx, id)
}

// RecordCreditPayment decrements the balance and appends the ledger row in
// one transaction. The guarded UPDATE makes overpayment a no-op that is then
// rejected, closing the read-check-write race.
func (s *Store) RecordCreditPayment(ctx context.Context, payment domain.CreditPayment) (*domain.CreditPayment, error) {
	if payment.ClientID == 0 || payment.Amount < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE clients
		SET balance_cents = balance_cents - $1
		WHERE id = $2 AND balance_cents >= $1
	`, payment.Amount, payment.ClientID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)
		`, payment.ClientID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInvalidInput
	}

	created := payment
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_payments (client_id, amount_cents, note, created_at)
		VALUES ($1,$2,$3,now())
		RETURNING id, created_at
	`, payment.ClientID, payment.Amount, payment.Note).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, err
	}
	created.CreatedAt = created.CreatedAt.UTC()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) paymentsForClient(ctx context.Context, clientID int64, limit int) ([]domain.CreditPayment, error) {
	query := `
		SELECT id, client_id, amount_cents, note, created_at
		FROM credit_payments
		WHERE client_id = $1
		ORDER BY created_at DESC
	`
	args := []any{clientID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.CreditPayment, 0, 8)
	for rows.Next() {
		var p domain.CreditPayment
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Amount, &p.Note, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) ListDebtors(ctx context.Context) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE balance_cents > 0
		ORDER BY balance_cents DESC
	`)
	if err != nil {
		return nil, err
	}
	debtors := make([]domain.Client, 0, 32)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		debtors = append(debtors, *c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range debtors {
		payments, err := s.paymentsForClient(ctx, debtors[i].ID, 5)
		if err != nil {
			return nil, err
		}
		debtors[i].Payments = payments

		clientID := debtors[i].ID
		sales, err := s.creditSalesForClient(ctx, clientID)
		if err != nil {
			return nil, err
		}
		debtors[i].Sales = sales
	}
	return debtors, nil
}

func (s *Store) creditSalesForClient(ctx context.Context, clientID int64) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE client_id = $1 AND payment_method = $2 AND status = $3
		ORDER BY created_at DESC
	`, clientID, domain.PaymentCredit, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}
	sales := make([]*domain.Sale, 0, 8)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.hydrateSales(ctx, sales); err != nil {
		return nil, err
	}
	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		sale.Client = nil
		result = append(result, *sale)
	}
	return result, nil
}

// ---- cash sessions ----

const sessionColumns = `id, operator_id, opened_at, opening_cents, closed_at, counted_cents, variance_cents, notes, status`

func scanSession(row interface{ Scan(...any) error }) (*domain.CashSession, error) {
	var cs domain.CashSession
	var closedAt sql.NullTime
	var counted, variance sql.NullInt64
	err := row.Scan(&cs.ID, &cs.OperatorID, &cs.OpenedAt, &cs.Opening, &closedAt,
		&counted, &variance, &cs.Notes, &cs.Status)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		cs.ClosedAt = &t
	}
	if counted.Valid {
		m := domain.Money(counted.Int64)
		cs.Counted = &m
	}
	if variance.Valid {
		m := domain.Money(variance.Int64)
		cs.Variance = &m
	}
	cs.OpenedAt = cs.OpenedAt.UTC()
	return &cs, nil
}

// OpenCashSession relies on the partial unique index over open sessions, so
// two concurrent opens by the same operator cannot both succeed.
func (s *Store) OpenCashSession(ctx context.Context, operatorID int64, opening domain.Money, at time.Time) (*domain.CashSession, error) {
	if opening < 0 {
		return nil, store.ErrInvalidInput
	}
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		INSERT INTO cash_sessions (operator_id, opened_at, opening_cents, status)
		VALUES ($1,$2,$3,$4)
		RETURNING `+sessionColumns+`
	`, operatorID, at, opening, domain.SessionStatusOpen))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, operatorID int64) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE operator_id = $1 AND status = $2
	`, operatorID, domain.SessionStatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseCashSession(ctx context.Context, id int64, operatorID int64, counted domain.Money, notes string, at time.Time) (*domain.CashCloseResponse, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if session.OperatorID != operatorID {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, store.ErrInvalidState
	}

	var totalSales int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cents), 0)
		FROM sales
		WHERE operator_id = $1 AND created_at >= $2 AND status = $3
	`, operatorID, session.OpenedAt, domain.SaleStatusCompleted).Scan(&totalSales)
	if err != nil {
		return nil, err
	}

	expected := session.Opening + domain.Money(totalSales)
	variance := counted - expected

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET closed_at = $2, counted_cents = $3, variance_cents = $4, notes = $5, status = $6
		WHERE id = $1
	`, id, at, counted, variance, notes, domain.SessionStatusClosed)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	closedAt := at.UTC()
	session.ClosedAt = &closedAt
	session.Counted = &counted
	session.Variance = &variance
	session.Notes = notes
	session.Status = domain.SessionStatusClosed

	return &domain.CashCloseResponse{
		Session: *session,
		Summary: domain.CashSummary{
			Opening:  session.Opening,
			Sales:    domain.Money(totalSales),
			Expected: expected,
			Counted:  counted,
			Variance: variance,
		},
	}, nil
}

func (s *Store) SalesTotalsSince(ctx context.Context, operatorID int64, since time.Time) (*domain.CashTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM sales
		WHERE operator_id = $1 AND created_at >= $2 AND status = $3
		GROUP BY payment_method
	`, operatorID, since, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := domain.CashTotals{ByMethod: make(map[string]domain.Money)}
	for rows.Next() {
		var method string
		var count int
		var sum int64
		if err := rows.Scan(&method, &count, &sum); err != nil {
			return nil, err
		}
		totals.ByMethod[method] = domain.Money(sum)
		totals.Sales += domain.Money(sum)
		totals.Count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &totals, nil
}

func (s *Store) ListCashSessions(ctx context.Context, limit int) ([]domain.CashSession, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		ORDER BY opened_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	sessions := make([]domain.CashSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range sessions {
		var op domain.UserSummary
		err := s.db.QueryRowContext(ctx, `
			SELECT name, username FROM users WHERE id = $1
		`, sessions[i].OperatorID).Scan(&op.Name, &op.Username)
		if err == nil {
			sessions[i].Operator = &op
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return sessions, nil
}

// ---- users & audit ----

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.ID, &u.Name, &u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.Password == "" {
		return nil, store.ErrInvalidInput
	}
	created := user
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,true,now())
		RETURNING id, created_at
	`, user.Name, user.Username, user.Password, user.Role).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created.Active = true
	created.CreatedAt = created.CreatedAt.UTC()
	return &created, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
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

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_name, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorName, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_name, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorName, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullMoney(v *domain.Money) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullDate(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
