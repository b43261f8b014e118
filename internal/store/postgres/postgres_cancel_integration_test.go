package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"botica/backend/internal/domain"
)

func TestCancelSaleRestoresLots(t *testing.T) {
	databaseURL := os.Getenv("BOTICA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BOTICA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	stamp := time.Now().UnixNano()
	code := fmt.Sprintf("IT-CANCEL-%d", stamp)
	codeB := fmt.Sprintf("IT-CANCEL-B-%d", stamp)
	saleCode := fmt.Sprintf("VTA-IT-%d", stamp)

	operator, err := s.CreateUser(ctx, domain.User{
		Name:     "Integration Operator",
		Username: fmt.Sprintf("it-op-%d", stamp),
		Password: "not-a-real-password",
		Role:     domain.RoleCashier,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}

	product, err := s.CreateProduct(ctx, domain.Product{
		Code:        code,
		Name:        "Producto Integración",
		SalePrice:   2500,
		MinStock:    1,
		UnitsPerBox: 1,
		Active:      true,
	}, &domain.Lot{Code: "L1", ExpiryDate: time.Now().AddDate(0, 4, 0), Qty: 5})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.AddLot(ctx, domain.Lot{
		ProductID: product.ID, Code: "L2",
		ExpiryDate: time.Now().AddDate(0, 10, 0), Qty: 10,
	}); err != nil {
		t.Fatalf("add lot: %v", err)
	}
	productB, err := s.CreateProduct(ctx, domain.Product{
		Code:        codeB,
		Name:        "Producto Integración B",
		SalePrice:   1000,
		MinStock:    1,
		UnitsPerBox: 1,
		Active:      true,
	}, &domain.Lot{Code: "LB1", ExpiryDate: time.Now().AddDate(0, 6, 0), Qty: 4})
	if err != nil {
		t.Fatalf("create product b: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_item_lots WHERE sale_item_id IN (SELECT si.id FROM sale_items si JOIN sales sa ON sa.id = si.sale_id WHERE sa.code = $1)`, saleCode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE code = $1)`, saleCode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE code = $1`, saleCode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lots WHERE product_id IN ($1, $2)`, product.ID, productB.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id IN ($1, $2)`, product.ID, productB.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, operator.ID)
	})

	sale, err := s.CreateSale(ctx, domain.Sale{
		Code:          saleCode,
		OperatorID:    operator.ID,
		Subtotal:      23000,
		Total:         23000,
		PaymentMethod: domain.PaymentCash,
		Paid:          23000,
		Status:        domain.SaleStatusCompleted,
		CreatedAt:     time.Now().UTC(),
		Items: []domain.SaleItem{
			{ProductID: product.ID, Qty: 8, UnitMode: true, UnitPrice: 2500, LineTotal: 20000},
			{ProductID: productB.ID, Qty: 3, UnitMode: true, UnitPrice: 1000, LineTotal: 3000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var stockAfterSale int
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, product.ID).Scan(&stockAfterSale); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if stockAfterSale != 7 {
		t.Fatalf("expected stock 7 after selling 8 of 15, got %d", stockAfterSale)
	}

	fetched, err := s.GetSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(fetched.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(fetched.Items))
	}
	for i, item := range fetched.Items {
		if item.Product == nil {
			t.Fatalf("item %d missing product snapshot", i)
		}
		if len(item.Allocations) == 0 {
			t.Fatalf("item %d missing lot allocations", i)
		}
	}
	if fetched.Items[0].Product.ID != product.ID || fetched.Items[1].Product.ID != productB.ID {
		t.Fatalf("product snapshots attached to wrong items")
	}
	if len(fetched.Items[0].Allocations) != 2 {
		t.Fatalf("expected first item split across 2 lots, got %d", len(fetched.Items[0].Allocations))
	}

	if _, err := s.CancelSale(ctx, sale.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT code, qty FROM lots WHERE product_id = $1`, product.ID)
	if err != nil {
		t.Fatalf("query lots: %v", err)
	}
	defer rows.Close()
	lotQty := make(map[string]int)
	for rows.Next() {
		var lotCode string
		var qty int
		if err := rows.Scan(&lotCode, &qty); err != nil {
			t.Fatalf("scan lot: %v", err)
		}
		lotQty[lotCode] = qty
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate lots: %v", err)
	}
	if lotQty["L1"] != 5 || lotQty["L2"] != 10 {
		t.Fatalf("expected lots restored to 5/10, got %v", lotQty)
	}

	var qtyB int
	if err := s.db.QueryRowContext(ctx, `SELECT qty FROM lots WHERE product_id = $1 AND code = 'LB1'`, productB.ID).Scan(&qtyB); err != nil {
		t.Fatalf("query lot LB1: %v", err)
	}
	if qtyB != 4 {
		t.Fatalf("expected LB1 restored to 4, got %d", qtyB)
	}

	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1`, sale.ID).Scan(&status); err != nil {
		t.Fatalf("query sale status: %v", err)
	}
	if status != domain.SaleStatusCancelled {
		t.Fatalf("expected ANULADO, got %s", status)
	}
}
