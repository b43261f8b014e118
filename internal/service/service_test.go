package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"botica/backend/internal/cache"
	"botica/backend/internal/domain"
	"botica/backend/internal/store"
	"botica/backend/internal/store/memory"
)

func newTestService() (*Service, context.Context) {
	repo := memory.New()
	svc := New(repo, cache.NoopCatalogCache{}, 30)
	ctx := WithActor(context.Background(), domain.Actor{
		UserID:   1,
		Username: "admin",
		Role:     domain.RoleAdmin,
	})
	return svc, ctx
}

// seedTwoLotProduct creates a product with lot L1 (qty 5, expires first) and
// lot L2 (qty 10, expires later), for a total stock of 15.
func seedTwoLotProduct(t *testing.T, svc *Service, ctx context.Context) domain.Product {
	t.Helper()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Code:          "7750001112223",
		Name:          "Amoxicilina 500mg",
		PurchasePrice: 1500,
		SalePrice:     2500,
		MinStock:      3,
		UnitsPerBox:   1,
		Lot:           &domain.LotIntakeRequest{Code: "L1", ExpiryDate: daysAhead(120), Qty: 5},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	if _, err := svc.AddLot(ctx, product.ID, domain.LotIntakeRequest{
		Code: "L2", ExpiryDate: daysAhead(300), Qty: 10,
	}); err != nil {
		t.Fatalf("add lot: %v", err)
	}

	fetched, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if fetched.Stock != 15 {
		t.Fatalf("expected seeded stock 15, got %d", fetched.Stock)
	}
	return fetched
}

func lotByCode(t *testing.T, product domain.Product, code string) domain.Lot {
	t.Helper()
	for _, lot := range product.Lots {
		if lot.Code == code {
			return lot
		}
	}
	t.Fatalf("lot %s not found on product %s", code, product.Code)
	return domain.Lot{}
}

func TestSaleDepletesLotsByExpiry(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 8, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if sale.Total != domain.Money(20000) {
		t.Fatalf("expected total 200.00, got %s", sale.Total)
	}
	if sale.Paid != sale.Total {
		t.Fatalf("expected paid to default to total, got %s", sale.Paid)
	}

	after, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Stock != 7 {
		t.Fatalf("expected aggregate stock 7 after selling 8, got %d", after.Stock)
	}
	if got := lotByCode(t, after, "L1").Qty; got != 0 {
		t.Fatalf("expected earliest lot emptied first, got qty %d", got)
	}
	if got := lotByCode(t, after, "L2").Qty; got != 7 {
		t.Fatalf("expected 7 left in later lot, got %d", got)
	}

	if len(sale.Items) != 1 || len(sale.Items[0].Allocations) != 2 {
		t.Fatalf("expected two lot allocations, got %+v", sale.Items)
	}
	l1 := lotByCode(t, product, "L1")
	l2 := lotByCode(t, product, "L2")
	allocs := sale.Items[0].Allocations
	if allocs[0].LotID != l1.ID || allocs[0].Qty != 5 {
		t.Fatalf("expected 5 units from earliest lot, got %+v", allocs[0])
	}
	if allocs[1].LotID != l2.ID || allocs[1].Qty != 3 {
		t.Fatalf("expected 3 units from later lot, got %+v", allocs[1])
	}
}

func TestCancelRestoresExactLots(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 8, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	cancelled, err := svc.CancelSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected ANULADO, got %s", cancelled.Status)
	}

	after, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Stock != 15 {
		t.Fatalf("expected full stock restored, got %d", after.Stock)
	}
	if got := lotByCode(t, after, "L1").Qty; got != 5 {
		t.Fatalf("expected L1 restored to 5, got %d", got)
	}
	if got := lotByCode(t, after, "L2").Qty; got != 10 {
		t.Fatalf("expected L2 restored to 10, got %d", got)
	}

	// Cancelling twice must not restore stock twice.
	if _, err := svc.CancelSale(ctx, sale.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat cancel, got %v", err)
	}
	again, _ := svc.GetProduct(ctx, product.ID)
	if again.Stock != 15 {
		t.Fatalf("repeat cancel changed stock to %d", again.Stock)
	}
}

func TestSaleBlocksOnInsufficientStock(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 16, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	after, _ := svc.GetProduct(ctx, product.ID)
	if after.Stock != 15 {
		t.Fatalf("failed sale must not touch stock, got %d", after.Stock)
	}
	if got := lotByCode(t, after, "L1").Qty; got != 5 {
		t.Fatalf("failed sale must not touch lots, L1 has %d", got)
	}
}

func TestSaleRejectsPartialMultiItemFailure(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	// First line is satisfiable on its own; the second exhausts what is left.
	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 10, UnitPrice: 2500, UnitMode: true},
			{ProductID: product.ID, Qty: 10, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	after, _ := svc.GetProduct(ctx, product.ID)
	if after.Stock != 15 {
		t.Fatalf("partial failure must roll back entirely, stock is %d", after.Stock)
	}
}

func TestDuplicateSaleCodeReturnsOriginal(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	first, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 2, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
		Code:          "VTA-OFFLINE-42",
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	second, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 5, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
		Code:          "VTA-OFFLINE-42",
	})
	if err != nil {
		t.Fatalf("replayed sale: %v", err)
	}
	if second.ID != first.ID || second.Total != first.Total {
		t.Fatalf("expected original sale back, got %+v vs %+v", second, first)
	}

	after, _ := svc.GetProduct(ctx, product.ID)
	if after.Stock != 13 {
		t.Fatalf("replay must not deplete stock again, got %d", after.Stock)
	}
}

func TestFractionalBoxSaleConvertsToBaseUnits(t *testing.T) {
	svc, ctx := newTestService()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Code:          "7750009998887",
		Name:          "Ibuprofeno 400mg",
		PurchasePrice: 800,
		SalePrice:     1500,
		UnitPrice:     ptrMoney(200),
		MinStock:      10,
		Fractional:    true,
		UnitsPerBox:   10,
		Lot:           &domain.LotIntakeRequest{Code: "LB1", ExpiryDate: daysAhead(200), Qty: 2},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	// Two boxes of ten went in as twenty base units.
	if product.Stock != 20 {
		t.Fatalf("expected intake of 2 boxes to stock 20 units, got %d", product.Stock)
	}

	// Selling one box depletes ten units; selling one unit depletes one.
	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 1, UnitPrice: 1500, UnitMode: false},
			{ProductID: product.ID, Qty: 1, UnitPrice: 200, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	after, _ := svc.GetProduct(ctx, product.ID)
	if after.Stock != 9 {
		t.Fatalf("expected 9 units left after one box and one unit, got %d", after.Stock)
	}
}

func TestCreditSaleTracksBalance(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	client, err := svc.CreateClient(ctx, domain.ClientRequest{
		DocID: "45678912",
		Name:  "María García",
		Kind:  domain.ClientKindCredit,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	paid := domain.Money(2000)
	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		ClientID: &client.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 2, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCredit,
		Paid:          &paid,
		DueDate:       daysAhead(45),
	})
	if err != nil {
		t.Fatalf("create credit sale: %v", err)
	}
	if sale.Total != domain.Money(5000) {
		t.Fatalf("expected total 50.00, got %s", sale.Total)
	}

	// Outstanding balance is the unpaid part: 50.00 - 20.00 = 30.00.
	debtor, err := svc.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if debtor.Balance != domain.Money(3000) {
		t.Fatalf("expected balance 30.00, got %s", debtor.Balance)
	}

	// Overpayment is rejected, balance untouched.
	if _, err := svc.RecordPayment(ctx, domain.CreditPaymentRequest{
		ClientID: client.ID, Amount: 9999999,
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected overpayment rejection, got %v", err)
	}

	if _, err := svc.RecordPayment(ctx, domain.CreditPaymentRequest{
		ClientID: client.ID, Amount: 1000, Note: "abono parcial",
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	debtor, _ = svc.GetClient(ctx, client.ID)
	if debtor.Balance != domain.Money(2000) {
		t.Fatalf("expected balance 20.00 after payment, got %s", debtor.Balance)
	}

	debtors, err := svc.ListDebtors(ctx)
	if err != nil {
		t.Fatalf("list debtors: %v", err)
	}
	if len(debtors) != 1 || debtors[0].ID != client.ID {
		t.Fatalf("expected client in debtor list, got %+v", debtors)
	}
}

func TestCancelCreditSaleReleasesBalance(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	client, err := svc.CreateClient(ctx, domain.ClientRequest{
		Name: "Cliente Crédito", Kind: domain.ClientKindCredit,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	paid := domain.Money(0)
	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		ClientID: &client.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 1, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCredit,
		Paid:          &paid,
		DueDate:       daysAhead(60),
	})
	if err != nil {
		t.Fatalf("create credit sale: %v", err)
	}

	if _, err := svc.CancelSale(ctx, sale.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after, _ := svc.GetClient(ctx, client.ID)
	if after.Balance != 0 {
		t.Fatalf("expected balance released on cancel, got %s", after.Balance)
	}
}

func TestCreditSaleEnforcesLimit(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	limit := domain.Money(4000)
	client, err := svc.CreateClient(ctx, domain.ClientRequest{
		Name: "Cliente Limitado", Kind: domain.ClientKindCredit, CreditLimit: &limit,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	paid := domain.Money(0)
	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		ClientID: &client.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 2, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCredit,
		Paid:          &paid,
		DueDate:       daysAhead(60),
	})
	if !errors.Is(err, store.ErrCreditLimit) {
		t.Fatalf("expected ErrCreditLimit for 50.00 against limit 40.00, got %v", err)
	}

	after, _ := svc.GetProduct(ctx, product.ID)
	if after.Stock != 15 {
		t.Fatalf("rejected credit sale must not deplete stock, got %d", after.Stock)
	}
}

func TestCreditSaleRequiresClientAndDueDate(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 1, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCredit,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for credit sale without client, got %v", err)
	}
}

func TestSaleValidation(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethod: domain.PaymentCash,
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected rejection of empty item list, got %v", err)
	}

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 1, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: "BITCOIN",
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected rejection of unknown payment method, got %v", err)
	}

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 1, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
		Discount:      9999,
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected rejection of discount above subtotal, got %v", err)
	}
}

func TestCashSessionLifecycle(t *testing.T) {
	svc, ctx := newTestService()
	product := seedTwoLotProduct(t, svc, ctx)

	session, err := svc.OpenCashSession(ctx, domain.CashOpenRequest{Opening: 10000})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	// Opening twice for the same operator conflicts.
	if _, err := svc.OpenCashSession(ctx, domain.CashOpenRequest{Opening: 5000}); !errors.Is(err, store.ErrSessionAlreadyOpen) {
		t.Fatalf("expected ErrSessionAlreadyOpen, got %v", err)
	}

	// Two sales inside the session: 100.00 cash and 150.00 yape.
	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 4, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentCash,
	}); err != nil {
		t.Fatalf("cash sale: %v", err)
	}
	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: product.ID, Qty: 6, UnitPrice: 2500, UnitMode: true},
		},
		PaymentMethod: domain.PaymentYape,
	}); err != nil {
		t.Fatalf("yape sale: %v", err)
	}

	status, err := svc.CurrentCashSession(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if !status.Open || status.Session == nil {
		t.Fatalf("expected open session in status, got %+v", status)
	}
	if status.Totals.Count != 2 || status.Totals.Sales != domain.Money(25000) {
		t.Fatalf("expected 2 sales totaling 250.00, got %+v", status.Totals)
	}
	if status.Totals.ByMethod[domain.PaymentYape] != domain.Money(15000) {
		t.Fatalf("expected 150.00 via YAPE, got %s", status.Totals.ByMethod[domain.PaymentYape])
	}

	// Counted 345.00 against expected 100.00 + 250.00 leaves -5.00.
	closed, err := svc.CloseCashSession(ctx, session.ID, domain.CashCloseRequest{
		Counted: 34500,
		Notes:   "faltante leve",
	})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Summary.Expected != domain.Money(35000) {
		t.Fatalf("expected montoEsperado 350.00, got %s", closed.Summary.Expected)
	}
	if closed.Summary.Variance != domain.Money(-500) {
		t.Fatalf("expected diferencia -5.00, got %s", closed.Summary.Variance)
	}
	if closed.Session.Status != domain.SessionStatusClosed {
		t.Fatalf("expected CERRADA, got %s", closed.Session.Status)
	}

	// Closing twice conflicts.
	if _, err := svc.CloseCashSession(ctx, session.ID, domain.CashCloseRequest{Counted: 34500}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat close, got %v", err)
	}

	// And after closing, no current session.
	status, err = svc.CurrentCashSession(ctx)
	if err != nil {
		t.Fatalf("current session after close: %v", err)
	}
	if status.Open {
		t.Fatalf("expected no open session after close")
	}

	history, err := svc.CashSessionHistory(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one session in history, got %d", len(history))
	}
}

func TestAlertSummaryFlagsLowStockAndExpiry(t *testing.T) {
	svc, ctx := newTestService()

	// MinStock 10 against stock 4 puts this product under its threshold, and
	// its lot expires inside the default window.
	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Code:          "7750005554443",
		Name:          "Insulina NPH",
		PurchasePrice: 5000,
		SalePrice:     8000,
		MinStock:      10,
		UnitsPerBox:   1,
		Lot:           &domain.LotIntakeRequest{Code: "LC1", ExpiryDate: daysAhead(8), Qty: 4},
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	summary, err := svc.AlertSummary(ctx, 30)
	if err != nil {
		t.Fatalf("alert summary: %v", err)
	}
	if summary.LowStockCount != 1 {
		t.Fatalf("expected one low-stock product, got %d", summary.LowStockCount)
	}
	if summary.ExpiringCount != 1 {
		t.Fatalf("expected one expiring lot, got %d", summary.ExpiringCount)
	}
	if summary.WindowDays != 30 {
		t.Fatalf("expected 30-day window, got %d", summary.WindowDays)
	}
}

func TestMutationsRequireRole(t *testing.T) {
	svc, adminCtx := newTestService()
	seedTwoLotProduct(t, svc, adminCtx)

	cashierCtx := WithActor(context.Background(), domain.Actor{
		UserID: 2, Username: "cajero", Role: domain.RoleCashier,
	})

	if _, err := svc.CreateProduct(cashierCtx, domain.ProductCreateRequest{
		Code: "X", Name: "X", SalePrice: 100,
	}); err == nil {
		t.Fatalf("expected cashier product create to fail")
	}

	if _, err := svc.CreateSale(context.Background(), domain.SaleCreateRequest{
		Items:         []domain.SaleItemRequest{{ProductID: 1, Qty: 1, UnitPrice: 100, UnitMode: true}},
		PaymentMethod: domain.PaymentCash,
	}); err == nil {
		t.Fatalf("expected anonymous sale to fail")
	}
}

func ptrMoney(m domain.Money) *domain.Money { return &m }

func daysAhead(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}
