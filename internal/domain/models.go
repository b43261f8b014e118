package domain

import "time"

type Category struct {
	ID           int64  `json:"id"`
	Name         string `json:"nombre"`
	Description  string `json:"descripcion,omitempty"`
	ProductCount int64  `json:"total_productos,omitempty"`
}

type CategoryRequest struct {
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
}

type Supplier struct {
	ID      int64  `json:"id"`
	RUC     string `json:"ruc"`
	Name    string `json:"nombre"`
	Phone   string `json:"telefono,omitempty"`
	Email   string `json:"correo,omitempty"`
	Address string `json:"direccion,omitempty"`
}

type SupplierRequest struct {
	RUC     string `json:"ruc"`
	Name    string `json:"nombre"`
	Phone   string `json:"telefono"`
	Email   string `json:"correo"`
	Address string `json:"direccion"`
}

type Product struct {
	ID            int64     `json:"id"`
	Code          string    `json:"codigo"`
	Name          string    `json:"nombre"`
	Description   string    `json:"descripcion,omitempty"`
	CategoryID    *int64    `json:"categoria_id,omitempty"`
	SupplierID    *int64    `json:"proveedor_id,omitempty"`
	PurchasePrice Money     `json:"precio_compra"`
	SalePrice     Money     `json:"precio_venta"`
	UnitPrice     *Money    `json:"precio_unidad,omitempty"`
	Stock         int       `json:"stock_actual"`
	MinStock      int       `json:"stock_minimo"`
	Fractional    bool      `json:"es_fraccionable"`
	UnitsPerBox   int       `json:"unidades_por_caja"`
	Active        bool      `json:"estado"`
	CreatedAt     time.Time `json:"fecha_registro"`
	Category      *Category `json:"categoria,omitempty"`
	Supplier      *Supplier `json:"proveedor,omitempty"`
	Lots          []Lot     `json:"lotes,omitempty"`
}

// BaseUnits converts a requested quantity to base units. Boxes of a
// fractional product expand by the units-per-box ratio; everything else is
// already in base units.
func (p Product) BaseUnits(qty int, unitMode bool) int {
	if unitMode || !p.Fractional {
		return qty
	}
	perBox := p.UnitsPerBox
	if perBox < 1 {
		perBox = 1
	}
	return qty * perBox
}

type Lot struct {
	ID         int64     `json:"id"`
	ProductID  int64     `json:"producto_id"`
	Code       string    `json:"codigo_lote"`
	ExpiryDate time.Time `json:"fecha_vencimiento"`
	InitialQty int       `json:"stock_inicial"`
	Qty        int       `json:"stock_actual"`
	ReceivedAt time.Time `json:"fecha_ingreso"`
}

type LotIntakeRequest struct {
	Code       string `json:"codigo_lote"`
	ExpiryDate string `json:"fecha_vencimiento"`
	Qty        int    `json:"cantidad"`
	UnitMode   bool   `json:"es_unidad"`
}

type ExpiringLot struct {
	Lot
	ProductName string `json:"producto"`
	ProductCode string `json:"codigo_producto"`
}

type ProductCreateRequest struct {
	Code          string            `json:"codigo"`
	Name          string            `json:"nombre"`
	Description   string            `json:"descripcion"`
	CategoryID    *int64            `json:"categoria_id"`
	SupplierID    *int64            `json:"proveedor_id"`
	PurchasePrice Money             `json:"precio_compra"`
	SalePrice     Money             `json:"precio_venta"`
	UnitPrice     *Money            `json:"precio_unidad"`
	MinStock      int               `json:"stock_minimo"`
	Fractional    bool              `json:"es_fraccionable"`
	UnitsPerBox   int               `json:"unidades_por_caja"`
	Lot           *LotIntakeRequest `json:"lote"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"nombre,omitempty"`
	Description   *string `json:"descripcion,omitempty"`
	CategoryID    *int64  `json:"categoria_id,omitempty"`
	SupplierID    *int64  `json:"proveedor_id,omitempty"`
	PurchasePrice *Money  `json:"precio_compra,omitempty"`
	SalePrice     *Money  `json:"precio_venta,omitempty"`
	UnitPrice     *Money  `json:"precio_unidad,omitempty"`
	MinStock      *int    `json:"stock_minimo,omitempty"`
	Fractional    *bool   `json:"es_fraccionable,omitempty"`
	UnitsPerBox   *int    `json:"unidades_por_caja,omitempty"`
}

type Client struct {
	ID          int64           `json:"id"`
	DocID       string          `json:"documento,omitempty"`
	Name        string          `json:"nombres"`
	Phone       string          `json:"telefono,omitempty"`
	Address     string          `json:"direccion,omitempty"`
	Kind        string          `json:"tipo_cliente"`
	CreditLimit *Money          `json:"limite_credito,omitempty"`
	Balance     Money           `json:"saldo_pendiente"`
	CreatedAt   time.Time       `json:"fecha_registro"`
	Payments    []CreditPayment `json:"pagos_credito,omitempty"`
	Sales       []Sale          `json:"ventas,omitempty"`
}

type ClientRequest struct {
	DocID       string `json:"documento"`
	Name        string `json:"nombres"`
	Phone       string `json:"telefono"`
	Address     string `json:"direccion"`
	Kind        string `json:"tipo_cliente"`
	CreditLimit *Money `json:"limite_credito"`
}

type CreditPayment struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"cliente_id"`
	Amount    Money     `json:"monto"`
	Note      string    `json:"observacion,omitempty"`
	CreatedAt time.Time `json:"fecha"`
}

type CreditPaymentRequest struct {
	ClientID int64  `json:"cliente_id"`
	Amount   Money  `json:"monto"`
	Note     string `json:"observacion"`
}

// LotAllocation records how much of a line item came out of one lot, so a
// cancellation can credit the exact lots the sale depleted.
type LotAllocation struct {
	LotID int64 `json:"lote_id"`
	Qty   int   `json:"cantidad"`
}

type SaleItem struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"venta_id"`
	ProductID   int64           `json:"producto_id"`
	Qty         int             `json:"cantidad"`
	UnitMode    bool            `json:"es_unidad"`
	UnitPrice   Money           `json:"precio_unitario"`
	LineTotal   Money           `json:"subtotal"`
	Product     *Product        `json:"producto,omitempty"`
	Allocations []LotAllocation `json:"asignaciones,omitempty"`
}

type Sale struct {
	ID            int64        `json:"id"`
	Code          string       `json:"codigo_venta"`
	OperatorID    int64        `json:"usuario_id"`
	ClientID      *int64       `json:"cliente_id,omitempty"`
	Subtotal      Money        `json:"subtotal"`
	Discount      Money        `json:"descuento"`
	Total         Money        `json:"total"`
	PaymentMethod string       `json:"metodo_pago"`
	Paid          Money        `json:"monto_pagado"`
	DueDate       *time.Time   `json:"fecha_limite,omitempty"`
	Status        string       `json:"estado"`
	CreatedAt     time.Time    `json:"fecha"`
	Items         []SaleItem   `json:"detalles,omitempty"`
	Client        *Client      `json:"cliente,omitempty"`
	Operator      *UserSummary `json:"usuario,omitempty"`
}

type SaleItemRequest struct {
	ProductID int64 `json:"producto_id"`
	Qty       int   `json:"cantidad"`
	UnitPrice Money `json:"precio_unitario"`
	UnitMode  bool  `json:"es_unidad"`
}

type SaleCreateRequest struct {
	ClientID      *int64            `json:"cliente_id"`
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"metodo_pago"`
	Discount      Money             `json:"descuento"`
	Paid          *Money            `json:"monto_pagado"`
	DueDate       string            `json:"fecha_limite"`
	// Code lets an offline client retry a queued sale with a stable code;
	// a duplicate returns the already-recorded sale instead of a second one.
	Code string `json:"codigo_venta,omitempty"`
}

type SaleFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

type CashSession struct {
	ID         int64        `json:"id"`
	OperatorID int64        `json:"usuario_id"`
	OpenedAt   time.Time    `json:"fecha_apertura"`
	Opening    Money        `json:"monto_inicial"`
	ClosedAt   *time.Time   `json:"fecha_cierre,omitempty"`
	Counted    *Money       `json:"monto_final,omitempty"`
	Variance   *Money       `json:"diferencia,omitempty"`
	Notes      string       `json:"observaciones,omitempty"`
	Status     string       `json:"estado"`
	Operator   *UserSummary `json:"usuario,omitempty"`
}

type CashOpenRequest struct {
	Opening Money `json:"monto_inicial"`
}

type CashCloseRequest struct {
	Counted Money  `json:"monto_final"`
	Notes   string `json:"observaciones"`
}

type CashSummary struct {
	Opening  Money `json:"montoInicial"`
	Sales    Money `json:"totalVentas"`
	Expected Money `json:"montoEsperado"`
	Counted  Money `json:"montoFinal"`
	Variance Money `json:"diferencia"`
}

type CashCloseResponse struct {
	Session CashSession `json:"caja"`
	Summary CashSummary `json:"resumen"`
}

type CashTotals struct {
	Sales    Money            `json:"ventas"`
	Count    int              `json:"cantidadVentas"`
	ByMethod map[string]Money `json:"porMetodo"`
}

type CashStatusResponse struct {
	Open    bool         `json:"open"`
	Session *CashSession `json:"caja,omitempty"`
	Totals  *CashTotals  `json:"totales,omitempty"`
}

type AlertSummary struct {
	LowStockCount int           `json:"productos_bajo_stock"`
	ExpiringCount int           `json:"lotes_por_vencer"`
	WindowDays    int           `json:"dias_ventana"`
	LowStock      []Product     `json:"bajo_stock,omitempty"`
	Expiring      []ExpiringLot `json:"por_vencer,omitempty"`
	GeneratedAt   time.Time     `json:"generado_en"`
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"nombre"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"rol"`
	Active    bool      `json:"estado"`
	CreatedAt time.Time `json:"fecha_registro"`
}

type UserSummary struct {
	Name     string `json:"nombre"`
	Username string `json:"username"`
}

type UserCreateRequest struct {
	Name     string `json:"nombre"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Name        string `json:"nombre"`
	Role        string `json:"rol"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID   int64
	Username string
	Role     string
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    int64     `json:"actor_id"`
	ActorName  string    `json:"actor_username"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	PaymentCash     = "EFECTIVO"
	PaymentCard     = "TARJETA"
	PaymentTransfer = "TRANSFERENCIA"
	PaymentYape     = "YAPE"
	PaymentPlin     = "PLIN"
	PaymentCredit   = "CREDITO"
)

const (
	SaleStatusCompleted = "COMPLETADO"
	SaleStatusCancelled = "ANULADO"
)

const (
	SessionStatusOpen   = "ABIERTA"
	SessionStatusClosed = "CERRADA"
)

const (
	ClientKindCash   = "CONTADO"
	ClientKindCredit = "CREDITO"
)

const (
	RoleAdmin   = "ADMIN"
	RoleCashier = "CAJERO"
)
