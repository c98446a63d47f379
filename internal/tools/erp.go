package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/erp"
	"github.com/tjfontaine/erp-mcp-gateway/internal/idempotency"
)

// Roles required by the write tools. RoleAdmin satisfies every requirement.
const (
	RoleAdmin     = "admin"
	RoleSales     = "sales"
	RoleFinance   = "finance"
	RoleWarehouse = "warehouse"
)

// GetCustomerInput is the input of get_customer.
type GetCustomerInput struct {
	CustomerID string `json:"customer_id"`
}

// CheckInventoryInput is the input of check_inventory.
type CheckInventoryInput struct {
	ItemID    string `json:"item_id"`
	Warehouse string `json:"warehouse,omitempty"`
}

// OrderLineInput is one line of create_sales_order.
type OrderLineInput struct {
	ItemID    string  `json:"item_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// CreateSalesOrderInput is the input of create_sales_order.
type CreateSalesOrderInput struct {
	CustomerID     string           `json:"customer_id"`
	Currency       string           `json:"currency,omitempty"`
	Warehouse      string           `json:"warehouse,omitempty"`
	Reference      string           `json:"reference,omitempty"`
	Lines          []OrderLineInput `json:"lines"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// PostPaymentInput is the input of post_payment.
type PostPaymentInput struct {
	CustomerID     string  `json:"customer_id"`
	InvoiceID      string  `json:"invoice_id,omitempty"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	Reference      string  `json:"reference,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// AdjustInventoryInput is the input of adjust_inventory.
type AdjustInventoryInput struct {
	ItemID         string  `json:"item_id"`
	Warehouse      string  `json:"warehouse,omitempty"`
	Delta          float64 `json:"delta"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// ERP builds the ERP tools over a client.
type ERP struct {
	client *erp.Client
	guard  *idempotency.Guard
	events ports.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// ERPOption configures ERP.
type ERPOption func(*ERP)

// WithEventPublisher publishes domain events after successful writes.
func WithEventPublisher(p ports.EventPublisher) ERPOption {
	return func(e *ERP) { e.events = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ERPOption {
	return func(e *ERP) { e.logger = logger }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ERPOption {
	return func(e *ERP) { e.now = now }
}

// NewERP creates the ERP tool set. guard may be nil, in which case
// idempotency keys are ignored.
func NewERP(client *erp.Client, guard *idempotency.Guard, opts ...ERPOption) *ERP {
	e := &ERP{
		client: client,
		guard:  guard,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tools returns every ERP tool.
func (e *ERP) Tools() []Tool {
	return []Tool{
		e.getCustomer(),
		e.checkInventory(),
		e.createSalesOrder(),
		e.postPayment(),
		e.adjustInventory(),
	}
}

// Register adds every ERP tool to r.
func (e *ERP) Register(r *Registry) error {
	for _, t := range e.Tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func idempotencyKeyParam() mcp.ToolOption {
	return mcp.WithString("idempotency_key",
		mcp.Description("Client-chosen key; repeated calls with the same key return the first result without repeating the write"),
		mcp.MaxLength(128),
	)
}

func (e *ERP) getCustomer() Tool {
	return &Typed[GetCustomerInput]{
		Def: mcp.NewTool("get_customer",
			mcp.WithDescription("Look up a customer account including credit limit, balance and blocked flag."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("customer_id", mcp.Required(), mcp.MinLength(1), mcp.Description("ERP customer account number")),
		),
		Run: func(ctx context.Context, rc *domain.RequestContext, in GetCustomerInput) (any, error) {
			return e.client.GetCustomer(ctx, in.CustomerID)
		},
	}
}

func (e *ERP) checkInventory() Tool {
	return &Typed[CheckInventoryInput]{
		Def: mcp.NewTool("check_inventory",
			mcp.WithDescription("Return on-hand, reserved and available quantity of an item in a warehouse."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("item_id", mcp.Required(), mcp.MinLength(1), mcp.Description("Item number")),
			mcp.WithString("warehouse", mcp.Description("Warehouse code; defaults to the main warehouse")),
		),
		Run: func(ctx context.Context, rc *domain.RequestContext, in CheckInventoryInput) (any, error) {
			return e.client.GetInventory(ctx, in.ItemID, in.Warehouse)
		},
	}
}

func (e *ERP) createSalesOrder() Tool {
	return &Typed[CreateSalesOrderInput]{
		Def: mcp.NewTool("create_sales_order",
			mcp.WithDescription("Create a sales order for a customer. Checks blocked status, stock and credit limit."),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithString("customer_id", mcp.Required(), mcp.MinLength(1), mcp.Description("ERP customer account number")),
			mcp.WithString("currency", mcp.Description("ISO currency code; defaults to the customer's currency")),
			mcp.WithString("warehouse", mcp.Description("Shipping warehouse")),
			mcp.WithString("reference", mcp.Description("Customer reference")),
			mcp.WithArray("lines", mcp.Required(), mcp.Description("Order lines"), mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item_id":    map[string]any{"type": "string", "minLength": 1},
					"quantity":   map[string]any{"type": "number"},
					"unit_price": map[string]any{"type": "number"},
				},
				"required": []string{"item_id", "quantity", "unit_price"},
			})),
			idempotencyKeyParam(),
		),
		Roles: []string{RoleSales},
		Checks: []Rule{
			{Expr: "len(lines) > 0", Message: "lines must not be empty"},
			{Expr: "all(lines, {.quantity > 0})", Message: "every line quantity must be positive"},
			{Expr: "all(lines, {.unit_price >= 0})", Message: "unit prices must not be negative"},
		},
		Run: func(ctx context.Context, rc *domain.RequestContext, in CreateSalesOrderInput) (any, error) {
			return e.idempotent(ctx, rc, "create_sales_order", in.IdempotencyKey, func(ctx context.Context) (any, error) {
				req := erp.CreateSalesOrderRequest{
					CustomerID: in.CustomerID,
					Currency:   in.Currency,
					Warehouse:  in.Warehouse,
					Reference:  in.Reference,
				}
				for _, l := range in.Lines {
					req.Lines = append(req.Lines, erp.OrderLine{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
				}
				order, err := e.client.CreateSalesOrder(ctx, req)
				if err != nil {
					return nil, err
				}
				e.publish(ctx, domain.OrderCreated{
					OrderID:    order.OrderID,
					CustomerID: order.CustomerID,
					Total:      order.Total,
					Currency:   order.Currency,
					Lines:      len(order.Lines),
					CreatedBy:  rc.UserID(),
					At:         e.now().UTC(),
				})
				return order, nil
			})
		},
	}
}

func (e *ERP) postPayment() Tool {
	return &Typed[PostPaymentInput]{
		Def: mcp.NewTool("post_payment",
			mcp.WithDescription("Post a customer payment, optionally settling a specific invoice."),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithString("customer_id", mcp.Required(), mcp.MinLength(1), mcp.Description("ERP customer account number")),
			mcp.WithString("invoice_id", mcp.Description("Invoice to settle")),
			mcp.WithNumber("amount", mcp.Required(), mcp.Description("Payment amount")),
			mcp.WithString("currency", mcp.Description("ISO currency code")),
			mcp.WithString("reference", mcp.Description("Bank or remittance reference")),
			idempotencyKeyParam(),
		),
		Roles: []string{RoleFinance},
		Checks: []Rule{
			{Expr: "amount > 0", Message: "amount must be positive"},
		},
		Run: func(ctx context.Context, rc *domain.RequestContext, in PostPaymentInput) (any, error) {
			return e.idempotent(ctx, rc, "post_payment", in.IdempotencyKey, func(ctx context.Context) (any, error) {
				payment, err := e.client.PostPayment(ctx, erp.PostPaymentRequest{
					CustomerID: in.CustomerID,
					InvoiceID:  in.InvoiceID,
					Amount:     in.Amount,
					Currency:   in.Currency,
					Reference:  in.Reference,
				})
				if err != nil {
					return nil, err
				}
				e.publish(ctx, domain.PaymentPosted{
					PaymentID:  payment.PaymentID,
					CustomerID: payment.CustomerID,
					InvoiceID:  payment.InvoiceID,
					Amount:     payment.Amount,
					Currency:   payment.Currency,
					PostedBy:   rc.UserID(),
					At:         e.now().UTC(),
				})
				return payment, nil
			})
		},
	}
}

func (e *ERP) adjustInventory() Tool {
	return &Typed[AdjustInventoryInput]{
		Def: mcp.NewTool("adjust_inventory",
			mcp.WithDescription("Adjust the on-hand quantity of an item by a signed delta."),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithString("item_id", mcp.Required(), mcp.MinLength(1), mcp.Description("Item number")),
			mcp.WithString("warehouse", mcp.Description("Warehouse code")),
			mcp.WithNumber("delta", mcp.Required(), mcp.Description("Quantity to add (positive) or remove (negative)")),
			mcp.WithString("reason", mcp.Required(), mcp.MinLength(1), mcp.Description("Reason code for the adjustment")),
			idempotencyKeyParam(),
		),
		Roles: []string{RoleWarehouse},
		Checks: []Rule{
			{Expr: "delta != 0", Message: "delta must not be zero"},
		},
		Run: func(ctx context.Context, rc *domain.RequestContext, in AdjustInventoryInput) (any, error) {
			return e.idempotent(ctx, rc, "adjust_inventory", in.IdempotencyKey, func(ctx context.Context) (any, error) {
				level, err := e.client.AdjustInventory(ctx, erp.AdjustInventoryRequest{
					ItemID:    in.ItemID,
					Warehouse: in.Warehouse,
					Delta:     in.Delta,
					Reason:    in.Reason,
				})
				if err != nil {
					return nil, err
				}
				e.publish(ctx, domain.InventoryAdjusted{
					ItemID:     level.ItemID,
					Warehouse:  level.Warehouse,
					Delta:      in.Delta,
					OnHand:     level.OnHand,
					Reason:     in.Reason,
					AdjustedBy: rc.UserID(),
					At:         e.now().UTC(),
				})
				return level, nil
			})
		},
	}
}

// idempotent runs fn at most once per (tool, user, key) while the stored
// result lives. Without a key or guard fn simply runs.
func (e *ERP) idempotent(ctx context.Context, rc *domain.RequestContext, tool, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if key == "" || e.guard == nil {
		return fn(ctx)
	}

	scoped := fmt.Sprintf("%s:%s:%s", tool, rc.UserID(), key)
	result, replayed, err := e.guard.Do(ctx, scoped, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		e.logger.Info("idempotent replay",
			slog.String("tool", tool),
			slog.String("correlation_id", rc.CorrelationID()))
	}
	return result, nil
}

func (e *ERP) publish(ctx context.Context, event domain.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish event",
			slog.String("event", event.EventType()),
			slog.String("error", err.Error()))
	}
}
