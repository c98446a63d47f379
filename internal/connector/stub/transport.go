// Package stub provides an in-memory ERP that stands in for the live backend
// when erp.backend is "stub". It answers the same services and messages as
// the real transports and applies a minimal set of business checks.
package stub

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/erp"
)

// Name is the transport name used for breakers, logs and metrics.
const Name = "stub"

// DefaultWarehouse is used when a request leaves the warehouse empty.
const DefaultWarehouse = "MAIN"

type stockKey struct{ item, warehouse string }

// Transport is an in-memory ERP.
type Transport struct {
	mu        sync.Mutex
	customers map[string]*erp.Customer
	stock     map[stockKey]*erp.InventoryLevel
	seq       int

	mutations atomic.Int64
}

// New creates a stub ERP seeded with demo data.
func New() *Transport {
	t := &Transport{
		customers: make(map[string]*erp.Customer),
		stock:     make(map[stockKey]*erp.InventoryLevel),
	}
	t.AddCustomer(erp.Customer{ID: "C-1001", Name: "Contoso Retail", Currency: "USD", CreditLimit: 50000, Balance: 12500})
	t.AddCustomer(erp.Customer{ID: "C-1002", Name: "Fabrikam Wholesale", Currency: "EUR", CreditLimit: 10000, Balance: 9800})
	t.AddCustomer(erp.Customer{ID: "C-1003", Name: "Northwind Traders", Currency: "USD", CreditLimit: 20000, Blocked: true})
	t.SetStock("ITEM-100", DefaultWarehouse, 250)
	t.SetStock("ITEM-200", DefaultWarehouse, 12)
	t.SetStock("ITEM-300", DefaultWarehouse, 0)
	return t
}

// Name returns the transport name.
func (t *Transport) Name() string { return Name }

// AddCustomer inserts or replaces a customer.
func (t *Transport) AddCustomer(c erp.Customer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.customers[c.ID] = &c
}

// SetStock sets the on-hand quantity of an item.
func (t *Transport) SetStock(item, warehouse string, onHand float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stock[stockKey{item, warehouse}] = &erp.InventoryLevel{ItemID: item, Warehouse: warehouse, OnHand: onHand, Available: onHand}
}

// Mutations returns how many write operations have been applied.
func (t *Transport) Mutations() int64 {
	return t.mutations.Load()
}

// Call dispatches on the request body.
func (t *Transport) Call(ctx context.Context, req *connector.Request) (*connector.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, connector.Classify(Name, err)
	}

	t.mu.Lock()
	result, err := t.dispatch(req)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	body, err := xml.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stub response: %w", err)
	}
	return &connector.Response{Transport: Name, Body: body}, nil
}

func (t *Transport) dispatch(req *connector.Request) (any, error) {
	switch body := req.Body.(type) {
	case erp.FindCustomerRequest:
		c, err := t.customer(body.CustomerID)
		if err != nil {
			return nil, err
		}
		out := *c
		return out, nil
	case erp.CreateSalesOrderRequest:
		return t.createOrder(body)
	case erp.PostPaymentRequest:
		return t.postPayment(body)
	case erp.FindInventoryRequest:
		lvl, err := t.level(body.ItemID, body.Warehouse)
		if err != nil {
			return nil, err
		}
		out := *lvl
		return out, nil
	case erp.AdjustInventoryRequest:
		return t.adjust(body)
	default:
		return nil, &connector.BusinessError{
			Code:    domain.CodeERP,
			Message: fmt.Sprintf("unsupported operation %s/%s", req.Service, req.Operation),
		}
	}
}

func (t *Transport) customer(id string) (*erp.Customer, error) {
	c, ok := t.customers[id]
	if !ok {
		return nil, &connector.BusinessError{Code: domain.CodeNotFound, Message: fmt.Sprintf("customer %s not found", id)}
	}
	return c, nil
}

func (t *Transport) level(item, warehouse string) (*erp.InventoryLevel, error) {
	if warehouse == "" {
		warehouse = DefaultWarehouse
	}
	lvl, ok := t.stock[stockKey{item, warehouse}]
	if !ok {
		return nil, &connector.BusinessError{Code: domain.CodeNotFound, Message: fmt.Sprintf("item %s not stocked in %s", item, warehouse)}
	}
	return lvl, nil
}

func (t *Transport) nextID(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s-%06d", prefix, t.seq)
}

func (t *Transport) createOrder(req erp.CreateSalesOrderRequest) (any, error) {
	c, err := t.customer(req.CustomerID)
	if err != nil {
		return nil, err
	}
	if c.Blocked {
		return nil, &connector.BusinessError{Code: domain.CodeCustomerBlocked, Message: fmt.Sprintf("customer %s is blocked", c.ID)}
	}

	var total float64
	levels := make([]*erp.InventoryLevel, len(req.Lines))
	for i, line := range req.Lines {
		lvl, err := t.level(line.ItemID, req.Warehouse)
		if err != nil {
			return nil, err
		}
		if lvl.Available < line.Quantity {
			return nil, &connector.BusinessError{
				Code:    domain.CodeInsufficientStock,
				Message: fmt.Sprintf("item %s has %.2f available, %.2f requested", line.ItemID, lvl.Available, line.Quantity),
			}
		}
		levels[i] = lvl
		total += line.Quantity * line.UnitPrice
	}
	if c.Balance+total > c.CreditLimit {
		return nil, &connector.BusinessError{
			Code:    domain.CodeCreditLimitExceeded,
			Message: fmt.Sprintf("order total %.2f exceeds remaining credit %.2f", total, c.CreditLimit-c.Balance),
		}
	}

	for i, line := range req.Lines {
		levels[i].Reserved += line.Quantity
		levels[i].Available = levels[i].OnHand - levels[i].Reserved
	}
	c.Balance += total
	t.mutations.Add(1)

	currency := req.Currency
	if currency == "" {
		currency = c.Currency
	}
	return erp.SalesOrder{
		OrderID:    t.nextID("SO"),
		CustomerID: c.ID,
		Currency:   currency,
		Total:      total,
		Status:     "Open",
		Lines:      req.Lines,
	}, nil
}

func (t *Transport) postPayment(req erp.PostPaymentRequest) (any, error) {
	c, err := t.customer(req.CustomerID)
	if err != nil {
		return nil, err
	}
	c.Balance -= req.Amount
	t.mutations.Add(1)

	currency := req.Currency
	if currency == "" {
		currency = c.Currency
	}
	return erp.Payment{
		PaymentID:  t.nextID("PAY"),
		CustomerID: c.ID,
		InvoiceID:  req.InvoiceID,
		Amount:     req.Amount,
		Currency:   currency,
		Status:     "Posted",
	}, nil
}

func (t *Transport) adjust(req erp.AdjustInventoryRequest) (any, error) {
	lvl, err := t.level(req.ItemID, req.Warehouse)
	if err != nil {
		return nil, err
	}
	if lvl.OnHand+req.Delta < lvl.Reserved {
		return nil, &connector.BusinessError{
			Code:    domain.CodeInsufficientStock,
			Message: fmt.Sprintf("adjustment of %.2f would leave %s below reserved quantity", req.Delta, req.ItemID),
		}
	}
	lvl.OnHand += req.Delta
	lvl.Available = lvl.OnHand - lvl.Reserved
	t.mutations.Add(1)
	return *lvl, nil
}
