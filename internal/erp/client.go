// Package erp is the capability-typed ERP client used by the tools. It knows
// the backend's services and messages; transport selection and failover live
// in the connector it calls through.
package erp

import (
	"context"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Caller executes one backend request. *connector.Adapter implements it.
type Caller interface {
	Call(ctx context.Context, req *connector.Request) (*connector.Response, error)
}

// Client exposes typed ERP operations.
type Client struct {
	caller Caller
}

// NewClient creates a Client.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, service, op string, body, out any) error {
	req := &connector.Request{Service: service, Operation: op, Body: body}
	if rc := domain.RequestContextFrom(ctx); rc != nil {
		req.CorrelationID = rc.CorrelationID()
	}
	resp, err := c.caller.Call(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// GetCustomer looks up a customer account.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var out Customer
	if err := c.call(ctx, ServiceCustomer, OpFind, FindCustomerRequest{CustomerID: customerID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSalesOrder creates a sales order.
func (c *Client) CreateSalesOrder(ctx context.Context, req CreateSalesOrderRequest) (*SalesOrder, error) {
	var out SalesOrder
	if err := c.call(ctx, ServiceSalesOrder, OpCreate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostPayment posts a customer payment.
func (c *Client) PostPayment(ctx context.Context, req PostPaymentRequest) (*Payment, error) {
	var out Payment
	if err := c.call(ctx, ServicePayment, OpPost, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInventory reads the stock level of an item in a warehouse.
func (c *Client) GetInventory(ctx context.Context, itemID, warehouse string) (*InventoryLevel, error) {
	var out InventoryLevel
	if err := c.call(ctx, ServiceInventory, OpFind, FindInventoryRequest{ItemID: itemID, Warehouse: warehouse}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AdjustInventory changes the on-hand quantity of an item.
func (c *Client) AdjustInventory(ctx context.Context, req AdjustInventoryRequest) (*InventoryLevel, error) {
	var out InventoryLevel
	if err := c.call(ctx, ServiceInventory, OpAdjust, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
