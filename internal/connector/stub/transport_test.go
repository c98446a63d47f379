package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/erp"
)

func newClient() (*erp.Client, *Transport) {
	tr := New()
	return erp.NewClient(tr), tr
}

func codeOf(t *testing.T, err error) domain.ErrorCode {
	t.Helper()
	var be *connector.BusinessError
	require.ErrorAs(t, err, &be)
	return be.Code
}

func TestStub_GetCustomer(t *testing.T) {
	c, _ := newClient()

	cust, err := c.GetCustomer(context.Background(), "C-1001")
	require.NoError(t, err)
	assert.Equal(t, "Contoso Retail", cust.Name)

	_, err = c.GetCustomer(context.Background(), "C-404")
	assert.Equal(t, domain.CodeNotFound, codeOf(t, err))
}

func TestStub_CreateSalesOrder(t *testing.T) {
	c, tr := newClient()
	ctx := context.Background()

	order, err := c.CreateSalesOrder(ctx, erp.CreateSalesOrderRequest{
		CustomerID: "C-1001",
		Lines:      []erp.OrderLine{{ItemID: "ITEM-100", Quantity: 10, UnitPrice: 25}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.OrderID)
	assert.InDelta(t, 250, order.Total, 0.001)
	assert.Equal(t, "USD", order.Currency)
	require.Len(t, order.Lines, 1)
	assert.EqualValues(t, 1, tr.Mutations())

	lvl, err := c.GetInventory(ctx, "ITEM-100", "")
	require.NoError(t, err)
	assert.InDelta(t, 240, lvl.Available, 0.001)
}

func TestStub_OrderRejections(t *testing.T) {
	c, tr := newClient()
	ctx := context.Background()

	_, err := c.CreateSalesOrder(ctx, erp.CreateSalesOrderRequest{
		CustomerID: "C-1003",
		Lines:      []erp.OrderLine{{ItemID: "ITEM-100", Quantity: 1, UnitPrice: 1}},
	})
	assert.Equal(t, domain.CodeCustomerBlocked, codeOf(t, err))

	_, err = c.CreateSalesOrder(ctx, erp.CreateSalesOrderRequest{
		CustomerID: "C-1002",
		Lines:      []erp.OrderLine{{ItemID: "ITEM-100", Quantity: 10, UnitPrice: 100}},
	})
	assert.Equal(t, domain.CodeCreditLimitExceeded, codeOf(t, err))

	_, err = c.CreateSalesOrder(ctx, erp.CreateSalesOrderRequest{
		CustomerID: "C-1001",
		Lines:      []erp.OrderLine{{ItemID: "ITEM-300", Quantity: 1, UnitPrice: 1}},
	})
	assert.Equal(t, domain.CodeInsufficientStock, codeOf(t, err))

	assert.Zero(t, tr.Mutations())
}

func TestStub_PostPaymentAndAdjust(t *testing.T) {
	c, tr := newClient()
	ctx := context.Background()

	p, err := c.PostPayment(ctx, erp.PostPaymentRequest{CustomerID: "C-1002", Amount: 800, InvoiceID: "INV-1"})
	require.NoError(t, err)
	assert.Equal(t, "Posted", p.Status)
	assert.Equal(t, "EUR", p.Currency)

	lvl, err := c.AdjustInventory(ctx, erp.AdjustInventoryRequest{ItemID: "ITEM-200", Warehouse: DefaultWarehouse, Delta: -2})
	require.NoError(t, err)
	assert.InDelta(t, 10, lvl.OnHand, 0.001)

	_, err = c.AdjustInventory(ctx, erp.AdjustInventoryRequest{ItemID: "ITEM-200", Warehouse: DefaultWarehouse, Delta: -100})
	assert.Equal(t, domain.CodeInsufficientStock, codeOf(t, err))
	assert.EqualValues(t, 2, tr.Mutations())
}

func TestStub_CorrelationIDForwarded(t *testing.T) {
	var got string
	caller := callerFunc(func(ctx context.Context, req *connector.Request) (*connector.Response, error) {
		got = req.CorrelationID
		return New().Call(ctx, req)
	})
	rc := domain.NewRequestContext(domain.Anonymous())
	ctx := domain.WithRequestContext(context.Background(), rc)

	_, err := erp.NewClient(caller).GetCustomer(ctx, "C-1001")
	require.NoError(t, err)
	assert.Equal(t, rc.CorrelationID(), got)
}

type callerFunc func(ctx context.Context, req *connector.Request) (*connector.Response, error)

func (f callerFunc) Call(ctx context.Context, req *connector.Request) (*connector.Response, error) {
	return f(ctx, req)
}
