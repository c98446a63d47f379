package erp

import "encoding/xml"

// Service names exposed by the backend.
const (
	ServiceCustomer   = "CustomerService"
	ServiceSalesOrder = "SalesOrderService"
	ServicePayment    = "PaymentService"
	ServiceInventory  = "InventoryService"
)

// Operation names.
const (
	OpFind   = "find"
	OpCreate = "create"
	OpPost   = "post"
	OpAdjust = "adjust"
)

type FindCustomerRequest struct {
	XMLName    xml.Name `xml:"FindCustomer"`
	CustomerID string   `xml:"CustomerId"`
}

type Customer struct {
	XMLName     xml.Name `xml:"Customer" json:"-"`
	ID          string   `xml:"CustomerId" json:"customerId"`
	Name        string   `xml:"Name" json:"name"`
	Currency    string   `xml:"Currency" json:"currency"`
	CreditLimit float64  `xml:"CreditLimit" json:"creditLimit"`
	Balance     float64  `xml:"Balance" json:"balance"`
	Blocked     bool     `xml:"Blocked" json:"blocked"`
}

type OrderLine struct {
	ItemID    string  `xml:"ItemId" json:"itemId"`
	Quantity  float64 `xml:"Quantity" json:"quantity"`
	UnitPrice float64 `xml:"UnitPrice" json:"unitPrice"`
}

type CreateSalesOrderRequest struct {
	XMLName    xml.Name    `xml:"CreateSalesOrder"`
	CustomerID string      `xml:"CustomerId"`
	Currency   string      `xml:"Currency"`
	Warehouse  string      `xml:"Warehouse,omitempty"`
	Reference  string      `xml:"Reference,omitempty"`
	Lines      []OrderLine `xml:"Lines>Line"`
}

type SalesOrder struct {
	XMLName    xml.Name    `xml:"SalesOrder" json:"-"`
	OrderID    string      `xml:"SalesOrderId" json:"orderId"`
	CustomerID string      `xml:"CustomerId" json:"customerId"`
	Currency   string      `xml:"Currency" json:"currency"`
	Total      float64     `xml:"Total" json:"total"`
	Status     string      `xml:"Status" json:"status"`
	Lines      []OrderLine `xml:"Lines>Line" json:"lines"`
}

type PostPaymentRequest struct {
	XMLName    xml.Name `xml:"PostPayment"`
	CustomerID string   `xml:"CustomerId"`
	InvoiceID  string   `xml:"InvoiceId,omitempty"`
	Amount     float64  `xml:"Amount"`
	Currency   string   `xml:"Currency"`
	Reference  string   `xml:"Reference,omitempty"`
}

type Payment struct {
	XMLName    xml.Name `xml:"Payment" json:"-"`
	PaymentID  string   `xml:"PaymentId" json:"paymentId"`
	CustomerID string   `xml:"CustomerId" json:"customerId"`
	InvoiceID  string   `xml:"InvoiceId,omitempty" json:"invoiceId,omitempty"`
	Amount     float64  `xml:"Amount" json:"amount"`
	Currency   string   `xml:"Currency" json:"currency"`
	Status     string   `xml:"Status" json:"status"`
}

type FindInventoryRequest struct {
	XMLName   xml.Name `xml:"FindInventory"`
	ItemID    string   `xml:"ItemId"`
	Warehouse string   `xml:"Warehouse"`
}

type InventoryLevel struct {
	XMLName   xml.Name `xml:"InventoryLevel" json:"-"`
	ItemID    string   `xml:"ItemId" json:"itemId"`
	Warehouse string   `xml:"Warehouse" json:"warehouse"`
	OnHand    float64  `xml:"OnHand" json:"onHand"`
	Reserved  float64  `xml:"Reserved" json:"reserved"`
	Available float64  `xml:"Available" json:"available"`
}

type AdjustInventoryRequest struct {
	XMLName   xml.Name `xml:"AdjustInventory"`
	ItemID    string   `xml:"ItemId"`
	Warehouse string   `xml:"Warehouse"`
	Delta     float64  `xml:"Delta"`
	Reason    string   `xml:"Reason,omitempty"`
}
