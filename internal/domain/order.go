package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied when an order is created without an explicit currency.
const DefaultCurrency = "USD"

// Order is the aggregate root persisted by the order repository.
type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	TotalAmount     decimal.Decimal
	Currency        string
	Items           []OrderItem
	ShippingAddress ShippingAddress
	StatusHistory   []StatusHistoryEntry
	Payments        []Payment
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is a line captured from the cart at purchase time. Name and price are snapshots.
type OrderItem struct {
	ID              string
	ProductID       string
	ProductName     string
	Quantity        int
	PriceAtPurchase decimal.Decimal
}

// LineTotal returns price multiplied by quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.PriceAtPurchase.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ShippingAddress is embedded in the order and never edited after creation.
type ShippingAddress struct {
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// StatusHistoryEntry records one status mutation.
type StatusHistoryEntry struct {
	ID        string
	Status    OrderStatus
	Note      string
	CreatedAt time.Time
}

// PaymentStatus enumerates recorded payment states.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is an append-only record of a settled charge.
type Payment struct {
	ID            string
	OrderID       string
	Amount        decimal.Decimal
	TransactionID string
	Status        PaymentStatus
	CreatedAt     time.Time
}

// OrderDraft carries everything needed to persist a new order in one write.
type OrderDraft struct {
	ID              string
	UserID          string
	TotalAmount     decimal.Decimal
	Currency        string
	Items           []OrderItem
	ShippingAddress ShippingAddress
	CreatedAt       time.Time
}

// PaymentDraft is the input for recording a payment.
type PaymentDraft struct {
	OrderID       string
	Amount        decimal.Decimal
	TransactionID string
	CreatedAt     time.Time
}

// OrderPage is an offset-paginated slice of orders with the unpaged total.
type OrderPage struct {
	Orders []Order
	Total  int
}

// LatestPayment returns the most recent payment recorded on the order.
func (o Order) LatestPayment() (Payment, bool) {
	if len(o.Payments) == 0 {
		return Payment{}, false
	}
	latest := o.Payments[0]
	for _, p := range o.Payments[1:] {
		if p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest, true
}
