package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/domain"
)

// OrderService orchestrates order creation, payment settlement, cancellation and admin status updates.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (domain.Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.OrderPage, error)
}

// CreateOrderCommand converts the caller's cart into a pending order.
type CreateOrderCommand struct {
	UserID          string
	AuthToken       string
	ShippingAddress domain.ShippingAddress
}

// ProcessPaymentCommand charges a pending order.
type ProcessPaymentCommand struct {
	OrderID   string
	UserID    string
	CardToken string
	// AuthToken is forwarded to the cart service to clear the cart after a successful charge.
	AuthToken string
}

// CancelOrderCommand cancels a pending or paid order on behalf of its owner.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
}

// UpdateStatusCommand is the privileged status change issued by administrators.
type UpdateStatusCommand struct {
	OrderID string
	Status  domain.OrderStatus
	Note    string
	ActorID string
}

// OrderListFilter describes a page of the caller's orders.
type OrderListFilter struct {
	UserID string
	Page   int
	Limit  int
	Status *domain.OrderStatus
}

// Cart is the snapshot returned by the cart service.
type Cart struct {
	UserID string
	Items  []CartItem
	Total  decimal.Decimal
}

// CartItem is one cart line with the price quoted to the user.
type CartItem struct {
	ProductID string
	Name      string
	Quantity  int
	Price     decimal.Decimal
}

// Product is the catalog view needed for the advisory stock check.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Stock int
}

// CartClient reads and clears the user's cart.
type CartClient interface {
	GetCart(ctx context.Context, userID, authToken string) (Cart, error)
	ClearCart(ctx context.Context, userID, authToken string) error
}

// ProductClient looks up products and holds or releases stock.
type ProductClient interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	ReserveStock(ctx context.Context, productID string, quantity int) error
	ReleaseStock(ctx context.Context, productID string, quantity int) error
}

// PaymentRequest is sent to the gateway to charge an order.
type PaymentRequest struct {
	OrderID   string
	Amount    decimal.Decimal
	Currency  string
	CardToken string
}

// RefundRequest identifies the charge to refund. Gateways use whichever identifier they support.
type RefundRequest struct {
	OrderID       string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
}

// PaymentResult is the gateway outcome. A declined charge is Success=false with a nil error.
type PaymentResult struct {
	Success       bool
	TransactionID string
	Error         string
}

// PaymentGateway charges and refunds orders. Implementations return an error only for transport failures.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentResult, error)
}

// Event types emitted by the order service.
const (
	EventOrderCreated       = "order.created"
	EventOrderPaid          = "order.paid"
	EventOrderCancelled     = "order.cancelled"
	EventOrderStatusChanged = "order.status.changed"
)

// Event is a state change notification handed to the publisher.
type Event struct {
	Type          string
	Data          map[string]any
	CorrelationID string
	OccurredAt    time.Time
}

// EventPublisher delivers events to external observers. Callers ignore the outcome beyond logging.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SagaMetrics records workflow outcomes.
type SagaMetrics interface {
	OrderCreated(outcome string)
	PaymentProcessed(outcome string)
	CompensationRan(action string, failed bool)
}
