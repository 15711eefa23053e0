package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
)

const (
	defaultOrderPage      = 1
	defaultOrderPageLimit = 10
	maxOrderPageLimit     = 100

	noteOrderPaid      = "Payment successful"
	noteCancelFallback = "Cancelled"
)

// OrderServiceDeps bundles the collaborators the orchestrator composes.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Carts           CartClient
	Products        ProductClient
	Payments        PaymentGateway
	Events          EventPublisher
	Metrics         SagaMetrics
	Clock           func() time.Time
	IDGenerator     func() string
	DefaultCurrency string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	carts    CartClient
	products ProductClient
	payments PaymentGateway
	events   EventPublisher
	metrics  SagaMetrics
	clock    func() time.Time
	newID    func() string
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService validates dependencies and returns the orchestrator.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart client is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product client is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return &orderService{
		orders:   deps.Orders,
		carts:    deps.Carts,
		products: deps.Products,
		payments: deps.Payments,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		currency: currency,
		logger:   logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return domain.Order{}, err
	}

	cart, err := s.carts.GetCart(ctx, userID, cmd.AuthToken)
	if err != nil {
		s.recordCreated("cart_error")
		return domain.Order{}, err
	}
	if len(cart.Items) == 0 {
		s.recordCreated("cart_empty")
		return domain.Order{}, ErrCartEmpty
	}
	for _, item := range cart.Items {
		if strings.TrimSpace(item.ProductID) == "" || item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: cart item %q has invalid quantity %d", ErrOrderInvalidInput, item.ProductID, item.Quantity)
		}
	}

	// Advisory check; the reservation below is what actually guards stock.
	for _, item := range cart.Items {
		product, err := s.products.GetProduct(ctx, item.ProductID)
		if err != nil {
			s.recordCreated("product_error")
			return domain.Order{}, err
		}
		if product.Stock < item.Quantity {
			s.recordCreated("insufficient_stock")
			name := product.Name
			if name == "" {
				name = item.Name
			}
			return domain.Order{}, fmt.Errorf("%w: Insufficient stock for %s", ErrInsufficientStock, name)
		}
	}

	orderID := s.newID()
	var undo Compensations
	for _, item := range cart.Items {
		if err := s.products.ReserveStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger(ctx, "order.reservation.failed", map[string]any{
				"productId": item.ProductID,
				"quantity":  item.Quantity,
				"reserved":  undo.Len(),
				"error":     err.Error(),
			})
			s.compensate(ctx, orderID, "reservation_failed", &undo)
			s.recordCreated("reservation_failed")
			return domain.Order{}, fmt.Errorf("%w: %s: %w", ErrInventoryReservationFailed, item.ProductID, err)
		}
		undo.Add(releaseStockCompensation(s.products, item.ProductID, item.Quantity))
	}

	items, total := buildOrderItems(cart.Items)
	order, err := s.orders.Create(ctx, domain.OrderDraft{
		ID:              orderID,
		UserID:          userID,
		TotalAmount:     total,
		Currency:        s.currency,
		Items:           items,
		ShippingAddress: normaliseAddress(cmd.ShippingAddress),
		CreatedAt:       s.clock(),
	})
	if err != nil {
		s.logger(ctx, "order.persist.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		s.compensate(ctx, orderID, "persist_failed", &undo)
		s.recordCreated("persist_failed")
		return domain.Order{}, err
	}

	s.recordCreated("created")
	s.publishEvent(ctx, EventOrderCreated, order.ID, map[string]any{
		"orderId":     order.ID,
		"userId":      order.UserID,
		"totalAmount": order.TotalAmount,
		"items":       eventItems(order.Items),
	})
	return order, nil
}

func (s *orderService) ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.CardToken) == "" {
		return domain.Order{}, fmt.Errorf("%w: card token is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != strings.TrimSpace(cmd.UserID) {
		return domain.Order{}, ErrOrderForbidden
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Order{}, fmt.Errorf("%w: status is %s", ErrOrderCannotBePaid, order.Status)
	}

	result, err := s.payments.ProcessPayment(ctx, PaymentRequest{
		OrderID:   order.ID,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		CardToken: cmd.CardToken,
	})
	if err != nil {
		s.recordPayment("error")
		return domain.Order{}, err
	}

	if !result.Success || strings.TrimSpace(result.TransactionID) == "" {
		return domain.Order{}, s.settleDeclinedPayment(ctx, order, result)
	}

	if _, err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPaid, noteOrderPaid); err != nil {
		s.logger(ctx, "order.payment.persist.failed", map[string]any{
			"orderId":       order.ID,
			"transactionId": result.TransactionID,
			"error":         err.Error(),
		})
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if _, err := s.orders.CreatePayment(ctx, domain.PaymentDraft{
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		TransactionID: result.TransactionID,
		CreatedAt:     s.clock(),
	}); err != nil {
		s.logger(ctx, "order.payment.record.failed", map[string]any{
			"orderId":       order.ID,
			"transactionId": result.TransactionID,
			"error":         err.Error(),
		})
		return domain.Order{}, s.mapRepositoryError(err)
	}
	s.recordPayment("paid")

	if cmd.AuthToken != "" {
		if err := s.carts.ClearCart(ctx, order.UserID, cmd.AuthToken); err != nil {
			s.logger(ctx, "order.cart.clear.failed", map[string]any{
				"orderId": order.ID,
				"userId":  order.UserID,
				"error":   err.Error(),
			})
		}
	}

	s.publishEvent(ctx, EventOrderPaid, order.ID, map[string]any{
		"orderId":       order.ID,
		"transactionId": result.TransactionID,
	})

	updated, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

// settleDeclinedPayment releases the order's stock and cancels it. The returned error carries the gateway reason.
func (s *orderService) settleDeclinedPayment(ctx context.Context, order domain.Order, result PaymentResult) error {
	declined := &PaymentDeclinedError{Reason: strings.TrimSpace(result.Error)}
	s.recordPayment("declined")

	undo := releaseAllItems(s.products, order.Items)
	s.compensate(ctx, order.ID, "payment_declined", &undo)

	note := "Payment failed: " + declined.Error()
	if _, err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled, note); err != nil {
		s.logger(ctx, "order.cancel.persist.failed", map[string]any{
			"orderId": order.ID,
			"reason":  declined.Error(),
			"error":   err.Error(),
		})
	}
	return declined
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != strings.TrimSpace(cmd.UserID) {
		return domain.Order{}, ErrOrderForbidden
	}
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusPaid {
		return domain.Order{}, fmt.Errorf("%w: status is %s", ErrOrderCannotBeCancelled, order.Status)
	}

	undo := releaseAllItems(s.products, order.Items)
	report := s.compensate(ctx, order.ID, "order_cancelled", &undo)
	releaseErrors := report.Notes()

	var refundError string
	if order.Status == domain.OrderStatusPaid {
		refundError = s.refund(ctx, order)
	}

	reason := strings.TrimSpace(cmd.Reason)
	notes := append([]string(nil), releaseErrors...)
	if refundError != "" {
		notes = append(notes, refundError)
	}
	updated, err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled, cancellationNote(reason, notes))
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	data := map[string]any{
		"orderId": order.ID,
		"reason":  reason,
	}
	if len(releaseErrors) > 0 {
		data["releaseErrors"] = releaseErrors
	}
	if refundError != "" {
		data["refundError"] = refundError
	}
	s.publishEvent(ctx, EventOrderCancelled, order.ID, data)
	return updated, nil
}

// refund asks the gateway to return the charge and reports a note when it did not succeed.
func (s *orderService) refund(ctx context.Context, order domain.Order) string {
	req := RefundRequest{
		OrderID:  order.ID,
		Amount:   order.TotalAmount,
		Currency: order.Currency,
	}
	if payment, ok := order.LatestPayment(); ok {
		req.TransactionID = payment.TransactionID
	}

	result, err := s.payments.Refund(ctx, req)
	switch {
	case err != nil:
		s.logger(ctx, "order.refund.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		s.recordCompensation("refund", true)
		return "Refund failed: " + err.Error()
	case !result.Success:
		reason := strings.TrimSpace(result.Error)
		if reason == "" {
			reason = "declined"
		}
		s.logger(ctx, "order.refund.declined", map[string]any{
			"orderId": order.ID,
			"reason":  reason,
		})
		s.recordCompensation("refund", true)
		return "Refund failed: " + reason
	default:
		s.recordCompensation("refund", false)
		return ""
	}
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !domain.CanTransition(order.Status, cmd.Status) {
		return domain.Order{}, fmt.Errorf("%w: Cannot transition from %s to %s", ErrInvalidStatusTransition, order.Status, cmd.Status)
	}

	note := strings.TrimSpace(cmd.Note)
	if _, err := s.orders.UpdateStatus(ctx, order.ID, cmd.Status, note); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	data := map[string]any{
		"orderId":        order.ID,
		"previousStatus": string(order.Status),
		"newStatus":      string(cmd.Status),
	}
	if note != "" {
		data["note"] = note
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		data["changedBy"] = actor
	}
	s.publishEvent(ctx, EventOrderStatusChanged, order.ID, data)

	updated, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != strings.TrimSpace(userID) {
		return domain.Order{}, ErrOrderForbidden
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.OrderPage, error) {
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" {
		return domain.OrderPage{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return domain.OrderPage{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *filter.Status)
	}

	page, limit := normalisePagination(filter.Page, filter.Limit)
	result, err := s.orders.FindByUser(ctx, userID, repositories.OrderListFilter{
		Page:   page,
		Limit:  limit,
		Status: filter.Status,
	})
	if err != nil {
		return domain.OrderPage{}, s.mapRepositoryError(err)
	}
	return result, nil
}

// NormalisePagination applies the list defaults: page 1, limit 10, capped at 100.
func NormalisePagination(page, limit int) (int, int) {
	return normalisePagination(page, limit)
}

func normalisePagination(page, limit int) (int, int) {
	if page < 1 {
		page = defaultOrderPage
	}
	switch {
	case limit <= 0:
		limit = defaultOrderPageLimit
	case limit > maxOrderPageLimit:
		limit = maxOrderPageLimit
	}
	return page, limit
}

func (s *orderService) compensate(ctx context.Context, orderID, trigger string, undo *Compensations) CompensationReport {
	report := undo.Run(ctx)
	for _, outcome := range report.Outcomes {
		s.recordCompensation(outcome.Action, outcome.Err != nil)
		if outcome.Err == nil {
			continue
		}
		s.logger(ctx, "order.compensation.failed", map[string]any{
			"orderId":   orderID,
			"trigger":   trigger,
			"action":    outcome.Action,
			"productId": outcome.ProductID,
			"quantity":  outcome.Quantity,
			"error":     outcome.Err.Error(),
		})
	}
	if report.Attempted() > 0 {
		s.logger(ctx, "order.compensation.completed", map[string]any{
			"orderId":   orderID,
			"trigger":   trigger,
			"attempted": report.Attempted(),
			"failed":    len(report.Failures()),
		})
	}
	return report
}

func (s *orderService) publishEvent(ctx context.Context, eventType, orderID string, data map[string]any) {
	if s.events == nil {
		return
	}
	event := Event{
		Type:          eventType,
		Data:          data,
		CorrelationID: orderID,
		OccurredAt:    s.clock(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  eventType,
			"order": orderID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
		}
	}
	return err
}

func (s *orderService) recordCreated(outcome string) {
	if s.metrics != nil {
		s.metrics.OrderCreated(outcome)
	}
}

func (s *orderService) recordPayment(outcome string) {
	if s.metrics != nil {
		s.metrics.PaymentProcessed(outcome)
	}
}

func (s *orderService) recordCompensation(action string, failed bool) {
	if s.metrics != nil {
		s.metrics.CompensationRan(action, failed)
	}
}

func releaseAllItems(products ProductClient, items []domain.OrderItem) Compensations {
	var undo Compensations
	for _, item := range items {
		undo.Add(releaseStockCompensation(products, item.ProductID, item.Quantity))
	}
	return undo
}

func buildOrderItems(lines []CartItem) ([]domain.OrderItem, decimal.Decimal) {
	items := make([]domain.OrderItem, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		item := domain.OrderItem{
			ProductID:       line.ProductID,
			ProductName:     line.Name,
			Quantity:        line.Quantity,
			PriceAtPurchase: line.Price,
		}
		total = total.Add(item.LineTotal())
		items = append(items, item)
	}
	return items, total
}

func eventItems(items []domain.OrderItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"productId":   item.ProductID,
			"productName": item.ProductName,
			"quantity":    item.Quantity,
			"price":       item.PriceAtPurchase,
		})
	}
	return out
}

func cancellationNote(reason string, notes []string) string {
	if reason == "" {
		reason = noteCancelFallback
	}
	if len(notes) == 0 {
		return reason
	}
	return reason + ". Note: " + strings.Join(notes, "; ")
}

func validateShippingAddress(addr domain.ShippingAddress) error {
	var missing []string
	if strings.TrimSpace(addr.Street) == "" {
		missing = append(missing, "street")
	}
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(addr.State) == "" {
		missing = append(missing, "state")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(addr.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shipping address missing %s", ErrOrderInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func normaliseAddress(addr domain.ShippingAddress) domain.ShippingAddress {
	return domain.ShippingAddress{
		Street:     strings.TrimSpace(addr.Street),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
	}
}
