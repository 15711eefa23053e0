package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/platform/auth"
	"github.com/bikeshop/order-service/internal/platform/httpx"
	"github.com/bikeshop/order-service/internal/platform/requestctx"
	"github.com/bikeshop/order-service/internal/services"
)

const (
	maxOrderBodySize = 16 * 1024

	defaultPage  = 1
	defaultLimit = 10
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

// OrderHandlers exposes the order endpoints under /api/orders.
type OrderHandlers struct {
	orders     services.OrderService
	idempotent func(http.Handler) http.Handler
}

// OrderHandlersOption customises order handler construction.
type OrderHandlersOption func(*OrderHandlers)

// WithIdempotency wraps the order creation and payment routes with the given middleware.
func WithIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotent = mw
	}
}

// NewOrderHandlers wires the order service into HTTP handlers.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order routes. Callers are expected to have applied authentication.
func (h *OrderHandlers) Routes(r chi.Router) {
	idempotent := h.idempotent
	if idempotent == nil {
		idempotent = func(next http.Handler) http.Handler { return next }
	}

	r.With(idempotent).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.With(idempotent).Post("/{orderId}/pay", h.processPayment)
	r.Post("/{orderId}/cancel", h.cancelOrder)
	r.With(auth.RequireAdmin).Put("/{orderId}/status", h.updateStatus)
}

type shippingAddressRequest struct {
	Street     *string `json:"street"`
	City       *string `json:"city"`
	State      *string `json:"state"`
	PostalCode *string `json:"postalCode"`
	Country    *string `json:"country"`
}

type createOrderRequest struct {
	ShippingAddress *shippingAddressRequest `json:"shippingAddress"`
}

type processPaymentRequest struct {
	CardToken *string `json:"cardToken"`
}

type cancelOrderRequest struct {
	Reason *string `json:"reason"`
}

type updateStatusRequest struct {
	Status *string `json:"status"`
	Note   *string `json:"note"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var problems fieldErrors
	var address domain.ShippingAddress
	if req.ShippingAddress == nil {
		problems.add("shippingAddress", "Required")
	} else {
		address = domain.ShippingAddress{
			Street:     problems.requiredString("shippingAddress.street", req.ShippingAddress.Street, "Street is required"),
			City:       problems.requiredString("shippingAddress.city", req.ShippingAddress.City, "City is required"),
			State:      problems.requiredString("shippingAddress.state", req.ShippingAddress.State, "State is required"),
			PostalCode: problems.requiredString("shippingAddress.postalCode", req.ShippingAddress.PostalCode, "Postal code is required"),
			Country:    problems.requiredString("shippingAddress.country", req.ShippingAddress.Country, "Country is required"),
		}
	}
	if problems.any() {
		problems.write(ctx, w)
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UserID,
		AuthToken:       identity.Token,
		ShippingAddress: address,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusCreated, buildOrderPayload(order), nil)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	page := positiveIntOr(query.Get("page"), defaultPage)
	limit := positiveIntOr(query.Get("limit"), defaultLimit)
	page, limit = services.NormalisePagination(page, limit)

	filter := services.OrderListFilter{UserID: identity.UserID, Page: page, Limit: limit}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			var problems fieldErrors
			problems.add("status", invalidStatusMessage(raw))
			problems.write(ctx, w)
			return
		}
		filter.Status = &status
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Orders))
	for _, order := range result.Orders {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteData(w, http.StatusOK, items, httpx.NewMeta(page, limit, result.Total))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, identity.UserID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order), nil)
}

func (h *OrderHandlers) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req processPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var problems fieldErrors
	cardToken := problems.requiredString("cardToken", req.CardToken, "Card token is required")
	if problems.any() {
		problems.write(ctx, w)
		return
	}

	order, err := h.orders.ProcessPayment(ctx, services.ProcessPaymentCommand{
		OrderID:   orderID,
		UserID:    identity.UserID,
		CardToken: cardToken,
		AuthToken: identity.Token,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order), nil)
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reason := ""
	if req.Reason != nil {
		reason = strings.TrimSpace(*req.Reason)
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  identity.UserID,
		Reason:  reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order), nil)
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var problems fieldErrors
	var status domain.OrderStatus
	switch {
	case req.Status == nil:
		problems.add("status", "Required")
	default:
		parsed, ok := domain.ParseOrderStatus(*req.Status)
		if !ok {
			problems.add("status", invalidStatusMessage(*req.Status))
		}
		status = parsed
	}
	if problems.any() {
		problems.write(ctx, w)
		return
	}
	note := ""
	if req.Note != nil {
		note = strings.TrimSpace(*req.Note)
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID: orderID,
		Status:  status,
		Note:    note,
		ActorID: identity.UserID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order), nil)
}

func (h *OrderHandlers) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("SERVICE_UNAVAILABLE", "Order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		var problems fieldErrors
		problems.add("orderId", "Required")
		problems.write(r.Context(), w)
		return "", false
	}
	return orderID, true
}

// decodeBody reads a JSON object into dst. An empty body decodes as {} so the
// field checks report what is missing.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("PAYLOAD_TOO_LARGE", "Request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("INVALID_REQUEST", "Unable to read request body", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("INVALID_JSON", "Request body must be a valid JSON object", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

func positiveIntOr(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func invalidStatusMessage(received string) string {
	statuses := domain.OrderStatuses()
	quoted := make([]string, 0, len(statuses))
	for _, status := range statuses {
		quoted = append(quoted, "'"+string(status)+"'")
	}
	return fmt.Sprintf("Invalid enum value. Expected %s, received '%s'", strings.Join(quoted, " | "), strings.TrimSpace(received))
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type fieldErrors []fieldError

func (f *fieldErrors) add(field, message string) {
	*f = append(*f, fieldError{Field: field, Message: message})
}

func (f *fieldErrors) requiredString(field string, value *string, message string) string {
	if value == nil {
		f.add(field, "Required")
		return ""
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		f.add(field, message)
	}
	return trimmed
}

func (f fieldErrors) any() bool { return len(f) > 0 }

func (f fieldErrors) write(ctx context.Context, w http.ResponseWriter) {
	parts := make([]string, 0, len(f))
	for _, problem := range f {
		parts = append(parts, problem.Field+": "+problem.Message)
	}
	httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", strings.Join(parts, ", "), http.StatusBadRequest).WithDetails([]fieldError(f)))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var declined *services.PaymentDeclinedError
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", detailOr(err, services.ErrOrderInvalidInput, "Invalid input"), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("CART_EMPTY", "Cart is empty", http.StatusBadRequest))
	// Reservation failures wrap the product service's stock error.
	case errors.Is(err, services.ErrInventoryReservationFailed):
		status := http.StatusBadRequest
		if services.IsUpstreamFailure(err) {
			status = http.StatusBadGateway
		}
		httpx.WriteError(ctx, w, httpx.NewError("INVENTORY_RESERVATION_FAILED", "Failed to reserve inventory", status))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("INSUFFICIENT_STOCK", detailOr(err, services.ErrInsufficientStock, "Insufficient stock"), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("ORDER_NOT_FOUND", "Order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("PRODUCT_NOT_FOUND", detailOr(err, services.ErrProductNotFound, "Product not found"), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("UNAUTHORIZED", "Unauthorized", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderCannotBePaid):
		httpx.WriteError(ctx, w, httpx.NewError("ORDER_CANNOT_BE_PAID", "Order cannot be paid", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderCannotBeCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("ORDER_CANNOT_BE_CANCELLED", "Order cannot be cancelled", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidStatusTransition):
		httpx.WriteError(ctx, w, httpx.NewError("INVALID_STATUS_TRANSITION", detailOr(err, services.ErrInvalidStatusTransition, "Invalid status transition"), http.StatusBadRequest))
	case errors.As(err, &declined):
		httpx.WriteError(ctx, w, httpx.NewError("PAYMENT_FAILED", declined.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("PAYMENT_FAILED", "Payment failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("ORDER_CONFLICT", "Order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrUpstreamTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("UPSTREAM_TIMEOUT", "A dependent service timed out", http.StatusGatewayTimeout))
	case errors.Is(err, services.ErrUpstreamUnavailable), errors.Is(err, services.ErrUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("UPSTREAM_UNAVAILABLE", "A dependent service is unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("SERVICE_UNAVAILABLE", "Order store unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("unhandled order error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("INTERNAL_ERROR", "An unexpected error occurred", http.StatusInternalServerError))
	}
}

func detailOr(err, sentinel error, fallback string) string {
	if detail := services.ErrorDetail(err, sentinel); detail != "" {
		return detail
	}
	return fallback
}

type orderPayload struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"userId"`
	Status          string                 `json:"status"`
	TotalAmount     string                 `json:"totalAmount"`
	Currency        string                 `json:"currency"`
	ShippingAddress addressPayload         `json:"shippingAddress"`
	Items           []orderItemPayload     `json:"items"`
	StatusHistory   []statusHistoryPayload `json:"statusHistory"`
	Payments        []paymentPayload       `json:"payments"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt,omitempty"`
}

type addressPayload struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type orderItemPayload struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	ProductName     string `json:"productName"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase string `json:"priceAtPurchase"`
}

type statusHistoryPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type paymentPayload struct {
	ID            string `json:"id"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.StringFixed(2),
		Currency:    order.Currency,
		ShippingAddress: addressPayload{
			Street:     order.ShippingAddress.Street,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		Items:         make([]orderItemPayload, 0, len(order.Items)),
		StatusHistory: make([]statusHistoryPayload, 0, len(order.StatusHistory)),
		Payments:      make([]paymentPayload, 0, len(order.Payments)),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:              item.ID,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase.StringFixed(2),
		})
	}
	for _, entry := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusHistoryPayload{
			ID:        entry.ID,
			Status:    string(entry.Status),
			Note:      entry.Note,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	for _, payment := range order.Payments {
		payload.Payments = append(payload.Payments, paymentPayload{
			ID:            payment.ID,
			Amount:        payment.Amount.StringFixed(2),
			TransactionID: payment.TransactionID,
			Status:        string(payment.Status),
			CreatedAt:     formatTime(payment.CreatedAt),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
