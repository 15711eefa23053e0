package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/platform/auth"
	"github.com/bikeshop/order-service/internal/services"
)

type stubOrderService struct {
	createFn func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	payFn    func(context.Context, services.ProcessPaymentCommand) (domain.Order, error)
	cancelFn func(context.Context, services.CancelOrderCommand) (domain.Order, error)
	statusFn func(context.Context, services.UpdateStatusCommand) (domain.Order, error)
	getFn    func(context.Context, string, string) (domain.Order, error)
	listFn   func(context.Context, services.OrderListFilter) (domain.OrderPage, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ProcessPayment(ctx context.Context, cmd services.ProcessPaymentCommand) (domain.Order, error) {
	if s.payFn != nil {
		return s.payFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateStatusCommand) (domain.Order, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, userID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.OrderPage, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.OrderPage{}, nil
}

type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    *struct {
		Page       int `json:"page"`
		Limit      int `json:"limit"`
		Total      int `json:"total"`
		TotalPages int `json:"totalPages"`
	} `json:"meta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelopeResponse {
	t.Helper()
	var body envelopeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func sampleOrder() domain.Order {
	created := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	return domain.Order{
		ID:          "ord_1",
		UserID:      "user-1",
		Status:      domain.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("59.97"),
		Currency:    "USD",
		Items: []domain.OrderItem{
			{ID: "item-1", ProductID: "prod-1", ProductName: "Chain Lube", Quantity: 3, PriceAtPurchase: decimal.RequireFromString("19.99")},
		},
		ShippingAddress: domain.ShippingAddress{Street: "1 Main St", City: "Portland", State: "OR", PostalCode: "97201", Country: "US"},
		StatusHistory: []domain.StatusHistoryEntry{
			{ID: "hist-1", Status: domain.OrderStatusPending, Note: "Order created", CreatedAt: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newOrderRouter(svc services.OrderService, identity *auth.Identity) chi.Router {
	handlers := NewOrderHandlers(svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if identity != nil {
				req = req.WithContext(auth.WithIdentity(req.Context(), identity))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/orders", handlers.Routes)
	return r
}

func customer() *auth.Identity {
	return &auth.Identity{UserID: "user-1", Email: "rider@example.com", Role: auth.RoleUser, Token: "tok-user"}
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(svc, customer())

	body := `{"shippingAddress":{"street":" 1 Main St ","city":"Portland","state":"OR","postalCode":"97201","country":"US"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.AuthToken != "tok-user" {
		t.Fatalf("unexpected command identity: %+v", captured)
	}
	if captured.ShippingAddress.Street != "1 Main St" {
		t.Fatalf("expected trimmed street, got %q", captured.ShippingAddress.Street)
	}

	env := decodeEnvelope(t, rr)
	if !env.Success {
		t.Fatalf("expected success envelope")
	}
	var order orderPayload
	if err := json.Unmarshal(env.Data, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.TotalAmount != "59.97" || order.Items[0].PriceAtPurchase != "19.99" {
		t.Fatalf("unexpected amounts: %+v", order)
	}
	if order.CreatedAt != "2024-05-01T09:30:00Z" {
		t.Fatalf("unexpected createdAt %q", order.CreatedAt)
	}
}

func TestOrderHandlersCreateOrderValidation(t *testing.T) {
	svc := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (domain.Order, error) {
			t.Fatalf("service must not be called")
			return domain.Order{}, nil
		},
	}
	router := newOrderRouter(svc, customer())

	cases := map[string]string{
		"": "shippingAddress: Required",
		`{"shippingAddress":{"street":"","city":"Portland","state":"OR","postalCode":"97201"}}`: "shippingAddress.street: Street is required, shippingAddress.country: Required",
	}
	for body, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
		env := decodeEnvelope(t, rr)
		if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
			t.Fatalf("body %q: expected VALIDATION_ERROR, got %s", body, rr.Body.String())
		}
		if env.Error.Message != want {
			t.Fatalf("body %q: expected message %q, got %q", body, want, env.Error.Message)
		}
	}
}

func TestOrderHandlersRejectsMalformedJSON(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, customer())
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); env.Error.Code != "INVALID_JSON" {
		t.Fatalf("expected INVALID_JSON, got %s", env.Error.Code)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.OrderPage, error) {
			captured = filter
			return domain.OrderPage{Orders: []domain.Order{sampleOrder()}, Total: 21}, nil
		},
	}
	router := newOrderRouter(svc, customer())

	req := httptest.NewRequest(http.MethodGet, "/api/orders?page=3&limit=5&status=PAID", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Page != 3 || captured.Limit != 5 {
		t.Fatalf("unexpected filter: %+v", captured)
	}
	if captured.Status == nil || *captured.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid status filter, got %v", captured.Status)
	}

	env := decodeEnvelope(t, rr)
	if env.Meta == nil || env.Meta.Total != 21 || env.Meta.TotalPages != 5 || env.Meta.Page != 3 || env.Meta.Limit != 5 {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
	var orders []orderPayload
	if err := json.Unmarshal(env.Data, &orders); err != nil {
		t.Fatalf("decode orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "ord_1" {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestOrderHandlersListOrdersDefaultsAndBadStatus(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.OrderPage, error) {
			captured = filter
			return domain.OrderPage{}, nil
		},
	}
	router := newOrderRouter(svc, customer())

	req := httptest.NewRequest(http.MethodGet, "/api/orders?page=abc&limit=-4", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.Page != 1 || captured.Limit != 10 || captured.Status != nil {
		t.Fatalf("expected default pagination, got %+v", captured)
	}
	env := decodeEnvelope(t, rr)
	if string(env.Data) != "[]" {
		t.Fatalf("expected empty array, got %s", env.Data)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/orders?status=lost", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); !strings.HasPrefix(env.Error.Message, "status: Invalid enum value") {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestOrderHandlersProcessPayment(t *testing.T) {
	var captured services.ProcessPaymentCommand
	svc := &stubOrderService{
		payFn: func(_ context.Context, cmd services.ProcessPaymentCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusPaid
			return order, nil
		},
	}
	router := newOrderRouter(svc, customer())

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ord_1/pay", strings.NewReader(`{"cardToken":"tok_visa"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := services.ProcessPaymentCommand{OrderID: "ord_1", UserID: "user-1", CardToken: "tok_visa", AuthToken: "tok-user"}
	if captured != want {
		t.Fatalf("expected %+v, got %+v", want, captured)
	}
}

func TestOrderHandlersProcessPaymentRequiresCardToken(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, customer())
	req := httptest.NewRequest(http.MethodPost, "/api/orders/ord_1/pay", strings.NewReader(`{"cardToken":"  "}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); env.Error.Message != "cardToken: Card token is required" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestOrderHandlersCancelOrderWithoutBody(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(svc, customer())

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ord_1/cancel", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.Reason != "" {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestOrderHandlersUpdateStatusRequiresAdmin(t *testing.T) {
	svc := &stubOrderService{
		statusFn: func(context.Context, services.UpdateStatusCommand) (domain.Order, error) {
			t.Fatalf("service must not be called")
			return domain.Order{}, nil
		},
	}
	router := newOrderRouter(svc, customer())

	req := httptest.NewRequest(http.MethodPut, "/api/orders/ord_1/status", strings.NewReader(`{"status":"shipped"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); env.Error.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", env.Error.Code)
	}
}

func TestOrderHandlersUpdateStatusAsAdmin(t *testing.T) {
	var captured services.UpdateStatusCommand
	svc := &stubOrderService{
		statusFn: func(_ context.Context, cmd services.UpdateStatusCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.Status
			return order, nil
		},
	}
	admin := &auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}
	router := newOrderRouter(svc, admin)

	req := httptest.NewRequest(http.MethodPut, "/api/orders/ord_1/status", strings.NewReader(`{"status":"Processing","note":" packed "}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := services.UpdateStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusProcessing, Note: "packed", ActorID: "admin-1"}
	if captured != want {
		t.Fatalf("expected %+v, got %+v", want, captured)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/orders/ord_1/status", strings.NewReader(`{"status":"teleported"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); env.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWriteOrderErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"invalid input", fmt.Errorf("%w: shipping address missing city", services.ErrOrderInvalidInput), http.StatusBadRequest, "VALIDATION_ERROR", "shipping address missing city"},
		{"cart empty", services.ErrCartEmpty, http.StatusBadRequest, "CART_EMPTY", "Cart is empty"},
		{"insufficient stock", fmt.Errorf("%w: Insufficient stock for Trail Bike", services.ErrInsufficientStock), http.StatusBadRequest, "INSUFFICIENT_STOCK", "Insufficient stock for Trail Bike"},
		{"reservation rejected", fmt.Errorf("%w: p3: sold out", services.ErrInventoryReservationFailed), http.StatusBadRequest, "INVENTORY_RESERVATION_FAILED", "Failed to reserve inventory"},
		{"reservation out of stock", fmt.Errorf("%w: p1: %w", services.ErrInventoryReservationFailed, fmt.Errorf("%w: Only 0 left", services.ErrInsufficientStock)), http.StatusBadRequest, "INVENTORY_RESERVATION_FAILED", "Failed to reserve inventory"},
		{"reservation upstream", fmt.Errorf("%w: p3: %w", services.ErrInventoryReservationFailed, services.ErrUpstreamTimeout), http.StatusBadGateway, "INVENTORY_RESERVATION_FAILED", "Failed to reserve inventory"},
		{"order not found", fmt.Errorf("%w: missing", services.ErrOrderNotFound), http.StatusNotFound, "ORDER_NOT_FOUND", "Order not found"},
		{"product not found", services.ErrProductNotFound, http.StatusNotFound, "PRODUCT_NOT_FOUND", "Product not found"},
		{"forbidden", services.ErrOrderForbidden, http.StatusForbidden, "UNAUTHORIZED", "Unauthorized"},
		{"cannot pay", fmt.Errorf("%w: status is paid", services.ErrOrderCannotBePaid), http.StatusBadRequest, "ORDER_CANNOT_BE_PAID", "Order cannot be paid"},
		{"cannot cancel", services.ErrOrderCannotBeCancelled, http.StatusBadRequest, "ORDER_CANNOT_BE_CANCELLED", "Order cannot be cancelled"},
		{"transition", fmt.Errorf("%w: Cannot transition from pending to shipped", services.ErrInvalidStatusTransition), http.StatusBadRequest, "INVALID_STATUS_TRANSITION", "Cannot transition from pending to shipped"},
		{"declined", &services.PaymentDeclinedError{Reason: "Card declined"}, http.StatusBadRequest, "PAYMENT_FAILED", "Card declined"},
		{"upstream unavailable", fmt.Errorf("cart: %w", services.ErrUpstreamUnavailable), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "A dependent service is unavailable"},
		{"upstream status", services.ErrUpstream, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "A dependent service is unavailable"},
		{"upstream timeout", services.ErrUpstreamTimeout, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "A dependent service timed out"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeOrderError(context.Background(), rr, tc.err)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			env := decodeEnvelope(t, rr)
			if env.Success || env.Error == nil {
				t.Fatalf("expected error envelope, got %s", rr.Body.String())
			}
			if env.Error.Code != tc.code || env.Error.Message != tc.message {
				t.Fatalf("expected %s/%q, got %s/%q", tc.code, tc.message, env.Error.Code, env.Error.Message)
			}
		})
	}
}
