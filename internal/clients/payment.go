package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bikeshop/order-service/internal/services"
)

const (
	defaultPaymentTimeout = 30 * time.Second
	paymentsPath          = "/api/payments"

	defaultPaymentFailure = "Payment failed"
	defaultRefundFailure  = "Refund failed"

	clusterServiceSuffix = ".svc.cluster.local"
	paymentServiceHost   = "payment-service"
)

var defaultPaymentHosts = []string{paymentServiceHost, "localhost", "127.0.0.1"}

// PaymentOptions extends Options with the hosts the payment service may live on.
type PaymentOptions struct {
	Options
	AllowedHosts []string
}

// PaymentClient charges and refunds orders through the payment service.
// Declines come back as PaymentResult values; only transport failures are errors.
type PaymentClient struct {
	client *serviceClient
}

var _ services.PaymentGateway = (*PaymentClient)(nil)

type paymentBody struct {
	OrderID   string      `json:"orderId"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	CardToken string      `json:"cardToken"`
}

type transactionPayload struct {
	TransactionID string `json:"transactionId"`
}

// NewPaymentClient refuses base URLs whose host is not allowlisted so card tokens never leave the cluster.
func NewPaymentClient(opts PaymentOptions) (*PaymentClient, error) {
	client, err := newServiceClient("payment", opts.Options, defaultPaymentTimeout)
	if err != nil {
		return nil, err
	}
	if !PaymentHostAllowed(client.host, opts.AllowedHosts) {
		return nil, fmt.Errorf("payment client: untrusted payment service host %q", client.host)
	}
	return &PaymentClient{client: client}, nil
}

// PaymentHostAllowed reports whether host is a default payment host, a namespaced cluster
// address of the payment service, or listed in extra.
func PaymentHostAllowed(host string, extra []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if slices.Contains(defaultPaymentHosts, host) {
		return true
	}
	if strings.HasPrefix(host, paymentServiceHost+".") && strings.HasSuffix(host, clusterServiceSuffix) {
		return true
	}
	for _, allowed := range extra {
		if strings.EqualFold(strings.TrimSpace(allowed), host) {
			return true
		}
	}
	return false
}

func (c *PaymentClient) ProcessPayment(ctx context.Context, req services.PaymentRequest) (services.PaymentResult, error) {
	body := paymentBody{
		OrderID:   req.OrderID,
		Amount:    json.Number(req.Amount.String()),
		Currency:  req.Currency,
		CardToken: req.CardToken,
	}
	return c.post(ctx, paymentsPath, body, defaultPaymentFailure)
}

// Refund refunds the order's charge. The payment service locates the charge by order id.
func (c *PaymentClient) Refund(ctx context.Context, req services.RefundRequest) (services.PaymentResult, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return services.PaymentResult{}, fmt.Errorf("%w: order id is required", services.ErrOrderInvalidInput)
	}
	path := paymentsPath + "/order/" + url.PathEscape(orderID) + "/refund"
	return c.post(ctx, path, nil, defaultRefundFailure)
}

func (c *PaymentClient) post(ctx context.Context, path string, body any, fallback string) (services.PaymentResult, error) {
	resp, err := c.client.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return services.PaymentResult{}, err
	}
	switch {
	case resp.ok():
		var payload transactionPayload
		if err := resp.decodeData(&payload); err != nil {
			return services.PaymentResult{}, err
		}
		return services.PaymentResult{Success: true, TransactionID: payload.TransactionID}, nil
	case resp.status >= http.StatusInternalServerError:
		return services.PaymentResult{}, c.client.statusError(http.MethodPost, path, resp)
	default:
		reason := resp.errorMessage()
		if reason == "" {
			reason = fallback
		}
		return services.PaymentResult{Success: false, Error: reason}, nil
	}
}
