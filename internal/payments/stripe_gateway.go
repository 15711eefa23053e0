package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/bikeshop/order-service/internal/services"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeGateway charges cards directly through Stripe PaymentIntents instead of the payment service.
type StripeGateway struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

var _ services.PaymentGateway = (*StripeGateway)(nil)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// ProcessPayment creates and confirms a PaymentIntent using the card token as payment method.
func (g *StripeGateway) ProcessPayment(ctx context.Context, req services.PaymentRequest) (services.PaymentResult, error) {
	if g == nil {
		return services.PaymentResult{}, errors.New("stripe: gateway is nil")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	amount, err := MinorUnits(req.Amount, currency)
	if err != nil {
		return services.PaymentResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(strings.ToLower(currency)),
		PaymentMethod:      stripe.String(req.CardToken),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Metadata:           map[string]string{"orderId": req.OrderID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("order-" + req.OrderID + "-charge")
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		if reason, declined := declineReason(err); declined {
			g.logger(ctx, "payments.stripe.intent.declined", map[string]any{
				"orderId": req.OrderID,
				"reason":  reason,
			})
			return services.PaymentResult{Success: false, Error: reason}, nil
		}
		return services.PaymentResult{}, fmt.Errorf("%w: stripe: create payment intent: %w", services.ErrUpstreamUnavailable, err)
	}

	// A processing intent may still settle, so the order stays pending.
	if intent.Status == stripe.PaymentIntentStatusProcessing {
		g.logger(ctx, "payments.stripe.intent.processing", map[string]any{
			"orderId":       req.OrderID,
			"paymentIntent": intent.ID,
		})
		return services.PaymentResult{}, fmt.Errorf("%w: stripe: payment intent %s is still processing", services.ErrUpstreamUnavailable, intent.ID)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		reason := "Payment requires additional action"
		if intent.LastPaymentError != nil && strings.TrimSpace(intent.LastPaymentError.Msg) != "" {
			reason = intent.LastPaymentError.Msg
		}
		g.logger(ctx, "payments.stripe.intent.incomplete", map[string]any{
			"orderId":       req.OrderID,
			"paymentIntent": intent.ID,
			"status":        intent.Status,
		})
		return services.PaymentResult{Success: false, Error: reason}, nil
	}

	g.logger(ctx, "payments.stripe.intent.succeeded", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})
	return services.PaymentResult{Success: true, TransactionID: intent.ID}, nil
}

// Refund refunds the PaymentIntent recorded as the order's transaction.
func (g *StripeGateway) Refund(ctx context.Context, req services.RefundRequest) (services.PaymentResult, error) {
	if g == nil {
		return services.PaymentResult{}, errors.New("stripe: gateway is nil")
	}
	intentID := strings.TrimSpace(req.TransactionID)
	if intentID == "" {
		return services.PaymentResult{Success: false, Error: "no charge recorded for order"}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		Metadata:      map[string]string{"orderId": req.OrderID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("order-" + req.OrderID + "-refund")
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		if reason, declined := declineReason(err); declined {
			return services.PaymentResult{Success: false, Error: reason}, nil
		}
		return services.PaymentResult{}, fmt.Errorf("%w: stripe: refund payment intent: %w", services.ErrUpstreamUnavailable, err)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return services.PaymentResult{Success: false, Error: "Refund " + string(refund.Status)}, nil
	}

	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intentID,
		"refund":        refund.ID,
	})
	return services.PaymentResult{Success: true, TransactionID: refund.ID}, nil
}

// MinorUnits converts a decimal amount into the integer smallest-currency-unit Stripe expects.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: amount must not be negative", services.ErrOrderInvalidInput)
	}
	scaled := amount
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; !ok {
		scaled = amount.Shift(2)
	}
	if !scaled.Equal(scaled.Round(0)) {
		return 0, fmt.Errorf("%w: amount %s has more precision than %s allows", services.ErrOrderInvalidInput, amount, currency)
	}
	return scaled.IntPart(), nil
}

// declineReason separates card and request problems, which the customer can fix, from Stripe outages.
func declineReason(err error) (string, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return "", false
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		msg := strings.TrimSpace(stripeErr.Msg)
		if msg == "" {
			msg = "Payment failed"
		}
		return msg, true
	default:
		return "", false
	}
}
