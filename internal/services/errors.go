package services

import (
	"errors"
	"strings"
)

var (
	// ErrOrderInvalidInput indicates the command failed validation.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrCartEmpty indicates the caller's cart has no items.
	ErrCartEmpty = errors.New("order: cart is empty")
	// ErrInsufficientStock indicates the product cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrInventoryReservationFailed indicates stock could not be reserved for every cart line.
	ErrInventoryReservationFailed = errors.New("order: failed to reserve inventory")
	// ErrProductNotFound indicates the product service has no such product.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller does not own the order.
	ErrOrderForbidden = errors.New("order: caller does not own order")
	// ErrOrderCannotBePaid indicates the order is not awaiting payment.
	ErrOrderCannotBePaid = errors.New("order: cannot be paid")
	// ErrOrderCannotBeCancelled indicates the order is past the point of cancellation.
	ErrOrderCannotBeCancelled = errors.New("order: cannot be cancelled")
	// ErrInvalidStatusTransition indicates the requested edge is absent from the transition table.
	ErrInvalidStatusTransition = errors.New("order: invalid status transition")
	// ErrPaymentFailed matches every declined payment.
	ErrPaymentFailed = errors.New("order: payment failed")
	// ErrOrderConflict indicates a concurrent write won.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")

	// ErrUpstream indicates a collaborating service answered with an unexpected status.
	ErrUpstream = errors.New("upstream: unexpected response")
	// ErrUpstreamUnavailable indicates a collaborating service could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream: unavailable")
	// ErrUpstreamTimeout indicates a collaborating service did not answer within the client budget.
	ErrUpstreamTimeout = errors.New("upstream: timeout")
)

const defaultPaymentFailure = "Payment failed"

// PaymentDeclinedError carries the gateway's reason verbatim.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return defaultPaymentFailure
	}
	return e.Reason
}

// Is lets errors.Is(err, ErrPaymentFailed) match declines.
func (e *PaymentDeclinedError) Is(target error) bool {
	return target == ErrPaymentFailed
}

// IsUpstreamFailure reports whether err originates from a collaborating service rather than the caller's input.
func IsUpstreamFailure(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout)
}

// ErrorDetail returns the text wrapped after sentinel, e.g. "Insufficient stock for Trail Bike"
// from fmt.Errorf("%w: Insufficient stock for Trail Bike", ErrInsufficientStock).
func ErrorDetail(err, sentinel error) string {
	if err == nil || sentinel == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.Index(msg, sentinel.Error()+": ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(msg[idx+len(sentinel.Error())+2:])
}
