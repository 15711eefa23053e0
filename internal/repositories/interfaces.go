package repositories

import (
	"context"
	"errors"

	"github.com/bikeshop/order-service/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderListFilter narrows FindByUser results. Page is 1-based.
type OrderListFilter struct {
	Page   int
	Limit  int
	Status *domain.OrderStatus
}

// Offset converts the page/limit pair into a row offset.
func (f OrderListFilter) Offset() int {
	if f.Page <= 1 || f.Limit <= 0 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// OrderRepository persists the order aggregate.
type OrderRepository interface {
	// Create stores the order, its items, address and the initial pending history entry in one write.
	Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error)
	// FindByID returns a RepositoryError with IsNotFound when the order does not exist.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByUser(ctx context.Context, userID string, filter OrderListFilter) (domain.OrderPage, error)
	// UpdateStatus sets the status and appends exactly one history row. It does not validate the transition.
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) (domain.Order, error)
	CreatePayment(ctx context.Context, draft domain.PaymentDraft) (domain.Payment, error)
}

// HealthChecker is implemented by stores that can report readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// InitialStatusNote is the history note written when an order is created.
const InitialStatusNote = "Order created"

// Error is a general purpose RepositoryError used by stores without a native error taxonomy.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Unavailable }

// ErrOrderNotFound is the underlying cause attached to not-found repository errors.
var ErrOrderNotFound = errors.New("order not found")

// NotFound builds a not-found RepositoryError for the operation.
func NotFound(op string) *Error {
	return &Error{Op: op, Err: ErrOrderNotFound, NotFound: true}
}

// IsNotFound reports whether err is a RepositoryError classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
