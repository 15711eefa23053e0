package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
)

// OrderRepository keeps orders in process memory. It backs local development and handler tests.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	clock  func() time.Time
	newID  func() string
}

// Option customises the in-memory repository.
type Option func(*OrderRepository)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *OrderRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIDGenerator overrides the generator used for item, history and payment identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(r *OrderRepository) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewOrderRepository constructs an empty store.
func NewOrderRepository(opts ...Option) *OrderRepository {
	repo := &OrderRepository{
		orders: make(map[string]domain.Order),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		return domain.Order{}, &repositories.Error{Op: "orders.create", Err: errors.New("order id is required")}
	}

	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}
	createdAt = createdAt.UTC()

	order := domain.Order{
		ID:              id,
		UserID:          draft.UserID,
		Status:          domain.OrderStatusPending,
		TotalAmount:     draft.TotalAmount,
		Currency:        draft.Currency,
		ShippingAddress: draft.ShippingAddress,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	for _, item := range draft.Items {
		if item.ID == "" {
			item.ID = r.newID()
		}
		order.Items = append(order.Items, item)
	}
	order.StatusHistory = []domain.StatusHistoryEntry{{
		ID:        r.newID(),
		Status:    domain.OrderStatusPending,
		Note:      repositories.InitialStatusNote,
		CreatedAt: createdAt,
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		return domain.Order{}, &repositories.Error{Op: "orders.create", Err: errors.New("order already exists"), Conflict: true}
	}
	r.orders[id] = order
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.get")
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderPage{}, err
	}
	r.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, order := range r.orders {
		if order.UserID != userID {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		matched = append(matched, order)
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := domain.OrderPage{Total: len(matched), Orders: []domain.Order{}}
	start := filter.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	for _, order := range matched[start:end] {
		page.Orders = append(page.Orders, cloneOrder(order))
	}
	return page, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.update_status")
	}
	order.Status = status
	order.UpdatedAt = now
	order.StatusHistory = append(cloneHistory(order.StatusHistory), domain.StatusHistoryEntry{
		ID:        r.newID(),
		Status:    status,
		Note:      note,
		CreatedAt: now,
	})
	r.orders[orderID] = order
	return cloneOrder(order), nil
}

func (r *OrderRepository) CreatePayment(ctx context.Context, draft domain.PaymentDraft) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, err
	}
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[draft.OrderID]
	if !ok {
		return domain.Payment{}, repositories.NotFound("orders.create_payment")
	}
	payment := domain.Payment{
		ID:            r.newID(),
		OrderID:       draft.OrderID,
		Amount:        draft.Amount,
		TransactionID: draft.TransactionID,
		Status:        domain.PaymentStatusCompleted,
		CreatedAt:     createdAt.UTC(),
	}
	order.Payments = append(append([]domain.Payment(nil), order.Payments...), payment)
	r.orders[draft.OrderID] = order
	return payment, nil
}

// Ping always succeeds.
func (r *OrderRepository) Ping(context.Context) error { return nil }

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	order.StatusHistory = cloneHistory(order.StatusHistory)
	order.Payments = append([]domain.Payment(nil), order.Payments...)
	return order
}

func cloneHistory(history []domain.StatusHistoryEntry) []domain.StatusHistoryEntry {
	return append([]domain.StatusHistoryEntry(nil), history...)
}
