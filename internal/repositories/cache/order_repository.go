package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
)

const (
	keyPrefix  = "order:"
	defaultTTL = 5 * time.Minute
)

// OrderRepository serves FindByID from Redis and drops the cached entry on every write to the order.
// Redis failures degrade to the primary store and are only logged.
type OrderRepository struct {
	primary repositories.OrderRepository
	client  redis.UniversalClient
	ttl     time.Duration
	logger  *zap.Logger
}

// NewOrderRepository decorates primary with a read-through cache.
func NewOrderRepository(primary repositories.OrderRepository, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*OrderRepository, error) {
	if primary == nil || client == nil {
		return nil, errors.New("cache: primary repository and redis client are required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderRepository{primary: primary, client: client, ttl: ttl, logger: logger}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	return r.primary.Create(ctx, draft)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	key := keyPrefix + orderID
	cached, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var order domain.Order
		if err := json.Unmarshal(cached, &order); err == nil {
			return order, nil
		}
		r.logger.Warn("cache: discarding undecodable entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("cache: read failed", zap.String("key", key), zap.Error(err))
	}

	order, err := r.primary.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if data, err := json.Marshal(order); err == nil {
		if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
			r.logger.Warn("cache: write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return order, nil
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.primary.FindByUser(ctx, userID, filter)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) (domain.Order, error) {
	defer r.invalidate(ctx, orderID)
	return r.primary.UpdateStatus(ctx, orderID, status, note)
}

func (r *OrderRepository) CreatePayment(ctx context.Context, draft domain.PaymentDraft) (domain.Payment, error) {
	defer r.invalidate(ctx, draft.OrderID)
	return r.primary.CreatePayment(ctx, draft)
}

// Ping checks the primary store. The cache is optional for readiness.
func (r *OrderRepository) Ping(ctx context.Context) error {
	if checker, ok := r.primary.(repositories.HealthChecker); ok {
		return checker.Ping(ctx)
	}
	return nil
}

func (r *OrderRepository) invalidate(ctx context.Context, orderID string) {
	if err := r.client.Del(context.WithoutCancel(ctx), keyPrefix+orderID).Err(); err != nil {
		r.logger.Warn("cache: invalidate failed", zap.String("orderId", orderID), zap.Error(err))
	}
}
