package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
	"github.com/bikeshop/order-service/internal/repositories/memory"
)

type countingRepo struct {
	repositories.OrderRepository
	finds int
}

func (c *countingRepo) FindByID(ctx context.Context, id string) (domain.Order, error) {
	c.finds++
	return c.OrderRepository.FindByID(ctx, id)
}

func setup(t *testing.T) (*OrderRepository, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	primary := &countingRepo{OrderRepository: memory.NewOrderRepository()}
	repo, err := NewOrderRepository(primary, client, time.Minute, zap.NewNop())
	require.NoError(t, err)

	_, err = primary.Create(context.Background(), domain.OrderDraft{
		ID:          "o1",
		UserID:      "u1",
		TotalAmount: decimal.RequireFromString("10.00"),
		Currency:    "USD",
		Items:       []domain.OrderItem{{ProductID: "p1", ProductName: "Cap", Quantity: 1, PriceAtPurchase: decimal.RequireFromString("10.00")}},
	})
	require.NoError(t, err)
	return repo, primary, mr
}

func TestFindByIDReadsThroughCache(t *testing.T) {
	repo, primary, mr := setup(t)
	ctx := context.Background()

	first, err := repo.FindByID(ctx, "o1")
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, "o1")
	require.NoError(t, err)

	require.Equal(t, 1, primary.finds)
	require.Equal(t, first.ID, second.ID)
	require.True(t, first.TotalAmount.Equal(second.TotalAmount))
	require.True(t, mr.Exists("order:o1"))
	require.Equal(t, time.Minute, mr.TTL("order:o1"))
}

func TestWritesInvalidateCache(t *testing.T) {
	repo, primary, mr := setup(t)
	ctx := context.Background()

	_, err := repo.FindByID(ctx, "o1")
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, "o1", domain.OrderStatusPaid, "Payment successful")
	require.NoError(t, err)
	require.False(t, mr.Exists("order:o1"))

	order, err := repo.FindByID(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, order.Status)
	require.Equal(t, 2, primary.finds)

	_, err = repo.CreatePayment(ctx, domain.PaymentDraft{OrderID: "o1", Amount: decimal.RequireFromString("10.00"), TransactionID: "txn"})
	require.NoError(t, err)
	require.False(t, mr.Exists("order:o1"))
}

func TestCacheOutageFallsBackToPrimary(t *testing.T) {
	repo, primary, mr := setup(t)
	mr.Close()

	order, err := repo.FindByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, "o1", order.ID)
	require.Equal(t, 1, primary.finds)
}

func TestNotFoundIsNotCached(t *testing.T) {
	repo, _, mr := setup(t)
	_, err := repo.FindByID(context.Background(), "missing")
	require.True(t, repositories.IsNotFound(err))
	require.False(t, mr.Exists("order:missing"))
}
