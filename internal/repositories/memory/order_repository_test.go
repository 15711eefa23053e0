package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
)

func newTestRepo() *OrderRepository {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	seq := 0
	return NewOrderRepository(
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Minute)
		}),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
}

func draft(id, user string, at time.Time) domain.OrderDraft {
	return domain.OrderDraft{
		ID:          id,
		UserID:      user,
		TotalAmount: decimal.RequireFromString("25.50"),
		Currency:    "USD",
		Items: []domain.OrderItem{{
			ProductID:       "p1",
			ProductName:     "Chain",
			Quantity:        1,
			PriceAtPurchase: decimal.RequireFromString("25.50"),
		}},
		ShippingAddress: domain.ShippingAddress{Street: "1 Main", City: "Town", State: "CA", PostalCode: "90000", Country: "US"},
		CreatedAt:       at,
	}
}

func TestCreateWritesInitialHistory(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	order, err := repo.Create(ctx, draft("o1", "u1", time.Time{}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Note != repositories.InitialStatusNote {
		t.Fatalf("unexpected history %+v", order.StatusHistory)
	}
	if order.Items[0].ID == "" {
		t.Fatalf("expected item id to be assigned")
	}

	if _, err := repo.Create(ctx, draft("o1", "u1", time.Time{})); err == nil {
		t.Fatalf("expected conflict on duplicate id")
	} else if repoErr, ok := err.(repositories.RepositoryError); !ok || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestUpdateStatusAppendsHistory(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	if _, err := repo.Create(ctx, draft("o1", "u1", time.Time{})); err != nil {
		t.Fatalf("create: %v", err)
	}

	order, err := repo.UpdateStatus(ctx, "o1", domain.OrderStatusPaid, "Payment successful")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if order.Status != domain.OrderStatusPaid || len(order.StatusHistory) != 2 {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.UpdatedAt.After(order.CreatedAt) {
		t.Fatalf("expected updatedAt to advance")
	}

	if _, err := repo.UpdateStatus(ctx, "missing", domain.OrderStatusPaid, ""); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreatePaymentIsVisibleOnOrder(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	if _, err := repo.Create(ctx, draft("o1", "u1", time.Time{})); err != nil {
		t.Fatalf("create: %v", err)
	}
	payment, err := repo.CreatePayment(ctx, domain.PaymentDraft{OrderID: "o1", Amount: decimal.RequireFromString("25.50"), TransactionID: "txn_1"})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", payment.Status)
	}
	order, err := repo.FindByID(ctx, "o1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	latest, ok := order.LatestPayment()
	if !ok || latest.TransactionID != "txn_1" {
		t.Fatalf("expected payment on order, got %+v", order.Payments)
	}
}

func TestFindByUserPaginatesNewestFirst(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := repo.Create(ctx, draft(fmt.Sprintf("o%d", i), "u1", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := repo.Create(ctx, draft("other", "u2", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, "o1", domain.OrderStatusCancelled, "Cancelled"); err != nil {
		t.Fatalf("update: %v", err)
	}

	page, err := repo.FindByUser(ctx, "u1", repositories.OrderListFilter{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || len(page.Orders) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Orders[0].ID != "o2" || page.Orders[1].ID != "o1" {
		t.Fatalf("expected o2,o1 got %s,%s", page.Orders[0].ID, page.Orders[1].ID)
	}

	cancelled := domain.OrderStatusCancelled
	page, err = repo.FindByUser(ctx, "u1", repositories.OrderListFilter{Page: 1, Limit: 10, Status: &cancelled})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if page.Total != 1 || page.Orders[0].ID != "o1" {
		t.Fatalf("unexpected filtered page %+v", page)
	}

	page, err = repo.FindByUser(ctx, "u1", repositories.OrderListFilter{Page: 9, Limit: 10})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if page.Total != 5 || len(page.Orders) != 0 {
		t.Fatalf("expected empty page past end, got %+v", page)
	}
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	order, err := repo.Create(ctx, draft("o1", "u1", time.Time{}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	order.Items[0].Quantity = 99
	stored, err := repo.FindByID(ctx, "o1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Items[0].Quantity != 1 {
		t.Fatalf("stored order mutated through returned copy")
	}
}
