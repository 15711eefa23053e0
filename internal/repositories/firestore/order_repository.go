package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/bikeshop/order-service/internal/domain"
	pfirestore "github.com/bikeshop/order-service/internal/platform/firestore"
	"github.com/bikeshop/order-service/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository stores each order as a single document with embedded items, history and payments.
type OrderRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider, clock: time.Now}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}
	createdAt = createdAt.UTC()

	doc := orderDocument{
		UserID:      draft.UserID,
		Status:      string(domain.OrderStatusPending),
		TotalAmount: draft.TotalAmount.StringFixed(2),
		Currency:    draft.Currency,
		Address:     addressDocumentFromDomain(draft.ShippingAddress),
		History: []historyDocument{{
			ID:        newRowID(),
			Status:    string(domain.OrderStatusPending),
			Note:      repositories.InitialStatusNote,
			CreatedAt: createdAt,
		}},
		Payments:  []paymentDocument{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	for _, item := range draft.Items {
		itemID := item.ID
		if itemID == "" {
			itemID = newRowID()
		}
		doc.Items = append(doc.Items, itemDocument{
			ID:              itemID,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase.StringFixed(2),
		})
	}

	if _, err := coll.Doc(id).Create(ctx, doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	return doc.toDomain(id)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, repositories.NotFound("orders.get")
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.OrderPage{}, err
	}

	query := coll.Where("userId", "==", userID)
	if filter.Status != nil {
		query = query.Where("status", "==", string(*filter.Status))
	}

	result, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return domain.OrderPage{}, pfirestore.WrapError("orders.count", err)
	}
	total := 0
	if v, ok := result["total"].(*firestorepb.Value); ok {
		total = int(v.GetIntegerValue())
	}

	paged := query.OrderBy("createdAt", firestore.Desc).Offset(filter.Offset())
	if filter.Limit > 0 {
		paged = paged.Limit(filter.Limit)
	}
	iter := paged.Documents(ctx)
	defer iter.Stop()

	orders := []domain.Order{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.OrderPage{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.OrderPage{}, err
		}
		orders = append(orders, order)
	}
	return domain.OrderPage{Orders: orders, Total: total}, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) (domain.Order, error) {
	var saved domain.Order
	err := r.mutate(ctx, orderID, func(doc *orderDocument, now time.Time) {
		doc.Status = string(status)
		doc.UpdatedAt = now
		doc.History = append(doc.History, historyDocument{
			ID:        newRowID(),
			Status:    string(status),
			Note:      note,
			CreatedAt: now,
		})
	}, func(order domain.Order) { saved = order })
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update_status", err)
	}
	return saved, nil
}

func (r *OrderRepository) CreatePayment(ctx context.Context, draft domain.PaymentDraft) (domain.Payment, error) {
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}
	payment := domain.Payment{
		ID:            newRowID(),
		OrderID:       draft.OrderID,
		Amount:        draft.Amount,
		TransactionID: draft.TransactionID,
		Status:        domain.PaymentStatusCompleted,
		CreatedAt:     createdAt.UTC(),
	}
	err := r.mutate(ctx, draft.OrderID, func(doc *orderDocument, _ time.Time) {
		doc.Payments = append(doc.Payments, paymentDocument{
			ID:            payment.ID,
			Amount:        payment.Amount.StringFixed(2),
			TransactionID: payment.TransactionID,
			Status:        string(payment.Status),
			CreatedAt:     payment.CreatedAt,
		})
	}, nil)
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("orders.create_payment", err)
	}
	return payment, nil
}

// Ping delegates to the provider.
func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx)
}

func (r *OrderRepository) mutate(ctx context.Context, orderID string, apply func(*orderDocument, time.Time), done func(domain.Order)) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	docRef := coll.Doc(strings.TrimSpace(orderID))
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", docRef.ID, err)
		}
		apply(&doc, r.clock().UTC())
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		if done != nil {
			order, err := doc.toDomain(docRef.ID)
			if err != nil {
				return err
			}
			done(order)
		}
		return nil
	})
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection), nil
}

type orderDocument struct {
	UserID      string            `firestore:"userId"`
	Status      string            `firestore:"status"`
	TotalAmount string            `firestore:"totalAmount"`
	Currency    string            `firestore:"currency"`
	Address     addressDocument   `firestore:"shippingAddress"`
	Items       []itemDocument    `firestore:"items"`
	History     []historyDocument `firestore:"statusHistory"`
	Payments    []paymentDocument `firestore:"payments"`
	CreatedAt   time.Time         `firestore:"createdAt"`
	UpdatedAt   time.Time         `firestore:"updatedAt"`
}

type addressDocument struct {
	Street     string `firestore:"street"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type itemDocument struct {
	ID              string `firestore:"id"`
	ProductID       string `firestore:"productId"`
	ProductName     string `firestore:"productName"`
	Quantity        int    `firestore:"quantity"`
	PriceAtPurchase string `firestore:"priceAtPurchase"`
}

type historyDocument struct {
	ID        string    `firestore:"id"`
	Status    string    `firestore:"status"`
	Note      string    `firestore:"note,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type paymentDocument struct {
	ID            string    `firestore:"id"`
	Amount        string    `firestore:"amount"`
	TransactionID string    `firestore:"transactionId"`
	Status        string    `firestore:"status"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func addressDocumentFromDomain(addr domain.ShippingAddress) addressDocument {
	return addressDocument{
		Street:     addr.Street,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	total, err := decimal.NewFromString(d.TotalAmount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", id, err)
	}
	order := domain.Order{
		ID:          id,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		TotalAmount: total,
		Currency:    d.Currency,
		ShippingAddress: domain.ShippingAddress{
			Street:     d.Address.Street,
			City:       d.Address.City,
			State:      d.Address.State,
			PostalCode: d.Address.PostalCode,
			Country:    d.Address.Country,
		},
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.PriceAtPurchase)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item price: %w", id, err)
		}
		order.Items = append(order.Items, domain.OrderItem{
			ID:              item.ID,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: price,
		})
	}
	for _, h := range d.History {
		order.StatusHistory = append(order.StatusHistory, domain.StatusHistoryEntry{
			ID:        h.ID,
			Status:    domain.OrderStatus(h.Status),
			Note:      h.Note,
			CreatedAt: h.CreatedAt.UTC(),
		})
	}
	for _, p := range d.Payments {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s payment amount: %w", id, err)
		}
		order.Payments = append(order.Payments, domain.Payment{
			ID:            p.ID,
			OrderID:       id,
			Amount:        amount,
			TransactionID: p.TransactionID,
			Status:        domain.PaymentStatus(p.Status),
			CreatedAt:     p.CreatedAt.UTC(),
		})
	}
	return order, nil
}

func newRowID() string {
	return strings.ToLower(ulid.Make().String())
}
