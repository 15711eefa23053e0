package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/domain"
	"github.com/bikeshop/order-service/internal/repositories"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_amount NUMERIC(12,2) NOT NULL,
		currency TEXT NOT NULL,
		street TEXT NOT NULL,
		city TEXT NOT NULL,
		state TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		country TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL,
		product_name TEXT NOT NULL,
		quantity INT NOT NULL CHECK (quantity > 0),
		price_at_purchase NUMERIC(12,2) NOT NULL,
		position INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_status_history (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		amount NUMERIC(12,2) NOT NULL,
		transaction_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// OrderRepository stores orders in PostgreSQL. Order, items, address and history are written in one transaction.
type OrderRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// Connect opens a pool, verifies connectivity and applies the schema.
func Connect(ctx context.Context, dsn string, maxConns int) (*OrderRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	repo := NewOrderRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewOrderRepository wraps an existing pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool, clock: time.Now}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// InitSchema creates the tables when they do not exist.
func (r *OrderRepository) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Ping reports pool connectivity for readiness probes.
func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases pooled connections.
func (r *OrderRepository) Close() {
	r.pool.Close()
}

func (r *OrderRepository) Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}
	createdAt = createdAt.UTC()
	addr := draft.ShippingAddress

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, status, total_amount, currency, street, city, state, postal_code, country, created_at, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $11)`,
			draft.ID, draft.UserID, string(domain.OrderStatusPending), draft.TotalAmount.StringFixed(2), draft.Currency,
			addr.Street, addr.City, addr.State, addr.PostalCode, addr.Country, createdAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, item := range draft.Items {
			id := item.ID
			if id == "" {
				id = newRowID()
			}
			batch.Queue(`
				INSERT INTO order_items (id, order_id, product_id, product_name, quantity, price_at_purchase, position)
				VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
				id, draft.ID, item.ProductID, item.ProductName, item.Quantity, item.PriceAtPurchase.StringFixed(2), i)
		}
		batch.Queue(`
			INSERT INTO order_status_history (id, order_id, status, note, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			newRowID(), draft.ID, string(domain.OrderStatusPending), repositories.InitialStatusNote, createdAt)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return domain.Order{}, wrapError("orders.create", err)
	}
	return r.FindByID(ctx, draft.ID)
}

const orderColumns = `id, user_id, status, total_amount::text, currency, street, city, state, postal_code, country, created_at, updated_at`

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	orders := []domain.Order{order}
	if err := r.loadChildren(ctx, orders); err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	return orders[0], nil
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	where := `WHERE user_id = $1`
	args := []any{userID}
	if filter.Status != nil {
		where += ` AND status = $2`
		args = append(args, string(*filter.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	query := fmt.Sprintf(`SELECT %s FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, limit, filter.Offset())...)
	if err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}
	if err := r.loadChildren(ctx, orders); err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return domain.OrderPage{Orders: orders, Total: total}, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) (domain.Order, error) {
	now := r.clock().UTC()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(status), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_status_history (id, order_id, status, note, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			newRowID(), orderID, string(status), note, now)
		return err
	})
	if err != nil {
		return domain.Order{}, wrapError("orders.update_status", err)
	}
	return r.FindByID(ctx, orderID)
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
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, amount, transaction_id, status, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		payment.ID, payment.OrderID, payment.Amount.StringFixed(2), payment.TransactionID, string(payment.Status), payment.CreatedAt)
	if err != nil {
		return domain.Payment{}, wrapError("orders.create_payment", err)
	}
	return payment, nil
}

func (r *OrderRepository) loadChildren(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price_at_purchase::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	var (
		item    domain.OrderItem
		orderID string
		price   string
	)
	_, err = pgx.ForEachRow(rows, []any{&item.ID, &orderID, &item.ProductID, &item.ProductName, &item.Quantity, &price}, func() error {
		amount, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("decode item price: %w", err)
		}
		item.PriceAtPurchase = amount
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
		return nil
	})
	if err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, order_id, status, note, created_at
		FROM order_status_history WHERE order_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return err
	}
	var (
		entry  domain.StatusHistoryEntry
		status string
	)
	_, err = pgx.ForEachRow(rows, []any{&entry.ID, &orderID, &status, &entry.Note, &entry.CreatedAt}, func() error {
		entry.Status = domain.OrderStatus(status)
		entry.CreatedAt = entry.CreatedAt.UTC()
		i := index[orderID]
		orders[i].StatusHistory = append(orders[i].StatusHistory, entry)
		return nil
	})
	if err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, order_id, amount::text, transaction_id, status, created_at
		FROM payments WHERE order_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return err
	}
	var payment domain.Payment
	_, err = pgx.ForEachRow(rows, []any{&payment.ID, &payment.OrderID, &price, &payment.TransactionID, &status, &payment.CreatedAt}, func() error {
		amount, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("decode payment amount: %w", err)
		}
		payment.Amount = amount
		payment.Status = domain.PaymentStatus(status)
		payment.CreatedAt = payment.CreatedAt.UTC()
		i := index[payment.OrderID]
		orders[i].Payments = append(orders[i].Payments, payment)
		return nil
	})
	return err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		total  string
		addr   domain.ShippingAddress
	)
	if err := row.Scan(&order.ID, &order.UserID, &status, &total, &order.Currency,
		&addr.Street, &addr.City, &addr.State, &addr.PostalCode, &addr.Country,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode total: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.TotalAmount = amount
	order.ShippingAddress = addr
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func newRowID() string {
	return strings.ToLower(ulid.Make().String())
}

// wrapError classifies pgx failures. Context errors are passed through untouched.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := &repositories.Error{Op: op, Err: err}
	var pgErr *pgconn.PgError
	var connectErr *pgconn.ConnectError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		wrapped.Err = repositories.ErrOrderNotFound
		wrapped.NotFound = true
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		wrapped.Conflict = true
	case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation:
		wrapped.NotFound = true
	case errors.As(err, &connectErr), pgconn.Timeout(err):
		wrapped.Unavailable = true
	}
	return wrapped
}
