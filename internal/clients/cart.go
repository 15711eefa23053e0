package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/services"
)

const (
	defaultCartTimeout = 5 * time.Second
	cartPath           = "/api/cart"
)

// CartClient talks to the cart service on behalf of the signed-in user.
type CartClient struct {
	client *serviceClient
}

var _ services.CartClient = (*CartClient)(nil)

type cartPayload struct {
	UserID string `json:"userId"`
	Items  []struct {
		ProductID string          `json:"productId"`
		Name      string          `json:"name"`
		Quantity  int             `json:"quantity"`
		Price     decimal.Decimal `json:"price"`
	} `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// NewCartClient validates options and returns a client.
func NewCartClient(opts Options) (*CartClient, error) {
	client, err := newServiceClient("cart", opts, defaultCartTimeout)
	if err != nil {
		return nil, err
	}
	return &CartClient{client: client}, nil
}

// GetCart reads the user's cart using their bearer token.
func (c *CartClient) GetCart(ctx context.Context, userID, authToken string) (services.Cart, error) {
	resp, err := c.client.do(ctx, http.MethodGet, cartPath, bearer(authToken), nil)
	if err != nil {
		return services.Cart{}, err
	}
	if !resp.ok() {
		return services.Cart{}, c.client.statusError(http.MethodGet, cartPath, resp)
	}

	var payload cartPayload
	if err := resp.decodeData(&payload); err != nil {
		return services.Cart{}, err
	}
	cart := services.Cart{
		UserID: payload.UserID,
		Total:  payload.Total,
		Items:  make([]services.CartItem, 0, len(payload.Items)),
	}
	if cart.UserID == "" {
		cart.UserID = userID
	}
	for _, item := range payload.Items {
		cart.Items = append(cart.Items, services.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return cart, nil
}

// ClearCart empties the user's cart.
func (c *CartClient) ClearCart(ctx context.Context, _ string, authToken string) error {
	resp, err := c.client.do(ctx, http.MethodDelete, cartPath, bearer(authToken), nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return c.client.statusError(http.MethodDelete, cartPath, resp)
	}
	return nil
}
