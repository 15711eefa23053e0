package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bikeshop/order-service/internal/services"
)

const defaultProductTimeout = 5 * time.Second

// ProductClient reads products and moves stock in and out of reservation.
type ProductClient struct {
	client *serviceClient
}

var _ services.ProductClient = (*ProductClient)(nil)

type productPayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type quantityBody struct {
	Quantity int `json:"quantity"`
}

// NewProductClient validates options and returns a client.
func NewProductClient(opts Options) (*ProductClient, error) {
	client, err := newServiceClient("product", opts, defaultProductTimeout)
	if err != nil {
		return nil, err
	}
	return &ProductClient{client: client}, nil
}

func (c *ProductClient) GetProduct(ctx context.Context, productID string) (services.Product, error) {
	path, err := productPath(productID, "")
	if err != nil {
		return services.Product{}, err
	}
	resp, err := c.client.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return services.Product{}, err
	}
	if resp.status == http.StatusNotFound {
		return services.Product{}, fmt.Errorf("%w: %s", services.ErrProductNotFound, productID)
	}
	if !resp.ok() {
		return services.Product{}, c.client.statusError(http.MethodGet, path, resp)
	}

	var payload productPayload
	if err := resp.decodeData(&payload); err != nil {
		return services.Product{}, err
	}
	if payload.ID == "" {
		payload.ID = productID
	}
	return services.Product{
		ID:    payload.ID,
		Name:  payload.Name,
		Price: payload.Price,
		Stock: payload.Stock,
	}, nil
}

// ReserveStock holds quantity units. A rejection by the product service maps to ErrInsufficientStock.
func (c *ProductClient) ReserveStock(ctx context.Context, productID string, quantity int) error {
	path, err := productPath(productID, "reserve")
	if err != nil {
		return err
	}
	resp, err := c.client.do(ctx, http.MethodPost, path, nil, quantityBody{Quantity: quantity})
	if err != nil {
		return err
	}
	switch {
	case resp.ok():
		return nil
	case resp.status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", services.ErrProductNotFound, productID)
	case resp.status == http.StatusBadRequest, resp.status == http.StatusConflict, resp.status == http.StatusUnprocessableEntity:
		if msg := resp.errorMessage(); msg != "" {
			return fmt.Errorf("%w: %s", services.ErrInsufficientStock, msg)
		}
		return fmt.Errorf("%w: %s", services.ErrInsufficientStock, productID)
	default:
		return c.client.statusError(http.MethodPost, path, resp)
	}
}

// ReleaseStock returns quantity units previously reserved.
func (c *ProductClient) ReleaseStock(ctx context.Context, productID string, quantity int) error {
	path, err := productPath(productID, "release")
	if err != nil {
		return err
	}
	resp, err := c.client.do(ctx, http.MethodPost, path, nil, quantityBody{Quantity: quantity})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return c.client.statusError(http.MethodPost, path, resp)
	}
	return nil
}

func productPath(productID, action string) (string, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", fmt.Errorf("%w: product id is required", services.ErrOrderInvalidInput)
	}
	path := "/api/products/" + url.PathEscape(productID)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}
