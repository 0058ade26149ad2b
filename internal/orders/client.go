// Package orders предоставляет клиенты внешнего сервиса размещения заказов.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

// ErrNotConfigured возвращается клиентом без адреса сервиса.
var ErrNotConfigured = errors.New("order service client not configured")

// ErrRejected возвращается, если сервис заказов ответил отказом.
var ErrRejected = errors.New("order rejected by order service")

// Client инкапсулирует HTTP-взаимодействие с сервисом размещения заказов.
// Временные ошибки и ответы 429/503 повторяются с учётом заголовка Retry-After.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент для обращения к сервису заказов по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

// PlaceOrder отправляет заказ в сервис размещения. Идентификатор сессии передаётся
// как ключ идемпотентности, поэтому повтор запроса не создаёт второй заказ.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.PlacedOrder, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		// 409 означает, что заказ по этому ключу уже создан; в теле приходит он же.
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var placed model.PlacedOrder
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if placed.Number == "" {
		return nil, fmt.Errorf("decode response: empty order number")
	}
	if placed.Status == "" {
		placed.Status = model.OrderStatusPlaced
	}

	return &placed, nil
}
