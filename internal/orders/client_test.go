package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/validation"
)

func testRequest() model.OrderRequest {
	return model.OrderRequest{
		SessionID:  "3f1c2d8e-6f6a-4f4e-9d1a-1c2b3d4e5f60",
		CustomerID: "customer-1",
		Shipping:   model.ShippingRecord{FullName: "Jane Doe"},
		Payment:    model.PaymentRecord{CardholderName: "Jane Doe", CardNumber: "4111111111111111"},
	}
}

func newFastClient(url string) *Client {
	c := NewClient(url)
	c.httpClient.RetryWaitMin = time.Millisecond
	c.httpClient.RetryWaitMax = 10 * time.Millisecond
	return c
}

func TestPlaceOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/orders" {
			t.Fatalf("path = %s, want /api/orders", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != testRequest().SessionID {
			t.Fatalf("Idempotency-Key = %q, want session id", got)
		}

		var req model.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Shipping.FullName != "Jane Doe" {
			t.Fatalf("unexpected shipping: %+v", req.Shipping)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.PlacedOrder{Number: "79927398713", Status: model.OrderStatusPlaced})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	placed, err := client.PlaceOrder(ctx, testRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if placed.Number != "79927398713" || placed.Status != model.OrderStatusPlaced {
		t.Fatalf("unexpected response: %+v", placed)
	}
}

func TestPlaceOrder_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(model.PlacedOrder{Number: "79927398713"})
	}))
	defer ts.Close()

	client := newFastClient(ts.URL)

	placed, err := client.PlaceOrder(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if placed.Status != model.OrderStatusPlaced {
		t.Fatalf("status = %q, want default PLACED", placed.Status)
	}
}

func TestPlaceOrder_ConflictReturnsExistingOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(model.PlacedOrder{Number: "79927398713", Status: model.OrderStatusPlaced})
	}))
	defer ts.Close()

	placed, err := NewClient(ts.URL).PlaceOrder(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if placed.Number != "79927398713" {
		t.Fatalf("number = %q", placed.Number)
	}
}

func TestPlaceOrder_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card declined", http.StatusPaymentRequired)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).PlaceOrder(context.Background(), testRequest())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestPlaceOrder_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newFastClient(ts.URL).PlaceOrder(context.Background(), testRequest())
	if err == nil {
		t.Fatalf("expected error after retries")
	}
	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
}

func TestPlaceOrder_NotConfigured(t *testing.T) {
	_, err := NewClient("").PlaceOrder(context.Background(), testRequest())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestLocalPlacer_IssuesLuhnNumbers(t *testing.T) {
	p := NewLocalPlacer()
	seen := map[string]bool{}

	for i := 0; i < 50; i++ {
		placed, err := p.PlaceOrder(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("PlaceOrder error: %v", err)
		}
		if len(placed.Number) != orderNumberLength {
			t.Fatalf("number %q has length %d", placed.Number, len(placed.Number))
		}
		if !validation.IsValidOrderNumber(placed.Number) {
			t.Fatalf("number %q fails Luhn check", placed.Number)
		}
		seen[placed.Number] = true
	}

	if len(seen) < 45 {
		t.Fatalf("too many duplicate numbers: %d unique of 50", len(seen))
	}
}

func TestLocalPlacer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewLocalPlacer().PlaceOrder(ctx, testRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
