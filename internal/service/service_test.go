package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/atelier-checkout/internal/checkout"
	"github.com/mmeshcher/atelier-checkout/internal/metrics"
	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/repository"
)

type stubSessions struct {
	mu           sync.Mutex
	sessions     map[string]model.CheckoutSession
	saves        int
	saveErr      error
	saveFailures int
	staleCut     time.Time
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: map[string]model.CheckoutSession{}}
}

func (s *stubSessions) CreateSession(ctx context.Context, sess *model.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *stubSessions) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *stubSessions) SaveSession(ctx context.Context, sess *model.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.saveFailures > 0 {
		s.saveFailures--
		return errors.New("connection reset by peer")
	}
	stored, ok := s.sessions[sess.ID]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if stored.Version != sess.Version {
		return repository.ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = *sess
	s.saves++
	return nil
}

func (s *stubSessions) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubSessions) DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCut = before
	var n int64
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *stubSessions) stored(t *testing.T, id string) model.CheckoutSession {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		t.Fatalf("session %s not stored", id)
	}
	return sess
}

type stubOrders struct {
	mu        sync.Mutex
	orders    []model.Order
	createErr error
}

func (s *stubOrders) CreateOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.orders = append(s.orders, *o)
	return nil
}

func (s *stubOrders) GetOrder(ctx context.Context, number string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Number == number {
			return &o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubOrders) GetOrderBySession(ctx context.Context, sessionID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.SessionID == sessionID {
			return &o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubOrders) GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Order
	for _, o := range s.orders {
		if o.CustomerID == customerID {
			res = append(res, o)
		}
	}
	return res, nil
}

type stubPlacer struct {
	calls  int
	number string
	err    error
	// onPlace вызывается во время размещения, пока сессия помечена как отправляемая.
	onPlace func()
}

func (p *stubPlacer) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.PlacedOrder, error) {
	p.calls++
	if p.onPlace != nil {
		p.onPlace()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &model.PlacedOrder{Number: p.number, Status: model.OrderStatusPlaced}, nil
}

type stubPublisher struct {
	published chan model.Notification
	err       error
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{published: make(chan model.Notification, 16)}
}

func (p *stubPublisher) Publish(ctx context.Context, notifications []model.Notification) error {
	for _, n := range notifications {
		p.published <- n
	}
	return p.err
}

func (p *stubPublisher) next(t *testing.T) model.Notification {
	t.Helper()
	select {
	case n := <-p.published:
		return n
	case <-time.After(time.Second):
		t.Fatalf("no notification published")
		return model.Notification{}
	}
}

type fixture struct {
	svc       *Service
	sessions  *stubSessions
	orders    *stubOrders
	placer    *stubPlacer
	publisher *stubPublisher
	metrics   *metrics.CheckoutMetrics
}

func newFixture() *fixture {
	f := &fixture{
		sessions:  newStubSessions(),
		orders:    &stubOrders{},
		placer:    &stubPlacer{number: "79927398713"},
		publisher: newStubPublisher(),
		metrics:   metrics.NewCheckoutMetrics(prometheus.NewRegistry()),
	}
	f.svc = NewService(f.sessions, f.orders, f.placer, f.publisher, WithMetrics(f.metrics))
	f.svc.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	}
	return f
}

func testCart() model.Cart {
	return model.Cart{
		Currency: "USD",
		Items: []model.LineItem{
			{SKU: "SHIRT-SILK-001", Name: "Bespoke Silk Shirt", Quantity: 1, UnitPrice: decimal.RequireFromString("295.00")},
		},
		Total: decimal.RequireFromString("295.00"),
	}
}

func validShipping() model.RawShippingInput {
	return model.RawShippingInput{
		FullName:      "Jane Doe",
		AddressLine1:  "123 Main Street",
		City:          "Metropolis",
		StateProvince: "NY",
		PostalCode:    "10001",
		Country:       "United States",
	}
}

func validPayment() model.RawPaymentInput {
	return model.RawPaymentInput{
		CardholderName: "Jane Doe",
		CardNumber:     "4111111111111111",
		ExpiryDate:     "09/27",
		CVV:            "123",
	}
}

const customer = "customer-1"

func (f *fixture) atPayment(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	sess, err := f.svc.StartCheckout(ctx, customer, testCart())
	if err != nil {
		t.Fatalf("StartCheckout error: %v", err)
	}
	if _, err := f.svc.AdvanceFromReview(ctx, customer, sess.ID); err != nil {
		t.Fatalf("AdvanceFromReview error: %v", err)
	}
	out, err := f.svc.SubmitShipping(ctx, customer, sess.ID, validShipping())
	if err != nil {
		t.Fatalf("SubmitShipping error: %v", err)
	}
	if len(out.Errors) != 0 {
		t.Fatalf("unexpected shipping errors: %v", out.Errors)
	}
	if got := f.publisher.next(t).Kind; got != model.NotificationShippingSaved {
		t.Fatalf("notification = %s, want shipping_saved", got)
	}
	return sess.ID
}

func TestStartCheckout_InvalidCart(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		cart model.Cart
	}{
		{name: "no items", cart: model.Cart{Currency: "USD"}},
		{name: "no currency", cart: model.Cart{Items: testCart().Items}},
		{
			name: "zero quantity",
			cart: model.Cart{Currency: "USD", Items: []model.LineItem{{SKU: "x", Quantity: 0}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.StartCheckout(context.Background(), customer, tt.cart)
			if !errors.Is(err, ErrInvalidCart) {
				t.Fatalf("expected ErrInvalidCart, got %v", err)
			}
		})
	}
}

func TestSubmitShipping_ValidationLeavesSessionUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sess, _ := f.svc.StartCheckout(ctx, customer, testCart())
	if _, err := f.svc.AdvanceFromReview(ctx, customer, sess.ID); err != nil {
		t.Fatalf("AdvanceFromReview error: %v", err)
	}
	savesBefore := f.sessions.saves

	in := validShipping()
	in.City = ""
	out, err := f.svc.SubmitShipping(ctx, customer, sess.ID, in)
	if err != nil {
		t.Fatalf("SubmitShipping error: %v", err)
	}
	if _, ok := out.Errors["city"]; !ok || len(out.Errors) != 1 {
		t.Fatalf("errors = %v, want only city", out.Errors)
	}
	if f.sessions.saves != savesBefore {
		t.Fatalf("session must not be saved on validation failure")
	}
	if got := f.sessions.stored(t, sess.ID).Step; got != model.StepShipping {
		t.Fatalf("step = %s, want shipping", got)
	}
	if v := testutil.ToFloat64(f.metrics.ValidationFailures.WithLabelValues("shipping", "city")); v != 1 {
		t.Fatalf("validation failures metric = %v, want 1", v)
	}
}

func TestSubmitPayment_PlacesOrder(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)

	out, err := f.svc.SubmitPayment(context.Background(), customer, id, validPayment())
	if err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}
	if out.Session.Step != model.StepSubmitted {
		t.Fatalf("step = %s, want submitted", out.Session.Step)
	}
	if out.Session.Submitting {
		t.Fatalf("submitting flag must be cleared")
	}
	if out.Order == nil || out.Order.Number != "79927398713" {
		t.Fatalf("unexpected order: %+v", out.Order)
	}
	if !out.Order.Total.Equal(decimal.RequireFromString("295")) {
		t.Fatalf("order total = %s, want 295", out.Order.Total)
	}
	if len(f.orders.orders) != 1 {
		t.Fatalf("orders recorded = %d, want 1", len(f.orders.orders))
	}
	if got := f.publisher.next(t).Kind; got != model.NotificationOrderPlaced {
		t.Fatalf("notification = %s, want order_placed", got)
	}

	stored := f.sessions.stored(t, id)
	if stored.Step != model.StepSubmitted || stored.OrderNumber != "79927398713" {
		t.Fatalf("stored session not submitted: %+v", stored)
	}
}

func TestSubmitPayment_SecondCallRejected(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	if _, err := f.svc.SubmitPayment(ctx, customer, id, validPayment()); err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}

	_, err := f.svc.SubmitPayment(ctx, customer, id, validPayment())
	if !errors.Is(err, checkout.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
	if f.placer.calls != 1 {
		t.Fatalf("placer calls = %d, want 1", f.placer.calls)
	}
}

func TestSubmitPayment_ReentrantCallRejected(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	var reentrantErr error
	f.placer.onPlace = func() {
		_, reentrantErr = f.svc.SubmitPayment(ctx, customer, id, validPayment())
	}

	if _, err := f.svc.SubmitPayment(ctx, customer, id, validPayment()); err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}
	if !errors.Is(reentrantErr, checkout.ErrSubmissionInProgress) {
		t.Fatalf("expected ErrSubmissionInProgress, got %v", reentrantErr)
	}
	if f.placer.calls != 1 {
		t.Fatalf("placer calls = %d, want 1", f.placer.calls)
	}
}

func TestSubmitPayment_InvalidCard(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)

	in := validPayment()
	in.CardNumber = "4111-1111-1111-1111"

	out, err := f.svc.SubmitPayment(context.Background(), customer, id, in)
	if err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}
	if _, ok := out.Errors["cardNumber"]; !ok {
		t.Fatalf("errors = %v, want cardNumber", out.Errors)
	}
	if out.Session.Step != model.StepPayment || out.Session.Submitting {
		t.Fatalf("session changed: %+v", out.Session)
	}
	if f.placer.calls != 0 {
		t.Fatalf("placer must not be called")
	}
}

func TestSubmitPayment_PlacementFailureIsRetryable(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	f.placer.err = errors.New("order service unavailable")

	_, err := f.svc.SubmitPayment(ctx, customer, id, validPayment())
	if !errors.Is(err, ErrOrderPlacementFailed) {
		t.Fatalf("expected ErrOrderPlacementFailed, got %v", err)
	}
	if got := f.publisher.next(t).Kind; got != model.NotificationOrderFailed {
		t.Fatalf("notification = %s, want order_failed", got)
	}

	stored := f.sessions.stored(t, id)
	if stored.Submitting {
		t.Fatalf("submitting flag must be cleared after failure")
	}
	if stored.Step != model.StepPayment || stored.Shipping == nil || stored.Payment == nil {
		t.Fatalf("records must be preserved: %+v", stored)
	}

	f.placer.err = nil
	out, err := f.svc.RetryPayment(ctx, customer, id)
	if err != nil {
		t.Fatalf("RetryPayment error: %v", err)
	}
	if out.Session.Step != model.StepSubmitted {
		t.Fatalf("step = %s, want submitted", out.Session.Step)
	}
}

func TestSubmitPayment_FailureSavedDespiteStoreError(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	f.placer.err = errors.New("order service unavailable")
	f.placer.onPlace = func() { f.sessions.saveFailures = 1 }

	_, err := f.svc.SubmitPayment(ctx, customer, id, validPayment())
	if !errors.Is(err, ErrOrderPlacementFailed) {
		t.Fatalf("expected ErrOrderPlacementFailed, got %v", err)
	}
	if f.sessions.stored(t, id).Submitting {
		t.Fatalf("submitting flag must be cleared after store error")
	}

	f.placer.err = nil
	f.placer.onPlace = nil
	out, err := f.svc.RetryPayment(ctx, customer, id)
	if err != nil {
		t.Fatalf("RetryPayment error: %v", err)
	}
	if out.Session.Step != model.StepSubmitted {
		t.Fatalf("step = %s, want submitted", out.Session.Step)
	}
}

func TestSubmitPayment_SuccessSavedDespiteStoreError(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)

	f.placer.onPlace = func() { f.sessions.saveFailures = 2 }

	out, err := f.svc.SubmitPayment(context.Background(), customer, id, validPayment())
	if err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}
	if out.Session.Step != model.StepSubmitted {
		t.Fatalf("step = %s, want submitted", out.Session.Step)
	}

	stored := f.sessions.stored(t, id)
	if stored.Submitting || stored.Step != model.StepSubmitted {
		t.Fatalf("stored session not submitted: %+v", stored)
	}
}

func TestSubmitPayment_StoreDownReturnsError(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)

	f.placer.onPlace = func() { f.sessions.saveFailures = 10 }

	if _, err := f.svc.SubmitPayment(context.Background(), customer, id, validPayment()); err == nil {
		t.Fatalf("expected error when store stays unavailable")
	}
}

func TestMalformedSessionID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.GetSession(ctx, customer, "not-a-uuid"); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("GetSession: expected ErrSessionNotFound, got %v", err)
	}
	if err := f.svc.AbandonCheckout(ctx, customer, "not-a-uuid"); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("AbandonCheckout: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.SubmitPayment(ctx, customer, "../etc", validPayment()); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("SubmitPayment: expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubmitPayment_RecordFailureDoesNotUndoOrder(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	f.orders.createErr = errors.New("db down")

	out, err := f.svc.SubmitPayment(context.Background(), customer, id, validPayment())
	if err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}
	if out.Session.Step != model.StepSubmitted {
		t.Fatalf("step = %s, want submitted", out.Session.Step)
	}
}

func TestReturnToStep_KeepsShipping(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	sess, err := f.svc.ReturnToStep(ctx, customer, id, model.StepShipping)
	if err != nil {
		t.Fatalf("ReturnToStep error: %v", err)
	}
	if sess.Step != model.StepShipping || sess.Shipping == nil {
		t.Fatalf("unexpected session: %+v", sess)
	}

	out, err := f.svc.SubmitShipping(ctx, customer, id, validShipping())
	if err != nil {
		t.Fatalf("SubmitShipping error: %v", err)
	}
	if out.Session.Step != model.StepPayment {
		t.Fatalf("step = %s, want payment", out.Session.Step)
	}
}

func TestForeignSessionIsHidden(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)

	_, err := f.svc.GetSession(context.Background(), "someone-else", id)
	if !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAbandonCheckout(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	if err := f.svc.AbandonCheckout(ctx, customer, id); err != nil {
		t.Fatalf("AbandonCheckout error: %v", err)
	}
	if _, err := f.svc.GetSession(ctx, customer, id); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetOrder_OnlyOwner(t *testing.T) {
	f := newFixture()
	id := f.atPayment(t)
	ctx := context.Background()

	if _, err := f.svc.SubmitPayment(ctx, customer, id, validPayment()); err != nil {
		t.Fatalf("SubmitPayment error: %v", err)
	}

	if _, err := f.svc.GetOrder(ctx, customer, "79927398713"); err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if _, err := f.svc.GetOrder(ctx, "someone-else", "79927398713"); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	orders, err := f.svc.GetOrdersByCustomer(ctx, customer)
	if err != nil || len(orders) != 1 {
		t.Fatalf("GetOrdersByCustomer = %v, %v", orders, err)
	}
}

func TestSweepSessions(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	f.sessions.sessions["stale"] = model.CheckoutSession{ID: "stale", UpdatedAt: now.Add(-time.Hour)}
	f.sessions.sessions["fresh"] = model.CheckoutSession{ID: "fresh", UpdatedAt: now.Add(-time.Minute)}

	f.svc.sweepSessions(context.Background())

	if _, ok := f.sessions.sessions["stale"]; ok {
		t.Fatalf("stale session must be removed")
	}
	if _, ok := f.sessions.sessions["fresh"]; !ok {
		t.Fatalf("fresh session must be kept")
	}
	if !f.sessions.staleCut.Equal(now.Add(-defaultSessionTTL)) {
		t.Fatalf("cutoff = %v, want %v", f.sessions.staleCut, now.Add(-defaultSessionTTL))
	}
}

func TestCloseWaitsForDispatch(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("broker down")

	f.svc.dispatch([]model.Notification{{SessionID: "s"}})
	if err := f.svc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if len(f.publisher.published) != 1 {
		t.Fatalf("notification must be published before Close returns")
	}
}
