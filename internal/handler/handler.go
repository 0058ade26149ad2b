// Package handler содержит HTTP-обработчики API сервиса оформления заказа.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/atelier-checkout/internal/checkout"
	"github.com/mmeshcher/atelier-checkout/internal/metrics"
	"github.com/mmeshcher/atelier-checkout/internal/middleware"
	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/repository"
	"github.com/mmeshcher/atelier-checkout/internal/service"
	"github.com/mmeshcher/atelier-checkout/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	StartCheckout(ctx context.Context, customerID string, cart model.Cart) (*model.CheckoutSession, error)
	GetSession(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error)
	AdvanceFromReview(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error)
	SubmitShipping(ctx context.Context, customerID, sessionID string, in model.RawShippingInput) (*model.StepOutcome, error)
	ContinueToPayment(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error)
	SubmitPayment(ctx context.Context, customerID, sessionID string, in model.RawPaymentInput) (*model.StepOutcome, error)
	RetryPayment(ctx context.Context, customerID, sessionID string) (*model.StepOutcome, error)
	ReturnToStep(ctx context.Context, customerID, sessionID string, target model.CheckoutStep) (*model.CheckoutSession, error)
	AbandonCheckout(ctx context.Context, customerID, sessionID string) error
	GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error)
	GetOrder(ctx context.Context, customerID, number string) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса оформления заказа.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	limiter        *middleware.RateLimiter
	metrics        *metrics.CheckoutMetrics
	gatherer       prometheus.Gatherer
}

// Option настраивает Handler.
type Option func(*Handler)

// WithRateLimiter ограничивает частоту запросов оплаты.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// WithMetrics включает учёт запросов и маршрут /metrics.
func WithMetrics(m *metrics.CheckoutMetrics, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type shippingResponse struct {
	FullName      string `json:"fullName"`
	AddressLine1  string `json:"addressLine1"`
	AddressLine2  string `json:"addressLine2,omitempty"`
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
}

// paymentResponse никогда не содержит полный номер карты и CVV.
type paymentResponse struct {
	CardholderName string `json:"cardholderName"`
	CardNumber     string `json:"cardNumber"`
	ExpiryDate     string `json:"expiryDate"`
}

type notificationResponse struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type orderResponse struct {
	Number   string           `json:"number"`
	Status   string           `json:"status"`
	Total    decimal.Decimal  `json:"total"`
	Currency string           `json:"currency"`
	Items    []model.LineItem `json:"items"`
	PlacedAt string           `json:"placedAt"`
}

type sessionResponse struct {
	ID            string                 `json:"id"`
	Step          string                 `json:"step"`
	Submitting    bool                   `json:"submitting"`
	Cart          model.Cart             `json:"cart"`
	Shipping      *shippingResponse      `json:"shipping,omitempty"`
	Payment       *paymentResponse       `json:"payment,omitempty"`
	OrderNumber   string                 `json:"orderNumber,omitempty"`
	Notifications []notificationResponse `json:"notifications,omitempty"`
	Order         *orderResponse         `json:"order,omitempty"`
}

func newSessionResponse(s *model.CheckoutSession, notifications []model.Notification) sessionResponse {
	resp := sessionResponse{
		ID:          s.ID,
		Step:        string(s.Step),
		Submitting:  s.Submitting,
		Cart:        s.Cart,
		OrderNumber: s.OrderNumber,
	}
	if s.Shipping != nil {
		sr := shippingResponse(*s.Shipping)
		resp.Shipping = &sr
	}
	if s.Payment != nil {
		resp.Payment = &paymentResponse{
			CardholderName: s.Payment.CardholderName,
			CardNumber:     s.Payment.MaskedCardNumber(),
			ExpiryDate:     s.Payment.ExpiryDate,
		}
	}
	for _, n := range notifications {
		resp.Notifications = append(resp.Notifications, notificationResponse{
			Kind:        string(n.Kind),
			Title:       n.Title,
			Description: n.Description,
		})
	}
	return resp
}

func newOrderResponse(o *model.Order) *orderResponse {
	return &orderResponse{
		Number:   o.Number,
		Status:   string(o.Status),
		Total:    o.Total,
		Currency: o.Currency,
		Items:    o.Items,
		PlacedAt: o.PlacedAt.Format(time.RFC3339),
	}
}

type validationResponse struct {
	Errors map[string]string `json:"errors"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

// writeError переводит ошибку бизнес-логики в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound), errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidCart):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, checkout.ErrAlreadySubmitted),
		errors.Is(err, checkout.ErrSubmissionInProgress),
		errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, checkout.ErrShippingMissing),
		errors.Is(err, repository.ErrVersionConflict):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrOrderPlacementFailed):
		h.writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:     "the order could not be placed, please try again",
			Retryable: true,
		})
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func customerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetCustomerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

// StartCheckout начинает оформление корзины текущего покупателя.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}

	var cart model.Cart
	if err := json.NewDecoder(r.Body).Decode(&cart); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess, err := h.service.StartCheckout(r.Context(), customer, cart)
	if err != nil {
		h.writeError(w, err, "start checkout", zap.String("customer", customer))
		return
	}

	h.writeJSON(w, http.StatusCreated, newSessionResponse(sess, nil))
}

// GetSession возвращает текущее состояние сессии оформления.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	sess, err := h.service.GetSession(r.Context(), customer, id)
	if err != nil {
		h.writeError(w, err, "get session", zap.String("session", id))
		return
	}

	h.writeJSON(w, http.StatusOK, newSessionResponse(sess, nil))
}

type sessionOp func(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error)

func (h *Handler) sessionTransition(op string, fn sessionOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customer, ok := customerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		sess, err := fn(r.Context(), customer, id)
		if err != nil {
			h.writeError(w, err, op, zap.String("session", id))
			return
		}

		h.writeJSON(w, http.StatusOK, newSessionResponse(sess, nil))
	}
}

// AdvanceFromReview подтверждает корзину и переводит оформление к доставке.
func (h *Handler) AdvanceFromReview(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition("advance from review", h.service.AdvanceFromReview)(w, r)
}

// ContinueToPayment переходит к оплате с ранее сохранёнными данными доставки.
func (h *Handler) ContinueToPayment(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition("continue to payment", h.service.ContinueToPayment)(w, r)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, out *model.StepOutcome) {
	if len(out.Errors) > 0 {
		h.writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Errors: out.Errors})
		return
	}

	resp := newSessionResponse(out.Session, out.Notifications)
	if out.Order != nil {
		resp.Order = newOrderResponse(out.Order)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SubmitShipping принимает форму доставки.
func (h *Handler) SubmitShipping(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var in model.RawShippingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	out, err := h.service.SubmitShipping(r.Context(), customer, id, in)
	if err != nil {
		h.writeError(w, err, "submit shipping", zap.String("session", id))
		return
	}

	h.writeOutcome(w, out)
}

// SubmitPayment принимает форму оплаты и размещает заказ.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var in model.RawPaymentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	out, err := h.service.SubmitPayment(r.Context(), customer, id, in)
	if err != nil {
		h.writeError(w, err, "submit payment", zap.String("session", id))
		return
	}

	h.writeOutcome(w, out)
}

// RetryPayment повторяет размещение заказа после ошибки сервиса заказов.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	out, err := h.service.RetryPayment(r.Context(), customer, id)
	if err != nil {
		h.writeError(w, err, "retry payment", zap.String("session", id))
		return
	}

	h.writeOutcome(w, out)
}

type returnRequest struct {
	Step string `json:"step"`
}

// ReturnToStep возвращает оформление на выбранный ранее пройденный шаг.
func (h *Handler) ReturnToStep(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req returnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	target, err := model.ParseStep(req.Step)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sess, err := h.service.ReturnToStep(r.Context(), customer, id, target)
	if err != nil {
		h.writeError(w, err, "return to step", zap.String("session", id), zap.String("step", req.Step))
		return
	}

	h.writeJSON(w, http.StatusOK, newSessionResponse(sess, nil))
}

// AbandonCheckout удаляет сессию оформления.
func (h *Handler) AbandonCheckout(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.service.AbandonCheckout(r.Context(), customer, id); err != nil {
		h.writeError(w, err, "abandon checkout", zap.String("session", id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetOrders возвращает список заказов текущего покупателя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrdersByCustomer(r.Context(), customer)
	if err != nil {
		h.writeError(w, err, "get orders", zap.String("customer", customer))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]*orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего покупателя по номеру.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerID(w, r)
	if !ok {
		return
	}
	number := chi.URLParam(r, "number")

	if !validation.IsValidOrderNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	order, err := h.service.GetOrder(r.Context(), customer, number)
	if err != nil {
		h.writeError(w, err, "get order", zap.String("order", number))
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(order))
}
