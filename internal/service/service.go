// Package service реализует бизнес-логику сервиса оформления заказа.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/atelier-checkout/internal/checkout"
	"github.com/mmeshcher/atelier-checkout/internal/metrics"
	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/notify"
	"github.com/mmeshcher/atelier-checkout/internal/repository"
)

// ErrOrderPlacementFailed возвращается, если сервис заказов не принял заказ.
// Сессия при этом сохраняет данные доставки и оплаты, попытку можно повторить.
var ErrOrderPlacementFailed = errors.New("order placement failed")

// ErrInvalidCart возвращается при попытке начать оформление с пустой или некорректной корзиной.
var ErrInvalidCart = errors.New("invalid cart")

const (
	defaultSessionTTL = 30 * time.Minute
	publishTimeout    = 5 * time.Second
)

func defaultFinishBackoff() retry.Backoff {
	return retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
}

// SessionStore описывает контракт хранилища сессий оформления.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	SaveSession(ctx context.Context, s *model.CheckoutSession) error
	DeleteSession(ctx context.Context, id string) error
	DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error)
}

// OrderRepository описывает контракт хранилища размещённых заказов.
type OrderRepository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, number string) (*model.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*model.Order, error)
	GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error)
}

// OrderPlacer размещает заказ во внешнем сервисе.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.PlacedOrder, error)
}

// Service содержит бизнес-логику сервиса оформления заказа.
type Service struct {
	sessions  SessionStore
	orders    OrderRepository
	placer    OrderPlacer
	publisher notify.Publisher
	logger    *zap.Logger
	metrics   *metrics.CheckoutMetrics
	ttl       time.Duration
	now       func() time.Time
	backoff   func() retry.Backoff

	dispatches sync.WaitGroup
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт журнал сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSessionTTL задаёт время жизни брошенной сессии.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService создаёт новый сервис с указанными хранилищами, сервисом заказов и публикатором уведомлений.
func NewService(sessions SessionStore, orders OrderRepository, placer OrderPlacer, publisher notify.Publisher, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		orders:    orders,
		placer:    placer,
		publisher: publisher,
		logger:    zap.NewNop(),
		ttl:       defaultSessionTTL,
		now:       func() time.Time { return time.Now().UTC() },
		backoff:   defaultFinishBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close дожидается отправки уже запущенных уведомлений.
func (s *Service) Close() error {
	s.dispatches.Wait()
	return nil
}

// StartCheckout создаёт новую сессию оформления для корзины покупателя.
func (s *Service) StartCheckout(ctx context.Context, customerID string, cart model.Cart) (*model.CheckoutSession, error) {
	if err := validateCart(cart); err != nil {
		return nil, err
	}

	sess := checkout.New(uuid.NewString(), customerID, cart)
	if err := s.sessions.CreateSession(ctx, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("checkout started",
		zap.String("session", sess.ID),
		zap.String("customer", customerID),
		zap.Int("items", len(cart.Items)),
	)
	return &sess, nil
}

func validateCart(cart model.Cart) error {
	if len(cart.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidCart)
	}
	if cart.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidCart)
	}
	if cart.Total.IsNegative() {
		return fmt.Errorf("%w: negative total", ErrInvalidCart)
	}
	for _, item := range cart.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %q has quantity %d", ErrInvalidCart, item.SKU, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %q has negative price", ErrInvalidCart, item.SKU)
		}
	}
	return nil
}

// GetSession возвращает сессию покупателя. Чужие сессии не видны.
func (s *Service) GetSession(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error) {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Service) load(ctx context.Context, customerID, sessionID string) (model.CheckoutSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return model.CheckoutSession{}, repository.ErrSessionNotFound
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return model.CheckoutSession{}, err
	}
	if sess.CustomerID != customerID {
		return model.CheckoutSession{}, repository.ErrSessionNotFound
	}
	return *sess, nil
}

// commit сохраняет результат перехода и запускает отправку уведомлений.
func (s *Service) commit(ctx context.Context, prev model.CheckoutSession, res checkout.Result) (*model.CheckoutSession, error) {
	next := res.Session
	next.UpdatedAt = s.now()

	if err := s.sessions.SaveSession(ctx, &next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.metrics.ObserveTransition(prev.Step, next.Step)
	s.dispatch(res.Notifications)

	return &next, nil
}

// dispatch публикует уведомления в фоне; ошибки публикации только журналируются.
func (s *Service) dispatch(notifications []model.Notification) {
	if s.publisher == nil || len(notifications) == 0 {
		return
	}

	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := s.publisher.Publish(ctx, notifications); err != nil {
			s.logger.Warn("publish notifications error",
				zap.Error(err),
				zap.String("session", notifications[0].SessionID),
				zap.Int("count", len(notifications)),
			)
		}
	}()
}

type transition func(model.CheckoutSession) (checkout.Result, error)

func (s *Service) step(ctx context.Context, customerID, sessionID string, fn transition) (*model.CheckoutSession, error) {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := fn(sess)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, sess, res)
}

// AdvanceFromReview переводит сессию на шаг доставки.
func (s *Service) AdvanceFromReview(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error) {
	return s.step(ctx, customerID, sessionID, checkout.AdvanceFromReview)
}

// ContinueToPayment возвращает сессию на шаг оплаты с ранее сохранёнными данными доставки.
func (s *Service) ContinueToPayment(ctx context.Context, customerID, sessionID string) (*model.CheckoutSession, error) {
	return s.step(ctx, customerID, sessionID, checkout.ContinueToPayment)
}

// ReturnToStep возвращает сессию на более ранний шаг.
func (s *Service) ReturnToStep(ctx context.Context, customerID, sessionID string, target model.CheckoutStep) (*model.CheckoutSession, error) {
	return s.step(ctx, customerID, sessionID, func(sess model.CheckoutSession) (checkout.Result, error) {
		return checkout.ReturnToStep(sess, target)
	})
}

// SubmitShipping проверяет и сохраняет данные доставки.
func (s *Service) SubmitShipping(ctx context.Context, customerID, sessionID string, in model.RawShippingInput) (*model.StepOutcome, error) {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := checkout.SubmitShipping(sess, in)
	if err != nil {
		return nil, err
	}

	if !res.Valid() {
		s.metrics.ObserveValidation(sess.Step, res.Errors.Fields())
		return &model.StepOutcome{Session: &sess, Errors: res.Errors}, nil
	}

	next, err := s.commit(ctx, sess, res)
	if err != nil {
		return nil, err
	}

	return &model.StepOutcome{Session: next, Notifications: res.Notifications}, nil
}

// SubmitPayment проверяет платёжные данные и размещает заказ.
//
// Перед обращением к сервису заказов сессия сохраняется с признаком отправки:
// параллельный запрос по той же сессии получит checkout.ErrSubmissionInProgress
// или repository.ErrVersionConflict, и второй заказ не будет отправлен.
func (s *Service) SubmitPayment(ctx context.Context, customerID, sessionID string, in model.RawPaymentInput) (*model.StepOutcome, error) {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := checkout.SubmitPayment(sess, in)
	if err != nil {
		return nil, err
	}

	if !res.Valid() {
		s.metrics.ObserveValidation(sess.Step, res.Errors.Fields())
		return &model.StepOutcome{Session: &res.Session, Errors: res.Errors}, nil
	}

	return s.placeOrder(ctx, sess, res)
}

// RetryPayment повторяет размещение заказа с сохранёнными данными после ошибки сервиса заказов.
func (s *Service) RetryPayment(ctx context.Context, customerID, sessionID string) (*model.StepOutcome, error) {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := checkout.ResubmitPayment(sess)
	if err != nil {
		return nil, err
	}

	return s.placeOrder(ctx, sess, res)
}

func (s *Service) placeOrder(ctx context.Context, prev model.CheckoutSession, res checkout.Result) (*model.StepOutcome, error) {
	pending, err := s.commit(ctx, prev, res)
	if err != nil {
		return nil, err
	}

	req := model.OrderRequest{
		SessionID:  pending.ID,
		CustomerID: pending.CustomerID,
		Shipping:   *pending.Shipping,
		Payment:    *pending.Payment,
		Cart:       pending.Cart,
	}

	start := time.Now()
	placed, placeErr := s.placer.PlaceOrder(ctx, req)
	s.metrics.ObservePlacement(placeErr, time.Since(start))

	// Признак отправки снимается даже если клиент уже отключился.
	saveCtx := context.WithoutCancel(ctx)

	if placeErr != nil {
		s.logger.Warn("order placement error",
			zap.Error(placeErr),
			zap.String("session", pending.ID),
			zap.String("customer", pending.CustomerID),
		)

		failed, err := checkout.FailOrder(*pending)
		if err != nil {
			return nil, err
		}
		if _, err := s.finish(saveCtx, *pending, failed); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrOrderPlacementFailed, placeErr)
	}

	order := s.recordOrder(saveCtx, *pending, placed)

	done, err := checkout.CompleteOrder(*pending, placed.Number)
	if err != nil {
		return nil, err
	}
	next, err := s.finish(saveCtx, *pending, done)
	if err != nil {
		return nil, err
	}

	s.logger.Info("order placed",
		zap.String("session", next.ID),
		zap.String("customer", next.CustomerID),
		zap.String("order", placed.Number),
	)

	return &model.StepOutcome{Session: next, Notifications: done.Notifications, Order: order}, nil
}

// finish сохраняет итог размещения заказа и снимает признак отправки.
// Временные ошибки хранилища повторяются; конфликт версий и удалённая сессия не повторяются.
func (s *Service) finish(ctx context.Context, pending model.CheckoutSession, res checkout.Result) (*model.CheckoutSession, error) {
	var next *model.CheckoutSession
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		var err error
		next, err = s.commit(ctx, pending, res)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, repository.ErrSessionNotFound) {
			return err
		}
		s.logger.Warn("save placement result error, retrying",
			zap.Error(err),
			zap.String("session", pending.ID),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		s.logger.Error("save placement result error",
			zap.Error(err),
			zap.String("session", pending.ID),
		)
		return nil, err
	}
	return next, nil
}

// recordOrder добавляет заказ в историю покупателя. Заказ уже размещён, поэтому
// ошибка записи не отменяет оформление, а только журналируется.
func (s *Service) recordOrder(ctx context.Context, sess model.CheckoutSession, placed *model.PlacedOrder) *model.Order {
	order := &model.Order{
		Number:     placed.Number,
		CustomerID: sess.CustomerID,
		SessionID:  sess.ID,
		Status:     placed.Status,
		Total:      sess.Cart.Total,
		Currency:   sess.Cart.Currency,
		Items:      sess.Cart.Items,
		PlacedAt:   s.now(),
	}

	err := s.orders.CreateOrder(ctx, order)
	if err == nil {
		return order
	}

	if errors.Is(err, repository.ErrOrderExists) {
		existing, getErr := s.orders.GetOrderBySession(ctx, sess.ID)
		if getErr == nil {
			return existing
		}
		err = getErr
	}

	s.logger.Error("record order error",
		zap.Error(err),
		zap.String("session", sess.ID),
		zap.String("order", placed.Number),
	)
	return order
}

// AbandonCheckout удаляет сессию, когда покупатель уходит со страницы оформления.
func (s *Service) AbandonCheckout(ctx context.Context, customerID, sessionID string) error {
	sess, err := s.load(ctx, customerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Submitting {
		return checkout.ErrSubmissionInProgress
	}
	return s.sessions.DeleteSession(ctx, sess.ID)
}

// GetOrdersByCustomer возвращает историю заказов покупателя.
func (s *Service) GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error) {
	return s.orders.GetOrdersByCustomer(ctx, customerID)
}

// GetOrder возвращает заказ покупателя по номеру.
func (s *Service) GetOrder(ctx context.Context, customerID, number string) (*model.Order, error) {
	o, err := s.orders.GetOrder(ctx, number)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// StartSessionSweeper запускает фоновое удаление брошенных сессий.
func (s *Service) StartSessionSweeper(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepSessions(ctx)
			}
		}
	}()
}

func (s *Service) sweepSessions(ctx context.Context) {
	deleted, err := s.sessions.DeleteStaleSessions(ctx, s.now().Add(-s.ttl))
	if err != nil {
		s.logger.Warn("sweep sessions error", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("stale sessions removed", zap.Int64("count", deleted))
	}
}
