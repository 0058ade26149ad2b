// Package checkout реализует переходы между шагами оформления заказа.
//
// Все функции пакета чистые: принимают сессию по значению и возвращают новую
// сессию вместе с результатом. Хранение сессий, вызов сервиса заказов и отправка
// уведомлений выполняются вызывающей стороной.
package checkout

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/validation"
)

var (
	// ErrInvalidTransition возвращается при переходе, не предусмотренном порядком шагов.
	ErrInvalidTransition = errors.New("invalid checkout transition")
	// ErrAlreadySubmitted возвращается при любой операции над отправленной сессией.
	ErrAlreadySubmitted = errors.New("checkout already submitted")
	// ErrSubmissionInProgress возвращается, пока ожидается ответ сервиса заказов.
	ErrSubmissionInProgress = errors.New("order submission in progress")
	// ErrShippingMissing возвращается при оплате без сохранённых данных доставки.
	ErrShippingMissing = errors.New("shipping details are not saved")
	// ErrNotSubmitting возвращается при завершении размещения, которое не начиналось.
	ErrNotSubmitting = errors.New("no order submission is pending")
)

// Result содержит новое состояние сессии и побочные результаты перехода.
type Result struct {
	Session       model.CheckoutSession
	Errors        validation.Errors
	Notifications []model.Notification
}

// Valid сообщает, прошёл ли ввод проверку.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Clock возвращает текущее время; подменяется в тестах.
var Clock = func() time.Time {
	return time.Now().UTC()
}

// New создаёт сессию на шаге проверки заказа без сохранённых данных.
func New(id, customerID string, cart model.Cart) model.CheckoutSession {
	now := Clock()
	return model.CheckoutSession{
		ID:         id,
		CustomerID: customerID,
		Step:       model.StepReview,
		Cart:       cart,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func transitionError(from, to model.CheckoutStep) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func guardOpen(s model.CheckoutSession) error {
	if s.Submitted() {
		return ErrAlreadySubmitted
	}
	if s.Submitting {
		return ErrSubmissionInProgress
	}
	return nil
}

// AdvanceFromReview переводит сессию с шага проверки заказа на шаг доставки.
func AdvanceFromReview(s model.CheckoutSession) (Result, error) {
	if err := guardOpen(s); err != nil {
		return Result{Session: s}, err
	}
	if s.Step != model.StepReview {
		return Result{Session: s}, transitionError(s.Step, model.StepShipping)
	}

	s.Step = model.StepShipping
	return Result{Session: s}, nil
}

// SubmitShipping проверяет данные доставки. При успехе сохраняет их и переводит
// сессию на шаг оплаты, иначе возвращает исходную сессию и все ошибки по полям.
func SubmitShipping(s model.CheckoutSession, in model.RawShippingInput) (Result, error) {
	if err := guardOpen(s); err != nil {
		return Result{Session: s}, err
	}
	if s.Step != model.StepShipping {
		return Result{Session: s}, transitionError(s.Step, model.StepPayment)
	}

	if errs := validation.Validate(validation.ShippingRules, in.Values()); len(errs) > 0 {
		return Result{Session: s, Errors: errs}, nil
	}

	record := in.Record()
	s.Shipping = &record
	s.Step = model.StepPayment

	return Result{
		Session: s,
		Notifications: []model.Notification{
			notify(s, model.NotificationShippingSaved, "Shipping Details Saved", "Proceed to payment."),
		},
	}, nil
}

// ContinueToPayment возвращает пользователя к оплате с уже сохранёнными данными доставки.
func ContinueToPayment(s model.CheckoutSession) (Result, error) {
	if err := guardOpen(s); err != nil {
		return Result{Session: s}, err
	}
	if s.Step != model.StepShipping {
		return Result{Session: s}, transitionError(s.Step, model.StepPayment)
	}
	if s.Shipping == nil {
		return Result{Session: s}, ErrShippingMissing
	}

	s.Step = model.StepPayment
	return Result{Session: s}, nil
}

// SubmitPayment проверяет платёжные данные. При успехе сохраняет их и помечает
// сессию как ожидающую размещения заказа. Завершить переход нужно вызовом
// CompleteOrder или FailOrder.
func SubmitPayment(s model.CheckoutSession, in model.RawPaymentInput) (Result, error) {
	if err := guardPayment(s); err != nil {
		return Result{Session: s}, err
	}

	if errs := validation.Validate(validation.PaymentRules, in.Values()); len(errs) > 0 {
		s.Submitting = false
		return Result{Session: s, Errors: errs}, nil
	}

	record := in.Record()
	s.Payment = &record
	s.Submitting = true

	return Result{Session: s}, nil
}

// ResubmitPayment повторяет размещение заказа с ранее сохранёнными платёжными данными.
func ResubmitPayment(s model.CheckoutSession) (Result, error) {
	if err := guardPayment(s); err != nil {
		return Result{Session: s}, err
	}
	if s.Payment == nil {
		return Result{Session: s}, fmt.Errorf("%w: payment details are not saved", ErrInvalidTransition)
	}

	s.Submitting = true
	return Result{Session: s}, nil
}

func guardPayment(s model.CheckoutSession) error {
	if err := guardOpen(s); err != nil {
		return err
	}
	if s.Step != model.StepPayment {
		return transitionError(s.Step, model.StepSubmitted)
	}
	if s.Shipping == nil {
		return ErrShippingMissing
	}
	return nil
}

// CompleteOrder фиксирует успешное размещение заказа и переводит сессию в терминальное состояние.
func CompleteOrder(s model.CheckoutSession, orderNumber string) (Result, error) {
	if s.Submitted() {
		return Result{Session: s}, ErrAlreadySubmitted
	}
	if !s.Submitting {
		return Result{Session: s}, ErrNotSubmitting
	}

	s.Step = model.StepSubmitted
	s.Submitting = false
	s.OrderNumber = orderNumber

	return Result{
		Session: s,
		Notifications: []model.Notification{
			notify(s, model.NotificationOrderPlaced, "Order Placed Successfully!",
				"Thank you for your purchase. Confirmation has been sent to your email."),
		},
	}, nil
}

// FailOrder снимает признак отправки после ошибки сервиса заказов.
// Сохранённые данные доставки и оплаты остаются, пользователь может повторить попытку.
func FailOrder(s model.CheckoutSession) (Result, error) {
	if s.Submitted() {
		return Result{Session: s}, ErrAlreadySubmitted
	}
	if !s.Submitting {
		return Result{Session: s}, ErrNotSubmitting
	}

	s.Submitting = false

	return Result{
		Session: s,
		Notifications: []model.Notification{
			notify(s, model.NotificationOrderFailed, "Order Could Not Be Placed",
				"Your details are saved. Please try again in a moment."),
		},
	}, nil
}

// ReturnToStep возвращает сессию на более ранний шаг. Сохранённые данные не удаляются.
func ReturnToStep(s model.CheckoutSession, target model.CheckoutStep) (Result, error) {
	if err := guardOpen(s); err != nil {
		return Result{Session: s}, err
	}
	if target == model.StepSubmitted || !target.Before(s.Step) {
		return Result{Session: s}, transitionError(s.Step, target)
	}

	s.Step = target
	return Result{Session: s}, nil
}

func notify(s model.CheckoutSession, kind model.NotificationKind, title, description string) model.Notification {
	return model.Notification{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		CustomerID:  s.CustomerID,
		Kind:        kind,
		Title:       title,
		Description: description,
		CreatedAt:   Clock(),
	}
}
