package model

import "fmt"

// CheckoutStep описывает шаг оформления заказа.
type CheckoutStep string

const (
	StepReview    CheckoutStep = "review"
	StepShipping  CheckoutStep = "shipping"
	StepPayment   CheckoutStep = "payment"
	StepSubmitted CheckoutStep = "submitted"
)

var stepOrder = map[CheckoutStep]int{
	StepReview:    0,
	StepShipping:  1,
	StepPayment:   2,
	StepSubmitted: 3,
}

// ParseStep разбирает название шага, выбираемого пользователем.
// Терминальное состояние выбрать нельзя.
func ParseStep(s string) (CheckoutStep, error) {
	step := CheckoutStep(s)
	switch step {
	case StepReview, StepShipping, StepPayment:
		return step, nil
	}
	return "", fmt.Errorf("unknown checkout step %q", s)
}

// Valid сообщает, является ли значение известным шагом.
func (s CheckoutStep) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// Before сообщает, предшествует ли шаг s шагу other.
func (s CheckoutStep) Before(other CheckoutStep) bool {
	a, okA := stepOrder[s]
	b, okB := stepOrder[other]
	return okA && okB && a < b
}

func (s CheckoutStep) String() string {
	return string(s)
}
