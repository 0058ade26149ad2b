// Package model содержит доменные сущности сервиса оформления заказа.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem описывает позицию корзины: изделие с выбранными опциями и ценой.
// Цена передаётся извне и сервисом не пересчитывается.
type LineItem struct {
	SKU       string            `json:"sku"`
	Name      string            `json:"name"`
	Options   map[string]string `json:"options,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice decimal.Decimal   `json:"unitPrice"`
}

// Cart содержит позиции заказа и итоговую сумму, рассчитанную вызывающей стороной.
type Cart struct {
	Currency string          `json:"currency"`
	Items    []LineItem      `json:"items"`
	Total    decimal.Decimal `json:"total"`
}

// ShippingRecord содержит проверенные данные доставки.
type ShippingRecord struct {
	FullName      string `json:"fullName"`
	AddressLine1  string `json:"addressLine1"`
	AddressLine2  string `json:"addressLine2,omitempty"`
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
}

// PaymentRecord содержит проверенные платёжные данные.
type PaymentRecord struct {
	CardholderName string `json:"cardholderName"`
	CardNumber     string `json:"cardNumber"`
	ExpiryDate     string `json:"expiryDate"`
	CVV            string `json:"cvv"`
}

// MaskedCardNumber возвращает номер карты, в котором видны только последние четыре цифры.
func (p PaymentRecord) MaskedCardNumber() string {
	if len(p.CardNumber) < 4 {
		return "••••"
	}
	return "•••• " + p.CardNumber[len(p.CardNumber)-4:]
}

// RawShippingInput содержит данные доставки в том виде, в каком их ввёл пользователь.
type RawShippingInput struct {
	FullName      string `json:"fullName"`
	AddressLine1  string `json:"addressLine1"`
	AddressLine2  string `json:"addressLine2"`
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
	PhoneNumber   string `json:"phoneNumber"`
}

// Values возвращает значения полей, ключами которых служат имена полей формы.
func (in RawShippingInput) Values() map[string]string {
	return map[string]string{
		"fullName":      in.FullName,
		"addressLine1":  in.AddressLine1,
		"addressLine2":  in.AddressLine2,
		"city":          in.City,
		"stateProvince": in.StateProvince,
		"postalCode":    in.PostalCode,
		"country":       in.Country,
		"phoneNumber":   in.PhoneNumber,
	}
}

// Record преобразует ввод в ShippingRecord без проверки.
func (in RawShippingInput) Record() ShippingRecord {
	return ShippingRecord(in)
}

// RawPaymentInput содержит платёжные данные в том виде, в каком их ввёл пользователь.
type RawPaymentInput struct {
	CardholderName string `json:"cardholderName"`
	CardNumber     string `json:"cardNumber"`
	ExpiryDate     string `json:"expiryDate"`
	CVV            string `json:"cvv"`
}

// Values возвращает значения полей, ключами которых служат имена полей формы.
func (in RawPaymentInput) Values() map[string]string {
	return map[string]string{
		"cardholderName": in.CardholderName,
		"cardNumber":     in.CardNumber,
		"expiryDate":     in.ExpiryDate,
		"cvv":            in.CVV,
	}
}

// Record преобразует ввод в PaymentRecord без проверки.
func (in RawPaymentInput) Record() PaymentRecord {
	return PaymentRecord(in)
}

// CheckoutSession описывает одну попытку оформления заказа.
type CheckoutSession struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customerId"`
	Step        CheckoutStep    `json:"step"`
	Shipping    *ShippingRecord `json:"shipping,omitempty"`
	Payment     *PaymentRecord  `json:"payment,omitempty"`
	Submitting  bool            `json:"submitting"`
	Cart        Cart            `json:"cart"`
	OrderNumber string          `json:"orderNumber,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Submitted сообщает, достигла ли сессия терминального состояния.
func (s CheckoutSession) Submitted() bool {
	return s.Step == StepSubmitted
}

// NotificationKind описывает тип уведомления для пользователя.
type NotificationKind string

const (
	NotificationShippingSaved NotificationKind = "shipping_saved"
	NotificationOrderPlaced   NotificationKind = "order_placed"
	NotificationOrderFailed   NotificationKind = "order_failed"
)

// Notification описывает пользовательское уведомление, порождённое переходом.
type Notification struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionId"`
	CustomerID  string           `json:"customerId"`
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// OrderStatus описывает статус размещённого заказа.
type OrderStatus string

const (
	OrderStatusPlaced OrderStatus = "PLACED"
)

// Order описывает размещённый заказ покупателя.
type Order struct {
	Number     string          `json:"number"`
	CustomerID string          `json:"customerId"`
	SessionID  string          `json:"sessionId"`
	Status     OrderStatus     `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	Items      []LineItem      `json:"items"`
	PlacedAt   time.Time       `json:"placedAt"`
}

// OrderRequest содержит всё, что передаётся внешнему сервису размещения заказа.
type OrderRequest struct {
	SessionID  string         `json:"sessionId"`
	CustomerID string         `json:"customerId"`
	Shipping   ShippingRecord `json:"shipping"`
	Payment    PaymentRecord  `json:"payment"`
	Cart       Cart           `json:"cart"`
}

// PlacedOrder описывает ответ сервиса размещения заказа.
type PlacedOrder struct {
	Number string      `json:"order"`
	Status OrderStatus `json:"status"`
}

// StepOutcome содержит результат операции с формой: новое состояние сессии,
// ошибки по полям и порождённые уведомления.
type StepOutcome struct {
	Session       *CheckoutSession
	Errors        map[string]string
	Notifications []Notification
	Order         *Order
}
