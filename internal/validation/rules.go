package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Rule связывает поле формы с тегом проверки validator и сообщением об ошибке.
// Длина строк считается в символах, а не в байтах.
type Rule struct {
	Field   string
	Tag     string
	Message string
}

// Errors содержит ошибки проверки, ключами служат имена полей.
type Errors map[string]string

// Error реализует интерфейс error.
func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, f := range e.Fields() {
		parts = append(parts, f+": "+e[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields возвращает отсортированный список полей с ошибками.
func (e Errors) Fields() []string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Validate проверяет значения по всем правилам и возвращает полный набор ошибок.
// Для каждого поля сохраняется сообщение первого нарушенного правила.
// Пустой результат означает, что ввод корректен.
func Validate(rules []Rule, values map[string]string) Errors {
	errs := Errors{}
	for _, rule := range rules {
		if _, failed := errs[rule.Field]; failed {
			continue
		}
		if err := validate.Var(values[rule.Field], rule.Tag); err != nil {
			errs[rule.Field] = rule.Message
		}
	}
	return errs
}

var expiryDateRe = regexp.MustCompile(`^(0[1-9]|1[0-2])/\d{2}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("expiry", func(fl validator.FieldLevel) bool {
		return expiryDateRe.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// ShippingRules описывает ограничения формы доставки.
// addressLine2 и phoneNumber необязательны и не проверяются.
var ShippingRules = []Rule{
	{Field: "fullName", Tag: "min=2", Message: "Full name must be at least 2 characters."},
	{Field: "addressLine1", Tag: "min=5", Message: "Address is too short."},
	{Field: "city", Tag: "min=2", Message: "City is required."},
	{Field: "stateProvince", Tag: "min=2", Message: "State/Province is required."},
	{Field: "postalCode", Tag: "min=3", Message: "Postal code is required."},
	{Field: "country", Tag: "min=2", Message: "Country is required."},
}

// PaymentRules описывает ограничения платёжной формы.
var PaymentRules = []Rule{
	{Field: "cardholderName", Tag: "min=2", Message: "Cardholder name is required."},
	{Field: "cardNumber", Tag: "len=16,number", Message: "Invalid card number (must be 16 digits)."},
	{Field: "expiryDate", Tag: "expiry", Message: "Invalid expiry date (MM/YY)."},
	{Field: "cvv", Tag: "min=3,max=4,number", Message: "Invalid CVV (3 or 4 digits)."},
}
