// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidOrderNumber проверяет корректность номера заказа по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// LuhnCheckDigit вычисляет контрольную цифру, которую нужно дописать к payload,
// чтобы номер проходил проверку IsValidOrderNumber. Для нецифровых строк возвращает false.
func LuhnCheckDigit(payload string) (byte, bool) {
	if payload == "" {
		return 0, false
	}

	sum := 0
	double := true

	for i := len(payload) - 1; i >= 0; i-- {
		ch := payload[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return byte('0' + (10-sum%10)%10), true
}
