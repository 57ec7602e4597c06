// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/mmeshcher/storefront-system/internal/model"
)

// ErrEmptyCart возвращается при попытке оформить пустую корзину.
var ErrEmptyCart = errors.New("cart is empty")

// ValidateCart проверяет корректность позиций корзины: количество каждой позиции
// не меньше единицы, цена неотрицательна.
func ValidateCart(lines []model.CartLine) error {
	if len(lines) == 0 {
		return ErrEmptyCart
	}

	for i, line := range lines {
		if line.ProductID == "" {
			return fmt.Errorf("line %d: product id is required", i)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("line %d: quantity must be at least 1", i)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("line %d: unit price must not be negative", i)
		}
	}

	return nil
}

// IsValidCouponCode проверяет, что код купона состоит только из латинских букв
// и цифр. Пустой код считается валидным — отсутствие купона не ошибка.
func IsValidCouponCode(code string) bool {
	for _, ch := range code {
		if ch > unicode.MaxASCII || (!unicode.IsLetter(ch) && !unicode.IsDigit(ch)) {
			return false
		}
	}
	return true
}
