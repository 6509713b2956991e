// Package validation содержит функции валидации входных данных.
package validation

import (
	"strconv"

	"github.com/google/uuid"
)

// IsValidOrderID проверяет, что строка является корректным идентификатором заказа.
func IsValidOrderID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ParseProductID разбирает идентификатор товара из пути запроса.
func ParseProductID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsValidQuantity проверяет количество товара в позиции корзины.
func IsValidQuantity(quantity int64) bool {
	return quantity > 0
}
