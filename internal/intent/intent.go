// Package intent реализует кодирование намерения заказа для передачи через
// метаданные платёжного провайдера. Полезная нагрузка сериализуется при создании
// платежа, возвращается провайдером без изменений и восстанавливается при
// подтверждении — серверное состояние между двумя фазами не хранится.
package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-system/internal/model"
)

// Version — текущая версия схемы полезной нагрузки.
const Version = 1

// Line описывает одну оплаченную позицию внутри намерения заказа.
type Line struct {
	ProductID string          `json:"id"`
	Quantity  int             `json:"q"`
	Price     decimal.Decimal `json:"p"`
}

// OrderIntent описывает, каким должен стать заказ после подтверждения платежа.
type OrderIntent struct {
	SchemaVersion int    `json:"v"`
	UserID        *int64 `json:"u"`
	CouponCode    string `json:"c,omitempty"`
	Lines         []Line `json:"l"`
}

// New собирает намерение заказа из позиций корзины.
func New(userID int64, couponCode string, lines []model.CartLine) OrderIntent {
	payload := OrderIntent{
		SchemaVersion: Version,
		UserID:        &userID,
		CouponCode:    couponCode,
		Lines:         make([]Line, 0, len(lines)),
	}
	for _, l := range lines {
		payload.Lines = append(payload.Lines, Line{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Price:     l.UnitPrice,
		})
	}
	return payload
}

// Encode сериализует намерение заказа в строку для метаданных провайдера.
func Encode(oi OrderIntent) (string, error) {
	data, err := json.Marshal(oi)
	if err != nil {
		return "", fmt.Errorf("marshal order intent: %w", err)
	}
	return string(data), nil
}

// Decode восстанавливает намерение заказа из метаданных провайдера.
// Разбор никогда не завершается ошибкой: пустые или повреждённые метаданные дают
// пустое намерение без пользователя и позиций, а второй результат сообщает,
// удалось ли восстановить исходные данные. Платёж к этому моменту уже списан,
// поэтому потеря метаданных не должна срывать подтверждение.
func Decode(raw string) (OrderIntent, bool) {
	empty := OrderIntent{SchemaVersion: Version, Lines: []Line{}}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "undefined" {
		return empty, false
	}

	var oi OrderIntent
	if err := json.Unmarshal([]byte(raw), &oi); err != nil {
		return empty, false
	}

	if oi.Lines == nil {
		oi.Lines = []Line{}
	}

	return oi, true
}
