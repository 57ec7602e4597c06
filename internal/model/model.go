// Package model содержит доменные сущности сервиса storefront.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного покупателя или администратора магазина.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Role определяет уровень доступа пользователя.
type Role string

// Поддерживаемые роли пользователей.
const (
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

// Product описывает товар каталога.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Category    string
	ImageURL    string
	CreatedAt   time.Time
}

// CartLine описывает одну позицию корзины, передаваемую клиентом при оформлении.
// Позиции корзины не сохраняются и живут только в рамках запроса.
type CartLine struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Coupon описывает скидочный купон пользователя.
// Инвариант: у пользователя не более одного купона одновременно.
type Coupon struct {
	ID                 int64
	Code               string
	UserID             int64
	DiscountPercentage int
	ExpiresAt          time.Time
	IsActive           bool
	CreatedAt          time.Time
}

// OrderItem описывает позицию сохранённого заказа.
type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	Price       decimal.Decimal
}

// Order описывает завершённую покупку. Заказ создаётся ровно один раз на каждый
// подтверждённый платёж и после создания не изменяется. ProviderOrderID уникален
// и служит ключом идемпотентности подтверждения.
type Order struct {
	ID              int64
	UserID          *int64
	UserName        string
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	ProviderOrderID string
	CreatedAt       time.Time
}

// CaptureStatus описывает исход подтверждения платежа.
type CaptureStatus string

const (
	// CaptureStatusCreated — заказ создан по результату подтверждения.
	CaptureStatusCreated CaptureStatus = "created"
	// CaptureStatusAlreadyCaptured — платёж уже был превращён в заказ ранее.
	CaptureStatusAlreadyCaptured CaptureStatus = "already captured"
)
