// Package model содержит доменные сущности магазина.
package model

import "time"

// Product представляет товар каталога. Stock никогда не опускается ниже нуля:
// это гарантируется условным обновлением в хранилище и CHECK-ограничением.
type Product struct {
	ID         int64
	Name       string
	PriceCents int64
	Stock      int64
	CreatedAt  time.Time
}

// CartItem описывает позицию корзины. Хранится только ссылка на товар и
// количество; название и цена подтягиваются из каталога в момент чтения.
type CartItem struct {
	ProductID int64
	Quantity  int64

	// Заполняются из каталога при чтении корзины. В заказ не переносятся:
	// при оформлении цена фиксируется заново из актуальной карточки товара.
	Name       string
	PriceCents int64
}

// Cart представляет корзину пользователя. Создаётся лениво при первом
// обращении и очищается при успешном оформлении заказа.
type Cart struct {
	ID     int64
	UserID int64
	Items  []CartItem
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// IsValid сообщает, является ли значение одним из известных статусов заказа.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsTerminal сообщает, является ли статус конечным. Из конечного статуса
// дальнейшие переходы по платёжным уведомлениям запрещены.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo проверяет допустимость перехода заказа в новый статус.
// Таблица переходов: pending -> processing | cancelled,
// processing -> delivered | cancelled | refunded, delivered -> refunded.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusProcessing || next == OrderStatusCancelled
	case OrderStatusProcessing:
		return next == OrderStatusDelivered || next == OrderStatusCancelled || next == OrderStatusRefunded
	case OrderStatusDelivered:
		return next == OrderStatusRefunded
	}
	return false
}

// PaymentStatus описывает статус платежа во внешней платёжной системе.
type PaymentStatus string

const (
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusInProcess PaymentStatus = "in_process"
)

// OrderItem описывает позицию заказа. Поля фиксируются в момент оформления:
// последующие изменения каталога на оформленный заказ не влияют.
type OrderItem struct {
	ProductID            int64
	Name                 string
	Quantity             int64
	PriceAtPurchaseCents int64
}

// Order описывает заказ пользователя. Состав позиций и сумма неизменяемы после
// создания; статус меняется только сверкой платежей или администратором.
type Order struct {
	ID                  string
	UserID              int64
	Items               []OrderItem
	TotalCents          int64
	Status              OrderStatus
	PreferenceID        string
	PaymentID           string
	PaymentStatus       string
	PaymentStatusDetail string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PaymentEvent описывает запись журнала платёжных уведомлений. Журнал
// append-only: по одной записи на уникальный идентификатор платежа.
type PaymentEvent struct {
	ProviderPaymentID string
	Payload           []byte
	ReceivedAt        time.Time
}
