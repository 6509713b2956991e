// Package service реализует бизнес-логику магазина: оформление заказов с
// резервированием остатков и сверку платёжных уведомлений.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-system/internal/mercadopago"
	"github.com/mmeshcher/marketplace-system/internal/model"
	"github.com/mmeshcher/marketplace-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Узкий интерфейс с условным обновлением остатка позволяет менять движок
// хранения, не теряя гарантию атомарного списания.
type Repository interface {
	Close() error

	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	DecrementStockIfAvailable(ctx context.Context, productID, quantity int64) error
	IncrementStock(ctx context.Context, productID, quantity int64) error

	GetCartByUser(ctx context.Context, userID int64) (*model.Cart, error)
	SetCartItem(ctx context.Context, userID, productID, quantity int64) error
	RemoveCartItem(ctx context.Context, userID, productID int64) error
	ClearCart(ctx context.Context, userID int64) error

	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	UpdateOrderStatusIf(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error)
	UpdateOrderPayment(ctx context.Context, orderID, paymentID, paymentStatus, paymentStatusDetail string) error
	TransitionOrderStatus(ctx context.Context, orderID string, from, to model.OrderStatus, paymentID, paymentStatus, paymentStatusDetail string) (bool, error)
	SetOrderPreference(ctx context.Context, orderID, preferenceID string) error

	HasPaymentEvent(ctx context.Context, providerPaymentID string) (bool, error)
	InsertPaymentEvent(ctx context.Context, providerPaymentID string, payload []byte) (bool, error)
}

// PaymentProvider описывает контракт платёжного провайдера. Клиент передаётся
// сервису явно: в тестах подменяется фальшивой реализацией.
type PaymentProvider interface {
	GetPayment(ctx context.Context, paymentID string) (*mercadopago.Payment, []byte, error)
	CreatePreference(ctx context.Context, pref mercadopago.PreferenceRequest) (*mercadopago.Preference, error)
}

// ErrEmptyCart возвращается при попытке оформить заказ из пустой корзины.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrOrderAccessDenied возвращается при обращении к чужому заказу.
	ErrOrderAccessDenied = errors.New("order belongs to another user")
	// ErrOrderNotPending возвращается при попытке оплатить уже обработанный заказ.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// StockConflictError описывает проигранную гонку за остаток: на момент
// списания товара осталось меньше, чем запрошено. Ошибка легитимного
// конфликта, а не дефект; запрос можно повторить.
type StockConflictError struct {
	ProductID int64
	Name      string
	Available int64
	Requested int64
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for %q (product %d): available %d, requested %d",
		e.Name, e.ProductID, e.Available, e.Requested)
}

// Unwrap позволяет проверять ошибку через errors.Is с сентинелом репозитория.
func (e *StockConflictError) Unwrap() error {
	return repository.ErrInsufficientStock
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo           Repository
	provider       PaymentProvider
	logger         *zap.Logger
	webhookSecret  string
	webhookBaseURL string
}

// NewService создаёт сервис с указанным репозиторием и клиентом платёжного провайдера.
func NewService(repo Repository, provider PaymentProvider, logger *zap.Logger, webhookSecret, webhookBaseURL string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		provider:       provider,
		logger:         logger,
		webhookSecret:  webhookSecret,
		webhookBaseURL: webhookBaseURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetCart возвращает корзину пользователя, создавая пустую при первом обращении.
func (s *Service) GetCart(ctx context.Context, userID int64) (*model.Cart, error) {
	return s.repo.GetCartByUser(ctx, userID)
}

// SetCartItem добавляет товар в корзину или заменяет его количество.
// Проверка остатка здесь только информационная: настоящая проверка выполняется
// атомарно при оформлении заказа.
func (s *Service) SetCartItem(ctx context.Context, userID, productID, quantity int64) error {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return err
	}

	if product.Stock < quantity {
		return &StockConflictError{
			ProductID: productID,
			Name:      product.Name,
			Available: product.Stock,
			Requested: quantity,
		}
	}

	return s.repo.SetCartItem(ctx, userID, productID, quantity)
}

// RemoveCartItem удаляет товар из корзины пользователя.
func (s *Service) RemoveCartItem(ctx context.Context, userID, productID int64) error {
	return s.repo.RemoveCartItem(ctx, userID, productID)
}

// ClearCart очищает корзину пользователя.
func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	return s.repo.ClearCart(ctx, userID)
}

// GetOrdersByUser возвращает заказы пользователя от новых к старым.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetUserOrder возвращает заказ пользователя с проверкой владения.
func (s *Service) GetUserOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderAccessDenied
	}
	return order, nil
}

// PaymentSession описывает созданную платёжную сессию заказа.
type PaymentSession struct {
	PreferenceID string
	InitPoint    string
}

// CreatePaymentSession создаёт у провайдера платёжную сессию для заказа в
// статусе pending. Идентификатор заказа передаётся провайдеру как external
// reference и возвращается обратно в платёжных уведомлениях.
func (s *Service) CreatePaymentSession(ctx context.Context, userID int64, orderID string) (*PaymentSession, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("payment provider not configured")
	}

	order, err := s.GetUserOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != model.OrderStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotPending, order.Status)
	}

	items := make([]mercadopago.PreferenceItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, mercadopago.PreferenceItem{
			Title:     item.Name,
			Quantity:  item.Quantity,
			UnitPrice: float64(item.PriceAtPurchaseCents) / 100,
		})
	}

	pref, err := s.provider.CreatePreference(ctx, mercadopago.PreferenceRequest{
		Items:             items,
		ExternalReference: order.ID,
		NotificationURL:   s.webhookBaseURL + "/api/payments/webhook",
	})
	if err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}

	if err := s.repo.SetOrderPreference(ctx, order.ID, pref.ID); err != nil {
		return nil, err
	}

	s.logger.Info("payment session created",
		zap.String("orderID", order.ID),
		zap.String("preferenceID", pref.ID))

	return &PaymentSession{PreferenceID: pref.ID, InitPoint: pref.InitPoint}, nil
}
