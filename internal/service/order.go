package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-system/internal/model"
	"github.com/mmeshcher/marketplace-system/internal/repository"
)

// CreateOrder оформляет заказ из корзины пользователя по принципу
// всё-или-ничего: либо остаток зарезервирован по каждой позиции и заказ
// сохранён, либо все уже выполненные списания откачены. Название и цена
// берутся из актуальной карточки товара и фиксируются в позициях заказа.
func (s *Service) CreateOrder(ctx context.Context, userID int64) (*model.Order, error) {
	cart, err := s.repo.GetCartByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}

	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	var (
		orderItems []model.OrderItem
		reserved   []model.OrderItem
		totalCents int64
	)

	for _, item := range cart.Items {
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			s.rollbackReserved(ctx, reserved)
			return nil, err
		}

		if err := s.repo.DecrementStockIfAvailable(ctx, item.ProductID, item.Quantity); err != nil {
			s.rollbackReserved(ctx, reserved)

			if errors.Is(err, repository.ErrInsufficientStock) {
				// Остаток мог измениться между проверкой и условным списанием:
				// перечитываем актуальное значение для ответа пользователю.
				available := int64(0)
				if current, ferr := s.repo.GetProduct(ctx, item.ProductID); ferr == nil {
					available = current.Stock
				}
				return nil, &StockConflictError{
					ProductID: item.ProductID,
					Name:      product.Name,
					Available: available,
					Requested: item.Quantity,
				}
			}

			return nil, err
		}

		orderItem := model.OrderItem{
			ProductID:            product.ID,
			Name:                 product.Name,
			Quantity:             item.Quantity,
			PriceAtPurchaseCents: product.PriceCents,
		}
		orderItems = append(orderItems, orderItem)
		reserved = append(reserved, orderItem)
		totalCents += product.PriceCents * item.Quantity
	}

	order := &model.Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Items:      orderItems,
		TotalCents: totalCents,
		Status:     model.OrderStatusPending,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		s.logger.Error("order persist failed after stock reservation, compensating",
			zap.String("orderID", order.ID),
			zap.Int64("userID", userID),
			zap.Error(err))
		s.rollbackReserved(ctx, reserved)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if err := s.repo.ClearCart(ctx, userID); err != nil {
		// Заказ уже создан, остаток списан: корзину не откатываем.
		s.logger.Warn("clear cart after order failed",
			zap.String("orderID", order.ID),
			zap.Int64("userID", userID),
			zap.Error(err))
	}

	s.logger.Info("order created",
		zap.String("orderID", order.ID),
		zap.Int64("userID", userID),
		zap.Int64("total", totalCents))

	return order, nil
}

// rollbackReserved возвращает на склад уже списанные позиции неудавшегося
// оформления. Фонового компенсатора нет: неудавшийся возврат означает
// потерянную единицу остатка и логируется как аномалия для ручной сверки.
func (s *Service) rollbackReserved(ctx context.Context, reserved []model.OrderItem) {
	for _, item := range reserved {
		if err := s.repo.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("stock rollback failed, units lost until manual reconciliation",
				zap.Int64("productID", item.ProductID),
				zap.Int64("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}
