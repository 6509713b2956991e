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

// WebhookSignature содержит заголовки подписи платёжного уведомления.
type WebhookSignature struct {
	Header    string
	RequestID string
}

// ProcessPaymentNotification применяет платёжное уведомление провайдера к
// заказу. Уведомления могут приходить с опозданием, повторно и в произвольном
// порядке: идемпотентность обеспечивается журналом платежей с уникальным
// идентификатором, а допустимость перехода определяется текущим статусом
// заказа, а не порядком доставки.
//
// Ошибка из этого метода означает внутренний сбой, который логируется и не
// должен транслироваться провайдеру: webhook всегда подтверждается, иначе
// ретраи провайдера умножат внутреннюю проблему.
func (s *Service) ProcessPaymentNotification(ctx context.Context, topic, paymentID string, sig WebhookSignature) error {
	if topic != "payment" || paymentID == "" {
		s.logger.Debug("webhook ignored",
			zap.String("topic", topic),
			zap.String("paymentID", paymentID))
		return nil
	}

	// Невалидная подпись логируется, но не отклоняет уведомление: отказ с
	// не-2xx кодом заставил бы провайдера бесконечно ретраить доставку.
	if s.webhookSecret != "" {
		if err := mercadopago.VerifySignature(s.webhookSecret, sig.Header, sig.RequestID, paymentID); err != nil {
			s.logger.Warn("webhook signature validation failed",
				zap.String("paymentID", paymentID),
				zap.Error(err))
		}
	}

	exists, err := s.repo.HasPaymentEvent(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("check payment event: %w", err)
	}
	if exists {
		s.logger.Info("duplicate payment notification ignored", zap.String("paymentID", paymentID))
		return nil
	}

	if s.provider == nil {
		return fmt.Errorf("payment provider not configured")
	}

	payment, raw, err := s.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}

	inserted, err := s.repo.InsertPaymentEvent(ctx, paymentID, raw)
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	if !inserted {
		// Конкурентная доставка того же уведомления успела первой.
		s.logger.Info("duplicate payment notification ignored", zap.String("paymentID", paymentID))
		return nil
	}

	if payment.ExternalReference == "" {
		s.logger.Warn("payment without external reference", zap.String("paymentID", paymentID))
		return nil
	}

	return s.applyPayment(ctx, payment, paymentID)
}

func (s *Service) applyPayment(ctx context.Context, payment *mercadopago.Payment, paymentID string) error {
	orderID := payment.ExternalReference

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Warn("payment references unknown order",
				zap.String("paymentID", paymentID),
				zap.String("orderID", orderID))
			return nil
		}
		return fmt.Errorf("get order %s: %w", orderID, err)
	}

	status := model.PaymentStatus(payment.Status)

	// Переходы разрешены только из pending; для остальных статусов платёжные
	// поля обновляются для аудита без смены статуса. Повторное применение
	// терминальных веток поэтому ничего не меняет. Отменённый заказ уже прошёл
	// возврат остатка, его платёжные поля отражают отменившее событие и не
	// перезаписываются.
	if order.Status != model.OrderStatusPending {
		if order.Status != model.OrderStatusCancelled {
			switch status {
			case model.PaymentStatusApproved, model.PaymentStatusRejected,
				model.PaymentStatusCancelled, model.PaymentStatusInProcess:
				if err := s.repo.UpdateOrderPayment(ctx, orderID, paymentID, payment.Status, payment.StatusDetail); err != nil {
					return err
				}
			}
		}
		s.logger.Info("order not pending, payment recorded for audit only",
			zap.String("orderID", orderID),
			zap.String("orderStatus", string(order.Status)),
			zap.String("paymentStatus", payment.Status))
		return nil
	}

	switch status {
	case model.PaymentStatusApproved:
		transitioned, err := s.repo.TransitionOrderStatus(ctx, orderID,
			model.OrderStatusPending, model.OrderStatusProcessing,
			paymentID, payment.Status, payment.StatusDetail)
		if err != nil {
			return err
		}
		if !transitioned {
			// Конкурентное уведомление перевело заказ первым.
			return s.repo.UpdateOrderPayment(ctx, orderID, paymentID, payment.Status, payment.StatusDetail)
		}
		s.logger.Info("order moved to processing",
			zap.String("orderID", orderID),
			zap.String("paymentID", paymentID))

	case model.PaymentStatusRejected, model.PaymentStatusCancelled:
		transitioned, err := s.repo.TransitionOrderStatus(ctx, orderID,
			model.OrderStatusPending, model.OrderStatusCancelled,
			paymentID, payment.Status, payment.StatusDetail)
		if err != nil {
			return err
		}
		if !transitioned {
			return s.repo.UpdateOrderPayment(ctx, orderID, paymentID, payment.Status, payment.StatusDetail)
		}
		// Возврат остатка выполняет только уведомление, выигравшее переход:
		// это исключает двойной возврат при конкурентной доставке.
		s.restockOrderItems(ctx, order)
		s.logger.Info("order cancelled by payment, stock restored",
			zap.String("orderID", orderID),
			zap.String("paymentID", paymentID),
			zap.String("paymentStatus", payment.Status))

	case model.PaymentStatusInProcess:
		if err := s.repo.UpdateOrderPayment(ctx, orderID, paymentID, payment.Status, payment.StatusDetail); err != nil {
			return err
		}
		s.logger.Info("payment in process, order stays pending",
			zap.String("orderID", orderID),
			zap.String("paymentID", paymentID))

	default:
		s.logger.Info("unhandled payment status",
			zap.String("orderID", orderID),
			zap.String("paymentStatus", payment.Status))
	}

	return nil
}

// SetOrderStatus выполняет административную смену статуса заказа по таблице
// переходов. Остаток возвращается на склад ровно тогда, когда заказ уходит в
// cancelled или refunded из нетерминального статуса.
func (s *Service) SetOrderStatus(ctx context.Context, orderID string, newStatus model.OrderStatus) (*model.Order, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == newStatus {
		return order, nil
	}

	if !order.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, newStatus)
	}

	// Условная запись: если статус успел смениться между чтением и записью
	// (конкурентный вебхук или второй администратор), переход не выполняется
	// и возврат остатка не повторяется.
	transitioned, err := s.repo.UpdateOrderStatusIf(ctx, orderID, order.Status, newStatus)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		current, err := s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}

	if newStatus == model.OrderStatusCancelled || newStatus == model.OrderStatusRefunded {
		s.restockOrderItems(ctx, order)
		s.logger.Info("stock restored for cancelled/refunded order", zap.String("orderID", orderID))
	}

	return s.repo.GetOrderByID(ctx, orderID)
}

// restockOrderItems возвращает на склад все позиции заказа. Ошибки отдельных
// позиций логируются и не прерывают возврат остальных.
func (s *Service) restockOrderItems(ctx context.Context, order *model.Order) {
	for _, item := range order.Items {
		if err := s.repo.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("restock failed",
				zap.String("orderID", order.ID),
				zap.Int64("productID", item.ProductID),
				zap.Int64("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}
