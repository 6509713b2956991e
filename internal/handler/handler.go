// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-system/internal/middleware"
	"github.com/mmeshcher/marketplace-system/internal/model"
	"github.com/mmeshcher/marketplace-system/internal/repository"
	"github.com/mmeshcher/marketplace-system/internal/service"
	"github.com/mmeshcher/marketplace-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetCart(ctx context.Context, userID int64) (*model.Cart, error)
	SetCartItem(ctx context.Context, userID, productID, quantity int64) error
	RemoveCartItem(ctx context.Context, userID, productID int64) error
	ClearCart(ctx context.Context, userID int64) error

	CreateOrder(ctx context.Context, userID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetUserOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error)
	CreatePaymentSession(ctx context.Context, userID int64, orderID string) (*service.PaymentSession, error)

	ProcessPaymentNotification(ctx context.Context, topic, paymentID string, sig service.WebhookSignature) error
	SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type cartItemResponse struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int64   `json:"quantity"`
}

type cartResponse struct {
	ID    int64              `json:"id"`
	Items []cartItemResponse `json:"items"`
}

type orderItemResponse struct {
	ProductID       int64   `json:"product_id"`
	Name            string  `json:"name"`
	Quantity        int64   `json:"quantity"`
	PriceAtPurchase float64 `json:"price_at_purchase"`
}

type orderResponse struct {
	ID                  string              `json:"id"`
	Items               []orderItemResponse `json:"items"`
	Total               float64             `json:"total"`
	Status              string              `json:"status"`
	PaymentID           string              `json:"payment_id,omitempty"`
	PaymentStatus       string              `json:"payment_status,omitempty"`
	PaymentStatusDetail string              `json:"payment_status_detail,omitempty"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
}

type stockConflictResponse struct {
	Error     string `json:"error"`
	ProductID int64  `json:"product_id"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:       it.ProductID,
			Name:            it.Name,
			Quantity:        it.Quantity,
			PriceAtPurchase: float64(it.PriceAtPurchaseCents) / 100,
		})
	}

	return orderResponse{
		ID:                  o.ID,
		Items:               items,
		Total:               float64(o.TotalCents) / 100,
		Status:              string(o.Status),
		PaymentID:           o.PaymentID,
		PaymentStatus:       o.PaymentStatus,
		PaymentStatusDetail: o.PaymentStatusDetail,
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           o.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeStockConflict отвечает 409 с деталями конфликта: товар и доступный остаток.
func (h *Handler) writeStockConflict(w http.ResponseWriter, conflict *service.StockConflictError) {
	h.writeJSON(w, http.StatusConflict, stockConflictResponse{
		Error:     conflict.Error(),
		ProductID: conflict.ProductID,
		Available: conflict.Available,
		Requested: conflict.Requested,
	})
}

// GetCart возвращает корзину текущего пользователя, создавая пустую при первом обращении.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := cartResponse{ID: cart.ID, Items: make([]cartItemResponse, 0, len(cart.Items))}
	for _, it := range cart.Items {
		resp.Items = append(resp.Items, cartItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     float64(it.PriceCents) / 100,
			Quantity:  it.Quantity,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type setCartItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// SetCartItem добавляет товар в корзину текущего пользователя или заменяет его количество.
func (h *Handler) SetCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req setCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID <= 0 || !validation.IsValidQuantity(req.Quantity) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.SetCartItem(r.Context(), userID, req.ProductID, req.Quantity)
	if err != nil {
		var conflict *service.StockConflictError
		switch {
		case errors.As(err, &conflict):
			h.writeStockConflict(w, conflict)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("set cart item error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveCartItem удаляет товар из корзины текущего пользователя.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productID, ok := validation.ParseProductID(chi.URLParam(r, "productID"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.RemoveCartItem(r.Context(), userID, productID)
	if err != nil {
		if errors.Is(err, repository.ErrCartItemNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("remove cart item error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearCart очищает корзину текущего пользователя.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ClearCart(r.Context(), userID); err != nil {
		h.logger.Error("clear cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateOrder оформляет заказ из корзины текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), userID)
	if err != nil {
		var conflict *service.StockConflictError
		switch {
		case errors.Is(err, service.ErrEmptyCart):
			http.Error(w, "cart is empty", http.StatusBadRequest)
		case errors.As(err, &conflict):
			h.writeStockConflict(w, conflict)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя от новых к старым.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего пользователя с проверкой владения.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if !validation.IsValidOrderID(orderID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetUserOrder(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderAccessDenied):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("get order error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type paymentSessionResponse struct {
	PreferenceID string `json:"preference_id"`
	InitPoint    string `json:"init_point"`
}

// CreatePaymentSession создаёт платёжную сессию для заказа текущего пользователя.
func (h *Handler) CreatePaymentSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if !validation.IsValidOrderID(orderID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.CreatePaymentSession(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderAccessDenied):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrOrderNotPending):
			http.Error(w, "order already processed or cancelled", http.StatusConflict)
		default:
			h.logger.Error("create payment session error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, paymentSessionResponse{
		PreferenceID: session.PreferenceID,
		InitPoint:    session.InitPoint,
	})
}

// PaymentWebhook принимает платёжные уведомления провайдера. Всегда отвечает
// 200: отказ заставил бы провайдера ретраить доставку и умножил бы внутренний
// сбой; ошибки обработки видны только в логах.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	paymentID := r.URL.Query().Get("id")

	sig := service.WebhookSignature{
		Header:    r.Header.Get("x-signature"),
		RequestID: r.Header.Get("x-request-id"),
	}

	if err := h.service.ProcessPaymentNotification(r.Context(), topic, paymentID, sig); err != nil {
		h.logger.Error("payment webhook processing error",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("paymentID", paymentID))
	}

	w.WriteHeader(http.StatusOK)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetOrderStatus выполняет административную смену статуса заказа.
func (h *Handler) SetOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if !validation.IsValidOrderID(orderID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.SetOrderStatus(r.Context(), orderID, model.OrderStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("set order status error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}
