package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-system/internal/middleware"
	"github.com/mmeshcher/marketplace-system/internal/model"
	"github.com/mmeshcher/marketplace-system/internal/repository"
	"github.com/mmeshcher/marketplace-system/internal/service"
)

type stubService struct {
	cartResp *model.Cart
	cartErr  error

	setItemErr    error
	removeItemErr error
	clearCartErr  error

	createOrderResp *model.Order
	createOrderErr  error

	ordersResp []model.Order
	ordersErr  error

	orderResp *model.Order
	orderErr  error

	sessionResp *service.PaymentSession
	sessionErr  error

	notifyErr    error
	notifyTopic  string
	notifyID     string
	notifySig    service.WebhookSignature
	notifyCalled bool

	setStatusResp *model.Order
	setStatusErr  error
	setStatusArg  model.OrderStatus
}

func (s *stubService) GetCart(ctx context.Context, userID int64) (*model.Cart, error) {
	return s.cartResp, s.cartErr
}

func (s *stubService) SetCartItem(ctx context.Context, userID, productID, quantity int64) error {
	return s.setItemErr
}

func (s *stubService) RemoveCartItem(ctx context.Context, userID, productID int64) error {
	return s.removeItemErr
}

func (s *stubService) ClearCart(ctx context.Context, userID int64) error {
	return s.clearCartErr
}

func (s *stubService) CreateOrder(ctx context.Context, userID int64) (*model.Order, error) {
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetUserOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) CreatePaymentSession(ctx context.Context, userID int64, orderID string) (*service.PaymentSession, error) {
	return s.sessionResp, s.sessionErr
}

func (s *stubService) ProcessPaymentNotification(ctx context.Context, topic, paymentID string, sig service.WebhookSignature) error {
	s.notifyCalled = true
	s.notifyTopic = topic
	s.notifyID = paymentID
	s.notifySig = sig
	return s.notifyErr
}

func (s *stubService) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	s.setStatusArg = status
	return s.setStatusResp, s.setStatusErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

const testOrderID = "2f9f5e4a-8c1d-4b7e-9a3f-0d6c2b1a5e77"

// doAuth выполняет запрос через роутер с кукой аутентификации.
func doAuth(t *testing.T, h *Handler, method, target string, body []byte, admin bool) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1, admin)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	return rec.Result()
}

func TestGetCart_JSONResponse(t *testing.T) {
	svc := &stubService{
		cartResp: &model.Cart{
			ID: 7,
			Items: []model.CartItem{
				{ProductID: 1, Name: "Widget", PriceCents: 1050, Quantity: 2},
			},
		},
	}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodGet, "/api/user/cart", nil, false)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp cartResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Price != 10.5 {
		t.Fatalf("items = %+v, want one item priced 10.5", resp.Items)
	}
}

func TestGetCart_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/cart", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestSetCartItem_BadRequest(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(setCartItemRequest{ProductID: 1, Quantity: 0})

	res := doAuth(t, h, http.MethodPost, "/api/user/cart/items", body, false)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestSetCartItem_StockConflict(t *testing.T) {
	svc := &stubService{
		setItemErr: &service.StockConflictError{
			ProductID: 1,
			Name:      "Widget",
			Available: 3,
			Requested: 5,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(setCartItemRequest{ProductID: 1, Quantity: 5})

	res := doAuth(t, h, http.MethodPost, "/api/user/cart/items", body, false)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp stockConflictResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ProductID != 1 || resp.Available != 3 || resp.Requested != 5 {
		t.Fatalf("conflict body = %+v", resp)
	}
}

func TestSetCartItem_ProductNotFound(t *testing.T) {
	svc := &stubService{setItemErr: repository.ErrProductNotFound}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(setCartItemRequest{ProductID: 99, Quantity: 1})

	res := doAuth(t, h, http.MethodPost, "/api/user/cart/items", body, false)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestRemoveCartItem_InvalidID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doAuth(t, h, http.MethodDelete, "/api/user/cart/items/abc", nil, false)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCreateOrder_Created(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		createOrderResp: &model.Order{
			ID:         testOrderID,
			UserID:     1,
			TotalCents: 2000,
			Status:     model.OrderStatusPending,
			Items: []model.OrderItem{
				{ProductID: 1, Name: "Widget", Quantity: 2, PriceAtPurchaseCents: 1000},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodPost, "/api/user/orders", nil, false)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 20 || resp.Status != "pending" {
		t.Fatalf("order = %+v, want total 20 status pending", resp)
	}
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	svc := &stubService{createOrderErr: service.ErrEmptyCart}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodPost, "/api/user/orders", nil, false)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{ordersResp: []model.Order{}}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodGet, "/api/user/orders", nil, false)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetOrder_BadID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doAuth(t, h, http.MethodGet, "/api/user/orders/not-a-uuid", nil, false)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetOrder_Forbidden(t *testing.T) {
	svc := &stubService{orderErr: service.ErrOrderAccessDenied}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodGet, "/api/user/orders/"+testOrderID, nil, false)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreatePaymentSession_Conflict(t *testing.T) {
	svc := &stubService{sessionErr: service.ErrOrderNotPending}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodPost, "/api/user/orders/"+testOrderID+"/payment", nil, false)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestCreatePaymentSession_OK(t *testing.T) {
	svc := &stubService{
		sessionResp: &service.PaymentSession{
			PreferenceID: "pref-1",
			InitPoint:    "https://pay.example/init/pref-1",
		},
	}
	h := newTestHandler(t, svc)

	res := doAuth(t, h, http.MethodPost, "/api/user/orders/"+testOrderID+"/payment", nil, false)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp paymentSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.InitPoint != "https://pay.example/init/pref-1" {
		t.Fatalf("init_point = %q", resp.InitPoint)
	}
}

func TestPaymentWebhook_AlwaysOK(t *testing.T) {
	svc := &stubService{notifyErr: context.DeadlineExceeded}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook?topic=payment&id=123", nil)
	req.Header.Set("x-signature", "ts=1,v1=deadbeef")
	req.Header.Set("x-request-id", "req-1")
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if !svc.notifyCalled {
		t.Fatal("service was not called")
	}
	if svc.notifyTopic != "payment" || svc.notifyID != "123" {
		t.Fatalf("topic=%q id=%q", svc.notifyTopic, svc.notifyID)
	}
	if svc.notifySig.Header != "ts=1,v1=deadbeef" || svc.notifySig.RequestID != "req-1" {
		t.Fatalf("signature = %+v", svc.notifySig)
	}
}

func TestSetOrderStatus_RequiresAdmin(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(setStatusRequest{Status: "cancelled"})

	res := doAuth(t, h, http.MethodPut, "/api/admin/orders/"+testOrderID+"/status", body, false)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestSetOrderStatus_OK(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		setStatusResp: &model.Order{
			ID:        testOrderID,
			Status:    model.OrderStatusCancelled,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(setStatusRequest{Status: "cancelled"})

	res := doAuth(t, h, http.MethodPut, "/api/admin/orders/"+testOrderID+"/status", body, true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.setStatusArg != model.OrderStatusCancelled {
		t.Fatalf("status arg = %q, want cancelled", svc.setStatusArg)
	}
}

func TestSetOrderStatus_InvalidTransition(t *testing.T) {
	svc := &stubService{setStatusErr: service.ErrInvalidTransition}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(setStatusRequest{Status: "pending"})

	res := doAuth(t, h, http.MethodPut, "/api/admin/orders/"+testOrderID+"/status", body, true)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}
