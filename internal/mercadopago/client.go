// Package mercadopago предоставляет клиент платёжного провайдера Mercado Pago.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с API платёжного провайдера.
// Передаётся компонентам явно, а не через глобальное состояние: в тестах
// подменяется фальшивым провайдером.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *retryablehttp.Client
}

// Payment описывает платёж в ответе провайдера. ExternalReference содержит
// идентификатор нашего заказа, переданный при создании платёжной сессии.
type Payment struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	ExternalReference string  `json:"external_reference"`
	TransactionAmount float64 `json:"transaction_amount"`
}

// PreferenceItem описывает позицию платёжной сессии.
type PreferenceItem struct {
	Title     string  `json:"title"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// PreferenceRequest описывает запрос на создание платёжной сессии.
type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url"`
}

// Preference описывает созданную платёжную сессию: идентификатор и URL
// страницы оплаты, на которую перенаправляется покупатель.
type Preference struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// NewClient создаёт HTTP-клиент провайдера по указанному адресу API.
// Временные ошибки сети и ответы 5xx ретраятся.
func NewClient(baseURL, accessToken string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  rc,
	}
}

// GetPayment запрашивает у провайдера полную информацию о платеже. Помимо
// разобранной структуры возвращает сырое тело ответа для журнала аудита.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, []byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, nil, fmt.Errorf("payment provider client not configured")
	}

	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, paymentID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, fmt.Errorf("payment %s not found", paymentID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var payment Payment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}

	return &payment, body, nil
}

// CreatePreference создаёт платёжную сессию для заказа.
func (c *Client) CreatePreference(ctx context.Context, pref PreferenceRequest) (*Preference, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment provider client not configured")
	}

	payload, err := json.Marshal(pref)
	if err != nil {
		return nil, fmt.Errorf("encode preference: %w", err)
	}

	url := c.baseURL + "/checkout/preferences"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Preference
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.ID == "" || result.InitPoint == "" {
		return nil, fmt.Errorf("preference response missing id or init_point")
	}

	return &result, nil
}
