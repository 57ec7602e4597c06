// Package gateway предоставляет клиент платёжного провайдера PayPal.
// Клиент нормализует ошибки провайдера: наружу выходят только ErrNotConfigured,
// ErrTimeout и RequestError, типы самого провайдера не протекают.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

const (
	// requestTimeout — потолок длительности одного обращения к провайдеру.
	requestTimeout = 30 * time.Second

	// maxMetadataSize — предел размера метаданных, принимаемых провайдером.
	maxMetadataSize = 4096

	tokenExpirySlack = 60 * time.Second
)

// StatusCompleted — статус провайдера, означающий успешно списанный платёж.
const StatusCompleted = "COMPLETED"

// ErrNotConfigured возвращается, если клиент создан без учётных данных провайдера.
var (
	ErrNotConfigured = errors.New("payment gateway is not configured")
	// ErrTimeout возвращается, если обращение к провайдеру не уложилось в отведённое время.
	ErrTimeout = errors.New("payment gateway request timed out")
)

// RequestError описывает отказ провайдера с его статус-кодом и деталями.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("payment gateway request failed: status=%d detail=%s", e.StatusCode, e.Detail)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	baseURL  string
	clientID string
	secret   string

	// Создание платежа выполняется без ретраев: повтор слепого POST может
	// породить второй платёжный интент. Запрос токена и подтверждение
	// безопасно повторять, для них используется retryClient.
	httpClient  *http.Client
	retryClient *retryablehttp.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time

	now func() time.Time
}

// NewClient создаёт клиент провайдера. Учётные данные проверяются сразу:
// клиент без них остаётся в ненастроенном режиме и отвечает ErrNotConfigured
// на любые платёжные операции.
func NewClient(baseURL, clientID, secret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.Timeout = requestTimeout

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		clientID:    clientID,
		secret:      secret,
		httpClient:  &http.Client{Timeout: requestTimeout},
		retryClient: rc,
		now:         time.Now,
	}
}

// Configured сообщает, располагает ли клиент учётными данными провайдера.
func (c *Client) Configured() bool {
	return c != nil && c.clientID != "" && c.secret != ""
}

// CreateIntentRequest описывает параметры создания платёжного интента.
type CreateIntentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Metadata    string
	ReferenceID string
	ReturnURL   string
	CancelURL   string
}

// IntentResult содержит идентификатор интента и ссылку для одобрения платежа покупателем.
type IntentResult struct {
	ID          string
	ApprovalURL string
}

// CaptureResult содержит итог подтверждения платежа у провайдера.
type CaptureResult struct {
	Status         string
	CapturedAmount decimal.Decimal
	Metadata       string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type amountPayload struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnitPayload struct {
	ReferenceID string        `json:"reference_id,omitempty"`
	CustomID    string        `json:"custom_id,omitempty"`
	Amount      amountPayload `json:"amount"`
}

type applicationContextPayload struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action"`
}

type createOrderPayload struct {
	Intent             string                    `json:"intent"`
	PurchaseUnits      []purchaseUnitPayload     `json:"purchase_units"`
	ApplicationContext applicationContextPayload `json:"application_context"`
}

type linkPayload struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string        `json:"custom_id"`
		Amount   amountPayload `json:"amount"`
		Payments struct {
			Captures []struct {
				CustomID string        `json:"custom_id"`
				Amount   amountPayload `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []linkPayload `json:"links"`
}

// CreateIntent создаёт платёжный интент у провайдера и возвращает ссылку одобрения.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	if len(req.Metadata) > maxMetadataSize {
		return nil, &RequestError{Detail: fmt.Sprintf("metadata exceeds provider limit of %d bytes", maxMetadataSize)}
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := createOrderPayload{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitPayload{
			{
				ReferenceID: req.ReferenceID,
				CustomID:    req.Metadata,
				Amount: amountPayload{
					CurrencyCode: req.Currency,
					Value:        req.Amount.StringFixed(2),
				},
			},
		},
		ApplicationContext: applicationContextPayload{
			ReturnURL:  req.ReturnURL,
			CancelURL:  req.CancelURL,
			UserAction: "PAY_NOW",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal create order payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, newRequestError(resp)
	}

	var result orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Detail: "malformed create order response"}
	}

	approvalURL := ""
	for _, link := range result.Links {
		if link.Rel == "approve" {
			approvalURL = link.Href
			break
		}
	}
	if result.ID == "" || approvalURL == "" {
		return nil, &RequestError{StatusCode: resp.StatusCode, Detail: "create order response misses id or approval link"}
	}

	return &IntentResult{
		ID:          result.ID,
		ApprovalURL: approvalURL,
	}, nil
}

// GetCaptureStatus запрашивает у провайдера подтверждение платежа по интенту.
// Возвращает статус провайдера, списанную сумму и метаданные интента.
func (c *Client) GetCaptureStatus(ctx context.Context, intentID string) (*CaptureResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	captureURL := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", c.baseURL, intentID)
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, captureURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.retryClient.Do(httpReq)
	if err != nil {
		return nil, normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, newRequestError(resp)
	}

	var result orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Detail: "malformed capture response"}
	}

	out := &CaptureResult{Status: result.Status}

	if len(result.PurchaseUnits) > 0 {
		pu := result.PurchaseUnits[0]
		out.Metadata = pu.CustomID
		rawAmount := pu.Amount.Value

		// Некоторые ответы провайдера несут сумму и метаданные только внутри
		// сведений о списании.
		if len(pu.Payments.Captures) > 0 {
			capture := pu.Payments.Captures[0]
			if rawAmount == "" {
				rawAmount = capture.Amount.Value
			}
			if out.Metadata == "" {
				out.Metadata = capture.CustomID
			}
		}

		if rawAmount != "" {
			amount, parseErr := decimal.NewFromString(rawAmount)
			if parseErr != nil {
				return nil, &RequestError{StatusCode: resp.StatusCode, Detail: "malformed captured amount: " + rawAmount}
			}
			out.CapturedAmount = amount
		}
	}

	return out, nil
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiresAt) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.secret)

	resp, err := c.retryClient.Do(req)
	if err != nil {
		return "", normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newRequestError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &RequestError{StatusCode: resp.StatusCode, Detail: "malformed token response"}
	}
	if tr.AccessToken == "" {
		return "", &RequestError{StatusCode: resp.StatusCode, Detail: "token response misses access_token"}
	}

	c.token = tr.AccessToken
	c.tokenExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySlack)

	return c.token, nil
}

func newRequestError(resp *http.Response) *RequestError {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &RequestError{
		StatusCode: resp.StatusCode,
		Detail:     strings.TrimSpace(string(detail)),
	}
}

func normalizeTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	return &RequestError{Detail: err.Error()}
}
