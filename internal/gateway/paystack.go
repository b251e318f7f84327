package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/escrowlink/backend/internal/escrow"
	"go.uber.org/zap"
)

const (
	opInitialize = "initialize"
	opVerify     = "verify"

	// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
	SignatureHeader = "x-paystack-signature"

	// EventChargeSuccess is the only webhook event that moves money into escrow.
	EventChargeSuccess = "charge.success"
)

// PaystackClient talks to the Paystack transaction API.
type PaystackClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	log        *zap.Logger
}

func NewPaystackClient(baseURL, secretKey string, timeout time.Duration, log *zap.Logger) *PaystackClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PaystackClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *PaystackClient) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if req.AmountMinor <= 0 {
		return nil, &escrow.GatewayError{Op: opInitialize, Err: fmt.Errorf("amount must be positive, got %d", req.AmountMinor)}
	}

	body, err := json.Marshal(map[string]any{
		"email":        req.Email,
		"amount":       req.AmountMinor,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := c.do(ctx, opInitialize, http.MethodPost, "/transaction/initialize", body, &result); err != nil {
		return nil, err
	}
	if result.AuthorizationURL == "" {
		return nil, &escrow.GatewayError{Op: opInitialize, Err: errors.New("response has no authorization_url")}
	}
	if result.Reference == "" {
		result.Reference = req.Reference
	}
	return &result, nil
}

func (c *PaystackClient) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if reference == "" {
		return nil, &escrow.GatewayError{Op: opVerify, Err: errors.New("reference is empty")}
	}

	var data struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
	}
	if err := c.do(ctx, opVerify, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}

	ref := data.Reference
	if ref == "" {
		ref = reference
	}
	return &VerifyResult{
		Reference:   ref,
		Success:     data.Status == "success",
		RawStatus:   data.Status,
		AmountMinor: data.Amount,
	}, nil
}

func (c *PaystackClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &escrow.GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("paystack request failed", zap.String("op", op), zap.Error(err))
		return &escrow.GatewayError{Op: op, Retryable: true, Err: fmt.Errorf("paystack unavailable: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &escrow.GatewayError{Op: op, Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return &escrow.GatewayError{
			Op:        op,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("paystack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &escrow.GatewayError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !env.Status {
		return &escrow.GatewayError{Op: op, Err: fmt.Errorf("paystack rejected request: %s", env.Message)}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &escrow.GatewayError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA512 of payload keyed by secret.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignWebhook produces the signature Paystack would send for payload.
func SignWebhook(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookEvent is the subset of a Paystack webhook body the backend reads.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	if ev.Event == "" {
		return nil, errors.New("webhook event is missing")
	}
	return &ev, nil
}
