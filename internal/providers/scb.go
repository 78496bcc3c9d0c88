package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SCBConfig configures a Siam Commercial Bank adapter instance.
type SCBConfig struct {
	APIKey        string
	APISecret     string
	WebhookSecret string
	APIBaseURL    string // default https://api.scb.co.th/partners/sandbox
	RateLimit     *RateLimitConfig
}

// SCB is an adapter over the Siam Commercial Bank Payment Gateway API.
type SCB struct {
	*Base
	cfg        SCBConfig
	httpClient *http.Client
}

func NewSCB(cfg SCBConfig, logger *zap.Logger) *SCB {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.scb.co.th/partners/sandbox"
	}
	return &SCB{
		Base:       NewBase("scb", logger, cfg.RateLimit),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SCB) request(ctx context.Context, method, path string, body interface{}, out interface{}) (*ProviderError, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return NewProviderError(ErrorInvalidRequest, "", "request encode failed", err), err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.cfg.APIBaseURL, "/")+path, reader)
	if err != nil {
		return NewProviderError(ErrorInvalidRequest, "", "request build failed", err), err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Key", s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return NewProviderError(ErrorNetwork, "", "scb request failed", err), err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return NewProviderError(ErrorProviderInternal, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), fmt.Errorf("scb %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewProviderError(ErrorRateLimited, "429", string(raw), nil), fmt.Errorf("scb rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return NewProviderError(ErrorAuth, "401", string(raw), nil), fmt.Errorf("scb unauthorized")
	case resp.StatusCode >= 400:
		return NewProviderError(ErrorInvalidRequest, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), fmt.Errorf("scb %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return NewProviderError(ErrorProviderInternal, "", "response decode failed", err), err
		}
	}
	return nil, nil
}

type scbPaymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	WebLink       string `json:"webLink"`
}

func (s *SCB) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	s.Limiter().Wait()
	start := time.Now()
	body := map[string]interface{}{
		"amount":      float64(req.Amount) / 100.0,
		"currency":    req.Currency,
		"orderId":     req.OrderID,
		"description": req.Description,
		"returnUrl":   req.ReturnURL,
	}
	var out scbPaymentResponse
	perr, err := s.request(ctx, http.MethodPost, "/v1/payments/qrcode", body, &out)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	result := &PaymentResult{Success: true, ProviderTransactionID: out.TransactionID, PaymentURL: out.WebLink}
	if out.Status == "SUCCESS" {
		result.SynchronouslyCompleted = true
	}
	raw, _ := json.Marshal(out)
	result.RawResponse = raw
	return result, nil
}

func (s *SCB) GetStatus(ctx context.Context, providerTransactionID string) (*StatusResult, error) {
	s.Limiter().Wait()
	start := time.Now()
	var out scbPaymentResponse
	perr, err := s.request(ctx, http.MethodGet, "/v1/payments/"+providerTransactionID, nil, &out)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &StatusResult{Status: out.Status, RawResponse: raw}, nil
}

func (s *SCB) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	s.Limiter().Wait()
	start := time.Now()
	body := map[string]interface{}{"amount": float64(req.Amount) / 100.0}
	var out struct {
		RefundID string `json:"refundId"`
		Status   string `json:"status"`
	}
	perr, err := s.request(ctx, http.MethodPost, "/v1/payments/"+req.ProviderTransactionID+"/refund", body, &out)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &RefundResult{Success: true, ProviderRefundID: out.RefundID, RawResponse: raw}, nil
}

// ValidateWebhook checks HMAC-SHA256 of `timestamp|request_id|payload`.
func (s *SCB) ValidateWebhook(ctx context.Context, rawPayload []byte, headers WebhookHeaders, sourceIP string) (bool, error) {
	sig := headers[http.CanonicalHeaderKey("X-SCB-Signature")]
	timestamp := headers[http.CanonicalHeaderKey("X-SCB-Timestamp")]
	requestID := headers[http.CanonicalHeaderKey("X-SCB-Request-ID")]
	if sig == "" || timestamp == "" || requestID == "" {
		return false, nil
	}
	signable := fmt.Sprintf("%s|%s|%s", timestamp, requestID, string(rawPayload))
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte(signable))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig)), nil
}
