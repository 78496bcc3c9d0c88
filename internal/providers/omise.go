package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OmiseConfig configures an Omise adapter instance.
type OmiseConfig struct {
	PublicKey      string
	SecretKey      string
	WebhookSecret  string // optional; when empty only the IP allowlist applies
	AllowedIPs     []string
	APIBaseURL     string // default https://api.omise.co
	RateLimit      *RateLimitConfig
}

// Omise is an adapter over Omise's Charges/Refunds API.
type Omise struct {
	*Base
	cfg        OmiseConfig
	httpClient *http.Client
}

func NewOmise(cfg OmiseConfig, logger *zap.Logger) *Omise {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.omise.co"
	}
	return &Omise{
		Base:       NewBase("omise", logger, cfg.RateLimit),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *Omise) request(ctx context.Context, method, path string, body interface{}, out interface{}) (*ProviderError, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return NewProviderError(ErrorInvalidRequest, "", "request encode failed", err), err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.cfg.APIBaseURL, "/")+path, reader)
	if err != nil {
		return NewProviderError(ErrorInvalidRequest, "", "request build failed", err), err
	}
	req.SetBasicAuth(o.cfg.SecretKey, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return NewProviderError(ErrorNetwork, "", "omise request failed", err), err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return NewProviderError(ErrorProviderInternal, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), fmt.Errorf("omise %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewProviderError(ErrorRateLimited, "429", string(raw), nil), fmt.Errorf("omise rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return NewProviderError(ErrorAuth, "401", string(raw), nil), fmt.Errorf("omise unauthorized")
	case resp.StatusCode >= 400:
		return NewProviderError(ErrorInvalidRequest, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), fmt.Errorf("omise %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return NewProviderError(ErrorProviderInternal, "", "response decode failed", err), err
		}
	}
	return nil, nil
}

type omiseCharge struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AuthorizeURI   string `json:"authorize_uri"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

func (o *Omise) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	o.Limiter().Wait()
	start := time.Now()

	body := map[string]interface{}{
		"amount":            req.Amount,
		"currency":          strings.ToLower(req.Currency),
		"description":       req.Description,
		"metadata":          req.Metadata,
		"return_uri":        req.ReturnURL,
	}
	var out omiseCharge
	perr, err := o.request(ctx, http.MethodPost, "/charges", body, &out)
	o.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}

	result := &PaymentResult{Success: true, ProviderTransactionID: out.ID, PaymentURL: out.AuthorizeURI}
	if out.Status == "successful" {
		result.SynchronouslyCompleted = true
	}
	if out.Status == "failed" {
		result.Success = false
		result.ErrorCode = out.FailureCode
		result.ErrorMessage = out.FailureMessage
	}
	raw, _ := json.Marshal(out)
	result.RawResponse = raw
	return result, nil
}

func (o *Omise) GetStatus(ctx context.Context, providerTransactionID string) (*StatusResult, error) {
	o.Limiter().Wait()
	start := time.Now()
	var out omiseCharge
	perr, err := o.request(ctx, http.MethodGet, "/charges/"+providerTransactionID, nil, &out)
	o.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &StatusResult{Status: out.Status, RawResponse: raw}, nil
}

func (o *Omise) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	o.Limiter().Wait()
	start := time.Now()
	body := map[string]interface{}{"amount": req.Amount}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	perr, err := o.request(ctx, http.MethodPost, "/charges/"+req.ProviderTransactionID+"/refunds", body, &out)
	o.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &RefundResult{Success: true, ProviderRefundID: out.ID, RawResponse: raw}, nil
}

// ValidateWebhook checks the optional HMAC-SHA256 signature when a webhook
// secret is configured, and enforces the source-IP allowlist when one is
// configured; with neither configured every webhook passes.
func (o *Omise) ValidateWebhook(ctx context.Context, rawPayload []byte, headers WebhookHeaders, sourceIP string) (bool, error) {
	if len(o.cfg.AllowedIPs) > 0 && !ipAllowed(sourceIP, o.cfg.AllowedIPs) {
		return false, nil
	}
	if o.cfg.WebhookSecret == "" {
		return true, nil
	}
	sig := headers["X-Omise-Signature"]
	if sig == "" {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(o.cfg.WebhookSecret))
	mac.Write(rawPayload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig)), nil
}

func ipAllowed(sourceIP string, allowed []string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, a := range allowed {
		if _, cidr, err := net.ParseCIDR(a); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if a == sourceIP {
			return true
		}
	}
	return false
}
