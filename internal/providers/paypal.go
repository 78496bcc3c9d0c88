package providers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// PayPalConfig configures a PayPal adapter instance.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string // e.g. https://api-m.sandbox.paypal.com or https://api-m.paypal.com
	WebhookID    string
	RateLimit    *RateLimitConfig
}

// PayPal is an adapter over PayPal's REST Orders/Refunds API, authenticated
// via the OAuth2 client-credentials grant.
type PayPal struct {
	*Base
	cfg        PayPalConfig
	tokenSrc   oauth2.TokenSource
	httpClient *http.Client

	certMu    sync.Mutex
	certCache map[string]cachedCert
}

type cachedCert struct {
	pub       *rsa.PublicKey
	expiresAt time.Time
}

// NewPayPal constructs a PayPal adapter. The token source lazily refreshes
// via oauth2/clientcredentials.
func NewPayPal(cfg PayPalConfig, logger *zap.Logger) *PayPal {
	ccConfig := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     strings.TrimRight(cfg.APIBaseURL, "/") + "/v1/oauth2/token",
	}
	return &PayPal{
		Base:       NewBase("paypal", logger, cfg.RateLimit),
		cfg:        cfg,
		tokenSrc:   ccConfig.TokenSource(context.Background()),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		certCache:  make(map[string]cachedCert),
	}
}

func (p *PayPal) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) (*ProviderError, error) {
	tok, err := p.tokenSrc.Token()
	if err != nil {
		return NewProviderError(ErrorAuth, "", "oauth2 token fetch failed", err), err
	}

	var reader io.Reader
	if body != nil {
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return NewProviderError(ErrorInvalidRequest, "", "request encode failed", mErr), mErr
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.APIBaseURL, "/")+path, reader)
	if err != nil {
		return NewProviderError(ErrorInvalidRequest, "", "request build failed", err), err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return NewProviderError(ErrorNetwork, "", "paypal request failed", err), err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return NewProviderError(ErrorProviderInternal, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), errors.New(string(raw))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return NewProviderError(ErrorRateLimited, "429", string(raw), nil), errors.New(string(raw))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return NewProviderError(ErrorAuth, "401", string(raw), nil), errors.New(string(raw))
	}
	if resp.StatusCode >= 400 {
		return NewProviderError(ErrorInvalidRequest, fmt.Sprintf("%d", resp.StatusCode), string(raw), nil), errors.New(string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return NewProviderError(ErrorProviderInternal, "", "response decode failed", err), err
		}
	}
	return nil, nil
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (p *PayPal) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	p.Limiter().Wait()
	start := time.Now()

	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": req.OrderID,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         fmt.Sprintf("%.2f", float64(req.Amount)/100.0),
			},
		}},
		"application_context": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	var out paypalOrderResponse
	perr, err := p.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &out)
	p.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}

	result := &PaymentResult{Success: true, ProviderTransactionID: out.ID}
	for _, l := range out.Links {
		if l.Rel == "approve" {
			result.PaymentURL = l.Href
		}
	}
	if out.Status == "COMPLETED" {
		result.SynchronouslyCompleted = true
	}
	raw, _ := json.Marshal(out)
	result.RawResponse = raw
	return result, nil
}

func (p *PayPal) GetStatus(ctx context.Context, providerTransactionID string) (*StatusResult, error) {
	p.Limiter().Wait()
	start := time.Now()
	var out paypalOrderResponse
	perr, err := p.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+providerTransactionID, nil, &out)
	p.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &StatusResult{Status: out.Status, RawResponse: raw}, nil
}

func (p *PayPal) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	p.Limiter().Wait()
	start := time.Now()

	body := map[string]interface{}{
		"amount": map[string]string{
			"currency_code": req.Currency,
			"value":         fmt.Sprintf("%.2f", float64(req.Amount)/100.0),
		},
		"note_to_payer": req.Reason,
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	perr, err := p.doJSON(ctx, http.MethodPost, "/v2/payments/captures/"+req.ProviderTransactionID+"/refund", body, &out)
	p.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, perr
	}
	raw, _ := json.Marshal(out)
	return &RefundResult{Success: true, ProviderRefundID: out.ID, RawResponse: raw}, nil
}

// ValidateWebhook verifies the PAYPAL-TRANSMISSION-* headers against a
// certificate fetched only from a *.paypal.com host, cached 24h, and binds
// to the configured webhook id.
func (p *PayPal) ValidateWebhook(ctx context.Context, rawPayload []byte, headers WebhookHeaders, sourceIP string) (bool, error) {
	certURL := headers[http.CanonicalHeaderKey("PAYPAL-CERT-URL")]
	transmissionID := headers[http.CanonicalHeaderKey("PAYPAL-TRANSMISSION-ID")]
	transmissionTime := headers[http.CanonicalHeaderKey("PAYPAL-TRANSMISSION-TIME")]
	transmissionSig := headers[http.CanonicalHeaderKey("PAYPAL-TRANSMISSION-SIG")]

	if certURL == "" || transmissionSig == "" {
		return false, nil
	}
	if !isPayPalCertHost(certURL) {
		return false, nil
	}

	pub, err := p.fetchCert(ctx, certURL)
	if err != nil {
		return false, nil
	}

	signable := paypalSignableString(transmissionID, transmissionTime, p.cfg.WebhookID, rawPayload)
	sig, err := base64.StdEncoding.DecodeString(transmissionSig)
	if err != nil {
		return false, nil
	}
	digest := sha256.Sum256([]byte(signable))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

// paypalSignableString builds the message PayPal's webhook signature is
// computed over: transmission id, transmission time, and webhook id joined
// with the CRC32 (IEEE) checksum of the raw request body, each pipe-
// separated, matching PayPal's documented `WEBHOOK-SIGNATURE-ALGO` scheme.
func paypalSignableString(transmissionID, transmissionTime, webhookID string, rawPayload []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc32.ChecksumIEEE(rawPayload))
}

func isPayPalCertHost(rawURL string) bool {
	return strings.Contains(rawURL, "://") &&
		(strings.HasSuffix(extractHost(rawURL), ".paypal.com") || extractHost(rawURL) == "paypal.com")
}

func extractHost(rawURL string) string {
	withoutScheme := rawURL
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		withoutScheme = rawURL[idx+3:]
	}
	if idx := strings.IndexAny(withoutScheme, "/:"); idx >= 0 {
		return withoutScheme[:idx]
	}
	return withoutScheme
}

func (p *PayPal) fetchCert(ctx context.Context, certURL string) (*rsa.PublicKey, error) {
	p.certMu.Lock()
	if c, ok := p.certCache[certURL]; ok && time.Now().Before(c.expiresAt) {
		p.certMu.Unlock()
		return c.pub, nil
	}
	p.certMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate is not RSA")
	}

	p.certMu.Lock()
	p.certCache[certURL] = cachedCert{pub: pub, expiresAt: time.Now().Add(24 * time.Hour)}
	p.certMu.Unlock()
	return pub, nil
}
