package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"
)

// StripeConfig configures a Stripe adapter instance.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	RateLimit      *RateLimitConfig
}

// Stripe is a ProcessPayment/GetStatus/ProcessRefund/ValidateWebhook adapter
// over the Stripe PaymentIntents API.
type Stripe struct {
	*Base
	webhookSecret string
}

// NewStripe constructs a Stripe adapter. stripe-go is configured with a
// package-level API key, matching the library's own idiom.
func NewStripe(cfg StripeConfig, logger *zap.Logger) *Stripe {
	stripe.Key = cfg.SecretKey
	return &Stripe{
		Base:          NewBase("stripe", logger, cfg.RateLimit),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (s *Stripe) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	s.Limiter().Wait()
	start := time.Now()

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.CustomerID != "" {
		params.Metadata = map[string]string{"order_id": req.OrderID, "customer_id": req.CustomerID}
	}
	for k, v := range req.Metadata {
		if params.Metadata == nil {
			params.Metadata = map[string]string{}
		}
		params.Metadata[k] = v
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, classifyStripeError(err)
	}

	result := &PaymentResult{
		Success:               true,
		ProviderTransactionID: pi.ID,
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		result.PaymentURL = pi.NextAction.RedirectToURL.URL
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		result.SynchronouslyCompleted = true
	}
	if raw, mErr := json.Marshal(pi); mErr == nil {
		result.RawResponse = raw
	}
	return result, nil
}

func (s *Stripe) GetStatus(ctx context.Context, providerTransactionID string) (*StatusResult, error) {
	s.Limiter().Wait()
	start := time.Now()
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(providerTransactionID, params)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, classifyStripeError(err)
	}
	raw, _ := json.Marshal(pi)
	return &StatusResult{Status: string(pi.Status), RawResponse: raw}, nil
}

func (s *Stripe) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	s.Limiter().Wait()
	start := time.Now()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderTransactionID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.Context = ctx

	rf, err := refund.New(params)
	s.RecordOutcome(err == nil, time.Since(start))
	if err != nil {
		return nil, classifyStripeError(err)
	}
	raw, _ := json.Marshal(rf)
	return &RefundResult{Success: true, ProviderRefundID: rf.ID, RawResponse: raw}, nil
}

// ValidateWebhook verifies the `Stripe-Signature` header (`t=…,v1=…`,
// HMAC-SHA256 over `t.payload`) and rejects timestamps more than 5 minutes
// stale, per stripe-go's own tolerance default.
func (s *Stripe) ValidateWebhook(ctx context.Context, rawPayload []byte, headers WebhookHeaders, sourceIP string) (bool, error) {
	sigHeader := headers["Stripe-Signature"]
	_, err := webhook.ConstructEventWithOptions(rawPayload, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance: 5 * time.Minute,
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func classifyStripeError(err error) *ProviderError {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeAPIConnection:
			return NewProviderError(ErrorNetwork, string(stripeErr.Code), stripeErr.Msg, err)
		case stripe.ErrorTypeAuthentication:
			return NewProviderError(ErrorAuth, string(stripeErr.Code), stripeErr.Msg, err)
		case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeCard:
			return NewProviderError(ErrorInvalidRequest, string(stripeErr.Code), stripeErr.Msg, err)
		case stripe.ErrorTypeRateLimit:
			return NewProviderError(ErrorRateLimited, string(stripeErr.Code), stripeErr.Msg, err)
		case stripe.ErrorTypeAPI:
			return NewProviderError(ErrorProviderInternal, string(stripeErr.Code), stripeErr.Msg, err)
		default:
			return NewProviderError(ErrorProviderInternal, string(stripeErr.Code), stripeErr.Msg, err)
		}
	}
	return NewProviderError(ErrorNetwork, "", "stripe request failed", err)
}
