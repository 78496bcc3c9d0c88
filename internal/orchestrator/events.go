package orchestrator

import "time"

// PaymentEvent is the shape published for PaymentCreated/Completed/Failed.
type PaymentEvent struct {
	EventID               string            `json:"event_id"`
	TransactionID         string            `json:"transaction_id"`
	IdempotencyKey        string            `json:"idempotency_key"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	CustomerID            string            `json:"customer_id"`
	OrderID               string            `json:"order_id"`
	ProviderName          string            `json:"provider_name"`
	ProviderTransactionID string            `json:"provider_transaction_id,omitempty"`
	Timestamp             time.Time         `json:"timestamp"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	ErrorCode             string            `json:"error_code,omitempty"`
	CorrelationID         string            `json:"correlation_id,omitempty"`
}

// RefundEvent is the shape published for RefundInitiated/Completed/Failed.
type RefundEvent struct {
	EventID              string    `json:"event_id"`
	TransactionID        string    `json:"transaction_id"`
	PaymentTransactionID string    `json:"payment_transaction_id"`
	IdempotencyKey       string    `json:"idempotency_key"`
	Amount               int64     `json:"amount"`
	Currency             string    `json:"currency"`
	ProviderName         string    `json:"provider_name"`
	ProviderRefundID     string    `json:"provider_refund_id,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	CorrelationID        string    `json:"correlation_id,omitempty"`
}

// ProviderHealthEvent is the shape published for ProviderDegraded/Recovered.
type ProviderHealthEvent struct {
	ProviderName string    `json:"provider_name"`
	State        string    `json:"state"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}
