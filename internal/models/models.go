// Package models defines the durable entities of the payment orchestrator:
// providers, payment and refund transactions, the append-only audit log, and
// inbound webhook events.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentStatus enumerates the lifecycle states of a PaymentTransaction.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "Pending"
	PaymentProcessing        PaymentStatus = "Processing"
	PaymentCompleted         PaymentStatus = "Completed"
	PaymentFailed            PaymentStatus = "Failed"
	PaymentRefunded          PaymentStatus = "Refunded"
	PaymentPartiallyRefunded PaymentStatus = "PartiallyRefunded"
)

// RefundStatus enumerates the lifecycle states of a RefundTransaction.
type RefundStatus string

const (
	RefundPending    RefundStatus = "Pending"
	RefundProcessing RefundStatus = "Processing"
	RefundCompleted  RefundStatus = "Completed"
	RefundFailed     RefundStatus = "Failed"
)

// RefundType distinguishes a full payoff from a partial refund.
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

// ProviderStatus enumerates the operational state of a PaymentProvider.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "Active"
	ProviderInactive    ProviderStatus = "Inactive"
	ProviderDegraded    ProviderStatus = "Degraded"
	ProviderMaintenance ProviderStatus = "Maintenance"
	ProviderCircuitOpen ProviderStatus = "CircuitOpen"
)

// WebhookProcessingStatus enumerates the lifecycle of an ingested WebhookEvent.
type WebhookProcessingStatus string

const (
	WebhookPending    WebhookProcessingStatus = "Pending"
	WebhookProcessing WebhookProcessingStatus = "Processing"
	WebhookCompleted  WebhookProcessingStatus = "Completed"
	WebhookFailed     WebhookProcessingStatus = "Failed"
	WebhookDuplicate  WebhookProcessingStatus = "Duplicate"
)

// StringMap is a JSON-backed string->string map, used for metadata and
// supported-currency sets.
type StringMap map[string]string

// PaymentTransaction is the primary aggregate of the orchestrator.
type PaymentTransaction struct {
	ID                    uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	IdempotencyKey        string        `gorm:"uniqueIndex;size:100;not null" json:"idempotency_key"`
	Amount                int64         `gorm:"not null" json:"amount"` // minor units, 2 fractional digits
	Currency              string        `gorm:"size:3;not null" json:"currency"`
	Status                PaymentStatus `gorm:"size:32;index:idx_payment_status_created,priority:1;not null" json:"status"`
	CustomerID            string        `gorm:"size:128;not null" json:"customer_id"`
	OrderID               string        `gorm:"size:128;not null" json:"order_id"`
	ProviderID            uuid.UUID     `gorm:"type:uuid;not null" json:"provider_id"`
	ProviderName          string        `gorm:"size:64;not null" json:"provider_name"`
	ProviderTransactionID string        `gorm:"size:255" json:"provider_transaction_id"`
	PaymentURL            string        `gorm:"size:1024" json:"payment_url,omitempty"`
	ReturnURL             string        `gorm:"size:1024" json:"return_url,omitempty"`
	CancelURL             string        `gorm:"size:1024" json:"cancel_url,omitempty"`
	Description           string        `gorm:"size:512" json:"description,omitempty"`
	ErrorMessage          string        `gorm:"size:1024" json:"error_message,omitempty"`
	ProviderErrorCode     string        `gorm:"size:128" json:"provider_error_code,omitempty"`
	RetryCount            int           `gorm:"not null;default:0" json:"retry_count"`
	Metadata              StringMap     `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
	CorrelationID         string        `gorm:"size:128;index" json:"correlation_id,omitempty"`
	RowVersion            int64         `gorm:"not null;default:1" json:"-"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
	CreatedAt             time.Time     `gorm:"index:idx_payment_status_created,priority:2,sort:desc" json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

func (p *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.RowVersion == 0 {
		p.RowVersion = 1
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (p *PaymentTransaction) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal reports whether no further transition occurs except
// refund-driven ones.
func (p PaymentTransaction) IsTerminal() bool {
	switch p.Status {
	case PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentPartiallyRefunded:
		return true
	default:
		return false
	}
}

// RefundTransaction records a refund against a parent PaymentTransaction.
type RefundTransaction struct {
	ID                   uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	IdempotencyKey       string       `gorm:"uniqueIndex;size:100;not null" json:"idempotency_key"`
	PaymentTransactionID uuid.UUID    `gorm:"type:uuid;not null;index" json:"payment_transaction_id"`
	ProviderID           uuid.UUID    `gorm:"type:uuid;not null" json:"provider_id"`
	Amount               int64        `gorm:"not null;check:amount > 0" json:"amount"` // minor units, 4 fractional digits
	Currency             string       `gorm:"size:3;not null" json:"currency"`
	Status               RefundStatus `gorm:"size:32;not null" json:"status"`
	RefundType           RefundType   `gorm:"size:16;not null;check:refund_type in ('full','partial')" json:"refund_type"`
	ProviderRefundID     string       `gorm:"size:255" json:"provider_refund_id,omitempty"`
	Reason               string       `gorm:"size:512" json:"reason,omitempty"`
	ErrorMessage         string       `gorm:"size:1024" json:"error_message,omitempty"`
	CorrelationID        string       `gorm:"size:128;index" json:"correlation_id,omitempty"`
	RowVersion           int64        `gorm:"not null;default:1" json:"-"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (RefundTransaction) TableName() string { return "refund_transactions" }

func (r *RefundTransaction) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.RowVersion == 0 {
		r.RowVersion = 1
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (r *RefundTransaction) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ProviderConfiguration is one region/credential configuration for a
// PaymentProvider; a provider may hold 1..N of these.
type ProviderConfiguration struct {
	Region      string    `json:"region"`
	APIBaseURL  string    `json:"api_base_url"`
	WebhookID   string    `json:"webhook_id,omitempty"`
	ExtraConfig StringMap `json:"extra_config,omitempty"`
}

// PaymentProvider is a read-mostly registration of an external payment
// provider and its routing attributes.
type PaymentProvider struct {
	ID                  uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string                 `gorm:"uniqueIndex;size:64;not null" json:"name"`
	DisplayName         string                 `gorm:"size:128" json:"display_name"`
	Status              ProviderStatus         `gorm:"size:32;not null" json:"status"`
	SupportedCurrencies StringMap              `gorm:"type:jsonb;serializer:json" json:"supported_currencies"`
	Priority            int                    `gorm:"not null;default:100" json:"priority"`
	CredentialsEncrypted string                `gorm:"type:text" json:"-"`
	Configurations       datatypes.JSONSlice[ProviderConfiguration] `gorm:"type:jsonb" json:"configurations"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	DeletedAt            gorm.DeletedAt         `gorm:"index" json:"-"`
}

func (PaymentProvider) TableName() string { return "payment_providers" }

func (p *PaymentProvider) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (p *PaymentProvider) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SupportsCurrency reports whether the provider's currency set contains code
// (expected already uppercased).
func (p PaymentProvider) SupportsCurrency(code string) bool {
	_, ok := p.SupportedCurrencies[code]
	return ok
}

// TransactionLog is an append-only audit trail entry for a PaymentTransaction
// state change. It is never updated or deleted.
type TransactionLog struct {
	ID                   uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentTransactionID uuid.UUID     `gorm:"type:uuid;not null;index" json:"payment_transaction_id"`
	PreviousStatus       PaymentStatus `gorm:"size:32" json:"previous_status"`
	NewStatus            PaymentStatus `gorm:"size:32" json:"new_status"`
	EventType            string        `gorm:"size:64;not null" json:"event_type"`
	Message              string        `gorm:"size:1024" json:"message,omitempty"`
	ProviderResponse      datatypes.JSON `gorm:"type:jsonb" json:"provider_response,omitempty"`
	ErrorDetails         string        `gorm:"size:1024" json:"error_details,omitempty"`
	CorrelationID        string        `gorm:"size:128;index" json:"correlation_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

func (TransactionLog) TableName() string { return "transaction_logs" }

func (l *TransactionLog) BeforeCreate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return nil
}

// WebhookEvent is an inbound, deduplicated provider notification.
type WebhookEvent struct {
	ID                   uuid.UUID               `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID           uuid.UUID               `gorm:"type:uuid;not null;uniqueIndex:idx_provider_event" json:"provider_id"`
	ProviderEventID      string                  `gorm:"size:255;not null;uniqueIndex:idx_provider_event" json:"provider_event_id"`
	EventType            string                  `gorm:"size:128" json:"event_type"`
	RawPayload           []byte                  `gorm:"type:bytea" json:"-"`
	ParsedPayload         datatypes.JSON          `gorm:"type:jsonb" json:"parsed_payload,omitempty"`
	Signature            string                  `gorm:"size:512" json:"-"`
	SignatureValidated    bool                    `gorm:"not null" json:"signature_validated"`
	IPAddress            string                  `gorm:"size:64" json:"ip_address,omitempty"`
	ProcessingStatus      WebhookProcessingStatus `gorm:"size:32;not null" json:"processing_status"`
	ProcessingAttempts    int                     `gorm:"not null;default:0" json:"processing_attempts"`
	NextRetryAt           *time.Time              `gorm:"index:idx_webhook_next_retry" json:"next_retry_at,omitempty"`
	ProcessedAt           *time.Time              `json:"processed_at,omitempty"`
	FailureReason         string                  `gorm:"size:1024" json:"failure_reason,omitempty"`
	PaymentTransactionID  *uuid.UUID              `gorm:"type:uuid" json:"payment_transaction_id,omitempty"`
	RefundTransactionID   *uuid.UUID              `gorm:"type:uuid" json:"refund_transaction_id,omitempty"`
	RowVersion            int64                   `gorm:"not null;default:1" json:"-"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.RowVersion == 0 {
		w.RowVersion = 1
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	return nil
}

func (w *WebhookEvent) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}
