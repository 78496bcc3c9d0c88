package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaymentTransaction_IsTerminal(t *testing.T) {
	cases := map[PaymentStatus]bool{
		PaymentPending:           false,
		PaymentProcessing:        false,
		PaymentCompleted:         true,
		PaymentFailed:            true,
		PaymentRefunded:          true,
		PaymentPartiallyRefunded: true,
	}
	for status, want := range cases {
		tx := PaymentTransaction{Status: status}
		require.Equal(t, want, tx.IsTerminal(), "status %s", status)
	}
}

func TestPaymentProvider_SupportsCurrency(t *testing.T) {
	provider := PaymentProvider{SupportedCurrencies: StringMap{"USD": "enabled", "THB": "enabled"}}

	require.True(t, provider.SupportsCurrency("USD"))
	require.True(t, provider.SupportsCurrency("THB"))
	require.False(t, provider.SupportsCurrency("EUR"))
}

func TestPaymentTransaction_BeforeCreate_AssignsIDAndRowVersion(t *testing.T) {
	tx := &PaymentTransaction{}
	require.NoError(t, tx.BeforeCreate(nil))

	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", tx.ID.String())
	require.Equal(t, int64(1), tx.RowVersion)
}

func TestWebhookEvent_BeforeCreate_AssignsIDAndRowVersion(t *testing.T) {
	event := &WebhookEvent{}
	require.NoError(t, event.BeforeCreate(nil))

	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.ID.String())
	require.Equal(t, int64(1), event.RowVersion)
	require.False(t, event.CreatedAt.IsZero())
}
