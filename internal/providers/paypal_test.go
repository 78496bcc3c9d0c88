package providers

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaypalSignableString_MatchesDocumentedPipeJoinedCRC32Scheme(t *testing.T) {
	payload := []byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	got := paypalSignableString("tx-1", "2026-07-31T00:00:00Z", "WH-123", payload)

	want := fmt.Sprintf("tx-1|2026-07-31T00:00:00Z|WH-123|%d", crc32.ChecksumIEEE(payload))
	require.Equal(t, want, got)
}

func TestPaypalSignableString_ChangesWithPayload(t *testing.T) {
	a := paypalSignableString("tx-1", "t", "wh", []byte("a"))
	b := paypalSignableString("tx-1", "t", "wh", []byte("b"))
	require.NotEqual(t, a, b)
}

// TestValidateWebhook_RSASignatureOverSignableStringVerifies exercises the
// same RSA-PKCS1v15/SHA-256 verification ValidateWebhook performs, using the
// real signable-string builder, independent of the *.paypal.com cert-host
// fetch (which requires a live PayPal cert endpoint to test end-to-end).
func TestValidateWebhook_RSASignatureOverSignableStringVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload := []byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	signable := paypalSignableString("tx-1", "2026-07-31T00:00:00Z", "WH-123", payload)
	digest := sha256.Sum256([]byte(signable))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
	require.Equal(t, fmt.Sprintf("tx-1|2026-07-31T00:00:00Z|WH-123|%d", crc32.ChecksumIEEE(payload)), signable)
	_ = base64.StdEncoding.EncodeToString(sig) // shape callers would transmit as PAYPAL-TRANSMISSION-SIG
}

func TestIsPayPalCertHost_RejectsNonPayPalHosts(t *testing.T) {
	require.True(t, isPayPalCertHost("https://api.paypal.com/cert.pem"))
	require.True(t, isPayPalCertHost("https://paypal.com/cert.pem"))
	require.False(t, isPayPalCertHost("https://evil.com/paypal.com.pem"))
	require.False(t, isPayPalCertHost("https://notpaypal.com/cert.pem"))
}
