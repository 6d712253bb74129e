package store

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec-test"

func postWebhook(handler *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/orders", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Shopify-Hmac-Sha256", signature)
	}
	rec := httptest.NewRecorder()
	handler.OrderPaid(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler := NewWebhookHandler(nil, webhookSecret)
	body := `{"id":1001,"email":"buyer@example.com","line_items":[]}`

	rec := postWebhook(handler, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(handler, body, "bm90LXRoZS1yaWdodC1tYWM=")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A signature over different bytes fails too.
	rec = postWebhook(handler, body, ComputeSignature(webhookSecret, []byte(body+" ")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsWhenUnconfigured(t *testing.T) {
	handler := NewWebhookHandler(nil, "")
	body := `{"id":1001,"email":"buyer@example.com","line_items":[]}`

	rec := postWebhook(handler, body, ComputeSignature("", []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookValidSignatureBadPayload(t *testing.T) {
	handler := NewWebhookHandler(nil, webhookSecret)

	body := `{"this is not json`
	rec := postWebhook(handler, body, ComputeSignature(webhookSecret, []byte(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = `{"id":"","email":"","line_items":[]}`
	rec = postWebhook(handler, body, ComputeSignature(webhookSecret, []byte(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEmptyOrderCreatesNothing(t *testing.T) {
	handler := NewWebhookHandler(nil, webhookSecret)

	// Numeric ids arrive as JSON numbers; no line items means no repository
	// lookups at all.
	body := `{"id":123456789,"email":"Buyer@Example.com","line_items":[]}`
	rec := postWebhook(handler, body, ComputeSignature(webhookSecret, []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purchases_created":0}`, rec.Body.String())
}
