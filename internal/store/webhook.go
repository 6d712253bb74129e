package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler receives order notifications from the commerce provider.
// The payload is authenticated with an HMAC-SHA256 signature over the raw
// body, base64-encoded in the X-Shopify-Hmac-Sha256 header.
type WebhookHandler struct {
	repo   *Repository
	secret []byte
}

func NewWebhookHandler(repo *Repository, secret string) *WebhookHandler {
	return &WebhookHandler{repo: repo, secret: []byte(secret)}
}

type webhookLineItem struct {
	VariantID json.Number `json:"variant_id"`
}

type orderWebhookPayload struct {
	ID        json.Number       `json:"id"`
	Email     string            `json:"email"`
	LineItems []webhookLineItem `json:"line_items"`
}

// OrderPaid fulfills a paid order: one purchase per line item whose variant
// matches a known source code. Unknown variants are skipped so mixed orders
// from the same shop do not fail the whole delivery. Redelivery is a no-op
// because purchases are unique per (order, source code).
func (h *WebhookHandler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Shopify-Hmac-Sha256")) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var payload orderWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	orderID := payload.ID.String()
	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if orderID == "" || email == "" {
		writeError(w, http.StatusBadRequest, "order id and email are required")
		return
	}

	now := time.Now().UTC()
	created := 0
	for _, item := range payload.LineItems {
		variantID := item.VariantID.String()
		if variantID == "" {
			continue
		}

		code, err := h.repo.GetSourceCodeByVariant(r.Context(), variantID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to resolve line item")
			return
		}

		inserted, err := h.repo.CreatePurchase(r.Context(), orderID, code.ID, email, now)
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to record purchase")
			return
		}
		if inserted {
			created++
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"purchases_created": created})
}

func (h *WebhookHandler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}

	provided, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// ComputeSignature returns the base64 HMAC for a payload, exported for
// provider configuration checks.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
