package account

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"avixiii-api/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	profile, err := h.repo.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

type profileRequest struct {
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
	DateOfBirth string `json:"date_of_birth"`
	PhoneNumber string `json:"phone_number"`
	Website     string `json:"website"`
	Company     string `json:"company"`
	Position    string `json:"position"`
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var body profileRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Bio) > 500 {
		writeError(w, http.StatusBadRequest, "bio is too long")
		return
	}

	var dob *time.Time
	if strings.TrimSpace(body.DateOfBirth) != "" {
		parsed, err := time.Parse("2006-01-02", body.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		dob = &parsed
	}

	profile, err := h.repo.UpdateProfile(r.Context(), Profile{
		UserID:      identity.UserID,
		AvatarURL:   strings.TrimSpace(body.AvatarURL),
		Bio:         body.Bio,
		DateOfBirth: dob,
		PhoneNumber: strings.TrimSpace(body.PhoneNumber),
		Website:     strings.TrimSpace(body.Website),
		Company:     strings.TrimSpace(body.Company),
		Position:    strings.TrimSpace(body.Position),
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) ListAddresses(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	addresses, err := h.repo.ListAddresses(r.Context(), identity.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list addresses")
		return
	}

	writeJSON(w, http.StatusOK, addresses)
}

type addressRequest struct {
	Type          string `json:"type"`
	IsDefault     bool   `json:"is_default"`
	FullName      string `json:"full_name"`
	PhoneNumber   string `json:"phone_number"`
	StreetAddress string `json:"street_address"`
	Apartment     string `json:"apartment"`
	City          string `json:"city"`
	State         string `json:"state"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"`
}

func (body addressRequest) toAddress(userID string) (Address, string) {
	addressType := AddressType(strings.TrimSpace(strings.ToLower(body.Type)))
	if addressType == "" {
		addressType = AddressShipping
	}
	if !addressType.Valid() {
		return Address{}, "type must be shipping or billing"
	}

	a := Address{
		UserID:        userID,
		Type:          addressType,
		IsDefault:     body.IsDefault,
		FullName:      strings.TrimSpace(body.FullName),
		PhoneNumber:   strings.TrimSpace(body.PhoneNumber),
		StreetAddress: strings.TrimSpace(body.StreetAddress),
		Apartment:     strings.TrimSpace(body.Apartment),
		City:          strings.TrimSpace(body.City),
		State:         strings.TrimSpace(body.State),
		PostalCode:    strings.TrimSpace(body.PostalCode),
		Country:       strings.TrimSpace(body.Country),
	}
	if a.FullName == "" || a.StreetAddress == "" || a.City == "" || a.Country == "" {
		return Address{}, "full_name, street_address, city and country are required"
	}

	return a, ""
}

func (h *Handler) CreateAddress(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var body addressRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	address, problem := body.toAddress(identity.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	created, err := h.repo.CreateAddress(r.Context(), address)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create address")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid address id")
		return
	}

	var body addressRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	address, problem := body.toAddress(identity.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	address.ID = id

	updated, err := h.repo.UpdateAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "address not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update address")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteAddress(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid address id")
		return
	}

	if err := h.repo.DeleteAddress(r.Context(), identity.UserID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "address not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete address")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	notifications, err := h.repo.ListNotifications(r.Context(), identity.UserID, unreadOnly)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	writeJSON(w, http.StatusOK, notifications)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	if err := h.repo.MarkNotificationRead(r.Context(), identity.UserID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	preferences, err := h.repo.GetPreferences(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "preferences not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}

	writeJSON(w, http.StatusOK, preferences)
}

type preferencesRequest struct {
	EmailNotifications bool `json:"email_notifications"`
	SMSNotifications   bool `json:"sms_notifications"`
	PushNotifications  bool `json:"push_notifications"`
	Newsletter         bool `json:"newsletter"`
	MarketingEmails    bool `json:"marketing_emails"`
	OrderUpdates       bool `json:"order_updates"`
	SecurityAlerts     bool `json:"security_alerts"`
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var body preferencesRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	preferences, err := h.repo.UpdatePreferences(r.Context(), NotificationPreferences{
		UserID:             identity.UserID,
		EmailNotifications: body.EmailNotifications,
		SMSNotifications:   body.SMSNotifications,
		PushNotifications:  body.PushNotifications,
		Newsletter:         body.Newsletter,
		MarketingEmails:    body.MarketingEmails,
		OrderUpdates:       body.OrderUpdates,
		SecurityAlerts:     body.SecurityAlerts,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "preferences not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update preferences")
		return
	}

	writeJSON(w, http.StatusOK, preferences)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
