package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"avixiii-api/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

var priceRegex = regexp.MustCompile(`^\d{1,8}(\.\d{1,2})?$`)

// CheckoutCreator is the external commerce provider, a black-box RPC that
// turns a variant into a hosted checkout URL.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, variantID string, quantity int) (string, error)
}

// UserResolver resolves the authenticated caller to a full user record; the
// purchase listing needs the account email.
type UserResolver interface {
	GetUser(ctx context.Context, userID string) (auth.User, error)
}

type Handler struct {
	repo     *Repository
	checkout CheckoutCreator
	users    UserResolver
}

func NewHandler(repo *Repository, checkout CheckoutCreator, users UserResolver) *Handler {
	return &Handler{repo: repo, checkout: checkout, users: users}
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.repo.ListCategories(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}

	writeJSON(w, http.StatusOK, categories)
}

func (h *Handler) GetCategory(w http.ResponseWriter, r *http.Request) {
	category, err := h.repo.GetCategoryBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "category not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load category")
		return
	}

	writeJSON(w, http.StatusOK, category)
}

type categoryRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var body categoryRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	category, err := h.repo.CreateCategory(r.Context(), Category{
		Name:        body.Name,
		Slug:        strings.TrimSpace(body.Slug),
		Description: body.Description,
	})
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create category")
		return
	}

	writeJSON(w, http.StatusCreated, category)
}

func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}

	var body categoryRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Slug == "" {
		body.Slug = slugify(body.Name)
	}

	category, err := h.repo.UpdateCategory(r.Context(), Category{
		ID:          id,
		Name:        body.Name,
		Slug:        body.Slug,
		Description: body.Description,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "category not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update category")
		return
	}

	writeJSON(w, http.StatusOK, category)
}

func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}

	if err := h.repo.DeleteCategory(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "category not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete category")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSourceCodes(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	staff := ok && identity.Role != auth.RoleCustomer
	includeInactive := staff && r.URL.Query().Get("include_inactive") == "true"

	codes, err := h.repo.ListSourceCodes(r.Context(), strings.TrimSpace(r.URL.Query().Get("category")), includeInactive)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list source codes")
		return
	}

	writeJSON(w, http.StatusOK, codes)
}

func (h *Handler) GetSourceCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.repo.GetSourceCodeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "source code not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load source code")
		return
	}

	writeJSON(w, http.StatusOK, code)
}

type sourceCodeRequest struct {
	Title             string `json:"title"`
	Slug              string `json:"slug"`
	Description       string `json:"description"`
	CategoryID        string `json:"category_id"`
	Price             string `json:"price"`
	ProviderProductID string `json:"provider_product_id"`
	ProviderVariantID string `json:"provider_variant_id"`
	GithubRepoURL     string `json:"github_repo_url"`
	PreviewImage      string `json:"preview_image"`
	DemoURL           string `json:"demo_url"`
	Features          string `json:"features"`
	Technologies      string `json:"technologies"`
	IsActive          bool   `json:"is_active"`
}

func (body sourceCodeRequest) toSourceCode() (SourceCode, string) {
	s := SourceCode{
		Title:             strings.TrimSpace(body.Title),
		Slug:              strings.TrimSpace(body.Slug),
		Description:       body.Description,
		CategoryID:        strings.TrimSpace(body.CategoryID),
		Price:             strings.TrimSpace(body.Price),
		ProviderProductID: strings.TrimSpace(body.ProviderProductID),
		ProviderVariantID: strings.TrimSpace(body.ProviderVariantID),
		GithubRepoURL:     strings.TrimSpace(body.GithubRepoURL),
		PreviewImage:      strings.TrimSpace(body.PreviewImage),
		DemoURL:           strings.TrimSpace(body.DemoURL),
		Features:          body.Features,
		Technologies:      body.Technologies,
		IsActive:          body.IsActive,
	}

	if s.Title == "" {
		return SourceCode{}, "title is required"
	}
	if _, err := uuid.Parse(s.CategoryID); err != nil {
		return SourceCode{}, "invalid category id"
	}
	if !priceRegex.MatchString(s.Price) {
		return SourceCode{}, "price format is invalid"
	}
	if s.ProviderProductID == "" || s.ProviderVariantID == "" {
		return SourceCode{}, "provider product and variant ids are required"
	}
	if s.PreviewImage == "" {
		return SourceCode{}, "preview_image is required"
	}

	return s, ""
}

func (h *Handler) CreateSourceCode(w http.ResponseWriter, r *http.Request) {
	var body sourceCodeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	input, problem := body.toSourceCode()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	code, err := h.repo.CreateSourceCode(r.Context(), input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create source code")
		return
	}

	writeJSON(w, http.StatusCreated, code)
}

func (h *Handler) UpdateSourceCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source code id")
		return
	}

	var body sourceCodeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	input, problem := body.toSourceCode()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	input.ID = id
	if input.Slug == "" {
		input.Slug = slugify(input.Title)
	}

	code, err := h.repo.UpdateSourceCode(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "source code not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update source code")
		return
	}

	writeJSON(w, http.StatusOK, code)
}

func (h *Handler) DeleteSourceCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source code id")
		return
	}

	if err := h.repo.DeleteSourceCode(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "source code not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete source code")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	SourceCodeSlug string `json:"source_code_slug"`
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.checkout == nil {
		writeError(w, http.StatusInternalServerError, "checkout is not configured")
		return
	}

	var body checkoutRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	code, err := h.repo.GetSourceCodeBySlug(r.Context(), strings.TrimSpace(body.SourceCodeSlug))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "source code not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load source code")
		return
	}

	checkoutURL, err := h.checkout.CreateCheckout(r.Context(), code.ProviderVariantID, 1)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to create checkout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": checkoutURL})
}

func (h *Handler) MyPurchases(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	user, err := h.users.GetUser(r.Context(), identity.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	purchases, err := h.repo.ListPurchasesByEmail(r.Context(), user.Email)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list purchases")
		return
	}

	writeJSON(w, http.StatusOK, purchases)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid purchase id")
		return
	}

	user, err := h.users.GetUser(r.Context(), identity.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	repoURL, err := h.repo.RegisterDownload(r.Context(), id, user.Email, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "purchase not found or expired")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register download")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"download_url": repoURL})
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
