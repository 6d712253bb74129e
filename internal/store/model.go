package store

import (
	"regexp"
	"strings"
	"time"
)

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SourceCode is a purchasable product. ProviderProductID and
// ProviderVariantID tie it to the external commerce provider's catalog;
// checkout and fulfillment reference the variant id.
type SourceCode struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Slug              string    `json:"slug"`
	Description       string    `json:"description"`
	CategoryID        string    `json:"category_id"`
	Price             string    `json:"price"`
	ProviderProductID string    `json:"provider_product_id"`
	ProviderVariantID string    `json:"provider_variant_id"`
	GithubRepoURL     string    `json:"github_repo_url,omitempty"`
	PreviewImage      string    `json:"preview_image"`
	DemoURL           string    `json:"demo_url,omitempty"`
	Features          string    `json:"features"`
	Technologies      string    `json:"technologies"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Purchase is created by the order webhook, one per fulfilled line item.
// OrderID is the provider's order id and is unique, which makes webhook
// redelivery idempotent.
type Purchase struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	SourceCodeID   string    `json:"source_code_id"`
	CustomerEmail  string    `json:"customer_email"`
	PurchaseDate   time.Time `json:"purchase_date"`
	DownloadCount  int       `json:"download_count"`
	DownloadExpiry time.Time `json:"download_expiry"`
	IsActive       bool      `json:"is_active"`
}

var (
	slugStrip    = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugCollapse = regexp.MustCompile(`[\s-]+`)
)

// slugify lowercases, strips punctuation and joins words with hyphens.
func slugify(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = slugStrip.ReplaceAllString(value, "")
	value = slugCollapse.ReplaceAllString(value, "-")
	return strings.Trim(value, "-")
}
