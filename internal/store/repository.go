package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

const downloadWindow = 30 * 24 * time.Hour

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, slug, description, created_at, updated_at
		FROM categories
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	categories := make([]Category, 0)
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}

	return categories, nil
}

func (r *Repository) GetCategoryBySlug(ctx context.Context, slug string) (Category, error) {
	var c Category
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, slug, description, created_at, updated_at
		FROM categories
		WHERE slug = $1
	`, slug).Scan(&c.ID, &c.Name, &c.Slug, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, ErrNotFound
		}
		return Category{}, fmt.Errorf("query category: %w", err)
	}
	return c, nil
}

func (r *Repository) CreateCategory(ctx context.Context, c Category) (Category, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Category{}, fmt.Errorf("generate category id: %w", err)
	}
	c.ID = id.String()
	if c.Slug == "" {
		c.Slug = slugify(c.Name)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, slug, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, c.ID, c.Name, c.Slug, c.Description, now)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}

	return c, nil
}

func (r *Repository) UpdateCategory(ctx context.Context, c Category) (Category, error) {
	c.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE categories
		SET name = $2, slug = $3, description = $4, updated_at = $5
		WHERE id = $1
		RETURNING created_at
	`, c.ID, c.Name, c.Slug, c.Description, c.UpdatedAt).Scan(&c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, ErrNotFound
		}
		return Category{}, fmt.Errorf("update category: %w", err)
	}

	return c, nil
}

func (r *Repository) DeleteCategory(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete category rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

const sourceCodeColumns = `
	id, title, slug, description, category_id, price, provider_product_id,
	provider_variant_id, github_repo_url, preview_image, demo_url, features,
	technologies, is_active, created_at, updated_at
`

func scanSourceCode(scan func(...any) error) (SourceCode, error) {
	var s SourceCode
	err := scan(&s.ID, &s.Title, &s.Slug, &s.Description, &s.CategoryID,
		&s.Price, &s.ProviderProductID, &s.ProviderVariantID, &s.GithubRepoURL,
		&s.PreviewImage, &s.DemoURL, &s.Features, &s.Technologies, &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// ListSourceCodes returns active products, optionally filtered by category
// slug. Inactive products are only reachable through the staff listing.
func (r *Repository) ListSourceCodes(ctx context.Context, categorySlug string, includeInactive bool) ([]SourceCode, error) {
	query := `
		SELECT ` + sourceCodeColumns + `
		FROM source_codes
		WHERE ($1 = '' OR category_id IN (SELECT id FROM categories WHERE slug = $1))
	`
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, categorySlug)
	if err != nil {
		return nil, fmt.Errorf("query source codes: %w", err)
	}
	defer rows.Close()

	codes := make([]SourceCode, 0)
	for rows.Next() {
		s, err := scanSourceCode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan source code: %w", err)
		}
		codes = append(codes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source codes: %w", err)
	}

	return codes, nil
}

func (r *Repository) GetSourceCodeBySlug(ctx context.Context, slug string) (SourceCode, error) {
	s, err := scanSourceCode(r.db.QueryRowContext(ctx, `
		SELECT `+sourceCodeColumns+`
		FROM source_codes
		WHERE slug = $1 AND is_active
	`, slug).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SourceCode{}, ErrNotFound
		}
		return SourceCode{}, fmt.Errorf("query source code: %w", err)
	}
	return s, nil
}

func (r *Repository) GetSourceCodeByVariant(ctx context.Context, variantID string) (SourceCode, error) {
	s, err := scanSourceCode(r.db.QueryRowContext(ctx, `
		SELECT `+sourceCodeColumns+`
		FROM source_codes
		WHERE provider_variant_id = $1
	`, variantID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SourceCode{}, ErrNotFound
		}
		return SourceCode{}, fmt.Errorf("query source code by variant: %w", err)
	}
	return s, nil
}

func (r *Repository) CreateSourceCode(ctx context.Context, s SourceCode) (SourceCode, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return SourceCode{}, fmt.Errorf("generate source code id: %w", err)
	}
	s.ID = id.String()
	if s.Slug == "" {
		s.Slug = slugify(s.Title)
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO source_codes (
			id, title, slug, description, category_id, price,
			provider_product_id, provider_variant_id, github_repo_url,
			preview_image, demo_url, features, technologies, is_active,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, s.ID, s.Title, s.Slug, s.Description, s.CategoryID, s.Price,
		s.ProviderProductID, s.ProviderVariantID, s.GithubRepoURL,
		s.PreviewImage, s.DemoURL, s.Features, s.Technologies, s.IsActive, now)
	if err != nil {
		return SourceCode{}, fmt.Errorf("insert source code: %w", err)
	}

	return s, nil
}

func (r *Repository) UpdateSourceCode(ctx context.Context, s SourceCode) (SourceCode, error) {
	s.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE source_codes
		SET title = $2, slug = $3, description = $4, category_id = $5,
		    price = $6, provider_product_id = $7, provider_variant_id = $8,
		    github_repo_url = $9, preview_image = $10, demo_url = $11,
		    features = $12, technologies = $13, is_active = $14, updated_at = $15
		WHERE id = $1
		RETURNING created_at
	`, s.ID, s.Title, s.Slug, s.Description, s.CategoryID, s.Price,
		s.ProviderProductID, s.ProviderVariantID, s.GithubRepoURL,
		s.PreviewImage, s.DemoURL, s.Features, s.Technologies, s.IsActive,
		s.UpdatedAt).Scan(&s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SourceCode{}, ErrNotFound
		}
		return SourceCode{}, fmt.Errorf("update source code: %w", err)
	}

	return s, nil
}

func (r *Repository) DeleteSourceCode(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM source_codes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete source code rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// CreatePurchase records one fulfilled line item. Redelivered webhooks hit
// the unique (order_id, source_code_id) pair and are dropped silently.
func (r *Repository) CreatePurchase(ctx context.Context, orderID, sourceCodeID, customerEmail string, now time.Time) (bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate purchase id: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO purchases (
			id, order_id, source_code_id, customer_email, purchase_date,
			download_count, download_expiry, is_active
		)
		VALUES ($1, $2, $3, $4, $5, 0, $6, TRUE)
		ON CONFLICT (order_id, source_code_id) DO NOTHING
	`, id.String(), orderID, sourceCodeID, customerEmail, now.UTC(), now.UTC().Add(downloadWindow))
	if err != nil {
		return false, fmt.Errorf("insert purchase: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert purchase rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) ListPurchasesByEmail(ctx context.Context, email string) ([]Purchase, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, source_code_id, customer_email, purchase_date,
		       download_count, download_expiry, is_active
		FROM purchases
		WHERE customer_email = $1 AND is_active
		ORDER BY purchase_date DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	purchases := make([]Purchase, 0)
	for rows.Next() {
		var p Purchase
		err := rows.Scan(&p.ID, &p.OrderID, &p.SourceCodeID, &p.CustomerEmail,
			&p.PurchaseDate, &p.DownloadCount, &p.DownloadExpiry, &p.IsActive)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}

	return purchases, nil
}

// RegisterDownload bumps the counter for an active, unexpired purchase owned
// by the given email and returns the repository URL to hand out.
func (r *Repository) RegisterDownload(ctx context.Context, purchaseID, email string, now time.Time) (string, error) {
	var repoURL string
	err := r.db.QueryRowContext(ctx, `
		UPDATE purchases p
		SET download_count = download_count + 1
		FROM source_codes s
		WHERE p.id = $1
		  AND p.customer_email = $2
		  AND p.is_active
		  AND p.download_expiry > $3
		  AND s.id = p.source_code_id
		RETURNING s.github_repo_url
	`, purchaseID, email, now.UTC()).Scan(&repoURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("register download: %w", err)
	}

	return repoURL, nil
}
