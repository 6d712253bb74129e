package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	var dob sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, avatar_url, bio, date_of_birth, phone_number, website,
		       company, position, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.AvatarURL, &p.Bio, &dob, &p.PhoneNumber,
		&p.Website, &p.Company, &p.Position, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}

	if dob.Valid {
		value := dob.Time.UTC()
		p.DateOfBirth = &value
	}

	return p, nil
}

func (r *Repository) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	p.UpdatedAt = time.Now().UTC()

	var dob any
	if p.DateOfBirth != nil {
		dob = p.DateOfBirth.UTC()
	}

	err := r.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET avatar_url = $2, bio = $3, date_of_birth = $4, phone_number = $5,
		    website = $6, company = $7, position = $8, updated_at = $9
		WHERE user_id = $1
		RETURNING created_at
	`, p.UserID, p.AvatarURL, p.Bio, dob, p.PhoneNumber, p.Website, p.Company,
		p.Position, p.UpdatedAt).Scan(&p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}

	return p, nil
}

func (r *Repository) ListAddresses(ctx context.Context, userID string) ([]Address, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, type, is_default, full_name, phone_number,
		       street_address, apartment, city, state, postal_code, country,
		       created_at, updated_at
		FROM addresses
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	addresses := make([]Address, 0)
	for rows.Next() {
		var a Address
		err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.IsDefault, &a.FullName,
			&a.PhoneNumber, &a.StreetAddress, &a.Apartment, &a.City, &a.State,
			&a.PostalCode, &a.Country, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate addresses: %w", err)
	}

	return addresses, nil
}

// CreateAddress inserts the address; when it is marked default, the previous
// default for the same (user, type) is cleared in the same transaction.
func (r *Repository) CreateAddress(ctx context.Context, a Address) (Address, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Address{}, fmt.Errorf("generate address id: %w", err)
	}
	a.ID = id.String()

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Address{}, fmt.Errorf("begin create address tx: %w", err)
	}
	defer tx.Rollback()

	if a.IsDefault {
		if err := clearDefault(ctx, tx, a.UserID, a.Type, a.ID); err != nil {
			return Address{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO addresses (
			id, user_id, type, is_default, full_name, phone_number,
			street_address, apartment, city, state, postal_code, country,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, a.ID, a.UserID, a.Type, a.IsDefault, a.FullName, a.PhoneNumber,
		a.StreetAddress, a.Apartment, a.City, a.State, a.PostalCode, a.Country, now)
	if err != nil {
		return Address{}, fmt.Errorf("insert address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Address{}, fmt.Errorf("commit create address tx: %w", err)
	}

	return a, nil
}

func (r *Repository) UpdateAddress(ctx context.Context, a Address) (Address, error) {
	a.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Address{}, fmt.Errorf("begin update address tx: %w", err)
	}
	defer tx.Rollback()

	if a.IsDefault {
		if err := clearDefault(ctx, tx, a.UserID, a.Type, a.ID); err != nil {
			return Address{}, err
		}
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE addresses
		SET type = $3, is_default = $4, full_name = $5, phone_number = $6,
		    street_address = $7, apartment = $8, city = $9, state = $10,
		    postal_code = $11, country = $12, updated_at = $13
		WHERE id = $1 AND user_id = $2
		RETURNING created_at
	`, a.ID, a.UserID, a.Type, a.IsDefault, a.FullName, a.PhoneNumber,
		a.StreetAddress, a.Apartment, a.City, a.State, a.PostalCode, a.Country,
		a.UpdatedAt).Scan(&a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Address{}, ErrNotFound
		}
		return Address{}, fmt.Errorf("update address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Address{}, fmt.Errorf("commit update address tx: %w", err)
	}

	return a, nil
}

func clearDefault(ctx context.Context, tx *sql.Tx, userID string, addressType AddressType, exceptID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE addresses
		SET is_default = FALSE
		WHERE user_id = $1 AND type = $2 AND is_default AND id <> $3
	`, userID, addressType, exceptID)
	if err != nil {
		return fmt.Errorf("clear default address: %w", err)
	}
	return nil
}

func (r *Repository) DeleteAddress(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM addresses
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete address: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete address rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Notification{}, fmt.Errorf("generate notification id: %w", err)
	}
	n.ID = id.String()
	n.CreatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	return n, nil
}

func (r *Repository) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	if unreadOnly {
		query = `
			SELECT id, user_id, type, title, message, is_read, created_at
			FROM notifications
			WHERE user_id = $1 AND NOT is_read
			ORDER BY created_at DESC
		`
	}

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}

	return notifications, nil
}

func (r *Repository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) GetPreferences(ctx context.Context, userID string) (NotificationPreferences, error) {
	var p NotificationPreferences

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, email_notifications, sms_notifications, push_notifications,
		       newsletter, marketing_emails, order_updates, security_alerts,
		       created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.EmailNotifications, &p.SMSNotifications,
		&p.PushNotifications, &p.Newsletter, &p.MarketingEmails, &p.OrderUpdates,
		&p.SecurityAlerts, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPreferences{}, ErrNotFound
		}
		return NotificationPreferences{}, fmt.Errorf("query notification preferences: %w", err)
	}

	return p, nil
}

func (r *Repository) UpdatePreferences(ctx context.Context, p NotificationPreferences) (NotificationPreferences, error) {
	p.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE notification_preferences
		SET email_notifications = $2, sms_notifications = $3,
		    push_notifications = $4, newsletter = $5, marketing_emails = $6,
		    order_updates = $7, security_alerts = $8, updated_at = $9
		WHERE user_id = $1
		RETURNING created_at
	`, p.UserID, p.EmailNotifications, p.SMSNotifications, p.PushNotifications,
		p.Newsletter, p.MarketingEmails, p.OrderUpdates, p.SecurityAlerts,
		p.UpdatedAt).Scan(&p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPreferences{}, ErrNotFound
		}
		return NotificationPreferences{}, fmt.Errorf("update notification preferences: %w", err)
	}

	return p, nil
}
