package account

import "time"

// Profile rows are created at registration time together with the user, so
// reads never have to create one on the fly.
type Profile struct {
	UserID      string     `json:"user_id"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Bio         string     `json:"bio,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Website     string     `json:"website,omitempty"`
	Company     string     `json:"company,omitempty"`
	Position    string     `json:"position,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type AddressType string

const (
	AddressShipping AddressType = "shipping"
	AddressBilling  AddressType = "billing"
)

func (t AddressType) Valid() bool {
	return t == AddressShipping || t == AddressBilling
}

// Address is a shipping or billing address. At most one address per
// (user, type) is the default; the repository clears the previous default in
// the same transaction that sets a new one.
type Address struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Type          AddressType `json:"type"`
	IsDefault     bool        `json:"is_default"`
	FullName      string      `json:"full_name"`
	PhoneNumber   string      `json:"phone_number"`
	StreetAddress string      `json:"street_address"`
	Apartment     string      `json:"apartment,omitempty"`
	City          string      `json:"city"`
	State         string      `json:"state"`
	PostalCode    string      `json:"postal_code"`
	Country       string      `json:"country"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationSMS   NotificationType = "sms"
	NotificationPush  NotificationType = "push"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

type NotificationPreferences struct {
	UserID             string    `json:"user_id"`
	EmailNotifications bool      `json:"email_notifications"`
	SMSNotifications   bool      `json:"sms_notifications"`
	PushNotifications  bool      `json:"push_notifications"`
	Newsletter         bool      `json:"newsletter"`
	MarketingEmails    bool      `json:"marketing_emails"`
	OrderUpdates       bool      `json:"order_updates"`
	SecurityAlerts     bool      `json:"security_alerts"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
