package mailer

import (
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// Mailer sends transactional mail over SMTP. It satisfies auth.ResetMailer.
type Mailer struct {
	dialer   *gomail.Dialer
	from     string
	resetURL string
}

// New builds an SMTP mailer. resetBaseURL is the storefront page that
// accepts the reset token, e.g. https://example.com/reset-password.
func New(host string, port int, username, password, from, resetBaseURL string) *Mailer {
	return &Mailer{
		dialer:   gomail.NewDialer(host, port, username, password),
		from:     from,
		resetURL: strings.TrimRight(resetBaseURL, "/"),
	}
}

func (m *Mailer) SendPasswordReset(to, token string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Reset your password")

	link := fmt.Sprintf("%s?token=%s", m.resetURL, token)
	body := fmt.Sprintf(`
		<h3>Password reset requested</h3>
		<p>We received a request to reset the password for your account.</p>
		<p><a href="%s">Reset your password</a></p>
		<p>The link is valid for 24 hours. If you did not request this change,
		you can ignore this email.</p>
	`, link)

	msg.SetBody("text/html", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send password reset email: %w", err)
	}

	return nil
}
