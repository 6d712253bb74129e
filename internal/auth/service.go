package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// ResetMailer delivers reset tokens out of band. A nil mailer disables
// delivery; the reset flow itself is unaffected.
type ResetMailer interface {
	SendPasswordReset(to, token string) error
}

// Service sequences the throttle, lockout tracker, credential store, reset
// lifecycle and audit log for the authentication use cases. It never retries
// internally; store failures propagate to the caller.
type Service struct {
	store      Store
	throttle   *LoginThrottle
	lockout    *Lockout
	resets     *PasswordResets
	audit      *AuditLog
	mailer     ResetMailer
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewService(store Store, throttle *LoginThrottle, jwtSecret string) *Service {
	audit := NewAuditLog(store)
	return &Service{
		store:      store,
		throttle:   throttle,
		lockout:    NewLockout(store, audit),
		resets:     NewPasswordResets(store, audit),
		audit:      audit,
		jwtSecret:  []byte(jwtSecret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
}

func (s *Service) WithSecurityConfig(maxFailures int, lockDuration, resetTTL, accessTTL, refreshTTL time.Duration) *Service {
	s.lockout.WithLimits(maxFailures, lockDuration)
	s.resets.WithTTL(resetTTL)
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	return s
}

func (s *Service) WithMailer(mailer ResetMailer) *Service {
	s.mailer = mailer
	return s
}

type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      Role
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	input.Username = strings.TrimSpace(strings.ToLower(input.Username))
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	if input.Role == "" {
		input.Role = RoleCustomer
	}

	if _, err := s.store.GetUserByEmail(ctx, input.Email); err == nil {
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}
	if _, err := s.store.GetUserByLogin(ctx, input.Username); err == nil {
		return User{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:           id.String(),
		Username:     input.Username,
		Email:        input.Email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Role:         input.Role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return User{}, err
	}

	return user, nil
}

// BootstrapAdmin seeds the first admin account from deployment config. It is
// a no-op when credentials are unset or the account already exists.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil
	}

	username := strings.SplitN(email, "@", 2)[0]
	_, err := s.Register(ctx, RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
		Role:     RoleAdmin,
	})
	if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrUsernameTaken) {
		return nil
	}
	return err
}

// Authenticate runs the login sequence: throttle, identity resolution, lock
// check, password verify. A throttle rejection happens before identity
// resolution, so no LoginAttempt is recorded for it. Unknown user and wrong
// password are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, login, password, ip, userAgent string) (User, Tokens, error) {
	login = strings.TrimSpace(strings.ToLower(login))
	now := time.Now().UTC()

	allowed, retryAfter, err := s.throttle.CheckAndConsume(ctx, ip, now)
	if err != nil {
		return User{}, Tokens{}, err
	}
	if !allowed {
		return User{}, Tokens{}, ErrRateLimited{RetryAfter: retryAfter}
	}

	user, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			if err := s.recordAttempt(ctx, nil, ip, userAgent, false, "no such user", now); err != nil {
				return User{}, Tokens{}, err
			}
			return User{}, Tokens{}, ErrInvalidCredentials
		}
		return User{}, Tokens{}, err
	}

	// A locked account rejects before password verification, so a locked
	// rejection never moves the failure counter.
	if s.lockout.IsLocked(user, now) {
		if err := s.recordAttempt(ctx, &user.ID, ip, userAgent, false, "locked", now); err != nil {
			return User{}, Tokens{}, err
		}
		return User{}, Tokens{}, ErrAccountLocked{Until: *user.LockedUntil}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if _, failErr := s.lockout.RecordFailure(ctx, user.ID, ip, userAgent, now); failErr != nil {
			return User{}, Tokens{}, failErr
		}
		if err := s.recordAttempt(ctx, &user.ID, ip, userAgent, false, "invalid password", now); err != nil {
			return User{}, Tokens{}, err
		}
		if err := s.audit.Append(ctx, user.ID, EventLoginFailure, ip, userAgent, map[string]any{
			"reason": "invalid password",
		}, now); err != nil {
			return User{}, Tokens{}, err
		}
		// Even the failure that trips the lock answers invalid credentials;
		// the lock surfaces on the next attempt.
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	if err := s.lockout.RecordSuccess(ctx, user.ID, now); err != nil {
		return User{}, Tokens{}, err
	}
	if err := s.recordAttempt(ctx, &user.ID, ip, userAgent, true, "", now); err != nil {
		return User{}, Tokens{}, err
	}
	if err := s.audit.Append(ctx, user.ID, EventLoginSuccess, ip, userAgent, nil, now); err != nil {
		return User{}, Tokens{}, err
	}
	if err := s.store.SetLastLogin(ctx, user.ID, ip, now); err != nil {
		return User{}, Tokens{}, err
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) recordAttempt(ctx context.Context, userID *string, ip, userAgent string, success bool, reason string, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate login attempt id: %w", err)
	}

	return s.store.CreateLoginAttempt(ctx, LoginAttempt{
		ID:            id.String(),
		UserID:        userID,
		IP:            ip,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: reason,
		CreatedAt:     now,
	})
}

func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, ip, userAgent string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	if err := s.store.SetPassword(ctx, userID, string(hash), now); err != nil {
		return err
	}

	return s.audit.Append(ctx, userID, EventPasswordChange, ip, userAgent, map[string]any{
		"source": "user_initiated",
	}, now)
}

type UpdateUserInput struct {
	FirstName *string
	LastName  *string
	Email     *string
}

func (s *Service) UpdateUser(ctx context.Context, userID string, input UpdateUserInput, ip, userAgent string) (User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return User{}, err
	}

	emailChanged := false
	if input.FirstName != nil {
		user.FirstName = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		user.LastName = strings.TrimSpace(*input.LastName)
	}
	if input.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*input.Email))
		if email != user.Email {
			if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
				return User{}, ErrEmailTaken
			} else if !errors.Is(err, ErrUserNotFound) {
				return User{}, err
			}
			emailChanged = true
			user.Email = email
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdateUserIdentity(ctx, user.ID, user.FirstName, user.LastName, user.Email, now); err != nil {
		return User{}, err
	}
	user.UpdatedAt = now

	if emailChanged {
		err = s.audit.Append(ctx, user.ID, EventEmailChange, ip, userAgent, map[string]any{
			"email": user.Email,
		}, now)
		if err != nil {
			return User{}, err
		}
	}

	return user, nil
}

func (s *Service) SetRole(ctx context.Context, userID string, role Role, ip, userAgent string) error {
	now := time.Now().UTC()
	if err := s.store.SetRole(ctx, userID, role, now); err != nil {
		return err
	}

	return s.audit.Append(ctx, userID, EventRoleChange, ip, userAgent, map[string]any{
		"role": string(role),
	}, now)
}

// Unlock is the explicit administrative exit from the locked state: it clears
// the counter and the lock and appends an account_unlock entry.
func (s *Service) Unlock(ctx context.Context, userID, ip, userAgent string) error {
	now := time.Now().UTC()
	cleared, err := s.store.ResetFailedLogins(ctx, userID, now)
	if err != nil {
		return err
	}
	if !cleared {
		return nil
	}

	return s.audit.Append(ctx, userID, EventAccountUnlock, ip, userAgent, map[string]any{
		"source": "admin",
	}, now)
}

// RequestPasswordReset behaves identically for known and unknown addresses so
// the endpoint cannot be used to enumerate accounts. Only store failures
// surface as errors.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	token, err := s.resets.Issue(ctx, user.ID, ip, now)
	if err != nil {
		return err
	}
	if err := s.resets.InvalidateSiblings(ctx, token); err != nil {
		return err
	}

	if s.mailer != nil {
		// Delivery is best effort; the token already exists either way, and a
		// send failure must not make known addresses answer differently.
		if err := s.mailer.SendPasswordReset(user.Email, token.Token); err != nil {
			sentry.CaptureException(fmt.Errorf("send reset email: %w", err))
		}
	}

	return nil
}

func (s *Service) RedeemPasswordReset(ctx context.Context, rawToken, newPassword, ip, userAgent string) error {
	now := time.Now().UTC()

	token, err := s.resets.Redeem(ctx, rawToken, now)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.SetPassword(ctx, token.UserID, string(hash), now); err != nil {
		return err
	}

	// The user proved control of the mailbox, so any pending lockout ends.
	if err := s.lockout.RecordSuccess(ctx, token.UserID, now); err != nil {
		return err
	}

	return s.audit.Append(ctx, token.UserID, EventResetComplete, ip, userAgent, map[string]any{
		"token_id": token.ID,
	}, now)
}

func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) SecurityLogs(ctx context.Context, userID string, limit int) ([]SecurityLogEntry, error) {
	return s.audit.ListForUser(ctx, userID, limit)
}

func (s *Service) LoginAttempts(ctx context.Context, userID string, limit int) ([]LoginAttempt, error) {
	return s.store.ListLoginAttempts(ctx, userID, limit)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	newRefresh, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate new refresh token: %w", err)
	}

	newExp := time.Now().UTC().Add(s.refreshTTL)
	userID, err := s.store.RotateRefreshToken(ctx, refreshToken, newRefresh, newExp)
	if err != nil {
		return Tokens{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := s.issueAccessToken(user)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}
	return s.store.RevokeRefreshToken(ctx, refreshToken)
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	access, expiresIn, err := s.issueAccessToken(user)
	if err != nil {
		return Tokens{}, err
	}

	refreshToken, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.store.CreateRefreshToken(ctx, user.ID, refreshToken, time.Now().UTC().Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) issueAccessToken(user User) (string, int64, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  user.ID,
		"role": string(user.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
		"typ":  "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(s.accessTTL.Seconds()), nil
}
