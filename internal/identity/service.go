package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	codeTTL           = 5 * time.Minute
	minPasswordLength = 6
	bcryptCost        = 10
)

var (
	// ErrInvalidEmail indicates the supplied address is not a usable email.
	ErrInvalidEmail = errors.New("identity: invalid email address")
	// ErrInvalidCode indicates the code is wrong, expired, or already used.
	ErrInvalidCode = errors.New("identity: invalid or expired code")
	// ErrInvalidCredentials indicates a failed password login. The cause
	// (unknown user, no password set, wrong password) is deliberately not
	// distinguishable.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword indicates the password fails the minimum length rule.
	ErrWeakPassword = errors.New("identity: password too short")
	// ErrUserNotFound indicates no account exists for the identifier.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrUsernameTaken indicates another account already owns the username.
	ErrUsernameTaken = errors.New("identity: username already taken")
	// ErrInvalidUsername indicates an empty or blank username.
	ErrInvalidUsername = errors.New("identity: username is required")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// ServiceConfig describes the dependencies required by the identity service.
type ServiceConfig struct {
	Database *gorm.DB
	Mailer   CodeMailer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages accounts, one-time login codes, and password credentials.
type Service struct {
	db     *gorm.DB
	mailer CodeMailer
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	if cfg.Mailer == nil {
		return nil, fmt.Errorf("identity: code mailer required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		mailer: cfg.Mailer,
		now:    clock,
		logger: logger,
	}, nil
}

// RequestCode mints a six-digit login code for the address, persists it with
// a five-minute expiry, and emails it.
func (s *Service) RequestCode(ctx context.Context, email string) error {
	address := normalizeEmail(email)
	if !emailPattern.MatchString(address) {
		return ErrInvalidEmail
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("identity: generate code: %w", err)
	}

	record := LoginCode{
		Email:     address,
		Code:      code,
		ExpiresAt: s.now().Add(codeTTL),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("failed to store login code", zap.Error(err))
		return fmt.Errorf("identity: store login code: %w", err)
	}

	if err := s.mailer.SendLoginCode(ctx, address, code); err != nil {
		s.logger.Error("failed to send login code", zap.String("email", address), zap.Error(err))
		return err
	}

	s.logger.Info("login code issued", zap.String("email", address))
	return nil
}

// VerifyCode validates a login code. Only the newest unexpired code for the
// address validates. On success all codes for the address are consumed, the
// account is created if it does not exist, and last_login is stamped.
func (s *Service) VerifyCode(ctx context.Context, email, code string) (User, error) {
	address := normalizeEmail(email)
	if address == "" || normalize(code) == "" {
		return User{}, ErrInvalidCode
	}

	var record LoginCode
	err := s.db.WithContext(ctx).
		Where("email = ? AND expires_at >= ?", address, s.now()).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCode
	}
	if err != nil {
		return User{}, fmt.Errorf("identity: lookup login code: %w", err)
	}
	if record.Code != normalize(code) {
		return User{}, ErrInvalidCode
	}

	if err := s.db.WithContext(ctx).Where("email = ?", address).Delete(&LoginCode{}).Error; err != nil {
		s.logger.Warn("failed to consume login codes", zap.String("email", address), zap.Error(err))
	}

	return s.lookupOrCreate(ctx, address)
}

// AuthenticatePassword validates an email/password pair and stamps
// last_login on success.
func (s *Service) AuthenticatePassword(ctx context.Context, email, password string) (User, error) {
	address := normalizeEmail(email)
	if address == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	var user User
	err := s.db.WithContext(ctx).Where("email = ?", address).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("identity: lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}

	if err := s.stampLastLogin(ctx, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// SetPassword hashes and stores a password for the account.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}

	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("password_hash", string(hash))
	if result.Error != nil {
		return fmt.Errorf("identity: store password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EmailStatus reports whether an account exists for the address and whether
// it has a password credential.
type EmailStatus struct {
	Exists      bool
	HasPassword bool
}

// CheckEmail looks up the login options available for an address.
func (s *Service) CheckEmail(ctx context.Context, email string) (EmailStatus, error) {
	address := normalizeEmail(email)
	if address == "" {
		return EmailStatus{}, ErrInvalidEmail
	}

	var user User
	err := s.db.WithContext(ctx).Select("id", "password_hash").
		Where("email = ?", address).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EmailStatus{}, nil
	}
	if err != nil {
		return EmailStatus{}, fmt.Errorf("identity: lookup user: %w", err)
	}
	return EmailStatus{Exists: true, HasPassword: user.PasswordHash != ""}, nil
}

// Profile returns the account for the identifier.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("identity: lookup user: %w", err)
	}
	return user, nil
}

// UpdateProfile sets the username and full name, enforcing username
// uniqueness against other accounts.
func (s *Service) UpdateProfile(ctx context.Context, userID, username, fullName string) (User, error) {
	name := normalize(username)
	if name == "" {
		return User{}, ErrInvalidUsername
	}

	var existing User
	err := s.db.WithContext(ctx).Select("id").
		Where("username = ? AND id <> ?", name, userID).
		First(&existing).Error
	if err == nil {
		return User{}, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("identity: lookup username: %w", err)
	}

	updates := map[string]interface{}{
		"username":  name,
		"full_name": normalize(fullName),
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return User{}, fmt.Errorf("identity: update profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.Profile(ctx, userID)
}

// PurgeExpiredCodes deletes login codes past their expiry. Called
// opportunistically; failures are non-fatal.
func (s *Service) PurgeExpiredCodes(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&LoginCode{}).Error
}

func (s *Service) lookupOrCreate(ctx context.Context, address string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", address).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			ID:        uuid.NewString(),
			Email:     address,
			LastLogin: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return User{}, fmt.Errorf("identity: create user: %w", err)
		}
		s.logger.Info("user created", zap.String("user_id", user.ID))
		return user, nil
	}
	if err != nil {
		return User{}, fmt.Errorf("identity: lookup user: %w", err)
	}

	if err := s.stampLastLogin(ctx, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) stampLastLogin(ctx context.Context, user *User) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", user.ID).
		Update("last_login", now).Error
	if err != nil {
		return fmt.Errorf("identity: stamp last login: %w", err)
	}
	user.LastLogin = now
	return nil
}

func generateCode() (string, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", value.Int64()+100000), nil
}
