package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/database"
)

const (
	MsgRequiredFields     = "email, password and name are required"
	MsgInvalidEmail       = "invalid email format"
	MsgPasswordTooShort   = "password must be at least 6 characters"
	MsgUserExists         = "user with this email already exists"
	MsgInvalidCredentials = "invalid email or password"
	MsgInvalidRefresh     = "invalid refresh token"
	MsgUserNotFound       = "user not found"
	MsgNoFieldsToUpdate   = "no fields to update"
	MsgEmptyName          = "name cannot be empty"
	MsgPasswordsRequired  = "currentPassword and newPassword are required"
	MsgWrongPassword      = "current password is incorrect"

	opServiceNew     = "identity.service.new"
	opRegister       = "identity.register"
	opLogin          = "identity.login"
	opLogout         = "identity.logout"
	opRefresh        = "identity.refresh"
	opProfile        = "identity.profile"
	opUpdateProfile  = "identity.update_profile"
	opChangePassword = "identity.change_password"

	reasonHashFailed    = "hash_failed"
	reasonTokenFailed   = "token_issue_failed"
	reasonQueryFailed   = "query_failed"
	reasonCompareFailed = "compare_failed"
)

var (
	errMissingStore  = errors.New("identity: database store is required")
	errMissingTokens = errors.New("identity: token issuer is required")
)

type ServiceConfig struct {
	Store  *database.Store
	Schema Schema
	Tokens *auth.TokenIssuer
	Hasher auth.PasswordHasher
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service runs the account and session lifecycle against one schema.
type Service struct {
	store    *database.Store
	schema   Schema
	tokens   *auth.TokenIssuer
	hasher   auth.PasswordHasher
	validate *validator.Validate
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, apperr.Internal(opServiceNew, errMissingStore)
	}
	if cfg.Tokens == nil {
		return nil, apperr.Internal(opServiceNew, errMissingTokens)
	}
	schema := cfg.Schema
	if schema.name == "" {
		schema = Schema{name: IdentitySchema}
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
		store:    cfg.Store,
		schema:   schema,
		tokens:   cfg.Tokens,
		hasher:   cfg.Hasher,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
		logger:   logger,
	}, nil
}

// Schema reports the table prefix in use.
func (s *Service) Schema() Schema {
	return s.schema
}

func (s *Service) users(db *gorm.DB) *gorm.DB {
	return db.Table(s.schema.UsersTable())
}

func (s *Service) sessions(db *gorm.DB) *gorm.DB {
	return db.Table(s.schema.SessionsTable())
}

// ClientInfo is recorded on every session row.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// passwordRule is the length rule of RegisterInput.Password. validator counts
// runes, not bytes.
const passwordRule = "min=6"

type RegisterInput struct {
	Email    string `validate:"required,contains=@"`
	Password string `validate:"required,min=6"`
	Name     string `validate:"required"`
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	User         PublicUser `json:"user"`
}

func (s *Service) validateRegistration(input RegisterInput) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apperr.Invalid(MsgRequiredFields)
	}
	for _, fieldErr := range validationErrors {
		if fieldErr.Tag() == "required" {
			return apperr.Invalid(MsgRequiredFields)
		}
	}
	if validationErrors[0].StructField() == "Email" {
		return apperr.Invalid(MsgInvalidEmail)
	}
	return apperr.Invalid(MsgPasswordTooShort)
}

// Register creates an account and its first session in one transaction.
func (s *Service) Register(ctx context.Context, input RegisterInput, client ClientInfo) (AuthResult, error) {
	input.Email = normalizeEmail(input.Email)
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validateRegistration(input); err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := s.hasher.Hash(input.Password)
	if err != nil {
		s.logError(opRegister, reasonHashFailed, err)
		return AuthResult{}, apperr.Internal(opRegister, err)
	}

	var result AuthResult
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := s.users(tx).Where("email = ?", input.Email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperr.Conflict(MsgUserExists)
		}

		now := s.clock().UTC()
		user := User{
			Email:        input.Email,
			PasswordHash: passwordHash,
			Name:         input.Name,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.users(tx).Create(&user).Error; err != nil {
			return err
		}
		issued, err := s.startSession(tx, opRegister, &user, client, now)
		if err != nil {
			return err
		}
		result = issued
		return nil
	})
	if err != nil {
		return AuthResult{}, s.transactionError(opRegister, err)
	}
	return result, nil
}

// startSession issues a token pair, stores the refresh token on the user and
// inserts a session row. It runs inside the caller's transaction.
func (s *Service) startSession(tx *gorm.DB, op string, user *User, client ClientInfo, now time.Time) (AuthResult, error) {
	access, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		s.logError(op, reasonTokenFailed, err, zap.Int64("user_id", user.ID))
		return AuthResult{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		s.logError(op, reasonTokenFailed, err, zap.Int64("user_id", user.ID))
		return AuthResult{}, err
	}
	user.RefreshToken = refresh.Token
	user.UpdatedAt = now
	if err := s.users(tx).Where("id = ?", user.ID).Updates(map[string]any{
		"refresh_token": refresh.Token,
		"last_login":    user.LastLogin,
		"updated_at":    now,
	}).Error; err != nil {
		return AuthResult{}, err
	}
	session := Session{
		UserID:       user.ID,
		RefreshToken: refresh.Token,
		ExpiresAt:    refresh.ExpiresAt.UTC(),
		IsActive:     true,
		CreatedAt:    now,
		UserAgent:    truncate(client.UserAgent, 512),
		IPAddress:    truncate(client.IPAddress, 64),
	}
	if err := s.sessions(tx).Create(&session).Error; err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Token:        access.Token,
		RefreshToken: refresh.Token,
		ExpiresAt:    access.ExpiresAt,
		User:         user.Public(),
	}, nil
}

// Login answers both unknown emails and wrong passwords with the same error.
// Earlier sessions stay valid.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return AuthResult{}, apperr.Invalid("email and password are required")
	}

	user, err := s.userBy(ctx, "email = ?", email)
	if apperr.Is(err, apperr.KindNotFound) {
		return AuthResult{}, apperr.Unauthorized(MsgInvalidCredentials)
	}
	if err != nil {
		return AuthResult{}, err
	}
	matches, err := s.hasher.Matches(user.PasswordHash, password)
	if err != nil {
		s.logError(opLogin, reasonCompareFailed, err, zap.Int64("user_id", user.ID))
		return AuthResult{}, apperr.Unauthorized(MsgInvalidCredentials)
	}
	if !matches {
		return AuthResult{}, apperr.Unauthorized(MsgInvalidCredentials)
	}

	var result AuthResult
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		now := s.clock().UTC()
		user.LastLogin = &now
		issued, err := s.startSession(tx, opLogin, &user, client, now)
		if err != nil {
			return err
		}
		result = issued
		return nil
	})
	if err != nil {
		return AuthResult{}, s.transactionError(opLogin, err)
	}
	return result, nil
}

// Logout revokes every session of the user, not only the current one.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	db, cancel := s.store.Conn(ctx)
	defer cancel()
	if err := s.sessions(db).Where("user_id = ?", userID).Delete(&Session{}).Error; err != nil {
		s.logError(opLogout, reasonQueryFailed, err, zap.Int64("user_id", userID))
		return apperr.Internal(opLogout, err)
	}
	return nil
}

// VerifyResult reports whether an access token is usable.
type VerifyResult struct {
	Valid  bool        `json:"valid"`
	User   *PublicUser `json:"user,omitempty"`
	Reason string      `json:"error,omitempty"`
}

// Verify never fails for a bad token; only storage failures return an error.
func (s *Service) Verify(ctx context.Context, token string) (VerifyResult, error) {
	claims, err := s.tokens.ValidateAccessToken(token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			reason = "token expired"
		}
		return VerifyResult{Valid: false, Reason: reason}, nil
	}
	user, err := s.userBy(ctx, "id = ?", claims.UserID)
	if apperr.Is(err, apperr.KindNotFound) {
		return VerifyResult{Valid: false, Reason: MsgUserNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	public := user.Public()
	return VerifyResult{Valid: true, User: &public}, nil
}

// RefreshResult carries a new access token. Refresh tokens are not rotated.
type RefreshResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Refresh exchanges a refresh token backed by an active, unexpired session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return RefreshResult{}, apperr.Invalid("refreshToken is required")
	}
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{}, apperr.Unauthorized(MsgInvalidRefresh)
	}

	db, cancel := s.store.Conn(ctx)
	defer cancel()
	var session Session
	err = s.sessions(db).
		Where("refresh_token = ? AND is_active = ? AND expires_at > ?", refreshToken, true, s.clock().UTC()).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshResult{}, apperr.Unauthorized(MsgInvalidRefresh)
	}
	if err != nil {
		s.logError(opRefresh, reasonQueryFailed, err)
		return RefreshResult{}, apperr.Internal(opRefresh, err)
	}
	if session.UserID != claims.UserID {
		return RefreshResult{}, apperr.Unauthorized(MsgInvalidRefresh)
	}

	var user User
	err = s.users(db).Where("id = ?", session.UserID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshResult{}, apperr.Unauthorized(MsgInvalidRefresh)
	}
	if err != nil {
		s.logError(opRefresh, reasonQueryFailed, err)
		return RefreshResult{}, apperr.Internal(opRefresh, err)
	}

	access, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		s.logError(opRefresh, reasonTokenFailed, err, zap.Int64("user_id", user.ID))
		return RefreshResult{}, apperr.Internal(opRefresh, err)
	}
	return RefreshResult{Token: access.Token, ExpiresAt: access.ExpiresAt}, nil
}

// Authenticate validates an access token for protected routes.
func (s *Service) Authenticate(token string) (auth.AccessClaims, error) {
	claims, err := s.tokens.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return auth.AccessClaims{}, apperr.Unauthorized("token expired")
		}
		return auth.AccessClaims{}, apperr.Unauthorized("invalid token")
	}
	return claims, nil
}

func (s *Service) Profile(ctx context.Context, userID int64) (PublicUser, error) {
	user, err := s.userBy(ctx, "id = ?", userID)
	if err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// ProfilePatch lists the optional profile fields. Nil fields are left alone.
type ProfilePatch struct {
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
}

// columns turns the patch into an update map keyed by column name.
func (p ProfilePatch) columns() (map[string]any, error) {
	columns := make(map[string]any, 2)
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, apperr.Invalid(MsgEmptyName)
		}
		columns["name"] = name
	}
	if p.AvatarURL != nil {
		columns["avatar_url"] = strings.TrimSpace(*p.AvatarURL)
	}
	if len(columns) == 0 {
		return nil, apperr.Invalid(MsgNoFieldsToUpdate)
	}
	return columns, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, patch ProfilePatch) (PublicUser, error) {
	columns, err := patch.columns()
	if err != nil {
		return PublicUser{}, err
	}
	columns["updated_at"] = s.clock().UTC()

	db, cancel := s.store.Conn(ctx)
	defer cancel()
	result := s.users(db).Where("id = ?", userID).Updates(columns)
	if result.Error != nil {
		s.logError(opUpdateProfile, reasonQueryFailed, result.Error, zap.Int64("user_id", userID))
		return PublicUser{}, apperr.Internal(opUpdateProfile, result.Error)
	}
	if result.RowsAffected == 0 {
		return PublicUser{}, apperr.NotFound(MsgUserNotFound)
	}
	return s.Profile(ctx, userID)
}

// ChangePassword requires the current password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if currentPassword == "" || newPassword == "" {
		return apperr.Invalid(MsgPasswordsRequired)
	}
	if err := s.validate.Var(newPassword, passwordRule); err != nil {
		return apperr.Invalid(MsgPasswordTooShort)
	}
	user, err := s.userBy(ctx, "id = ?", userID)
	if err != nil {
		return err
	}
	matches, err := s.hasher.Matches(user.PasswordHash, currentPassword)
	if err != nil {
		s.logError(opChangePassword, reasonCompareFailed, err, zap.Int64("user_id", userID))
		return apperr.Internal(opChangePassword, err)
	}
	if !matches {
		return apperr.Unauthorized(MsgWrongPassword)
	}
	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		s.logError(opChangePassword, reasonHashFailed, err, zap.Int64("user_id", userID))
		return apperr.Internal(opChangePassword, err)
	}

	db, cancel := s.store.Conn(ctx)
	defer cancel()
	if err := s.users(db).Where("id = ?", userID).Updates(map[string]any{
		"password_hash": passwordHash,
		"updated_at":    s.clock().UTC(),
	}).Error; err != nil {
		s.logError(opChangePassword, reasonQueryFailed, err, zap.Int64("user_id", userID))
		return apperr.Internal(opChangePassword, err)
	}
	return nil
}

func (s *Service) userBy(ctx context.Context, condition string, value any) (User, error) {
	db, cancel := s.store.Conn(ctx)
	defer cancel()
	var user User
	err := s.users(db).Where(condition, value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(MsgUserNotFound)
	}
	if err != nil {
		s.logError(opProfile, reasonQueryFailed, err)
		return User{}, apperr.Internal(opProfile, err)
	}
	return user, nil
}

// transactionError keeps domain errors and maps a duplicate email that raced
// past the existence check onto the conflict message.
func (s *Service) transactionError(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if database.IsUniqueViolation(err) {
		return apperr.Conflict(MsgUserExists)
	}
	s.logError(op, reasonQueryFailed, err)
	return apperr.Internal(op, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("schema", s.schema.Name()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
