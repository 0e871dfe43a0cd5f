package users

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/internal/platform/notification"
	"github.com/labresults/lims/pkg/pagination"
)

const (
	DefaultLoginTTL  = 8 * time.Hour
	InvitationTTL    = 72 * time.Hour
	PasswordResetTTL = time.Hour
)

const badCredentials = "invalid email or password"

// Mailer delivers the account emails.
type Mailer interface {
	SendInvitation(ctx context.Context, to, token, baseURL string) error
	SendPasswordReset(ctx context.Context, to, token, baseURL string) error
}

type Config struct {
	FrontendURL string
	LoginTTL    time.Duration
}

type Service struct {
	repo    Repository
	signer  *auth.Signer
	revoked auth.RevocationStore
	mailer  Mailer
	cfg     Config
	logger  zerolog.Logger
}

func NewService(repo Repository, signer *auth.Signer, revoked auth.RevocationStore, mailer Mailer,
	cfg Config, logger zerolog.Logger) *Service {
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = DefaultLoginTTL
	}
	return &Service{
		repo:    repo,
		signer:  signer,
		revoked: revoked,
		mailer:  mailer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "users").Logger(),
	}
}

// Login checks credentials and issues a login token. Unknown emails and
// inactive accounts get the same answer as a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		var missing []string
		if email == "" {
			missing = append(missing, "email")
		}
		if password == "" {
			missing = append(missing, "password")
		}
		return nil, apperr.MissingFields(missing...)
	}

	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Unauthorized(badCredentials)
		}
		return nil, err
	}
	if u.Status != StatusActive {
		return nil, apperr.Unauthorized(badCredentials)
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		s.logger.Warn().Int64("user_id", u.ID).Msg("failed login")
		return nil, apperr.Unauthorized(badCredentials)
	}

	tok, claims, err := s.signer.Sign(auth.PurposeLogin, strconv.FormatInt(u.ID, 10), s.cfg.LoginTTL,
		func(c *auth.Claims) { c.Email = u.Email })
	if err != nil {
		return nil, apperr.Server("failed to issue login token", err)
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("user logged in")
	return &Session{Token: tok, ExpiresAt: claims.ExpiresAt.Time, User: u}, nil
}

// Logout revokes the token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, userID int64, claims *auth.Claims) error {
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return apperr.Unauthorized("authentication required")
	}
	if err := s.revoked.Revoke(ctx, claims.ID, userID, claims.ExpiresAt.Time); err != nil {
		return apperr.Server("failed to revoke token", err)
	}
	s.logger.Info().Int64("user_id", userID).Msg("user logged out")
	return nil
}

func (s *Service) Me(ctx context.Context, userID int64) (*User, error) {
	return s.repo.GetByID(ctx, userID)
}

// LoadPrincipal resolves the identity behind a login token. Only active
// accounts pass.
func (s *Service) LoadPrincipal(ctx context.Context, userID int64) (*auth.Principal, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusActive {
		return nil, apperr.Unauthorized("user is not active")
	}
	return u.Principal(), nil
}

// CreateUser stores a pending account and mails its invitation. A delivery
// failure does not undo the creation; it comes back as a warning.
func (s *Service) CreateUser(ctx context.Context, in CreateInput) (*User, string, error) {
	u := &User{
		Email:       normalizeEmail(in.Email),
		FirstName:   strings.TrimSpace(in.FirstName),
		LastName:    strings.TrimSpace(in.LastName),
		Status:      StatusPending,
		Permissions: in.Permissions,
	}
	if err := validateNames(u); err != nil {
		return nil, "", err
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, "", err
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("user created")

	if err := s.sendInvitation(ctx, u); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("invitation email failed")
		return u, "user created but the invitation email could not be sent", nil
	}
	return u, "", nil
}

// CreateAdmin stores an active administrator with every permission. It backs
// the bootstrap CLI command.
func (s *Service) CreateAdmin(ctx context.Context, email, firstName, lastName, password string) (*User, error) {
	u := &User{
		Email:       normalizeEmail(email),
		FirstName:   strings.TrimSpace(firstName),
		LastName:    strings.TrimSpace(lastName),
		Status:      StatusActive,
		Permissions: AllPermissions(),
	}
	if err := validateNames(u); err != nil {
		return nil, err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("admin created")
	return u, nil
}

func (s *Service) ResendInvitation(ctx context.Context, id int64) error {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if u.Status != StatusPending {
		return apperr.InvalidInput("user has already activated the account")
	}
	if err := s.sendInvitation(ctx, u); err != nil {
		if apperr.KindOf(err) != apperr.KindServer {
			return err
		}
		return apperr.Server("failed to send invitation email", err)
	}
	return nil
}

func (s *Service) sendInvitation(ctx context.Context, u *User) error {
	tok, _, err := s.signer.Sign(auth.PurposeInvitation, strconv.FormatInt(u.ID, 10), InvitationTTL,
		func(c *auth.Claims) { c.Email = u.Email })
	if err != nil {
		return err
	}
	return s.mailer.SendInvitation(ctx, u.Email, tok, s.cfg.FrontendURL)
}

// Activate sets the first password of a pending account.
func (s *Service) Activate(ctx context.Context, token, password string) (*User, error) {
	u, err := s.userFromToken(ctx, token, auth.PurposeInvitation, "invalid or expired invitation")
	if err != nil {
		return nil, err
	}
	if u.Status != StatusPending {
		return nil, apperr.InvalidInput("account is already active")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetPassword(ctx, u.ID, hash, StatusActive); err != nil {
		return nil, err
	}
	u.PasswordHash, u.Status = hash, StatusActive
	s.logger.Info().Int64("user_id", u.ID).Msg("account activated")
	return u, nil
}

// ForgotPassword mails a reset link when the email belongs to an active
// account. It never reports whether it did.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	u, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			s.logger.Error().Err(err).Msg("forgot password lookup failed")
		}
		return
	}
	if u.Status != StatusActive {
		return
	}

	tok, _, err := s.signer.Sign(auth.PurposePasswordReset, strconv.FormatInt(u.ID, 10), PasswordResetTTL,
		func(c *auth.Claims) {
			c.Email = u.Email
			c.PasswordVersion = auth.PasswordFingerprint(u.PasswordHash)
		})
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("sign reset token")
		return
	}
	if err := s.mailer.SendPasswordReset(ctx, u.Email, tok, s.cfg.FrontendURL); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("password reset email failed")
	}
}

// ResetPassword replaces the password. The token is tied to the hash it was
// issued for, so it stops working once used.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	const invalid = "invalid or expired reset link"
	claims, err := s.signer.Parse(token, auth.PurposePasswordReset)
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, invalid, err)
	}
	u, err := s.userFromClaims(ctx, claims, invalid)
	if err != nil {
		return err
	}
	if u.Status != StatusActive || claims.PasswordVersion != auth.PasswordFingerprint(u.PasswordHash) {
		return apperr.Unauthorized(invalid)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.SetPassword(ctx, u.ID, hash, StatusActive); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("password reset")
	return nil
}

func (s *Service) ListUsers(ctx context.Context, p pagination.Params) ([]*User, int, error) {
	return s.repo.List(ctx, p.Limit, p.Offset())
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateUser(ctx context.Context, actorID, id int64, in UpdateInput) (*User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.FirstName != nil {
		u.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		u.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, apperr.InvalidInput("status must be one of pending, active, disabled")
		}
		if *in.Status == StatusActive && u.PasswordHash == "" {
			return nil, apperr.InvalidInput("user has not set a password yet")
		}
		u.Status = *in.Status
	}
	if in.Permissions != nil {
		u.Permissions = *in.Permissions
	}
	if actorID == id && (!u.IsAdmin || u.Status != StatusActive) {
		return nil, apperr.Forbidden("you cannot remove your own admin access")
	}
	if err := validateNames(u); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) DeleteUser(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return apperr.Forbidden("you cannot delete your own account")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", id).Int64("deleted_by", actorID).Msg("user deleted")
	return nil
}

func (s *Service) userFromToken(ctx context.Context, token, purpose, invalid string) (*User, error) {
	claims, err := s.signer.Parse(token, purpose)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, invalid, err)
	}
	return s.userFromClaims(ctx, claims, invalid)
}

func (s *Service) userFromClaims(ctx context.Context, claims *auth.Claims, invalid string) (*User, error) {
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, apperr.Unauthorized(invalid)
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Unauthorized(invalid)
		}
		return nil, err
	}
	if !strings.EqualFold(u.Email, claims.Email) {
		return nil, apperr.Unauthorized(invalid)
	}
	return u, nil
}

func validateNames(u *User) error {
	var missing []string
	if u.Email == "" {
		missing = append(missing, "email")
	}
	if u.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if u.LastName == "" {
		missing = append(missing, "last_name")
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	if err := apperr.MaxLength("email", u.Email, 255); err != nil {
		return err
	}
	if err := apperr.MaxLength("first_name", u.FirstName, 100); err != nil {
		return err
	}
	if err := apperr.MaxLength("last_name", u.LastName, 100); err != nil {
		return err
	}
	if !notification.ValidEmail(u.Email) {
		return apperr.InvalidInput("invalid email address")
	}
	return nil
}

func hashPassword(password string) (string, error) {
	if len(password) < auth.MinPasswordLength {
		return "", apperr.InvalidInput("password must be at least " + strconv.Itoa(auth.MinPasswordLength) + " characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", apperr.Server("failed to hash password", err)
	}
	return hash, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
