// Package lifecycle takes an identity from registration through OTP
// activation to authenticated sessions.
//
// Login checks run in a fixed order: lock, activation, enabled flag, then the
// password. Every refresh rotates the refresh token.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/lockout"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

type IdentityRepository interface {
	FindByEmail(ctx context.Context, email string) (*entity.Identity, error)
	FindByUsername(ctx context.Context, username string) (*entity.Identity, error)
	FindByID(ctx context.Context, id int64) (*entity.Identity, error)
	Save(ctx context.Context, u *entity.Identity) error
	Update(ctx context.Context, id int64, fn func(*entity.Identity) bool) (*entity.Identity, error)
}

type RoleRepository interface {
	FindByName(ctx context.Context, name string) (*entity.Role, error)
}

type PasswordVerifier interface {
	Hash(pw string) (string, error)
	Matches(pw, verifier string) bool
}

// Notifier must not block on delivery.
type Notifier interface {
	NotifyOtp(email, otp string)
	NotifyWelcome(email, username string)
}

type IDGenerator interface {
	Next() int64
}

type Deps struct {
	Identities IdentityRepository
	Roles      RoleRepository
	Passwords  PasswordVerifier
	Otps       otp.Store
	Guard      *lockout.Guard
	Issuer     *token.Issuer
	Refresh    *token.RefreshStore
	Notifier   Notifier
	IDs        IDGenerator
}

type Config struct {
	OtpTTL      time.Duration
	DefaultRole string
}

type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.SugaredLogger
}

func NewService(deps Deps, cfg Config, logger *zap.SugaredLogger) *Service {
	if cfg.OtpTTL <= 0 {
		cfg.OtpTTL = 5 * time.Minute
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "ROLE_USER"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}
}

// Register creates a pending identity and mails it an activation code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	if err := validation.Validate(req.ConfirmPassword, validation.By(ValidateStringEquals(req.Password))); err != nil {
		return nil, newError(KindValidation, "Passwords do not match")
	}
	s.logger.Infow("registration attempt", "email", req.Email)

	if _, err := s.deps.Identities.FindByUsername(ctx, req.Username); err == nil {
		return nil, newError(KindConflict, "Username already exists")
	} else if !errors.Is(err, entity.ErrIdentityNotFound) {
		return nil, s.storageErr("find by username", err)
	}
	if _, err := s.deps.Identities.FindByEmail(ctx, req.Email); err == nil {
		return nil, newError(KindConflict, "Email already exists")
	} else if !errors.Is(err, entity.ErrIdentityNotFound) {
		return nil, s.storageErr("find by email", err)
	}

	role, err := s.deps.Roles.FindByName(ctx, s.cfg.DefaultRole)
	if err != nil {
		if errors.Is(err, entity.ErrRoleNotFound) {
			s.logger.Errorw("default role missing", "role", s.cfg.DefaultRole)
			return nil, &Error{Kind: KindConfiguration, Message: "Default role not found", Err: err}
		}
		return nil, s.storageErr("find role", err)
	}

	hash, err := s.deps.Passwords.Hash(req.Password)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "Password cannot be used", Err: err}
	}
	code, err := otp.Generate()
	if err != nil {
		return nil, s.storageErr("generate otp", err)
	}

	u := &entity.Identity{
		ID:           s.deps.IDs.Next(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		RoleID:       role.ID,
		Role:         role.Name,
		Active:       false,
		Enabled:      true,
	}
	if err := s.deps.Identities.Save(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// lost a race with a concurrent registration
			return nil, newError(KindConflict, "Username or email already exists")
		}
		return nil, s.storageErr("save identity", err)
	}
	s.logger.Infow("identity registered", "identity_id", u.ID)

	if err := s.deps.Otps.Put(ctx, u.Email, code, s.cfg.OtpTTL); err != nil {
		// identity stays pending; the caller can ask for a new code
		return nil, s.storageErr("store otp", err)
	}
	s.deps.Notifier.NotifyOtp(u.Email, code)

	return &RegisterResult{
		Identity: summarize(u),
		Message:  "Registration successful! Please check your email for OTP verification.",
	}, nil
}

// Activate verifies the emailed code and logs the identity in.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*AuthResult, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	s.logger.Infow("otp verification attempt", "email", req.Email)

	u, err := s.pending(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	stored, ok, err := s.deps.Otps.Get(ctx, u.Email)
	if err != nil {
		return nil, s.storageErr("get otp", err)
	}
	if !ok {
		s.logger.Warnw("otp expired or missing", "identity_id", u.ID)
		return nil, newError(KindExpired, "OTP has expired. Please request a new one.")
	}
	if subtle.ConstantTimeCompare([]byte(req.Otp), []byte(stored)) != 1 {
		s.logger.Warnw("invalid otp", "identity_id", u.ID)
		return nil, newError(KindInvalidOtp, "Invalid OTP")
	}

	alreadyActive := false
	u, err = s.deps.Identities.Update(ctx, u.ID, func(cur *entity.Identity) bool {
		if cur.Active {
			alreadyActive = true
			return false
		}
		cur.Active = true
		return true
	})
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, newError(KindConflict, "User not found")
		}
		return nil, s.storageErr("activate identity", err)
	}
	if alreadyActive {
		return nil, newError(KindConflict, "Account already verified")
	}

	if err := s.deps.Otps.Delete(ctx, u.Email); err != nil {
		// the code can no longer be used on an active identity
		s.logger.Warnw("otp delete failed", "identity_id", u.ID, "err", err)
	}
	s.logger.Infow("identity activated", "identity_id", u.ID)

	res, err := s.issueTokens(ctx, u, "Email verified successfully! You are now logged in.")
	if err != nil {
		return nil, err
	}
	s.deps.Notifier.NotifyWelcome(u.Email, u.Username)
	return res, nil
}

// ResendOtp replaces any outstanding code for a pending identity.
func (s *Service) ResendOtp(ctx context.Context, req ResendOtpRequest) (*RegisterResult, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	u, err := s.pending(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	code, err := otp.Generate()
	if err != nil {
		return nil, s.storageErr("generate otp", err)
	}
	if err := s.deps.Otps.Put(ctx, u.Email, code, s.cfg.OtpTTL); err != nil {
		return nil, s.storageErr("store otp", err)
	}
	s.logger.Infow("otp reissued", "identity_id", u.ID)
	s.deps.Notifier.NotifyOtp(u.Email, code)

	return &RegisterResult{
		Identity: IdentitySummary{Email: u.Email},
		Message:  "New OTP sent to your email!",
	}, nil
}

func (s *Service) pending(ctx context.Context, email string) (*entity.Identity, error) {
	u, err := s.deps.Identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, newError(KindConflict, "User not found")
		}
		return nil, s.storageErr("find by email", err)
	}
	if u.Active {
		return nil, newError(KindConflict, "Account already verified")
	}
	return u, nil
}

// Login authenticates with email and password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	s.logger.Infow("login attempt", "email", req.Email)

	u, err := s.deps.Identities.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, badCredentials()
		}
		return nil, s.storageErr("find by email", err)
	}

	locked, err := s.deps.Guard.IsLocked(ctx, u)
	if err != nil {
		return nil, s.storageErr("check lock", err)
	}
	if locked {
		s.logger.Warnw("login on locked account", "identity_id", u.ID)
		return nil, s.lockedErr(u, fmt.Sprintf("Account is locked due to multiple failed login attempts. "+
			"Please try again in %d minutes.", s.deps.Guard.RemainingLockMinutes(u)))
	}
	if !u.Active {
		return nil, newError(KindNotVerified, "Account not verified. Please verify your email first.")
	}
	if !u.Enabled {
		return nil, newError(KindAccountDisabled, "Account is disabled. Please contact support.")
	}

	if !s.deps.Passwords.Matches(req.Password, u.PasswordHash) {
		updated, err := s.deps.Guard.RecordFailure(ctx, u)
		if err != nil {
			if errors.Is(err, entity.ErrIdentityNotFound) {
				return nil, badCredentials()
			}
			return nil, s.storageErr("record failure", err)
		}
		if updated.Locked {
			return nil, s.lockedErr(updated, "Invalid email or password. Account has been locked due to multiple failed attempts.")
		}
		left := s.deps.Guard.RemainingAttempts(updated)
		return nil, &Error{
			Kind:              KindInvalidCredentials,
			Message:           fmt.Sprintf("Invalid email or password. %d attempts remaining.", left),
			RemainingAttempts: left,
		}
	}

	if err := s.deps.Guard.RecordSuccess(ctx, u); err != nil {
		return nil, s.storageErr("record success", err)
	}
	s.logger.Infow("login succeeded", "identity_id", u.ID)
	return s.issueTokens(ctx, u, "Login successful!")
}

// badCredentials is the answer for an unknown email. It shares kind and
// status with a wrong password so Login does not reveal which accounts exist.
func badCredentials() *Error {
	return newError(KindInvalidCredentials, "Invalid email or password")
}

func (s *Service) lockedErr(u *entity.Identity, msg string) *Error {
	return &Error{Kind: KindAccountLocked, Message: msg, RemainingMinutes: s.deps.Guard.RemainingLockMinutes(u)}
}

// Refresh exchanges a live refresh token for a new token pair. The presented
// token is consumed; of concurrent calls with the same token only one wins.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*AuthResult, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	rt, err := s.deps.Refresh.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrRefreshNotFound) {
			return nil, newError(KindNotFound, "Refresh token not found")
		}
		return nil, s.storageErr("find refresh token", err)
	}
	if rt, err = s.deps.Refresh.VerifyNotExpired(ctx, rt); err != nil {
		if errors.Is(err, token.ErrRefreshExpired) {
			return nil, newError(KindExpired, "Refresh token was expired. Please make a new login request")
		}
		return nil, s.storageErr("expire refresh token", err)
	}

	u, err := s.deps.Identities.FindByID(ctx, rt.IdentityID)
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, s.storageErr("find by id", err)
	}
	res, err := s.signTokens(ctx, u, "Token refreshed successfully", func(ctx context.Context) (*token.RefreshToken, error) {
		return s.deps.Refresh.Rotate(ctx, rt)
	})
	if errors.Is(err, token.ErrRefreshNotFound) {
		s.logger.Warnw("refresh token already redeemed", "identity_id", rt.IdentityID)
		return nil, newError(KindNotFound, "Refresh token not found")
	}
	return res, err
}

// Logout revokes every refresh token of the identity. Idempotent.
func (s *Service) Logout(ctx context.Context, identityID int64) (*StatusResult, error) {
	if err := s.deps.Refresh.DeleteAllFor(ctx, identityID); err != nil {
		return nil, s.storageErr("revoke refresh tokens", err)
	}
	return &StatusResult{Message: "Logged out successfully"}, nil
}

// Unlock clears the lockout state of an identity.
func (s *Service) Unlock(ctx context.Context, req UnlockRequest) (*StatusResult, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	if err := s.deps.Guard.Unlock(ctx, req.Email); err != nil {
		return nil, s.storageErr("unlock", err)
	}
	return &StatusResult{Message: "Account unlocked"}, nil
}

// Profile returns the summary of an authenticated identity.
func (s *Service) Profile(ctx context.Context, identityID int64) (*IdentitySummary, error) {
	u, err := s.deps.Identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, s.storageErr("find by id", err)
	}
	sum := summarize(u)
	return &sum, nil
}

func (s *Service) issueTokens(ctx context.Context, u *entity.Identity, msg string) (*AuthResult, error) {
	return s.signTokens(ctx, u, msg, func(ctx context.Context) (*token.RefreshToken, error) {
		return s.deps.Refresh.IssueFor(ctx, u.ID)
	})
}

// signTokens signs the access token before touching the stored refresh
// token. ErrRefreshNotFound from refresh passes through unwrapped.
func (s *Service) signTokens(ctx context.Context, u *entity.Identity, msg string, refresh func(context.Context) (*token.RefreshToken, error)) (*AuthResult, error) {
	access, err := s.deps.Issuer.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		s.logger.Errorw("access token signing failed", "identity_id", u.ID, "err", err)
		return nil, &Error{Kind: KindConfiguration, Message: "Unable to issue access token", Err: err}
	}
	rt, err := refresh(ctx)
	if errors.Is(err, token.ErrRefreshNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.storageErr("issue refresh token", err)
	}
	return &AuthResult{
		Identity:         summarize(u),
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     rt.Token,
		RefreshExpiresAt: rt.ExpiresAt,
		TokenType:        "Bearer",
		Message:          msg,
	}, nil
}

func (s *Service) storageErr(op string, err error) *Error {
	s.logger.Errorw("storage failure", "op", op, "err", err)
	return unavailable(op, err)
}

func invalid(err error) *Error {
	return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
}

func summarize(u *entity.Identity) IdentitySummary {
	return IdentitySummary{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, Active: u.Active}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
