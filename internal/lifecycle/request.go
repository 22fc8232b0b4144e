package lifecycle

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Validate checks shape only. A password/confirmation mismatch is reported
// separately so it gets its own message.
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 50)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		// bcrypt ignores anything past 72 bytes
		validation.Field(&r.Password, validation.Required, validation.Length(1, 72)),
		validation.Field(&r.ConfirmPassword, validation.Required),
	)
}

type ActivateRequest struct {
	Email string `json:"email"`
	Otp   string `json:"otp"`
}

func (r ActivateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Otp, validation.Required),
	)
}

type ResendOtpRequest struct {
	Email string `json:"email"`
}

func (r ResendOtpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (r RefreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

type UnlockRequest struct {
	Email string `json:"email"`
}

func (r UnlockRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

// ValidateStringEquals checks that the validated value equals str.
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

// IdentitySummary is the public view of an identity.
type IdentitySummary struct {
	ID       int64  `json:"id,string"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role,omitempty"`
	Active   bool   `json:"active"`
}

// RegisterResult is returned by Register and ResendOtp.
type RegisterResult struct {
	Identity IdentitySummary `json:"identity"`
	Message  string          `json:"message"`
}

// AuthResult carries freshly issued credentials.
type AuthResult struct {
	Identity         IdentitySummary `json:"identity"`
	AccessToken      string          `json:"accessToken"`
	AccessExpiresAt  time.Time       `json:"accessExpiresAt"`
	RefreshToken     string          `json:"refreshToken"`
	RefreshExpiresAt time.Time       `json:"refreshExpiresAt"`
	TokenType        string          `json:"tokenType"`
	Message          string          `json:"message"`
}

type StatusResult struct {
	Message string `json:"message"`
}
