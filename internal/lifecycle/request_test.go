package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequests_EmailRule(t *testing.T) {
	cases := map[string]func(email string) error{
		"register": func(e string) error {
			return RegisterRequest{Username: "alice", Email: e, Password: "p", ConfirmPassword: "p"}.Validate()
		},
		"activate": func(e string) error { return ActivateRequest{Email: e, Otp: "123456"}.Validate() },
		"resend":   func(e string) error { return ResendOtpRequest{Email: e}.Validate() },
		"login":    func(e string) error { return LoginRequest{Email: e, Password: "p"}.Validate() },
		"unlock":   func(e string) error { return UnlockRequest{Email: e}.Validate() },
	}
	for name, validate := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, validate("a@x.com"))
			assert.Error(t, validate("not-an-email"))
			assert.Error(t, validate(""))
		})
	}
}
