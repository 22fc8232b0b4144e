// Package notify sends account emails without making the request wait for
// delivery.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

type Kind string

const (
	KindOtp     Kind = "otp"
	KindWelcome Kind = "welcome"
)

// Message is one outbound email.
type Message struct {
	ID      string
	Kind    Kind
	To      string
	Subject string
	Body    string
}

// Mailer performs the actual delivery.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// EmailNotifier renders account emails and hands them to a Pool.
type EmailNotifier struct {
	pool   *Pool
	otpTTL time.Duration
}

func NewEmailNotifier(pool *Pool, otpTTL time.Duration) *EmailNotifier {
	return &EmailNotifier{pool: pool, otpTTL: otpTTL}
}

func (n *EmailNotifier) NotifyOtp(email, otp string) {
	n.pool.Submit(Message{
		ID:      utilities.NewKSUID(),
		Kind:    KindOtp,
		To:      email,
		Subject: "Email Verification - OTP Code",
		Body: fmt.Sprintf("Your OTP code is: %s\n\nThis code will expire in %s.\n\n"+
			"If you didn't request this, please ignore this email.", otp, humanMinutes(n.otpTTL)),
	})
}

func (n *EmailNotifier) NotifyWelcome(email, username string) {
	n.pool.Submit(Message{
		ID:      utilities.NewKSUID(),
		Kind:    KindWelcome,
		To:      email,
		Subject: "Welcome aboard!",
		Body:    fmt.Sprintf("Hello %s,\n\nYour account has been successfully verified!\n\nWelcome aboard!", username),
	})
}

func humanMinutes(d time.Duration) string {
	m := int(d.Round(time.Minute) / time.Minute)
	if m <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
