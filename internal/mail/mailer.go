package mail

import (
	"context"
	"fmt"

	"github.com/gridline-pm/gridline/jobs"
)

// Enqueuer submits send-email tasks to the background queue.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) error
}

// QueueMailer builds the verification and reset messages and hands them
// to the job queue for delivery.
type QueueMailer struct {
	enqueuer Enqueuer
	appURL   string
}

// NewQueueMailer constructs a QueueMailer. appURL is the externally
// visible base URL used in message links.
func NewQueueMailer(enqueuer Enqueuer, appURL string) *QueueMailer {
	return &QueueMailer{enqueuer: enqueuer, appURL: appURL}
}

// SendVerificationEmail enqueues an address-verification message.
func (m *QueueMailer) SendVerificationEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/api/auth/verify-email?token=%s", m.appURL, token)
	body := fmt.Sprintf(
		"Welcome to Gridline.\n\nVerify your email address by opening the link below:\n\n%s\n\nThe link expires in 24 hours. If you did not create an account, ignore this message.\n",
		link,
	)
	return m.enqueuer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      to,
		Subject: "Verify your Gridline account",
		Body:    body,
	})
}

// SendPasswordResetEmail enqueues a password-reset message.
func (m *QueueMailer) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/reset-password?token=%s", m.appURL, token)
	body := fmt.Sprintf(
		"A password reset was requested for your Gridline account.\n\nReset your password here:\n\n%s\n\nThe link expires in 1 hour. If you did not request a reset, ignore this message.\n",
		link,
	)
	return m.enqueuer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      to,
		Subject: "Reset your Gridline password",
		Body:    body,
	})
}
