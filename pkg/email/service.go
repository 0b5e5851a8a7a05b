package email

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/partnerhub/api/pkg/domain"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Service handles email sending
type Service struct {
	fromEmail   string
	fromName    string
	baseURL     string
	sendGridKey string
	useSendGrid bool
	client      *sendgrid.Client
}

// NewService creates a new email service
// If sendGridAPIKey is provided, emails will be sent via SendGrid
// Otherwise, emails will be logged to console (development mode)
func NewService(fromEmail, fromName, baseURL, sendGridAPIKey string) *Service {
	useSendGrid := sendGridAPIKey != ""
	s := &Service{
		fromEmail:   fromEmail,
		fromName:    fromName,
		baseURL:     baseURL,
		sendGridKey: sendGridAPIKey,
		useSendGrid: useSendGrid,
	}
	if useSendGrid {
		s.client = sendgrid.NewSendClient(sendGridAPIKey)
		log.Printf("✅ Email service initialized with SendGrid")
	} else {
		log.Printf("⚠️  Email service in console-only mode (set SENDGRID_API_KEY for production)")
	}
	return s
}

// SendApplicationStatus tells an applicant their application was approved or
// declined. Approved referrers also get their code.
func (s *Service) SendApplicationStatus(ctx context.Context, toEmail, toName string, role domain.Role, status, code string) error {
	subject, html, plain := buildApplicationStatusEmail(toName, string(role), status, code, s.baseURL)
	return s.SendRawEmail(ctx, toEmail, toName, subject, html, plain)
}

// SendPayoutProcessed confirms that a payout transfer was sent.
func (s *Service) SendPayoutProcessed(ctx context.Context, toEmail, toName string, amountMinor int64, currency string) error {
	subject, html, plain := buildPayoutProcessedEmail(toName, FormatAmount(amountMinor, currency), s.baseURL)
	return s.SendRawEmail(ctx, toEmail, toName, subject, html, plain)
}

// SendPendingPayoutDigest lists payout requests waiting for an admin decision.
func (s *Service) SendPendingPayoutDigest(ctx context.Context, toEmail string, items []PendingPayout) error {
	subject, html, plain := buildPendingPayoutDigestEmail(items, s.baseURL)
	return s.SendRawEmail(ctx, toEmail, "Admin", subject, html, plain)
}

// SendEarningsSummary sends a referrer their earnings for a period.
func (s *Service) SendEarningsSummary(ctx context.Context, toEmail, toName string, summary EarningsSummary) error {
	subject, html, plain := buildEarningsSummaryEmail(toName, summary, s.baseURL)
	return s.SendRawEmail(ctx, toEmail, toName, subject, html, plain)
}

// SendCodeExpiring warns a referrer that their code stops working soon.
func (s *Service) SendCodeExpiring(ctx context.Context, toEmail, toName, code string, validTo time.Time) error {
	subject, html, plain := buildCodeExpiringEmail(toName, code, validTo, s.baseURL)
	return s.SendRawEmail(ctx, toEmail, toName, subject, html, plain)
}

// SendStatementReady links a referrer to their monthly statement.
func (s *Service) SendStatementReady(ctx context.Context, toEmail, toName, period, url string) error {
	subject, html, plain := buildStatementReadyEmail(toName, period, url)
	return s.SendRawEmail(ctx, toEmail, toName, subject, html, plain)
}

// SendRawEmail sends an email with custom subject and body content.
// Uses SendGrid in production, logs to console in development.
func (s *Service) SendRawEmail(ctx context.Context, toEmail, toName, subject, htmlBody, plainTextBody string) error {
	if s.useSendGrid {
		return s.sendViaSendGrid(ctx, toEmail, toName, subject, htmlBody, plainTextBody)
	}

	log.Printf("📧 [EMAIL] %s", subject)
	log.Printf("   To: %s <%s>", toName, toEmail)
	log.Printf("   From: %s <%s>", s.fromName, s.fromEmail)
	log.Printf("   ⚠️  Email NOT sent (development mode)")
	return nil
}

// sendViaSendGrid sends email using SendGrid API
func (s *Service) sendViaSendGrid(ctx context.Context, toEmail, toName, subject, htmlBody, plainTextBody string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(toName, toEmail)

	message := mail.NewSingleEmail(from, subject, to, plainTextBody, htmlBody)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		log.Printf("❌ SendGrid error: %v", err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		log.Printf("❌ SendGrid returned error status %d: %s", response.StatusCode, response.Body)
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	log.Printf("✅ Email sent successfully to %s (SendGrid status: %d)", toEmail, response.StatusCode)
	return nil
}
