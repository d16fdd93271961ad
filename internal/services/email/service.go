package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/mooncorn/payrecon/config"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://api.mailersend.com/v1/email"

type Service struct {
	config     *config.Config
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewService(cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		config:     cfg,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendOpsAlert notifies operators about a reconciliation gap or a payment
// that needs manual review. Without MailerSend or a recipient the alert is
// only logged.
func (s *Service) SendOpsAlert(ctx context.Context, subject, body string) error {
	subject = "[payments] " + subject

	if s.config.MailerSendAPIKey == "" || s.config.OpsAlertEmail == "" {
		s.logger.Warn("Ops alert (MailerSend not configured)",
			zap.String("subject", subject),
			zap.String("body", body),
		)
		return nil
	}

	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="utf-8">
		</head>
		<body style="font-family: monospace; line-height: 1.5; color: #333;">
			<h2 style="color: #B91C1C;">%s</h2>
			<pre style="white-space: pre-wrap;">%s</pre>
			<p style="color: #666; font-size: 12px;">Sent at %s</p>
		</body>
		</html>
	`, html.EscapeString(subject), html.EscapeString(body), time.Now().UTC().Format(time.RFC3339))

	return s.sendEmail(ctx, s.config.OpsAlertEmail, subject, body, htmlContent)
}

// MailerSendRequest represents the MailerSend API request structure
type MailerSendRequest struct {
	From    EmailAddress   `json:"from"`
	To      []EmailAddress `json:"to"`
	Subject string         `json:"subject"`
	Text    string         `json:"text"`
	HTML    string         `json:"html"`
}

type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// sendEmail sends an email using MailerSend
func (s *Service) sendEmail(ctx context.Context, to, subject, plainContent, htmlContent string) error {
	payload := MailerSendRequest{
		From: EmailAddress{
			Email: s.config.MailerSendFromEmail,
			Name:  s.config.MailerSendFromName,
		},
		To: []EmailAddress{
			{Email: to},
		},
		Subject: subject,
		Text:    plainContent,
		HTML:    htmlContent,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.MailerSendAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mailersend returned error: %d - %s", resp.StatusCode, errorBody)
	}

	return nil
}
