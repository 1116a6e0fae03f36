package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type NopTransport struct{}

func (NopTransport) Name() string { return "none" }

func (NopTransport) Deliver(ctx context.Context, n Notification) error { return nil }

// WebhookTransport POSTs notifications as JSON to the CRM's inbound endpoint.
type WebhookTransport struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewWebhookTransport(url, token string, client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{URL: url, Token: token, Client: client}
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("crm: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("crm: webhook returned status %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("crm: webhook returned status %d", resp.StatusCode))
	}
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Recipient is the CRM intake mailbox.
	Recipient string
	// Host overrides the API host (tests).
	Host string
}

// SendGridTransport delivers notifications as email to a CRM intake mailbox.
type SendGridTransport struct {
	cfg    SendGridConfig
	client *sendgrid.Client
}

func NewSendGridTransport(cfg SendGridConfig) *SendGridTransport {
	req := sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", cfg.Host)
	req.Method = "POST"
	return &SendGridTransport{cfg: cfg, client: &sendgrid.Client{Request: req}}
}

func (t *SendGridTransport) Name() string { return "sendgrid" }

func (t *SendGridTransport) Deliver(ctx context.Context, n Notification) error {
	if strings.TrimSpace(t.cfg.Recipient) == "" {
		return Permanent(fmt.Errorf("crm: sendgrid recipient not configured"))
	}
	from := mail.NewEmail(t.cfg.FromName, t.cfg.FromEmail)
	to := mail.NewEmail("CRM", t.cfg.Recipient)
	text := n.Summary + "\n\n" +
		"Contact: " + n.Name + " " + n.To + "\n" +
		"Outcome: " + string(n.Status) + "\n" +
		fmt.Sprintf("Duration: %ds\n", n.Duration) +
		"Call SID: " + n.CallSid + "\n"
	message := mail.NewSingleEmail(from, n.Subject, to, text, "<pre>"+html.EscapeString(text)+"</pre>")
	message.SetHeader("X-Call-Sid", n.CallSid)

	resp, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("crm: sendgrid send failed: %w", err)
	}
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("crm: sendgrid returned status %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("crm: sendgrid returned status %d", resp.StatusCode))
	}
}
