package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"outbound-engine/pkg/logger"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSid string
	AuthToken  string

	// BaseURL overrides the REST endpoint (tests).
	BaseURL string
	// PublicBaseURL is where Twilio reaches this service, e.g. https://engine.example.com.
	PublicBaseURL string

	// CallsPerSecond caps outbound call creation for the account.
	CallsPerSecond float64
	RingTimeout    time.Duration
	HTTPTimeout    time.Duration
}

func (c TwilioConfig) withDefaults() TwilioConfig {
	out := c
	if out.BaseURL == "" {
		out.BaseURL = defaultTwilioBaseURL
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	out.PublicBaseURL = strings.TrimRight(out.PublicBaseURL, "/")
	if out.CallsPerSecond <= 0 {
		out.CallsPerSecond = 1
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 30 * time.Second
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	return out
}

// TwilioProvider places calls through the Twilio Programmable Voice REST API.
type TwilioProvider struct {
	cfg     TwilioConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewTwilioProvider(cfg TwilioConfig, client *http.Client, log *slog.Logger) *TwilioProvider {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	burst := int(cfg.CallsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &TwilioProvider{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst),
		log:     logger.Component(log, "twilio"),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

// callbackURL builds a webhook URL carrying the correlation hints.
func (p *TwilioProvider) callbackURL(path string, req PlaceCallRequest, withAgent bool) string {
	q := url.Values{}
	q.Set("campaign_id", req.CampaignID)
	q.Set("contact_id", req.ContactID)
	if withAgent && req.AgentID != "" {
		q.Set("agent_id", req.AgentID)
	}
	return p.cfg.PublicBaseURL + path + "?" + q.Encode()
}

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if p.cfg.AccountSid == "" || p.cfg.AuthToken == "" {
		return PlaceCallResult{}, &TransientPlacementError{Err: errors.New("twilio credentials missing")}
	}
	if req.To == "" {
		return PlaceCallResult{}, &InvalidContactError{Err: errors.New("to required")}
	}
	if req.From == "" {
		return PlaceCallResult{}, &TransientPlacementError{Err: errors.New("from number required")}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return PlaceCallResult{}, err
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", p.callbackURL(PathAnswer, req, true))
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", p.callbackURL(PathStatus, req, false))
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("Timeout", strconv.Itoa(int(p.cfg.RingTimeout.Seconds())))
	if req.DetectMachine {
		form.Set("MachineDetection", "DetectMessageEnd")
		form.Set("AsyncAmd", "true")
		form.Set("AsyncAmdStatusCallback", p.callbackURL(PathAMD, req, false))
		form.Set("AsyncAmdStatusCallbackMethod", http.MethodPost)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.cfg.BaseURL, p.cfg.AccountSid)
	status, body, err := p.post(ctx, endpoint, form)
	if err != nil {
		if ctx.Err() != nil {
			return PlaceCallResult{}, ctx.Err()
		}
		return PlaceCallResult{}, &TransientPlacementError{Err: err}
	}
	if status < 200 || status >= 300 {
		return PlaceCallResult{}, classifyTwilioError(req.To, status, body)
	}

	var parsed struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Sid == "" {
		return PlaceCallResult{}, &TransientPlacementError{StatusCode: status, Err: fmt.Errorf("unexpected create-call response: %s", truncate(body))}
	}
	p.log.Info("twilio call created", "call_sid", parsed.Sid, "campaign_id", req.CampaignID, "contact_id", req.ContactID)
	return PlaceCallResult{CallSid: parsed.Sid, Status: parsed.Status}, nil
}

// Hangup ends an in-flight call. A call the provider no longer knows is not an error.
func (p *TwilioProvider) Hangup(ctx context.Context, callSid string) error {
	if callSid == "" {
		return errors.New("telephony: call sid required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", p.cfg.BaseURL, p.cfg.AccountSid, url.PathEscape(callSid))
	status, body, err := p.post(ctx, endpoint, form)
	if err != nil {
		return fmt.Errorf("telephony: hangup %s: %w", callSid, err)
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("telephony: hangup %s: %s", callSid, formatTwilioError(status, body))
	}
	return nil
}

func (p *TwilioProvider) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(p.cfg.AccountSid, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	return resp.StatusCode, body, nil
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Twilio error codes that mean the destination itself is unusable.
var invalidNumberCodes = map[int]bool{
	21211: true, // invalid 'To' phone number
	21214: true, // 'To' number cannot be reached
	21217: true, // phone number does not appear to be valid
	21610: true, // destination has opted out
	13224: true, // invalid dial number
}

func classifyTwilioError(to string, status int, body []byte) error {
	var apiErr twilioAPIError
	_ = json.Unmarshal(body, &apiErr)
	err := errors.New(formatTwilioError(status, body))
	if invalidNumberCodes[apiErr.Code] {
		return &InvalidContactError{Number: to, Code: apiErr.Code, Err: err}
	}
	// Rate limits (429/20429), insufficient balance (20003), outages (5xx) and
	// configuration problems all requeue; repeated failures auto-pause the campaign.
	return &TransientPlacementError{StatusCode: status, Code: apiErr.Code, Err: err}
}

func formatTwilioError(status int, body []byte) string {
	var apiErr twilioAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Sprintf("status %d code %d: %s", status, apiErr.Code, apiErr.Message)
	}
	return fmt.Sprintf("status %d: %s", status, truncate(body))
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
