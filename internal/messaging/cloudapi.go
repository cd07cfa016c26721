package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Constants for the WhatsApp Cloud API client
const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultAPIVersion   = "v19.0"
	// DefaultHTTPTimeout bounds one send attempt.
	DefaultHTTPTimeout = 20 * time.Second
	// maxErrorBody limits how much of an error response is read.
	maxErrorBody = 4 << 10
)

// Graph API error codes that mean "slow down" regardless of HTTP status.
var cloudRateLimitCodes = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}

// CloudAPIOpts holds configuration options for the Cloud API client.
type CloudAPIOpts struct {
	Token         string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// CloudAPIOption defines a configuration option for the Cloud API client.
type CloudAPIOption func(*CloudAPIOpts)

// WithToken sets the permanent or system-user access token.
func WithToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Token = token }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithAPIVersion overrides DefaultAPIVersion.
func WithAPIVersion(v string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API host, for tests.
func WithBaseURL(u string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPIClient sends text messages through the WhatsApp Business Cloud API.
type CloudAPIClient struct {
	endpoint string
	token    string
	http     *http.Client
}

// Compile-time check that CloudAPIClient implements Sender.
var _ Sender = (*CloudAPIClient)(nil)

// NewCloudAPIClient creates a client; token and phone number id are required.
func NewCloudAPIClient(opts ...CloudAPIOption) (*CloudAPIClient, error) {
	cfg := CloudAPIOpts{APIVersion: DefaultAPIVersion, BaseURL: DefaultGraphBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("CloudAPIClient config loaded", "Token_set", cfg.Token != "", "PhoneNumberID_set", cfg.PhoneNumberID != "", "version", cfg.APIVersion)
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, errors.New("cloud API token and phone number id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID)
	return &CloudAPIClient{endpoint: endpoint, token: cfg.Token, http: cfg.HTTPClient}, nil
}

type cloudText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type cloudTextMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             cloudText `json:"text"`
}

type cloudErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// SendText posts one text message.
func (c *CloudAPIClient) SendText(ctx context.Context, to, body string) error {
	if to == "" {
		return &SendError{Kind: ErrorBadRequest, Provider: "cloudapi", Err: errors.New("recipient cannot be empty")}
	}
	payload, err := json.Marshal(cloudTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             cloudText{Body: body},
	})
	if err != nil {
		return &SendError{Kind: ErrorBadRequest, Provider: "cloudapi", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Kind: ErrorFatal, Provider: "cloudapi", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &SendError{Kind: Classify(err), Provider: "cloudapi", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		slog.Debug("CloudAPIClient.SendText: sent", "to", to, "body_length", len(body))
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &SendError{Kind: ClassifyStatus(resp.StatusCode), Status: resp.StatusCode, Provider: "cloudapi"}
	var eb cloudErrorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != 0 {
		se.Code = strconv.Itoa(eb.Error.Code)
		se.Err = errors.New(eb.Error.Message)
		if cloudRateLimitCodes[eb.Error.Code] {
			se.Kind = ErrorRateLimit
		}
	} else {
		se.Err = fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw)))
	}
	slog.Warn("CloudAPIClient.SendText: provider rejected message", "to", to, "status", resp.StatusCode, "kind", se.Kind, "code", se.Code)
	return se
}
