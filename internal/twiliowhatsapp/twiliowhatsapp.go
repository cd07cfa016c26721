// Package twiliowhatsapp sends LeadPipe replies through Twilio's WhatsApp API.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
)

const provider = "twilio"

// DefaultRequestTimeout bounds one REST call. It stays below the delivery
// pipeline's attempt timeout so a request ends before its attempt does.
const DefaultRequestTimeout = 15 * time.Second

// Twilio error codes that mean "slow down".
var rateLimitCodes = map[int]bool{20429: true, 63018: true}

// messageCreator is the part of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromWhats      string
	RequestTimeout time.Duration
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, as "whatsapp:+1234567890" or bare digits.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithRequestTimeout sets the HTTP timeout of the REST client. Zero keeps
// DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api            messageCreator
	fromWhats      string
	requestTimeout time.Duration
}

// Compile-time check that Client implements messaging.Sender.
var _ messaging.Sender = (*Client)(nil)

// NewClient creates a client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	rest.SetTimeout(cfg.RequestTimeout)
	return newClient(rest.Api, cfg.FromWhats, cfg.RequestTimeout), nil
}

func newClient(api messageCreator, from string, requestTimeout time.Duration) *Client {
	return &Client{api: api, fromWhats: whatsappAddress(from), requestTimeout: requestTimeout}
}

// whatsappAddress turns a canonical phone id into Twilio's channel address.
func whatsappAddress(n string) string {
	if strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	return "whatsapp:+" + strings.TrimPrefix(n, "+")
}

// SendText sends a WhatsApp message. The SDK call takes no context: when ctx
// ends first, SendText still waits up to the request timeout for the call to
// finish, so no request outlives the attempt. A call that succeeded late is
// reported as sent, which keeps the caller from sending the text twice.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if to == "" {
		return &messaging.SendError{Kind: messaging.ErrorBadRequest, Provider: provider, Err: errors.New("recipient cannot be empty")}
	}
	if err := ctx.Err(); err != nil {
		return &messaging.SendError{Kind: messaging.Classify(err), Provider: provider, Err: err}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	done := make(chan error, 1)
	go func() {
		_, err := c.api.CreateMessage(params)
		done <- err
	}()

	select {
	case <-ctx.Done():
		if c.awaitLate(done) {
			slog.Warn("Twilio message sent after its attempt ended", "to", to)
			return nil
		}
		return &messaging.SendError{Kind: messaging.Classify(ctx.Err()), Provider: provider, Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			se := classify(err)
			slog.Warn("Twilio SendText failed", "to", to, "kind", se.Kind, "status", se.Status, "code", se.Code)
			return se
		}
	}
	slog.Debug("Twilio message sent", "to", to, "body_length", len(body))
	return nil
}

// awaitLate waits for an in-flight call after its context ended and reports
// whether it succeeded.
func (c *Client) awaitLate(done <-chan error) bool {
	t := time.NewTimer(c.requestTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err == nil
	case <-t.C:
		return false
	}
}

// classify maps an SDK error to a messaging.SendError.
func classify(err error) *messaging.SendError {
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		se := &messaging.SendError{
			Kind:     messaging.ClassifyStatus(rest.Status),
			Status:   rest.Status,
			Code:     strconv.Itoa(rest.Code),
			Provider: provider,
			Err:      errors.New(rest.Message),
		}
		if rateLimitCodes[rest.Code] {
			se.Kind = messaging.ErrorRateLimit
		}
		return se
	}
	return &messaging.SendError{Kind: messaging.Classify(err), Provider: provider, Err: err}
}
