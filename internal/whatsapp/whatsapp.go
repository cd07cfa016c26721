// Package whatsapp wraps the Whatsmeow client so LeadPipe can run on a linked
// WhatsApp device instead of the Cloud API.
//
// It sends replies as a messaging.Sender and forwards incoming text messages
// to a Submitter.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/leadpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"

	provider = "whatsmeow"
)

// Submitter accepts inbound messages for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, in models.Inbound)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// Compile-time check that Client implements messaging.Sender.
var _ messaging.Sender = (*Client)(nil)

// driverFor picks the database/sql driver for a whatsmeow DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store and connects, running the QR login flow
// when the device is not yet linked.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := driverFor(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; whatsmeow requires them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendText sends a text message to a phone number given as digits.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if c == nil || c.waClient == nil || c.waClient.Store == nil {
		return &messaging.SendError{Kind: messaging.ErrorFatal, Provider: provider, Err: errors.New("whatsapp client not initialized")}
	}
	if to == "" {
		return &messaging.SendError{Kind: messaging.ErrorBadRequest, Provider: provider, Err: errors.New("recipient cannot be empty")}
	}

	jid := types.NewJID(models.CanonicalPhone(to), JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		se := classify(err)
		slog.Warn("WhatsApp SendText failed", "to", to, "kind", se.Kind, "error", err)
		return se
	}
	slog.Debug("WhatsApp message sent", "to", to, "body_length", len(body))
	return nil
}

func classify(err error) *messaging.SendError {
	kind := messaging.Classify(err)
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected):
		kind = messaging.ErrorConnection
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		kind = messaging.ErrorAuth
	}
	return &messaging.SendError{Kind: kind, Provider: provider, Err: err}
}

// Listen forwards incoming direct text messages to sub until ctx ends.
func (c *Client) Listen(ctx context.Context, sub Submitter) {
	id := c.waClient.AddEventHandler(func(evt any) {
		switch v := evt.(type) {
		case *events.Message:
			if in, ok := inboundFromEvent(v); ok {
				sub.Submit(ctx, in)
			}
		case *events.Disconnected:
			slog.Warn("WhatsApp client disconnected")
		case *events.Connected:
			slog.Info("WhatsApp client connected")
		}
	})
	<-ctx.Done()
	c.waClient.RemoveEventHandler(id)
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c != nil && c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// inboundFromEvent extracts a direct text message. Group, own and non-text
// messages are skipped.
func inboundFromEvent(evt *events.Message) (models.Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Inbound{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsApp ignoring non-text message", "from", evt.Info.Sender.String())
		return models.Inbound{}, false
	}
	return models.Inbound{
		MessageID: string(evt.Info.ID),
		From:      evt.Info.Sender.User,
		Text:      text,
		Time:      evt.Info.Timestamp.Unix(),
		Provider:  models.ProviderWhatsmeow,
	}, true
}
