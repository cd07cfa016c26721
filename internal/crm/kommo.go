// Package crm pushes completed leads to the Kommo CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// DefaultStatusID is the pipeline status new leads are created in.
	DefaultStatusID = 142
	// DefaultLeadPrefix is prepended to the lead name.
	DefaultLeadPrefix = "Lead LeadPipe"
	// DefaultTimeout bounds the whole sync.
	DefaultTimeout = 15 * time.Second
)

var (
	// ErrNotConfigured is returned when the subdomain or token is missing.
	ErrNotConfigured = errors.New("kommo subdomain and token are required")
	// ErrUnexpectedResponse is returned when Kommo answers 2xx without the created entity.
	ErrUnexpectedResponse = errors.New("unexpected kommo response")
)

// FieldIDs are the Kommo custom field ids contacts are written to.
type FieldIDs struct {
	Phone     int
	Email     int
	Instagram int
}

// Opts holds configuration options for the Kommo client.
type Opts struct {
	Subdomain  string
	Token      string
	Fields     FieldIDs
	StatusID   int
	LeadPrefix string
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Kommo client.
type Option func(*Opts)

// WithAccount sets the account subdomain and the long-lived token.
func WithAccount(subdomain, token string) Option {
	return func(o *Opts) { o.Subdomain, o.Token = subdomain, token }
}

// WithFieldIDs sets the contact custom field ids.
func WithFieldIDs(f FieldIDs) Option {
	return func(o *Opts) { o.Fields = f }
}

// WithStatusID overrides DefaultStatusID.
func WithStatusID(id int) Option {
	return func(o *Opts) { o.StatusID = id }
}

// WithLeadPrefix overrides DefaultLeadPrefix.
func WithLeadPrefix(p string) Option {
	return func(o *Opts) { o.LeadPrefix = p }
}

// WithBaseURL replaces https://<subdomain>.kommo.com, for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Syncer creates a lead for a completed session.
type Syncer interface {
	SyncLead(ctx context.Context, s *models.Session) error
}

// Disabled is the Syncer used when no CRM is configured.
type Disabled struct{}

func (Disabled) SyncLead(ctx context.Context, s *models.Session) error {
	slog.Debug("crm disabled, lead not synced", "sender", s.ID)
	return nil
}

// KommoClient talks to the Kommo v4 REST API.
type KommoClient struct {
	opts Opts
}

var (
	_ Syncer = (*KommoClient)(nil)
	_ Syncer = Disabled{}
)

// New returns a KommoClient, or Disabled when no token is configured.
func New(opts ...Option) (Syncer, error) {
	var probe Opts
	for _, opt := range opts {
		opt(&probe)
	}
	if probe.Token == "" {
		return Disabled{}, nil
	}
	return NewKommoClient(opts...)
}

// NewKommoClient creates a client. Subdomain and token are required unless a
// base URL is given.
func NewKommoClient(opts ...Option) (*KommoClient, error) {
	o := Opts{StatusID: DefaultStatusID, LeadPrefix: DefaultLeadPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Token == "" || (o.Subdomain == "" && o.BaseURL == "") {
		return nil, ErrNotConfigured
	}
	if o.BaseURL == "" {
		o.BaseURL = fmt.Sprintf("https://%s.kommo.com", o.Subdomain)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &KommoClient{opts: o}, nil
}

type fieldValue struct {
	Value string `json:"value"`
}

type customField struct {
	FieldID int          `json:"field_id"`
	Values  []fieldValue `json:"values"`
}

type contact struct {
	Name         string        `json:"name"`
	CustomFields []customField `json:"custom_fields_values,omitempty"`
}

type entityRef struct {
	ID int64 `json:"id"`
}

type lead struct {
	Name     string `json:"name"`
	Price    int    `json:"price"`
	StatusID int    `json:"status_id"`
	Embedded struct {
		Contacts []entityRef `json:"contacts"`
	} `json:"_embedded"`
}

type addRequest[T any] struct {
	Add []T `json:"add"`
}

type addResponse struct {
	Embedded struct {
		Contacts []entityRef `json:"contacts"`
		Leads    []entityRef `json:"leads"`
	} `json:"_embedded"`
}

func (c *KommoClient) contactFor(s *models.Session) contact {
	ct := contact{Name: s.Name}
	add := func(id int, v string) {
		if id > 0 && v != "" {
			ct.CustomFields = append(ct.CustomFields, customField{FieldID: id, Values: []fieldValue{{Value: v}}})
		}
	}
	add(c.opts.Fields.Phone, "+"+s.ID)
	add(c.opts.Fields.Email, s.Email)
	if s.Handle != "" {
		add(c.opts.Fields.Instagram, "@"+s.Handle)
	}
	return ct
}

// SyncLead creates a contact and a lead linked to it.
func (c *KommoClient) SyncLead(ctx context.Context, s *models.Session) error {
	var created addResponse
	if err := c.post(ctx, "/api/v4/contacts", addRequest[contact]{Add: []contact{c.contactFor(s)}}, &created); err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	if len(created.Embedded.Contacts) == 0 {
		return fmt.Errorf("create contact: %w", ErrUnexpectedResponse)
	}
	contactID := created.Embedded.Contacts[0].ID

	l := lead{Name: fmt.Sprintf("%s - %s", c.opts.LeadPrefix, s.Name), StatusID: c.opts.StatusID}
	l.Embedded.Contacts = []entityRef{{ID: contactID}}
	var leadResp addResponse
	if err := c.post(ctx, "/api/v4/leads", addRequest[lead]{Add: []lead{l}}, &leadResp); err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	if len(leadResp.Embedded.Leads) == 0 {
		return fmt.Errorf("create lead: %w", ErrUnexpectedResponse)
	}
	slog.Info("KommoClient.SyncLead: lead created", "sender", s.ID, "contact_id", contactID, "lead_id", leadResp.Embedded.Leads[0].ID)
	return nil
}

func (c *KommoClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("kommo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
