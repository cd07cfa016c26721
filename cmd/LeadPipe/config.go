package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultAppDBFileName is the SQLite session database filename
	DefaultAppDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Transports.
const (
	TransportCloudAPI  = "cloudapi"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Config is the process configuration, read from the environment.
type Config struct {
	// Server
	Addr     string `env:"LEADPIPE_ADDR" envDefault:":8080"`
	StateDir string `env:"LEADPIPE_STATE_DIR" envDefault:"/var/lib/leadpipe"`

	// Store
	StoreKind       string        `env:"STORE_KIND" envDefault:"memory"`
	DatabaseDSN     string        `env:"DATABASE_DSN"`
	RedisURL        string        `env:"REDIS_URL"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	DedupTTL        time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	JanitorSchedule string        `env:"JANITOR_SCHEDULE" envDefault:"*/10 * * * *"`

	// Transport
	Transport string `env:"TRANSPORT" envDefault:"cloudapi"`

	// Meta Cloud API
	WhatsAppToken         string `env:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppVerifyToken   string `env:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppAppSecret     string `env:"WHATSAPP_APP_SECRET"`
	WhatsAppAPIVersion    string `env:"WHATSAPP_API_VERSION" envDefault:"v19.0"`

	// Twilio
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `env:"TWILIO_WEBHOOK_URL"`

	// whatsmeow
	WhatsAppDBDSN       string `env:"WHATSAPP_DB_DSN"`
	WhatsAppQRPath      string `env:"WHATSAPP_QR_PATH"`
	WhatsAppNumericCode bool   `env:"WHATSAPP_NUMERIC_CODE" envDefault:"false"`

	// Language model
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIModel   string `env:"OPENAI_MODEL"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	// Enrichment
	ScrapeEnabled bool              `env:"SCRAPE_ENABLED" envDefault:"true"`
	LinkRewrites  map[string]string `env:"LINK_REWRITES" envSeparator:"," envKeyValSeparator:"|"`

	// Kommo CRM
	KommoSubdomain        string `env:"KOMMO_SUBDOMAIN"`
	KommoToken            string `env:"KOMMO_TOKEN"`
	KommoPhoneFieldID     int    `env:"KOMMO_PHONE_FIELD_ID"`
	KommoEmailFieldID     int    `env:"KOMMO_EMAIL_FIELD_ID"`
	KommoInstagramFieldID int    `env:"KOMMO_INSTAGRAM_FIELD_ID"`
	KommoStatusID         int    `env:"KOMMO_STATUS_ID" envDefault:"142"`
	KommoLeadPrefix       string `env:"KOMMO_LEAD_PREFIX" envDefault:"Lead LeadPipe"`

	// Delivery
	DeliveryMaxChunk    int           `env:"DELIVERY_MAX_CHUNK" envDefault:"1000"`
	DeliveryChunkDelay  time.Duration `env:"DELIVERY_CHUNK_DELAY" envDefault:"700ms"`
	DeliveryMaxAttempts int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"3"`
	DeliveryRate        float64       `env:"DELIVERY_RATE" envDefault:"20"`
	DeliveryBurst       int           `env:"DELIVERY_BURST" envDefault:"5"`

	// Timeouts
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT" envDefault:"20s"`
	ScrapeTimeout     time.Duration `env:"SCRAPE_TIMEOUT" envDefault:"30s"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"90s"`
	AnswerTimeout     time.Duration `env:"ANSWER_TIMEOUT" envDefault:"30s"`
	CRMTimeout        time.Duration `env:"CRM_TIMEOUT" envDefault:"15s"`

	// Copy
	TextsFile     string   `env:"TEXTS_FILE"`
	ResetKeywords []string `env:"RESET_KEYWORDS" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// loadConfig reads an optional .env file, then the environment.
func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// resolve fills values derived from others. It runs after flag overrides.
func (c *Config) resolve() {
	c.StoreKind = strings.ToLower(strings.TrimSpace(c.StoreKind))
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.StoreKind == string(store.KindSQLite) && c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// Validate checks that the secrets the chosen transport and store need are present.
func (c *Config) Validate() error {
	errs := c.storeErrors()
	missing := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	switch c.Transport {
	case TransportCloudAPI:
		missing("WHATSAPP_TOKEN", c.WhatsAppToken)
		missing("WHATSAPP_PHONE_NUMBER_ID", c.WhatsAppPhoneNumberID)
		missing("WHATSAPP_VERIFY_TOKEN", c.WhatsAppVerifyToken)
	case TransportTwilio:
		missing("TWILIO_ACCOUNT_SID", c.TwilioAccountSID)
		missing("TWILIO_AUTH_TOKEN", c.TwilioAuthToken)
		missing("TWILIO_FROM_NUMBER", c.TwilioFromNumber)
	case TransportWhatsmeow:
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT %q is not one of cloudapi, twilio, whatsmeow", c.Transport))
	}

	missing("OPENAI_API_KEY", c.OpenAIKey)
	if c.KommoToken != "" {
		missing("KOMMO_SUBDOMAIN", c.KommoSubdomain)
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateStore checks only what opening the session store needs.
func (c *Config) ValidateStore() error {
	return errors.Join(c.storeErrors()...)
}

func (c *Config) storeErrors() []error {
	switch store.Kind(c.StoreKind) {
	case store.KindMemory, store.KindSQLite:
		return nil
	case store.KindPostgres:
		if c.DatabaseDSN == "" {
			return []error{errors.New("DATABASE_DSN is required")}
		}
		return nil
	case store.KindRedis:
		if c.RedisURL == "" {
			return []error{errors.New("REDIS_URL is required")}
		}
		return nil
	default:
		return []error{fmt.Errorf("STORE_KIND %q: %w", c.StoreKind, store.ErrUnknownKind)}
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return l, nil
}
