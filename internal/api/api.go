// Package api provides the HTTP ingress of LeadPipe: the WhatsApp Cloud API
// webhook (verification handshake and events), the Twilio WhatsApp webhook,
// and health and status endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MaxBodyBytes bounds webhook request bodies.
const MaxBodyBytes = 1 << 20

// Submitter accepts inbound messages for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, in models.Inbound)
}

// InFlightCounter is implemented by submitters that track running work.
type InFlightCounter interface {
	InFlight() int64
}

// Opts holds configuration options for the Server.
type Opts struct {
	VerifyToken     string
	AppSecret       string
	TwilioAuthToken string
	TwilioURL       string
	Transport       string
	StoreKind       string
	Logger          *slog.Logger
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithVerifyToken sets the token Meta echoes in the verification handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret enables X-Hub-Signature-256 verification of events.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithTwilioValidation enables X-Twilio-Signature verification. publicURL is
// the webhook URL as configured in the Twilio console.
func WithTwilioValidation(authToken, publicURL string) Option {
	return func(o *Opts) { o.TwilioAuthToken, o.TwilioURL = authToken, publicURL }
}

// WithStatusInfo sets the transport and store names reported by /status.
func WithStatusInfo(transport, storeKind string) Option {
	return func(o *Opts) { o.Transport, o.StoreKind = transport, storeKind }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Server holds the webhook handlers.
type Server struct {
	submitter       Submitter
	opts            Opts
	twilioValidator *client.RequestValidator
	logger          *slog.Logger
	started         time.Time
}

// NewServer creates a Server that hands inbound messages to submitter.
func NewServer(submitter Submitter, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{submitter: submitter, opts: o, logger: o.Logger, started: time.Now()}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if o.TwilioAuthToken != "" && o.TwilioURL != "" {
		v := client.NewRequestValidator(o.TwilioAuthToken)
		s.twilioValidator = &v
	}
	if o.VerifyToken == "" {
		s.logger.Warn("Server: no verify token configured, webhook verification will be refused")
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Get("/webhook", s.verifyHandler)
	r.Post("/webhook", s.eventsHandler)
	r.Post("/webhook/twilio", s.twilioHandler)
	r.Get("/status", s.statusHandler)
	return r
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"transport": s.opts.Transport,
		"store":     s.opts.StoreKind,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if c, ok := s.submitter.(InFlightCounter); ok {
		status["in_flight"] = c.InFlight()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// accessLog writes one slog line per request.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
