package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/delivery"
	"github.com/BTreeMap/LeadPipe/internal/enrichment"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/texts"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 2 * time.Minute
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the funnel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c.cfg, c.logger)
		},
	}
}

// openStore opens the session backend named by the configuration.
func openStore(cfg *Config) (store.Backend, error) {
	if cfg.StoreKind == string(store.KindSQLite) {
		if err := os.MkdirAll(cfg.StateDir, store.DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
		}
	}
	return store.Open(store.Kind(cfg.StoreKind),
		store.WithDSN(cfg.DatabaseDSN),
		store.WithRedisURL(cfg.RedisURL),
	)
}

// buildSender creates the outbound transport. The whatsmeow client is also
// returned so its inbound events can be wired to the engine.
func buildSender(ctx context.Context, cfg *Config) (messaging.Sender, *whatsapp.Client, error) {
	switch cfg.Transport {
	case TransportTwilio:
		s, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber),
			twiliowhatsapp.WithRequestTimeout(twilioRequestTimeout(cfg.SendTimeout)),
		)
		return s, nil, err
	case TransportWhatsmeow:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDBDSN)}
		if cfg.WhatsAppQRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQRPath))
		}
		if cfg.WhatsAppNumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		wa, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return wa, wa, nil
	default:
		s, err := messaging.NewCloudAPIClient(
			messaging.WithToken(cfg.WhatsAppToken),
			messaging.WithPhoneNumberID(cfg.WhatsAppPhoneNumberID),
			messaging.WithAPIVersion(cfg.WhatsAppAPIVersion),
		)
		return s, nil, err
	}
}

// twilioRequestTimeout keeps the REST call inside the delivery attempt.
func twilioRequestTimeout(attempt time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return attempt * 3 / 4
}

// buildEngine wires the funnel around an open store and a sender.
func buildEngine(cfg *Config, backend store.Backend, sender messaging.Sender, logger *slog.Logger) (*flow.Engine, error) {
	catalog, err := texts.Load(cfg.TextsFile)
	if err != nil {
		return nil, err
	}

	gen, err := genai.NewClient(
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithModel(cfg.OpenAIModel),
		genai.WithBaseURL(cfg.OpenAIBaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}

	leads, err := crm.New(
		crm.WithAccount(cfg.KommoSubdomain, cfg.KommoToken),
		crm.WithFieldIDs(crm.FieldIDs{
			Phone:     cfg.KommoPhoneFieldID,
			Email:     cfg.KommoEmailFieldID,
			Instagram: cfg.KommoInstagramFieldID,
		}),
		crm.WithStatusID(cfg.KommoStatusID),
		crm.WithLeadPrefix(cfg.KommoLeadPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRM client: %w", err)
	}

	pipeline := delivery.New(sender,
		delivery.WithMaxChunk(cfg.DeliveryMaxChunk),
		delivery.WithChunkDelay(cfg.DeliveryChunkDelay),
		delivery.WithMaxAttempts(cfg.DeliveryMaxAttempts),
		delivery.WithAttemptTimeout(cfg.SendTimeout),
		delivery.WithRateLimit(cfg.DeliveryRate, cfg.DeliveryBurst),
		delivery.WithLogger(logger),
	)

	enrichOpts := []enrichment.Option{
		enrichment.WithThemeExtractor(gen),
		enrichment.WithTimeouts(cfg.ScrapeTimeout, cfg.GenerationTimeout),
		enrichment.WithLinkRewrites(cfg.LinkRewrites),
		enrichment.WithLogger(logger),
	}
	if cfg.ScrapeEnabled {
		enrichOpts = append(enrichOpts, enrichment.WithScraper(enrichment.NewInstagramScraper()))
	}
	orchestrator := enrichment.NewOrchestrator(gen, enrichOpts...)

	engineOpts := []flow.Option{
		flow.WithDedup(backend),
		flow.WithCRM(leads),
		flow.WithTexts(catalog),
		flow.WithTTLs(cfg.SessionTTL, cfg.DedupTTL),
		flow.WithTimeouts(cfg.StoreTimeout, cfg.AnswerTimeout, cfg.CRMTimeout),
		flow.WithLogger(logger),
		flow.WithObserver(func(r flow.UnitReport) {
			logger.Debug("unit finished", "kind", r.Kind, "sender", r.Sender, "duration", r.Duration, "ok", r.Err == nil)
		}),
	}
	if len(cfg.ResetKeywords) > 0 {
		engineOpts = append(engineOpts, flow.WithResetKeywords(cfg.ResetKeywords...))
	}
	return flow.New(backend, pipeline, orchestrator, gen, engineOpts...), nil
}

// runServe runs until ctx ends, then shuts down in order: HTTP server,
// in-flight units, scheduler, store, lock.
func runServe(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir, cfg.Addr)
	if err != nil {
		return err
	}
	defer lock.Release()

	backend, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreKind, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	sender, wa, err := buildSender(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", cfg.Transport, err)
	}
	defer wa.Close()

	engine, err := buildEngine(cfg, backend, sender, logger)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(logger)
	defer sched.Stop()
	if purger, ok := backend.(store.Purger); ok {
		if err := sched.AddJanitor(cfg.JanitorSchedule, purger); err != nil {
			return fmt.Errorf("invalid JANITOR_SCHEDULE %q: %w", cfg.JanitorSchedule, err)
		}
	}

	rm := recovery.NewRecoveryManager(backend, logger)
	rm.RegisterRecoverable(recovery.NewGenerationRecovery(engine))
	if err := rm.RecoverAll(ctx); err != nil {
		logger.Warn("recovery incomplete", "error", err)
	}

	apiOpts := []api.Option{
		api.WithVerifyToken(cfg.WhatsAppVerifyToken),
		api.WithAppSecret(cfg.WhatsAppAppSecret),
		api.WithStatusInfo(cfg.Transport, cfg.StoreKind),
		api.WithLogger(logger),
	}
	if cfg.Transport == TransportTwilio {
		apiOpts = append(apiOpts, api.WithTwilioValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(engine, apiOpts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("LeadPipe listening", "addr", cfg.Addr, "transport", cfg.Transport, "store", cfg.StoreKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	if wa != nil {
		g.Go(func() error {
			wa.Listen(gctx, engine)
			return nil
		})
	}
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := engine.Wait(drainCtx); err != nil {
		logger.Warn("in-flight units did not finish", "remaining", engine.InFlight(), "error", err)
	}
	logger.Info("LeadPipe stopped")
	return runErr
}
