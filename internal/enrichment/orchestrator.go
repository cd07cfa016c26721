// Package enrichment turns what a visitor told us into a personalized
// document: it optionally scrapes their public profile, infers content themes
// and asks the language model to write.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Step timeouts.
const (
	DefaultScrapeTimeout   = 30 * time.Second
	DefaultThemesTimeout   = 20 * time.Second
	DefaultGenerateTimeout = 90 * time.Second
)

// ErrEmptyDocument is returned when the writer produced only whitespace.
var ErrEmptyDocument = errors.New("generated document is empty")

// Scraper fetches public profile data for a handle.
type Scraper interface {
	Scrape(ctx context.Context, handle string) (*models.Profile, error)
}

// DocumentWriter writes the personalized document.
type DocumentWriter interface {
	WriteDocument(ctx context.Context, name string, p *models.Profile) (string, error)
}

// ThemeExtractor infers content themes from a profile.
type ThemeExtractor interface {
	ExtractThemes(ctx context.Context, p *models.Profile) ([]string, error)
}

// Outcome classifies an enrichment run.
type Outcome int

const (
	// OutcomeComplete means every requested step succeeded.
	OutcomeComplete Outcome = iota
	// OutcomeDegraded means a document was produced without some of the
	// requested profile data.
	OutcomeDegraded
	// OutcomeFailed means no document could be produced.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request is the input of one enrichment run.
type Request struct {
	Name       string
	Handle     string
	Permission bool
}

// Result is the output of one enrichment run. Err is set when Outcome is
// OutcomeFailed and may describe the degradation otherwise.
type Result struct {
	Document string
	Profile  *models.Profile
	Outcome  Outcome
	Err      error
}

// Orchestrator runs the enrichment steps.
type Orchestrator struct {
	writer          DocumentWriter
	scraper         Scraper
	themes          ThemeExtractor
	scrapeTimeout   time.Duration
	themesTimeout   time.Duration
	generateTimeout time.Duration
	rewrites        *strings.Replacer
	logger          *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScraper enables profile scraping.
func WithScraper(s Scraper) Option {
	return func(o *Orchestrator) { o.scraper = s }
}

// WithThemeExtractor enables theme inference.
func WithThemeExtractor(t ThemeExtractor) Option {
	return func(o *Orchestrator) { o.themes = t }
}

// WithTimeouts overrides the scrape and generate timeouts. Zero keeps the default.
func WithTimeouts(scrape, generate time.Duration) Option {
	return func(o *Orchestrator) {
		if scrape > 0 {
			o.scrapeTimeout = scrape
		}
		if generate > 0 {
			o.generateTimeout = generate
		}
	}
}

// WithLinkRewrites replaces each key with its value in generated documents.
func WithLinkRewrites(rewrites map[string]string) Option {
	return func(o *Orchestrator) {
		if len(rewrites) == 0 {
			o.rewrites = nil
			return
		}
		pairs := make([]string, 0, 2*len(rewrites))
		for from, to := range rewrites {
			pairs = append(pairs, from, to)
		}
		o.rewrites = strings.NewReplacer(pairs...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator around writer.
func NewOrchestrator(writer DocumentWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		writer:          writer,
		scrapeTimeout:   DefaultScrapeTimeout,
		themesTimeout:   DefaultThemesTimeout,
		generateTimeout: DefaultGenerateTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enrich runs scrape, themes and generation. Failures before generation
// degrade the result; a generation failure fails it.
func (o *Orchestrator) Enrich(ctx context.Context, req Request) Result {
	res := Result{Outcome: OutcomeComplete}
	handle := strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")

	if req.Permission && handle != "" {
		if o.scraper == nil {
			res.Outcome = OutcomeDegraded
			res.Err = errors.New("scrape requested but no scraper configured")
		} else {
			p, err := o.scrape(ctx, handle)
			if err != nil {
				o.logger.Warn("Orchestrator.Enrich: scrape failed", "handle", handle, "error", err)
				res.Outcome = OutcomeDegraded
				res.Err = fmt.Errorf("scrape: %w", err)
			} else {
				res.Profile = p
			}
		}
	}
	if res.Profile == nil && handle != "" {
		res.Profile = &models.Profile{Username: strings.ToLower(handle)}
	}

	if o.themes != nil && res.Profile.HasContent() {
		tctx, cancel := context.WithTimeout(ctx, o.themesTimeout)
		themes, err := o.themes.ExtractThemes(tctx, res.Profile)
		cancel()
		if err != nil {
			o.logger.Warn("Orchestrator.Enrich: theme extraction failed", "handle", handle, "error", err)
			res.Outcome = OutcomeDegraded
			res.Err = errors.Join(res.Err, fmt.Errorf("themes: %w", err))
		} else {
			res.Profile.Themes = themes
		}
	}

	gctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	doc, err := o.writer.WriteDocument(gctx, req.Name, res.Profile)
	cancel()
	doc = strings.TrimSpace(doc)
	if err == nil && doc == "" {
		err = ErrEmptyDocument
	}
	if err != nil {
		o.logger.Error("Orchestrator.Enrich: generation failed", "name", req.Name, "error", err)
		return Result{Profile: res.Profile, Outcome: OutcomeFailed, Err: fmt.Errorf("generate: %w", err)}
	}

	if o.rewrites != nil {
		doc = o.rewrites.Replace(doc)
	}
	res.Document = doc
	o.logger.Info("Orchestrator.Enrich: document ready", "name", req.Name, "outcome", res.Outcome.String(), "runes", len([]rune(doc)))
	return res
}

func (o *Orchestrator) scrape(ctx context.Context, handle string) (*models.Profile, error) {
	sctx, cancel := context.WithTimeout(ctx, o.scrapeTimeout)
	defer cancel()
	return o.scraper.Scrape(sctx, handle)
}
