package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
)

// Defaults for the delivery pipeline.
const (
	// DefaultChunkDelay spaces consecutive messages so they arrive in order.
	DefaultChunkDelay = 700 * time.Millisecond
	// DefaultMaxAttempts is the attempt ceiling per chunk, first try included.
	DefaultMaxAttempts = 3
	// DefaultAttemptTimeout bounds a single send.
	DefaultAttemptTimeout = 20 * time.Second
	// DefaultInitialBackoff is the wait before the first retry.
	DefaultInitialBackoff = time.Second
)

// Report summarizes one delivery. Failures of individual chunks are recorded
// here; the remaining chunks are still attempted.
type Report struct {
	To      string
	Chunks  int
	Sent    int
	Failed  int
	Skipped int
	Retries int
	Errors  []error
}

// Delivered reports whether every non-blank chunk was sent.
func (r Report) Delivered() bool { return r.Failed == 0 }

// Err joins the per-chunk errors, or returns nil.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Pipeline delivers text through a messaging.Sender.
type Pipeline struct {
	sender         messaging.Sender
	maxChunk       int
	chunkDelay     time.Duration
	maxAttempts    int
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxChunk sets the chunk size limit in characters.
func WithMaxChunk(n int) Option {
	return func(p *Pipeline) { p.maxChunk = n }
}

// WithChunkDelay sets the pause between consecutive chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.chunkDelay = d }
}

// WithMaxAttempts sets the attempt ceiling per chunk.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) { p.maxAttempts = n }
}

// WithAttemptTimeout bounds each send attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.attemptTimeout = d }
}

// WithBackOff replaces the retry schedule. f is called once per chunk.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Pipeline) { p.newBackOff = f }
}

// WithRateLimit caps sends per second across all recipients.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pipeline) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithLogger sets the logger used for retry and failure records.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialBackoff
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// New creates a Pipeline sending through sender.
func New(sender messaging.Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender:         sender,
		maxChunk:       DefaultMaxChunk,
		chunkDelay:     DefaultChunkDelay,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		newBackOff:     defaultBackOff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p
}

// Deliver sends text to one recipient, chunked and in order.
func (p *Pipeline) Deliver(ctx context.Context, to, text string) Report {
	return p.DeliverAll(ctx, to, text)
}

// DeliverAll sends several texts to one recipient as a single ordered stream,
// keeping the inter-chunk spacing across message boundaries.
func (p *Pipeline) DeliverAll(ctx context.Context, to string, texts ...string) Report {
	var bodies []string
	for _, t := range texts {
		for _, c := range Split(t, p.maxChunk) {
			bodies = append(bodies, c.Text)
		}
	}

	report := Report{To: to, Chunks: len(bodies)}
	attempted := false
	for i, body := range bodies {
		if strings.TrimSpace(body) == "" {
			report.Skipped++
			continue
		}
		if attempted && p.chunkDelay > 0 {
			if err := sleepCtx(ctx, p.chunkDelay); err != nil {
				p.abandon(&report, len(bodies)-i, err)
				break
			}
		}
		attempted = true

		retries, err := p.sendChunk(ctx, to, body, i, len(bodies))
		report.Retries += retries
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("chunk %d/%d: %w", i+1, len(bodies), err))
			p.logger.Error("Pipeline.Deliver: chunk failed", "to", to, "chunk", i+1, "of", len(bodies),
				"kind", messaging.Classify(err).String(), "error", err)
			if ctx.Err() != nil {
				p.abandon(&report, len(bodies)-i-1, ctx.Err())
				break
			}
			continue
		}
		report.Sent++
	}

	if report.Failed > 0 {
		p.logger.Warn("Pipeline.Deliver: delivery incomplete", "to", to, "sent", report.Sent, "failed", report.Failed, "retries", report.Retries)
	} else {
		p.logger.Debug("Pipeline.Deliver: delivered", "to", to, "chunks", report.Sent, "retries", report.Retries)
	}
	return report
}

// abandon counts n unsent chunks as failed after the context ended.
func (p *Pipeline) abandon(r *Report, n int, cause error) {
	if n <= 0 {
		return
	}
	r.Failed += n
	r.Errors = append(r.Errors, fmt.Errorf("%d chunk(s) not sent: %w", n, cause))
}

// sendChunk sends one chunk, retrying transient failures. It returns the
// number of retries performed.
func (p *Pipeline) sendChunk(ctx context.Context, to, body string, idx, total int) (int, error) {
	retries := 0
	op := func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()
		err := p.sender.SendText(actx, to, body)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case !messaging.IsTransient(err):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		retries++
		p.logger.Warn("Pipeline.Deliver: retrying chunk", "to", to, "chunk", idx+1, "of", total,
			"attempt", retries+1, "max_attempts", p.maxAttempts, "wait", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	return retries, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
