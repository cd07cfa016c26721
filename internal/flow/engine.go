// Package flow implements the lead funnel: the conversation state machine
// that turns inbound WhatsApp texts into session transitions, replies and the
// asynchronous document generation.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/delivery"
	"github.com/BTreeMap/LeadPipe/internal/enrichment"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/texts"
)

// Timeouts applied by the engine to its collaborators.
const (
	DefaultStoreTimeout  = 5 * time.Second
	DefaultAnswerTimeout = 30 * time.Second
	DefaultCRMTimeout    = 15 * time.Second
)

var (
	// ErrStoreUnavailable wraps session store failures that aborted a turn.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrNotGenerating is returned by Resume for a session that is not generating.
	ErrNotGenerating = errors.New("session is not generating")
)

// Deliverer sends ordered texts to one recipient.
type Deliverer interface {
	DeliverAll(ctx context.Context, to string, texts ...string) delivery.Report
}

// Enricher produces the personalized document.
type Enricher interface {
	Enrich(ctx context.Context, req enrichment.Request) enrichment.Result
}

// Assistant answers follow-up questions after completion.
type Assistant interface {
	Answer(ctx context.Context, s *models.Session, question string) (string, error)
}

// LeadSyncer pushes a completed lead to a CRM.
type LeadSyncer interface {
	SyncLead(ctx context.Context, s *models.Session) error
}

// UnitKind names the detached work the engine runs.
type UnitKind string

const (
	UnitTurn       UnitKind = "turn"
	UnitGeneration UnitKind = "generation"
	UnitCRMSync    UnitKind = "crm_sync"
)

// UnitReport describes a finished detached unit.
type UnitReport struct {
	Kind      UnitKind
	Sender    string
	MessageID string
	Duration  time.Duration
	Err       error
}

// UnitObserver is called once per finished unit, from the unit's goroutine.
type UnitObserver func(UnitReport)

// Engine runs the funnel. Turns for the same sender are serialized; turns for
// different senders run concurrently.
type Engine struct {
	store     store.SessionStore
	dedup     store.DedupRepo
	delivery  Deliverer
	enricher  Enricher
	assistant Assistant
	crm       LeadSyncer
	texts     *texts.Catalog
	keywords  Keywords

	sessionTTL    time.Duration
	dedupTTL      time.Duration
	storeTimeout  time.Duration
	answerTimeout time.Duration
	crmTimeout    time.Duration

	locks    *KeyedMutex
	wg       sync.WaitGroup
	inflight atomic.Int64
	observer UnitObserver
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithDedup enables inbound message deduplication.
func WithDedup(d store.DedupRepo) Option {
	return func(e *Engine) { e.dedup = d }
}

// WithCRM enables lead sync after completion.
func WithCRM(c LeadSyncer) Option {
	return func(e *Engine) { e.crm = c }
}

// WithTexts replaces the default message catalog.
func WithTexts(c *texts.Catalog) Option {
	return func(e *Engine) { e.texts = c }
}

// WithResetKeywords replaces the reset keywords. An empty list keeps the defaults.
func WithResetKeywords(words ...string) Option {
	return func(e *Engine) {
		if len(words) > 0 {
			e.keywords.Reset = words
		}
	}
}

// WithTTLs sets the session and dedup time to live. Zero keeps the default.
func WithTTLs(session, dedup time.Duration) Option {
	return func(e *Engine) {
		if session > 0 {
			e.sessionTTL = session
		}
		if dedup > 0 {
			e.dedupTTL = dedup
		}
	}
}

// WithTimeouts sets the store, answer and CRM timeouts. Zero keeps the default.
func WithTimeouts(storeOp, answer, crm time.Duration) Option {
	return func(e *Engine) {
		if storeOp > 0 {
			e.storeTimeout = storeOp
		}
		if answer > 0 {
			e.answerTimeout = answer
		}
		if crm > 0 {
			e.crmTimeout = crm
		}
	}
}

// WithObserver registers a callback for finished units.
func WithObserver(o UnitObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(st store.SessionStore, d Deliverer, enricher Enricher, assistant Assistant, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		delivery:      d,
		enricher:      enricher,
		assistant:     assistant,
		texts:         texts.Default(),
		keywords:      DefaultKeywords(),
		sessionTTL:    store.DefaultSessionTTL,
		dedupTTL:      store.DefaultDedupTTL,
		storeTimeout:  DefaultStoreTimeout,
		answerTimeout: DefaultAnswerTimeout,
		crmTimeout:    DefaultCRMTimeout,
		locks:         NewKeyedMutex(),
		logger:        slog.Default(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit processes an inbound message in a detached unit and returns at once.
// Cancellation of ctx does not stop the unit; its values are kept. Turns of
// one sender run in the order Submit was called.
func (e *Engine) Submit(ctx context.Context, in models.Inbound) {
	var ticket *Ticket
	if sender := models.CanonicalPhone(in.From); sender != "" {
		ticket = e.locks.Reserve(sender)
	}
	e.spawn(context.WithoutCancel(ctx), UnitTurn, in.From, in.MessageID, func(ctx context.Context) error {
		return e.handleInbound(ctx, in, ticket)
	})
}

// Wait blocks until every detached unit has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d unit(s): %w", e.inflight.Load(), ctx.Err())
	}
}

// InFlight returns the number of running detached units.
func (e *Engine) InFlight() int64 { return e.inflight.Load() }

func (e *Engine) spawn(ctx context.Context, kind UnitKind, sender, messageID string, fn func(context.Context) error) {
	e.wg.Add(1)
	e.inflight.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Add(-1)

		start := e.now()
		err := e.runUnit(ctx, fn)
		report := UnitReport{Kind: kind, Sender: sender, MessageID: messageID, Duration: e.now().Sub(start), Err: err}
		if err != nil {
			e.logger.Error("Engine: unit failed", "kind", kind, "sender", sender, "message_id", messageID, "err", err)
		} else {
			e.logger.Debug("Engine: unit done", "kind", kind, "sender", sender, "message_id", messageID, "duration", report.Duration)
		}
		if e.observer != nil {
			e.observer(report)
		}
	}()
}

func (e *Engine) runUnit(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// HandleInbound runs one turn synchronously: dedup, lock, read, decide, act,
// persist. Submit is the asynchronous entry point.
func (e *Engine) HandleInbound(ctx context.Context, in models.Inbound) error {
	return e.handleInbound(ctx, in, nil)
}

// handleInbound runs a turn under ticket, or under a fresh reservation when
// ticket is nil.
func (e *Engine) handleInbound(ctx context.Context, in models.Inbound, ticket *Ticket) error {
	if ticket != nil {
		defer ticket.Release()
	}
	sender := models.CanonicalPhone(in.From)
	if sender == "" {
		return fmt.Errorf("inbound %s: %w", in.MessageID, models.ErrEmptySessionID)
	}

	if in.MessageID != "" && e.dedup != nil {
		dctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		first, err := e.dedup.MarkSeen(dctx, in.MessageID, sender, e.dedupTTL)
		cancel()
		switch {
		case err != nil:
			e.logger.Warn("Engine.turn: dedup check failed, processing anyway", "sender", sender, "message_id", in.MessageID, "error", err)
		case !first:
			e.logger.Info("Engine.turn: duplicate message dropped", "sender", sender, "message_id", in.MessageID)
			return nil
		}
	}

	if ticket == nil {
		ticket = e.locks.Reserve(sender)
	}
	unlock := ticket.Acquire()
	defer unlock()

	prev, unreadable, err := e.loadTurn(ctx, sender)
	if err != nil {
		e.logger.Error("Engine.turn: session load failed", "sender", sender, "error", err)
		e.deliver(ctx, sender, e.texts.TryAgain)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	prevState := models.State("")
	if prev != nil {
		prevState = prev.State
	}

	now := e.now()
	var d decision
	if unreadable {
		d = decideUnreadable(sender, in.Text, now, e.keywords, e.texts)
	} else {
		d = decide(prev, sender, in.Text, now, e.keywords, e.texts)
	}
	next := d.next
	e.logger.Debug("Engine.turn: decided", "sender", sender, "from", prevState, "to", next.State,
		"reset", d.reset, "corrupted", d.corrupted)
	if d.corrupted {
		e.logger.Warn("Engine.turn: corrupted session state reset", "sender", sender, "state", prevState)
	}

	switch d.action {
	case actionAnswer:
		answer := e.answer(ctx, next, in.Text)
		next.AppendConversation(models.ConversationEntry{At: now, Question: in.Text, Answer: answer})
		if answer == "" {
			answer = texts.Render(e.texts.AnswerFailed, e.vars(next))
		}
		e.deliver(ctx, sender, answer)
	case actionGenerate:
		next.GenerationID = e.newID()
		next.GenerationStartedAt = &now
		e.deliver(ctx, sender, d.replies...)
	default:
		e.deliver(ctx, sender, d.replies...)
	}

	if err := e.persist(ctx, next); err != nil {
		return err
	}
	e.logger.Info("Engine.turn: session saved", "sender", sender, "from", prevState, "to", next.State)

	if d.action == actionGenerate {
		e.startGeneration(context.WithoutCancel(ctx), next.Clone())
	}
	return nil
}

func (e *Engine) vars(s *models.Session) texts.Vars {
	return texts.Vars{Name: s.FirstName(), Handle: s.Handle, Reset: e.keywords.ResetWord()}
}

// answer asks the assistant and returns "" when it fails.
func (e *Engine) answer(ctx context.Context, s *models.Session, question string) string {
	if e.assistant == nil {
		return ""
	}
	actx, cancel := context.WithTimeout(ctx, e.answerTimeout)
	defer cancel()
	ans, err := e.assistant.Answer(actx, s, question)
	if err != nil {
		e.logger.Error("Engine.turn: answer failed", "sender", s.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(ans)
}

func (e *Engine) deliver(ctx context.Context, to string, msgs ...string) {
	if len(msgs) == 0 {
		return
	}
	report := e.delivery.DeliverAll(ctx, to, msgs...)
	if !report.Delivered() {
		e.logger.Error("Engine.turn: delivery incomplete", "sender", to, "sent", report.Sent,
			"failed", report.Failed, "retries", report.Retries, "error", report.Err())
	}
}

func (e *Engine) load(ctx context.Context, id string) (*models.Session, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.Get(sctx, id)
}

// loadTurn is load for callers that overwrite the session. A record that
// cannot be decoded is reported as unreadable rather than as an error, so the
// sender is not locked out until it expires.
func (e *Engine) loadTurn(ctx context.Context, id string) (s *models.Session, unreadable bool, err error) {
	s, err = e.load(ctx, id)
	if errors.Is(err, store.ErrCorruptedSession) {
		e.logger.Warn("Engine.turn: undecodable session record, starting over", "sender", id, "error", err)
		return nil, true, nil
	}
	return s, false, err
}

func (e *Engine) persist(ctx context.Context, s *models.Session) error {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.Put(sctx, s, e.sessionTTL); err != nil {
		e.logger.Error("Engine.turn: persist failed", "sender", s.ID, "state", s.State, "error", err)
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

// ResetSession applies the reset command to id without sending anything.
// A missing session is created already reset.
func (e *Engine) ResetSession(ctx context.Context, id string) (*models.Session, error) {
	id = models.CanonicalPhone(id)
	if id == "" {
		return nil, models.ErrEmptySessionID
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	s, _, err := e.loadTurn(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	now := e.now()
	if s == nil {
		s = models.NewSession(id, now)
	}
	s.Reset(now)
	if err := e.persist(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Info("Engine.ResetSession: session reset", "sender", id, "reset_count", s.ResetCount)
	return s, nil
}
