package flow

import (
	"context"
	"fmt"

	"github.com/BTreeMap/LeadPipe/internal/enrichment"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/texts"
)

// startGeneration spawns the generation unit for a session that was just
// persisted in GENERATING.
func (e *Engine) startGeneration(ctx context.Context, s *models.Session) {
	e.spawn(ctx, UnitGeneration, s.ID, s.GenerationID, func(ctx context.Context) error {
		return e.generate(ctx, s)
	})
}

// generate runs enrichment outside the sender lock, then commits the result.
func (e *Engine) generate(ctx context.Context, s *models.Session) error {
	e.logger.Info("Engine.generate: enrichment started", "sender", s.ID, "generation_id", s.GenerationID,
		"handle", s.Handle, "scrape", s.ScrapePermission)
	res := e.enricher.Enrich(ctx, enrichment.Request{
		Name:       s.Name,
		Handle:     s.Handle,
		Permission: s.ScrapePermission,
	})
	if res.Outcome == enrichment.OutcomeDegraded {
		e.logger.Warn("Engine.generate: enrichment degraded", "sender", s.ID, "error", res.Err)
	}
	return e.commitGeneration(ctx, s.ID, s.GenerationID, res)
}

// commitGeneration applies an enrichment result if the session still waits
// for this generation. Results for a session that was reset, deleted or
// restarted in the meantime are discarded.
func (e *Engine) commitGeneration(ctx context.Context, id, generationID string, res enrichment.Result) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	cur, unreadable, err := e.loadTurn(ctx, id)
	if err != nil {
		return fmt.Errorf("commit generation %s: %w: %w", generationID, ErrStoreUnavailable, err)
	}
	if unreadable {
		d := restartCorrupted(models.NewSession(id, e.now()), e.keywords, e.texts)
		e.deliver(ctx, id, d.replies...)
		if err := e.persist(ctx, d.next); err != nil {
			return err
		}
		e.logger.Warn("Engine.generate: result discarded, session record unreadable; session restarted", "sender", id, "generation_id", generationID)
		return nil
	}
	if cur == nil {
		e.logger.Info("Engine.generate: stale result discarded, session gone", "sender", id, "generation_id", generationID)
		return nil
	}
	if st, ok := models.ParseState(string(cur.State)); !ok || st != models.StateGenerating || cur.GenerationID != generationID {
		e.logger.Info("Engine.generate: stale result discarded", "sender", id, "generation_id", generationID,
			"state", cur.State, "current_generation_id", cur.GenerationID)
		return nil
	}

	now := e.now()
	cur.UpdatedAt = now
	if res.Outcome == enrichment.OutcomeFailed {
		cur.State = models.StateError
		cur.ErrorReason = "generation failed"
		if res.Err != nil {
			cur.ErrorReason = res.Err.Error()
		}
		e.deliver(ctx, id, texts.Render(e.texts.GenerationFailed, e.vars(cur)))
		if err := e.persist(ctx, cur); err != nil {
			return err
		}
		e.logger.Warn("Engine.generate: session moved to error", "sender", id, "reason", cur.ErrorReason)
		return nil
	}

	cur.Document = res.Document
	cur.CompletedAt = &now
	cur.State = models.StateCompleted
	cur.ErrorReason = ""
	e.deliver(ctx, id, res.Document, texts.Render(e.texts.Final, e.vars(cur)))
	if err := e.persist(ctx, cur); err != nil {
		return err
	}
	e.logger.Info("Engine.generate: session completed", "sender", id, "generation_id", generationID,
		"outcome", res.Outcome.String())

	if e.crm != nil {
		e.syncLead(ctx, cur.Clone())
	}
	return nil
}

func (e *Engine) syncLead(ctx context.Context, s *models.Session) {
	e.spawn(ctx, UnitCRMSync, s.ID, s.GenerationID, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.crmTimeout)
		defer cancel()
		if err := e.crm.SyncLead(cctx, s); err != nil {
			return fmt.Errorf("sync lead: %w", err)
		}
		return nil
	})
}

// Resume restarts the generation of a session left in GENERATING, typically
// by a process that stopped before committing. A session without a
// generation id is given one first.
func (e *Engine) Resume(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	s, unreadable, err := e.loadTurn(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if s == nil || unreadable {
		unlock()
		return fmt.Errorf("resume %s: %w", id, ErrNotGenerating)
	}
	if st, ok := models.ParseState(string(s.State)); !ok || st != models.StateGenerating {
		unlock()
		return fmt.Errorf("resume %s in state %s: %w", id, s.State, ErrNotGenerating)
	}
	s.State = models.StateGenerating
	if s.GenerationID == "" {
		now := e.now()
		s.GenerationID = e.newID()
		s.GenerationStartedAt = &now
		s.UpdatedAt = now
		if err := e.persist(ctx, s); err != nil {
			unlock()
			return err
		}
	}
	unlock()

	e.logger.Info("Engine.Resume: generation resumed", "sender", id, "generation_id", s.GenerationID)
	e.startGeneration(context.WithoutCancel(ctx), s)
	return nil
}
