package recovery

import (
	"context"
	"fmt"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Resumer restarts the document generation of one session.
type Resumer interface {
	Resume(ctx context.Context, id string) error
}

// GenerationRecovery resumes every session that was generating when the
// process stopped. Without it those visitors would only hear "still working"
// until their session expired.
type GenerationRecovery struct {
	resumer Resumer
}

// NewGenerationRecovery creates a Recoverable that resumes generations.
func NewGenerationRecovery(r Resumer) *GenerationRecovery {
	return &GenerationRecovery{resumer: r}
}

// RecoverState implements Recoverable.
func (g *GenerationRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	sessions, err := registry.GetStore().ListByState(ctx, models.StateGenerating)
	if err != nil {
		return fmt.Errorf("list generating sessions: %w", err)
	}
	logger := registry.Logger()
	failed := 0
	for _, s := range sessions {
		if err := g.resumer.Resume(ctx, s.ID); err != nil {
			logger.Warn("GenerationRecovery: resume failed", "session", s.ID, "error", err)
			failed++
			continue
		}
		logger.Info("GenerationRecovery: generation resumed", "session", s.ID, "started_at", s.GenerationStartedAt)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d generations not resumed", failed, len(sessions))
	}
	return nil
}
