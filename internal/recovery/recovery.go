// Package recovery restores in-flight work after a restart. Components register
// a Recoverable with the RecoveryManager, which runs each of them once at
// startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// SessionLister is the part of the session store recovery reads.
type SessionLister interface {
	ListByState(ctx context.Context, st models.State) ([]*models.Session, error)
}

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store  SessionLister
	logger *slog.Logger
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(store SessionLister, logger *slog.Logger) *RecoveryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryRegistry{store: store, logger: logger}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() SessionLister {
	return r.store
}

// Logger returns the logger recoverables should use.
func (r *RecoveryRegistry) Logger() *slog.Logger {
	return r.logger
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(store SessionLister, logger *slog.Logger) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(store, logger)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	logger := rm.registry.logger
	logger.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			logger.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	logger.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
