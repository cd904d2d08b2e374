package patching

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/msipatch/internal/msi"
)

// Resolver asks an ApplicabilityService which candidates apply to a target
// and numbers the answer.
type Resolver struct {
	svc ApplicabilityService
	log *slog.Logger
}

// NewResolver returns a Resolver backed by svc.
func NewResolver(svc ApplicabilityService, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = log
	}
	return &Resolver{svc: svc, log: logger}
}

// Resolve returns the applicable subset of patches for target, numbered
// 0..n-1 in the order the service returned them. Each rejected candidate is
// delivered to every observer before Resolve returns. A package path target
// must be resolved with msi.ContextNone.
func (r *Resolver) Resolve(target, userSID string, userContext msi.UserContexts, patches []string, observers ...InapplicableFunc) ([]PatchSequence, error) {
	if target == "" {
		return nil, &ArgumentError{Name: "product", Message: "must not be empty"}
	}
	if !msi.IsProductCode(target) && userContext != msi.ContextNone {
		return nil, &ArgumentError{
			Name:    "context",
			Message: fmt.Sprintf("%s cannot be used with package path %s", userContext, target),
		}
	}

	onRejected := func(patch string, err error) {
		r.log.Debug("patch not applicable", "patch", patch, "product", target, "error", err)
		ev := InapplicablePatch{Patch: patch, Product: target, Err: err}
		for _, fn := range observers {
			if fn != nil {
				fn(ev)
			}
		}
	}

	start := time.Now()
	applicable, err := r.svc.DetermineApplicablePatches(target, patches, onRejected, userSID, userContext)
	if err != nil {
		return nil, fmt.Errorf("determine applicable patches for %s: %w", target, err)
	}

	sequence := make([]PatchSequence, 0, len(applicable))
	for i, path := range applicable {
		sequence = append(sequence, PatchSequence{
			Patch:    path,
			Sequence: i,
			Product:  target,
			UserSID:  userSID,
			Context:  userContext,
		})
	}

	r.log.Debug("patches resolved",
		"product", target,
		"candidates", len(patches),
		"applicable", len(sequence),
		"durationMs", time.Since(start).Milliseconds())
	return sequence, nil
}
