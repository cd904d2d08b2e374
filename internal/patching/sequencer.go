package patching

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/breeze-rmm/msipatch/internal/msi"
	"github.com/breeze-rmm/msipatch/internal/workerpool"
)

// Sequencer collects candidate patches and resolves which of them apply to a
// product, in order. It is not safe for concurrent use; callers serialize Add
// and the Get calls. A background resolution works on a snapshot taken when it
// begins, so later Adds do not affect it.
type Sequencer struct {
	catalog   *Catalog
	resolver  *Resolver
	pool      *workerpool.Pool
	log       *slog.Logger
	observers []InapplicableFunc
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithPool runs background resolutions on pool.
func WithPool(pool *workerpool.Pool) SequencerOption {
	return func(s *Sequencer) { s.pool = pool }
}

// WithLogger replaces the component logger.
func WithLogger(logger *slog.Logger) SequencerOption {
	return func(s *Sequencer) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewSequencer returns a Sequencer that inspects candidates with inspector and
// asks svc which apply.
func NewSequencer(svc ApplicabilityService, inspector PatchInspector, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		catalog: NewCatalog(inspector),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = NewResolver(svc, s.log)
	return s
}

// Catalog returns the candidate catalog.
func (s *Sequencer) Catalog() *Catalog { return s.catalog }

// Add records path as a candidate. See Catalog.Add.
func (s *Sequencer) Add(path string, validatePatch bool) (bool, error) {
	return s.catalog.Add(path, validatePatch)
}

// OnInapplicable registers fn to receive every rejected candidate of later
// resolutions. Observers are called in registration order.
func (s *Sequencer) OnInapplicable(fn InapplicableFunc) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// GetApplicablePatches resolves the current catalog against product.
func (s *Sequencer) GetApplicablePatches(product, userSID string, userContext msi.UserContexts) ([]PatchSequence, error) {
	return s.resolver.Resolve(product, userSID, userContext, s.catalog.Patches(), s.observers...)
}

// Resolution is a background GetApplicablePatches call.
type Resolution struct {
	done   chan struct{}
	result []PatchSequence
	err    error
}

// Done is closed once the resolution has finished.
func (r *Resolution) Done() <-chan struct{} { return r.done }

// Wait blocks until the resolution finishes and returns its outcome, exactly
// as GetApplicablePatches would have.
func (r *Resolution) Wait() ([]PatchSequence, error) {
	<-r.done
	return r.result, r.err
}

// BeginGetApplicablePatches starts resolving the catalog as it is now against
// product. Observers registered at this point receive rejections on the
// goroutine that runs the resolution.
func (s *Sequencer) BeginGetApplicablePatches(product, userSID string, userContext msi.UserContexts) *Resolution {
	r := &Resolution{done: make(chan struct{})}

	patches := s.catalog.Patches()
	observers := append([]InapplicableFunc(nil), s.observers...)

	// Resolutions are not cancellable: a task still queued when the pool
	// shuts down runs to completion.
	task := func(context.Context) {
		defer close(r.done)
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("background resolution panicked", "product", product, "panic", p)
				r.result, r.err = nil, fmt.Errorf("resolve %s: panic: %v", product, p)
			}
		}()

		r.result, r.err = s.resolver.Resolve(product, userSID, userContext, patches, observers...)
	}

	if s.pool != nil && s.pool.Submit(task) {
		return r
	}
	if s.pool != nil {
		s.log.Debug("resolution pool unavailable, running on a dedicated goroutine", "product", product)
	}
	go task(context.Background())
	return r
}
