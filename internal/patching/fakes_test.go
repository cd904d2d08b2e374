package patching

import (
	"errors"
	"sync"

	"github.com/breeze-rmm/msipatch/internal/msi"
)

var errRejected = errors.New("rejected by fake service")

// fakeService returns a fixed answer and records what it was asked.
type fakeService struct {
	mu       sync.Mutex
	result   []string
	rejected []string
	err      error
	gate     chan struct{}

	calls    [][]string
	products []string
	sids     []string
	contexts []msi.UserContexts
}

func (f *fakeService) DetermineApplicablePatches(product string, patches []string, onRejected msi.RejectFunc, userSID string, context msi.UserContexts) ([]string, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), patches...))
	f.products = append(f.products, product)
	f.sids = append(f.sids, userSID)
	f.contexts = append(f.contexts, context)
	f.mu.Unlock()

	for _, p := range f.rejected {
		onRejected(p, errRejected)
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.result...), nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeInspector classifies files by path.
type fakeInspector struct {
	patches      map[string][]string
	descriptions map[string][]string
	errs         map[string]error
}

func (f *fakeInspector) IsPatch(path string) bool {
	_, ok := f.patches[path]
	return ok
}

func (f *fakeInspector) PatchTargets(path string) ([]string, error) {
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	return f.patches[path], nil
}

func (f *fakeInspector) DescriptionTargets(path string) ([]string, error) {
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	targets, ok := f.descriptions[path]
	if !ok {
		return nil, errors.New("not a patch description")
	}
	return targets, nil
}
