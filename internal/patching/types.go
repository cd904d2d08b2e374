package patching

import "github.com/breeze-rmm/msipatch/internal/msi"

// PatchSequence is one applicable patch and its position in the order
// returned by the applicability service.
type PatchSequence struct {
	Patch    string
	Sequence int // 0-based, assigned in service order
	Product  string
	UserSID  string
	Context  msi.UserContexts
}

// InapplicablePatch describes a candidate the applicability service rejected.
type InapplicablePatch struct {
	Patch   string
	Product string
	Err     error
}

// InapplicableFunc observes rejected candidates. It is called synchronously
// during resolution, once per rejection, in the order the service reports them.
type InapplicableFunc func(InapplicablePatch)

// ApplicabilityService decides which patches apply to a product and in what
// order. product is an installed product code or a product database path.
type ApplicabilityService interface {
	DetermineApplicablePatches(product string, patches []string, onRejected msi.RejectFunc, userSID string, context msi.UserContexts) ([]string, error)
}

// PatchInspector answers content questions about candidate files.
type PatchInspector interface {
	IsPatch(path string) bool
	PatchTargets(path string) ([]string, error)
	DescriptionTargets(path string) ([]string, error)
}
