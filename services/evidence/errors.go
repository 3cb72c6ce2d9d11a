package evidence

import (
	"errors"

	"evidenced/services/packager"
	"evidenced/services/renderer"
)

// Capture failures. Match with errors.Is.
var (
	ErrRenderTimeout    = renderer.ErrTimeout
	ErrRenderNavigation = renderer.ErrNavigation
	ErrRenderInternal   = renderer.ErrInternal
	ErrPackageBuild     = packager.ErrBuild
	ErrStorage          = errors.New("storage error")
	ErrPersistence      = errors.New("persistence error")
	ErrLinkIssuance     = errors.New("link issuance error")
)

// ErrNotFound is returned by a Ledger lookup for an unknown id. The service
// turns it into a nil result.
var ErrNotFound = errors.New("evidence not found")
