// Package errs defines the stable error taxonomy callers branch on.
//
// Call sites wrap a sentinel with context via Wrap/Wrapf so errors.Is
// still recovers the sentinel while the logged message stays specific to
// the call site.
package errs

import "github.com/pkg/errors"

var (
	ErrHostPortParameter           = errors.New("HOST_PORT_PARAMETER")
	ErrEmptyPageServerHostsConfig  = errors.New("EMPTY_PAGE_SERVER_HOSTS_CONFIG")
	ErrNetPageServerConnection     = errors.New("NET_PAGESERVER_CONNECTION")
	ErrNoPageServerConnection      = errors.New("NO_PAGE_SERVER_CONNECTION")
	ErrNoPageServerAvailable       = errors.New("CONN_NO_PAGE_SERVER_AVAILABLE")
	ErrPageServerCannotBeReached   = errors.New("CONN_PAGE_SERVER_CANNOT_BE_REACHED")
)

// Wrap and Wrapf re-export github.com/pkg/errors so call sites need only
// import this package for both the sentinels and the wrapping helpers.
var (
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
	Is    = errors.Is
	Cause = errors.Cause
)
