// Package clock provides an overridable time source so tests can control
// "now" without sleeping, mirroring the teacher's nowFunc field convention.
package clock

import "time"

// Clock returns the current time. Tests assign Clock to a fixed or
// stepped function; production code never overrides it.
type Clock struct {
	Now func() time.Time
}

// New returns a Clock backed by time.Now.
func New() *Clock {
	return &Clock{Now: time.Now}
}

// System is the process-wide default clock used by components that do not
// take an explicit Clock (CLI helpers, formatting).
var System = New() //nolint:gochecknoglobals // single shared default, overridden only in tests
