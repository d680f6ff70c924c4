// Package lifecycle tracks whether the gateway is draining. The readiness
// probe and the call-start path both consult it so a shutting-down instance
// stops accepting new calls before in-flight ones are waited on.
package lifecycle

import "sync/atomic"

// Lifecycle holds the gateway's drain flag. The zero value is ready to use
// and reports not draining; a nil receiver behaves the same.
type Lifecycle struct {
	draining atomic.Bool
}

// SetDraining flips the drain flag. Safe for concurrent use.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

// IsDraining reports whether shutdown has begun.
func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
