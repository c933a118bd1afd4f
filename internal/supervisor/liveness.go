package supervisor

import (
	"context"
	"time"

	"github.com/CZERTAINLY/reportd/internal/registry"
)

// Liveness decides whether a registered instance still serves requests.
type Liveness interface {
	Alive(ctx context.Context, inst registry.Instance) bool
}

// PortChecker tells whether a loopback port has no listener.
type PortChecker interface {
	IsPortFree(ctx context.Context, port uint16) bool
}

// PortLiveness treats an occupied port as a live engine. An instance younger
// than Grace whose process still runs is alive even on a free port, it may
// not listen yet.
type PortLiveness struct {
	Ports PortChecker
	Grace time.Duration
	now   func() time.Time
}

func (l PortLiveness) Alive(ctx context.Context, inst registry.Instance) bool {
	if !l.Ports.IsPortFree(ctx, inst.Port) {
		return true
	}
	if l.Grace <= 0 || inst.Handle == nil || !inst.Handle.IsAlive() {
		return false
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	return now().Sub(inst.Started) < l.Grace
}
