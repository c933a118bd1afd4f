package netscan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/CZERTAINLY/reportd/internal/model"
)

// Allocator hands out free loopback TCP ports. It keeps no state, every
// call asks the operating system again.
type Allocator struct {
	// listening returns ports known to be bound, used to skip the bind attempt
	listening func(ctx context.Context, low, high int) map[uint16]struct{}
}

func NewAllocator() Allocator {
	return Allocator{listening: ListeningPorts}
}

// NextFreePort returns the first port of [low, high) which is not bound on
// loopback and is not listed in reserved. It returns model.ErrNoPortAvailable
// when the range is exhausted.
func (a Allocator) NextFreePort(ctx context.Context, low, high int, reserved ...uint16) (uint16, error) {
	if low < 1 || high > 65536 || low >= high {
		return 0, fmt.Errorf("%w: invalid range [%d, %d)", model.ErrNoPortAvailable, low, high)
	}

	skip := make(map[uint16]struct{}, len(reserved))
	for _, port := range reserved {
		skip[port] = struct{}{}
	}
	if a.listening != nil {
		for port := range a.listening(ctx, low, high) {
			skip[port] = struct{}{}
		}
	}

	for port := low; port < high; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p := uint16(port)
		if _, ok := skip[p]; ok {
			continue
		}
		if a.IsPortFree(ctx, p) {
			return p, nil
		}
	}
	slog.DebugContext(ctx, "port range exhausted", "low", low, "high", high, "reserved", len(reserved))
	return 0, fmt.Errorf("%w: range [%d, %d) exhausted", model.ErrNoPortAvailable, low, high)
}

// IsPortFree reports whether nothing listens on the loopback port. The port
// must be bindable and must refuse connections.
func (a Allocator) IsPortFree(ctx context.Context, port uint16) bool {
	return IsPortFree(ctx, port)
}

func IsPortFree(ctx context.Context, port uint16) bool {
	if port == 0 {
		return false
	}
	addr := netip.AddrPortFrom(loopback4, port)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", addr.String())
	if err != nil {
		return false
	}
	if err := ln.Close(); err != nil {
		slog.DebugContext(ctx, "closing port check listener", "port", port, "error", err)
	}

	_, err = opened(ctx, addr)
	return err != nil
}
