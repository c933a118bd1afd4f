package netscan

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"time"

	"github.com/CZERTAINLY/reportd/internal/parallel"
)

const dialTimeout = 500 * time.Millisecond

var (
	errNotListening = errors.New("not listening")

	loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})
)

// ListeningPorts returns the ports of [low, high) an engine could not bind on
// loopback. Linux answers from the kernel socket table, elsewhere or when
// netlink is denied every port of the range is dialed.
func ListeningPorts(ctx context.Context, low, high int) map[uint16]struct{} {
	ret := make(map[uint16]struct{})
	add := func(ap netip.AddrPort) {
		if int(ap.Port()) >= low && int(ap.Port()) < high {
			ret[ap.Port()] = struct{}{}
		}
	}

	if runtime.GOOS == "linux" {
		seq, err := NetlinkListeners(low, high)
		if err == nil {
			for ap := range seq {
				add(ap)
			}
			return ret
		}
		slog.WarnContext(ctx, "netlink access failed, using fallback method", "error", err)
	}

	for ap := range LocalPortsDial(ctx, low, high) {
		add(ap)
	}
	return ret
}

// LocalPortsDial yields the ports of [low, high) accepting a TCP connection on
// any of addresses, 127.0.0.1 when none are given. Dials run four at a time.
func LocalPortsDial(ctx context.Context, low, high int, addresses ...netip.Addr) iter.Seq[netip.AddrPort] {
	if addresses == nil {
		addresses = []netip.Addr{loopback4}
	}

	return func(yield func(netip.AddrPort) bool) {
		seq := parallel.NewMap(ctx, 4, opened).Iter(addrPorts(low, high, addresses...))
		for addr, err := range seq {
			if err != nil {
				continue
			}
			if !yield(addr) {
				break
			}
		}
	}
}

func opened(ctx context.Context, adr netip.AddrPort) (netip.AddrPort, error) {
	var zero netip.AddrPort
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", adr.String())
	if err != nil {
		return zero, errNotListening
	}
	err = conn.Close()
	if err != nil {
		return zero, err
	}
	return adr, nil
}

func addrPorts(low, high int, addresses ...netip.Addr) iter.Seq2[netip.AddrPort, error] {
	low = max(low, 1)
	high = min(high, 65536)
	return func(yield func(netip.AddrPort, error) bool) {
		for _, addr := range addresses {
			for port := low; port < high; port++ {
				ap := netip.AddrPortFrom(addr, uint16(port))
				if !yield(ap, nil) {
					return
				}
			}
		}
	}
}
