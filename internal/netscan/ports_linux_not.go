//go:build !linux

package netscan

import (
	"errors"
	"iter"
	"net/netip"
)

var errNoNetlink = errors.New("netlink socket diagnostics need linux")

// NetlinkListeners is not available here, ListeningPorts always dials.
func NetlinkListeners(low, high int) (iter.Seq[netip.AddrPort], error) {
	return nil, errNoNetlink
}
