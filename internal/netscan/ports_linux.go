package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkListeners asks the kernel for TCP sockets in LISTEN state and yields
// those with a port in [low, high) that would collide with an engine binding
// loopback: listeners on a loopback or wildcard address. The allocator uses
// it to skip busy ports without a connect per port. An error means netlink
// is not usable and the caller falls back to LocalPortsDial.
func NetlinkListeners(low, high int) (iter.Seq[netip.AddrPort], error) {
	var found []netip.AddrPort
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		listeners, err := dumpListeners(family)
		if err != nil {
			return nil, fmt.Errorf("listing tcp listeners of family %d: %w", family, err)
		}
		found = append(found, listeners...)
	}

	return func(yield func(netip.AddrPort) bool) {
		for _, ap := range found {
			port := int(ap.Port())
			if port < low || port >= high {
				continue
			}
			if !ap.Addr().IsLoopback() && !ap.Addr().IsUnspecified() {
				continue
			}
			if !yield(ap) {
				return
			}
		}
	}, nil
}

// values of linux/sock_diag.h, linux/inet_diag.h and net/tcp_states.h
const (
	netlinkSockDiag  = 4
	sockDiagByFamily = 20
	tcpListen        = 10
)

// diagRequest mirrors struct inet_diag_req_v2. A zeroed socket id matches
// every socket.
type diagRequest struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       diagSockID
}

type diagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// reply layout: family, state, timer, retrans, then the socket id
const (
	replySPort = 4
	replySrc   = 8
)

func dumpListeners(family uint8) ([]netip.AddrPort, error) {
	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}

	c, err := netlink.Dial(netlinkSockDiag, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	req := diagRequest{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpListen,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < replySrc+iplen {
			continue
		}
		port := binary.BigEndian.Uint16(m.Data[replySPort : replySPort+2])
		addr, ok := netip.AddrFromSlice(m.Data[replySrc : replySrc+iplen])
		if !ok {
			return nil, fmt.Errorf("invalid address % x", m.Data[replySrc:replySrc+iplen])
		}
		ret = append(ret, netip.AddrPortFrom(addr.Unmap(), port))
	}
	return ret, nil
}
