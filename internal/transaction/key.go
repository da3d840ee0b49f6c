// Package transaction implements the shared per-exchange state object
// (Transaction) every layer reads and mutates during the lifetime of a
// CoAP exchange (§3, §9).
package transaction

import (
	"encoding/hex"
	"fmt"
	"net"
)

// peerKey renders (host, port) the way every table in this endpoint keys
// its entries, so the multicast-then-unicast trick (§9 "Multicast keys")
// can build a second key from the same helper with a different host.
func peerKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func splitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", 0
	}
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP.String(), u.Port
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// MIDKey renders the (host, port, MID) table key (§3 "MID-table").
func MIDKey(addr net.Addr, mid uint16) string {
	host, port := splitAddr(addr)
	return fmt.Sprintf("mid:%s:%d", peerKey(host, port), mid)
}

// MIDKeyHostPort renders an MID key from an explicit host/port, used to
// build the multicast alias key (§9).
func MIDKeyHostPort(host string, port int, mid uint16) string {
	return fmt.Sprintf("mid:%s:%d", peerKey(host, port), mid)
}

// TokenKey renders the (host, port, token) table key (§3 "token-table").
func TokenKey(addr net.Addr, token []byte) string {
	host, port := splitAddr(addr)
	return fmt.Sprintf("tok:%s:%s", peerKey(host, port), hex.EncodeToString(token))
}

// TokenKeyHostPort renders a token key from an explicit host/port.
func TokenKeyHostPort(host string, port int, token []byte) string {
	return fmt.Sprintf("tok:%s:%s", peerKey(host, port), hex.EncodeToString(token))
}

// HostPort splits a net.Addr into (host, port); exported so layers that
// build multicast alias keys don't need their own copy.
func HostPort(a net.Addr) (string, int) {
	return splitAddr(a)
}
