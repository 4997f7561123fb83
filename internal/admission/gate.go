// Package admission implements the node's peer admission policy: the first
// peer to connect becomes the owner for the life of the process, reconnects
// by the owner are always accepted, and every other peer is rejected before
// any GATT request is processed. There is no revocation, no expiry and no
// persistence; a restart forgets the owner.
package admission

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strings"
	"sync"
)

// AddrType distinguishes public from random device addresses.
type AddrType uint8

const (
	AddrPublic AddrType = 0x00
	AddrRandom AddrType = 0x01

	// AddrFolded marks identities derived from a non-MAC transport address
	// (CoreBluetooth exposes per-host device UUIDs instead of MACs); the
	// address bytes are a stable fold of that string.
	AddrFolded AddrType = 0xFF
)

// String returns the address type for logs.
func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	case AddrFolded:
		return "folded"
	default:
		return fmt.Sprintf("type-%d", uint8(t))
	}
}

// Peer identifies a remote device. Two peers are equal iff the type and all
// six address bytes match.
type Peer struct {
	Type AddrType
	Addr [6]byte
}

// PeerFromString derives a Peer from a transport address string. MAC-form
// addresses keep their bytes; random static addresses (two top bits of the
// first octet set) classify as random. Any other address form is folded to
// six stable bytes so equality still holds per remote device.
func PeerFromString(addr string) Peer {
	if hw, err := net.ParseMAC(strings.TrimSpace(addr)); err == nil && len(hw) == 6 {
		var p Peer
		copy(p.Addr[:], hw)
		p.Type = AddrPublic
		if hw[0]&0xC0 == 0xC0 {
			p.Type = AddrRandom
		}
		return p
	}

	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	p := Peer{Type: AddrFolded}
	copy(p.Addr[:], sum[:6])
	return p
}

// String renders the peer for logs.
func (p Peer) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x (%s)",
		p.Addr[0], p.Addr[1], p.Addr[2], p.Addr[3], p.Addr[4], p.Addr[5], p.Type)
}

// Decision is the outcome of one admission check.
type Decision int

const (
	// Owned means the peer was already the owner.
	Owned Decision = iota
	// Elected means this connection made the peer the owner.
	Elected
	// Rejected means another peer owns the link.
	Rejected
)

// Accepted reports whether the decision lets the connection proceed.
func (d Decision) Accepted() bool {
	return d != Rejected
}

// String returns the decision for logs.
func (d Decision) String() string {
	switch d {
	case Owned:
		return "owned"
	case Elected:
		return "elected"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("decision-%d", int(d))
	}
}

// Gate is the admission state machine. Safe for concurrent use.
type Gate struct {
	mu    sync.Mutex
	owner *Peer
}

// NewGate returns a gate with no owner yet.
func NewGate() *Gate {
	return &Gate{}
}

// Admit runs the policy for one incoming connection. The first call elects
// its peer as owner; afterwards only that peer is accepted. Concurrent
// first connections elect exactly one owner.
func (g *Gate) Admit(p Peer) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owner == nil {
		owner := p
		g.owner = &owner
		return Elected
	}
	if *g.owner == p {
		return Owned
	}
	return Rejected
}

// Owner returns the current owner, if one has been elected.
func (g *Gate) Owner() (Peer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == nil {
		return Peer{}, false
	}
	return *g.owner, true
}
