package addrresolve_test

import (
	"testing"

	"github.com/rocketbitz/rxrep/internal/addrresolve"
	"github.com/rocketbitz/rxrep/rxcore"
)

// New(nil) is safe for every method exercised here: none of them touch the
// wrapped address vector except InsertService/InsertRaw, which a real
// fi.AddressVector is required for and are out of scope for a unit test.

func TestPeerFromAddrUnknownFails(t *testing.T) {
	r := addrresolve.New(nil)
	if _, ok := r.PeerFromAddr(rxcore.Address(5)); ok {
		t.Fatalf("PeerFromAddr should fail for an address never inserted")
	}
}

func TestRegisterSHMPeerMakesAddrKnown(t *testing.T) {
	r := addrresolve.New(nil)
	addr := rxcore.Address(7)
	r.RegisterSHMPeer(99, addr)

	if resolved, ok := r.PeerFromAddr(addr); !ok || resolved != addr {
		t.Fatalf("PeerFromAddr(%v) = (%v, %v), want (%v, true)", addr, resolved, ok, addr)
	}
	if resolved, ok := r.TranslateSHMToEndpoint(99); !ok || resolved != addr {
		t.Fatalf("TranslateSHMToEndpoint(99) = (%v, %v), want (%v, true)", resolved, ok, addr)
	}
	if _, ok := r.TranslateSHMToEndpoint(100); ok {
		t.Fatalf("TranslateSHMToEndpoint should fail for an unregistered SHM address")
	}
}

func TestPeerFromSourceID(t *testing.T) {
	r := addrresolve.New(nil)

	unresolved := rxcore.SourceID{Resolved: false}
	if _, ok := r.PeerFromSourceID(unresolved); ok {
		t.Fatalf("PeerFromSourceID should fail when the transport didn't resolve a source")
	}

	resolved := rxcore.SourceID{SLID: 42, Resolved: true}
	addr, ok := r.PeerFromSourceID(resolved)
	if !ok {
		t.Fatalf("PeerFromSourceID should succeed when the transport resolved a source")
	}
	if addr != rxcore.Address(42) {
		t.Fatalf("addr = %v, want 42 (SLID pass-through)", addr)
	}
}
