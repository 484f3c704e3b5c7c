// Package memreg adapts fi.Domain's memory registration calls to
// rxcore.MemoryRegistrar, the collaborator rxcore's packet pools and
// long-message path use to register provider-owned buffers with the NIC.
package memreg

import (
	"github.com/rocketbitz/rxrep/fi"
	"github.com/rocketbitz/rxrep/rxcore"
)

// Registrar wraps an open fi.Domain.
type Registrar struct {
	domain *fi.Domain
}

// New constructs a Registrar bound to domain.
func New(domain *fi.Domain) *Registrar {
	return &Registrar{domain: domain}
}

func toMRAccess(a rxcore.MemAccess) fi.MRAccessFlag {
	var out fi.MRAccessFlag
	if a&rxcore.MemAccessLocal != 0 {
		out |= fi.MRAccessLocal
	}
	if a&rxcore.MemAccessRemoteRead != 0 {
		out |= fi.MRAccessRemoteRead
	}
	if a&rxcore.MemAccessRemoteWrite != 0 {
		out |= fi.MRAccessRemoteWrite
	}
	return out
}

// region adapts *fi.MemoryRegion to both rxcore.MemoryRegion and
// rxcore.PacketRegistration, which share an identical shape.
type region struct {
	mr *fi.MemoryRegion
}

func (r *region) Descriptor() any { return r.mr.Descriptor() }
func (r *region) Release() error { return r.mr.Close() }

// RegisterPacketChunk registers one packet-pool chunk allocation.
func (g *Registrar) RegisterPacketChunk(buf []byte, access rxcore.MemAccess) (rxcore.PacketRegistration, error) {
	mr, err := g.domain.RegisterMemory(buf, toMRAccess(access))
	if err != nil {
		return nil, err
	}
	return &region{mr: mr}, nil
}

// RegisterSegment registers one application IOVec segment the caller did
// not pre-register.
func (g *Registrar) RegisterSegment(buf []byte, access rxcore.MemAccess) (rxcore.MemoryRegion, error) {
	mr, err := g.domain.RegisterMemory(buf, toMRAccess(access))
	if err != nil {
		return nil, err
	}
	return &region{mr: mr}, nil
}
