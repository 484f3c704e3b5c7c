package rxcore

import "time"

// peerFlag mirrors the handshake/backoff bit flags original_source carries
// on struct rdm_peer (RXR_PEER_HANDSHAKE_QUEUED, RXR_PEER_HANDSHAKE_SENT,
// RXR_PEER_IN_BACKOFF).
type peerFlag uint32

const (
	peerHandshakeQueued peerFlag = 1 << iota
	peerHandshakeSent
	peerInBackoff
	peerLocal // shm-reachable, node-local (spec.md §9 "Two transports, one endpoint")
)

// Peer is the per-remote-address record described in spec.md §3. It is
// owned by the endpoint's peer table (keyed by Address, resolved through
// the AddressResolver collaborator) and referenced weakly by every
// TxEntry/RxEntry destined for or matched against it.
type Peer struct {
	Addr  Address
	flags peerFlag

	TxCredits           int
	OutstandingTxNIC    int
	OutstandingTxSHM    int
	BackoffDeadline     time.Time
	BackoffWindow       time.Duration

	// outstandingTxPkts lists every TX packet currently posted to this
	// peer, used to invalidate them if the peer is removed (spec.md §3).
	outstandingTxPkts []Packet

	// Per-peer queues of entries awaiting retry, by slot index into the
	// owning pool (spec.md §3 "four lists").
	txQueuedRNR  *indexList
	txQueuedCtrl *indexList
	rxQueuedRNR  *indexList
	rxQueuedCtrl *indexList
}

// newPeer constructs a Peer with its four queues initialized and default
// credit balance.
func newPeer(addr Address, initialCredits int) *Peer {
	return &Peer{
		Addr:         addr,
		TxCredits:    initialCredits,
		txQueuedRNR:  newIndexList(),
		txQueuedCtrl: newIndexList(),
		rxQueuedRNR:  newIndexList(),
		rxQueuedCtrl: newIndexList(),
	}
}

// InBackoff reports whether the peer is currently within its post-RNR quiet
// period (spec.md §5 "A peer in backoff is skipped for all send paths").
func (p *Peer) InBackoff(now time.Time) bool {
	return p.flags&peerInBackoff != 0 && now.Before(p.BackoffDeadline)
}

// enterBackoff sets (or exponentially extends) the peer's backoff window
// after an RNR, per spec.md §5 "per-peer exponential-style deadline".
func (p *Peer) enterBackoff(now time.Time, initial, max time.Duration) {
	if p.flags&peerInBackoff == 0 {
		p.BackoffWindow = initial
	} else {
		p.BackoffWindow *= 2
		if p.BackoffWindow > max {
			p.BackoffWindow = max
		}
	}
	p.flags |= peerInBackoff
	p.BackoffDeadline = now.Add(p.BackoffWindow)
}

// expireBackoff clears the backoff flag once the deadline has passed
// (spec.md §4.6 step 5).
func (p *Peer) expireBackoff(now time.Time) bool {
	if p.flags&peerInBackoff != 0 && !now.Before(p.BackoffDeadline) {
		p.flags &^= peerInBackoff
		return true
	}
	return false
}

func (p *Peer) handshakeQueued() bool { return p.flags&peerHandshakeQueued != 0 }
func (p *Peer) handshakeSent() bool   { return p.flags&peerHandshakeSent != 0 }

func (p *Peer) markHandshakeQueued() { p.flags |= peerHandshakeQueued }
func (p *Peer) markHandshakeSent() {
	p.flags &^= peerHandshakeQueued
	p.flags |= peerHandshakeSent
}

// IsLocal reports whether this peer is reachable over the SHM fast path.
func (p *Peer) IsLocal() bool { return p.flags&peerLocal != 0 }

// SetLocal marks whether this peer is node-local.
func (p *Peer) SetLocal(local bool) {
	if local {
		p.flags |= peerLocal
	} else {
		p.flags &^= peerLocal
	}
}

// outstandingForTransport returns the outstanding TX op counter for the
// given transport (spec.md §8 invariant: "efa_outstanding_tx_ops = |{p ∈
// outstanding_tx_pkts : p.transport = NIC}|").
func (p *Peer) outstandingForTransport(t TransportKind) *int {
	if t == TransportSHM {
		return &p.OutstandingTxSHM
	}
	return &p.OutstandingTxNIC
}

// linkOutstandingTxPkt records a packet as posted to this peer and bumps
// its transport-specific outstanding counter.
func (p *Peer) linkOutstandingTxPkt(pkt Packet, t TransportKind) {
	p.outstandingTxPkts = append(p.outstandingTxPkts, pkt)
	*p.outstandingForTransport(t)++
}

// unlinkOutstandingTxPkt removes a packet from the outstanding list on
// completion and decrements its counter.
func (p *Peer) unlinkOutstandingTxPkt(entryIdx slotIndex, entryIsTx bool, t TransportKind) {
	for i, pkt := range p.outstandingTxPkts {
		if pkt.EntryIndex == entryIdx && pkt.EntryIsTx == entryIsTx {
			p.outstandingTxPkts = append(p.outstandingTxPkts[:i], p.outstandingTxPkts[i+1:]...)
			if c := p.outstandingForTransport(t); *c > 0 {
				*c--
			}
			return
		}
	}
}

// invalidateOutstandingTxPkts is called on peer removal: every packet still
// posted to this peer is dropped from bookkeeping since the transport can
// no longer be told to cancel an in-flight post (spec.md §3 "used to
// invalidate on removal").
func (p *Peer) invalidateOutstandingTxPkts() {
	p.outstandingTxPkts = nil
	p.OutstandingTxNIC = 0
	p.OutstandingTxSHM = 0
}
